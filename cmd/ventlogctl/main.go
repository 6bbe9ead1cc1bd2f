package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"example.com/ventlog/internal/bundle"
	"example.com/ventlog/internal/common"
	"example.com/ventlog/internal/devlog"
	"example.com/ventlog/internal/diag"
	"example.com/ventlog/internal/meta"
	"example.com/ventlog/internal/report"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const (
	formatJSON   = "json"
	formatNDJSON = "ndjson"

	diagnosticsFile = "diagnostics.jsonl"
	usagePDFFile    = "usage.pdf"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	cmd := os.Args[1]
	switch cmd {
	case "build":
		buildCmd(os.Args[2:])
	case "batch":
		batchCmd(os.Args[2:])
	case "resolve":
		resolveCmd(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Printf(`ventlogctl %s (built %s) <command> [options]

Commands:
  build    --in <bundle.zip|dir> [--config <ventlog.yaml>] [--metadata-dir <dir>] [--settings-dir <dir>] --out <dir> [--format json|ndjson] [--zstd] [--pdf] [--lang en|tr]
  batch    --in <dir> [--config <ventlog.yaml>] --out-dir <dir> [--concurrency <n>] [--format json|ndjson] [--zstd] [--pdf]
  resolve  --version <software version> [--config <ventlog.yaml>] [--metadata-dir <dir>] [--embedded]
`, version, buildDate)
}

// jobOptions carries what every bundle build of one invocation shares.
type jobOptions struct {
	cfg      config
	format   string
	compress bool
	pdf      bool
	lang     report.Language
	metrics  *common.Metrics
}

func (o jobOptions) combinedName() string {
	name := "combined.json"
	if o.format == formatNDJSON {
		name = "records.ndjson"
	}
	if o.compress {
		name += ".zst"
	}
	return name
}

type buildResult struct {
	Bundle      string
	OutDir      string
	Log         *devlog.CombinedLog
	Diagnostics diag.Summary
}

// runBuild turns one bundle into a combined log under outDir. Diagnostics
// are written even when the build fails.
func runBuild(src, outDir string, opts jobOptions) (buildResult, error) {
	res := buildResult{Bundle: src, OutDir: outDir}
	b, err := bundle.Open(src, opts.cfg.Layout)
	if err != nil {
		return res, fmt.Errorf("open bundle: %w", err)
	}
	in, err := b.Input()
	if err != nil {
		return res, err
	}
	opts.metrics.AddTotalBytes(in.Size())

	mgr := diag.NewManager(devlog.IsFatal)
	mgr.SetEcho(false)
	builder := devlog.NewBuilder(opts.cfg.builderOptions(), opts.cfg.resolver(opts.cfg.MetadataDir, mgr), mgr)
	if opts.cfg.SettingsDir != "" {
		builder.SetSettingsResolver(opts.cfg.resolver(opts.cfg.SettingsDir, mgr))
	}
	builder.SetMetrics(opts.metrics)
	log, buildErr := builder.Build(in)
	res.Log = log
	res.Diagnostics = mgr.Summary()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return res, fmt.Errorf("create output dir: %w", err)
	}
	if err := mgr.WriteNDJSON(filepath.Join(outDir, diagnosticsFile)); err != nil {
		return res, fmt.Errorf("write diags: %w", err)
	}
	if buildErr != nil {
		return res, fmt.Errorf("build: %w", buildErr)
	}

	combined := filepath.Join(outDir, opts.combinedName())
	if opts.format == formatNDJSON {
		err = report.WriteRecordsNDJSON(log, combined)
	} else {
		err = report.SaveCombinedJSON(log, combined)
	}
	if err != nil {
		return res, fmt.Errorf("write combined log: %w", err)
	}
	if opts.pdf {
		ctx := report.NewContext(log, res.Diagnostics, opts.lang)
		if err := report.SaveUsagePDF(ctx, filepath.Join(outDir, usagePDFFile)); err != nil {
			return res, fmt.Errorf("write pdf: %w", err)
		}
	}
	return res, nil
}

// commonFlags holds the flags shared by build and batch.
type commonFlags struct {
	configPath  *string
	metadataDir *string
	settingsDir *string
	format      *string
	compress    *bool
	pdf         *bool
	lang        *string
}

func registerCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		configPath:  fs.String("config", "", "ventlog.yaml"),
		metadataDir: fs.String("metadata-dir", "", "metadata definition directory (overrides config)"),
		settingsDir: fs.String("settings-dir", "", "settings definition directory (overrides config)"),
		format:      fs.String("format", formatJSON, "combined log format: json or ndjson"),
		compress:    fs.Bool("zstd", false, "compress the combined log with zstd"),
		pdf:         fs.Bool("pdf", false, "render a usage report PDF"),
		lang:        fs.String("lang", "", "report language: en or tr (overrides config)"),
	}
}

// options loads the configuration and applies flag overrides on top.
func (f commonFlags) options() (jobOptions, error) {
	cfg, err := loadConfig(*f.configPath)
	if err != nil {
		return jobOptions{}, fmt.Errorf("config: %w", err)
	}
	if *f.metadataDir != "" {
		cfg.MetadataDir = *f.metadataDir
	}
	if *f.settingsDir != "" {
		cfg.SettingsDir = *f.settingsDir
	}
	if *f.lang != "" {
		cfg.Lang = *f.lang
	}
	format := strings.ToLower(strings.TrimSpace(*f.format))
	if format != formatJSON && format != formatNDJSON {
		return jobOptions{}, fmt.Errorf("unsupported format %q", *f.format)
	}
	lang, err := report.ParseLanguage(cfg.Lang)
	if err != nil {
		return jobOptions{}, err
	}
	if err := setupLogging(cfg); err != nil {
		return jobOptions{}, err
	}
	return jobOptions{cfg: cfg, format: format, compress: *f.compress, pdf: *f.pdf, lang: lang}, nil
}

func buildCmd(args []string) {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	in := fs.String("in", "", "log bundle (.zip or directory)")
	out := fs.String("out", "", "output directory (default <outputDir>/<bundle>)")
	metricsFlag := fs.Bool("metrics", false, "print build throughput metrics")
	progressFlag := fs.Bool("progress", false, "display build progress updates")
	cf := registerCommonFlags(fs)
	fs.Parse(args)

	if *in == "" {
		fmt.Println("required: --in")
		os.Exit(1)
	}
	opts, err := cf.options()
	if err != nil {
		fmt.Println("options:", err)
		os.Exit(1)
	}
	outDir := *out
	if outDir == "" {
		outDir = filepath.Join(opts.cfg.OutputDir, bundleStem(*in))
	}

	if *metricsFlag || *progressFlag {
		opts.metrics = common.NewMetrics()
		opts.metrics.Start()
	}
	var stopProgress func()
	if opts.metrics != nil && *progressFlag {
		stopProgress = common.StartProgressPrinter(os.Stderr, opts.metrics, 500*time.Millisecond)
	}
	res, err := runBuild(*in, outDir, opts)
	if stopProgress != nil {
		stopProgress()
	}
	if opts.metrics != nil {
		opts.metrics.Stop()
	}
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	log := res.Log
	fmt.Printf("Combined log %s: records=%d dropped=%d resets=%d time-changes=%d crc-fail=%d errors=%d warnings=%d\n",
		log.ID,
		len(log.Records),
		log.Stats.Dropped,
		log.Stats.Resets,
		log.Stats.TimeChanges,
		log.Stats.Integrity[devlog.IntegrityFail],
		res.Diagnostics.Errors,
		res.Diagnostics.Warnings,
	)
	if log.Resolution != nil {
		fmt.Printf("Software version %s uses definitions %s (%s rules)\n", log.SoftwareVersion, log.Resolution.Version, log.RuleSet)
	}
	fmt.Printf("Output written to %s\n", outDir)
	if opts.metrics != nil && *metricsFlag {
		printMetrics(os.Stdout, opts.metrics.Snapshot())
	}
}

func printMetrics(w io.Writer, snap common.MetricsSnapshot) {
	fmt.Fprintf(w, "Metrics: duration=%s records=%d resets=%d crc-fail=%d processed=%s throughput=%.2f MB/s\n",
		snap.Duration.Round(10*time.Millisecond),
		snap.Records,
		snap.Resets,
		snap.CRCFailures,
		common.FormatBytes(snap.Bytes),
		snap.ThroughputBytesPerSecond()/1_000_000,
	)
}

// bundleStem names the output directory of a bundle.
func bundleStem(src string) string {
	base := filepath.Base(filepath.Clean(src))
	if strings.EqualFold(filepath.Ext(base), ".zip") {
		base = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return base
}

// discoverBundles lists the .zip files and subdirectories directly under dir.
func discoverBundles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if e.IsDir() || strings.EqualFold(filepath.Ext(name), ".zip") {
			out = append(out, filepath.Join(dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}

type batchOutcome struct {
	result buildResult
	err    error
}

// runBatch builds every bundle under inDir with a bounded worker pool and
// returns the outcomes in discovery order.
func runBatch(inDir, outDir string, concurrency int, opts jobOptions) ([]batchOutcome, error) {
	bundles, err := discoverBundles(inDir)
	if err != nil {
		return nil, err
	}
	if len(bundles) == 0 {
		return nil, fmt.Errorf("no bundles found in %s", inDir)
	}
	stems := make(map[string]int)
	outDirs := make([]string, len(bundles))
	for i, src := range bundles {
		stem := bundleStem(src)
		if n := stems[stem]; n > 0 {
			stem = fmt.Sprintf("%s_%d", stem, n)
		}
		stems[bundleStem(src)]++
		outDirs[i] = filepath.Join(outDir, stem)
	}

	if concurrency <= 0 {
		concurrency = 1
	}
	if concurrency > len(bundles) {
		concurrency = len(bundles)
	}
	outcomes := make([]batchOutcome, len(bundles))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				res, err := runBuild(bundles[i], outDirs[i], opts)
				if err != nil {
					common.Logf("bundle %s failed: %v", bundles[i], err)
				}
				outcomes[i] = batchOutcome{result: res, err: err}
			}
		}()
	}
	for i := range bundles {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return outcomes, nil
}

func batchCmd(args []string) {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	inDir := fs.String("in", ".", "directory of log bundles")
	outDir := fs.String("out-dir", "", "results directory (default <outputDir>)")
	concurrency := fs.Int("concurrency", 0, "parallel bundle builds (default from config)")
	metricsFlag := fs.Bool("metrics", false, "print batch throughput metrics")
	cf := registerCommonFlags(fs)
	fs.Parse(args)

	opts, err := cf.options()
	if err != nil {
		fmt.Println("options:", err)
		os.Exit(1)
	}
	dst := *outDir
	if dst == "" {
		dst = opts.cfg.OutputDir
	}
	workers := *concurrency
	if workers <= 0 {
		workers = opts.cfg.Concurrency
	}
	if *metricsFlag {
		opts.metrics = common.NewMetrics()
		opts.metrics.Start()
	}
	outcomes, err := runBatch(*inDir, dst, workers, opts)
	if opts.metrics != nil {
		opts.metrics.Stop()
	}
	if err != nil {
		fmt.Println("batch:", err)
		os.Exit(1)
	}

	failed := printBatchSummary(os.Stdout, outcomes)
	if opts.metrics != nil {
		printMetrics(os.Stdout, opts.metrics.Snapshot())
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func printBatchSummary(w io.Writer, outcomes []batchOutcome) int {
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "BUNDLE\tSTATUS\tRECORDS\tCRC-FAIL\tERRORS\tWARNINGS\tOUTPUT")
	failed := 0
	for _, o := range outcomes {
		status := "ok"
		records, crc := "-", "-"
		if o.err != nil {
			failed++
			status = "failed"
		}
		if o.result.Log != nil {
			records = fmt.Sprint(len(o.result.Log.Records))
			crc = fmt.Sprint(o.result.Log.Stats.Integrity[devlog.IntegrityFail])
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			filepath.Base(o.result.Bundle),
			status,
			records,
			crc,
			o.result.Diagnostics.Errors,
			o.result.Diagnostics.Warnings,
			o.result.OutDir,
		)
	}
	tw.Flush()
	fmt.Fprintf(w, "%d bundles, %d failed\n", len(outcomes), failed)
	return failed
}

type resolveOutput struct {
	Version    string           `json:"version"`
	Resolution *meta.Resolution `json:"resolution"`
	RuleSet    string           `json:"ruleSet,omitempty"`
	Available  []int            `json:"available"`
	Warnings   []diag.Entry     `json:"warnings,omitempty"`
}

// resolveVersion reports how version maps onto the definitions in dir.
func resolveVersion(cfg config, dir, version string, embedded bool) (resolveOutput, error) {
	mgr := diag.NewManager()
	mgr.SetEcho(false)
	r := cfg.resolver(dir, mgr)
	out := resolveOutput{Version: version}
	available, err := r.Available()
	if err != nil {
		return out, err
	}
	sort.Ints(available)
	out.Available = available
	out.Resolution = r.Resolve(version, embedded)
	if out.Resolution != nil {
		out.RuleSet = meta.RuleSetFor(out.Resolution.Version).Name()
	}
	out.Warnings = mgr.Entries()
	if out.Resolution == nil {
		return out, fmt.Errorf("%w: %s", meta.ErrVersionResolution, version)
	}
	return out, nil
}

func resolveCmd(args []string) {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	ver := fs.String("version", "", "device software version")
	configPath := fs.String("config", "", "ventlog.yaml")
	metadataDir := fs.String("metadata-dir", "", "metadata definition directory (overrides config)")
	embedded := fs.Bool("embedded", false, "assume the bundle carries embedded metadata")
	fs.Parse(args)

	if *ver == "" {
		fmt.Println("required: --version")
		os.Exit(1)
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Println("config:", err)
		os.Exit(1)
	}
	dir := cfg.MetadataDir
	if *metadataDir != "" {
		dir = *metadataDir
	}
	out, resolveErr := resolveVersion(cfg, dir, *ver, *embedded)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Println("encode:", err)
		os.Exit(1)
	}
	if resolveErr != nil {
		fmt.Fprintln(os.Stderr, resolveErr)
		os.Exit(1)
	}
}
