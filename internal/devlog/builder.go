package devlog

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"example.com/ventlog/internal/common"
	"example.com/ventlog/internal/diag"
	"example.com/ventlog/internal/meta"
)

// Options configures a Builder. Start from DefaultOptions.
type Options struct {
	// ResetThreshold is the backward raw-clock step treated as a device reset.
	ResetThreshold time.Duration
	// TimeChangeEvents and PatientResetEvents are event ids ("major.minor")
	// used when the metadata does not group them itself.
	TimeChangeEvents   []string
	PatientResetEvents []string
	// VersionKey is the device-config key holding the software version.
	VersionKey string
	// FromPatientReset drops records older than the most recent patient reset.
	FromPatientReset bool
	// RequireMetadata makes an unresolvable version fatal for the bundle.
	RequireMetadata bool
}

func DefaultOptions() Options {
	return Options{
		ResetThreshold:     DefaultResetThreshold,
		TimeChangeEvents:   []string{"3.7"},
		PatientResetEvents: []string{"3.9"},
		VersionKey:         "SoftwareVersion",
		FromPatientReset:   true,
		RequireMetadata:    true,
	}
}

// Series is one SysLog series: its members concatenated in order plus the
// offset at which each member starts.
type Series struct {
	Data  []byte
	Files []FileSpan
}

// Input holds the raw members of one bundle.
type Input struct {
	Primary          Series
	Secondary        Series
	DeviceConfig     []byte
	DeviceConfigName string
	Usage            []byte
	UsageName        string
	Crash            []byte
	CrashName        string
	EmbeddedMetadata []byte
	Digest           string
}

// Size is the number of source bytes in the bundle.
func (in Input) Size() int64 {
	return int64(len(in.Primary.Data) + len(in.Secondary.Data) + len(in.DeviceConfig) + len(in.Usage) + len(in.Crash))
}

type Stats struct {
	PerType          map[RecordType]int `json:"perType"`
	Integrity        map[Integrity]int  `json:"integrity"`
	Resets           int                `json:"resets"`
	TimeChanges      int                `json:"timeChanges"`
	FenceFound       bool               `json:"fenceFound"`
	FenceOffset      int64              `json:"fenceOffset"`
	FenceTimeMs      int64              `json:"fenceTimeMs"`
	Dropped          int                `json:"dropped"`
	StructuralErrors int                `json:"structuralErrors"`
}

// CombinedLog is the merged, globally sequenced event log of one bundle.
type CombinedLog struct {
	ID              string           `json:"id"`
	CreatedAt       time.Time        `json:"createdAt"`
	Digest          string           `json:"digest,omitempty"`
	SoftwareVersion string           `json:"softwareVersion,omitempty"`
	Resolution      *meta.Resolution `json:"resolution,omitempty"`
	RuleSet         string           `json:"ruleSet,omitempty"`
	Stats           Stats            `json:"stats"`
	Records         []Record         `json:"records"`
}

// IsFatal reports whether err aborts its source or the bundle.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStructural) || errors.Is(err, meta.ErrSchema)
}

// Builder runs the two-pass pipeline for one bundle at a time.
type Builder struct {
	opts     Options
	resolver *meta.Resolver
	settings *meta.Resolver
	reporter diag.Reporter
	metrics  *common.Metrics
}

func NewBuilder(opts Options, resolver *meta.Resolver, reporter diag.Reporter) *Builder {
	if reporter == nil {
		reporter = diag.Discard{}
	}
	return &Builder{opts: opts, resolver: resolver, reporter: reporter}
}

// SetSettingsResolver enables loading default setting values for the
// resolved version.
func (b *Builder) SetSettingsResolver(r *meta.Resolver) {
	b.settings = r
}

func (b *Builder) SetMetrics(m *common.Metrics) {
	b.metrics = m
}

// Build parses, synchronizes and merges every member of in.
func (b *Builder) Build(in Input) (*CombinedLog, error) {
	out := &CombinedLog{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Digest:    in.Digest,
		Stats: Stats{
			PerType:   make(map[RecordType]int),
			Integrity: make(map[Integrity]int),
		},
	}

	config := b.parseDeviceConfig(in, out)
	usage := b.parseUsage(in)

	out.SoftwareVersion = b.softwareVersion(config, usage)
	md, defaults, err := b.loadMetadata(out, in.EmbeddedMetadata)
	if err != nil {
		return nil, err
	}
	if md != nil {
		out.RuleSet = meta.RuleSetFor(md.Version).Name()
	}

	sync := NewSynchronizer(b.opts.ResetThreshold)
	fence := b.findFence(in.Primary, md, defaults, sync)

	primary := b.parseSysLog(SysLogPrimary, in.Primary, md, defaults, out)
	secondary := b.parseSysLog(SysLogSecondary, in.Secondary, md, defaults, out)
	crash := b.parseCrash(in, out)
	b.synchronize(sync, md, out, primary, secondary, crash)

	if fence.found {
		out.Stats.FenceFound = true
		out.Stats.FenceOffset = fence.offset
		out.Stats.FenceTimeMs = fence.syntheticMs
		if b.opts.FromPatientReset {
			var dropped int
			primary, dropped = dropBefore(primary, func(r Record) bool { return r.Offset < fence.offset })
			out.Stats.Dropped += dropped
			secondary, dropped = dropBefore(secondary, func(r Record) bool { return r.SyntheticTimeMs < fence.syntheticMs })
			out.Stats.Dropped += dropped
			crash, dropped = dropBefore(crash, func(r Record) bool { return r.SyntheticTimeMs < fence.syntheticMs })
			out.Stats.Dropped += dropped
		}
	}

	var latest int64
	for _, s := range [][]Record{primary, secondary, crash} {
		for _, r := range s {
			if r.SyntheticTimeMs > latest {
				latest = r.SyntheticTimeMs
			}
		}
	}
	stampUntimed(config, latest)
	stampUntimed(usage, latest)

	out.Records = Merge(primary, secondary, crash, config, usage)
	for _, r := range out.Records {
		out.Stats.PerType[r.Type]++
		out.Stats.Integrity[r.Integrity]++
	}
	common.Logf("built combined log %s: %d records, %d CRC failures, %d resets", out.ID, len(out.Records), out.Stats.Integrity[IntegrityFail], out.Stats.Resets)
	return out, nil
}

func (b *Builder) reportStructural(typ RecordType, err error, out *CombinedLog) {
	out.Stats.StructuralErrors++
	b.reporter.LogError("Structural", string(typ), "parsing stopped", err, nil)
}

func (b *Builder) countRecords(recs []Record) {
	for _, r := range recs {
		b.metrics.AddRecord(int64(r.Length))
		if r.Integrity == IntegrityFail {
			b.metrics.IncCRCFailure()
			b.reporter.LogError("Integrity", string(r.Type), "CRC mismatch",
				fmt.Errorf("%w: %s record %d", ErrIntegrity, r.Type, r.SourceSeq),
				map[string]any{"file": r.SourceFile, "offset": r.Offset})
		}
	}
}

func (b *Builder) parseDeviceConfig(in Input, out *CombinedLog) []Record {
	if len(in.DeviceConfig) == 0 {
		return nil
	}
	recs, err := ParseDeviceConfig(in.DeviceConfig, in.DeviceConfigName)
	if err != nil {
		b.reportStructural(DeviceConfig, err, out)
	}
	b.countRecords(recs)
	return recs
}

func (b *Builder) parseUsage(in Input) []Record {
	if len(in.Usage) == 0 {
		return nil
	}
	recs, errs := ParseUsageMonitor(in.Usage, in.UsageName)
	for _, err := range errs {
		b.reporter.LogError("Parse", string(UsageMonitor), "line skipped", err, nil)
	}
	b.countRecords(recs)
	return recs
}

// softwareVersion prefers an intact device-config entry, then any
// device-config entry, then the usage monitor's version record.
func (b *Builder) softwareVersion(config, usage []Record) string {
	var fallback string
	for _, r := range config {
		if r.Config == nil || r.Config.Key != b.opts.VersionKey {
			continue
		}
		if r.Integrity == IntegrityPass {
			return r.Config.Value
		}
		if fallback == "" {
			fallback = r.Config.Value
		}
	}
	if fallback != "" {
		return fallback
	}
	for _, r := range usage {
		if r.Usage != nil && r.Usage.Kind == UsageVersion && r.Integrity != IntegrityFail {
			return r.Usage.Version
		}
	}
	return ""
}

func (b *Builder) loadMetadata(out *CombinedLog, embedded []byte) (*meta.Metadata, map[string]string, error) {
	if b.resolver == nil {
		if b.opts.RequireMetadata {
			return nil, nil, fmt.Errorf("%w: no metadata resolver configured", meta.ErrVersionResolution)
		}
		return nil, nil, nil
	}
	res := b.resolver.Resolve(out.SoftwareVersion, len(embedded) > 0)
	if res == nil {
		if b.opts.RequireMetadata {
			return nil, nil, fmt.Errorf("%w: software version %q", meta.ErrVersionResolution, out.SoftwareVersion)
		}
		return nil, nil, nil
	}
	out.Resolution = res
	md, err := meta.LoadMetadata(res, embedded)
	if err != nil {
		b.reporter.LogError("Schema", "Metadata", "metadata could not be loaded", err, map[string]any{"version": res.Version})
		return nil, nil, err
	}
	var defaults map[string]string
	if b.settings != nil {
		if sres := b.settings.Resolve(md.Version, false); sres != nil {
			defaults, err = meta.LoadSettings(sres.Path)
			if err != nil {
				b.reporter.LogWarning("settings defaults unavailable: "+err.Error(), sres.Version)
				defaults = nil
			}
		}
	}
	return md, defaults, nil
}

type fence struct {
	found       bool
	offset      int64
	syntheticMs int64
}

// findFence is the speculative first pass: a header-only scan of the
// primary series locating the most recent patient reset. Diagnostics are
// suppressed; the second pass reports them.
func (b *Builder) findFence(s Series, md *meta.Metadata, defaults map[string]string, sync *Synchronizer) fence {
	var f fence
	if len(s.Data) == 0 {
		return f
	}
	b.reporter.DisableTracking()
	defer b.reporter.EnableTracking()

	in := newInterpreter(md, defaults, b.opts)
	r := NewSysLogReader(SysLogPrimary, s.Data, s.Files)
	r.ScanOnly()
	for {
		rec, err := r.Next()
		if err != nil {
			break
		}
		syn := sync.Advance(rec.RawTimeMs, in.marker(&rec))
		if in.isPatientReset(rec.SysLog.EventID) {
			f = fence{found: true, offset: rec.Offset, syntheticMs: syn}
		}
	}
	return f
}

func (b *Builder) parseSysLog(typ RecordType, s Series, md *meta.Metadata, defaults map[string]string, out *CombinedLog) []Record {
	if len(s.Data) == 0 {
		return nil
	}
	var recs []Record
	r := NewSysLogReader(typ, s.Data, s.Files)
	for {
		rec, err := r.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.reportStructural(typ, err, out)
			}
			break
		}
		recs = append(recs, rec)
	}

	if md != nil {
		in := newInterpreter(md, defaults, b.opts)
		for i := range recs {
			in.interpret(&recs[i])
		}
		in.flush()
	}
	b.countRecords(recs)
	return recs
}

// synchronize assigns synthetic times. The first non-empty stream is the
// clock reference: it is fed through sync, which counts its resets and time
// changes, and the remaining streams are mapped onto the resulting timeline.
func (b *Builder) synchronize(sync *Synchronizer, md *meta.Metadata, out *CombinedLog, streams ...[]Record) {
	ref := -1
	for i, recs := range streams {
		if len(recs) > 0 {
			ref = i
			break
		}
	}
	if ref < 0 {
		return
	}

	markers := newInterpreter(md, nil, b.opts)
	sync.Reset()
	for i := range streams[ref] {
		rec := &streams[ref][i]
		rec.SyntheticTimeMs = sync.Advance(rec.RawTimeMs, markers.marker(rec))
	}
	st := sync.State()
	out.Stats.Resets = st.Resets
	out.Stats.TimeChanges = st.TimeChanges
	b.metrics.AddResets(st.Resets)

	tl := sync.Timeline()
	for i, recs := range streams {
		if i == ref {
			continue
		}
		cur := tl.Cursor()
		for j := range recs {
			recs[j].SyntheticTimeMs = cur.Map(recs[j].RawTimeMs)
		}
	}
}

func (b *Builder) parseCrash(in Input, out *CombinedLog) []Record {
	if len(in.Crash) == 0 {
		return nil
	}
	recs, err := ParseCrashLog(in.Crash, in.CrashName)
	if err != nil {
		b.reportStructural(CrashLog, err, out)
	}
	b.countRecords(recs)
	return recs
}

func dropBefore(recs []Record, before func(Record) bool) ([]Record, int) {
	kept := recs[:0]
	dropped := 0
	for _, r := range recs {
		if before(r) {
			dropped++
			continue
		}
		kept = append(kept, r)
	}
	return kept, dropped
}
