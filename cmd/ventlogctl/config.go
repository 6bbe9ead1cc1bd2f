package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"example.com/ventlog/internal/bundle"
	"example.com/ventlog/internal/common"
	"example.com/ventlog/internal/devlog"
	"example.com/ventlog/internal/diag"
	"example.com/ventlog/internal/meta"
)

type logConfig struct {
	Directory  string `yaml:"directory"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

type builderConfig struct {
	ResetThreshold     time.Duration `yaml:"resetThreshold"`
	TimeChangeEvents   []string      `yaml:"timeChangeEvents"`
	PatientResetEvents []string      `yaml:"patientResetEvents"`
	VersionKey         string        `yaml:"versionKey"`
	FromPatientReset   *bool         `yaml:"fromPatientReset"`
	RequireMetadata    *bool         `yaml:"requireMetadata"`
}

type config struct {
	MetadataDir    string          `yaml:"metadataDir"`
	SettingsDir    string          `yaml:"settingsDir"`
	OutputDir      string          `yaml:"outputDir"`
	Concurrency    int             `yaml:"concurrency"`
	Lang           string          `yaml:"lang"`
	MinimumVersion int             `yaml:"minimumVersion"`
	Overrides      []meta.Override `yaml:"overrides"`
	Layout         bundle.Layout   `yaml:"layout"`
	Builder        builderConfig   `yaml:"builder"`
	Logs           logConfig       `yaml:"logs"`
}

// loadConfig reads path when it is set and fills in defaults. Relative paths
// are resolved against the directory of the config file.
func loadConfig(path string) (config, error) {
	var cfg config
	baseDir := "."
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && err != io.EOF {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
		baseDir = filepath.Dir(path)
	}
	resolvePath := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" {
			return ""
		}
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		candidate := filepath.Clean(filepath.Join(baseDir, p))
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		return filepath.Clean(p)
	}
	cfg.MetadataDir = resolvePath(cfg.MetadataDir)
	if cfg.MetadataDir == "" {
		cfg.MetadataDir = resolvePath("metadata")
	}
	cfg.SettingsDir = resolvePath(cfg.SettingsDir)
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join(".", "out")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.NumCPU()
	}
	if cfg.Lang == "" {
		cfg.Lang = "en"
	}
	if cfg.MinimumVersion <= 0 {
		cfg.MinimumVersion = meta.DefaultMinimumVersion
	}
	if cfg.Overrides == nil {
		cfg.Overrides = meta.DefaultOverrides
	}
	cfg.Layout = mergeLayout(cfg.Layout, bundle.DefaultLayout())
	if cfg.Logs.MaxSizeMB <= 0 {
		cfg.Logs.MaxSizeMB = 25
	}
	if cfg.Logs.MaxAgeDays <= 0 {
		cfg.Logs.MaxAgeDays = 7
	}
	if cfg.Logs.MaxBackups <= 0 {
		cfg.Logs.MaxBackups = 5
	}
	cfg.Logs.Directory = resolvePath(cfg.Logs.Directory)
	return cfg, nil
}

func mergeLayout(l, defaults bundle.Layout) bundle.Layout {
	pick := func(v, d []string) []string {
		if len(v) == 0 {
			return d
		}
		return v
	}
	return bundle.Layout{
		Primary:      pick(l.Primary, defaults.Primary),
		Secondary:    pick(l.Secondary, defaults.Secondary),
		DeviceConfig: pick(l.DeviceConfig, defaults.DeviceConfig),
		Usage:        pick(l.Usage, defaults.Usage),
		Crash:        pick(l.Crash, defaults.Crash),
		Metadata:     pick(l.Metadata, defaults.Metadata),
	}
}

func (c config) builderOptions() devlog.Options {
	opts := devlog.DefaultOptions()
	b := c.Builder
	if b.ResetThreshold > 0 {
		opts.ResetThreshold = b.ResetThreshold
	}
	if len(b.TimeChangeEvents) > 0 {
		opts.TimeChangeEvents = b.TimeChangeEvents
	}
	if len(b.PatientResetEvents) > 0 {
		opts.PatientResetEvents = b.PatientResetEvents
	}
	if b.VersionKey != "" {
		opts.VersionKey = b.VersionKey
	}
	if b.FromPatientReset != nil {
		opts.FromPatientReset = *b.FromPatientReset
	}
	if b.RequireMetadata != nil {
		opts.RequireMetadata = *b.RequireMetadata
	}
	return opts
}

func (c config) resolver(dir string, reporter diag.Reporter) *meta.Resolver {
	r := meta.NewResolver(dir, reporter)
	r.MinimumVersion = c.MinimumVersion
	r.Overrides = c.Overrides
	return r
}

// setupLogging mirrors process logging into a rotating file when a log
// directory is configured.
func setupLogging(cfg config) error {
	if cfg.Logs.Directory == "" {
		return nil
	}
	if err := os.MkdirAll(cfg.Logs.Directory, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Logs.Directory, "ventlogctl.log"),
		MaxSize:    cfg.Logs.MaxSizeMB,
		MaxAge:     cfg.Logs.MaxAgeDays,
		MaxBackups: cfg.Logs.MaxBackups,
		Compress:   cfg.Logs.Compress,
	}
	w := io.MultiWriter(os.Stderr, rotator)
	log.SetOutput(w)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	common.SetLogOutput(w)
	return nil
}
