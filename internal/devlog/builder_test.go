package devlog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"example.com/ventlog/internal/common"
	"example.com/ventlog/internal/diag"
	"example.com/ventlog/internal/meta"
)

const testMetadata = `{
  "METADATA_VERSION": "40700",
  "Groupings": {
    "TherapyStart": ["12.1"],
    "TherapyStop": ["12.2"],
    "ControlChange": ["20.0"],
    "TimeChange": ["3.7"],
    "PatientReset": ["3.9"]
  },
  "Messages": {
    "12.1": {"Name": "Therapy started"},
    "20.0": {"Name": "Setting changed", "Keys": ["Mode", "IPAP"]}
  },
  "Parameters": {
    "Mode": {"DataClass": "Setting"},
    "IPAP": {"DataClass": "Setting", "Unit": "cmH2O", "Applicability": {"Key": "Mode", "NotIn": ["CPAP"]}}
  }
}`

func testInterpreter(t *testing.T) *interpreter {
	t.Helper()
	md, err := meta.Parse([]byte(testMetadata))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return newInterpreter(md, nil, DefaultOptions())
}

func sysLogRecord(raw int64, major, minor uint32, msg string) Record {
	return Record{
		Type:      SysLogPrimary,
		Timed:     true,
		RawTimeMs: raw,
		SysLog:    &SysLogEntry{Major: major, Minor: minor, EventID: EventID(major, minor), Message: msg},
	}
}

func TestApplicabilityDeferredToBatchEnd(t *testing.T) {
	in := testInterpreter(t)
	recs := []Record{
		sysLogRecord(1000, 20, 0, "Mode=CPAP IPAP=12"),
		sysLogRecord(1000, 20, 0, "Mode=PC"),
		sysLogRecord(2000, 20, 0, "Mode=CPAP"),
	}
	in.interpret(&recs[0])
	if recs[0].Applicable != nil || in.stack.Len() != 2 {
		t.Fatalf("applicability applied mid-batch: %v (stack %d)", recs[0].Applicable, in.stack.Len())
	}
	in.interpret(&recs[1])
	in.interpret(&recs[2])
	// the first batch sees Mode=PC, its final state
	for i := 0; i < 2; i++ {
		if !recs[i].Applicable["IPAP"] || !recs[i].Applicable["Mode"] {
			t.Fatalf("record %d applicability = %v", i, recs[i].Applicable)
		}
	}
	if recs[2].Applicable != nil {
		t.Fatalf("open batch already flushed")
	}
	in.flush()
	if recs[2].Applicable["IPAP"] {
		t.Fatalf("IPAP applicable under CPAP: %v", recs[2].Applicable)
	}
	if recs[0].SysLog.Event != EventControlChange || recs[0].SysLog.Name != "Setting changed" {
		t.Fatalf("event not interpreted: %+v", recs[0].SysLog)
	}
	if recs[0].SysLog.Values["IPAP"] != "12" {
		t.Fatalf("values = %v", recs[0].SysLog.Values)
	}
}

func TestParseKeyValues(t *testing.T) {
	got := parseKeyValues("Mode=PC, IPAP=14;Other=1 garbage EPAP", []string{"Mode", "IPAP", "EPAP"})
	if len(got) != 2 || got["Mode"] != "PC" || got["IPAP"] != "14" {
		t.Fatalf("parseKeyValues = %v", got)
	}
	if parseKeyValues("no pairs here", []string{"Mode"}) != nil {
		t.Fatalf("expected nil map")
	}
}

type bundleFixture struct {
	input    Input
	resolver *meta.Resolver
	diag     *diag.Manager
}

func newBundleFixture(t *testing.T, version string) bundleFixture {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "40700.json"), []byte(testMetadata), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	mgr := diag.NewManager(IsFatal)
	mgr.SetEcho(false)

	var primary []byte
	for _, r := range []struct {
		sec          uint32
		major, minor uint32
		msg          string
	}{
		{1000, 3, 1, "boot"},
		{1010, 3, 9, "patient reset"},
		{1020, 12, 1, "therapy start"},
		{1030, 20, 0, "Mode=CPAP IPAP=12"},
		{5, 12, 2, "therapy stop"},
	} {
		primary = append(primary, EncodeSysLog(1, 0, r.major, r.minor, r.sec, r.msg)...)
	}
	usage, err := EncodeUsageLine(`{"id":"device.firmware","version":"40805"}`)
	if err != nil {
		t.Fatalf("EncodeUsageLine: %v", err)
	}
	var crash []byte
	crash = append(crash, EncodeCrashRecord(CrashEntry{Expression: "a", File: "x.c", Line: 1, Epoch: 1000})...)
	crash = append(crash, EncodeCrashRecord(CrashEntry{Expression: "b", File: "y.c", Line: 2, Epoch: 1015})...)

	return bundleFixture{
		input: Input{
			Primary:          Series{Data: primary, Files: []FileSpan{{Name: "syslog_0.bin"}}},
			Secondary:        Series{Data: EncodeSysLog(2, 0, 4, 0, 1025, "secondary"), Files: []FileSpan{{Name: "syslog2_0.bin"}}},
			DeviceConfig:     EncodeConfigRecord("SoftwareVersion", version),
			DeviceConfigName: "device.cfg",
			Usage:            []byte(usage + "\n"),
			UsageName:        "usage.json",
			Crash:            crash,
			CrashName:        "crash.bin",
			Digest:           "abc123",
		},
		resolver: meta.NewResolver(dir, mgr),
		diag:     mgr,
	}
}

func TestBuildEndToEnd(t *testing.T) {
	fx := newBundleFixture(t, "40805")
	metrics := common.NewMetrics()
	b := NewBuilder(DefaultOptions(), fx.resolver, fx.diag)
	b.SetMetrics(metrics)
	out, err := b.Build(fx.input)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if out.ID == "" || out.Digest != "abc123" || out.SoftwareVersion != "40805" {
		t.Fatalf("unexpected header: id=%q digest=%q version=%q", out.ID, out.Digest, out.SoftwareVersion)
	}
	if out.Resolution == nil || out.Resolution.Version != "40700" || out.RuleSet != "conditional" {
		t.Fatalf("resolution = %+v rules = %s", out.Resolution, out.RuleSet)
	}
	if len(out.Records) != 8 || out.Stats.Dropped != 2 {
		t.Fatalf("records = %d dropped = %d, want 8/2", len(out.Records), out.Stats.Dropped)
	}
	if !out.Stats.FenceFound || out.Stats.FenceOffset != 16 || out.Stats.FenceTimeMs != 1_010_000 {
		t.Fatalf("fence = %+v", out.Stats)
	}
	if out.Stats.Resets != 1 {
		t.Fatalf("resets = %d, want 1", out.Stats.Resets)
	}
	first := out.Records[0]
	if first.SysLog == nil || first.SysLog.Event != EventPatientReset || first.SourceSeq != 2 {
		t.Fatalf("first record = %+v", first)
	}
	for i, rec := range out.Records {
		if rec.GlobalSeq != i+1 {
			t.Fatalf("GlobalSeq at %d = %d", i, rec.GlobalSeq)
		}
		if i > 0 && rec.SyntheticTimeMs < out.Records[i-1].SyntheticTimeMs {
			t.Fatalf("synthetic time decreases at %d", i)
		}
	}
	var stop, change *Record
	for i := range out.Records {
		rec := &out.Records[i]
		if rec.SysLog == nil {
			continue
		}
		switch rec.SysLog.Event {
		case EventTherapyStop:
			stop = rec
		case EventControlChange:
			change = rec
		}
	}
	if stop == nil || stop.SyntheticTimeMs != 1_030_000 {
		t.Fatalf("therapy stop after reboot = %+v", stop)
	}
	if change == nil || change.Applicable["IPAP"] || !change.Applicable["Mode"] {
		t.Fatalf("control change applicability = %+v", change)
	}
	last := out.Records[len(out.Records)-1]
	if last.Type != SysLogPrimary || last.SourceSeq != 5 {
		t.Fatalf("last record = %s#%d", last.Type, last.SourceSeq)
	}
	if out.Stats.PerType[DeviceConfig] != 1 || out.Stats.PerType[CrashLog] != 1 || out.Stats.Integrity[IntegrityPass] != 2 {
		t.Fatalf("stats = %+v", out.Stats)
	}
	if snap := metrics.Snapshot(); snap.Resets != 1 || snap.CRCFailures != 0 {
		t.Fatalf("metrics = %+v", snap)
	}
	if s := fx.diag.Summary(); s.Errors != 0 {
		t.Fatalf("diagnostics = %+v", fx.diag.Entries())
	}
}

func TestBuildKeepsHistoryWithoutFence(t *testing.T) {
	fx := newBundleFixture(t, "40805")
	opts := DefaultOptions()
	opts.FromPatientReset = false
	out, err := NewBuilder(opts, fx.resolver, fx.diag).Build(fx.input)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(out.Records) != 10 || out.Stats.Dropped != 0 || !out.Stats.FenceFound {
		t.Fatalf("records = %d dropped = %d", len(out.Records), out.Stats.Dropped)
	}
}

func TestBuildRebootInBothSysLogStreams(t *testing.T) {
	var primary []byte
	for _, r := range []struct {
		sec          uint32
		major, minor uint32
		msg          string
	}{
		{1000, 3, 1, "boot"},
		{10, 3, 1, "boot"},
		{20, 3, 9, "patient reset"},
		{30, 12, 1, "therapy start"},
	} {
		primary = append(primary, EncodeSysLog(1, 0, r.major, r.minor, r.sec, r.msg)...)
	}
	secondary := append(EncodeSysLog(2, 0, 4, 0, 900, "before reboot"), EncodeSysLog(2, 0, 4, 0, 25, "after reboot")...)

	cases := []struct {
		name      string
		fromReset bool
		records   int
		dropped   int
	}{
		{"from patient reset", true, 5, 3},
		{"full history", false, 8, 0},
	}
	for _, tc := range cases {
		fx := newBundleFixture(t, "40805")
		fx.input.Primary = Series{Data: primary, Files: []FileSpan{{Name: "syslog_0.bin"}}}
		fx.input.Secondary = Series{Data: secondary, Files: []FileSpan{{Name: "syslog2_0.bin"}}}
		fx.input.Crash = nil
		opts := DefaultOptions()
		opts.FromPatientReset = tc.fromReset
		metrics := common.NewMetrics()
		b := NewBuilder(opts, fx.resolver, fx.diag)
		b.SetMetrics(metrics)

		out, err := b.Build(fx.input)
		if err != nil {
			t.Fatalf("%s: Build: %v", tc.name, err)
		}
		if len(out.Records) != tc.records || out.Stats.Dropped != tc.dropped {
			t.Fatalf("%s: records = %d dropped = %d, want %d/%d", tc.name, len(out.Records), out.Stats.Dropped, tc.records, tc.dropped)
		}
		if out.Stats.Resets != 1 || metrics.Snapshot().Resets != 1 {
			t.Fatalf("%s: resets = %d metrics = %d, want 1", tc.name, out.Stats.Resets, metrics.Snapshot().Resets)
		}
		if out.Stats.FenceTimeMs != 1_010_000 {
			t.Fatalf("%s: fence time = %d", tc.name, out.Stats.FenceTimeMs)
		}
		var afterReboot *Record
		for i, rec := range out.Records {
			if i > 0 && rec.SyntheticTimeMs < out.Records[i-1].SyntheticTimeMs {
				t.Fatalf("%s: synthetic time decreases at %d", tc.name, i)
			}
			if rec.Type == SysLogSecondary && rec.SourceSeq == 2 {
				afterReboot = &out.Records[i]
			}
		}
		if afterReboot == nil || afterReboot.SyntheticTimeMs != 1_015_000 {
			t.Fatalf("%s: secondary record after reboot = %+v", tc.name, afterReboot)
		}
	}
}

func TestBuildReportsPrimaryStructureOnce(t *testing.T) {
	fx := newBundleFixture(t, "40805")
	fx.input.Primary.Data = append(append([]byte{}, fx.input.Primary.Data...), 1, 2, 3, 4, 5)

	out, err := NewBuilder(DefaultOptions(), fx.resolver, fx.diag).Build(fx.input)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if out.Stats.StructuralErrors != 1 || !out.Stats.FenceFound {
		t.Fatalf("stats = %+v", out.Stats)
	}
	var structural int
	for _, e := range fx.diag.Entries() {
		if e.Category == "Structural" && e.Subcategory == string(SysLogPrimary) {
			structural++
		}
	}
	if structural != 1 || fx.diag.Summary().Suppressed != 0 {
		t.Fatalf("structural entries = %d summary = %+v", structural, fx.diag.Summary())
	}
}

func TestBuildReportsIntegrityAndStructure(t *testing.T) {
	fx := newBundleFixture(t, "40805")
	fx.input.DeviceConfig = append(fx.input.DeviceConfig, EncodeConfigRecord("Serial", "1")...)
	fx.input.DeviceConfig[configRecordSize+configCRCOffset] ^= 0xFF
	fx.input.Crash = append(fx.input.Crash, 0, 0, 0)

	out, err := NewBuilder(DefaultOptions(), fx.resolver, fx.diag).Build(fx.input)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if out.Stats.Integrity[IntegrityFail] != 1 || out.Stats.StructuralErrors != 1 {
		t.Fatalf("stats = %+v", out.Stats)
	}
	s := fx.diag.Summary()
	if s.Errors != 2 || s.Fatal != 1 {
		t.Fatalf("summary = %+v", s)
	}
}

func TestBuildVersionFailures(t *testing.T) {
	fx := newBundleFixture(t, "abc")
	_, err := NewBuilder(DefaultOptions(), fx.resolver, fx.diag).Build(fx.input)
	if !errors.Is(err, meta.ErrVersionResolution) {
		t.Fatalf("err = %v, want ErrVersionResolution", err)
	}
	if s := fx.diag.Summary(); s.Warnings != 1 {
		t.Fatalf("summary = %+v", s)
	}

	opts := DefaultOptions()
	opts.RequireMetadata = false
	out, err := NewBuilder(opts, fx.resolver, fx.diag).Build(fx.input)
	if err != nil {
		t.Fatalf("Build without metadata: %v", err)
	}
	for _, rec := range out.Records {
		if rec.SysLog != nil && rec.SysLog.Event == EventControlChange {
			t.Fatalf("records interpreted without metadata")
		}
	}
	if out.Stats.FenceFound != true {
		t.Fatalf("default patient-reset event not honored")
	}
}

func TestBuildSchemaErrorIsFatal(t *testing.T) {
	fx := newBundleFixture(t, "40805")
	bad := filepath.Join(fx.resolver.Dir, "40800.json")
	if err := os.WriteFile(bad, []byte(`{"METADATA_VERSION": 40800, "Groupings": {}}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := NewBuilder(DefaultOptions(), fx.resolver, fx.diag).Build(fx.input)
	if !errors.Is(err, meta.ErrSchema) || !IsFatal(err) {
		t.Fatalf("err = %v, want fatal ErrSchema", err)
	}
	if s := fx.diag.Summary(); s.Fatal != 1 {
		t.Fatalf("summary = %+v", s)
	}
}
