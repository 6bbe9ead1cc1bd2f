package devlog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/valyala/fastjson"
)

func TestCRC16KnownVector(t *testing.T) {
	if got := CRC16([]byte("123456789")); got != 0x29B1 {
		t.Fatalf("CRC16 = %#04x, want 0x29b1", got)
	}
	c := NewChecksum()
	c.Write([]byte("1234"))
	if mid := c.Sum16(); mid != CRC16([]byte("1234")) {
		t.Fatalf("intermediate checksum = %#04x", mid)
	}
	c.Write([]byte("56789"))
	if c.Sum16() != 0x29B1 {
		t.Fatalf("streaming checksum = %#04x", c.Sum16())
	}
}

func TestCheckCRC(t *testing.T) {
	spans := [][]byte{
		{},
		{0x00},
		[]byte("SoftwareVersion"),
		bytes.Repeat([]byte{0xA5}, 68),
	}
	for _, span := range spans {
		want := CRC16(span)
		if got := CheckCRC(span, want); got != IntegrityPass {
			t.Fatalf("CheckCRC(%x) = %s, want PASS", span, got)
		}
		if got := CheckCRC(span, want^0x0100); got != IntegrityFail {
			t.Fatalf("CheckCRC(%x) with flipped value = %s, want FAIL", span, got)
		}
	}
}

func readAll(t *testing.T, r *SysLogReader) ([]Record, error) {
	t.Helper()
	var out []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

func TestSysLogHeaderFields(t *testing.T) {
	data := EncodeSysLog(5, 250, 12, 3, 1700000000, "therapy on")
	recs, err := readAll(t, NewSysLogReader(SysLogPrimary, data, nil))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	rec := recs[0]
	sl := rec.SysLog
	if sl.Severity != 5 || sl.Major != 12 || sl.Minor != 3 || sl.EventID != "12.3" {
		t.Fatalf("unexpected header decode: %+v", sl)
	}
	if rec.RawTimeMs != 1700000000*1000+250 {
		t.Fatalf("RawTimeMs = %d", rec.RawTimeMs)
	}
	if sl.Message != "therapy on" || sl.Parts != 1 {
		t.Fatalf("message = %q parts = %d", sl.Message, sl.Parts)
	}
	if rec.Length != len(data) || rec.SourceSeq != 1 || !rec.Timed {
		t.Fatalf("unexpected envelope: %+v", rec)
	}
}

func TestSysLogHAMConcatenation(t *testing.T) {
	var stream []byte
	stream = append(stream, EncodeSysLog(1, 0, 5, 1, 100, "abcd")...)
	stream = append(stream, EncodeSysLog(1, 0, 0, 0, 101, "efgh")...)
	stream = append(stream, EncodeSysLog(1, 0, 0, 0, 102, "ijkl")...)
	stream = append(stream, EncodeSysLog(1, 0, 6, 0, 103, "next")...)

	recs, err := readAll(t, NewSysLogReader(SysLogPrimary, stream, nil))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	ham := recs[0]
	if ham.SysLog.Message != "HAM LOG:  abcdefghijkl" {
		t.Fatalf("HAM message = %q", ham.SysLog.Message)
	}
	if ham.SysLog.Parts != 3 || ham.Length != 3*16 {
		t.Fatalf("parts = %d length = %d", ham.SysLog.Parts, ham.Length)
	}
	if ham.RawTimeMs != 100000 {
		t.Fatalf("HAM time = %d, want first sub-record time", ham.RawTimeMs)
	}
	if recs[1].SourceSeq != 2 || recs[1].Offset != 48 || recs[1].SysLog.Message != "next" {
		t.Fatalf("unexpected follow-up record: %+v", recs[1])
	}
}

func TestSysLogTextDecoding(t *testing.T) {
	cases := []struct {
		in   []byte
		want string
	}{
		{[]byte("plain"), "plain"},
		{[]byte("line one\nline two"), "line one"},
		{[]byte("cut\x00hidden\ntext"), "cut"},
		{[]byte{'a', 0xC3, 'b'}, "a�b"},
	}
	for _, tc := range cases {
		if got := decodeSysLogText(tc.in); got != tc.want {
			t.Fatalf("decodeSysLogText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSysLogSourceAttribution(t *testing.T) {
	var stream []byte
	// 25 records of 20 bytes fill the first file exactly.
	for i := 0; i < 25; i++ {
		stream = append(stream, EncodeSysLog(0, 0, 1, 0, uint32(i), fmt.Sprintf("a-%05d", i))...)
	}
	if len(stream) != 500 {
		t.Fatalf("first file is %d bytes, want 500", len(stream))
	}
	for i := 0; i < 10; i++ {
		stream = append(stream, EncodeSysLog(0, 0, 2, 0, uint32(100+i), fmt.Sprintf("b-%05d", i))...)
	}
	files := []FileSpan{{Offset: 0, Name: "a.bin"}, {Offset: 500, Name: "b.bin"}}
	recs, err := readAll(t, NewSysLogReader(SysLogPrimary, stream, files))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 35 {
		t.Fatalf("got %d records, want 35", len(recs))
	}
	for _, rec := range recs {
		want := "a.bin"
		if rec.Offset >= 500 {
			want = "b.bin"
		}
		if rec.SourceFile != want {
			t.Fatalf("record at offset %d attributed to %s, want %s", rec.Offset, rec.SourceFile, want)
		}
	}
}

func TestSysLogStructuralErrors(t *testing.T) {
	good := EncodeSysLog(0, 0, 1, 0, 1, "okay")
	short := make([]byte, sysLogHeaderSize)
	short[4] = 1 // major 1, word count 0
	cases := map[string][]byte{
		"truncated header":   append(append([]byte{}, good...), 1, 2, 3, 4, 5),
		"message overrun":    append(append([]byte{}, good...), EncodeSysLog(0, 0, 1, 0, 2, "too long for the stream")[:20]...),
		"word count below 3": append(append([]byte{}, good...), short...),
	}
	for name, data := range cases {
		recs, err := readAll(t, NewSysLogReader(SysLogSecondary, data, nil))
		if !errors.Is(err, ErrStructural) {
			t.Fatalf("%s: err = %v, want ErrStructural", name, err)
		}
		if len(recs) != 1 {
			t.Fatalf("%s: got %d records before the error, want 1", name, len(recs))
		}
	}
}

func TestSysLogTruncatedContinuationKeepsLead(t *testing.T) {
	lead := EncodeSysLog(0, 0, 5, 1, 1, "therapy")
	cont := EncodeSysLog(0, 0, 0, 0, 1, "continued text")
	data := append(append([]byte{}, lead...), cont[:len(cont)-4]...)

	r := NewSysLogReader(SysLogPrimary, data, nil)
	recs, err := readAll(t, r)
	if !errors.Is(err, ErrStructural) {
		t.Fatalf("err = %v, want ErrStructural", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records before the error, want 1", len(recs))
	}
	sl := recs[0].SysLog
	if sl.EventID != "5.1" || sl.Parts != 1 || sl.Message != "therapy" {
		t.Fatalf("lead record = %+v", sl)
	}
	if recs[0].Length != len(lead) {
		t.Fatalf("Length = %d, want %d", recs[0].Length, len(lead))
	}
	if r.Offset() != int64(len(lead)) {
		t.Fatalf("Offset = %d, want %d", r.Offset(), len(lead))
	}
}

func TestSysLogScanOnly(t *testing.T) {
	data := EncodeSysLog(0, 0, 3, 9, 42, "patient reset")
	r := NewSysLogReader(SysLogPrimary, data, nil)
	r.ScanOnly()
	rec, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if rec.SysLog.EventID != "3.9" || rec.SysLog.Message != "" || rec.Raw != "" {
		t.Fatalf("scan-only record carries payload: %+v", rec.SysLog)
	}
	if r.Offset() != int64(len(data)) {
		t.Fatalf("Offset = %d", r.Offset())
	}
}

func TestDeviceConfigRoundTrip(t *testing.T) {
	pairs := [][2]string{
		{"SoftwareVersion", "40805"},
		{"SerialNumber", "VNT-000123"},
		{"", ""},
		{strings.Repeat("k", 33), strings.Repeat("v", 33)},
	}
	var data []byte
	for _, p := range pairs {
		data = append(data, EncodeConfigRecord(p[0], p[1])...)
	}
	recs, err := ParseDeviceConfig(data, "device.cfg")
	if err != nil {
		t.Fatalf("ParseDeviceConfig: %v", err)
	}
	if len(recs) != len(pairs) {
		t.Fatalf("got %d records, want %d", len(recs), len(pairs))
	}
	for i, rec := range recs {
		if rec.Config.Key != pairs[i][0] || rec.Config.Value != pairs[i][1] {
			t.Fatalf("record %d = %q/%q, want %q/%q", i, rec.Config.Key, rec.Config.Value, pairs[i][0], pairs[i][1])
		}
		if rec.Integrity != IntegrityPass || rec.SourceFile != "device.cfg" || rec.SourceSeq != i+1 {
			t.Fatalf("record %d envelope: %+v", i, rec)
		}
	}
}

func TestFixedWidthStringDecoding(t *testing.T) {
	crash := EncodeCrashRecord(CrashEntry{Expression: "x", File: "f.c", Epoch: 1})
	copy(crash, []byte{'o', 'k', 0xC3, 0xA9, '!'})
	copy(crash[crashExprLen:], []byte{'a', 0, 'b'})
	recs, err := ParseCrashLog(crash, "crash.bin")
	if err != nil || len(recs) != 1 {
		t.Fatalf("ParseCrashLog: %d records, %v", len(recs), err)
	}
	if got := recs[0].Crash.Expression; got != "ok\uFFFD\uFFFD!" {
		t.Fatalf("expression = %q", got)
	}
	if got := recs[0].Crash.File; got != "a" {
		t.Fatalf("file = %q, want text up to the first NUL", got)
	}

	cases := []struct {
		raw  []byte
		want string
	}{
		{[]byte("Serial\x00\x00"), "Serial"},
		{[]byte("VNT\x00-01\x00"), "VNT-01"},
		{[]byte("  padded  \x00"), "padded"},
	}
	for _, tc := range cases {
		if got := decodePadded(tc.raw); got != tc.want {
			t.Fatalf("decodePadded(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestDeviceConfigCorruptedRecordContained(t *testing.T) {
	var data []byte
	for i := 0; i < 11; i++ {
		data = append(data, EncodeConfigRecord(fmt.Sprintf("Key%02d", i), fmt.Sprintf("Value%02d", i))...)
	}
	// flip one CRC bit of the sixth record
	data[5*configRecordSize+configCRCOffset] ^= 0x01

	recs, err := ParseDeviceConfig(data, "device.cfg")
	if err != nil {
		t.Fatalf("ParseDeviceConfig: %v", err)
	}
	pass, fail := 0, 0
	for i, rec := range recs {
		switch rec.Integrity {
		case IntegrityPass:
			pass++
		case IntegrityFail:
			fail++
			if i != 5 {
				t.Fatalf("record %d failed, want record 5", i)
			}
		}
		if rec.Config.Key != fmt.Sprintf("Key%02d", i) || rec.Config.Value != fmt.Sprintf("Value%02d", i) {
			t.Fatalf("record %d content changed: %+v", i, rec.Config)
		}
		if rec.Raw == "" {
			t.Fatalf("record %d lost its raw representation", i)
		}
	}
	if pass != 10 || fail != 1 {
		t.Fatalf("pass=%d fail=%d, want 10/1", pass, fail)
	}
}

func TestDeviceConfigTrailingBytes(t *testing.T) {
	data := append(EncodeConfigRecord("A", "1"), 0, 0, 0)
	recs, err := ParseDeviceConfig(data, "device.cfg")
	if !errors.Is(err, ErrStructural) {
		t.Fatalf("err = %v, want ErrStructural", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want the complete one", len(recs))
	}
}

func TestCanonicalUsageCRCInput(t *testing.T) {
	line, err := EncodeUsageLine(`{"id":"usage.blower","hours":12.5,"tags":["a","b"]}`)
	if err != nil {
		t.Fatalf("EncodeUsageLine: %v", err)
	}
	recs, errs := ParseUsageMonitor([]byte(line), "usage.json")
	if len(errs) != 0 || len(recs) != 1 {
		t.Fatalf("recs=%d errs=%v", len(recs), errs)
	}
	if recs[0].Integrity != IntegrityPass {
		t.Fatalf("integrity = %s, want PASS", recs[0].Integrity)
	}
	var p fastjson.Parser
	v, err := p.Parse(`{"id":"usage.blower","hours":12.5,"tags":["a","b"]}`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []byte(`{ "id": "usage.blower", "hours": 12.5, "tags": ["a", "b"] }`)
	if got := CanonicalUsageCRCInput(v); !bytes.Equal(got, want) {
		t.Fatalf("canonical = %s, want %s", got, want)
	}
}

func TestCanonicalUsageEscapesControlCharacters(t *testing.T) {
	const record = `{"id":"usage.note","text":"a\u0001b\nc\"d"}`
	line, err := EncodeUsageLine(record)
	if err != nil {
		t.Fatalf("EncodeUsageLine: %v", err)
	}
	if strings.Contains(line, `\x01`) || !strings.Contains(line, `\u0001`) {
		t.Fatalf("line is not JSON escaped: %s", line)
	}
	recs, errs := ParseUsageMonitor([]byte(line), "usage.json")
	if len(errs) != 0 || len(recs) != 1 || recs[0].Integrity != IntegrityPass {
		t.Fatalf("recs=%+v errs=%v", recs, errs)
	}

	var p fastjson.Parser
	v, err := p.Parse(record)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []byte(`{ "id": "usage.note", "text": "a\u0001b\nc\"d" }`)
	if got := CanonicalUsageCRCInput(v); !bytes.Equal(got, want) {
		t.Fatalf("canonical = %s, want %s", got, want)
	}
}

func TestUsageMonitorShapes(t *testing.T) {
	var lines []string
	for _, rec := range []string{
		`{"id":"device.firmware","version":"40805"}`,
		`{"id":"usage.blower","hours":12.5,"ticks":45000}`,
		`{"id":"usage.therapy","hours":3.25}`,
	} {
		line, err := EncodeUsageLine(rec)
		if err != nil {
			t.Fatalf("EncodeUsageLine: %v", err)
		}
		lines = append(lines, line)
	}
	input := "header text\n" + strings.Join(lines, "\r\n") + "\n{not json\n" +
		`{"record":{"id":"x.y","hours":1},"crc16":1}` + "\n" + `{"record":{"id":"x.z","hours":2}}`

	recs, errs := ParseUsageMonitor([]byte(input), "usage.json")
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "usage.json line 5") {
		t.Fatalf("errs = %v, want one error on line 5", errs)
	}
	if len(recs) != 5 {
		t.Fatalf("got %d records, want 5", len(recs))
	}
	want := []struct {
		kind      UsageKind
		key       string
		integrity Integrity
	}{
		{UsageVersion, "firmware", IntegrityPass},
		{UsageTicks, "blower", IntegrityPass},
		{UsageHours, "therapy", IntegrityPass},
		{UsageHours, "y", IntegrityFail},
		{UsageHours, "z", IntegrityNotApplicable},
	}
	for i, w := range want {
		rec := recs[i]
		if rec.Usage.Kind != w.kind || rec.Usage.Key != w.key || rec.Integrity != w.integrity {
			t.Fatalf("record %d = %+v (%s), want %+v", i, rec.Usage, rec.Integrity, w)
		}
		if rec.SourceSeq != i+1 || rec.Timed {
			t.Fatalf("record %d envelope: %+v", i, rec)
		}
	}
	if recs[0].Usage.Version != "40805" {
		t.Fatalf("version = %q", recs[0].Usage.Version)
	}
	if recs[1].Usage.Ticks != 45000 || recs[1].Usage.Hours != 12.5 {
		t.Fatalf("ticks record = %+v", recs[1].Usage)
	}
}

func TestCrashLogRoundTrip(t *testing.T) {
	entries := []CrashEntry{
		{Expression: "ptr != NULL", File: "blower.c", Line: 120, Value: -4, Epoch: 1700000000},
		{Expression: "state < MAX", File: "therapy/fsm.c", Line: 9, Value: 7, Epoch: 1700000500},
	}
	var data []byte
	for _, e := range entries {
		data = append(data, EncodeCrashRecord(e)...)
	}
	recs, err := ParseCrashLog(data, "crash.bin")
	if err != nil {
		t.Fatalf("ParseCrashLog: %v", err)
	}
	for i, rec := range recs {
		if *rec.Crash != entries[i] {
			t.Fatalf("record %d = %+v, want %+v", i, *rec.Crash, entries[i])
		}
		if rec.RawTimeMs != int64(entries[i].Epoch)*1000 || !rec.Timed {
			t.Fatalf("record %d time = %d", i, rec.RawTimeMs)
		}
	}

	recs, err = ParseCrashLog(data[:len(data)-10], "crash.bin")
	if !errors.Is(err, ErrStructural) {
		t.Fatalf("err = %v, want ErrStructural", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records before the partial one, want 1", len(recs))
	}
}
