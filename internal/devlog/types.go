package devlog

import (
	"errors"
	"fmt"
)

var (
	// ErrStructural aborts parsing of the current file or stream.
	ErrStructural = errors.New("structural error")
	// ErrIntegrity flags a CRC mismatch; the record is kept.
	ErrIntegrity = errors.New("integrity error")
)

func structuralf(source string, offset int64, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s at offset %d: %s", ErrStructural, source, offset, fmt.Sprintf(format, args...))
}

type RecordType string

const (
	SysLogPrimary   RecordType = "SysLogPrimary"
	SysLogSecondary RecordType = "SysLogSecondary"
	DeviceConfig    RecordType = "DeviceConfig"
	UsageMonitor    RecordType = "UsageMonitor"
	CrashLog        RecordType = "CrashLog"
)

// priority makes the merge order total when time and sequence coincide.
func (t RecordType) priority() int {
	switch t {
	case SysLogPrimary:
		return 0
	case SysLogSecondary:
		return 1
	case CrashLog:
		return 2
	case DeviceConfig:
		return 3
	case UsageMonitor:
		return 4
	default:
		return 5
	}
}

type Integrity string

const (
	IntegrityPass          Integrity = "PASS"
	IntegrityFail          Integrity = "FAIL"
	IntegrityNotApplicable Integrity = "N/A"
)

// Record is one entry of a parsed log, before or after merge.
type Record struct {
	Type            RecordType      `json:"type"`
	SourceSeq       int             `json:"sourceSeq"`
	GlobalSeq       int             `json:"globalSeq,omitempty"`
	Timed           bool            `json:"timed"`
	RawTimeMs       int64           `json:"rawTimeMs"`
	SyntheticTimeMs int64           `json:"syntheticTimeMs"`
	Integrity       Integrity       `json:"integrity"`
	SourceFile      string          `json:"sourceFile"`
	Offset          int64           `json:"offset"`
	Length          int             `json:"length"`
	Raw             string          `json:"raw,omitempty"`
	Applicable      map[string]bool `json:"applicable,omitempty"`

	SysLog *SysLogEntry `json:"syslog,omitempty"`
	Config *ConfigEntry `json:"config,omitempty"`
	Usage  *UsageEntry  `json:"usage,omitempty"`
	Crash  *CrashEntry  `json:"crash,omitempty"`
}

// Summary renders the payload as a single display line.
func (r Record) Summary() string {
	switch {
	case r.SysLog != nil:
		return r.SysLog.Message
	case r.Config != nil:
		return r.Config.Key + " = " + r.Config.Value
	case r.Usage != nil:
		return r.Usage.String()
	case r.Crash != nil:
		return fmt.Sprintf("%s:%d %s (%d)", r.Crash.File, r.Crash.Line, r.Crash.Expression, r.Crash.Value)
	default:
		return ""
	}
}

type SysLogEntry struct {
	Severity uint8             `json:"severity"`
	Major    uint32            `json:"major"`
	Minor    uint32            `json:"minor"`
	EventID  string            `json:"eventId"`
	Message  string            `json:"message"`
	Parts    int               `json:"parts"`
	Event    string            `json:"event,omitempty"`
	Name     string            `json:"name,omitempty"`
	Values   map[string]string `json:"values,omitempty"`
}

const (
	EventTherapyStart  = "therapy-start"
	EventTherapyStop   = "therapy-stop"
	EventControlChange = "control-change"
	EventTimeChange    = "time-change"
	EventPatientReset  = "patient-reset"
)

type ConfigEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type UsageKind string

const (
	UsageVersion UsageKind = "version"
	UsageTicks   UsageKind = "ticks"
	UsageHours   UsageKind = "hours"
)

type UsageEntry struct {
	Kind    UsageKind `json:"kind"`
	ID      string    `json:"id,omitempty"`
	Key     string    `json:"key,omitempty"`
	Version string    `json:"version,omitempty"`
	Hours   float64   `json:"hours,omitempty"`
	Ticks   int64     `json:"ticks,omitempty"`
}

func (u UsageEntry) String() string {
	label := u.Key
	if label == "" {
		label = string(u.Kind)
	}
	switch u.Kind {
	case UsageVersion:
		return label + " version " + u.Version
	case UsageTicks:
		return fmt.Sprintf("%s %.2f h, %d ticks", label, u.Hours, u.Ticks)
	default:
		return fmt.Sprintf("%s %.2f h", label, u.Hours)
	}
}

type CrashEntry struct {
	Expression string `json:"expression"`
	File       string `json:"file"`
	Line       uint32 `json:"line"`
	Value      int32  `json:"value"`
	Epoch      uint32 `json:"epoch"`
}

// FileSpan maps the byte offset at which a series member starts within the
// concatenated stream to its file name.
type FileSpan struct {
	Offset int64
	Name   string
}
