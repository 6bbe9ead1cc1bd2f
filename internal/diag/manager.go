package diag

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"example.com/ventlog/internal/common"
)

type Severity string

const (
	ERROR Severity = "ERROR"
	WARN  Severity = "WARN"
)

// Reporter is the error/warning sink used by the log builder and the
// metadata resolver.
type Reporter interface {
	LogError(category, subcategory, message string, err error, ctx map[string]any)
	LogWarning(message string, value any)
	DisableTracking()
	EnableTracking()
}

// FatalChecker decides whether an error aborts its source. Packages that own
// the fatal sentinels register one with the Manager.
type FatalChecker func(err error) bool

type Entry struct {
	Ts          time.Time      `json:"ts"`
	Severity    Severity       `json:"severity"`
	Category    string         `json:"category,omitempty"`
	Subcategory string         `json:"subcategory,omitempty"`
	Message     string         `json:"message"`
	Error       string         `json:"error,omitempty"`
	Fatal       bool           `json:"fatal"`
	Value       any            `json:"value,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

type Summary struct {
	Total      int  `json:"total"`
	Errors     int  `json:"errors"`
	Warnings   int  `json:"warnings"`
	Fatal      int  `json:"fatal"`
	Suppressed int  `json:"suppressed"`
	Pass       bool `json:"pass"`
}

// Manager collects diagnostics for one bundle. While tracking is disabled
// entries are counted as suppressed and not recorded.
type Manager struct {
	mu         sync.Mutex
	entries    []Entry
	disabled   int
	suppressed int
	fatal      []FatalChecker
	echo       bool
}

func NewManager(fatal ...FatalChecker) *Manager {
	return &Manager{fatal: fatal, echo: true}
}

// SetEcho controls whether recorded entries are also written to the process log.
func (m *Manager) SetEcho(echo bool) {
	m.mu.Lock()
	m.echo = echo
	m.mu.Unlock()
}

func (m *Manager) LogError(category, subcategory, message string, err error, ctx map[string]any) {
	e := Entry{
		Ts:          time.Now().UTC(),
		Severity:    ERROR,
		Category:    category,
		Subcategory: subcategory,
		Message:     message,
		Context:     ctx,
	}
	if err != nil {
		e.Error = err.Error()
		e.Fatal = m.isFatal(err)
	}
	m.add(e)
}

func (m *Manager) LogWarning(message string, value any) {
	m.add(Entry{Ts: time.Now().UTC(), Severity: WARN, Message: message, Value: value})
}

// DisableTracking suspends recording; calls nest.
func (m *Manager) DisableTracking() {
	m.mu.Lock()
	m.disabled++
	m.mu.Unlock()
}

func (m *Manager) EnableTracking() {
	m.mu.Lock()
	if m.disabled > 0 {
		m.disabled--
	}
	m.mu.Unlock()
}

func (m *Manager) isFatal(err error) bool {
	for _, fn := range m.fatal {
		if fn != nil && fn(err) {
			return true
		}
	}
	return false
}

func (m *Manager) add(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disabled > 0 {
		m.suppressed++
		return
	}
	m.entries = append(m.entries, e)
	if m.echo {
		if e.Error != "" {
			common.Logf("%s %s/%s: %s (%s)", e.Severity, e.Category, e.Subcategory, e.Message, e.Error)
		} else {
			common.Logf("%s %s", e.Severity, e.Message)
		}
	}
}

// Entries returns a copy of the recorded diagnostics.
func (m *Manager) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Summary
	for _, e := range m.entries {
		switch e.Severity {
		case ERROR:
			s.Errors++
		case WARN:
			s.Warnings++
		}
		if e.Fatal {
			s.Fatal++
		}
	}
	s.Total = len(m.entries)
	s.Suppressed = m.suppressed
	s.Pass = s.Fatal == 0
	return s
}

func (m *Manager) WriteNDJSON(path string) error {
	if m == nil {
		return errors.New("nil diagnostics manager")
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, e := range m.Entries() {
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		w.Write(b)
		w.WriteString("\n")
	}
	return w.Flush()
}

// Discard is a Reporter that drops everything.
type Discard struct{}

func (Discard) LogError(string, string, string, error, map[string]any) {}
func (Discard) LogWarning(string, any)                                 {}
func (Discard) DisableTracking()                                       {}
func (Discard) EnableTracking()                                        {}
