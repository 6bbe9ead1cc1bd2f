package devlog

import (
	"strings"

	"example.com/ventlog/internal/meta"
)

type applicabilityEntry struct {
	param  string
	target *Record
}

// applicabilityStack defers applicability updates to the end of a batch so
// that a half-applied burst of setting changes is never observed.
type applicabilityStack struct {
	entries []applicabilityEntry
}

func (s *applicabilityStack) push(param string, target *Record) {
	s.entries = append(s.entries, applicabilityEntry{param: param, target: target})
}

func (s *applicabilityStack) Len() int {
	return len(s.entries)
}

func (s *applicabilityStack) flush(current func(param string) bool) {
	for _, e := range s.entries {
		if e.target.Applicable == nil {
			e.target.Applicable = make(map[string]bool)
		}
		e.target.Applicable[e.param] = current(e.param)
	}
	s.entries = s.entries[:0]
}

// interpreter annotates SysLog records of one stream with event roles,
// decoded values and parameter applicability. A batch is a run of records
// sharing one raw timestamp.
type interpreter struct {
	md       *meta.Metadata
	rules    meta.RuleSet
	settings map[string]string
	stack    applicabilityStack

	timeChange   map[string]struct{}
	patientReset map[string]struct{}

	batchOpen bool
	batchTime int64
}

func newInterpreter(md *meta.Metadata, defaults map[string]string, opts Options) *interpreter {
	in := &interpreter{
		md:           md,
		settings:     make(map[string]string, len(defaults)),
		timeChange:   make(map[string]struct{}),
		patientReset: make(map[string]struct{}),
	}
	for k, v := range defaults {
		in.settings[k] = v
	}
	if md != nil {
		in.rules = meta.RuleSetFor(md.Version)
	}
	for _, id := range opts.TimeChangeEvents {
		in.timeChange[id] = struct{}{}
	}
	for _, id := range opts.PatientResetEvents {
		in.patientReset[id] = struct{}{}
	}
	return in
}

func (in *interpreter) isTimeChange(id string) bool {
	if in.md.HasTimeChangeGroup() {
		return in.md.IsTimeChange(id)
	}
	_, ok := in.timeChange[id]
	return ok
}

func (in *interpreter) isPatientReset(id string) bool {
	if in.md.HasPatientResetGroup() {
		return in.md.IsPatientReset(id)
	}
	_, ok := in.patientReset[id]
	return ok
}

func (in *interpreter) marker(rec *Record) Marker {
	if rec.SysLog != nil && in.isTimeChange(rec.SysLog.EventID) {
		return MarkerTimeChange
	}
	return MarkerNone
}

func (in *interpreter) interpret(rec *Record) {
	sl := rec.SysLog
	if sl == nil {
		return
	}
	if in.batchOpen && rec.RawTimeMs != in.batchTime {
		in.flush()
	}
	in.batchOpen = true
	in.batchTime = rec.RawTimeMs

	id := sl.EventID
	switch {
	case in.isTimeChange(id):
		sl.Event = EventTimeChange
	case in.isPatientReset(id):
		sl.Event = EventPatientReset
	case in.md.IsTherapyStart(id):
		sl.Event = EventTherapyStart
	case in.md.IsTherapyStop(id):
		sl.Event = EventTherapyStop
	case in.md.IsControlChange(id):
		sl.Event = EventControlChange
	}
	msg, ok := in.md.Message(id)
	if !ok {
		return
	}
	sl.Name = msg.Name
	if len(msg.Keys) == 0 {
		return
	}
	values := parseKeyValues(sl.Message, msg.Keys)
	if len(values) > 0 {
		sl.Values = values
	}
	if sl.Event == EventControlChange {
		for key, val := range values {
			if p, ok := in.md.Parameter(key); ok && p.DataClass == meta.Setting {
				in.settings[p.Name] = val
			}
		}
	}
	for _, key := range msg.Keys {
		in.stack.push(key, rec)
	}
}

func (in *interpreter) flush() {
	in.stack.flush(in.applicable)
	in.batchOpen = false
}

func (in *interpreter) applicable(key string) bool {
	p, ok := in.md.Parameter(key)
	if !ok || in.rules == nil {
		return false
	}
	return in.rules.Applicable(p, in.settings)
}

// parseKeyValues extracts key=value tokens for the schema keys from a
// message. Tokens are separated by whitespace, ',' or ';'.
func parseKeyValues(msg string, keys []string) map[string]string {
	wanted := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		wanted[k] = struct{}{}
	}
	var out map[string]string
	fields := strings.FieldsFunc(msg, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ',' || r == ';'
	})
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		if _, want := wanted[k]; !want {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[k] = v
	}
	return out
}
