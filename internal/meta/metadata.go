package meta

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrSchema marks metadata that cannot be interpreted; a bundle cannot be
	// built without a valid schema.
	ErrSchema = errors.New("metadata schema error")
	// ErrVersionResolution marks an unresolvable device software version.
	ErrVersionResolution = errors.New("version resolution failed")
)

const (
	SectionGroupings  = "Groupings"
	SectionVersion    = "METADATA_VERSION"
	SectionMessages   = "Messages"
	SectionParameters = "Parameters"

	GroupTherapyStart  = "TherapyStart"
	GroupTherapyStop   = "TherapyStop"
	GroupControlChange = "ControlChange"
	GroupTimeChange    = "TimeChange"
	GroupPatientReset  = "PatientReset"
)

var requiredSections = []string{SectionGroupings, SectionVersion, SectionMessages, SectionParameters}

var requiredGroupings = []string{GroupTherapyStart, GroupTherapyStop, GroupControlChange}

type DataClass string

const (
	Monitor      DataClass = "Monitor"
	Setting      DataClass = "Setting"
	Alarm        DataClass = "Alarm"
	ParamSynonym DataClass = "ParamSynonym"
)

// Applicability restricts a parameter to device states in which the setting
// named by Key holds one of the In values and none of the NotIn values.
type Applicability struct {
	Key   string   `json:"Key"`
	In    []string `json:"In,omitempty"`
	NotIn []string `json:"NotIn,omitempty"`
}

type Parameter struct {
	Name          string         `json:"-"`
	DataClass     DataClass      `json:"DataClass"`
	Synonym       string         `json:"Synonym,omitempty"`
	Unit          string         `json:"Unit,omitempty"`
	Applicability *Applicability `json:"Applicability,omitempty"`
}

// Message is the key schema of one SysLog event id.
type Message struct {
	Name string   `json:"Name"`
	Keys []string `json:"Keys,omitempty"`
}

// Metadata is the resolved definition set for one device software version.
// It is not modified after Parse returns.
type Metadata struct {
	Version    string
	Groupings  map[string][]string
	Messages   map[string]Message
	Parameters map[string]Parameter

	therapyStart  map[string]struct{}
	therapyStop   map[string]struct{}
	controlChange map[string]struct{}
	timeChange    map[string]struct{}
	patientReset  map[string]struct{}
}

func Load(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	md, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return md, nil
}

func Parse(data []byte) (*Metadata, error) {
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(data, &sections); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	var missing []string
	for _, name := range requiredSections {
		if _, ok := sections[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing section(s) %s", ErrSchema, strings.Join(missing, ", "))
	}

	md := &Metadata{}
	version, err := scalarString(sections[SectionVersion])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSchema, SectionVersion, err)
	}
	md.Version = version
	if err := json.Unmarshal(sections[SectionGroupings], &md.Groupings); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSchema, SectionGroupings, err)
	}
	if err := json.Unmarshal(sections[SectionMessages], &md.Messages); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSchema, SectionMessages, err)
	}
	if err := json.Unmarshal(sections[SectionParameters], &md.Parameters); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSchema, SectionParameters, err)
	}
	for _, name := range requiredGroupings {
		if _, ok := md.Groupings[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s missing %s", ErrSchema, SectionGroupings, strings.Join(missing, ", "))
	}
	for name, p := range md.Parameters {
		p.Name = name
		if p.DataClass == "" {
			return nil, fmt.Errorf("%w: parameter %s has no DataClass", ErrSchema, name)
		}
		md.Parameters[name] = p
	}
	md.therapyStart = toSet(md.Groupings[GroupTherapyStart])
	md.therapyStop = toSet(md.Groupings[GroupTherapyStop])
	md.controlChange = toSet(md.Groupings[GroupControlChange])
	md.timeChange = toSet(md.Groupings[GroupTimeChange])
	md.patientReset = toSet(md.Groupings[GroupPatientReset])
	return md, nil
}

func scalarString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[strings.TrimSpace(id)] = struct{}{}
	}
	return out
}

func (m *Metadata) IsTherapyStart(id string) bool  { return m != nil && has(m.therapyStart, id) }
func (m *Metadata) IsTherapyStop(id string) bool   { return m != nil && has(m.therapyStop, id) }
func (m *Metadata) IsControlChange(id string) bool { return m != nil && has(m.controlChange, id) }
func (m *Metadata) IsTimeChange(id string) bool    { return m != nil && has(m.timeChange, id) }
func (m *Metadata) IsPatientReset(id string) bool  { return m != nil && has(m.patientReset, id) }

// HasTimeChangeGroup reports whether the definition set names its own
// user-time-change events.
func (m *Metadata) HasTimeChangeGroup() bool {
	return m != nil && len(m.timeChange) > 0
}

func (m *Metadata) HasPatientResetGroup() bool {
	return m != nil && len(m.patientReset) > 0
}

func has(set map[string]struct{}, id string) bool {
	_, ok := set[id]
	return ok
}

func (m *Metadata) Message(id string) (Message, bool) {
	if m == nil {
		return Message{}, false
	}
	msg, ok := m.Messages[id]
	return msg, ok
}

// Parameter resolves key, following ParamSynonym entries to their target.
func (m *Metadata) Parameter(key string) (Parameter, bool) {
	if m == nil {
		return Parameter{}, false
	}
	p, ok := m.Parameters[key]
	for hops := 0; ok && p.DataClass == ParamSynonym && hops < 8; hops++ {
		p, ok = m.Parameters[p.Synonym]
	}
	if ok && p.DataClass == ParamSynonym {
		return Parameter{}, false
	}
	return p, ok
}

// LoadSettings reads a version-keyed settings file and returns the default
// setting values it declares.
func LoadSettings(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file struct {
		Version  json.RawMessage `json:"SETTINGS_VERSION"`
		Defaults map[string]any  `json:"Defaults"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrSchema, err)
	}
	out := make(map[string]string, len(file.Defaults))
	for k, v := range file.Defaults {
		out[k] = fmt.Sprint(v)
	}
	return out, nil
}
