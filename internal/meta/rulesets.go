package meta

import "strconv"

// RuleSet decides whether a parameter is applicable given the current setting
// values of the device.
type RuleSet interface {
	Name() string
	Applicable(p Parameter, settings map[string]string) bool
}

// unconditionalRules predates per-parameter applicability: everything the
// definition set lists is applicable.
type unconditionalRules struct{}

func (unconditionalRules) Name() string { return "unconditional" }

func (unconditionalRules) Applicable(Parameter, map[string]string) bool { return true }

// conditionalRules evaluates Applicability against the setting it names.
// An unknown setting value leaves the parameter applicable.
type conditionalRules struct{}

func (conditionalRules) Name() string { return "conditional" }

func (conditionalRules) Applicable(p Parameter, settings map[string]string) bool {
	a := p.Applicability
	if a == nil || a.Key == "" {
		return true
	}
	val, ok := settings[a.Key]
	if !ok {
		return true
	}
	for _, v := range a.NotIn {
		if v == val {
			return false
		}
	}
	if len(a.In) == 0 {
		return true
	}
	for _, v := range a.In {
		if v == val {
			return true
		}
	}
	return false
}

// strictRules is conditionalRules except that an unknown controlling
// setting makes the parameter inapplicable.
type strictRules struct{ conditionalRules }

func (strictRules) Name() string { return "strict" }

func (s strictRules) Applicable(p Parameter, settings map[string]string) bool {
	if a := p.Applicability; a != nil && a.Key != "" {
		if _, ok := settings[a.Key]; !ok {
			return false
		}
	}
	return s.conditionalRules.Applicable(p, settings)
}

type ruleRange struct {
	from, to int // [from, to); to == 0 is open
	set      RuleSet
}

var ruleRegistry = []ruleRange{
	{from: 0, to: 40700, set: unconditionalRules{}},
	{from: 40700, to: 41000, set: conditionalRules{}},
	{from: 41000, to: 0, set: strictRules{}},
}

// RuleSetFor returns the compiled rule set registered for a definition
// version. Non-numeric versions get the conditional rules.
func RuleSetFor(version string) RuleSet {
	v, err := strconv.Atoi(version)
	if err != nil {
		return conditionalRules{}
	}
	for _, r := range ruleRegistry {
		if v >= r.from && (r.to == 0 || v < r.to) {
			return r.set
		}
	}
	return conditionalRules{}
}
