package meta

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"example.com/ventlog/internal/diag"
)

const (
	// DefaultMinimumVersion is the oldest baseline numeric fallback accepts.
	DefaultMinimumVersion = 40000
	minVersionDigits      = 5
	definitionExt         = ".json"
)

// Override pins every requested version in [From, To) to a fixed definition
// set. DisableEmbedded also forbids bundle-embedded metadata for the band.
type Override struct {
	From            int    `yaml:"from" json:"from"`
	To              int    `yaml:"to" json:"to"`
	Version         string `yaml:"version" json:"version"`
	DisableEmbedded bool   `yaml:"disableEmbedded" json:"disableEmbedded"`
}

func (o Override) contains(v int) bool {
	return v >= o.From && v < o.To
}

// DefaultOverrides lists the known-incompatible version bands.
var DefaultOverrides = []Override{
	{From: 40900, To: 41000, Version: "40900", DisableEmbedded: true},
}

// Resolution describes which definition set a bundle uses.
type Resolution struct {
	Requested   string `json:"requested"`
	Version     string `json:"version"`
	Path        string `json:"path,omitempty"`
	Exact       bool   `json:"exact"`
	Overridden  bool   `json:"overridden"`
	UseEmbedded bool   `json:"useEmbedded"`
}

// Resolver maps a device software version onto the definition files stored
// in Dir as <version>.json.
type Resolver struct {
	Dir            string
	MinimumVersion int
	Overrides      []Override
	Reporter       diag.Reporter
}

func NewResolver(dir string, reporter diag.Reporter) *Resolver {
	return &Resolver{
		Dir:            dir,
		MinimumVersion: DefaultMinimumVersion,
		Overrides:      DefaultOverrides,
		Reporter:       reporter,
	}
}

// Resolve selects the definition set for version. embeddedAvailable tells
// whether the bundle carries its own metadata. A nil result means nothing
// could be resolved; a warning has been reported in that case.
func (r *Resolver) Resolve(version string, embeddedAvailable bool) *Resolution {
	requested := strings.TrimSpace(version)
	res := &Resolution{Requested: requested}
	num, numErr := parseVersion(requested)

	if numErr == nil {
		for _, o := range r.Overrides {
			if !o.contains(num) {
				continue
			}
			path := filepath.Join(r.Dir, o.Version+definitionExt)
			if !fileExists(path) {
				r.warn(fmt.Sprintf("override definition %s for version %s not found", o.Version, requested), requested)
				return nil
			}
			res.Version = o.Version
			res.Path = path
			res.Overridden = true
			res.UseEmbedded = embeddedAvailable && !o.DisableEmbedded
			return res
		}
	}

	if embeddedAvailable {
		res.Version = requested
		res.UseEmbedded = true
		return res
	}

	if requested != "" {
		path := filepath.Join(r.Dir, requested+definitionExt)
		if fileExists(path) {
			res.Version = requested
			res.Path = path
			res.Exact = true
			return res
		}
	}

	if numErr != nil {
		r.warn(fmt.Sprintf("unrecognized software version %q: %v", requested, numErr), requested)
		return nil
	}
	minimum := r.MinimumVersion
	if minimum <= 0 {
		minimum = DefaultMinimumVersion
	}
	if num <= minimum {
		r.warn(fmt.Sprintf("software version %d is not above the supported baseline %d", num, minimum), requested)
		return nil
	}
	candidates, err := r.Available()
	if err != nil {
		r.warn(fmt.Sprintf("list definitions in %s: %v", r.Dir, err), requested)
		return nil
	}
	best := -1
	for _, c := range candidates {
		if c <= num && c > best {
			best = c
		}
	}
	if best < 0 {
		r.warn(fmt.Sprintf("no definition at or below version %d in %s", num, r.Dir), requested)
		return nil
	}
	res.Version = strconv.Itoa(best)
	res.Path = filepath.Join(r.Dir, res.Version+definitionExt)
	return res
}

// Available returns the numeric definition versions present in Dir.
func (r *Resolver) Available() ([]int, error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []int
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), definitionExt) {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if v, err := strconv.Atoi(stem); err == nil {
			out = append(out, v)
		}
	}
	return out, nil
}

// LoadMetadata loads the definition set a resolution points at, or the
// bundle-embedded bytes when the resolution allows them.
func LoadMetadata(res *Resolution, embedded []byte) (*Metadata, error) {
	if res == nil {
		return nil, fmt.Errorf("%w: no resolution", ErrVersionResolution)
	}
	if res.UseEmbedded {
		if len(embedded) == 0 {
			return nil, fmt.Errorf("%w: embedded metadata selected but empty", ErrSchema)
		}
		return Parse(embedded)
	}
	return Load(res.Path)
}

func (r *Resolver) warn(msg string, value any) {
	if r.Reporter != nil {
		r.Reporter.LogWarning(msg, value)
	}
}

func parseVersion(s string) (int, error) {
	if len(s) < minVersionDigits {
		return 0, fmt.Errorf("%w: need at least %d digits", ErrVersionResolution, minVersionDigits)
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: non-numeric version", ErrVersionResolution)
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrVersionResolution, err)
	}
	return v, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
