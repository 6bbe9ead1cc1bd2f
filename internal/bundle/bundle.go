package bundle

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"example.com/ventlog/internal/common"
	"example.com/ventlog/internal/devlog"
)

const zstdExt = ".zst"

var ErrNoSysLog = errors.New("bundle has no primary syslog member")

type Class string

const (
	ClassPrimary      Class = "primary"
	ClassSecondary    Class = "secondary"
	ClassDeviceConfig Class = "deviceConfig"
	ClassUsage        Class = "usage"
	ClassCrash        Class = "crash"
	ClassMetadata     Class = "metadata"
)

// Layout maps bundle members to classes by glob patterns matched against the
// lower-cased base name, with any .zst suffix removed. Classes are tried in
// the order of classOrder.
type Layout struct {
	Primary      []string `yaml:"primary" json:"primary"`
	Secondary    []string `yaml:"secondary" json:"secondary"`
	DeviceConfig []string `yaml:"deviceConfig" json:"deviceConfig"`
	Usage        []string `yaml:"usage" json:"usage"`
	Crash        []string `yaml:"crash" json:"crash"`
	Metadata     []string `yaml:"metadata" json:"metadata"`
}

func DefaultLayout() Layout {
	return Layout{
		Primary:      []string{"syslog_*.bin", "syslog.bin"},
		Secondary:    []string{"syslog2_*.bin", "syslog2.bin"},
		DeviceConfig: []string{"device*.cfg", "config*.bin"},
		Usage:        []string{"usage*.json", "usage*.txt"},
		Crash:        []string{"crash*.bin"},
		Metadata:     []string{"metadata*.json"},
	}
}

var classOrder = []Class{ClassSecondary, ClassPrimary, ClassDeviceConfig, ClassUsage, ClassCrash, ClassMetadata}

func (l Layout) patterns(c Class) []string {
	switch c {
	case ClassPrimary:
		return l.Primary
	case ClassSecondary:
		return l.Secondary
	case ClassDeviceConfig:
		return l.DeviceConfig
	case ClassUsage:
		return l.Usage
	case ClassCrash:
		return l.Crash
	case ClassMetadata:
		return l.Metadata
	}
	return nil
}

// Classify returns the class of a member name, or "" when no pattern matches.
func (l Layout) Classify(name string) Class {
	base := strings.ToLower(path.Base(filepath.ToSlash(name)))
	base = strings.TrimSuffix(base, zstdExt)
	for _, c := range classOrder {
		for _, p := range l.patterns(c) {
			if ok, _ := path.Match(strings.ToLower(p), base); ok {
				return c
			}
		}
	}
	return ""
}

// Member is one classified file of a bundle, decompressed.
type Member struct {
	Name       string `json:"name"`
	Class      Class  `json:"class"`
	Size       int64  `json:"size"`
	Compressed bool   `json:"compressed"`
	data       []byte
}

// Bundle is a device export held in memory.
type Bundle struct {
	Path    string   `json:"path"`
	Digest  string   `json:"digest"`
	Members []Member `json:"members"`
	Skipped []string `json:"skipped,omitempty"`
}

// Open reads a zip archive or a directory and classifies its members.
func Open(src string, layout Layout) (*Bundle, error) {
	info, err := os.Stat(src)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	b := &Bundle{Path: src}
	var raw []rawMember
	if info.IsDir() {
		raw, err = readDir(src)
		if err != nil {
			return nil, err
		}
		b.Digest = dirDigest(raw)
	} else {
		raw, err = readZip(src)
		if err != nil {
			return nil, err
		}
		if b.Digest, _, err = common.Sha256OfFile(src); err != nil {
			return nil, err
		}
	}

	for _, m := range raw {
		class := layout.Classify(m.name)
		if class == "" {
			b.Skipped = append(b.Skipped, m.name)
			continue
		}
		data := m.data
		compressed := strings.HasSuffix(strings.ToLower(m.name), zstdExt)
		if compressed {
			data, err = dec.DecodeAll(m.data, nil)
			if err != nil {
				return nil, fmt.Errorf("decompress %s: %w", m.name, err)
			}
		}
		b.Members = append(b.Members, Member{
			Name:       m.name,
			Class:      class,
			Size:       int64(len(data)),
			Compressed: compressed,
			data:       data,
		})
	}
	sort.SliceStable(b.Members, func(i, j int) bool {
		return naturalLess(b.Members[i].Name, b.Members[j].Name)
	})
	return b, nil
}

type rawMember struct {
	name string
	data []byte
}

func readZip(src string) ([]rawMember, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()
	var out []rawMember
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		data, err := readZipFile(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		out = append(out, rawMember{name: f.Name, data: data})
	}
	return out, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func readDir(root string) ([]rawMember, error) {
	var out []rawMember
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out = append(out, rawMember{name: filepath.ToSlash(rel), data: data})
		return nil
	})
	return out, err
}

// dirDigest hashes member names and contents in name order.
func dirDigest(members []rawMember) string {
	entries := make([]common.NamedContent, len(members))
	for i, m := range members {
		entries[i] = common.NamedContent{Name: m.name, Data: m.data}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return common.Sha256OfNamed(entries)
}

// naturalLess orders names so that embedded numbers compare by value:
// syslog_2.bin sorts before syslog_10.bin.
func naturalLess(a, b string) bool {
	for a != "" && b != "" {
		da, db := isDigit(a[0]), isDigit(b[0])
		if da && db {
			na, ra := splitDigits(a)
			nb, rb := splitDigits(b)
			ta, tb := strings.TrimLeft(na, "0"), strings.TrimLeft(nb, "0")
			if len(ta) != len(tb) {
				return len(ta) < len(tb)
			}
			if ta != tb {
				return ta < tb
			}
			a, b = ra, rb
			continue
		}
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func splitDigits(s string) (string, string) {
	i := 0
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	return s[:i], s[i:]
}

func (b *Bundle) membersOf(c Class) []Member {
	var out []Member
	for _, m := range b.Members {
		if m.Class == c {
			out = append(out, m)
		}
	}
	return out
}

// Data returns the decompressed content of the named member.
func (b *Bundle) Data(name string) ([]byte, bool) {
	for _, m := range b.Members {
		if m.Name == name {
			return m.data, true
		}
	}
	return nil, false
}

func (b *Bundle) series(c Class) devlog.Series {
	var s devlog.Series
	for _, m := range b.membersOf(c) {
		s.Files = append(s.Files, devlog.FileSpan{Offset: int64(len(s.Data)), Name: m.Name})
		s.Data = append(s.Data, m.data...)
	}
	return s
}

// single returns the first member of a class; extra members are ignored.
func (b *Bundle) single(c Class) ([]byte, string) {
	ms := b.membersOf(c)
	if len(ms) == 0 {
		return nil, ""
	}
	for _, extra := range ms[1:] {
		common.Logf("%s: ignoring extra %s member %s", b.Path, c, extra.Name)
	}
	return ms[0].data, ms[0].Name
}

// Input assembles the builder input. A bundle without a primary SysLog
// series is rejected.
func (b *Bundle) Input() (devlog.Input, error) {
	in := devlog.Input{
		Primary:   b.series(ClassPrimary),
		Secondary: b.series(ClassSecondary),
		Digest:    b.Digest,
	}
	if len(in.Primary.Data) == 0 {
		return in, fmt.Errorf("%s: %w", b.Path, ErrNoSysLog)
	}
	in.DeviceConfig, in.DeviceConfigName = b.single(ClassDeviceConfig)
	in.Usage, in.UsageName = b.single(ClassUsage)
	in.Crash, in.CrashName = b.single(ClassCrash)
	in.EmbeddedMetadata, _ = b.single(ClassMetadata)
	return in, nil
}
