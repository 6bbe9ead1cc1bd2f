package report

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"example.com/ventlog/internal/devlog"
	"example.com/ventlog/internal/diag"
)

const zstdExt = ".zst"

// Context carries everything one rendering call needs. Sections read from it
// instead of package state.
type Context struct {
	Log         *devlog.CombinedLog
	Diagnostics diag.Summary
	Tr          Translator
	Generated   time.Time
}

func NewContext(log *devlog.CombinedLog, diagnostics diag.Summary, lang Language) Context {
	return Context{
		Log:         log,
		Diagnostics: diagnostics,
		Tr:          NewTranslator(lang),
		Generated:   time.Now().UTC(),
	}
}

// create opens out for writing, wrapping it in a zstd encoder when the name
// ends in .zst.
func create(out string) (io.WriteCloser, error) {
	f, err := os.Create(out)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(strings.ToLower(out), zstdExt) {
		return f, nil
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &zstdFile{enc: enc, f: f}, nil
}

type zstdFile struct {
	enc *zstd.Encoder
	f   *os.File
}

func (z *zstdFile) Write(p []byte) (int, error) { return z.enc.Write(p) }

func (z *zstdFile) Close() error {
	if err := z.enc.Close(); err != nil {
		z.f.Close()
		return err
	}
	return z.f.Close()
}

func open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(strings.ToLower(path), zstdExt) {
		return f, nil
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &zstdReader{dec: dec, f: f}, nil
}

type zstdReader struct {
	dec *zstd.Decoder
	f   *os.File
}

func (z *zstdReader) Read(p []byte) (int, error) { return z.dec.Read(p) }

func (z *zstdReader) Close() error {
	z.dec.Close()
	return z.f.Close()
}

func SaveCombinedJSON(log *devlog.CombinedLog, out string) error {
	w, err := create(out)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(log); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func LoadCombinedJSON(path string) (*devlog.CombinedLog, error) {
	r, err := open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var log devlog.CombinedLog
	if err := json.NewDecoder(r).Decode(&log); err != nil {
		return nil, err
	}
	return &log, nil
}

// WriteRecordsNDJSON writes one record per line in global sequence order.
func WriteRecordsNDJSON(log *devlog.CombinedLog, out string) error {
	w, err := create(out)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, rec := range log.Records {
		if err := enc.Encode(rec); err != nil {
			w.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// ReadRecordsNDJSON reads a file written by WriteRecordsNDJSON.
func ReadRecordsNDJSON(path string) ([]devlog.Record, error) {
	r, err := open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out []devlog.Record
	dec := json.NewDecoder(r)
	for dec.More() {
		var rec devlog.Record
		if err := dec.Decode(&rec); err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}
