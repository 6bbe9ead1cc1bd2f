package bundle

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// File is one member to be written into a bundle archive. Names ending in
// .zst are zstd-compressed on the way in.
type File struct {
	Name string
	Data []byte
}

// WriteZip writes files into a new zip archive at dst.
func WriteZip(dst string, files []File) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	defer enc.Close()

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)
	for _, file := range files {
		data := file.Data
		if strings.HasSuffix(strings.ToLower(file.Name), zstdExt) {
			data = enc.EncodeAll(file.Data, nil)
		}
		w, err := zw.Create(file.Name)
		if err != nil {
			f.Close()
			return fmt.Errorf("add %s: %w", file.Name, err)
		}
		if _, err := w.Write(data); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", file.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteDir writes files below dir, compressing .zst members like WriteZip.
func WriteDir(dir string, files []File) error {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	defer enc.Close()
	for _, file := range files {
		data := file.Data
		if strings.HasSuffix(strings.ToLower(file.Name), zstdExt) {
			data = enc.EncodeAll(file.Data, nil)
		}
		p := filepath.Join(dir, filepath.FromSlash(file.Name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
