package common

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// Sha256OfFile returns the hex digest and size of the file at path.
func Sha256OfFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// NamedContent is one entry of a digest over several named blobs.
type NamedContent struct {
	Name string
	Data []byte
}

// Sha256OfNamed hashes the entries in order, each name followed by a zero
// byte and then its data.
func Sha256OfNamed(entries []NamedContent) string {
	h := sha256.New()
	for _, e := range entries {
		io.WriteString(h, e.Name)
		h.Write([]byte{0})
		h.Write(e.Data)
	}
	return hex.EncodeToString(h.Sum(nil))
}
