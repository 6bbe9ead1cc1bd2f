package devlog

import (
	"encoding/binary"
	"encoding/hex"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	sysLogHeaderSize = 12
	sysLogMaxWords   = 0xFF
	hamPrefix        = "HAM LOG:  "
)

type sysLogHeader struct {
	Severity  uint8
	MsOffset  uint16
	WordCount uint8
	Major     uint32
	Minor     uint32
	Seconds   uint32
}

func parseSysLogHeader(buf []byte) sysLogHeader {
	w0 := binary.LittleEndian.Uint32(buf[0:4])
	w1 := binary.LittleEndian.Uint32(buf[4:8])
	return sysLogHeader{
		Severity:  uint8(w0 & 0x7),
		MsOffset:  uint16((w0 >> 4) & 0x3FF),
		WordCount: uint8((w0 >> 16) & 0xFF),
		Major:     w1 & 0xFFFFF,
		Minor:     w1 >> 20,
		Seconds:   binary.LittleEndian.Uint32(buf[8:12]),
	}
}

func (h sysLogHeader) rawTimeMs() int64 {
	return int64(h.Seconds)*1000 + int64(h.MsOffset)
}

// EventID formats a major/minor pair the way metadata keys messages.
func EventID(major, minor uint32) string {
	return strconv.FormatUint(uint64(major), 10) + "." + strconv.FormatUint(uint64(minor), 10)
}

// decodeASCII maps bytes to ASCII (U+FFFD for anything else) and stops at
// the first NUL.
func decodeASCII(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		if c == 0 {
			break
		}
		if c < utf8.RuneSelf {
			sb.WriteByte(c)
		} else {
			sb.WriteRune(utf8.RuneError)
		}
	}
	return sb.String()
}

// decodeSysLogText decodes msg as ASCII and drops everything from the last
// newline on.
func decodeSysLogText(msg []byte) string {
	s := decodeASCII(msg)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

// fileIndex resolves stream offsets to member names. Lookups must be made
// with non-decreasing offsets.
type fileIndex struct {
	spans []FileSpan
	pos   int
}

func (fi *fileIndex) nameAt(offset int64) string {
	if len(fi.spans) == 0 {
		return ""
	}
	for fi.pos+1 < len(fi.spans) && fi.spans[fi.pos+1].Offset <= offset {
		fi.pos++
	}
	return fi.spans[fi.pos].Name
}

// SysLogReader iterates the records of one SysLog series, the members of
// which have been concatenated into a single buffer.
type SysLogReader struct {
	typ      RecordType
	data     []byte
	offset   int64
	files    fileIndex
	seq      int
	scanOnly bool
	// pending is returned by the next call to Next after a record whose
	// continuation was cut short.
	pending error
}

func NewSysLogReader(typ RecordType, data []byte, files []FileSpan) *SysLogReader {
	return &SysLogReader{typ: typ, data: data, files: fileIndex{spans: files}}
}

// ScanOnly skips message decoding; records carry timing and event ids only.
func (r *SysLogReader) ScanOnly() {
	r.scanOnly = true
}

func (r *SysLogReader) Offset() int64 {
	return r.offset
}

// readSub reads one header plus message at off.
func (r *SysLogReader) readSub(off int64) (sysLogHeader, []byte, int64, error) {
	size := int64(len(r.data))
	if off+sysLogHeaderSize > size {
		return sysLogHeader{}, nil, off, structuralf(string(r.typ), off, "truncated header (%d bytes left)", size-off)
	}
	hdr := parseSysLogHeader(r.data[off : off+sysLogHeaderSize])
	if hdr.WordCount < 3 {
		return hdr, nil, off, structuralf(string(r.typ), off, "word count %d below header size", hdr.WordCount)
	}
	msgLen := 4 * (int64(hdr.WordCount) - 3)
	end := off + sysLogHeaderSize + msgLen
	if end > size {
		return hdr, nil, off, structuralf(string(r.typ), off, "message of %d bytes runs past end of stream", msgLen)
	}
	return hdr, r.data[off+sysLogHeaderSize : end], end, nil
}

func (r *SysLogReader) peekMajor(off int64) (uint32, bool) {
	if off+sysLogHeaderSize > int64(len(r.data)) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(r.data[off+4:off+8]) & 0xFFFFF, true
}

// Next returns the next record. Continuation records (major id 0) are folded
// into the record they follow. It returns io.EOF at the end of the stream and
// an ErrStructural error when the stream cannot be read further.
func (r *SysLogReader) Next() (Record, error) {
	if r.pending != nil {
		err := r.pending
		r.pending = nil
		return Record{}, err
	}
	if r.offset >= int64(len(r.data)) {
		return Record{}, io.EOF
	}
	start := r.offset
	first, msg, cursor, err := r.readSub(start)
	if err != nil {
		return Record{}, err
	}
	var text strings.Builder
	if !r.scanOnly {
		text.WriteString(decodeSysLogText(msg))
	}
	parts := 1
	ham := first.Major == 0
	for {
		major, ok := r.peekMajor(cursor)
		if !ok || major != 0 {
			break
		}
		_, more, next, err := r.readSub(cursor)
		if err != nil {
			// Keep what was assembled so far; the broken sub-record is
			// reported on the next call.
			r.pending = err
			break
		}
		if !r.scanOnly {
			text.WriteString(decodeSysLogText(more))
		}
		parts++
		ham = true
		cursor = next
	}
	r.offset = cursor
	r.seq++

	message := text.String()
	if ham && !r.scanOnly {
		message = hamPrefix + message
	}
	rec := Record{
		Type:       r.typ,
		SourceSeq:  r.seq,
		Timed:      true,
		RawTimeMs:  first.rawTimeMs(),
		Integrity:  IntegrityNotApplicable,
		SourceFile: r.files.nameAt(start),
		Offset:     start,
		Length:     int(cursor - start),
		SysLog: &SysLogEntry{
			Severity: first.Severity,
			Major:    first.Major,
			Minor:    first.Minor,
			EventID:  EventID(first.Major, first.Minor),
			Message:  message,
			Parts:    parts,
		},
	}
	if !r.scanOnly {
		rec.Raw = hex.EncodeToString(r.data[start:cursor])
	}
	return rec, nil
}

// EncodeSysLog builds one SysLog record. Messages longer than the header can
// describe are truncated; the text is NUL padded to a word boundary.
func EncodeSysLog(severity uint8, msOffset uint16, major, minor, seconds uint32, msg string) []byte {
	body := []byte(msg)
	maxBody := 4 * (sysLogMaxWords - 3)
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	words := (len(body) + 3) / 4
	out := make([]byte, sysLogHeaderSize+4*words)
	w0 := uint32(severity&0x7) | uint32(msOffset&0x3FF)<<4 | uint32(words+3)<<16
	w1 := (major & 0xFFFFF) | (minor&0xFFF)<<20
	binary.LittleEndian.PutUint32(out[0:4], w0)
	binary.LittleEndian.PutUint32(out[4:8], w1)
	binary.LittleEndian.PutUint32(out[8:12], seconds)
	copy(out[sysLogHeaderSize:], body)
	return out
}
