package devlog

import (
	"encoding/binary"
	"encoding/hex"
)

const (
	crashExprLen    = 108
	crashFileLen    = 128
	crashRecordSize = crashExprLen + crashFileLen + 4 + 4 + 4
)

// ParseCrashLog splits data into fixed 248-byte assertion records. A trailing
// partial slice is reported as ErrStructural after the complete records.
func ParseCrashLog(data []byte, source string) ([]Record, error) {
	var out []Record
	for off := 0; off < len(data); off += crashRecordSize {
		if len(data)-off < crashRecordSize {
			return out, structuralf(string(CrashLog), int64(off), "%d trailing bytes do not form a %d-byte record", len(data)-off, crashRecordSize)
		}
		rec := data[off : off+crashRecordSize]
		tail := rec[crashExprLen+crashFileLen:]
		entry := &CrashEntry{
			Expression: decodeASCII(rec[:crashExprLen]),
			File:       decodeASCII(rec[crashExprLen : crashExprLen+crashFileLen]),
			Line:       binary.LittleEndian.Uint32(tail[0:4]),
			Value:      int32(binary.LittleEndian.Uint32(tail[4:8])),
			Epoch:      binary.LittleEndian.Uint32(tail[8:12]),
		}
		out = append(out, Record{
			Type:       CrashLog,
			SourceSeq:  len(out) + 1,
			Timed:      true,
			RawTimeMs:  int64(entry.Epoch) * 1000,
			Integrity:  IntegrityNotApplicable,
			SourceFile: source,
			Offset:     int64(off),
			Length:     crashRecordSize,
			Raw:        hex.EncodeToString(rec),
			Crash:      entry,
		})
	}
	return out, nil
}

func EncodeCrashRecord(c CrashEntry) []byte {
	rec := make([]byte, crashRecordSize)
	copy(rec[:crashExprLen-1], c.Expression)
	copy(rec[crashExprLen:crashExprLen+crashFileLen-1], c.File)
	tail := rec[crashExprLen+crashFileLen:]
	binary.LittleEndian.PutUint32(tail[0:4], c.Line)
	binary.LittleEndian.PutUint32(tail[4:8], uint32(c.Value))
	binary.LittleEndian.PutUint32(tail[8:12], c.Epoch)
	return rec
}
