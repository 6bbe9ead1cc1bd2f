package devlog

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/valyala/fastjson"
)

// CanonicalUsageCRCInput re-serializes record compactly, keeping its key
// order, then pads it the way the device does before computing the CRC: a
// space after every '{', ',' and ':' and before every '}'.
func CanonicalUsageCRCInput(record *fastjson.Value) []byte {
	compact := appendCompactJSON(nil, record)
	out := make([]byte, 0, len(compact)+len(compact)/2)
	for _, c := range compact {
		switch c {
		case '{', ',', ':':
			out = append(out, c, ' ')
		case '}':
			out = append(out, ' ', c)
		default:
			out = append(out, c)
		}
	}
	return out
}

// appendCompactJSON writes v without whitespace. Strings are escaped as JSON
// requires; fastjson's own MarshalTo quotes them Go style.
func appendCompactJSON(dst []byte, v *fastjson.Value) []byte {
	switch v.Type() {
	case fastjson.TypeObject:
		o, _ := v.Object()
		dst = append(dst, '{')
		first := true
		o.Visit(func(key []byte, item *fastjson.Value) {
			if !first {
				dst = append(dst, ',')
			}
			first = false
			dst = appendJSONString(dst, key)
			dst = append(dst, ':')
			dst = appendCompactJSON(dst, item)
		})
		return append(dst, '}')
	case fastjson.TypeArray:
		items, _ := v.Array()
		dst = append(dst, '[')
		for i, item := range items {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = appendCompactJSON(dst, item)
		}
		return append(dst, ']')
	case fastjson.TypeString:
		sb, _ := v.StringBytes()
		return appendJSONString(dst, sb)
	default:
		return v.MarshalTo(dst)
	}
}

const hexDigits = "0123456789abcdef"

func appendJSONString(dst, s []byte) []byte {
	dst = append(dst, '"')
	for _, c := range s {
		switch c {
		case '"', '\\':
			dst = append(dst, '\\', c)
		case '\b':
			dst = append(dst, '\\', 'b')
		case '\f':
			dst = append(dst, '\\', 'f')
		case '\n':
			dst = append(dst, '\\', 'n')
		case '\r':
			dst = append(dst, '\\', 'r')
		case '\t':
			dst = append(dst, '\\', 't')
		default:
			if c < 0x20 {
				dst = append(dst, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xF])
			} else {
				dst = append(dst, c)
			}
		}
	}
	return append(dst, '"')
}

func lastSegment(id string) string {
	if i := strings.LastIndexByte(id, '.'); i >= 0 {
		return id[i+1:]
	}
	return id
}

// ParseUsageMonitor reads the newline-delimited usage file. Lines without a
// '{' are ignored. Lines that fail to decode are skipped and returned as
// errors alongside the records; they never stop the parse.
func ParseUsageMonitor(data []byte, source string) ([]Record, []error) {
	var (
		out  []Record
		errs []error
		p    fastjson.Parser
	)
	offset := 0
	lineNo := 0
	for offset < len(data) {
		lineNo++
		end := bytes.IndexByte(data[offset:], '\n')
		var line []byte
		next := len(data)
		if end >= 0 {
			line = data[offset : offset+end]
			next = offset + end + 1
		} else {
			line = data[offset:]
		}
		lineOffset := offset
		offset = next

		line = bytes.TrimRight(line, "\r")
		if bytes.IndexByte(line, '{') < 0 {
			continue
		}
		rec, err := parseUsageLine(&p, line)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s line %d: %w", source, lineNo, err))
			continue
		}
		rec.SourceSeq = len(out) + 1
		rec.SourceFile = source
		rec.Offset = int64(lineOffset)
		rec.Length = len(line)
		rec.Raw = string(line)
		out = append(out, rec)
	}
	return out, errs
}

func parseUsageLine(p *fastjson.Parser, line []byte) (Record, error) {
	v, err := p.ParseBytes(line)
	if err != nil {
		return Record{}, err
	}
	inner := v.Get("record")
	if inner == nil || inner.Type() != fastjson.TypeObject {
		return Record{}, fmt.Errorf("envelope has no record object")
	}
	rec := Record{Type: UsageMonitor, Integrity: IntegrityNotApplicable}
	if crcVal := v.Get("crc16"); crcVal != nil {
		stored, err := crcVal.Uint()
		if err != nil || stored > 0xFFFF {
			return Record{}, fmt.Errorf("invalid crc16 %s", crcVal.String())
		}
		rec.Integrity = CheckCRC(CanonicalUsageCRCInput(inner), uint16(stored))
	}

	entry := &UsageEntry{}
	if id := inner.GetStringBytes("id"); id != nil {
		entry.ID = string(id)
		entry.Key = lastSegment(entry.ID)
	}
	switch {
	case inner.Exists("version"):
		entry.Kind = UsageVersion
		ver := inner.Get("version")
		if b, err := ver.StringBytes(); err == nil {
			entry.Version = string(b)
		} else {
			entry.Version = ver.String()
		}
	case inner.Exists("ticks"):
		entry.Kind = UsageTicks
		entry.Hours = inner.GetFloat64("hours")
		entry.Ticks = inner.GetInt64("ticks")
	default:
		entry.Kind = UsageHours
		entry.Hours = inner.GetFloat64("hours")
	}
	rec.Usage = entry
	return rec, nil
}

// EncodeUsageLine wraps a compact JSON record in the envelope with a valid
// crc16.
func EncodeUsageLine(recordJSON string) (string, error) {
	var p fastjson.Parser
	v, err := p.Parse(recordJSON)
	if err != nil {
		return "", err
	}
	if v.Type() != fastjson.TypeObject {
		return "", fmt.Errorf("usage record must be an object")
	}
	crc := CRC16(CanonicalUsageCRCInput(v))
	return fmt.Sprintf(`{"record":%s,"crc16":%d}`, appendCompactJSON(nil, v), crc), nil
}
