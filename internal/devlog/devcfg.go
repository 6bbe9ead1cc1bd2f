package devlog

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
)

const (
	configKeyLen      = 33
	configValueLen    = 33
	configReservedLen = 2
	configCRCLen      = 2
	configRecordSize  = configKeyLen + configValueLen + configReservedLen + configCRCLen
	configCRCOffset   = configRecordSize - configCRCLen
)

// decodePadded drops every NUL byte, then trims surrounding whitespace left
// by devices that pad with spaces.
func decodePadded(b []byte) string {
	return strings.TrimSpace(strings.ReplaceAll(string(b), "\x00", ""))
}

// ParseDeviceConfig reads fixed-width key/value records. Records whose CRC
// does not match are returned with IntegrityFail. A trailing partial record
// yields the complete records plus an ErrStructural error.
func ParseDeviceConfig(data []byte, source string) ([]Record, error) {
	var out []Record
	for off := 0; off < len(data); off += configRecordSize {
		if len(data)-off < configRecordSize {
			return out, structuralf(string(DeviceConfig), int64(off), "%d trailing bytes do not form a %d-byte record", len(data)-off, configRecordSize)
		}
		rec := data[off : off+configRecordSize]
		stored := binary.LittleEndian.Uint16(rec[configCRCOffset:])
		out = append(out, Record{
			Type:       DeviceConfig,
			SourceSeq:  len(out) + 1,
			Integrity:  CheckCRC(rec[:configCRCOffset], stored),
			SourceFile: source,
			Offset:     int64(off),
			Length:     configRecordSize,
			Raw:        hex.EncodeToString(rec),
			Config: &ConfigEntry{
				Key:   decodePadded(rec[:configKeyLen]),
				Value: decodePadded(rec[configKeyLen : configKeyLen+configValueLen]),
			},
		})
	}
	return out, nil
}

// EncodeConfigRecord lays out one key/value pair with a valid CRC. Strings
// longer than their field are truncated.
func EncodeConfigRecord(key, value string) []byte {
	rec := make([]byte, configRecordSize)
	copy(rec[:configKeyLen], key)
	copy(rec[configKeyLen:configKeyLen+configValueLen], value)
	binary.LittleEndian.PutUint16(rec[configCRCOffset:], CRC16(rec[:configCRCOffset]))
	return rec
}
