package devlog

const (
	crcPoly = 0x1021
	crcInit = 0xFFFF
)

// Checksum is a streaming CRC-16 (poly 0x1021, init 0xFFFF, no final XOR).
type Checksum struct {
	value uint16
}

// NewChecksum returns a checksum primed with the initial register value.
func NewChecksum() *Checksum {
	return &Checksum{value: crcInit}
}

// Write feeds p into the checksum, most significant bit first.
func (c *Checksum) Write(p []byte) {
	for _, b := range p {
		c.value ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if c.value&0x8000 != 0 {
				c.value = (c.value << 1) ^ crcPoly
			} else {
				c.value <<= 1
			}
		}
	}
}

// Sum16 returns the current register; writing may continue afterwards.
func (c *Checksum) Sum16() uint16 {
	return c.value
}

// CRC16 computes the device checksum of span in one call.
func CRC16(span []byte) uint16 {
	c := NewChecksum()
	c.Write(span)
	return c.Sum16()
}

// CheckCRC compares the checksum of span against the stored value.
func CheckCRC(span []byte, want uint16) Integrity {
	if CRC16(span) == want {
		return IntegrityPass
	}
	return IntegrityFail
}
