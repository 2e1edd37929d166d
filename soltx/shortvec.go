package soltx

import (
	"fmt"
	"io"
)

// putCompactU16 appends the variable-length length prefix the ledger's
// message format uses for arrays (1-3 bytes, 7 bits per byte).
func putCompactU16(b []byte, v int) []byte {
	for {
		if v < 0x80 {
			return append(b, byte(v))
		}
		b = append(b, byte(v&0x7f)|0x80)
		v >>= 7
	}
}

// readCompactU16 reads one length prefix from r.
func readCompactU16(r io.ByteReader) (int, error) {
	v, shift := 0, 0
	for i := 0; i < 3; i++ {
		c, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v |= int(c&0x7f) << shift
		if c < 0x80 {
			if v > 0xffff {
				return 0, fmt.Errorf("compact-u16 overflow")
			}
			return v, nil
		}
		shift += 7
	}
	return 0, fmt.Errorf("compact-u16 too long")
}
