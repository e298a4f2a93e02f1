// Package scale implements the SCALE compact integer encoding.
//
// The two low bits of the first byte select the mode:
//
//	00  single byte, value in the upper six bits (0..63)
//	01  two bytes little-endian, value in the upper 14 bits
//	10  four bytes little-endian, value in the upper 30 bits
//	11  big-integer mode: (b0>>2)+4 little-endian bytes follow
//
// Only canonical encodings, those using the shortest form for their value,
// are accepted by DecodeCompact.
package scale

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
)

// Errors.
var (
	ErrCompactTruncated    = errors.New("compact integer truncated")
	ErrCompactNonCanonical = errors.New("compact integer not canonically encoded")
	ErrCompactOverflow     = errors.New("compact integer overflows uint64")
)

// Mode boundaries.
const (
	maxSingleByte = 1<<6 - 1
	maxTwoByte    = 1<<14 - 1
	maxFourByte   = 1<<30 - 1
)

// DecodeCompact decodes a compact integer from the start of b. It returns the
// value and the number of bytes the encoding occupies.
func DecodeCompact(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, ErrCompactTruncated
	}

	switch b[0] & 0b11 {
	case 0b00:
		return uint64(b[0] >> 2), 1, nil

	case 0b01:
		if len(b) < 2 {
			return 0, 0, ErrCompactTruncated
		}
		v := uint64(binary.LittleEndian.Uint16(b) >> 2)
		if v <= maxSingleByte {
			return 0, 0, fmt.Errorf("%w: %d in two-byte mode", ErrCompactNonCanonical, v)
		}
		return v, 2, nil

	case 0b10:
		if len(b) < 4 {
			return 0, 0, ErrCompactTruncated
		}
		v := uint64(binary.LittleEndian.Uint32(b) >> 2)
		if v <= maxTwoByte {
			return 0, 0, fmt.Errorf("%w: %d in four-byte mode", ErrCompactNonCanonical, v)
		}
		return v, 4, nil

	default:
		n := int(b[0]>>2) + 4
		if n > 8 {
			return 0, 0, fmt.Errorf("%w: %d-byte big integer", ErrCompactOverflow, n)
		}
		if len(b) < 1+n {
			return 0, 0, ErrCompactTruncated
		}

		var buf [8]byte
		copy(buf[:], b[1:1+n])
		v := binary.LittleEndian.Uint64(buf[:])

		// The value must need all n bytes, and at least the big-integer mode.
		if v <= maxFourByte || (n > 4 && v>>(8*(n-1)) == 0) {
			return 0, 0, fmt.Errorf("%w: %d in %d-byte big integer", ErrCompactNonCanonical, v, n)
		}
		return v, 1 + n, nil
	}
}

// CompactLen returns the size of the canonical encoding of v.
func CompactLen(v uint64) int {
	switch {
	case v <= maxSingleByte:
		return 1
	case v <= maxTwoByte:
		return 2
	case v <= maxFourByte:
		return 4
	default:
		return 1 + bigLen(v)
	}
}

// bigLen is the byte count of v in big-integer mode, never less than four.
func bigLen(v uint64) int {
	n := (bits.Len64(v) + 7) / 8
	if n < 4 {
		n = 4
	}
	return n
}

// AppendCompact appends the canonical encoding of v to dst.
func AppendCompact(dst []byte, v uint64) []byte {
	switch {
	case v <= maxSingleByte:
		return append(dst, byte(v<<2))
	case v <= maxTwoByte:
		return binary.LittleEndian.AppendUint16(dst, uint16(v<<2|0b01))
	case v <= maxFourByte:
		return binary.LittleEndian.AppendUint32(dst, uint32(v<<2|0b10))
	default:
		n := bigLen(v)
		dst = append(dst, byte(n-4)<<2|0b11)
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], v)
		return append(dst, buf[:n]...)
	}
}

// EncodeCompact returns the canonical encoding of v.
func EncodeCompact(v uint64) []byte {
	return AppendCompact(make([]byte, 0, CompactLen(v)), v)
}
