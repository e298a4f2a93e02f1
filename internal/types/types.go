// Package types defines the value types shared across stratus-metadata.
package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// HashSize is the size of a Hash in bytes.
const HashSize = 32

// ErrInvalidHash is returned for input that does not decode to HashSize
// bytes.
var ErrInvalidHash = errors.New("invalid hash length")

// Hash is a 32-byte digest. Runtime code is identified by the blake2b-256
// hash of its bytes.
type Hash [HashSize]byte

// CodeHash returns the identifier of runtime code: the blake2b-256 hash of
// the code exactly as given, compressed or not.
func CodeHash(code []byte) Hash {
	return Hash(blake2b.Sum256(code))
}

// HashFromBase58 parses a base58-encoded hash.
func HashFromBase58(s string) (Hash, error) {
	var h Hash
	data, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("base58 decode: %w", err)
	}
	return HashFromBytes(data)
}

// HashFromHex parses a hex-encoded hash, with or without a 0x prefix.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	data, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return h, fmt.Errorf("hex decode: %w", err)
	}
	return HashFromBytes(data)
}

// ParseHash accepts the hex form when it has a 0x prefix and the base58
// form otherwise.
func ParseHash(s string) (Hash, error) {
	if strings.HasPrefix(s, "0x") {
		return HashFromHex(s)
	}
	return HashFromBase58(s)
}

// HashFromBytes copies b, which must be exactly HashSize bytes long.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidHash, len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

// String returns the base58 form.
func (h Hash) String() string {
	return base58.Encode(h[:])
}

// Hex returns the 0x-prefixed hex representation.
func (h Hash) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Bytes returns the hash bytes. The slice does not alias h.
func (h Hash) Bytes() []byte {
	return h[:]
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
