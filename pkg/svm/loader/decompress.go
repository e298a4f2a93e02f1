package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// ZstdPrefix marks zstd-compressed runtime code.
var ZstdPrefix = []byte{0x52, 0xBC, 0x53, 0x76, 0x46, 0xDB, 0x8E, 0x05}

// DefaultBombLimit caps the decompressed size of runtime code.
const DefaultBombLimit = 50 * 1024 * 1024

// Decompression errors.
var (
	ErrDecompressionFailed = errors.New("runtime code decompression failed")
	ErrBombLimit           = errors.New("decompressed runtime code exceeds limit")
)

// IsCompressed reports whether code carries the zstd prefix.
func IsCompressed(code []byte) bool {
	return bytes.HasPrefix(code, ZstdPrefix)
}

// Decompress returns the decompressed form of code. Code without the zstd
// prefix is returned unchanged. A zero limit means DefaultBombLimit.
func Decompress(code []byte, limit uint64) ([]byte, error) {
	if !IsCompressed(code) {
		return code, nil
	}
	if limit == 0 {
		limit = DefaultBombLimit
	}

	decoder, err := zstd.NewReader(bytes.NewReader(code[len(ZstdPrefix):]),
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(limit+1),
	)
	if err != nil {
		return nil, decompressError(err, limit)
	}
	defer decoder.Close()

	out, err := io.ReadAll(io.LimitReader(decoder, int64(limit)+1))
	if err != nil {
		return nil, decompressError(err, limit)
	}
	if uint64(len(out)) > limit {
		return nil, fmt.Errorf("%w: %d bytes", ErrBombLimit, limit)
	}
	return out, nil
}

func decompressError(err error, limit uint64) error {
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
		return fmt.Errorf("%w: %d bytes", ErrBombLimit, limit)
	}
	return fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
}

// Compress zstd-compresses code and prepends ZstdPrefix.
func Compress(code []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return nil, err
	}
	defer encoder.Close()

	out := make([]byte, len(ZstdPrefix), len(ZstdPrefix)+len(code)/2)
	copy(out, ZstdPrefix)
	return encoder.EncodeAll(code, out), nil
}
