package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/mr-tron/base58"
)

// Output formats.
const (
	formatHex    = "hex"
	formatBase58 = "base58"
	formatRaw    = "raw"
)

// encodeOutput renders data in the given format. Text formats end in a
// newline.
func encodeOutput(data []byte, format string) ([]byte, error) {
	switch format {
	case formatHex:
		return []byte("0x" + hex.EncodeToString(data) + "\n"), nil
	case formatBase58:
		return []byte(base58.Encode(data) + "\n"), nil
	case formatRaw:
		return data, nil
	default:
		return nil, fmt.Errorf("unknown output format %q (want hex, base58 or raw)", format)
	}
}

// writeOutput writes data to path, or to w when path is empty.
func writeOutput(w io.Writer, path string, data []byte, format string) error {
	out, err := encodeOutput(data, format)
	if err != nil {
		return err
	}
	if path == "" {
		_, err = w.Write(out)
		return err
	}
	return os.WriteFile(path, out, 0644)
}
