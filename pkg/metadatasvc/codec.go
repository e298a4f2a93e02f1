package metadatasvc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CodecName is the gRPC content subtype of the service's wire codec.
const CodecName = "cbor"

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("metadatasvc: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Codec encodes service messages as canonical CBOR. It satisfies the gRPC
// encoding.Codec interface and is forced on both ends of a connection.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	return cborEncMode.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("metadatasvc: unmarshal %T: %w", v, err)
	}
	return nil
}

func (Codec) Name() string {
	return CodecName
}
