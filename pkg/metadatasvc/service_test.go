package metadatasvc

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/fortiblox/stratus-metadata/internal/elftest"
	"github.com/fortiblox/stratus-metadata/internal/types"
	"github.com/fortiblox/stratus-metadata/pkg/codestore"
	"github.com/fortiblox/stratus-metadata/pkg/metadata"
	"github.com/fortiblox/stratus-metadata/pkg/scale"
	"github.com/fortiblox/stratus-metadata/pkg/svm/loader"
	"github.com/fortiblox/stratus-metadata/pkg/svm/sbpf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func runtimeReturning(body []byte) []byte {
	out := append(scale.EncodeCompact(uint64(len(body))), body...)
	return elftest.Runtime(metadata.EntryPoint, out, "building")
}

type harness struct {
	client  *Client
	metrics *Metrics
}

func newHarness(t *testing.T, withStore bool) *harness {
	t.Helper()

	var h harness
	var store CodeStore
	if withStore {
		s, err := codestore.Open(codestore.DefaultConfig(filepath.Join(t.TempDir(), "code.db")))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		store = s
	}

	h.metrics = NewMetrics(prometheus.NewRegistry())
	srv := NewServer(New(DefaultConfig(), store, h.metrics))

	lis := bufconn.Listen(1 << 20)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client, err := Dial(DefaultClientConfig("passthrough:///bufnet"),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	h.client = client
	return &h
}

func TestFetchByCode(t *testing.T) {
	h := newHarness(t, false)
	code := runtimeReturning([]byte("metadata v14"))

	resp, err := h.client.Fetch(context.Background(), &FetchRequest{Code: code})
	require.NoError(t, err)
	assert.Equal(t, []byte("metadata v14"), resp.Metadata)

	hash := types.CodeHash(code)
	assert.Equal(t, hash.Bytes(), resp.CodeHash)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.fetches.WithLabelValues(OutcomeOK)))
}

func TestFetchByHash(t *testing.T) {
	h := newHarness(t, true)
	code := runtimeReturning([]byte{0x6d, 0x65, 0x74, 0x61})

	hash, created, err := h.client.PutCode(context.Background(), code)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, types.CodeHash(code), hash)

	_, created, err = h.client.PutCode(context.Background(), code)
	require.NoError(t, err)
	assert.False(t, created)

	out, err := h.client.FetchHash(context.Background(), hash, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x6d, 0x65, 0x74, 0x61}, out)
}

func TestFetchCompressedCode(t *testing.T) {
	h := newHarness(t, false)
	packed, err := loader.Compress(runtimeReturning([]byte("packed")))
	require.NoError(t, err)

	out, err := h.client.FetchCode(context.Background(), packed, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("packed"), out)
}

func TestFetchErrors(t *testing.T) {
	h := newHarness(t, true)

	trap := elftest.New().Func(metadata.EntryPoint,
		elftest.Mov64(0, 1),
		sbpf.Encode(sbpf.OpDiv64Imm, 0, 0, 0, 0),
		elftest.Exit(),
	).Bytes()
	externality := elftest.New().Func(metadata.EntryPoint,
		elftest.Import("ext_storage_get_version_1"),
		elftest.Exit(),
	).Bytes()

	tests := []struct {
		name    string
		req     *FetchRequest
		code    codes.Code
		outcome string
	}{
		{"empty request", &FetchRequest{}, codes.InvalidArgument, OutcomeInvalidArgument},
		{"both code and hash", &FetchRequest{Code: []byte{1}, CodeHash: make([]byte, 32)}, codes.InvalidArgument, OutcomeInvalidArgument},
		{"short hash", &FetchRequest{CodeHash: []byte{1, 2}}, codes.InvalidArgument, OutcomeInvalidArgument},
		{"unknown hash", &FetchRequest{CodeHash: make([]byte, 32)}, codes.NotFound, OutcomeNotFound},
		{"not an ELF", &FetchRequest{Code: []byte("garbage")}, codes.InvalidArgument, OutcomeInitError},
		{"missing entry point", &FetchRequest{Code: elftest.Runtime("Core_version", []byte{0})}, codes.InvalidArgument, OutcomeInitError},
		{"trap", &FetchRequest{Code: trap}, codes.FailedPrecondition, OutcomeTrapped},
		{"externality", &FetchRequest{Code: externality}, codes.FailedPrecondition, OutcomeExternality},
		{"bad length prefix", &FetchRequest{Code: elftest.Runtime(metadata.EntryPoint, []byte{0x04, 0x41, 0x42})}, codes.FailedPrecondition, OutcomeBadPrefix},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(h.metrics.fetches.WithLabelValues(tt.outcome))

			_, err := h.client.Fetch(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err), "error %v", err)

			after := testutil.ToFloat64(h.metrics.fetches.WithLabelValues(tt.outcome))
			assert.Equal(t, before+1, after)
		})
	}
}

func TestNoStore(t *testing.T) {
	h := newHarness(t, false)

	_, _, err := h.client.PutCode(context.Background(), []byte{1})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = h.client.FetchHash(context.Background(), types.Hash{1}, 0)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestPutCodeEmpty(t *testing.T) {
	h := newHarness(t, true)
	_, _, err := h.client.PutCode(context.Background(), nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestCanceledContext(t *testing.T) {
	svc := New(DefaultConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Fetch(ctx, &FetchRequest{Code: runtimeReturning(nil)})
	assert.Equal(t, codes.Canceled, status.Code(err))
}

func TestCodecRoundTrip(t *testing.T) {
	var c Codec
	assert.Equal(t, "cbor", c.Name())

	in := &FetchRequest{Code: []byte{1, 2}, HeapPages: 7}
	data, err := c.Marshal(in)
	require.NoError(t, err)

	var out FetchRequest
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, *in, out)

	assert.Error(t, c.Unmarshal([]byte{0xff}, &out))
}

func TestDialRequiresAddress(t *testing.T) {
	_, err := Dial(ClientConfig{})
	assert.ErrorIs(t, err, ErrNoAddress)
}
