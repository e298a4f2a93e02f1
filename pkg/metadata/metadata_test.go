package metadata

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fortiblox/stratus-metadata/internal/elftest"
	"github.com/fortiblox/stratus-metadata/pkg/scale"
	"github.com/fortiblox/stratus-metadata/pkg/svm/executor"
	"github.com/fortiblox/stratus-metadata/pkg/svm/sbpf"
	"github.com/fortiblox/stratus-metadata/pkg/svm/syscall"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const heapPages = executor.DefaultHeapPages

func prefixed(body []byte) []byte {
	return append(scale.EncodeCompact(uint64(len(body))), body...)
}

func TestRemoveLengthPrefix(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  []byte
	}{
		{"two bytes", []byte{0x08, 0x41, 0x42}, []byte{0x41, 0x42}},
		{"empty body", []byte{0x00}, []byte{}},
		{"two-byte prefix", prefixed(bytes.Repeat([]byte{7}, 64)), bytes.Repeat([]byte{7}, 64)},
		{"four-byte prefix", prefixed(bytes.Repeat([]byte{9}, 1<<14)), bytes.Repeat([]byte{9}, 1<<14)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RemoveLengthPrefix(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRemoveLengthPrefixCopies(t *testing.T) {
	raw := []byte{0x08, 0x41, 0x42}
	got, err := RemoveLengthPrefix(raw)
	require.NoError(t, err)

	raw[1] = 0
	assert.Equal(t, []byte{0x41, 0x42}, got)
}

func TestRemoveLengthPrefixErrors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"too few bytes", []byte{0x04, 0x41, 0x42}},
		{"too many bytes", []byte{0x0c, 0x41, 0x42}},
		{"truncated prefix", []byte{0x01}},
		{"non-canonical prefix", []byte{0x09, 0x00, 0x41, 0x42}},
		{"huge length", []byte{0x13, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RemoveLengthPrefix(tt.input)
			assert.ErrorIs(t, err, ErrBadLengthPrefix)
			assert.Nil(t, got)
		})
	}
}

func TestFromRuntimeCode(t *testing.T) {
	body := []byte("\x6d\x65\x74\x61\x0e runtime metadata")
	code := elftest.Runtime(EntryPoint, prefixed(body), "building metadata", "done")

	var logs []string
	got, err := FromRuntimeCode(code, heapPages, WithLogHandler(func(l executor.LogEmit) {
		logs = append(logs, l.Message)
	}))
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.Equal(t, []string{"building metadata", "done"}, logs)
}

func TestFromRuntimeCodeDiscardsLogsByDefault(t *testing.T) {
	code := elftest.Runtime(EntryPoint, prefixed([]byte{1}), "ignored")
	got, err := FromRuntimeCode(code, heapPages)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, got)
}

func TestFromPrototypeIsReusable(t *testing.T) {
	proto, err := executor.NewPrototype(elftest.Runtime(EntryPoint, prefixed([]byte("abc")), "log"), heapPages)
	require.NoError(t, err)

	first, back, err := FromPrototype(proto)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), first)
	require.NotNil(t, back)

	second, _, err := FromPrototype(back)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFromPrototypeAfterFailure(t *testing.T) {
	proto, err := executor.NewPrototype(elftest.Runtime(EntryPoint, []byte{0x04, 0x41, 0x42}), heapPages)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		out, back, err := FromPrototype(proto)
		assert.ErrorIs(t, err, ErrBadLengthPrefix)
		assert.Nil(t, out)
		assert.Nil(t, back)
	}
}

func TestBadLengthPrefixFromRuntime(t *testing.T) {
	code := elftest.Runtime(EntryPoint, []byte{0x04, 0x41, 0x42})
	got, err := FromRuntimeCode(code, heapPages)
	assert.ErrorIs(t, err, ErrBadLengthPrefix)
	assert.Nil(t, got)
}

func TestTrapped(t *testing.T) {
	b := elftest.New()
	code := b.Func(EntryPoint,
		b.Log(syscall.LevelInfo, "runtime", "about to fail"),
		elftest.Mov64(0, 1),
		sbpf.Encode(sbpf.OpDiv64Imm, 0, 0, 0, 0),
		elftest.Exit(),
	).Bytes()

	var logged int
	got, err := FromRuntimeCode(code, heapPages, WithLogHandler(func(executor.LogEmit) { logged++ }))
	assert.ErrorIs(t, err, ErrTrapped)
	assert.ErrorIs(t, err, sbpf.ErrDivisionByZero)
	assert.Nil(t, got)
	assert.Equal(t, 1, logged)
}

func TestComputeLimitTraps(t *testing.T) {
	code := elftest.New().Func(EntryPoint, sbpf.Encode(sbpf.OpJa, 0, 0, -1, 0)).Bytes()
	_, err := FromRuntimeCode(code, heapPages, WithExecutorOptions(executor.WithComputeLimit(10_000)))
	assert.ErrorIs(t, err, ErrTrapped)
	assert.ErrorIs(t, err, sbpf.ErrComputeExceeded)
}

func TestExternalityNotAllowed(t *testing.T) {
	b := elftest.New()
	output := b.Return(prefixed([]byte("never reached")))
	code := b.Func(EntryPoint,
		elftest.Import("ext_storage_get_version_1"),
		b.Log(syscall.LevelInfo, "runtime", "after storage"),
		output,
	).Bytes()

	var logged int
	got, err := FromRuntimeCode(code, heapPages, WithLogHandler(func(executor.LogEmit) { logged++ }))
	assert.ErrorIs(t, err, ErrExternalityNotAllowed)
	assert.Contains(t, err.Error(), "ext_storage_get_version_1")
	assert.Nil(t, got)
	assert.Zero(t, logged, "machine advanced past the externality")
}

func TestInitErrors(t *testing.T) {
	t.Run("invalid code", func(t *testing.T) {
		_, err := FromRuntimeCode([]byte("not a runtime"), heapPages)
		assert.ErrorIs(t, err, ErrVMInitialization)

		var initErr *InitError
		require.True(t, errors.As(err, &initErr))
		assert.Error(t, initErr.Err)
	})

	t.Run("heap pages", func(t *testing.T) {
		_, err := FromRuntimeCode(elftest.Runtime(EntryPoint, []byte{0}), sbpf.MaxHeapPages+1)
		assert.ErrorIs(t, err, ErrVMInitialization)
		assert.ErrorIs(t, err, executor.ErrHeapPagesTooLarge)
	})

	t.Run("no metadata entry point", func(t *testing.T) {
		_, err := FromRuntimeCode(elftest.Runtime("Core_version", []byte{0}), heapPages)
		assert.ErrorIs(t, err, ErrVMInitialization)
		assert.ErrorIs(t, err, executor.ErrEntryPointNotFound)
	})
}

func TestErrorsAreDistinct(t *testing.T) {
	all := []error{ErrVMInitialization, ErrTrapped, ErrExternalityNotAllowed, ErrBadLengthPrefix}
	for i, a := range all {
		for j, b := range all {
			assert.Equal(t, i == j, errors.Is(a, b), "%v vs %v", a, b)
		}
	}
	assert.False(t, errors.Is(&InitError{Err: ErrTrapped}, ErrBadLengthPrefix))
}
