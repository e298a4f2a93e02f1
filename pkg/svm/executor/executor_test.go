package executor

import (
	"testing"

	"github.com/fortiblox/stratus-metadata/internal/elftest"
	"github.com/fortiblox/stratus-metadata/pkg/svm/loader"
	"github.com/fortiblox/stratus-metadata/pkg/svm/sbpf"
	"github.com/fortiblox/stratus-metadata/pkg/svm/syscall"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const entry = "Metadata_metadata"

func mustPrototype(t *testing.T, code []byte, opts ...Option) *Prototype {
	t.Helper()
	proto, err := NewPrototype(code, DefaultHeapPages, opts...)
	require.NoError(t, err)
	return proto
}

func start(t *testing.T, proto *Prototype) *Instance {
	t.Helper()
	inst, err := proto.RunNoParam(entry)
	require.NoError(t, err)
	return inst
}

func TestRunToFinished(t *testing.T) {
	proto := mustPrototype(t, elftest.Runtime(entry, []byte("metadata")))
	inst := start(t, proto)

	ready, ok := inst.State().(ReadyToRun)
	require.True(t, ok, "initial state %T", inst.State())

	st := ready.Run()
	fin, ok := st.(Finished)
	require.True(t, ok, "state %T", st)
	assert.Equal(t, []byte("metadata"), fin.Output)
	assert.Equal(t, st, inst.State())

	back, err := inst.IntoPrototype()
	require.NoError(t, err)
	assert.Same(t, proto, back)
}

func TestEmptyOutput(t *testing.T) {
	inst := start(t, mustPrototype(t, elftest.Runtime(entry, nil)))

	fin, ok := inst.State().(ReadyToRun).Run().(Finished)
	require.True(t, ok)
	assert.Empty(t, fin.Output)
}

func TestLogEmit(t *testing.T) {
	b := elftest.New()
	code := b.Func(entry,
		b.Log(syscall.LevelWarn, "runtime::metadata", "building"),
		b.Print("plain"),
		b.Return([]byte{1, 2, 3}),
	).Bytes()

	inst := start(t, mustPrototype(t, code))

	st := inst.State().(ReadyToRun).Run()
	log, ok := st.(LogEmit)
	require.True(t, ok, "state %T", st)
	assert.Equal(t, syscall.LevelWarn, log.Level)
	assert.Equal(t, "runtime::metadata", log.Target)
	assert.Equal(t, "building", log.Message)

	st = log.Resolve()
	require.IsType(t, ReadyToRun{}, st)

	st = st.(ReadyToRun).Run()
	log, ok = st.(LogEmit)
	require.True(t, ok, "state %T", st)
	assert.Equal(t, syscall.LevelInfo, log.Level)
	assert.Equal(t, "plain", log.Message)

	st = log.Resolve().(ReadyToRun).Run()
	fin, ok := st.(Finished)
	require.True(t, ok, "state %T", st)
	assert.Equal(t, []byte{1, 2, 3}, fin.Output)
}

func TestStaleStatePanics(t *testing.T) {
	b := elftest.New()
	code := b.Func(entry, b.Print("once"), b.Return(nil)).Bytes()
	inst := start(t, mustPrototype(t, code))

	ready := inst.State().(ReadyToRun)
	log := ready.Run().(LogEmit)
	log.Resolve()

	assert.Panics(t, func() { log.Resolve() })
	assert.Panics(t, func() { ready.Run() })
}

func TestExternalityCall(t *testing.T) {
	code := elftest.New().Func(entry,
		elftest.Mov64(1, 7),
		elftest.Import("ext_storage_get_version_1"),
		elftest.Exit(),
	).Bytes()

	inst := start(t, mustPrototype(t, code))

	st := inst.State().(ReadyToRun).Run()
	ext, ok := st.(ExternalityCall)
	require.True(t, ok, "state %T", st)
	assert.Equal(t, "ext_storage_get_version_1", ext.Name)
	assert.Equal(t, uint64(7), ext.Args[0])
	assert.Equal(t, st, inst.State())
}

func TestTraps(t *testing.T) {
	tests := []struct {
		name string
		code func() []byte
		want error
	}{
		{
			name: "division by zero",
			code: func() []byte {
				return elftest.New().Func(entry,
					elftest.Mov64(0, 1),
					sbpf.Encode(sbpf.OpDiv64Imm, 0, 0, 0, 0),
					elftest.Exit(),
				).Bytes()
			},
			want: sbpf.ErrDivisionByZero,
		},
		{
			name: "output outside heap",
			code: func() []byte {
				lddw := sbpf.EncodeLddw(0, uint64(0xFFFFFFF0)<<32)
				return elftest.New().Func(entry, lddw, elftest.Exit()).Bytes()
			},
			want: ErrInvalidOutput,
		},
		{
			name: "heap exhausted",
			code: func() []byte {
				return elftest.New().Func(entry,
					elftest.Mov64(1, 0x7fffffff),
					elftest.Import(syscall.AllocatorMalloc),
					elftest.Exit(),
				).Bytes()
			},
			want: ErrOutOfMemory,
		},
		{
			name: "log string out of bounds",
			code: func() []byte {
				return elftest.New().Func(entry,
					elftest.Mov64(1, 0),
					elftest.Mov64(2, 16),
					elftest.Import(syscall.PrintUTF8),
					elftest.Exit(),
				).Bytes()
			},
			want: sbpf.ErrInvalidMemoryAccess,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := start(t, mustPrototype(t, tt.code()))
			st := inst.State().(ReadyToRun).Run()
			trap, ok := st.(Trapped)
			require.True(t, ok, "state %T", st)
			assert.ErrorIs(t, trap.Err, tt.want)
		})
	}
}

func TestComputeLimit(t *testing.T) {
	code := elftest.New().Func(entry, sbpf.Encode(sbpf.OpJa, 0, 0, -1, 0)).Bytes()
	inst := start(t, mustPrototype(t, code, WithComputeLimit(1000)))

	trap, ok := inst.State().(ReadyToRun).Run().(Trapped)
	require.True(t, ok)
	assert.ErrorIs(t, trap.Err, sbpf.ErrComputeExceeded)
	assert.Equal(t, uint64(1000), inst.ComputeUsed())
}

func TestMaxLevel(t *testing.T) {
	b := elftest.New()
	code := b.Func(entry,
		elftest.Import(syscall.LoggingMaxLevel),
		sbpf.Encode(sbpf.OpJeqImm, 0, 0, 1, int32(syscall.LevelTrace)),
		sbpf.Encode(sbpf.OpDiv64Imm, 0, 0, 0, 0), // trap unless max level is trace
		b.Return([]byte("ok")),
	).Bytes()

	fin, ok := start(t, mustPrototype(t, code)).State().(ReadyToRun).Run().(Finished)
	require.True(t, ok)
	assert.Equal(t, []byte("ok"), fin.Output)
}

func TestIntoPrototypeConsumes(t *testing.T) {
	proto := mustPrototype(t, elftest.Runtime(entry, []byte("x")))
	inst := start(t, proto)
	ready := inst.State().(ReadyToRun)

	back, err := inst.IntoPrototype()
	require.NoError(t, err)
	assert.Same(t, proto, back)

	_, err = inst.IntoPrototype()
	assert.ErrorIs(t, err, ErrInstanceConsumed)

	trap, ok := inst.State().(Trapped)
	require.True(t, ok)
	assert.ErrorIs(t, trap.Err, ErrInstanceConsumed)
	assert.Panics(t, func() { ready.Run() })

	// The prototype is reusable.
	fin, ok := start(t, back).State().(ReadyToRun).Run().(Finished)
	require.True(t, ok)
	assert.Equal(t, []byte("x"), fin.Output)
}

func TestInitializationErrors(t *testing.T) {
	t.Run("heap pages", func(t *testing.T) {
		_, err := NewPrototype(elftest.Runtime(entry, nil), sbpf.MaxHeapPages+1)
		assert.ErrorIs(t, err, ErrHeapPagesTooLarge)
	})

	t.Run("unknown import", func(t *testing.T) {
		code := elftest.New().Func(entry, elftest.Import("sol_log_"), elftest.Exit()).Bytes()
		_, err := NewPrototype(code, DefaultHeapPages)
		assert.ErrorIs(t, err, ErrUnknownImport)
	})

	t.Run("not an ELF", func(t *testing.T) {
		_, err := NewPrototype([]byte("\x00asm\x01\x00\x00\x00"), DefaultHeapPages)
		assert.ErrorIs(t, err, loader.ErrInvalidELF)
	})

	t.Run("decompression limit", func(t *testing.T) {
		packed, err := loader.Compress(elftest.Runtime(entry, make([]byte, 4096)))
		require.NoError(t, err)
		_, err = NewPrototype(packed, DefaultHeapPages, WithDecompressionLimit(64))
		assert.ErrorIs(t, err, loader.ErrBombLimit)
	})

	t.Run("missing entry point", func(t *testing.T) {
		proto := mustPrototype(t, elftest.Runtime("Core_version", nil))
		assert.False(t, proto.HasExport(entry))
		_, err := proto.RunNoParam(entry)
		assert.ErrorIs(t, err, ErrEntryPointNotFound)
	})
}

func TestCompressedRuntime(t *testing.T) {
	packed, err := loader.Compress(elftest.Runtime(entry, []byte("zstd")))
	require.NoError(t, err)

	fin, ok := start(t, mustPrototype(t, packed)).State().(ReadyToRun).Run().(Finished)
	require.True(t, ok)
	assert.Equal(t, []byte("zstd"), fin.Output)
}

func TestNewPrototypeFromProgram(t *testing.T) {
	m, err := loader.Load(elftest.Runtime(entry, []byte("loaded")))
	require.NoError(t, err)

	proto, err := NewPrototypeFromProgram(m, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), proto.HeapPages())

	fin, ok := start(t, proto).State().(ReadyToRun).Run().(Finished)
	require.True(t, ok)
	assert.Equal(t, []byte("loaded"), fin.Output)
}

func TestAllocator(t *testing.T) {
	a := newAllocator(64)

	p1, err := a.malloc(3)
	require.NoError(t, err)
	assert.Equal(t, sbpf.VaddrHeap, p1)

	p2, err := a.malloc(8)
	require.NoError(t, err)
	assert.Equal(t, sbpf.VaddrHeap+8, p2)

	_, err = a.malloc(49)
	assert.ErrorIs(t, err, ErrOutOfMemory)

	p3, err := a.malloc(48)
	require.NoError(t, err)
	assert.Equal(t, sbpf.VaddrHeap+16, p3)

	_, err = a.malloc(1)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}
