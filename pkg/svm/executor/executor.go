// Package executor runs exported functions of runtime code on the sBPF VM.
//
// A Prototype is loaded, validated runtime code. RunNoParam starts a call on
// it and returns an Instance, whose State is observed and advanced by the
// embedder:
//
//	inst, err := proto.RunNoParam("Metadata_metadata")
//	for st := inst.State(); ; {
//		switch s := st.(type) {
//		case executor.ReadyToRun:
//			st = s.Run()
//		case executor.LogEmit:
//			st = s.Resolve()
//		...
//		}
//	}
//
// Allocator and log-level host functions are serviced internally. Log
// requests surface as LogEmit and every other host function surfaces as
// ExternalityCall.
package executor

import (
	"errors"
	"fmt"

	"github.com/fortiblox/stratus-metadata/pkg/svm/loader"
	"github.com/fortiblox/stratus-metadata/pkg/svm/sbpf"
	"github.com/fortiblox/stratus-metadata/pkg/svm/syscall"
)

// Initialization errors.
var (
	ErrHeapPagesTooLarge  = errors.New("heap pages exceed maximum")
	ErrUnknownImport      = errors.New("runtime imports unknown host function")
	ErrEntryPointNotFound = errors.New("entry point not found")
)

// Execution errors.
var (
	ErrInstanceConsumed = errors.New("instance already turned back into a prototype")
	ErrOutOfMemory      = errors.New("heap exhausted")
	ErrInvalidOutput    = errors.New("output does not lie within the heap")
)

// DefaultHeapPages is the heap size, in sbpf.HeapPageSize pages, used when
// callers have no better value.
const DefaultHeapPages = 64

// Option configures a Prototype.
type Option func(*options)

type options struct {
	computeLimit       uint64
	decompressionLimit uint64
}

// WithComputeLimit bounds every call made on the prototype to n compute
// units. Zero, the default, leaves calls unmetered.
func WithComputeLimit(n uint64) Option {
	return func(o *options) { o.computeLimit = n }
}

// WithDecompressionLimit caps the decompressed size of runtime code.
func WithDecompressionLimit(n uint64) Option {
	return func(o *options) { o.decompressionLimit = n }
}

// Prototype is loaded runtime code ready to start calls. It is immutable
// and safe for concurrent use.
type Prototype struct {
	module    *loader.Module
	heapPages uint64
	opts      options
}

// NewPrototype decompresses, loads and validates runtime code.
func NewPrototype(code []byte, heapPages uint64, opts ...Option) (*Prototype, error) {
	o := options{decompressionLimit: loader.DefaultBombLimit}
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := loader.Decompress(code, o.decompressionLimit)
	if err != nil {
		return nil, err
	}
	module, err := loader.Load(raw)
	if err != nil {
		return nil, err
	}
	return newPrototype(module, heapPages, o)
}

// NewPrototypeFromProgram builds a prototype from an already loaded module.
func NewPrototypeFromProgram(module *loader.Module, heapPages uint64, opts ...Option) (*Prototype, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return newPrototype(module, heapPages, o)
}

func newPrototype(module *loader.Module, heapPages uint64, o options) (*Prototype, error) {
	if heapPages > sbpf.MaxHeapPages {
		return nil, fmt.Errorf("%w: %d > %d", ErrHeapPagesTooLarge, heapPages, sbpf.MaxHeapPages)
	}
	for _, hash := range module.Imports {
		if !syscall.IsHostFunction(hash) {
			return nil, fmt.Errorf("%w: 0x%08x", ErrUnknownImport, hash)
		}
	}
	return &Prototype{module: module, heapPages: heapPages, opts: o}, nil
}

// HeapPages returns the heap size in pages.
func (p *Prototype) HeapPages() uint64 {
	return p.heapPages
}

// HasExport reports whether the runtime exports a function named name.
func (p *Prototype) HasExport(name string) bool {
	_, ok := p.module.Export(name)
	return ok
}

// RunNoParam starts a call to the exported function name with no input.
func (p *Prototype) RunNoParam(name string) (*Instance, error) {
	pc, ok := p.module.Export(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryPointNotFound, name)
	}

	heapSize := p.heapPages * sbpf.HeapPageSize
	vm := sbpf.NewInterpreter(p.module.Program(), pc, nil, sbpf.InterpreterOpts{
		HeapSize:       heapSize,
		MaxCU:          p.opts.computeLimit,
		IsHostFunction: syscall.IsHostFunction,
	})

	inst := &Instance{
		proto: p,
		vm:    vm,
		heap:  newAllocator(heapSize),
	}
	inst.state = ReadyToRun{inst: inst}
	return inst, nil
}

// Instance is one call in progress. It is not safe for concurrent use.
type Instance struct {
	proto *Prototype
	vm    *sbpf.Interpreter
	heap  *allocator

	state    State
	gen      uint64
	consumed bool
}

// State returns the current execution state.
func (inst *Instance) State() State {
	if inst.consumed {
		return Trapped{Err: ErrInstanceConsumed}
	}
	return inst.state
}

// ComputeUsed returns the compute units consumed so far, or zero when the
// call is unmetered.
func (inst *Instance) ComputeUsed() uint64 {
	if inst.consumed {
		return 0
	}
	m := inst.vm.ComputeMeter()
	return m.Limit() - m.Remaining()
}

// IntoPrototype abandons the call and returns the prototype it was started
// from. The instance cannot be used afterwards.
func (inst *Instance) IntoPrototype() (*Prototype, error) {
	if inst.consumed {
		return nil, ErrInstanceConsumed
	}
	inst.consumed = true
	inst.gen++
	inst.vm = nil
	return inst.proto, nil
}

// transition moves to st and invalidates previously observed states.
func (inst *Instance) transition(st State) State {
	inst.gen++
	inst.state = st
	return st
}

// check panics if a state value is not the instance's current one.
func (inst *Instance) check(gen uint64) {
	if inst.consumed {
		panic("executor: state used after IntoPrototype")
	}
	if gen != inst.gen {
		panic("executor: stale state")
	}
}

// advance runs the VM until it finishes, traps, or calls a host function
// the embedder has to see.
func (inst *Instance) advance() State {
	for {
		status, err := inst.vm.Run()
		if err != nil {
			return inst.transition(Trapped{Err: err})
		}

		switch status {
		case sbpf.StatusFinished:
			out, err := inst.output()
			if err != nil {
				return inst.transition(Trapped{Err: err})
			}
			return inst.transition(Finished{Output: out})

		case sbpf.StatusTrapped:
			return inst.transition(Trapped{Err: inst.vm.Trap()})
		}

		call, _ := inst.vm.PendingHostCall()
		fn, ok := syscall.Lookup(call.Hash)
		if !ok {
			err := fmt.Errorf("%w: 0x%08x", ErrUnknownImport, call.Hash)
			inst.vm.Abort(err)
			return inst.transition(Trapped{Err: err})
		}

		switch fn.Kind {
		case syscall.KindInternal:
			r0, err := inst.serviceInternal(fn, call.Args)
			if err != nil {
				err = fmt.Errorf("%s: %w", fn.Name, err)
				inst.vm.Abort(err)
				return inst.transition(Trapped{Err: err})
			}
			if err := inst.vm.Resume(r0); err != nil {
				return inst.transition(Trapped{Err: err})
			}

		case syscall.KindLog:
			log, err := syscall.DecodeLog(inst.vm, fn, call.Args)
			if err != nil {
				err = fmt.Errorf("%s: %w", fn.Name, err)
				inst.vm.Abort(err)
				return inst.transition(Trapped{Err: err})
			}
			inst.gen++
			st := LogEmit{
				Level:   log.Level,
				Target:  log.Target,
				Message: log.Message,
				inst:    inst,
				gen:     inst.gen,
			}
			inst.state = st
			return st

		default:
			return inst.transition(ExternalityCall{Name: fn.Name, Args: call.Args})
		}
	}
}

func (inst *Instance) serviceInternal(fn syscall.Function, args [5]uint64) (uint64, error) {
	switch fn.Name {
	case syscall.AllocatorMalloc:
		return inst.heap.malloc(args[0])
	case syscall.AllocatorFree:
		return 0, nil
	case syscall.LoggingMaxLevel:
		return uint64(syscall.LevelTrace), nil
	default:
		return 0, fmt.Errorf("no internal implementation for %s", fn.Name)
	}
}

// output resolves the fat pointer in r0: low 32 bits are the heap offset,
// high 32 bits the length.
func (inst *Instance) output() ([]byte, error) {
	r0 := inst.vm.ReturnValue()
	off := r0 & 0xFFFFFFFF
	n := r0 >> 32

	if off+n > inst.vm.HeapSize() {
		return nil, fmt.Errorf("%w: offset %d length %d heap %d", ErrInvalidOutput, off, n, inst.vm.HeapSize())
	}
	mem, err := inst.vm.Translate(sbpf.VaddrHeap+off, n, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}

	out := make([]byte, n)
	copy(out, mem)
	return out, nil
}
