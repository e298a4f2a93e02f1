// Package metadata retrieves the metadata a runtime describes itself with.
//
// The runtime is asked through its Metadata_metadata entry point. The call
// may log but any other host function aborts it. The runtime returns its
// metadata behind a SCALE compact length prefix, which is checked against
// the output size and stripped.
package metadata

import (
	"errors"
	"fmt"

	"github.com/fortiblox/stratus-metadata/pkg/scale"
	"github.com/fortiblox/stratus-metadata/pkg/svm/executor"
)

// EntryPoint is the runtime function that returns the metadata.
const EntryPoint = "Metadata_metadata"

// Errors.
var (
	ErrVMInitialization      = errors.New("virtual machine initialization failed")
	ErrTrapped               = errors.New("runtime trapped while producing metadata")
	ErrExternalityNotAllowed = errors.New("runtime called a host function other than logging")
	ErrBadLengthPrefix       = errors.New("metadata length prefix does not match its size")
)

// InitError reports that the runtime could not be prepared or started.
// errors.Is(err, ErrVMInitialization) holds for every InitError.
type InitError struct {
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("%v: %v", ErrVMInitialization, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// Is matches ErrVMInitialization.
func (e *InitError) Is(target error) bool {
	return target == ErrVMInitialization
}

// Option configures a metadata call.
type Option func(*config)

type config struct {
	onLog    func(executor.LogEmit)
	execOpts []executor.Option
}

// WithLogHandler passes every log the runtime emits to fn before the log
// call is resolved. Without it logs are discarded.
func WithLogHandler(fn func(executor.LogEmit)) Option {
	return func(c *config) { c.onLog = fn }
}

// WithExecutorOptions configures the prototype FromRuntimeCode creates.
func WithExecutorOptions(opts ...executor.Option) Option {
	return func(c *config) { c.execOpts = append(c.execOpts, opts...) }
}

func newConfig(opts []Option) config {
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// FromRuntimeCode returns the metadata of a runtime, given its code and the
// number of heap pages to run it with.
func FromRuntimeCode(code []byte, heapPages uint64, opts ...Option) ([]byte, error) {
	c := newConfig(opts)
	proto, err := executor.NewPrototype(code, heapPages, c.execOpts...)
	if err != nil {
		return nil, &InitError{Err: err}
	}
	out, _, err := fromPrototype(proto, c)
	return out, err
}

// FromPrototype returns the metadata of an already loaded runtime. On
// success the prototype is handed back for further calls.
func FromPrototype(proto *executor.Prototype, opts ...Option) ([]byte, *executor.Prototype, error) {
	return fromPrototype(proto, newConfig(opts))
}

func fromPrototype(proto *executor.Prototype, c config) ([]byte, *executor.Prototype, error) {
	inst, err := proto.RunNoParam(EntryPoint)
	if err != nil {
		return nil, nil, &InitError{Err: err}
	}

	st := inst.State()
	for {
		switch s := st.(type) {
		case executor.ReadyToRun:
			st = s.Run()

		case executor.Finished:
			out, err := RemoveLengthPrefix(s.Output)
			if err != nil {
				return nil, nil, err
			}
			back, err := inst.IntoPrototype()
			if err != nil {
				return nil, nil, err
			}
			return out, back, nil

		case executor.Trapped:
			return nil, nil, fmt.Errorf("%w: %w", ErrTrapped, s.Err)

		case executor.LogEmit:
			if c.onLog != nil {
				c.onLog(s)
			}
			st = s.Resolve()

		case executor.ExternalityCall:
			return nil, nil, fmt.Errorf("%w: %s", ErrExternalityNotAllowed, s.Name)

		default:
			return nil, nil, fmt.Errorf("%w: unexpected state %T", ErrExternalityNotAllowed, s)
		}
	}
}

// RemoveLengthPrefix checks that raw is a compact length followed by
// exactly that many bytes, and returns a copy of those bytes.
func RemoveLengthPrefix(raw []byte) ([]byte, error) {
	n, prefixLen, err := scale.DecodeCompact(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadLengthPrefix, err)
	}

	body := raw[prefixLen:]
	if n != uint64(len(body)) {
		return nil, fmt.Errorf("%w: prefix says %d bytes, %d follow", ErrBadLengthPrefix, n, len(body))
	}

	out := make([]byte, len(body))
	copy(out, body)
	return out, nil
}
