// Package sbpf implements the register virtual machine that executes runtime
// code.
//
// The machine has 11 64-bit registers (R0-R10), where R10 is a read-only
// frame pointer. The instruction set is eBPF with the Solana sBPF extensions.
//
// Unlike a run-to-completion interpreter, execution here is resumable: Run
// returns whenever the program finishes, traps, or calls a host function.
// The embedder services the host call and calls Resume before running again.
//
// Memory is organized into four regions:
// - Program (0x100000000): Read-only data
// - Stack   (0x200000000): Read-write stack frames
// - Heap    (0x300000000): Read-write heap memory
// - Input   (0x400000000): Read-only input parameters
package sbpf

import (
	"errors"
	"fmt"
)

// Virtual memory region base addresses.
const (
	VaddrProgram = uint64(0x1_0000_0000) // Read-only program data
	VaddrStack   = uint64(0x2_0000_0000) // Stack memory
	VaddrHeap    = uint64(0x3_0000_0000) // Heap memory
	VaddrInput   = uint64(0x4_0000_0000) // Input parameters
)

// Stack and heap constants.
const (
	StackFrameSize = 4096 // 4 KB per frame
	StackDepth     = 64   // Max call depth
	StackGap       = 4096 // Gap between frames

	HeapPageSize = 32 * 1024 // Heap is allocated in 32 KB pages
	MaxHeapPages = 1024      // 32 MB max heap
)

// Errors.
var (
	ErrComputeExceeded     = errors.New("compute budget exceeded")
	ErrInvalidMemoryAccess = errors.New("invalid memory access")
	ErrInvalidInstruction  = errors.New("invalid instruction")
	ErrCallDepthExceeded   = errors.New("call depth exceeded")
	ErrDivisionByZero      = errors.New("division by zero")
	ErrUnknownFunction     = errors.New("unknown function")
	ErrPanic               = errors.New("vm panic")
	ErrNotRunnable         = errors.New("interpreter is not ready to run")
	ErrNoHostCall          = errors.New("no host call pending")
)

// sBPF instruction costs.
const (
	CostALU   = uint64(1)  // Simple ALU operations
	CostMul   = uint64(4)  // Multiplication
	CostDiv   = uint64(12) // Division/modulo
	CostLoad  = uint64(2)  // Memory load
	CostStore = uint64(2)  // Memory store
	CostLddw  = uint64(2)  // 64-bit immediate load
	CostJump  = uint64(1)  // Jump instructions
	CostCall  = uint64(5)  // Function calls
	CostExit  = uint64(1)  // Exit/return
)

// instructionCost returns the compute cost for an opcode.
func instructionCost(op uint8) uint64 {
	switch op & 0x07 {
	case ClassAlu, ClassAlu64:
		switch op & 0xF0 {
		case AluMul:
			return CostMul
		case AluDiv, AluMod:
			return CostDiv
		default:
			return CostALU
		}

	case ClassLd, ClassLdx:
		if op == OpLddw {
			return CostLddw
		}
		return CostLoad

	case ClassSt, ClassStx:
		return CostStore

	case ClassJmp, ClassJmp32:
		switch op & 0xF0 {
		case JmpCall:
			return CostCall
		case JmpExit:
			return CostExit
		default:
			return CostJump
		}

	default:
		return CostALU
	}
}

// Memory is the view of guest memory handed to host function implementations.
type Memory interface {
	Read(addr uint64, p []byte) error
	Write(addr uint64, p []byte) error
	Translate(addr uint64, size uint64, write bool) ([]byte, error)
}

// ComputeMeter tracks compute unit consumption.
// A meter with a zero limit never runs out.
type ComputeMeter struct {
	remaining uint64
	limit     uint64
}

// NewComputeMeter creates a new compute meter.
func NewComputeMeter(limit uint64) *ComputeMeter {
	return &ComputeMeter{
		remaining: limit,
		limit:     limit,
	}
}

// Consume attempts to consume compute units.
func (cm *ComputeMeter) Consume(cost uint64) error {
	if cm.limit == 0 {
		return nil
	}
	if cm.remaining < cost {
		cm.remaining = 0
		return ErrComputeExceeded
	}
	cm.remaining -= cost
	return nil
}

// Remaining returns remaining compute units.
func (cm *ComputeMeter) Remaining() uint64 {
	return cm.remaining
}

// Limit returns the configured limit, zero when unmetered.
func (cm *ComputeMeter) Limit() uint64 {
	return cm.limit
}

// Status is the execution status of an interpreter.
type Status uint8

const (
	// StatusReady means the next Run executes instructions.
	StatusReady Status = iota
	// StatusHostCall means the program called a host function and waits
	// for Resume.
	StatusHostCall
	// StatusFinished means the outermost frame exited.
	StatusFinished
	// StatusTrapped means execution faulted and cannot continue.
	StatusTrapped
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusHostCall:
		return "host-call"
	case StatusFinished:
		return "finished"
	case StatusTrapped:
		return "trapped"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// HostCall is a pending call from the program into the host.
// Arguments are r1-r5 at the time of the call.
type HostCall struct {
	Hash uint32
	Args [5]uint64
}

// Program represents a loaded sBPF program.
type Program struct {
	Text      []uint64          // Instructions
	RO        []byte            // Read-only data
	Functions map[uint32]uint64 // Function registry: hash -> PC offset
}

// InterpreterOpts configures the interpreter.
type InterpreterOpts struct {
	// HeapSize is the heap size in bytes, capped at MaxHeapPages pages.
	HeapSize uint64

	// MaxCU bounds execution. Zero disables metering.
	MaxCU uint64

	// IsHostFunction reports whether a call target hash names a host
	// function. Such calls suspend the interpreter with StatusHostCall.
	IsHostFunction func(hash uint32) bool
}

// Interpreter executes sBPF programs.
type Interpreter struct {
	// Program
	text      []uint64
	ro        []byte
	functions map[uint32]uint64

	// Memory
	stack *Stack
	heap  []byte
	input []byte

	// Registers and program counter
	regs [11]uint64
	pc   int64

	meter  *ComputeMeter
	isHost func(hash uint32) bool

	status  Status
	pending HostCall
	trap    error
}

// NewInterpreter prepares an interpreter positioned at entry, which is an
// instruction index into program.Text.
func NewInterpreter(program *Program, entry uint64, input []byte, opts InterpreterOpts) *Interpreter {
	heapSize := opts.HeapSize
	if heapSize > MaxHeapPages*HeapPageSize {
		heapSize = MaxHeapPages * HeapPageSize
	}

	isHost := opts.IsHostFunction
	if isHost == nil {
		isHost = func(uint32) bool { return false }
	}

	ip := &Interpreter{
		text:      program.Text,
		ro:        program.RO,
		functions: program.Functions,
		stack:     NewStack(),
		heap:      make([]byte, heapSize),
		input:     input,
		pc:        int64(entry),
		meter:     NewComputeMeter(opts.MaxCU),
		isHost:    isHost,
		status:    StatusReady,
	}
	ip.regs[1] = VaddrInput
	ip.regs[10] = VaddrStack + StackFrameSize
	return ip
}

// Status returns the current execution status.
func (ip *Interpreter) Status() Status {
	return ip.status
}

// Trap returns the fault that stopped execution, or nil.
func (ip *Interpreter) Trap() error {
	return ip.trap
}

// PendingHostCall returns the host call waiting for Resume.
func (ip *Interpreter) PendingHostCall() (HostCall, bool) {
	return ip.pending, ip.status == StatusHostCall
}

// ReturnValue returns r0. Meaningful once the program has finished.
func (ip *Interpreter) ReturnValue() uint64 {
	return ip.regs[0]
}

// ComputeMeter returns the interpreter's compute meter.
func (ip *Interpreter) ComputeMeter() *ComputeMeter {
	return ip.meter
}

// HeapSize returns the heap size in bytes.
func (ip *Interpreter) HeapSize() uint64 {
	return uint64(len(ip.heap))
}

// Resume completes the pending host call with the given return value.
func (ip *Interpreter) Resume(r0 uint64) error {
	if ip.status != StatusHostCall {
		return ErrNoHostCall
	}
	ip.regs[0] = r0
	ip.pending = HostCall{}
	ip.status = StatusReady
	return nil
}

// Abort traps the interpreter on behalf of the host, typically because a
// host function could not be serviced.
func (ip *Interpreter) Abort(err error) {
	ip.fail(err)
}

func (ip *Interpreter) fail(err error) {
	ip.status = StatusTrapped
	ip.trap = err
	ip.pending = HostCall{}
}

// Run executes instructions until the program finishes, traps, or calls a
// host function. The only error returned is ErrNotRunnable; faults inside
// the program are reported through StatusTrapped and Trap.
func (ip *Interpreter) Run() (st Status, err error) {
	if ip.status != StatusReady {
		return ip.status, ErrNotRunnable
	}

	defer func() {
		if rec := recover(); rec != nil {
			ip.fail(fmt.Errorf("%w: %v", ErrPanic, rec))
			st, err = ip.status, nil
		}
	}()

	for ip.status == StatusReady {
		if fault := ip.step(); fault != nil {
			ip.fail(fault)
		}
	}
	return ip.status, nil
}

// step executes a single instruction.
func (ip *Interpreter) step() error {
	pc := ip.pc
	if pc < 0 || pc >= int64(len(ip.text)) {
		return fmt.Errorf("%w: program counter out of bounds: %d", ErrInvalidInstruction, pc)
	}

	ins := Instruction(ip.text[pc])
	op := ins.Op()

	if err := ip.meter.Consume(instructionCost(op)); err != nil {
		return err
	}

	// sBPF has 11 registers: R0-R10
	if ins.Dst() > 10 || ins.Src() > 10 {
		return fmt.Errorf("%w: invalid register index dst=%d src=%d", ErrInvalidInstruction, ins.Dst(), ins.Src())
	}

	ip.pc++

	switch op & 0x07 {
	case ClassAlu64:
		return ip.alu64(ins)
	case ClassAlu:
		return ip.alu32(ins)
	case ClassLd:
		return ip.lddw(ins)
	case ClassLdx:
		return ip.load(ins)
	case ClassSt, ClassStx:
		return ip.store(ins)
	default:
		return ip.jump(ins)
	}
}

func invalidOpcode(op uint8) error {
	return fmt.Errorf("%w: opcode 0x%02x", ErrInvalidInstruction, op)
}

func (ip *Interpreter) alu64(ins Instruction) error {
	op := ins.Op()
	if ins.Dst() == 10 {
		return fmt.Errorf("%w: cannot write to R10", ErrInvalidInstruction)
	}
	dst := &ip.regs[ins.Dst()]

	var v uint64
	switch {
	case op&SrcX != 0:
		v = ip.regs[ins.Src()]
	case op&0xF0 == AluDiv || op&0xF0 == AluMod:
		v = uint64(ins.Uimm())
	default:
		v = uint64(int64(ins.Imm()))
	}

	switch op & 0xF0 {
	case AluAdd:
		*dst += v
	case AluSub:
		*dst -= v
	case AluMul:
		*dst *= v
	case AluDiv:
		if v == 0 {
			return ErrDivisionByZero
		}
		*dst /= v
	case AluMod:
		if v == 0 {
			return ErrDivisionByZero
		}
		*dst %= v
	case AluOr:
		*dst |= v
	case AluAnd:
		*dst &= v
	case AluXor:
		*dst ^= v
	case AluLsh:
		*dst <<= v & 63
	case AluRsh:
		*dst >>= v & 63
	case AluArsh:
		*dst = uint64(int64(*dst) >> (v & 63))
	case AluMov:
		*dst = v
	case AluNeg:
		if op != OpNeg64 {
			return invalidOpcode(op)
		}
		*dst = uint64(-int64(*dst))
	default:
		return invalidOpcode(op)
	}
	return nil
}

func (ip *Interpreter) alu32(ins Instruction) error {
	op := ins.Op()
	if ins.Dst() == 10 {
		return fmt.Errorf("%w: cannot write to R10", ErrInvalidInstruction)
	}
	dst := &ip.regs[ins.Dst()]

	a := uint32(*dst)
	v := ins.Uimm()
	if op&SrcX != 0 {
		v = uint32(ip.regs[ins.Src()])
	}

	var res uint32
	switch op & 0xF0 {
	case AluAdd:
		res = a + v
	case AluSub:
		res = a - v
	case AluMul:
		res = a * v
	case AluDiv:
		if v == 0 {
			return ErrDivisionByZero
		}
		res = a / v
	case AluMod:
		if v == 0 {
			return ErrDivisionByZero
		}
		res = a % v
	case AluOr:
		res = a | v
	case AluAnd:
		res = a & v
	case AluXor:
		res = a ^ v
	case AluLsh:
		res = a << (v & 31)
	case AluRsh:
		res = a >> (v & 31)
	case AluArsh:
		res = uint32(int32(a) >> (v & 31))
	case AluMov:
		res = v
	case AluNeg:
		if op != OpNeg32 {
			return invalidOpcode(op)
		}
		res = uint32(-int32(a))
	default:
		return invalidOpcode(op)
	}
	*dst = uint64(res)
	return nil
}

// lddw loads a 64-bit immediate spread over two instruction slots.
func (ip *Interpreter) lddw(ins Instruction) error {
	if ins.Op() != OpLddw {
		return invalidOpcode(ins.Op())
	}
	if ip.pc >= int64(len(ip.text)) {
		return fmt.Errorf("%w: incomplete lddw at pc %d", ErrInvalidInstruction, ip.pc-1)
	}
	if ins.Dst() == 10 {
		return fmt.Errorf("%w: cannot write to R10", ErrInvalidInstruction)
	}
	next := Instruction(ip.text[ip.pc])
	ip.regs[ins.Dst()] = uint64(ins.Uimm()) | uint64(next.Uimm())<<32
	ip.pc++
	return nil
}

func (ip *Interpreter) load(ins Instruction) error {
	size, ok := accessSize(ins.Op())
	if !ok {
		return invalidOpcode(ins.Op())
	}
	if ins.Dst() == 10 {
		return fmt.Errorf("%w: cannot write to R10", ErrInvalidInstruction)
	}
	val, err := ip.ReadUint(ip.regs[ins.Src()]+uint64(ins.Off()), size)
	if err != nil {
		return err
	}
	ip.regs[ins.Dst()] = val
	return nil
}

func (ip *Interpreter) store(ins Instruction) error {
	size, ok := accessSize(ins.Op())
	if !ok {
		return invalidOpcode(ins.Op())
	}
	val := uint64(int64(ins.Imm()))
	if ins.Op()&0x07 == ClassStx {
		val = ip.regs[ins.Src()]
	}
	return ip.WriteUint(ip.regs[ins.Dst()]+uint64(ins.Off()), size, val)
}

// accessSize decodes the width of a MEM-mode load or store.
func accessSize(op uint8) (uint64, bool) {
	if op&0xe0 != ModeMem {
		return 0, false
	}
	switch op & 0x18 {
	case SizeW:
		return 4, true
	case SizeH:
		return 2, true
	case SizeB:
		return 1, true
	default:
		return 8, true
	}
}

func (ip *Interpreter) jump(ins Instruction) error {
	op := ins.Op()
	switch op {
	case OpJa:
		ip.pc += int64(ins.Off())
		return nil
	case OpCall:
		return ip.call(ins)
	case OpExit:
		return ip.exit()
	}

	a := ip.regs[ins.Dst()]
	b := uint64(int64(ins.Imm()))
	if op&SrcX != 0 {
		b = ip.regs[ins.Src()]
	}

	var (
		taken bool
		ok    bool
	)
	if op&0x07 == ClassJmp32 {
		taken, ok = compare32(op&0xF0, uint32(a), uint32(b))
	} else {
		taken, ok = compare64(op&0xF0, a, b)
	}
	if !ok {
		return invalidOpcode(op)
	}
	if taken {
		ip.pc += int64(ins.Off())
	}
	return nil
}

func compare64(cond uint8, a, b uint64) (taken, ok bool) {
	switch cond {
	case JmpJeq:
		return a == b, true
	case JmpJne:
		return a != b, true
	case JmpJgt:
		return a > b, true
	case JmpJge:
		return a >= b, true
	case JmpJlt:
		return a < b, true
	case JmpJle:
		return a <= b, true
	case JmpJset:
		return a&b != 0, true
	case JmpJsgt:
		return int64(a) > int64(b), true
	case JmpJsge:
		return int64(a) >= int64(b), true
	case JmpJslt:
		return int64(a) < int64(b), true
	case JmpJsle:
		return int64(a) <= int64(b), true
	default:
		return false, false
	}
}

func compare32(cond uint8, a, b uint32) (taken, ok bool) {
	switch cond {
	case JmpJsgt:
		return int32(a) > int32(b), true
	case JmpJsge:
		return int32(a) >= int32(b), true
	case JmpJslt:
		return int32(a) < int32(b), true
	case JmpJsle:
		return int32(a) <= int32(b), true
	default:
		return compare64(cond, uint64(a), uint64(b))
	}
}

// call dispatches a call instruction. Host functions take precedence over
// internal functions with the same hash.
func (ip *Interpreter) call(ins Instruction) error {
	hash := ins.Uimm()

	if ip.isHost(hash) {
		r := &ip.regs
		ip.pending = HostCall{
			Hash: hash,
			Args: [5]uint64{r[1], r[2], r[3], r[4], r[5]},
		}
		ip.status = StatusHostCall
		return nil
	}

	if target, ok := ip.functions[hash]; ok {
		if err := ip.stack.Push(ip.regs[:], ip.pc); err != nil {
			return err
		}
		ip.pc = int64(target)
		return nil
	}

	// With src == 1 the immediate is a relative offset.
	if ins.Src() == 1 {
		if err := ip.stack.Push(ip.regs[:], ip.pc); err != nil {
			return err
		}
		ip.pc += int64(ins.Imm())
		return nil
	}

	return fmt.Errorf("%w: 0x%08x", ErrUnknownFunction, hash)
}

func (ip *Interpreter) exit() error {
	retAddr, ok := ip.stack.Pop(ip.regs[:])
	if !ok {
		ip.status = StatusFinished
		return nil
	}
	ip.pc = retAddr
	return nil
}
