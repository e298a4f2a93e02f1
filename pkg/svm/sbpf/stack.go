package sbpf

// Frame represents a call stack frame.
type Frame struct {
	FramePtr uint64    // Frame pointer (R10 value)
	NVRegs   [4]uint64 // Callee-saved registers (R6-R9)
	RetAddr  int64     // Return address (program counter)
}

// Stack manages the call stack. Frames are laid out StackFrameSize bytes
// apart in guest memory with a StackGap between them, so a frame overrun
// lands in an unmapped gap instead of the next frame.
type Stack struct {
	mem    []byte
	frames []Frame
}

// NewStack creates a new stack.
func NewStack() *Stack {
	return &Stack{
		mem:    make([]byte, StackFrameSize*StackDepth),
		frames: make([]Frame, 0, StackDepth),
	}
}

// Push saves the callee-saved registers and frame pointer from regs and
// moves R10 to the next frame.
func (s *Stack) Push(regs []uint64, retAddr int64) error {
	if len(s.frames) >= StackDepth-1 {
		return ErrCallDepthExceeded
	}

	frame := Frame{
		FramePtr: regs[10],
		RetAddr:  retAddr,
	}
	copy(frame.NVRegs[:], regs[6:10])
	s.frames = append(s.frames, frame)

	regs[10] += StackFrameSize + StackGap
	return nil
}

// Pop restores the registers saved by the matching Push. It returns false
// when no frame is left, which means the program is exiting.
func (s *Stack) Pop(regs []uint64) (int64, bool) {
	if len(s.frames) == 0 {
		return 0, false
	}

	frame := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]

	copy(regs[6:10], frame.NVRegs[:])
	regs[10] = frame.FramePtr

	return frame.RetAddr, true
}

// slice returns the backing memory for the stack offset addr, bounded to the
// frame it falls in. It returns nil for addresses in a gap or past the end.
func (s *Stack) slice(addr uint64) []byte {
	stride := uint64(StackFrameSize + StackGap)
	frameIdx := addr / stride
	offset := addr % stride
	if offset >= StackFrameSize || frameIdx >= StackDepth {
		return nil
	}
	base := frameIdx * StackFrameSize
	return s.mem[base+offset : base+StackFrameSize]
}

// Depth returns the current call depth.
func (s *Stack) Depth() int {
	return len(s.frames)
}
