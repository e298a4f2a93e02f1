package sbpf

// Opcode layout follows eBPF: class in bits 0-2, source or size in bits 3-4,
// operation or mode in bits 4-7.

// Instruction class bits (bits 0-2).
const (
	ClassLd    = 0x00 // Load (lddw only)
	ClassLdx   = 0x01 // Load from memory
	ClassSt    = 0x02 // Store immediate
	ClassStx   = 0x03 // Store register
	ClassAlu   = 0x04 // 32-bit ALU
	ClassJmp   = 0x05 // 64-bit jump
	ClassJmp32 = 0x06 // 32-bit jump
	ClassAlu64 = 0x07 // 64-bit ALU
)

// Source bits (bit 3).
const (
	SrcK = 0x00 // Immediate
	SrcX = 0x08 // Register
)

// ALU operation codes (bits 4-7).
const (
	AluAdd  = 0x00
	AluSub  = 0x10
	AluMul  = 0x20
	AluDiv  = 0x30
	AluOr   = 0x40
	AluAnd  = 0x50
	AluLsh  = 0x60
	AluRsh  = 0x70
	AluNeg  = 0x80
	AluMod  = 0x90
	AluXor  = 0xa0
	AluMov  = 0xb0
	AluArsh = 0xc0
)

// Memory size (bits 3-4 for load/store).
const (
	SizeW  = 0x00 // 32-bit word
	SizeH  = 0x08 // 16-bit half-word
	SizeB  = 0x10 // 8-bit byte
	SizeDW = 0x18 // 64-bit double-word
)

// ModeMem is the only executable load/store mode. The legacy packet modes
// are rejected.
const ModeMem = 0x60

// Jump operation codes (bits 4-7).
const (
	JmpJa   = 0x00 // Unconditional
	JmpJeq  = 0x10 // ==
	JmpJgt  = 0x20 // > (unsigned)
	JmpJge  = 0x30 // >= (unsigned)
	JmpJset = 0x40 // &
	JmpJne  = 0x50 // !=
	JmpJsgt = 0x60 // > (signed)
	JmpJsge = 0x70 // >= (signed)
	JmpCall = 0x80 // Function call
	JmpExit = 0x90 // Exit
	JmpJlt  = 0xa0 // < (unsigned)
	JmpJle  = 0xb0 // <= (unsigned)
	JmpJslt = 0xc0 // < (signed)
	JmpJsle = 0xd0 // <= (signed)
)

// Opcodes the loader, interpreter and test programs refer to by name.
// Everything else is decoded from its fields.
const (
	OpLddw = ClassLd | SizeDW

	OpLdxb  = ClassLdx | ModeMem | SizeB
	OpLdxdw = ClassLdx | ModeMem | SizeDW
	OpStb   = ClassSt | ModeMem | SizeB
	OpStdw  = ClassSt | ModeMem | SizeDW
	OpStxb  = ClassStx | ModeMem | SizeB
	OpStxdw = ClassStx | ModeMem | SizeDW

	OpAdd64Imm  = ClassAlu64 | SrcK | AluAdd
	OpAdd64Reg  = ClassAlu64 | SrcX | AluAdd
	OpSub64Imm  = ClassAlu64 | SrcK | AluSub
	OpMul64Imm  = ClassAlu64 | SrcK | AluMul
	OpMul64Reg  = ClassAlu64 | SrcX | AluMul
	OpDiv64Imm  = ClassAlu64 | SrcK | AluDiv
	OpOr64Imm   = ClassAlu64 | SrcK | AluOr
	OpOr64Reg   = ClassAlu64 | SrcX | AluOr
	OpAnd64Imm  = ClassAlu64 | SrcK | AluAnd
	OpLsh64Imm  = ClassAlu64 | SrcK | AluLsh
	OpRsh64Imm  = ClassAlu64 | SrcK | AluRsh
	OpNeg64     = ClassAlu64 | AluNeg
	OpMod64Imm  = ClassAlu64 | SrcK | AluMod
	OpXor64Imm  = ClassAlu64 | SrcK | AluXor
	OpMov64Imm  = ClassAlu64 | SrcK | AluMov
	OpMov64Reg  = ClassAlu64 | SrcX | AluMov
	OpArsh64Imm = ClassAlu64 | SrcK | AluArsh

	OpAdd32Imm = ClassAlu | SrcK | AluAdd
	OpNeg32    = ClassAlu | AluNeg
	OpMod32Reg = ClassAlu | SrcX | AluMod
	OpMov32Imm = ClassAlu | SrcK | AluMov
	OpMov32Reg = ClassAlu | SrcX | AluMov

	OpJa       = ClassJmp | JmpJa
	OpJeqImm   = ClassJmp | SrcK | JmpJeq
	OpJgeImm   = ClassJmp | SrcK | JmpJge
	OpJltReg   = ClassJmp | SrcX | JmpJlt
	OpJsltImm  = ClassJmp | SrcK | JmpJslt
	OpJeq32Imm = ClassJmp32 | SrcK | JmpJeq
	OpCall     = ClassJmp | JmpCall
	OpExit     = ClassJmp | JmpExit
)

// Instruction extracts fields from an encoded instruction.
type Instruction uint64

// Op returns the opcode (bits 0-7).
func (i Instruction) Op() uint8 {
	return uint8(i & 0xFF)
}

// Dst returns the destination register (bits 8-11).
func (i Instruction) Dst() uint8 {
	return uint8((i >> 8) & 0x0F)
}

// Src returns the source register (bits 12-15).
func (i Instruction) Src() uint8 {
	return uint8((i >> 12) & 0x0F)
}

// Off returns the offset (bits 16-31, signed).
func (i Instruction) Off() int16 {
	return int16(i >> 16)
}

// Imm returns the immediate value (bits 32-63, signed).
func (i Instruction) Imm() int32 {
	return int32(i >> 32)
}

// Uimm returns the immediate value as unsigned.
func (i Instruction) Uimm() uint32 {
	return uint32(i >> 32)
}

// Encode creates an instruction from its components.
func Encode(op uint8, dst, src uint8, off int16, imm int32) uint64 {
	return uint64(op) |
		uint64(dst&0x0F)<<8 |
		uint64(src&0x0F)<<12 |
		uint64(uint16(off))<<16 |
		uint64(uint32(imm))<<32
}

// EncodeLddw returns the two instruction slots loading the 64-bit value v
// into dst.
func EncodeLddw(dst uint8, v uint64) [2]uint64 {
	return [2]uint64{
		Encode(OpLddw, dst, 0, 0, int32(uint32(v))),
		Encode(0, 0, 0, 0, int32(uint32(v>>32))),
	}
}

// EncodeCall returns a call instruction whose target is the function or
// host function identified by hash.
func EncodeCall(hash uint32) uint64 {
	return Encode(OpCall, 0, 0, 0, int32(hash))
}
