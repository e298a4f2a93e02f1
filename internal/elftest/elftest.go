// Package elftest assembles small sBPF ELF objects for tests.
package elftest

import (
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/stratus-metadata/pkg/svm/sbpf"
	"github.com/fortiblox/stratus-metadata/pkg/svm/syscall"
)

// Machine types.
const (
	MachineBPF  = 247
	MachineSBPF = 263
)

// Import emits a call to an undefined symbol, resolved as a host function.
type Import string

// Call emits a call to a function defined in the same builder.
type Call string

// LoadRO emits an lddw of the program-region address of .rodata[Off] into
// register Dst.
type LoadRO struct {
	Dst uint8
	Off uint64
}

type function struct {
	name  string
	pc    uint64
	local bool
}

type reloc struct {
	off     uint64
	typ     uint32
	sym     string
	rodata  bool
	defined bool
}

// Builder accumulates code and data for one ELF object.
type Builder struct {
	Machine uint16

	text    []uint64
	ro      []byte
	funcs   []function
	relocs  []reloc
	imports []string
}

// New returns a builder for an eBPF machine object.
func New() *Builder {
	return &Builder{Machine: MachineBPF}
}

// Rodata appends data to .rodata and returns its offset.
func (b *Builder) Rodata(data []byte) uint64 {
	off := uint64(len(b.ro))
	b.ro = append(b.ro, data...)
	return off
}

// Func appends an exported function.
func (b *Builder) Func(name string, code ...any) *Builder {
	return b.addFunc(name, false, code)
}

// LocalFunc appends a function with local binding.
func (b *Builder) LocalFunc(name string, code ...any) *Builder {
	return b.addFunc(name, true, code)
}

func (b *Builder) addFunc(name string, local bool, code []any) *Builder {
	b.funcs = append(b.funcs, function{name: name, pc: uint64(len(b.text)), local: local})
	b.emit(code)
	return b
}

func (b *Builder) emit(code []any) {
	for _, item := range code {
		switch v := item.(type) {
		case uint64:
			b.text = append(b.text, v)
		case [2]uint64:
			b.text = append(b.text, v[0], v[1])
		case []uint64:
			b.text = append(b.text, v...)
		case []any:
			b.emit(v)
		case Import:
			b.relocs = append(b.relocs, reloc{off: b.pc(), typ: 10, sym: string(v)})
			b.text = append(b.text, sbpf.Encode(sbpf.OpCall, 0, 0, 0, 0))
			b.addImport(string(v))
		case Call:
			b.relocs = append(b.relocs, reloc{off: b.pc(), typ: 10, sym: string(v), defined: true})
			b.text = append(b.text, sbpf.Encode(sbpf.OpCall, 0, 0, 0, 0))
		case LoadRO:
			b.relocs = append(b.relocs, reloc{off: b.pc(), typ: 1, rodata: true})
			lddw := sbpf.EncodeLddw(v.Dst, v.Off)
			b.text = append(b.text, lddw[0], lddw[1])
		default:
			panic(fmt.Sprintf("elftest: unsupported code item %T", item))
		}
	}
}

func (b *Builder) pc() uint64 {
	return uint64(len(b.text)) * 8
}

func (b *Builder) addImport(name string) {
	for _, n := range b.imports {
		if n == name {
			return
		}
	}
	b.imports = append(b.imports, name)
}

// Section indices in the emitted object.
const (
	secText = 1 + iota
	secRodata
	secSymtab
	secStrtab
	secRelText
	secShstrtab
	numSections
)

// Bytes serializes the object.
func (b *Builder) Bytes() []byte {
	var strtab stringTable
	strtab.add("")

	// Symbol 0 is null, 1 is the .rodata section symbol, then local
	// functions, then global functions and imports.
	symtab := make([]byte, 2*24, 24*(2+len(b.funcs)+len(b.imports)))
	binary.LittleEndian.PutUint16(symtab[24+6:], secRodata)
	symtab[24+4] = 0x03 // local section

	index := make(map[string]int)
	addSym := func(name string, info uint8, shndx uint16, value uint64) {
		var e [24]byte
		binary.LittleEndian.PutUint32(e[0:], strtab.add(name))
		e[4] = info
		binary.LittleEndian.PutUint16(e[6:], shndx)
		binary.LittleEndian.PutUint64(e[8:], value)
		index[name] = len(symtab) / 24
		symtab = append(symtab, e[:]...)
	}
	for _, fn := range b.funcs {
		if fn.local {
			addSym(fn.name, 0x02, secText, fn.pc*8)
		}
	}
	firstGlobal := len(symtab) / 24
	for _, fn := range b.funcs {
		if !fn.local {
			addSym(fn.name, 0x12, secText, fn.pc*8)
		}
	}
	for _, name := range b.imports {
		if _, ok := index[name]; !ok {
			addSym(name, 0x10, 0, 0)
		}
	}

	rel := make([]byte, 0, 16*len(b.relocs))
	for _, r := range b.relocs {
		sym := 1
		if !r.rodata {
			idx, ok := index[r.sym]
			if !ok {
				panic(fmt.Sprintf("elftest: call to undefined function %q", r.sym))
			}
			sym = idx
		}
		var e [16]byte
		binary.LittleEndian.PutUint64(e[0:], r.off)
		binary.LittleEndian.PutUint64(e[8:], uint64(sym)<<32|uint64(r.typ))
		rel = append(rel, e[:]...)
	}

	text := make([]byte, 8*len(b.text))
	for i, ins := range b.text {
		binary.LittleEndian.PutUint64(text[i*8:], ins)
	}

	var shstrtab stringTable
	shstrtab.add("")
	type section struct {
		name    string
		typ     uint32
		flags   uint64
		data    []byte
		link    uint32
		info    uint32
		entSize uint64
	}
	sections := [numSections]section{
		secText:     {name: ".text", typ: 1, flags: 0x6, data: text},
		secRodata:   {name: ".rodata", typ: 1, flags: 0x2, data: b.ro},
		secSymtab:   {name: ".symtab", typ: 2, data: symtab, link: secStrtab, info: uint32(firstGlobal), entSize: 24},
		secStrtab:   {name: ".strtab", typ: 3},
		secRelText:  {name: ".rel.text", typ: 9, data: rel, link: secSymtab, info: secText, entSize: 16},
		secShstrtab: {name: ".shstrtab", typ: 3},
	}
	sections[secStrtab].data = strtab.bytes()
	nameOffs := make([]uint32, numSections)
	for i := 1; i < numSections; i++ {
		nameOffs[i] = shstrtab.add(sections[i].name)
	}
	sections[secShstrtab].data = shstrtab.bytes()

	out := make([]byte, 64)
	offsets := make([]uint64, numSections)
	for i := 1; i < numSections; i++ {
		for len(out)%8 != 0 {
			out = append(out, 0)
		}
		offsets[i] = uint64(len(out))
		out = append(out, sections[i].data...)
	}
	for len(out)%8 != 0 {
		out = append(out, 0)
	}
	shoff := uint64(len(out))

	for i := 0; i < numSections; i++ {
		var sh [64]byte
		if i > 0 {
			s := sections[i]
			binary.LittleEndian.PutUint32(sh[0:], nameOffs[i])
			binary.LittleEndian.PutUint32(sh[4:], s.typ)
			binary.LittleEndian.PutUint64(sh[8:], s.flags)
			binary.LittleEndian.PutUint64(sh[24:], offsets[i])
			binary.LittleEndian.PutUint64(sh[32:], uint64(len(s.data)))
			binary.LittleEndian.PutUint32(sh[40:], s.link)
			binary.LittleEndian.PutUint32(sh[44:], s.info)
			binary.LittleEndian.PutUint64(sh[48:], 8)
			binary.LittleEndian.PutUint64(sh[56:], s.entSize)
		}
		out = append(out, sh[:]...)
	}

	copy(out[0:], []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	binary.LittleEndian.PutUint16(out[16:], 3) // ET_DYN
	binary.LittleEndian.PutUint16(out[18:], b.Machine)
	binary.LittleEndian.PutUint32(out[20:], 1)
	binary.LittleEndian.PutUint64(out[40:], shoff)
	binary.LittleEndian.PutUint16(out[52:], 64)
	binary.LittleEndian.PutUint16(out[58:], 64)
	binary.LittleEndian.PutUint16(out[60:], numSections)
	binary.LittleEndian.PutUint16(out[62:], secShstrtab)
	return out
}

type stringTable struct {
	buf []byte
}

func (s *stringTable) add(name string) uint32 {
	if name == "" && len(s.buf) > 0 {
		return 0
	}
	off := uint32(len(s.buf))
	s.buf = append(s.buf, name...)
	s.buf = append(s.buf, 0)
	return off
}

func (s *stringTable) bytes() []byte {
	return s.buf
}

// Instruction shorthands.

// Mov64 loads a sign-extended immediate into dst.
func Mov64(dst uint8, imm int32) uint64 { return sbpf.Encode(sbpf.OpMov64Imm, dst, 0, 0, imm) }

// MovReg copies src into dst.
func MovReg(dst, src uint8) uint64 { return sbpf.Encode(sbpf.OpMov64Reg, dst, src, 0, 0) }

// Exit returns from the current function.
func Exit() uint64 { return sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0) }

// Return emits code that allocates len(data) heap bytes, copies data from
// .rodata into them and exits with the fat pointer to the copy in r0.
func (b *Builder) Return(data []byte) []any {
	off := b.Rodata(data)
	n := int32(len(data))
	return []any{
		Mov64(1, n),
		Import(syscall.AllocatorMalloc),
		MovReg(6, 0),
		LoadRO{Dst: 7, Off: off},
		Mov64(8, 0),
		// loop: copy one byte per iteration
		sbpf.Encode(sbpf.OpJgeImm, 8, 0, 8, n),
		MovReg(2, 7),
		sbpf.Encode(sbpf.OpAdd64Reg, 2, 8, 0, 0),
		sbpf.Encode(sbpf.OpLdxb, 3, 2, 0, 0),
		MovReg(2, 6),
		sbpf.Encode(sbpf.OpAdd64Reg, 2, 8, 0, 0),
		sbpf.Encode(sbpf.OpStxb, 2, 3, 0, 0),
		sbpf.Encode(sbpf.OpAdd64Imm, 8, 0, 0, 1),
		sbpf.Encode(sbpf.OpJa, 0, 0, -9, 0),
		// r0 = heap offset | len << 32
		sbpf.Encode(sbpf.OpMov32Reg, 0, 6, 0, 0),
		Mov64(1, n),
		sbpf.Encode(sbpf.OpLsh64Imm, 1, 0, 0, 32),
		sbpf.Encode(sbpf.OpOr64Reg, 0, 1, 0, 0),
		Exit(),
	}
}

// Log emits a call to ext_logging_log with strings placed in .rodata.
func (b *Builder) Log(level uint32, target, message string) []any {
	tOff := b.Rodata([]byte(target))
	mOff := b.Rodata([]byte(message))
	return []any{
		Mov64(1, int32(level)),
		LoadRO{Dst: 2, Off: tOff},
		Mov64(3, int32(len(target))),
		LoadRO{Dst: 4, Off: mOff},
		Mov64(5, int32(len(message))),
		Import(syscall.LoggingLog),
	}
}

// Print emits a call to ext_misc_print_utf8 with message placed in .rodata.
func (b *Builder) Print(message string) []any {
	off := b.Rodata([]byte(message))
	return []any{
		LoadRO{Dst: 1, Off: off},
		Mov64(2, int32(len(message))),
		Import(syscall.PrintUTF8),
	}
}

// Runtime returns runtime code exporting entry, which emits each log
// message at info level and then returns output.
func Runtime(entry string, output []byte, logs ...string) []byte {
	b := New()
	var code []any
	for _, msg := range logs {
		code = append(code, b.Log(syscall.LevelInfo, "runtime", msg))
	}
	code = append(code, b.Return(output))
	return b.Func(entry, code...).Bytes()
}
