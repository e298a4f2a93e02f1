// Package loader turns runtime code into a program the sBPF VM can execute.
//
// Runtime code is an ELF64 little-endian object for the BPF or sBPF machine,
// optionally zstd-compressed behind ZstdPrefix. The loader extracts:
// - .text as instruction words
// - .rodata, mapped read-only at sbpf.VaddrProgram
// - exported function symbols, by name and by murmur3 hash
// - imported host functions, from R_BPF_64_32 relocations against
//   undefined symbols
package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/stratus-metadata/pkg/svm/sbpf"
	"github.com/fortiblox/stratus-metadata/pkg/svm/syscall"
)

// ELF magic bytes.
var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

const (
	elfClass64 = 2 // 64-bit
	elfDataLSB = 1 // Little endian

	elfMachineBPF  = 247 // eBPF
	elfMachineSBPF = 263 // sBPF

	elfTypeRel  = 1 // Relocatable
	elfTypeExec = 2 // Executable
	elfTypeDyn  = 3 // Shared object
)

// Section types.
const (
	shtProgbits = 1  // Program data
	shtSymtab   = 2  // Symbol table
	shtRela     = 4  // Relocation with addend
	shtNobits   = 8  // .bss (no data in file)
	shtRel      = 9  // Relocation without addend
	shtDynsym   = 11 // Dynamic symbol table
)

// Symbol binding and type.
const (
	stbLocal = 0
	sttFunc  = 2
)

// Relocation types.
const (
	rBPF64_64    = 1  // lddw immediate
	rBPFRelative = 8  // lddw immediate relative to the program region
	rBPF64_32    = 10 // call immediate
)

const (
	headerSize = 64
	shdrSize   = 64
	symSize    = 24
	relSize    = 16
	relaSize   = 24
)

// Errors.
var (
	ErrInvalidELF         = errors.New("invalid ELF file")
	ErrUnsupportedClass   = errors.New("unsupported ELF class (expected 64-bit)")
	ErrUnsupportedEndian  = errors.New("unsupported endianness (expected little-endian)")
	ErrUnsupportedMachine = errors.New("unsupported machine type (expected BPF/sBPF)")
	ErrNoTextSection      = errors.New("no .text section found")
	ErrInvalidSection     = errors.New("invalid section")
	ErrRelocationFailed   = errors.New("relocation failed")
	ErrTooLarge           = errors.New("runtime code too large")
)

// Maximum sizes.
const (
	MaxELFSize      = 10 * 1024 * 1024 // 10 MB max ELF size
	MaxSections     = 256              // Max number of sections
	MaxSymbols      = 100000           // Max number of symbols
	MaxRelocations  = 100000           // Max number of relocations
	MaxInstructions = 1000000          // Max number of instructions
)

// Module is loaded runtime code.
type Module struct {
	// Text contains the program instructions.
	Text []uint64

	// RO contains read-only data (.rodata).
	RO []byte

	// Exports maps non-local function names to instruction indices.
	Exports map[string]uint64

	// Functions maps function name hashes to instruction indices.
	Functions map[uint32]uint64

	// Imports lists the hashes of undefined call targets, in order of
	// first reference.
	Imports []uint32
}

// Program returns the module as an sbpf.Program.
func (m *Module) Program() *sbpf.Program {
	return &sbpf.Program{
		Text:      m.Text,
		RO:        m.RO,
		Functions: m.Functions,
	}
}

// Export returns the instruction index of an exported function.
func (m *Module) Export(name string) (uint64, bool) {
	pc, ok := m.Exports[name]
	return pc, ok
}

type sectionHeader struct {
	name    string
	nameOff uint32
	typ     uint32
	addr    uint64
	offset  uint64
	size    uint64
	link    uint32
	info    uint32
	entSize uint64
}

type symbol struct {
	name  string
	info  uint8
	shndx uint16
	value uint64
}

func (s *symbol) isFunc() bool { return s.info&0xf == sttFunc }

func (s *symbol) isLocal() bool { return s.info>>4 == stbLocal }

type elfFile struct {
	data     []byte
	sections []sectionHeader
	textIdx  int
	rodIdx   int
	symbols  []symbol
}

// Load parses runtime code that has already been decompressed.
func Load(data []byte) (*Module, error) {
	if len(data) > MaxELFSize {
		return nil, ErrTooLarge
	}

	f := &elfFile{data: data, textIdx: -1, rodIdx: -1}
	if err := f.parseHeader(); err != nil {
		return nil, err
	}
	if f.textIdx < 0 {
		return nil, ErrNoTextSection
	}

	text, err := f.text()
	if err != nil {
		return nil, err
	}

	var ro []byte
	if f.rodIdx >= 0 {
		if ro, err = f.sectionData(&f.sections[f.rodIdx]); err != nil {
			return nil, err
		}
	}

	if err := f.parseSymbols(); err != nil {
		return nil, err
	}

	m := &Module{
		Text:      text,
		RO:        ro,
		Exports:   make(map[string]uint64),
		Functions: make(map[uint32]uint64),
	}

	textSec := &f.sections[f.textIdx]
	for i := range f.symbols {
		sym := &f.symbols[i]
		if !sym.isFunc() || int(sym.shndx) != f.textIdx || sym.name == "" {
			continue
		}
		off := sym.value
		if off >= textSec.addr {
			off -= textSec.addr
		}
		pc := off / 8
		if off%8 != 0 || pc >= uint64(len(text)) {
			return nil, fmt.Errorf("%w: function %s at 0x%x", ErrInvalidSection, sym.name, sym.value)
		}
		m.Functions[syscall.Hash(sym.name)] = pc
		if !sym.isLocal() {
			m.Exports[sym.name] = pc
		}
	}

	for i := range f.sections {
		sec := &f.sections[i]
		if sec.typ != shtRel && sec.typ != shtRela {
			continue
		}
		if err := f.relocate(sec, m); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (f *elfFile) parseHeader() error {
	data := f.data
	if len(data) < headerSize || !bytes.Equal(data[0:4], elfMagic) {
		return ErrInvalidELF
	}
	if data[4] != elfClass64 {
		return ErrUnsupportedClass
	}
	if data[5] != elfDataLSB {
		return ErrUnsupportedEndian
	}

	typ := binary.LittleEndian.Uint16(data[16:18])
	machine := binary.LittleEndian.Uint16(data[18:20])
	if machine != elfMachineBPF && machine != elfMachineSBPF {
		return ErrUnsupportedMachine
	}
	if typ != elfTypeRel && typ != elfTypeExec && typ != elfTypeDyn {
		return fmt.Errorf("%w: unsupported ELF type %d", ErrInvalidELF, typ)
	}

	shoff := binary.LittleEndian.Uint64(data[40:48])
	shentsize := binary.LittleEndian.Uint16(data[58:60])
	shnum := binary.LittleEndian.Uint16(data[60:62])
	shstrndx := binary.LittleEndian.Uint16(data[62:64])

	if shnum > MaxSections {
		return fmt.Errorf("%w: too many sections", ErrInvalidELF)
	}
	if shnum > 0 && shentsize < shdrSize {
		return fmt.Errorf("%w: section header size %d", ErrInvalidELF, shentsize)
	}
	if !inBounds(data, shoff, uint64(shentsize)*uint64(shnum)) {
		return fmt.Errorf("%w: section headers out of bounds", ErrInvalidELF)
	}

	f.sections = make([]sectionHeader, shnum)
	for i := range f.sections {
		b := data[shoff+uint64(i)*uint64(shentsize):]
		f.sections[i] = sectionHeader{
			nameOff: binary.LittleEndian.Uint32(b[0:4]),
			typ:     binary.LittleEndian.Uint32(b[4:8]),
			addr:    binary.LittleEndian.Uint64(b[16:24]),
			offset:  binary.LittleEndian.Uint64(b[24:32]),
			size:    binary.LittleEndian.Uint64(b[32:40]),
			link:    binary.LittleEndian.Uint32(b[40:44]),
			info:    binary.LittleEndian.Uint32(b[44:48]),
			entSize: binary.LittleEndian.Uint64(b[56:64]),
		}
	}

	if shnum == 0 {
		return nil
	}
	if int(shstrndx) >= len(f.sections) {
		return fmt.Errorf("%w: section name table index %d", ErrInvalidSection, shstrndx)
	}
	names, err := f.sectionData(&f.sections[shstrndx])
	if err != nil {
		return err
	}
	for i := range f.sections {
		sec := &f.sections[i]
		sec.name = cstring(names, sec.nameOff)
		switch sec.name {
		case ".text":
			f.textIdx = i
		case ".rodata":
			f.rodIdx = i
		}
	}
	return nil
}

// sectionData returns a copy of a section's contents.
func (f *elfFile) sectionData(sec *sectionHeader) ([]byte, error) {
	if sec.typ == shtNobits {
		if sec.size > MaxELFSize {
			return nil, ErrTooLarge
		}
		return make([]byte, sec.size), nil
	}
	if !inBounds(f.data, sec.offset, sec.size) {
		return nil, fmt.Errorf("%w: %s out of bounds", ErrInvalidSection, sec.name)
	}
	out := make([]byte, sec.size)
	copy(out, f.data[sec.offset:sec.offset+sec.size])
	return out, nil
}

func (f *elfFile) text() ([]uint64, error) {
	raw, err := f.sectionData(&f.sections[f.textIdx])
	if err != nil {
		return nil, err
	}
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("%w: text section not aligned", ErrInvalidSection)
	}
	n := len(raw) / 8
	if n > MaxInstructions {
		return nil, fmt.Errorf("%w: %d instructions", ErrTooLarge, n)
	}

	text := make([]uint64, n)
	for i := range text {
		text[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return text, nil
}

// parseSymbols reads .symtab, falling back to .dynsym.
func (f *elfFile) parseSymbols() error {
	var symtab *sectionHeader
	for i := range f.sections {
		sec := &f.sections[i]
		if sec.typ == shtSymtab {
			symtab = sec
			break
		}
		if sec.typ == shtDynsym && symtab == nil {
			symtab = sec
		}
	}
	if symtab == nil {
		return nil
	}

	if int(symtab.link) >= len(f.sections) {
		return fmt.Errorf("%w: symbol string table index %d", ErrInvalidSection, symtab.link)
	}
	strtab, err := f.sectionData(&f.sections[symtab.link])
	if err != nil {
		return err
	}
	raw, err := f.sectionData(symtab)
	if err != nil {
		return err
	}

	entSize := symtab.entSize
	if entSize == 0 {
		entSize = symSize
	}
	if entSize < symSize {
		return fmt.Errorf("%w: symbol entry size %d", ErrInvalidSection, entSize)
	}
	n := uint64(len(raw)) / entSize
	if n > MaxSymbols {
		return fmt.Errorf("%w: too many symbols", ErrInvalidELF)
	}

	f.symbols = make([]symbol, n)
	for i := range f.symbols {
		b := raw[uint64(i)*entSize:]
		f.symbols[i] = symbol{
			name:  cstring(strtab, binary.LittleEndian.Uint32(b[0:4])),
			info:  b[4],
			shndx: binary.LittleEndian.Uint16(b[6:8]),
			value: binary.LittleEndian.Uint64(b[8:16]),
		}
	}
	return nil
}

// relocate applies one relocation section to the module's text.
func (f *elfFile) relocate(sec *sectionHeader, m *Module) error {
	raw, err := f.sectionData(sec)
	if err != nil {
		return err
	}

	entSize := sec.entSize
	if entSize == 0 {
		entSize = relSize
		if sec.typ == shtRela {
			entSize = relaSize
		}
	}
	if entSize < relSize || (sec.typ == shtRela && entSize < relaSize) {
		return fmt.Errorf("%w: relocation entry size %d", ErrInvalidSection, entSize)
	}
	n := uint64(len(raw)) / entSize
	if n > MaxRelocations {
		return fmt.Errorf("%w: too many relocations", ErrInvalidELF)
	}

	// Entries of .rel.text are section relative; dynamic ones are virtual
	// addresses.
	textSec := &f.sections[f.textIdx]
	sectionRelative := int(sec.info) == f.textIdx
	seen := make(map[uint32]bool, len(m.Imports))
	for _, h := range m.Imports {
		seen[h] = true
	}

	for i := uint64(0); i < n; i++ {
		b := raw[i*entSize:]
		offset := binary.LittleEndian.Uint64(b[0:8])
		info := binary.LittleEndian.Uint64(b[8:16])
		var addend int64
		hasAddend := sec.typ == shtRela
		if hasAddend {
			addend = int64(binary.LittleEndian.Uint64(b[16:24]))
		}

		if !sectionRelative {
			if offset < textSec.addr {
				continue
			}
			offset -= textSec.addr
		}
		insIdx := offset / 8
		if offset%8 != 0 || insIdx >= uint64(len(m.Text)) {
			return fmt.Errorf("%w: offset 0x%x outside .text", ErrRelocationFailed, offset)
		}

		symIdx := info >> 32
		relType := uint32(info)
		if symIdx >= uint64(len(f.symbols)) && relType != rBPFRelative {
			return fmt.Errorf("%w: symbol index %d", ErrRelocationFailed, symIdx)
		}

		switch relType {
		case rBPF64_32:
			sym := &f.symbols[symIdx]
			if sym.name == "" {
				return fmt.Errorf("%w: call relocation against unnamed symbol", ErrRelocationFailed)
			}
			hash := syscall.Hash(sym.name)
			if sym.shndx == 0 && !seen[hash] {
				seen[hash] = true
				m.Imports = append(m.Imports, hash)
			}
			m.Text[insIdx] = setImm(m.Text[insIdx], uint32(hash))

		case rBPF64_64:
			if insIdx+1 >= uint64(len(m.Text)) {
				return fmt.Errorf("%w: lddw at end of .text", ErrRelocationFailed)
			}
			sym := &f.symbols[symIdx]
			if !hasAddend {
				addend = int64(Imm(m.Text[insIdx]))
			}
			target := f.programAddr(sym) + uint64(addend)
			m.Text[insIdx] = setImm(m.Text[insIdx], uint32(target))
			m.Text[insIdx+1] = setImm(m.Text[insIdx+1], uint32(target>>32))

		case rBPFRelative:
			if insIdx+1 >= uint64(len(m.Text)) {
				return fmt.Errorf("%w: lddw at end of .text", ErrRelocationFailed)
			}
			v := uint64(Imm(m.Text[insIdx])) | uint64(Imm(m.Text[insIdx+1]))<<32
			if v < sbpf.VaddrProgram {
				v += sbpf.VaddrProgram
			}
			m.Text[insIdx] = setImm(m.Text[insIdx], uint32(v))
			m.Text[insIdx+1] = setImm(m.Text[insIdx+1], uint32(v>>32))

		default:
			return fmt.Errorf("%w: unsupported relocation type %d", ErrRelocationFailed, relType)
		}
	}
	return nil
}

// programAddr maps a symbol to its address in the VM. Symbols in .rodata
// land in the program region; anything else keeps its value.
func (f *elfFile) programAddr(sym *symbol) uint64 {
	if f.rodIdx >= 0 && int(sym.shndx) == f.rodIdx {
		return sbpf.VaddrProgram + sym.value - f.sections[f.rodIdx].addr
	}
	return sym.value
}

// Imm returns the unsigned immediate of an instruction word.
func Imm(ins uint64) uint32 {
	return uint32(ins >> 32)
}

func setImm(ins uint64, imm uint32) uint64 {
	return ins&0x00000000FFFFFFFF | uint64(imm)<<32
}

func inBounds(data []byte, off, size uint64) bool {
	end := off + size
	return end >= off && end <= uint64(len(data))
}

func cstring(tab []byte, off uint32) string {
	if off >= uint32(len(tab)) {
		return ""
	}
	end := bytes.IndexByte(tab[off:], 0)
	if end == -1 {
		end = len(tab) - int(off)
	}
	return string(tab[off : off+uint32(end)])
}
