package sbpf

import (
	"encoding/binary"
	"fmt"
)

// Translate converts a virtual address range to the backing memory slice.
// Program and input regions are read-only.
func (ip *Interpreter) Translate(addr uint64, size uint64, write bool) ([]byte, error) {
	region := addr >> 32
	lo := addr & 0xFFFFFFFF

	if size > 0 && lo > ^uint64(0)-size {
		return nil, fmt.Errorf("%w: address overflow at 0x%x (size %d)", ErrInvalidMemoryAccess, addr, size)
	}

	switch region {
	case VaddrProgram >> 32:
		if write {
			return nil, fmt.Errorf("%w: write to read-only program segment at 0x%x", ErrInvalidMemoryAccess, addr)
		}
		return bounded(ip.ro, lo, size, addr, "program segment")

	case VaddrStack >> 32:
		mem := ip.stack.slice(lo)
		if mem == nil || uint64(len(mem)) < size {
			return nil, fmt.Errorf("%w: stack access at 0x%x (size %d)", ErrInvalidMemoryAccess, addr, size)
		}
		return mem[:size], nil

	case VaddrHeap >> 32:
		return bounded(ip.heap, lo, size, addr, "heap")

	case VaddrInput >> 32:
		if write {
			return nil, fmt.Errorf("%w: write to read-only input segment at 0x%x", ErrInvalidMemoryAccess, addr)
		}
		return bounded(ip.input, lo, size, addr, "input segment")

	default:
		return nil, fmt.Errorf("%w: unmapped region at 0x%x", ErrInvalidMemoryAccess, addr)
	}
}

func bounded(mem []byte, lo, size, addr uint64, name string) ([]byte, error) {
	end := lo + size
	if end > uint64(len(mem)) {
		return nil, fmt.Errorf("%w: %s access at 0x%x (size %d, max %d)", ErrInvalidMemoryAccess, name, addr, size, len(mem))
	}
	return mem[lo:end], nil
}

// Read copies len(p) bytes of guest memory at addr into p.
func (ip *Interpreter) Read(addr uint64, p []byte) error {
	mem, err := ip.Translate(addr, uint64(len(p)), false)
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

// Write copies p into guest memory at addr.
func (ip *Interpreter) Write(addr uint64, p []byte) error {
	mem, err := ip.Translate(addr, uint64(len(p)), true)
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

// ReadUint reads a little-endian unsigned value of size 1, 2, 4 or 8
// bytes.
func (ip *Interpreter) ReadUint(addr, size uint64) (uint64, error) {
	mem, err := ip.Translate(addr, size, false)
	if err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(mem[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(mem)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(mem)), nil
	case 8:
		return binary.LittleEndian.Uint64(mem), nil
	}
	return 0, fmt.Errorf("%w: access size %d", ErrInvalidMemoryAccess, size)
}

// WriteUint writes the low size bytes of x, little-endian.
func (ip *Interpreter) WriteUint(addr, size, x uint64) error {
	mem, err := ip.Translate(addr, size, true)
	if err != nil {
		return err
	}
	switch size {
	case 1:
		mem[0] = uint8(x)
	case 2:
		binary.LittleEndian.PutUint16(mem, uint16(x))
	case 4:
		binary.LittleEndian.PutUint32(mem, uint32(x))
	case 8:
		binary.LittleEndian.PutUint64(mem, x)
	default:
		return fmt.Errorf("%w: access size %d", ErrInvalidMemoryAccess, size)
	}
	return nil
}
