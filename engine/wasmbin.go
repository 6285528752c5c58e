package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Minimal binary format helpers: enough to synthesize a memory-exporting
// module and to read the limits of an imported memory.

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

const (
	sectionImport = 0x02
	sectionMemory = 0x05
	sectionExport = 0x07

	limitsHasMax = 0x01
	limitsShared = 0x02
)

var errLEBOverflow = errors.New("leb128: overflow")

func appendLEB128u(buf []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			return buf
		}
	}
}

func readLEB128u(r io.ByteReader) (uint32, error) {
	var result uint32
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 35 {
			return 0, errLEBOverflow
		}
	}
}

func appendName(buf []byte, name string) []byte {
	buf = appendLEB128u(buf, uint32(len(name)))
	return append(buf, name...)
}

func appendSection(buf []byte, id byte, body []byte) []byte {
	buf = append(buf, id)
	buf = appendLEB128u(buf, uint32(len(body)))
	return append(buf, body...)
}

func appendLimits(buf []byte, ty MemoryType) []byte {
	var flags byte
	if ty.HasMax {
		flags |= limitsHasMax
	}
	if ty.Shared {
		flags |= limitsShared
	}
	buf = append(buf, flags)
	buf = appendLEB128u(buf, ty.Min)
	if ty.HasMax {
		buf = appendLEB128u(buf, ty.Max)
	}
	return buf
}

// memoryModule encodes a module that defines one memory of type ty and exports it as name.
func memoryModule(name string, ty MemoryType) []byte {
	out := append([]byte(nil), wasmHeader...)

	mem := appendLEB128u(nil, 1)
	mem = appendLimits(mem, ty)
	out = appendSection(out, sectionMemory, mem)

	exp := appendLEB128u(nil, 1)
	exp = appendName(exp, name)
	exp = append(exp, byte(ExternMemory))
	exp = appendLEB128u(exp, 0)
	return appendSection(out, sectionExport, exp)
}

// importedMemoryType scans the import section for a memory import.
func importedMemoryType(wasm []byte) (MemoryType, bool, error) {
	if len(wasm) < len(wasmHeader) || !bytes.Equal(wasm[:4], wasmHeader[:4]) {
		return MemoryType{}, false, fmt.Errorf("not a wasm binary")
	}
	r := bytes.NewReader(wasm[len(wasmHeader):])
	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return MemoryType{}, false, err
		}
		size, err := readLEB128u(r)
		if err != nil {
			return MemoryType{}, false, fmt.Errorf("section %d size: %w", id, err)
		}
		if int(size) > r.Len() {
			return MemoryType{}, false, fmt.Errorf("section %d truncated", id)
		}
		if id != sectionImport {
			if _, err := r.Seek(int64(size), io.SeekCurrent); err != nil {
				return MemoryType{}, false, err
			}
			continue
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(r, body); err != nil {
			return MemoryType{}, false, err
		}
		return scanImports(bytes.NewReader(body))
	}
	return MemoryType{}, false, nil
}

func scanImports(r *bytes.Reader) (MemoryType, bool, error) {
	count, err := readLEB128u(r)
	if err != nil {
		return MemoryType{}, false, err
	}
	for i := uint32(0); i < count; i++ {
		for j := 0; j < 2; j++ {
			n, err := readLEB128u(r)
			if err != nil {
				return MemoryType{}, false, fmt.Errorf("import[%d] name: %w", i, err)
			}
			if _, err := r.Seek(int64(n), io.SeekCurrent); err != nil {
				return MemoryType{}, false, err
			}
		}
		kind, err := r.ReadByte()
		if err != nil {
			return MemoryType{}, false, err
		}
		switch ExternKind(kind) {
		case ExternFunc:
			if _, err := readLEB128u(r); err != nil {
				return MemoryType{}, false, err
			}
		case ExternTable:
			if _, err := r.ReadByte(); err != nil {
				return MemoryType{}, false, err
			}
			if _, err := readLimits(r); err != nil {
				return MemoryType{}, false, err
			}
		case ExternMemory:
			ty, err := readLimits(r)
			if err != nil {
				return MemoryType{}, false, err
			}
			return ty, true, nil
		case ExternGlobal:
			if _, err := r.Seek(2, io.SeekCurrent); err != nil {
				return MemoryType{}, false, err
			}
		default:
			return MemoryType{}, false, fmt.Errorf("import[%d]: unknown kind %#x", i, kind)
		}
	}
	return MemoryType{}, false, nil
}

func readLimits(r io.ByteReader) (MemoryType, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return MemoryType{}, err
	}
	var ty MemoryType
	if ty.Min, err = readLEB128u(r); err != nil {
		return MemoryType{}, err
	}
	if flags&limitsHasMax != 0 {
		ty.HasMax = true
		if ty.Max, err = readLEB128u(r); err != nil {
			return MemoryType{}, err
		}
	}
	ty.Shared = flags&limitsShared != 0
	return ty, nil
}
