// Package cache implements Sox's bytecode-cache (de)serialiser: a
// thin binary format so a compiler's output has somewhere concrete to
// round-trip through (compile -> serialise -> deserialise -> run).
// Magic number, versioned header, length-prefixed sections, retargeted
// at Sox's Chunk/Value model.
package cache

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kristofer/sox/pkg/gc"
	"github.com/kristofer/sox/pkg/value"
)

// MagicNumber is the file signature for Sox bytecode-cache files: "SOXB"
// read as a big-endian uint32. Like every header field it is written
// little-endian, so the file's first four bytes are "BXOS".
const MagicNumber uint32 = 0x534F5842

// FormatVersion is the current cache format version.
const FormatVersion uint32 = 1

const (
	constTypeNumber   byte = 0x01
	constTypeString   byte = 0x02
	constTypeBool     byte = 0x03
	constTypeNil      byte = 0x04
	constTypeFunction byte = 0x05
)

// Encode writes chunk's bytecode, line table, and constant pool to w in
// the cache's binary format. Function-valued constants are written
// recursively (a chunk's constant pool may hold nested ObjFunctions,
// each owning their own chunk).
func Encode(w io.Writer, chunk *value.Chunk) error {
	if err := writeHeader(w); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return writeChunk(w, chunk)
}

func writeHeader(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, MagicNumber); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, FormatVersion)
}

func writeChunk(w io.Writer, chunk *value.Chunk) error {
	if err := writeBytes(w, chunk.Code); err != nil {
		return fmt.Errorf("write code: %w", err)
	}
	if err := writeInts(w, chunk.Lines); err != nil {
		return fmt.Errorf("write lines: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(chunk.Constants))); err != nil {
		return err
	}
	for i, c := range chunk.Constants {
		if err := writeConstant(w, c); err != nil {
			return fmt.Errorf("write constant %d: %w", i, err)
		}
	}
	return nil
}

func writeConstant(w io.Writer, v value.Value) error {
	switch {
	case v.IsNil():
		return writeByte(w, constTypeNil)
	case v.IsBool():
		if err := writeByte(w, constTypeBool); err != nil {
			return err
		}
		b := byte(0)
		if v.AsBool() {
			b = 1
		}
		return writeByte(w, b)
	case v.IsNumber():
		if err := writeByte(w, constTypeNumber); err != nil {
			return err
		}
		return binary.Write(w, binary.LittleEndian, v.AsNumber())
	case v.IsObj():
		switch obj := v.AsObj().(type) {
		case *value.ObjString:
			if err := writeByte(w, constTypeString); err != nil {
				return err
			}
			return writeString(w, obj.Chars)
		case *value.ObjFunction:
			if err := writeByte(w, constTypeFunction); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, uint32(obj.Arity)); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, uint32(obj.UpvalueCount)); err != nil {
				return err
			}
			hasName := obj.Name != nil
			if err := writeByte(w, boolByte(hasName)); err != nil {
				return err
			}
			if hasName {
				if err := writeString(w, obj.Name.Chars); err != nil {
					return err
				}
			}
			return writeChunk(w, obj.Chunk)
		}
	}
	return fmt.Errorf("value of type %v is not cacheable", v)
}

// Decode reads a chunk previously written by Encode. Every interned
// string and function constant is tracked by collector so the result
// participates in GC immediately, the same way the compiler's own
// allocations do.
func Decode(r io.Reader, collector *gc.Collector) (*value.Chunk, error) {
	var magic, version uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if magic != MagicNumber {
		return nil, fmt.Errorf("not a sox bytecode-cache file (magic %08x)", magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if version != FormatVersion {
		return nil, fmt.Errorf("unsupported cache format version %d", version)
	}
	return readChunk(r, collector)
}

func readChunk(r io.Reader, collector *gc.Collector) (*value.Chunk, error) {
	code, err := readBytes(r)
	if err != nil {
		return nil, fmt.Errorf("read code: %w", err)
	}
	lines, err := readInts(r)
	if err != nil {
		return nil, fmt.Errorf("read lines: %w", err)
	}
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	constants := make([]value.Value, count)
	for i := range constants {
		c, err := readConstant(r, collector)
		if err != nil {
			return nil, fmt.Errorf("read constant %d: %w", i, err)
		}
		constants[i] = c
	}
	return &value.Chunk{Code: code, Lines: lines, Constants: constants}, nil
}

func readConstant(r io.Reader, collector *gc.Collector) (value.Value, error) {
	kind, err := readByte(r)
	if err != nil {
		return value.Value{}, err
	}
	switch kind {
	case constTypeNil:
		return value.NilValue(), nil
	case constTypeBool:
		b, err := readByte(r)
		if err != nil {
			return value.Value{}, err
		}
		return value.BoolValue(b != 0), nil
	case constTypeNumber:
		var n float64
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return value.Value{}, err
		}
		return value.NumberValue(n), nil
	case constTypeString:
		s, err := readString(r)
		if err != nil {
			return value.Value{}, err
		}
		return value.ObjValue(collector.Intern(s)), nil
	case constTypeFunction:
		var arity, upvalueCount uint32
		if err := binary.Read(r, binary.LittleEndian, &arity); err != nil {
			return value.Value{}, err
		}
		if err := binary.Read(r, binary.LittleEndian, &upvalueCount); err != nil {
			return value.Value{}, err
		}
		hasName, err := readByte(r)
		if err != nil {
			return value.Value{}, err
		}
		fn := value.NewObjFunction()
		fn.Arity = int(arity)
		fn.UpvalueCount = int(upvalueCount)
		if hasName != 0 {
			name, err := readString(r)
			if err != nil {
				return value.Value{}, err
			}
			fn.Name = collector.Intern(name)
		}
		chunk, err := readChunk(r, collector)
		if err != nil {
			return value.Value{}, err
		}
		fn.Chunk = chunk
		collector.Track(fn)
		return value.ObjValue(fn), nil
	default:
		return value.Value{}, fmt.Errorf("unknown constant type tag 0x%02x", kind)
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

func readByte(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func writeBytes(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeInts(w io.Writer, ints []int) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(ints))); err != nil {
		return err
	}
	for _, n := range ints {
		if err := binary.Write(w, binary.LittleEndian, uint32(n)); err != nil {
			return err
		}
	}
	return nil
}

func readInts(r io.Reader) ([]int, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	out := make([]int, n)
	for i := range out {
		var v uint32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		out[i] = int(v)
	}
	return out, nil
}

func writeString(w io.Writer, s string) error {
	return writeBytes(w, []byte(s))
}

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
