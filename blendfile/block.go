package blendfile

import (
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"strings"
)

// Block is one record of a blend file: a code, an old memory address,
// and a payload interpreted through the DNA struct the record names.
// Blocks are cheap views into the file; no payload is held in memory.
type Block struct {
	// Code is the record code with padding stripped: "OB", "SC",
	// "DATA", "DNA1" and so on. Two-letter codes are datablocks.
	Code string
	// Size is the payload length in bytes.
	Size int64
	// Addr is the memory address the payload lived at when the file
	// was written. Pointers in other payloads refer to these values.
	Addr uint64
	// SDNAIndex names the DNA struct describing the payload.
	SDNAIndex int
	// Count is the number of consecutive struct instances stored.
	Count int

	file   *File
	offset int64
}

// File returns the file the block belongs to.
func (b *Block) File() *File { return b.file }

// View interprets the payload through the struct recorded in the block
// header. ErrStructNotFound is returned when the recorded index is not
// in the file's DNA.
func (b *Block) View() (*View, error) {
	st, ok := b.file.dna.StructByIndex(b.SDNAIndex)
	if !ok {
		return nil, fmt.Errorf("%w: block %q records struct index %d", ErrStructNotFound, b.Code, b.SDNAIndex)
	}
	return &View{block: b, st: st}, nil
}

// Refined interprets the payload through a named struct instead of the
// recorded one. Raw DATA blocks carry no usable struct index; callers
// that know the actual element type refine to it by name.
func (b *Block) Refined(structName string) (*View, error) {
	st, ok := b.file.dna.StructByName(structName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStructNotFound, structName)
	}
	return &View{block: b, st: st}, nil
}

// payload reads the whole payload.
func (b *Block) payload() ([]byte, error) {
	buf := make([]byte, b.Size)
	if _, err := b.file.r.ReadAt(buf, b.offset); err != nil {
		return nil, fmt.Errorf("%w: payload of block %q: %v", ErrMalformed, b.Code, err)
	}
	return buf, nil
}

// IDName returns the datablock's ID name in the "OBCube" form: block
// code prefix plus object name. Linked placeholders carry a bare ID
// struct, full datablocks embed it; both forms resolve.
func (b *Block) IDName() (string, error) {
	v, err := b.View()
	if err != nil {
		return "", err
	}
	if name, err := v.String("id", "name"); err == nil {
		return name, nil
	}
	if v.st.Name == "ID" {
		return v.String("name")
	}
	return "", fmt.Errorf("%w: block %q has no ID name", ErrFieldNotFound, b.Code)
}

// View is a struct-typed window over one element of a block's payload.
// Field paths are variadic segments through embedded structs, such as
// ("id", "name"); the final segment may be any field, intermediate
// segments must be embedded structs.
type View struct {
	block *Block
	st    *Struct
	base  int64
}

// Block returns the block the view reads from.
func (v *View) Block() *Block { return v.block }

// Struct returns the struct the view interprets the payload with.
func (v *View) Struct() *Struct { return v.st }

// Elem returns the view shifted to the i-th struct instance of the
// payload, for blocks storing arrays such as sequencer strip elements.
func (v *View) Elem(i int) (*View, error) {
	base := int64(i) * int64(v.st.Size)
	if i < 0 || base+int64(v.st.Size) > v.block.Size {
		return nil, fmt.Errorf("%w: element %d of %s exceeds block payload", ErrMalformed, i, v.st.Name)
	}
	return &View{block: v.block, st: v.st, base: base}, nil
}

// resolve walks the field path and returns the final field plus its
// byte offset relative to the payload start.
func (v *View) resolve(path ...string) (*Field, int64, error) {
	if len(path) == 0 {
		return nil, 0, fmt.Errorf("%w: empty field path", ErrFieldNotFound)
	}
	st := v.st
	offset := v.base
	for i, seg := range path {
		f, ok := st.FieldByName(seg)
		if !ok {
			return nil, 0, fmt.Errorf("%w: %s.%s", ErrFieldNotFound, st.Name, seg)
		}
		offset += int64(f.Offset)
		if i == len(path)-1 {
			return f, offset, nil
		}
		if f.IsPointer() {
			return nil, 0, fmt.Errorf("%w: %s.%s is a pointer, not an embedded struct", ErrFieldNotFound, st.Name, seg)
		}
		sub, ok := v.block.file.dna.StructByName(f.Type)
		if !ok {
			return nil, 0, fmt.Errorf("%w: %s.%s has primitive type %s", ErrFieldNotFound, st.Name, seg, f.Type)
		}
		st = sub
	}
	return nil, 0, fmt.Errorf("%w: empty field path", ErrFieldNotFound)
}

func (v *View) read(offset int64, n int) ([]byte, error) {
	if offset+int64(n) > v.block.Size {
		return nil, fmt.Errorf("%w: field read beyond %q payload", ErrMalformed, v.block.Code)
	}
	buf := make([]byte, n)
	if _, err := v.block.file.r.ReadAt(buf, v.block.offset+offset); err != nil {
		return nil, fmt.Errorf("%w: field read in %q: %v", ErrMalformed, v.block.Code, err)
	}
	return buf, nil
}

// Int reads an integer field of any width. Unsigned types and char are
// widened without sign extension, everything else is sign extended.
func (v *View) Int(path ...string) (int64, error) {
	f, offset, err := v.resolve(path...)
	if err != nil {
		return 0, err
	}
	if f.IsPointer() {
		return 0, fmt.Errorf("%w: %s is a pointer, read it with Pointer", ErrFieldNotFound, f.Name.Full)
	}
	buf, err := v.read(offset, f.TypeSize)
	if err != nil {
		return 0, err
	}

	order := v.block.file.Header.ByteOrder
	unsigned := strings.HasPrefix(f.Type, "u") || f.Type == "char"
	switch f.TypeSize {
	case 1:
		if unsigned {
			return int64(buf[0]), nil
		}
		return int64(int8(buf[0])), nil
	case 2:
		if unsigned {
			return int64(order.Uint16(buf)), nil
		}
		return int64(int16(order.Uint16(buf))), nil
	case 4:
		if unsigned {
			return int64(order.Uint32(buf)), nil
		}
		return int64(int32(order.Uint32(buf))), nil
	case 8:
		return int64(order.Uint64(buf)), nil
	default:
		return 0, fmt.Errorf("%w: %s has non-integer type %s", ErrFieldNotFound, f.Name.Full, f.Type)
	}
}

// Float reads a float or double field as float64.
func (v *View) Float(path ...string) (float64, error) {
	f, offset, err := v.resolve(path...)
	if err != nil {
		return 0, err
	}
	buf, err := v.read(offset, f.TypeSize)
	if err != nil {
		return 0, err
	}
	order := v.block.file.Header.ByteOrder
	switch f.Type {
	case "float":
		return float64(math.Float32frombits(order.Uint32(buf))), nil
	case "double":
		return math.Float64frombits(order.Uint64(buf)), nil
	default:
		return 0, fmt.Errorf("%w: %s has non-float type %s", ErrFieldNotFound, f.Name.Full, f.Type)
	}
}

// Bytes reads a char array field up to its terminating NUL. The bytes
// are returned verbatim; path fields keep whatever encoding the writing
// platform used.
func (v *View) Bytes(path ...string) ([]byte, error) {
	f, offset, err := v.resolve(path...)
	if err != nil {
		return nil, err
	}
	if f.IsPointer() || f.Type != "char" {
		return nil, fmt.Errorf("%w: %s is not a char array", ErrFieldNotFound, f.Name.Full)
	}
	buf, err := v.read(offset, f.Size)
	if err != nil {
		return nil, err
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return buf, nil
}

// String reads a char array field as a string.
func (v *View) String(path ...string) (string, error) {
	b, err := v.Bytes(path...)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Pointer reads a pointer field's stored address.
func (v *View) Pointer(path ...string) (uint64, error) {
	f, offset, err := v.resolve(path...)
	if err != nil {
		return 0, err
	}
	if !f.IsPointer() {
		return 0, fmt.Errorf("%w: %s is not a pointer", ErrFieldNotFound, f.Name.Full)
	}
	buf, err := v.read(offset, v.block.file.Header.PointerSize)
	if err != nil {
		return 0, err
	}
	return v.block.file.Header.readPointer(buf), nil
}

// Deref reads a pointer field and resolves it against the block table.
// A null pointer yields (nil, nil): the field legitimately points at
// nothing. A non-null address missing from the table yields
// ErrUnresolvedPointer; old addresses are hints, so this is recoverable
// for the caller.
func (v *View) Deref(path ...string) (*Block, error) {
	addr, err := v.Pointer(path...)
	if err != nil {
		return nil, err
	}
	if addr == 0 {
		return nil, nil
	}
	b, ok := v.block.file.BlockByAddr(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %#x via %s.%s", ErrUnresolvedPointer, addr, v.st.Name, strings.Join(path, "."))
	}
	return b, nil
}

// DerefArray resolves a pointer field that addresses a heap array of
// count pointers, such as a material slot array. Null and dangling
// entries are skipped; dangling ones are logged.
func (v *View) DerefArray(count int, path ...string) ([]*Block, error) {
	if count <= 0 {
		return nil, nil
	}
	arr, err := v.Deref(path...)
	if err != nil || arr == nil {
		return nil, err
	}

	hdr := v.block.file.Header
	need := int64(count) * int64(hdr.PointerSize)
	if need > arr.Size {
		return nil, fmt.Errorf("%w: pointer array of %d exceeds block payload", ErrMalformed, count)
	}
	buf, err := arr.payload()
	if err != nil {
		return nil, err
	}

	out := make([]*Block, 0, count)
	for i := range count {
		addr := hdr.readPointer(buf[i*hdr.PointerSize:])
		if addr == 0 {
			continue
		}
		b, ok := v.block.file.BlockByAddr(addr)
		if !ok {
			v.block.file.log().Debug("skipping dangling pointer in array",
				slog.String("field", strings.Join(path, ".")),
				slog.Uint64("addr", addr))
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// DerefFixedArray resolves a fixed-size array of pointers embedded in
// the struct itself, such as a texture slot array. Null and dangling
// entries are skipped.
func (v *View) DerefFixedArray(path ...string) ([]*Block, error) {
	f, offset, err := v.resolve(path...)
	if err != nil {
		return nil, err
	}
	if !f.IsPointer() || f.Name.ArrayLen <= 1 {
		return nil, fmt.Errorf("%w: %s is not a fixed pointer array", ErrFieldNotFound, f.Name.Full)
	}

	hdr := v.block.file.Header
	buf, err := v.read(offset, f.Name.ArrayLen*hdr.PointerSize)
	if err != nil {
		return nil, err
	}

	var out []*Block
	for i := range f.Name.ArrayLen {
		addr := hdr.readPointer(buf[i*hdr.PointerSize:])
		if addr == 0 {
			continue
		}
		b, ok := v.block.file.BlockByAddr(addr)
		if !ok {
			v.block.file.log().Debug("skipping dangling pointer in fixed array",
				slog.String("field", strings.Join(path, ".")),
				slog.Uint64("addr", addr))
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// FieldSpan locates a field's bytes in the decompressed stream, for
// patching a path into a copy of the file. Offsets are identical
// between the stream and any copy made with WriteTo.
type FieldSpan struct {
	// Offset is the absolute byte offset in the decompressed stream.
	Offset int64
	// Size is the fixed on-disk size of the field.
	Size int
}

// Span locates a char array field for in-place rewriting.
func (v *View) Span(path ...string) (FieldSpan, error) {
	f, offset, err := v.resolve(path...)
	if err != nil {
		return FieldSpan{}, err
	}
	if f.IsPointer() || f.Type != "char" {
		return FieldSpan{}, fmt.Errorf("%w: %s is not a char array", ErrFieldNotFound, f.Name.Full)
	}
	if offset+int64(f.Size) > v.block.Size {
		return FieldSpan{}, fmt.Errorf("%w: field span beyond %q payload", ErrMalformed, v.block.Code)
	}
	return FieldSpan{Offset: v.block.offset + offset, Size: f.Size}, nil
}

// EncodeString prepares value for writing into the span: value, a
// terminating NUL, and zero padding to the field size so rewritten
// files are byte-for-byte reproducible. ErrFieldTooSmall is returned
// when the value cannot fit with its terminator.
func (s FieldSpan) EncodeString(value []byte) ([]byte, error) {
	if len(value)+1 > s.Size {
		return nil, fmt.Errorf("%w: %d bytes into %d-byte field", ErrFieldTooSmall, len(value), s.Size)
	}
	buf := make([]byte, s.Size)
	copy(buf, value)
	return buf, nil
}
