package blendfile

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Name is a parsed DNA field name. The stored form encodes pointer and
// array shape in C declarator syntax: "*next", "**mat", "name[66]",
// "mat[4][4]", "(*doit)()".
type Name struct {
	// Full is the name exactly as stored.
	Full string
	// Base is the identifier without decorations, the key used for
	// field lookup.
	Base string
	// PointerCount is the number of leading stars.
	PointerCount int
	// IsMethod marks function-pointer fields such as "(*doit)()".
	IsMethod bool
	// ArrayLen is the product of all array dimensions, 1 for scalars.
	ArrayLen int
}

func parseName(full string) Name {
	n := Name{Full: full, ArrayLen: 1}
	s := full
	for strings.HasPrefix(s, "*") {
		n.PointerCount++
		s = s[1:]
	}
	if strings.HasPrefix(s, "(") {
		n.IsMethod = true
		s = s[1:]
		for strings.HasPrefix(s, "*") {
			n.PointerCount++
			s = s[1:]
		}
		if i := strings.IndexByte(s, ')'); i >= 0 {
			s = s[:i]
		}
	}
	if i := strings.IndexByte(s, '['); i >= 0 {
		dims := s[i:]
		s = s[:i]
		for len(dims) > 0 && dims[0] == '[' {
			end := strings.IndexByte(dims, ']')
			if end < 0 {
				break
			}
			if v, err := strconv.Atoi(dims[1:end]); err == nil && v > 0 {
				n.ArrayLen *= v
			}
			dims = dims[end+1:]
		}
	}
	n.Base = s
	return n
}

// Field is one member of a DNA struct with its resolved on-disk layout.
type Field struct {
	// Type is the DNA type name, such as "char", "int" or "Image".
	Type string
	// TypeSize is the declared length of Type. For pointer fields the
	// on-disk size is the file's pointer size instead.
	TypeSize int
	Name     Name
	// Offset is the byte offset of the field within its struct.
	Offset int
	// Size is the total on-disk size of the field including arrays.
	Size int
}

// IsPointer reports whether the field stores addresses rather than
// values of its declared type.
func (f *Field) IsPointer() bool {
	return f.Name.PointerCount > 0 || f.Name.IsMethod
}

// Struct is one entry of the DNA table with field offsets resolved for
// the file's pointer size.
type Struct struct {
	// Name is the struct's type name, such as "Object" or "Scene".
	Name string
	// Index is the struct's position in the table, the value block
	// records refer to.
	Index int
	// Size is the on-disk size of one instance.
	Size   int
	Fields []Field

	byName map[string]int
}

// FieldByName looks up a direct member by its undecorated name.
func (s *Struct) FieldByName(name string) (*Field, bool) {
	i, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	return &s.Fields[i], true
}

// DNA is a blend file's struct table: every type layout needed to
// interpret the file's block payloads, self-described by the file.
type DNA struct {
	Structs []*Struct

	pointerSize int
	byName      map[string]int
}

// StructByName looks up a struct by type name.
func (d *DNA) StructByName(name string) (*Struct, bool) {
	i, ok := d.byName[name]
	if !ok {
		return nil, false
	}
	return d.Structs[i], true
}

// StructByIndex looks up a struct by its table index.
func (d *DNA) StructByIndex(i int) (*Struct, bool) {
	if i < 0 || i >= len(d.Structs) {
		return nil, false
	}
	return d.Structs[i], true
}

// dnaCursor walks the DNA1 payload. All multi-byte values inside use
// the file's byte order, and each section is aligned to 4 bytes
// relative to the payload start.
type dnaCursor struct {
	buf []byte
	pos int
	hdr Header
}

func (c *dnaCursor) expect(id string) error {
	if c.pos+len(id) > len(c.buf) || string(c.buf[c.pos:c.pos+len(id)]) != id {
		return fmt.Errorf("%w: DNA section %q not found at offset %d", ErrMalformed, id, c.pos)
	}
	c.pos += len(id)
	return nil
}

func (c *dnaCursor) align4() {
	c.pos = (c.pos + 3) &^ 3
}

func (c *dnaCursor) uint32() (uint32, error) {
	if c.pos+4 > len(c.buf) {
		return 0, fmt.Errorf("%w: truncated DNA", ErrMalformed)
	}
	v := c.hdr.ByteOrder.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v, nil
}

func (c *dnaCursor) uint16() (uint16, error) {
	if c.pos+2 > len(c.buf) {
		return 0, fmt.Errorf("%w: truncated DNA", ErrMalformed)
	}
	v := c.hdr.ByteOrder.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v, nil
}

func (c *dnaCursor) cstring() (string, error) {
	end := bytes.IndexByte(c.buf[c.pos:], 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated DNA string", ErrMalformed)
	}
	s := string(c.buf[c.pos : c.pos+end])
	c.pos += end + 1
	return s, nil
}

// parseDNA decodes the payload of a DNA1 block into a struct table with
// offsets resolved for the file's pointer size.
func parseDNA(payload []byte, hdr Header) (*DNA, error) {
	c := &dnaCursor{buf: payload, hdr: hdr}
	if err := c.expect("SDNA"); err != nil {
		return nil, err
	}

	if err := c.expect("NAME"); err != nil {
		return nil, err
	}
	nameCount, err := c.uint32()
	if err != nil {
		return nil, err
	}
	names := make([]Name, nameCount)
	for i := range names {
		s, err := c.cstring()
		if err != nil {
			return nil, err
		}
		names[i] = parseName(s)
	}
	c.align4()

	if err := c.expect("TYPE"); err != nil {
		return nil, err
	}
	typeCount, err := c.uint32()
	if err != nil {
		return nil, err
	}
	types := make([]string, typeCount)
	for i := range types {
		if types[i], err = c.cstring(); err != nil {
			return nil, err
		}
	}
	c.align4()

	if err := c.expect("TLEN"); err != nil {
		return nil, err
	}
	lens := make([]int, typeCount)
	for i := range lens {
		v, err := c.uint16()
		if err != nil {
			return nil, err
		}
		lens[i] = int(v)
	}
	c.align4()

	if err := c.expect("STRC"); err != nil {
		return nil, err
	}
	structCount, err := c.uint32()
	if err != nil {
		return nil, err
	}

	dna := &DNA{
		Structs:     make([]*Struct, 0, structCount),
		pointerSize: hdr.PointerSize,
		byName:      make(map[string]int, structCount),
	}
	for i := 0; i < int(structCount); i++ {
		typeIdx, err := c.uint16()
		if err != nil {
			return nil, err
		}
		fieldCount, err := c.uint16()
		if err != nil {
			return nil, err
		}
		if int(typeIdx) >= len(types) {
			return nil, fmt.Errorf("%w: struct %d has type index %d out of range", ErrMalformed, i, typeIdx)
		}

		st := &Struct{
			Name:   types[typeIdx],
			Index:  i,
			Size:   lens[typeIdx],
			Fields: make([]Field, 0, fieldCount),
			byName: make(map[string]int, fieldCount),
		}
		offset := 0
		for j := 0; j < int(fieldCount); j++ {
			fTypeIdx, err := c.uint16()
			if err != nil {
				return nil, err
			}
			fNameIdx, err := c.uint16()
			if err != nil {
				return nil, err
			}
			if int(fTypeIdx) >= len(types) || int(fNameIdx) >= len(names) {
				return nil, fmt.Errorf("%w: struct %s field %d has index out of range", ErrMalformed, st.Name, j)
			}

			f := Field{
				Type:     types[fTypeIdx],
				TypeSize: lens[fTypeIdx],
				Name:     names[fNameIdx],
				Offset:   offset,
			}
			if f.IsPointer() {
				f.Size = hdr.PointerSize * f.Name.ArrayLen
			} else {
				f.Size = f.TypeSize * f.Name.ArrayLen
			}
			offset += f.Size

			st.byName[f.Name.Base] = len(st.Fields)
			st.Fields = append(st.Fields, f)
		}

		dna.byName[st.Name] = len(dna.Structs)
		dna.Structs = append(dna.Structs, st)
	}
	return dna, nil
}
