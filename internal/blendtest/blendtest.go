// Package blendtest builds small synthetic blend files for tests. The
// builder writes a real container: header, typed block records, a DNA
// struct table and the end marker, so the production reader parses
// fixtures exactly like files a user would feed it.
//
// The canonical DNA defined here mirrors the struct shapes the tracer
// cares about, trimmed to the fields it reads. Fixtures choose their
// own blocks, payload values and link structure.
package blendtest

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Ptr is a block address used for pointer fields. The zero value is
// the null pointer.
type Ptr uint64

// F holds field values for one struct instance, keyed by dotted field
// path such as "id.name". Supported value types: string (char arrays),
// int and int64 (integer fields), float64 (float and double), Ptr
// (pointer fields) and []byte (raw bytes at the field offset).
type F map[string]any

type fieldDef struct{ typ, name string }

type structDef struct {
	name   string
	fields []fieldDef
}

// canonicalStructs is the fixture DNA, in dependency order: embedded
// structs are declared before first use so sizes resolve in one pass.
// The first entry must stay Link so raw DATA blocks refer to struct
// index zero like real files do.
var canonicalStructs = []structDef{
	{"Link", []fieldDef{{"Link", "*next"}, {"Link", "*prev"}}},
	{"ListBase", []fieldDef{{"void", "*first"}, {"void", "*last"}}},
	{"ID", []fieldDef{{"ID", "*next"}, {"ID", "*prev"}, {"ID", "*newid"}, {"Library", "*lib"}, {"char", "name[66]"}, {"short", "flag"}, {"short", "tag"}, {"int", "us"}}},
	{"Library", []fieldDef{{"ID", "id"}, {"char", "name[1024]"}}},
	{"PackedFile", []fieldDef{{"int", "size"}, {"int", "seek"}, {"void", "*data"}}},
	{"Image", []fieldDef{{"ID", "id"}, {"char", "name[1024]"}, {"PackedFile", "*packedfile"}, {"int", "source"}, {"int", "flag"}}},
	{"MovieClip", []fieldDef{{"ID", "id"}, {"char", "name[1024]"}, {"int", "source"}, {"int", "flag"}}},
	{"bSound", []fieldDef{{"ID", "id"}, {"char", "name[1024]"}, {"PackedFile", "*packedfile"}}},
	{"VFont", []fieldDef{{"ID", "id"}, {"char", "name[1024]"}, {"PackedFile", "*packedfile"}}},
	{"CacheFile", []fieldDef{{"ID", "id"}, {"char", "filepath[1024]"}, {"char", "is_sequence"}, {"char", "_pad[7]"}}},
	{"bAction", []fieldDef{{"ID", "id"}}},
	{"AnimData", []fieldDef{{"bAction", "*action"}, {"bAction", "*tmpact"}}},
	{"MTex", []fieldDef{{"Tex", "*tex"}, {"Object", "*object"}}},
	{"bNodeSocket", []fieldDef{{"bNodeSocket", "*next"}, {"bNodeSocket", "*prev"}, {"char", "name[64]"}, {"int", "type"}, {"int", "flag"}, {"void", "*default_value"}}},
	{"bNode", []fieldDef{{"bNode", "*next"}, {"bNode", "*prev"}, {"char", "name[64]"}, {"int", "type"}, {"int", "flag"}, {"ID", "*id"}, {"ListBase", "inputs"}, {"ListBase", "outputs"}}},
	{"bNodeTree", []fieldDef{{"ID", "id"}, {"AnimData", "*adt"}, {"ListBase", "nodes"}}},
	{"bNodeSocketValueImage", []fieldDef{{"Image", "*value"}}},
	{"bNodeSocketValueObject", []fieldDef{{"Object", "*value"}}},
	{"bNodeSocketValueCollection", []fieldDef{{"Collection", "*value"}}},
	{"bNodeSocketValueTexture", []fieldDef{{"Tex", "*value"}}},
	{"bNodeSocketValueMaterial", []fieldDef{{"Material", "*value"}}},
	{"Tex", []fieldDef{{"ID", "id"}, {"AnimData", "*adt"}, {"Image", "*ima"}, {"bNodeTree", "*nodetree"}}},
	{"Material", []fieldDef{{"ID", "id"}, {"AnimData", "*adt"}, {"bNodeTree", "*nodetree"}, {"MTex", "*mtex[18]"}}},
	{"World", []fieldDef{{"ID", "id"}, {"AnimData", "*adt"}, {"bNodeTree", "*nodetree"}, {"MTex", "*mtex[18]"}}},
	{"Lamp", []fieldDef{{"ID", "id"}, {"AnimData", "*adt"}, {"bNodeTree", "*nodetree"}, {"MTex", "*mtex[18]"}}},
	{"Mesh", []fieldDef{{"ID", "id"}, {"AnimData", "*adt"}, {"Material", "**mat"}, {"Mesh", "*texcomesh"}, {"int", "totcol"}, {"int", "flag"}}},
	{"Curve", []fieldDef{{"ID", "id"}, {"AnimData", "*adt"}, {"Material", "**mat"}, {"VFont", "*vfont"}, {"VFont", "*vfontb"}, {"VFont", "*vfonti"}, {"VFont", "*vfontbi"}, {"Object", "*bevobj"}, {"Object", "*taperobj"}, {"Object", "*textoncurve"}, {"int", "totcol"}, {"int", "flag"}}},
	{"MetaBall", []fieldDef{{"ID", "id"}, {"Material", "**mat"}, {"int", "totcol"}, {"int", "flag"}}},
	{"bArmature", []fieldDef{{"ID", "id"}, {"AnimData", "*adt"}}},
	{"Collection", []fieldDef{{"ID", "id"}, {"ListBase", "gobject"}, {"ListBase", "children"}}},
	{"CollectionObject", []fieldDef{{"CollectionObject", "*next"}, {"CollectionObject", "*prev"}, {"Object", "*ob"}}},
	{"CollectionChild", []fieldDef{{"CollectionChild", "*next"}, {"CollectionChild", "*prev"}, {"Collection", "*collection"}}},
	{"bPoseChannel", []fieldDef{{"bPoseChannel", "*next"}, {"bPoseChannel", "*prev"}, {"Object", "*custom"}}},
	{"bPose", []fieldDef{{"ListBase", "chanbase"}}},
	{"ParticleSettings", []fieldDef{{"ID", "id"}, {"AnimData", "*adt"}, {"short", "ren_as"}, {"short", "_pad"}, {"Object", "*instance_object"}, {"Collection", "*instance_collection"}}},
	{"PointCache", []fieldDef{{"int", "flag"}, {"int", "step"}, {"char", "path[1024]"}}},
	{"ParticleSystem", []fieldDef{{"ParticleSystem", "*next"}, {"ParticleSystem", "*prev"}, {"ParticleSettings", "*part"}, {"PointCache", "*pointcache"}}},
	{"ModifierData", []fieldDef{{"ModifierData", "*next"}, {"ModifierData", "*prev"}, {"int", "type"}, {"int", "mode"}, {"char", "name[64]"}}},
	{"MeshCacheModifierData", []fieldDef{{"ModifierData", "modifier"}, {"char", "filepath[1024]"}}},
	{"OceanModifierData", []fieldDef{{"ModifierData", "modifier"}, {"char", "cachepath[1024]"}, {"short", "cached"}, {"short", "_pad[3]"}}},
	{"FluidsimSettings", []fieldDef{{"char", "surfdataPath[1024]"}}},
	{"FluidsimModifierData", []fieldDef{{"ModifierData", "modifier"}, {"FluidsimSettings", "*fss"}}},
	{"FluidDomainSettings", []fieldDef{{"char", "cache_directory[1024]"}}},
	{"FluidModifierData", []fieldDef{{"ModifierData", "modifier"}, {"FluidDomainSettings", "*domain"}, {"int", "type"}, {"int", "_pad"}}},
	{"MeshSeqCacheModifierData", []fieldDef{{"ModifierData", "modifier"}, {"CacheFile", "*cache_file"}, {"char", "object_path[1024]"}}},
	{"IDPropertyData", []fieldDef{{"void", "*pointer"}, {"ListBase", "group"}, {"int", "val"}, {"int", "val2"}}},
	{"IDProperty", []fieldDef{{"IDProperty", "*next"}, {"IDProperty", "*prev"}, {"char", "type"}, {"char", "subtype"}, {"short", "flag"}, {"char", "name[64]"}, {"int", "saved"}, {"IDPropertyData", "data"}, {"int", "len"}, {"int", "totallen"}}},
	{"NodesModifierSettings", []fieldDef{{"IDProperty", "*properties"}}},
	{"NodesModifierData", []fieldDef{{"ModifierData", "modifier"}, {"bNodeTree", "*node_group"}, {"NodesModifierSettings", "settings"}}},
	{"Object", []fieldDef{{"ID", "id"}, {"AnimData", "*adt"}, {"void", "*data"}, {"ListBase", "modifiers"}, {"ListBase", "particlesystem"}, {"bPose", "*pose"}, {"Material", "**mat"}, {"int", "totcol"}, {"short", "transflag"}, {"short", "_pad"}, {"Collection", "*instance_collection"}, {"Object", "*proxy"}, {"Object", "*proxy_group"}, {"Object", "*parent"}}},
	{"Base", []fieldDef{{"Base", "*next"}, {"Base", "*prev"}, {"Object", "*object"}}},
	{"Editing", []fieldDef{{"ListBase", "seqbase"}}},
	{"StripElem", []fieldDef{{"char", "name[256]"}, {"int", "orig_width"}, {"int", "orig_height"}}},
	{"Strip", []fieldDef{{"Strip", "*next"}, {"Strip", "*prev"}, {"int", "us"}, {"int", "done"}, {"StripElem", "*stripdata"}, {"char", "dir[768]"}}},
	{"Sequence", []fieldDef{{"Sequence", "*next"}, {"Sequence", "*prev"}, {"char", "name[64]"}, {"int", "flag"}, {"int", "type"}, {"int", "len"}, {"Strip", "*strip"}, {"Scene", "*scene"}, {"MovieClip", "*clip"}, {"bSound", "*sound"}, {"ListBase", "seqbase"}}},
	{"Scene", []fieldDef{{"ID", "id"}, {"AnimData", "*adt"}, {"Object", "*camera"}, {"World", "*world"}, {"Scene", "*set"}, {"ListBase", "base"}, {"Editing", "*ed"}, {"bNodeTree", "*nodetree"}, {"MovieClip", "*clip"}, {"Collection", "*master_collection"}}},
}

var primitiveSizes = map[string]int{
	"void":     0,
	"char":     1,
	"uchar":    1,
	"short":    2,
	"ushort":   2,
	"int":      4,
	"uint":     4,
	"float":    4,
	"double":   8,
	"int64_t":  8,
	"uint64_t": 8,
}

// parsed declarator: stars, base name, array product.
type declName struct {
	full     string
	base     string
	pointers int
	arrayLen int
}

func parseDecl(full string) declName {
	d := declName{full: full, arrayLen: 1}
	s := full
	for strings.HasPrefix(s, "*") {
		d.pointers++
		s = s[1:]
	}
	if i := strings.IndexByte(s, '['); i >= 0 {
		dims := s[i:]
		s = s[:i]
		for len(dims) > 0 && dims[0] == '[' {
			end := strings.IndexByte(dims, ']')
			n, err := strconv.Atoi(dims[1:end])
			if err != nil {
				panic("blendtest: bad array in " + full)
			}
			d.arrayLen *= n
			dims = dims[end+1:]
		}
	}
	d.base = s
	return d
}

type layoutField struct {
	def    fieldDef
	decl   declName
	offset int
	size   int
}

type layout struct {
	name   string
	index  int
	size   int
	fields map[string]layoutField
	order  []string
}

// Option configures a Builder.
type Option func(*Builder)

// WithPointerSize sets the stored pointer size, 4 or 8.
func WithPointerSize(n int) Option {
	return func(b *Builder) { b.ptrSize = n }
}

// WithByteOrder sets the byte order of the file.
func WithByteOrder(order binary.ByteOrder) Option {
	return func(b *Builder) { b.order = order }
}

// WithVersion sets the three-digit version in the header.
func WithVersion(v int) Option {
	return func(b *Builder) { b.version = v }
}

type blockRec struct {
	code    string
	addr    Ptr
	sdna    int
	count   int
	payload []byte
}

// Builder assembles a blend file in memory. Methods panic on misuse:
// a broken fixture is a test bug, not a runtime condition.
type Builder struct {
	order    binary.ByteOrder
	ptrSize  int
	version  int
	layouts  map[string]*layout
	blocks   []blockRec
	nextAddr Ptr
}

// NewBuilder creates a builder for a little-endian 64-bit file, the
// shape modern files have.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		order:    binary.LittleEndian,
		ptrSize:  8,
		version:  405,
		nextAddr: 0x100000,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.ptrSize != 4 && b.ptrSize != 8 {
		panic("blendtest: pointer size must be 4 or 8")
	}
	b.computeLayouts()
	return b
}

func (b *Builder) computeLayouts() {
	b.layouts = make(map[string]*layout, len(canonicalStructs))
	for i, sd := range canonicalStructs {
		l := &layout{
			name:   sd.name,
			index:  i,
			fields: make(map[string]layoutField, len(sd.fields)),
		}
		offset := 0
		for _, fd := range sd.fields {
			decl := parseDecl(fd.name)
			var size int
			if decl.pointers > 0 {
				size = b.ptrSize * decl.arrayLen
			} else if prim, ok := primitiveSizes[fd.typ]; ok {
				size = prim * decl.arrayLen
			} else if sub, ok := b.layouts[fd.typ]; ok {
				size = sub.size * decl.arrayLen
			} else {
				panic("blendtest: struct " + sd.name + " embeds undeclared " + fd.typ)
			}
			l.fields[decl.base] = layoutField{def: fd, decl: decl, offset: offset, size: size}
			l.order = append(l.order, decl.base)
			offset += size
		}
		l.size = offset
		b.layouts[sd.name] = l
	}
}

// Alloc reserves an address without adding a block, for fixtures whose
// link structure needs addresses before the blocks exist.
func (b *Builder) Alloc() Ptr {
	addr := b.nextAddr
	b.nextAddr += 0x1000
	return addr
}

// Add appends a datablock with an auto-assigned address.
func (b *Builder) Add(code, structName string, fields F) Ptr {
	return b.AddAt(b.Alloc(), code, structName, fields)
}

// AddAt appends a datablock at a previously allocated address.
func (b *Builder) AddAt(addr Ptr, code, structName string, fields F) Ptr {
	l, ok := b.layouts[structName]
	if !ok {
		panic("blendtest: unknown struct " + structName)
	}
	payload := make([]byte, l.size)
	b.fill(payload, l, fields)
	b.blocks = append(b.blocks, blockRec{code: code, addr: addr, sdna: l.index, count: 1, payload: payload})
	return addr
}

// AddElems appends a DATA block holding count consecutive instances of
// one struct. When typed is false the record keeps struct index zero,
// the shape raw element arrays have on disk; readers must refine to the
// element type by name.
func (b *Builder) AddElems(structName string, typed bool, elems []F) Ptr {
	l, ok := b.layouts[structName]
	if !ok {
		panic("blendtest: unknown struct " + structName)
	}
	payload := make([]byte, l.size*len(elems))
	for i, f := range elems {
		b.fill(payload[i*l.size:(i+1)*l.size], l, f)
	}
	sdna := 0
	if typed {
		sdna = l.index
	}
	addr := b.Alloc()
	b.blocks = append(b.blocks, blockRec{code: "DATA", addr: addr, sdna: sdna, count: len(elems), payload: payload})
	return addr
}

// AddPointers appends a DATA block holding a heap array of pointers,
// the layout material slot arrays use.
func (b *Builder) AddPointers(addrs ...Ptr) Ptr {
	payload := make([]byte, b.ptrSize*len(addrs))
	for i, a := range addrs {
		b.putPointer(payload[i*b.ptrSize:], a)
	}
	addr := b.Alloc()
	b.blocks = append(b.blocks, blockRec{code: "DATA", addr: addr, sdna: 0, count: len(addrs), payload: payload})
	return addr
}

// AddRaw appends a block with an arbitrary payload, for fixtures that
// model damage or unknown codes.
func (b *Builder) AddRaw(code string, sdna, count int, payload []byte) Ptr {
	addr := b.Alloc()
	b.blocks = append(b.blocks, blockRec{code: code, addr: addr, sdna: sdna, count: count, payload: payload})
	return addr
}

// resolveField walks a dotted path through embedded structs.
func (b *Builder) resolveField(l *layout, path string) (layoutField, int) {
	offset := 0
	cur := l
	segs := strings.Split(path, ".")
	for i, seg := range segs {
		lf, ok := cur.fields[seg]
		if !ok {
			panic(fmt.Sprintf("blendtest: %s has no field %s (path %s)", cur.name, seg, path))
		}
		offset += lf.offset
		if i == len(segs)-1 {
			return lf, offset
		}
		if lf.decl.pointers > 0 {
			panic(fmt.Sprintf("blendtest: %s.%s is a pointer, not embedded", cur.name, seg))
		}
		sub, ok := b.layouts[lf.def.typ]
		if !ok {
			panic(fmt.Sprintf("blendtest: %s.%s is not an embedded struct", cur.name, seg))
		}
		cur = sub
	}
	panic("blendtest: empty field path")
}

func (b *Builder) fill(payload []byte, l *layout, fields F) {
	for path, val := range fields {
		lf, offset := b.resolveField(l, path)
		dst := payload[offset : offset+lf.size]
		switch v := val.(type) {
		case string:
			if lf.decl.pointers > 0 || lf.def.typ != "char" {
				panic("blendtest: string value for non char array " + path)
			}
			if len(v)+1 > lf.size {
				panic("blendtest: string too long for " + path)
			}
			copy(dst, v)
		case []byte:
			if len(v) > lf.size {
				panic("blendtest: bytes too long for " + path)
			}
			copy(dst, v)
		case Ptr:
			if lf.decl.pointers == 0 {
				panic("blendtest: pointer value for non pointer " + path)
			}
			b.putPointer(dst, v)
		case int:
			b.putInt(dst, lf, int64(v), path)
		case int64:
			b.putInt(dst, lf, v, path)
		case float64:
			switch lf.def.typ {
			case "float":
				b.order.PutUint32(dst, math.Float32bits(float32(v)))
			case "double":
				b.order.PutUint64(dst, math.Float64bits(v))
			default:
				panic("blendtest: float value for non float field " + path)
			}
		default:
			panic(fmt.Sprintf("blendtest: unsupported value %T for %s", val, path))
		}
	}
}

func (b *Builder) putInt(dst []byte, lf layoutField, v int64, path string) {
	if lf.decl.pointers > 0 {
		panic("blendtest: int value for pointer field " + path + ", use Ptr")
	}
	prim, ok := primitiveSizes[lf.def.typ]
	if !ok {
		panic("blendtest: int value for struct field " + path)
	}
	switch prim {
	case 1:
		dst[0] = byte(v)
	case 2:
		b.order.PutUint16(dst, uint16(v))
	case 4:
		b.order.PutUint32(dst, uint32(v))
	case 8:
		b.order.PutUint64(dst, uint64(v))
	default:
		panic("blendtest: int value for void field " + path)
	}
}

func (b *Builder) putPointer(dst []byte, v Ptr) {
	if b.ptrSize == 4 {
		b.order.PutUint32(dst, uint32(v))
	} else {
		b.order.PutUint64(dst, uint64(v))
	}
}

// Bytes assembles the complete file.
func (b *Builder) Bytes() []byte {
	var out []byte

	hdr := make([]byte, 0, 12)
	hdr = append(hdr, "BLENDER"...)
	if b.ptrSize == 4 {
		hdr = append(hdr, '_')
	} else {
		hdr = append(hdr, '-')
	}
	if b.order == binary.ByteOrder(binary.BigEndian) {
		hdr = append(hdr, 'V')
	} else {
		hdr = append(hdr, 'v')
	}
	if b.version > 999 {
		panic("blendtest: version must fit three digits")
	}
	hdr = append(hdr, fmt.Sprintf("%03d", b.version)...)
	out = append(out, hdr...)

	for _, rec := range b.blocks {
		out = b.appendBlock(out, rec)
	}
	out = b.appendBlock(out, blockRec{code: "DNA1", addr: b.Alloc(), sdna: 0, count: 1, payload: b.encodeDNA()})
	out = b.appendBlock(out, blockRec{code: "ENDB"})
	return out
}

func (b *Builder) appendBlock(out []byte, rec blockRec) []byte {
	var code [4]byte
	copy(code[:], rec.code)
	out = append(out, code[:]...)

	out = b.appendUint32(out, uint32(len(rec.payload)))
	if b.ptrSize == 4 {
		out = b.appendUint32(out, uint32(rec.addr))
	} else {
		out = b.appendUint64(out, uint64(rec.addr))
	}
	out = b.appendUint32(out, uint32(rec.sdna))
	out = b.appendUint32(out, uint32(rec.count))
	return append(out, rec.payload...)
}

func (b *Builder) appendUint32(out []byte, v uint32) []byte {
	var buf [4]byte
	b.order.PutUint32(buf[:], v)
	return append(out, buf[:]...)
}

func (b *Builder) appendUint64(out []byte, v uint64) []byte {
	var buf [8]byte
	b.order.PutUint64(buf[:], v)
	return append(out, buf[:]...)
}

// encodeDNA writes the SDNA payload: names, types, lengths and struct
// definitions, each section aligned to four bytes.
func (b *Builder) encodeDNA() []byte {
	var names []string
	nameIndex := make(map[string]int)
	var types []string
	typeIndex := make(map[string]int)
	addType := func(name string) int {
		if i, ok := typeIndex[name]; ok {
			return i
		}
		typeIndex[name] = len(types)
		types = append(types, name)
		return typeIndex[name]
	}

	// Primitives first in a stable order, then structs in declaration
	// order, mirroring how real tables group them.
	for _, prim := range []string{"void", "char", "uchar", "short", "ushort", "int", "uint", "float", "double", "int64_t", "uint64_t"} {
		addType(prim)
	}
	for _, sd := range canonicalStructs {
		addType(sd.name)
	}
	for _, sd := range canonicalStructs {
		for _, fd := range sd.fields {
			addType(fd.typ)
			if _, ok := nameIndex[fd.name]; !ok {
				nameIndex[fd.name] = len(names)
				names = append(names, fd.name)
			}
		}
	}

	lens := make([]int, len(types))
	for i, name := range types {
		if prim, ok := primitiveSizes[name]; ok {
			lens[i] = prim
		} else if l, ok := b.layouts[name]; ok {
			lens[i] = l.size
		}
	}

	var buf []byte
	align4 := func() {
		for len(buf)%4 != 0 {
			buf = append(buf, 0)
		}
	}

	buf = append(buf, "SDNA"...)

	buf = append(buf, "NAME"...)
	buf = b.appendUint32(buf, uint32(len(names)))
	for _, n := range names {
		buf = append(buf, n...)
		buf = append(buf, 0)
	}
	align4()

	buf = append(buf, "TYPE"...)
	buf = b.appendUint32(buf, uint32(len(types)))
	for _, n := range types {
		buf = append(buf, n...)
		buf = append(buf, 0)
	}
	align4()

	buf = append(buf, "TLEN"...)
	for _, l := range lens {
		var u [2]byte
		b.order.PutUint16(u[:], uint16(l))
		buf = append(buf, u[:]...)
	}
	align4()

	buf = append(buf, "STRC"...)
	buf = b.appendUint32(buf, uint32(len(canonicalStructs)))
	for _, sd := range canonicalStructs {
		var u [2]byte
		b.order.PutUint16(u[:], uint16(typeIndex[sd.name]))
		buf = append(buf, u[:]...)
		b.order.PutUint16(u[:], uint16(len(sd.fields)))
		buf = append(buf, u[:]...)
		for _, fd := range sd.fields {
			b.order.PutUint16(u[:], uint16(typeIndex[fd.typ]))
			buf = append(buf, u[:]...)
			b.order.PutUint16(u[:], uint16(nameIndex[fd.name]))
			buf = append(buf, u[:]...)
		}
	}
	return buf
}

// WriteFile writes the assembled file to path.
func (b *Builder) WriteFile(path string) error {
	return os.WriteFile(path, b.Bytes(), 0o644)
}

// WriteFileGzip writes the file wrapped in gzip, the whole-file
// compression older program versions use.
func (b *Builder) WriteFileGzip(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(f)
	if _, err := zw.Write(b.Bytes()); err != nil {
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteFileZstd writes the file wrapped in zstd, the whole-file
// compression newer program versions use.
func (b *Builder) WriteFileZstd(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return err
	}
	if _, err := zw.Write(b.Bytes()); err != nil {
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

