package blendfile

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the fixed size of the blend file header.
const HeaderSize = 12

const magic = "BLENDER"

// Header is the decoded 12-byte blend file header. It fixes the pointer
// size and byte order used by every block record and payload that
// follows; nothing else in the file restates them.
type Header struct {
	// PointerSize is 4 or 8, the size of stored addresses.
	PointerSize int
	// ByteOrder decodes every multi-byte value in the file.
	ByteOrder binary.ByteOrder
	// Version is the program version that wrote the file, as a
	// three-digit number such as 405.
	Version int
}

// ParseHeader reads and decodes the file header. The reader must be
// positioned at the start of the decompressed stream.
func ParseHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, fmt.Errorf("%w: short header: %v", ErrMalformed, err)
	}
	return DecodeHeader(buf)
}

// DecodeHeader decodes an already-read header.
func DecodeHeader(buf [HeaderSize]byte) (Header, error) {
	if string(buf[:len(magic)]) != magic {
		return Header{}, fmt.Errorf("%w: bad magic %q", ErrMalformed, buf[:len(magic)])
	}

	var h Header
	switch buf[7] {
	case '_':
		h.PointerSize = 4
	case '-':
		h.PointerSize = 8
	default:
		return Header{}, fmt.Errorf("%w: bad pointer size marker %q", ErrMalformed, buf[7])
	}

	switch buf[8] {
	case 'v':
		h.ByteOrder = binary.LittleEndian
	case 'V':
		h.ByteOrder = binary.BigEndian
	default:
		return Header{}, fmt.Errorf("%w: bad endianness marker %q", ErrMalformed, buf[8])
	}

	for _, c := range buf[9:12] {
		if c < '0' || c > '9' {
			return Header{}, fmt.Errorf("%w: bad version %q", ErrMalformed, buf[9:12])
		}
		h.Version = h.Version*10 + int(c-'0')
	}
	return h, nil
}

// blockHeaderSize returns the size of one block record header for the
// file's pointer size: code, length, old address, DNA index, count.
func (h Header) blockHeaderSize() int {
	return 4 + 4 + h.PointerSize + 4 + 4
}

func (h Header) readPointer(buf []byte) uint64 {
	if h.PointerSize == 4 {
		return uint64(h.ByteOrder.Uint32(buf))
	}
	return h.ByteOrder.Uint64(buf)
}
