package blendfile

import (
	"fmt"
	"io"
	"os"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/matchers"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression identifies the whole-file wrapping of a blend file on
// disk. Older program versions write gzip, newer ones write zstd with
// seekable frames; both decode as plain streams here.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", c)
	}
}

// sniffHeaderSize covers every magic number the sniffer needs.
const sniffHeaderSize = 262

// SniffCompression detects the wrapping of the file from its leading
// bytes. A plain blend file reports CompressionNone; anything that is
// neither a known wrapper nor a blend header is ErrMalformed.
func SniffCompression(f *os.File) (Compression, error) {
	buf := make([]byte, sniffHeaderSize)
	n, err := f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return CompressionNone, fmt.Errorf("blendfile: sniff %s: %w", f.Name(), err)
	}
	buf = buf[:n]

	kind, _ := filetype.Match(buf)
	switch kind {
	case matchers.TypeGz:
		return CompressionGzip, nil
	case matchers.TypeZstd:
		return CompressionZstd, nil
	}

	if len(buf) >= len(magic) && string(buf[:len(magic)]) == magic {
		return CompressionNone, nil
	}
	return CompressionNone, fmt.Errorf("%w: %s is neither a blend file nor a compressed one", ErrMalformed, f.Name())
}

// decompress copies the decompressed form of src to dst.
func decompress(dst io.Writer, src io.Reader, c Compression) error {
	switch c {
	case CompressionGzip:
		zr, err := gzip.NewReader(src)
		if err != nil {
			return fmt.Errorf("%w: gzip wrapper: %v", ErrMalformed, err)
		}
		defer zr.Close()
		if _, err := io.Copy(dst, zr); err != nil {
			return fmt.Errorf("%w: gzip stream: %v", ErrMalformed, err)
		}
		return nil
	case CompressionZstd:
		zr, err := zstd.NewReader(src)
		if err != nil {
			return fmt.Errorf("%w: zstd wrapper: %v", ErrMalformed, err)
		}
		defer zr.Close()
		if _, err := io.Copy(dst, zr.IOReadCloser()); err != nil {
			return fmt.Errorf("%w: zstd stream: %v", ErrMalformed, err)
		}
		return nil
	default:
		_, err := io.Copy(dst, src)
		return err
	}
}
