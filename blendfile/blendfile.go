// Package blendfile reads the container format of blend files: the
// header, the typed block records, and the DNA struct table that lets
// payloads written by any program version be interpreted by name
// instead of by hardcoded layout.
//
// Files compressed as a whole (gzip from older versions, zstd from
// newer ones) are decompressed once into a temporary file on open, so
// random access and in-place field rewriting work the same for every
// wrapping.
package blendfile

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// OpenOption configures Open.
type OpenOption func(*openConfig)

type openConfig struct {
	logger  *slog.Logger
	tempDir string
}

// WithLogger sets the logger used for open and parse diagnostics.
func WithLogger(logger *slog.Logger) OpenOption {
	return func(cfg *openConfig) {
		cfg.logger = logger
	}
}

// WithTempDir sets the directory for decompressed copies of wrapped
// files. Defaults to the system temporary directory.
func WithTempDir(dir string) OpenOption {
	return func(cfg *openConfig) {
		cfg.tempDir = dir
	}
}

// File is a parsed blend file: its block table and DNA, backed by the
// decompressed byte stream. A File holds an open file handle until
// Close; when the on-disk file was compressed, it also holds a
// temporary decompressed copy that Close removes.
type File struct {
	// Path is the file as originally opened, before any decompression.
	Path string
	// Header fixes pointer size and byte order for the whole file.
	Header Header
	// Compression is the wrapping the on-disk file had.
	Compression Compression

	r       io.ReaderAt
	size    int64
	backing *os.File
	tmpPath string

	dna    *DNA
	blocks []*Block
	byAddr map[uint64]*Block
	byName map[string]*Block

	logger *slog.Logger
	closed bool
}

// Open parses the blend file at path. Compressed files are sniffed and
// decompressed to a temporary file first. The returned File must be
// closed to release handles and the temporary copy.
func Open(path string, opts ...OpenOption) (*File, error) {
	var cfg openConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	src, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("blendfile: open %s: %w", path, err)
	}

	comp, err := SniffCompression(src)
	if err != nil {
		src.Close()
		return nil, err
	}

	f := &File{
		Path:        path,
		Compression: comp,
		logger:      cfg.logger,
	}

	if comp == CompressionNone {
		f.backing = src
	} else {
		tmp, err := os.CreateTemp(cfg.tempDir, "blendfile-*.blend")
		if err != nil {
			src.Close()
			return nil, fmt.Errorf("blendfile: temp for %s: %w", path, err)
		}
		err = decompress(tmp, src, comp)
		src.Close()
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return nil, fmt.Errorf("blendfile: decompress %s: %w", path, err)
		}
		f.backing = tmp
		f.tmpPath = tmp.Name()
		f.log().Debug("decompressed blend file",
			slog.String("path", path),
			slog.String("compression", comp.String()))
	}

	if err := f.load(); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func (f *File) log() *slog.Logger {
	if f.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return f.logger
}

// load parses the header, the block table and the DNA from the
// decompressed stream.
func (f *File) load() error {
	st, err := f.backing.Stat()
	if err != nil {
		return fmt.Errorf("blendfile: stat %s: %w", f.Path, err)
	}
	f.size = st.Size()
	f.r = f.backing

	hdr, err := ParseHeader(io.NewSectionReader(f.r, 0, f.size))
	if err != nil {
		return fmt.Errorf("%w (%s)", err, f.Path)
	}
	f.Header = hdr

	var dnaBlock *Block
	f.byAddr = make(map[uint64]*Block)

	bh := make([]byte, hdr.blockHeaderSize())
	offset := int64(HeaderSize)
	for {
		if _, err := f.r.ReadAt(bh, offset); err != nil {
			return fmt.Errorf("%w: block record at offset %d in %s: %v", ErrMalformed, offset, f.Path, err)
		}

		code := trimCode(bh[:4])
		if code == "ENDB" {
			break
		}

		length := int64(int32(hdr.ByteOrder.Uint32(bh[4:])))
		addr := hdr.readPointer(bh[8:])
		sdnaIndex := int(int32(hdr.ByteOrder.Uint32(bh[8+hdr.PointerSize:])))
		count := int(int32(hdr.ByteOrder.Uint32(bh[12+hdr.PointerSize:])))

		payload := offset + int64(len(bh))
		if length < 0 || payload+length > f.size {
			return fmt.Errorf("%w: block %q at offset %d overruns file %s", ErrMalformed, code, offset, f.Path)
		}

		b := &Block{
			Code:      code,
			Size:      length,
			Addr:      addr,
			SDNAIndex: sdnaIndex,
			Count:     count,
			file:      f,
			offset:    payload,
		}
		f.blocks = append(f.blocks, b)
		f.byAddr[addr] = b
		if code == "DNA1" {
			dnaBlock = b
		}

		offset = payload + length
	}

	if dnaBlock == nil {
		return fmt.Errorf("%w (%s)", ErrNoDNA, f.Path)
	}
	payload, err := dnaBlock.payload()
	if err != nil {
		return err
	}
	dna, err := parseDNA(payload, hdr)
	if err != nil {
		return fmt.Errorf("%w (%s)", err, f.Path)
	}
	f.dna = dna

	f.log().Debug("parsed blend file",
		slog.String("path", f.Path),
		slog.Int("version", hdr.Version),
		slog.Int("blocks", len(f.blocks)),
		slog.Int("structs", len(dna.Structs)))
	return nil
}

// trimCode strips the NUL and space padding of a 4-byte block code.
func trimCode(raw []byte) string {
	end := len(raw)
	for end > 0 && (raw[end-1] == 0 || raw[end-1] == ' ') {
		end--
	}
	return string(raw[:end])
}

// DNA returns the file's struct table.
func (f *File) DNA() *DNA { return f.dna }

// Blocks returns all blocks in file order, excluding the end marker.
func (f *File) Blocks() []*Block { return f.blocks }

// BlockByAddr resolves a stored pointer against the block table. The
// zero address and unknown addresses report false.
func (f *File) BlockByAddr(addr uint64) (*Block, bool) {
	if addr == 0 {
		return nil, false
	}
	b, ok := f.byAddr[addr]
	return b, ok
}

// BlockByName finds the datablock whose ID name matches idName, in the
// "OBCube" form: two-letter block code followed by the object name.
// Used to bind a linked datablock to its source in a library file.
func (f *File) BlockByName(idName string) (*Block, bool) {
	if f.byName == nil {
		f.byName = make(map[string]*Block)
		for _, b := range f.blocks {
			if len(b.Code) != 2 {
				continue
			}
			name, err := b.IDName()
			if err != nil || name == "" {
				continue
			}
			if _, seen := f.byName[name]; !seen {
				f.byName[name] = b
			}
		}
	}
	b, ok := f.byName[idName]
	return b, ok
}

// WriteTo copies the decompressed byte stream to w. This is the basis
// for rewriting paths: the copy has identical offsets, so field spans
// recorded from this File can be patched into it directly.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	if f.closed {
		return 0, ErrClosed
	}
	return io.Copy(w, io.NewSectionReader(f.r, 0, f.size))
}

// Size returns the size of the decompressed stream.
func (f *File) Size() int64 { return f.size }

// Close releases the underlying handle and removes the decompressed
// temporary copy, if any.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true

	var err error
	if f.backing != nil {
		err = f.backing.Close()
	}
	if f.tmpPath != "" {
		if rmErr := os.Remove(f.tmpPath); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}
