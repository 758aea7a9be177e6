package pack

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"

	"github.com/blendpack/blendpack/blendfile"
	"github.com/blendpack/blendpack/internal/event"
)

// storeOnly lists extensions whose formats are already compressed.
// Deflating them burns CPU for nothing, so their entries are stored.
var storeOnly = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".exr": true,
	".mp4": true, ".mov": true, ".mkv": true, ".avi": true,
	".mp3": true, ".ogg": true, ".flac": true,
	".zip": true, ".rar": true, ".7z": true, ".gz": true, ".bz2": true, ".xz": true,
	".ktx2": true, ".dds": true, ".blend": true,
}

// storeBigBytes stores entries at or above this size outright. Files
// that large are usually caches and rarely compress well.
const storeBigBytes = 256 << 20

// ZipTransferrer writes the pack as a single ZIP archive. All entries
// go through one writer; the archive appears at its final path only
// when complete.
type ZipTransferrer struct {
	path string
	cfg  transferConfig
}

// NewZipTransferrer returns a Transferrer producing a ZIP archive at
// zipPath. Item destinations nested under zipPath become entry names.
func NewZipTransferrer(zipPath string, opts ...TransferOption) *ZipTransferrer {
	t := &ZipTransferrer{path: filepath.ToSlash(zipPath)}
	for _, opt := range opts {
		opt(&t.cfg)
	}
	return t
}

// Transfer writes every item into the archive. Failed items are left
// out and recorded; the archive is still produced.
func (t *ZipTransferrer) Transfer(ctx context.Context, items []Item) (*TransferReport, error) {
	report := &TransferReport{ArchivePath: t.path}

	sys := filepath.FromSlash(t.path)
	if err := os.MkdirAll(filepath.Dir(sys), 0o750); err != nil {
		return report, fmt.Errorf("pack: zip: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(sys), ".blendpack-*.zip")
	if err != nil {
		return report, fmt.Errorf("pack: zip: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	zw := zip.NewWriter(tmp)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestSpeed)
	})

	var counter event.Counter
	var total int64
	for _, item := range items {
		total += item.Size
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			zw.Close()
			tmp.Close()
			return report, fmt.Errorf("pack: zip: %w", err)
		}
		in, info, err := openSource(item.Source)
		if err != nil {
			t.cfg.log().Warn("entry not packed",
				slog.String("source", item.Source),
				slog.Any("error", err))
			report.fail(item.Dest, err)
			continue
		}
		err = t.writeEntry(zw, item, in, info)
		in.Close()
		if err != nil {
			// Entry data already started; the stream cannot recover.
			zw.Close()
			tmp.Close()
			return report, fmt.Errorf("pack: zip: %s: %w", item.Source, err)
		}
		if item.Move {
			_ = os.Remove(filepath.FromSlash(item.Source))
		}
		report.Files, report.Bytes = counter.AddFile(info.Size())
		t.cfg.progress.Emit(event.Event{
			Stage:      event.StageTransfer,
			Path:       item.Dest,
			FilesDone:  report.Files,
			FilesTotal: len(items),
			BytesDone:  report.Bytes,
			BytesTotal: total,
		})
	}

	if err := zw.Close(); err != nil {
		tmp.Close()
		return report, fmt.Errorf("pack: zip: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return report, fmt.Errorf("pack: zip: %w", err)
	}
	if err := os.Rename(tmpPath, sys); err != nil {
		return report, fmt.Errorf("pack: zip: %w", err)
	}
	return report, nil
}

// writeEntry writes one open source file into the archive.
func (t *ZipTransferrer) writeEntry(zw *zip.Writer, item Item, in *os.File, info os.FileInfo) error {
	name := entryName(t.path, item.Dest)
	method := t.method(name, info.Size())
	if method == zip.Deflate && compressedContent(in) {
		method = zip.Store
	}
	hdr := &zip.FileHeader{
		Name:     name,
		Method:   method,
		Modified: info.ModTime(),
	}
	hdr.SetMode(info.Mode())

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}

	// Blend files may gain their own zstd wrapping inside a stored
	// entry, which Blender reads transparently. Sources that are
	// already wrapped stay as they are.
	if t.cfg.compress && strings.HasSuffix(name, ".blend") {
		comp, err := blendfile.SniffCompression(in)
		if err == nil && comp == blendfile.CompressionNone {
			enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
			if err != nil {
				return err
			}
			if _, err := io.Copy(enc, in); err != nil {
				enc.Close()
				return err
			}
			return enc.Close()
		}
	}

	_, err = io.Copy(w, in)
	return err
}

// method picks the compression method for an entry by name and size.
func (t *ZipTransferrer) method(name string, size int64) uint16 {
	if storeOnly[strings.ToLower(path.Ext(name))] {
		return zip.Store
	}
	if size >= storeBigBytes {
		return zip.Store
	}
	return zip.Deflate
}

// compressedContent sniffs the head of a file for media formats that
// will not deflate further, catching assets with unusual or missing
// extensions. The read does not disturb the file offset.
func compressedContent(in *os.File) bool {
	var buf [262]byte
	n, err := in.ReadAt(buf[:], 0)
	if n == 0 && err != nil {
		return false
	}
	head := buf[:n]
	return filetype.IsImage(head) || filetype.IsVideo(head) || filetype.IsAudio(head)
}
