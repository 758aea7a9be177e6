package pack

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/blendpack/blendpack/blendfile"
	"github.com/blendpack/blendpack/internal/event"
)

// defaultParallelism bounds concurrent copies when the caller does not
// choose a limit.
const defaultParallelism = 4

// DirTransferrer writes a pack as a plain directory tree. Copies are
// atomic (temp file plus rename) and independent items run in parallel.
// A destination whose size and modification time already match its
// source is left alone, so re-running a partial pack is cheap.
type DirTransferrer struct {
	cfg transferConfig
}

// NewDirTransferrer returns a Transferrer writing into a directory
// layout. Destinations carry their own absolute paths, so no root
// directory is configured here.
func NewDirTransferrer(opts ...TransferOption) *DirTransferrer {
	t := &DirTransferrer{}
	for _, opt := range opts {
		opt(&t.cfg)
	}
	return t
}

// Transfer places all items. Item failures are recorded in the report
// and do not stop the run; only context cancellation does.
func (t *DirTransferrer) Transfer(ctx context.Context, items []Item) (*TransferReport, error) {
	report := &TransferReport{}
	var (
		mu      sync.Mutex
		counter event.Counter
		total   int64
	)
	for _, item := range items {
		total += item.Size
	}

	limit := t.cfg.parallel
	if limit == 0 {
		limit = defaultParallelism
	}
	if limit < 1 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, item := range items {
		if err := gctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			size, err := t.place(item)
			mu.Lock()
			if err != nil {
				t.cfg.log().Warn("file not packed",
					slog.String("source", item.Source),
					slog.String("dest", item.Dest),
					slog.Any("error", err))
				report.fail(item.Dest, err)
			} else {
				report.Files, report.Bytes = counter.AddFile(size)
			}
			mu.Unlock()
			if err == nil {
				files, bytes := counter.Totals()
				t.cfg.progress.Emit(event.Event{
					Stage:      event.StageTransfer,
					Path:       item.Dest,
					FilesDone:  files,
					FilesTotal: len(items),
					BytesDone:  bytes,
					BytesTotal: total,
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("pack: transfer: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("pack: transfer: %w", err)
	}
	return report, nil
}

// place puts one item at its destination and returns the bytes counted
// for it.
func (t *DirTransferrer) place(item Item) (int64, error) {
	src := filepath.FromSlash(item.Source)
	dest := filepath.FromSlash(item.Dest)

	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}

	compress := t.cfg.compress && strings.HasSuffix(dest, ".blend") && !alreadyWrapped(src)

	if same, err := upToDate(dest, info, compress); err == nil && same {
		t.cfg.log().Debug("destination up to date", slog.String("dest", item.Dest))
		return info.Size(), nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return 0, err
	}

	if item.Move && !compress {
		if err := os.Rename(src, dest); err == nil {
			_ = os.Chtimes(dest, info.ModTime(), info.ModTime())
			return info.Size(), nil
		}
		// Cross-device moves fall back to copy and remove.
	}

	if err := copyFileAtomic(dest, src, info, compress); err != nil {
		return 0, err
	}
	if item.Move {
		_ = os.Remove(src)
	}
	return info.Size(), nil
}

// upToDate reports whether dest already holds this source. Compressed
// destinations cannot be compared by size, so only the preserved
// modification time decides for them.
func upToDate(dest string, src os.FileInfo, compressed bool) (bool, error) {
	st, err := os.Stat(dest)
	if err != nil {
		return false, err
	}
	if !st.ModTime().Equal(src.ModTime()) {
		return false, nil
	}
	return compressed || st.Size() == src.Size(), nil
}

// alreadyWrapped reports whether the blend file at src is compressed as
// a whole. Such files are packed verbatim rather than wrapped twice.
func alreadyWrapped(src string) bool {
	f, err := os.Open(src)
	if err != nil {
		return false
	}
	defer f.Close()
	comp, err := blendfile.SniffCompression(f)
	return err == nil && comp != blendfile.CompressionNone
}

// copyFileAtomic copies src to dest through a temp file in the target
// directory, preserving mode and modification time. With compress set
// the payload is written as a zstd stream.
func copyFileAtomic(dest, src string, info os.FileInfo, compress bool) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".blendpack-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if compress {
		enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err == nil {
			_, err = io.Copy(enc, in)
			if closeErr := enc.Close(); err == nil {
				err = closeErr
			}
		}
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	} else if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, info.Mode().Perm()); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chtimes(tmpPath, info.ModTime(), info.ModTime()); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
