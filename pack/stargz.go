package pack

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/stargz-snapshotter/estargz"
	"github.com/klauspost/compress/gzip"

	"github.com/blendpack/blendpack/internal/event"
)

// StargzTransferrer writes the pack as a seekable eStargz archive. A
// consumer can open single assets over range requests without pulling
// the whole pack, which suits render farms hydrating one shot at a
// time. Blend files are prioritized so they land at the front of the
// archive.
type StargzTransferrer struct {
	path string
	cfg  transferConfig
}

// NewStargzTransferrer returns a Transferrer producing an eStargz
// archive at archivePath.
func NewStargzTransferrer(archivePath string, opts ...TransferOption) *StargzTransferrer {
	t := &StargzTransferrer{path: filepath.ToSlash(archivePath)}
	for _, opt := range opts {
		opt(&t.cfg)
	}
	return t
}

// Transfer assembles all items into a tar stream and converts it into
// an eStargz archive. The report carries the archive path and the TOC
// digest a consumer verifies against.
func (t *StargzTransferrer) Transfer(ctx context.Context, items []Item) (*TransferReport, error) {
	report := &TransferReport{ArchivePath: t.path}

	sys := filepath.FromSlash(t.path)
	if err := os.MkdirAll(filepath.Dir(sys), 0o750); err != nil {
		return report, fmt.Errorf("pack: stargz: %w", err)
	}

	tarFile, err := os.CreateTemp(filepath.Dir(sys), ".blendpack-*.tar")
	if err != nil {
		return report, fmt.Errorf("pack: stargz: %w", err)
	}
	tarPath := tarFile.Name()
	defer os.Remove(tarPath)

	blends, err := t.writeTar(ctx, tarFile, items, report)
	if err != nil {
		tarFile.Close()
		return report, err
	}

	size, err := tarFile.Seek(0, io.SeekEnd)
	if err != nil {
		tarFile.Close()
		return report, fmt.Errorf("pack: stargz: %w", err)
	}

	blob, err := estargz.Build(io.NewSectionReader(tarFile, 0, size),
		estargz.WithContext(ctx),
		estargz.WithCompressionLevel(gzip.BestSpeed),
		estargz.WithPrioritizedFiles(blends))
	if err != nil {
		tarFile.Close()
		return report, fmt.Errorf("pack: stargz: %w", err)
	}

	out, err := os.CreateTemp(filepath.Dir(sys), ".blendpack-*.stargz")
	if err != nil {
		blob.Close()
		tarFile.Close()
		return report, fmt.Errorf("pack: stargz: %w", err)
	}
	outPath := out.Name()
	defer os.Remove(outPath)

	_, err = io.Copy(out, blob)
	if closeErr := blob.Close(); err == nil {
		err = closeErr
	}
	tarFile.Close()
	if err != nil {
		out.Close()
		return report, fmt.Errorf("pack: stargz: %w", err)
	}
	report.TOCDigest = blob.TOCDigest()

	if err := out.Close(); err != nil {
		return report, fmt.Errorf("pack: stargz: %w", err)
	}
	if err := os.Rename(outPath, sys); err != nil {
		return report, fmt.Errorf("pack: stargz: %w", err)
	}
	return report, nil
}

// writeTar streams every item into a tar writer and returns the entry
// names of blend files for prioritization.
func (t *StargzTransferrer) writeTar(ctx context.Context, w io.Writer, items []Item, report *TransferReport) ([]string, error) {
	tw := tar.NewWriter(w)
	var (
		counter event.Counter
		blends  []string
		total   int64
	)
	for _, item := range items {
		total += item.Size
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("pack: stargz: %w", err)
		}
		name := entryName(t.path, item.Dest)
		in, info, err := openSource(item.Source)
		if err != nil {
			t.cfg.log().Warn("entry not packed",
				slog.String("source", item.Source),
				slog.Any("error", err))
			report.fail(item.Dest, err)
			continue
		}
		err = writeTarEntry(tw, name, in, info)
		in.Close()
		if err != nil {
			// Entry data already started; the stream cannot recover.
			return nil, fmt.Errorf("pack: stargz: %s: %w", item.Source, err)
		}
		if item.Move {
			_ = os.Remove(filepath.FromSlash(item.Source))
		}
		if strings.HasSuffix(name, ".blend") {
			blends = append(blends, name)
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
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("pack: stargz: %w", err)
	}
	return blends, nil
}

// writeTarEntry writes one open source file into the tar stream.
func writeTarEntry(tw *tar.Writer, name string, in *os.File, info os.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, in)
	return err
}
