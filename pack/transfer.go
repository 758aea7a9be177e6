package pack

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/blendpack/blendpack/internal/event"
)

// Item is one placement order for a Transferrer: put the file at Source
// into the pack at Dest. Dest is absolute under the pack target; for
// archive backends it is a virtual path that decides the entry name.
type Item struct {
	Source string
	Dest   string
	// Move marks sources the transferrer owns, such as rewritten
	// temporary copies. They may be moved instead of copied.
	Move bool
	// Size is the source size in bytes when known, for progress totals.
	Size int64
}

// TransferReport summarizes one transfer run. A run finishes even when
// individual items fail; those are recorded here.
type TransferReport struct {
	// Files and Bytes count successfully placed items.
	Files int
	Bytes int64
	// Failed maps a destination to the reason its item was not placed.
	Failed map[string]string

	// ArchivePath is the produced archive, for archive backends.
	ArchivePath string
	// TOCDigest identifies the archive's table of contents, for
	// backends that have one.
	TOCDigest digest.Digest
}

// fail records a per-item failure.
func (r *TransferReport) fail(dest string, err error) {
	if r.Failed == nil {
		r.Failed = make(map[string]string)
	}
	r.Failed[dest] = err.Error()
}

// Transferrer places planned files into a pack target. Implementations
// decide physical layout only; which files go where is the plan's call.
type Transferrer interface {
	// Transfer places every item. The returned report is non-nil even
	// on error. The context cancels the run between items.
	Transfer(ctx context.Context, items []Item) (*TransferReport, error)
}

// transferConfig carries the options shared by the built-in backends.
type transferConfig struct {
	logger   *slog.Logger
	progress event.Func
	parallel int
	compress bool
}

// TransferOption configures a built-in Transferrer.
type TransferOption func(*transferConfig)

// WithTransferLogger sets the logger for transfer diagnostics.
func WithTransferLogger(logger *slog.Logger) TransferOption {
	return func(cfg *transferConfig) {
		cfg.logger = logger
	}
}

// WithTransferProgress sets the progress callback. Events carry the
// transfer stage and cumulative file and byte counters.
func WithTransferProgress(fn event.Func) TransferOption {
	return func(cfg *transferConfig) {
		cfg.progress = fn
	}
}

// WithParallelism bounds concurrent copies in the directory backend.
// Archive backends always write serially. Values below 1 mean serial.
func WithParallelism(n int) TransferOption {
	return func(cfg *transferConfig) {
		cfg.parallel = n
	}
}

// WithBlendCompression stores blend files zstd-compressed. Blender
// opens such files transparently. Sources that are already compressed
// as a whole are kept as they are.
func WithBlendCompression() TransferOption {
	return func(cfg *transferConfig) {
		cfg.compress = true
	}
}

func (cfg *transferConfig) log() *slog.Logger {
	if cfg.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return cfg.logger
}

// entryName turns an item destination nested under an archive's path
// into the entry name inside that archive.
func entryName(archivePath, dest string) string {
	if rel := strings.TrimPrefix(dest, archivePath+"/"); rel != dest {
		return rel
	}
	return path.Base(dest)
}

// openSource opens an item's source for reading. Archive backends probe
// here before writing an entry header, so a bad source skips the item
// instead of corrupting the archive stream.
func openSource(source string) (*os.File, os.FileInfo, error) {
	src := filepath.FromSlash(source)
	info, err := os.Stat(src)
	if err != nil {
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, nil, fmt.Errorf("%s is not a regular file", source)
	}
	in, err := os.Open(src)
	if err != nil {
		return nil, nil, err
	}
	return in, info, nil
}
