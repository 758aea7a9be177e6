// Package trace walks a blend file's datablock graph and reports every
// external file it depends on: images, sounds, fonts, caches, linked
// libraries and the assets those libraries pull in transitively.
//
// The walk is driven by two registries keyed on block code. Extractors
// read the path fields a datablock stores directly; expanders follow
// its pointers to other datablocks. Supporting a new block type means
// registering a function, the engine itself never changes.
package trace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/blendpack/blendpack/blendfile"
	"github.com/blendpack/blendpack/bpath"
	"github.com/blendpack/blendpack/internal/event"
)

// Option configures a trace.
type Option func(*tracer)

// WithCache shares a file cache with the caller. The cache is left
// open; closing it stays the caller's job. Without this option the
// trace uses a private cache closed before Deps returns.
func WithCache(c *blendfile.Cache) Option {
	return func(t *tracer) { t.cache = c }
}

// WithLogger sets the logger. Without it nothing is logged.
func WithLogger(logger *slog.Logger) Option {
	return func(t *tracer) { t.logger = logger }
}

// WithProgress sets a progress callback invoked once per newly found
// asset.
func WithProgress(fn event.Func) Option {
	return func(t *tracer) { t.progress = fn }
}

// WithoutLibraries keeps the trace within the named file. Linked
// libraries are still reported as assets; the files they pull in
// transitively are not.
func WithoutLibraries() Option {
	return func(t *tracer) { t.followLibs = false }
}

type blockKey struct {
	file *blendfile.File
	addr uint64
}

type tracer struct {
	cache      *blendfile.Cache
	logger     *slog.Logger
	progress   event.Func
	followLibs bool

	visited map[blockKey]struct{}
	queue   []*blendfile.Block
	refs    map[string]*AssetReference
	order   []string
}

func (t *tracer) log() *slog.Logger {
	if t.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return t.logger
}

// Deps reports every external file the named blend file depends on,
// deduplicated on resolved path, in first-found order. The root file
// failing to parse is fatal; defects inside the graph (dangling
// pointers, unreadable libraries) are logged, reported as far as
// possible and never abort the walk.
func Deps(ctx context.Context, blendPath string, opts ...Option) ([]AssetReference, error) {
	t := &tracer{
		followLibs: true,
		visited:    make(map[blockKey]struct{}),
		refs:       make(map[string]*AssetReference),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.cache == nil {
		cache := blendfile.NewCache(blendfile.WithLogger(t.logger))
		defer cache.Close()
		t.cache = cache
	}

	f, err := t.cache.Open(blendPath)
	if err != nil {
		return nil, fmt.Errorf("trace: opening %s: %w", blendPath, err)
	}
	t.seed(f)

	for len(t.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b := t.queue[0]
		t.queue = t.queue[1:]
		t.visit(b)
	}

	out := make([]AssetReference, 0, len(t.order))
	for _, key := range t.order {
		out = append(out, *t.refs[key])
	}
	return out, nil
}

// seed queues every datablock of a file. Two-letter codes are
// datablocks; DATA sub-blocks and bookkeeping records are reached only
// through pointers.
func (t *tracer) seed(f *blendfile.File) {
	for _, b := range f.Blocks() {
		if len(b.Code) == 2 {
			t.enqueue(b)
		}
	}
}

func (t *tracer) enqueue(b *blendfile.Block) {
	key := blockKey{file: b.File(), addr: b.Addr}
	if _, dup := t.visited[key]; dup {
		return
	}
	t.visited[key] = struct{}{}
	t.queue = append(t.queue, b)
}

func (t *tracer) visit(b *blendfile.Block) {
	lib, err := linkedLibrary(b)
	if err != nil {
		t.log().Debug("cannot check library link",
			slog.String("block", b.Code),
			slog.String("file", b.File().Path),
			slog.Any("error", err))
	}
	if lib != nil {
		t.crossLibrary(b, lib)
		return
	}

	v, err := b.View()
	if err != nil {
		t.log().Debug("skipping block without usable struct",
			slog.String("block", b.Code),
			slog.Any("error", err))
		return
	}

	if extract, ok := extractors[b.Code]; ok {
		usages, err := extract(v)
		if err != nil {
			t.log().Warn("block partially traced",
				slog.String("block", b.Code),
				slog.String("file", b.File().Path),
				slog.Any("error", err))
		}
		for _, u := range usages {
			t.record(u)
		}
	}

	expand, ok := expanders[b.Code]
	if !ok {
		return
	}
	children, err := expand(v)
	if err != nil {
		t.log().Warn("block partially expanded",
			slog.String("block", b.Code),
			slog.String("file", b.File().Path),
			slog.Any("error", err))
	}
	for _, child := range children {
		if len(child.Code) != 2 {
			t.log().Debug("expander yielded non-datablock",
				slog.String("code", child.Code))
			continue
		}
		t.enqueue(child)
	}
}

// linkedLibrary resolves the library a datablock is linked from, nil
// for local blocks. Linked placeholders carry a bare ID struct, full
// datablocks embed it.
func linkedLibrary(b *blendfile.Block) (*blendfile.Block, error) {
	if b.Code == "LI" {
		return nil, nil
	}
	v, err := b.View()
	if err != nil {
		return nil, err
	}
	lib, err := v.Deref("id", "lib")
	if errors.Is(err, blendfile.ErrFieldNotFound) && v.Struct().Name == "ID" {
		lib, err = v.Deref("lib")
	}
	if errors.Is(err, blendfile.ErrFieldNotFound) {
		return nil, nil
	}
	return lib, err
}

// crossLibrary handles a linked datablock: the library is reported as
// an asset through its LI block, and when libraries are followed, the
// same-named datablock is located in the library file and queued. A
// library that cannot be opened or searched is logged and skipped; the
// asset report stands either way.
func (t *tracer) crossLibrary(b *blendfile.Block, lib *blendfile.Block) {
	t.enqueue(lib)
	if !t.followLibs {
		return
	}

	lv, err := lib.View()
	if err != nil {
		return
	}
	stored, _, ok := pathField(lv, "filepath", "name")
	if !ok || len(stored) == 0 {
		t.log().Warn("library block stores no path",
			slog.String("file", lib.File().Path))
		return
	}
	blendDir := path.Dir(bpath.MakeAbsolute(lib.File().Path))
	libPath := bpath.Resolve(stored, blendDir)

	libFile, err := t.cache.Open(libPath)
	if err != nil {
		t.log().Warn("linked library cannot be opened, not tracing into it",
			slog.String("library", libPath),
			slog.Any("error", err))
		return
	}

	name, err := b.IDName()
	if err != nil {
		t.log().Warn("linked placeholder has no ID name",
			slog.String("block", b.Code),
			slog.String("library", libPath))
		return
	}
	target, ok := libFile.BlockByName(name)
	if !ok {
		t.log().Warn("datablock missing from library",
			slog.String("name", name),
			slog.String("library", libPath))
		return
	}
	t.enqueue(target)
}

// record merges a usage into the reference for its resolved path.
func (t *tracer) record(u Usage) {
	resolved := u.Resolve()
	ref, ok := t.refs[resolved]
	if !ok {
		t.refs[resolved] = &AssetReference{
			Path:       resolved,
			StoredPath: u.StoredPath,
			IsSequence: u.IsSequence,
			IsOptional: u.IsOptional,
			Usages:     []Usage{u},
		}
		t.order = append(t.order, resolved)
		t.progress.Emit(event.Event{
			Stage:     event.StageTrace,
			Path:      resolved,
			FilesDone: len(t.order),
		})
		return
	}
	ref.Usages = append(ref.Usages, u)
	ref.IsSequence = ref.IsSequence || u.IsSequence
	ref.IsOptional = ref.IsOptional && u.IsOptional
}
