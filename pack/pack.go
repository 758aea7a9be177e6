// Package pack bundles a blend file with everything it depends on into
// a directory, a ZIP archive, or a seekable eStargz archive that can be
// shipped to another machine.
//
// Packing is two explicit phases. Strategise traces the dependency
// graph and decides a destination for every asset: files inside the
// project root keep their project-relative layout, files outside it are
// relocated under a stable per-directory key. Execute then rewrites the
// stored references of every blend file whose assets move and transfers
// all files to the target. The split lets callers inspect or persist
// the plan, and makes a dry run a plan without an Execute.
package pack

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/blendpack/blendpack/blendfile"
	"github.com/blendpack/blendpack/bpath"
	"github.com/blendpack/blendpack/internal/event"
	"github.com/blendpack/blendpack/trace"
)

// infoFileName is the marker file written at the top of every pack.
const infoFileName = "pack-info.txt"

// Format selects the physical shape of the pack target.
type Format uint8

const (
	// FormatDir writes the pack as a directory tree.
	FormatDir Format = iota
	// FormatZip writes the pack as a single ZIP archive.
	FormatZip
	// FormatStargz writes the pack as a seekable eStargz archive.
	FormatStargz
)

func (f Format) String() string {
	switch f {
	case FormatDir:
		return "dir"
	case FormatZip:
		return "zip"
	case FormatStargz:
		return "stargz"
	default:
		return fmt.Sprintf("format(%d)", f)
	}
}

// formatFor infers the pack format from the target's extension.
func formatFor(target string) Format {
	switch strings.ToLower(path.Ext(target)) {
	case ".zip":
		return FormatZip
	case ".stargz", ".estargz":
		return FormatStargz
	default:
		return FormatDir
	}
}

// Report is the outcome of Execute.
type Report struct {
	// OutputPath is the packed root blend file. For archive targets it
	// is the virtual path the entry name derives from.
	OutputPath string
	// ArchivePath is the produced archive, empty for directory packs.
	ArchivePath string
	// TOCDigest identifies an eStargz archive's table of contents.
	TOCDigest digest.Digest

	// Planned counts the files the plan wanted to place; Files and
	// Bytes count those actually placed.
	Planned int
	Files   int
	Bytes   int64

	// Missing lists required source files that do not exist.
	Missing []string
	// Unreadable maps source files that exist but cannot be opened to
	// the reason.
	Unreadable map[string]string
	// Failed maps destinations to the reason they were not written.
	Failed map[string]string
}

// Packer bundles one blend file and its dependencies into a pack.
// A Packer is not safe for concurrent use. Close releases staging
// files and must be called even when packing fails.
type Packer struct {
	root    string
	project string
	target  string
	format  Format

	noop         bool
	rewrite      bool
	compress     bool
	relativeOnly bool
	excludes     []string
	preTraced    []trace.AssetReference
	transferrer  Transferrer

	cache    *blendfile.Cache
	ownCache bool
	logger   *slog.Logger
	progress event.Func

	plan       *Plan
	missing    map[string]struct{}
	unreadable map[string]string
	failed     map[string]string
	probes     map[string]probeResult
	udimCache  map[udimKey][]string

	tmpDir string
	closed bool
}

// Option configures a Packer.
type Option func(*Packer)

// WithFormat overrides the format inferred from the target path.
func WithFormat(f Format) Option {
	return func(p *Packer) {
		p.format = f
	}
}

// WithNoop plans without writing: Execute reports what would be packed
// and touches nothing.
func WithNoop() Option {
	return func(p *Packer) {
		p.noop = true
	}
}

// WithoutRewrite packs blend files verbatim. References to relocated
// assets will dangle in the pack; useful when a downstream step patches
// paths itself.
func WithoutRewrite() Option {
	return func(p *Packer) {
		p.rewrite = false
	}
}

// WithCompression stores packed blend files zstd-compressed.
func WithCompression() Option {
	return func(p *Packer) {
		p.compress = true
	}
}

// WithRelativeOnly packs only assets stored with blend-relative paths,
// skipping references to absolute locations.
func WithRelativeOnly() Option {
	return func(p *Packer) {
		p.relativeOnly = true
	}
}

// WithPreTraced supplies already-traced dependencies, skipping the
// trace inside Strategise.
func WithPreTraced(refs []trace.AssetReference) Option {
	return func(p *Packer) {
		p.preTraced = refs
	}
}

// WithCache shares an open-file cache with the caller, typically the
// one a previous trace warmed up. The caller keeps ownership.
func WithCache(c *blendfile.Cache) Option {
	return func(p *Packer) {
		p.cache = c
	}
}

// WithLogger sets the logger. If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Packer) {
		p.logger = logger
	}
}

// WithProgress sets the progress callback for all phases.
func WithProgress(fn event.Func) Option {
	return func(p *Packer) {
		p.progress = fn
	}
}

// WithTransferrer replaces the built-in transfer backend, for targets
// like object storage.
func WithTransferrer(t Transferrer) Option {
	return func(p *Packer) {
		p.transferrer = t
	}
}

// New prepares packing the blend file at root, which must live under
// the project directory, into target. Target is a directory for
// FormatDir and an archive path otherwise; by default the format
// follows the target's extension.
func New(root, project, target string, opts ...Option) (*Packer, error) {
	p := &Packer{
		rewrite:    true,
		missing:    make(map[string]struct{}),
		unreadable: make(map[string]string),
		failed:     make(map[string]string),
		probes:     make(map[string]probeResult),
		udimCache:  make(map[udimKey][]string),
	}
	p.root = bpath.MakeAbsolute(filepath.ToSlash(root))
	p.project = bpath.MakeAbsolute(filepath.ToSlash(project))
	p.target = nfc(bpath.MakeAbsolute(filepath.ToSlash(target)))
	p.format = formatFor(p.target)

	for _, opt := range opts {
		opt(p)
	}

	if !underDir(p.root, p.project) {
		return nil, fmt.Errorf("%w: %s not under %s", ErrRootOutsideProject, p.root, p.project)
	}

	if p.cache == nil {
		p.cache = blendfile.NewCache(blendfile.WithLogger(p.logger))
		p.ownCache = true
	}

	tmpDir, err := os.MkdirTemp("", "blendpack-*")
	if err != nil {
		return nil, fmt.Errorf("pack: staging directory: %w", err)
	}
	p.tmpDir = tmpDir
	return p, nil
}

func (p *Packer) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// Close removes staging files and releases the open-file cache when it
// is owned by the Packer.
func (p *Packer) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	var err error
	if p.tmpDir != "" {
		err = os.RemoveAll(p.tmpDir)
	}
	if p.ownCache {
		if cerr := p.cache.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Exclude registers glob patterns for files that should not be packed.
// Patterns with a path separator match the whole resolved path, others
// match the base name. Must be called before Strategise.
func (p *Packer) Exclude(globs ...string) error {
	if p.plan != nil {
		return ErrPlanExists
	}
	p.excludes = append(p.excludes, globs...)
	return nil
}

// OutputPath returns the packed location of the root blend file.
// Valid after Strategise.
func (p *Packer) OutputPath() string {
	if p.plan == nil {
		return ""
	}
	return p.plan.OutputPath
}

// Missing returns the sorted required source files found missing so
// far.
func (p *Packer) Missing() []string {
	return slices.Sorted(maps.Keys(p.missing))
}

// Unreadable returns the source files that exist but could not be
// opened, with the reason.
func (p *Packer) Unreadable() map[string]string {
	return maps.Clone(p.unreadable)
}

// Strategise traces the root blend file and decides what to do with
// every asset: where it lands in the pack and whether blend files
// referring to it need rewriting. Sequences and directory assets are
// planned as single entries and expanded during Execute.
func (p *Packer) Strategise(ctx context.Context) (*Plan, error) {
	if p.closed {
		return nil, ErrClosed
	}

	plan := &Plan{
		actions: make(map[string]*AssetAction),
		dests:   make(map[string]string),
	}
	plan.OutputPath = p.packJoin(p.projectRel(p.root))
	root := p.ensureAction(plan, p.root)
	root.Action = KeepPath

	refs := p.preTraced
	if refs == nil {
		var err error
		refs, err = trace.Deps(ctx, p.root,
			trace.WithCache(p.cache),
			trace.WithLogger(p.logger),
			trace.WithProgress(p.progress))
		if err != nil {
			return nil, err
		}
	}

	for i := range refs {
		ref := &refs[i]
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("pack: %w", err)
		}
		if p.excluded(ref.Path) {
			p.log().Info("excluding file", slog.String("path", ref.Path))
			continue
		}
		for _, u := range ref.Usages {
			if p.relativeOnly && !u.StoredPath.IsBlendRelative() {
				p.log().Info("skipping absolute reference",
					slog.String("stored", u.StoredPath.String()))
				continue
			}
			p.visitUsage(plan, ref.Path, u)
		}
	}

	p.groupRewrites(plan)
	plan.order = slices.Sorted(maps.Keys(plan.actions))

	for i, asset := range plan.order {
		p.progress.Emit(event.Event{
			Stage:      event.StagePlan,
			Path:       asset,
			FilesDone:  i + 1,
			FilesTotal: len(plan.order),
		})
	}

	p.plan = plan
	return plan, nil
}

// visitUsage plans one traced reference.
func (p *Packer) visitUsage(plan *Plan, asset string, u trace.Usage) {
	first := asset
	if u.IsSequence {
		files, err := trace.Expand(asset)
		if err != nil {
			// A sequence must have at least one frame on disk.
			if !u.IsOptional {
				p.recordMissing(asset)
			}
			return
		}
		first = files[0]
	}

	inProject := underDir(asset, p.project)
	if u.IsOptional && !inProject {
		// Optional assets outside the project carry data the blend
		// already embeds. Leaving them out is not a loss.
		p.log().Debug("skipping optional asset outside project", slog.String("path", asset))
		return
	}

	placeholder := strings.Contains(path.Base(asset), trace.UDIMMarker)
	var tiles []string
	if placeholder {
		tiles = p.udimTiles(asset)
	}

	if !u.IsSequence && p.probe(asset).status == probeMissing {
		if placeholder && len(tiles) > 0 {
			p.log().Debug("tile placeholder resolved on disk",
				slog.String("path", asset), slog.Int("tiles", len(tiles)))
		} else {
			if !u.IsOptional {
				p.recordMissing(asset)
			}
			return
		}
	}

	act := p.ensureAction(plan, asset)
	act.Usages = append(act.Usages, u)

	if !placeholder {
		tiles = p.udimTiles(asset)
	}
	for _, tile := range tiles {
		if tile != asset && !slices.Contains(act.ExtraFiles, tile) {
			act.ExtraFiles = append(act.ExtraFiles, tile)
		}
	}

	// A reference survives as stored only when it is blend-relative and
	// the file keeps its place in the project layout.
	if u.StoredPath.IsBlendRelative() && underDir(first, p.project) {
		p.log().Debug("reference kept",
			slog.String("blend", u.BlendPath()),
			slog.String("stored", u.StoredPath.String()))
		return
	}
	p.log().Info("reference needs rewriting",
		slog.String("blend", u.BlendPath()),
		slog.String("stored", u.StoredPath.String()))
	act.Action = FindNewLocation
}

// ensureAction returns the plan entry for an asset, creating it with
// its pack destination on first sight.
func (p *Packer) ensureAction(plan *Plan, asset string) *AssetAction {
	if act, ok := plan.actions[asset]; ok {
		return act
	}
	var dest string
	if underDir(asset, p.project) {
		dest = p.packJoin(p.projectRel(asset))
	} else {
		dest = nfc(path.Join(p.target, outsideRel(asset)))
	}
	if owner, taken := plan.dests[dest]; taken && owner != asset {
		dest = disambiguate(dest, asset)
	}
	plan.dests[dest] = asset

	act := &AssetAction{Path: asset, PackPath: dest}
	plan.actions[asset] = act
	return act
}

// groupRewrites collects, per blend file, the references that need
// patching, so Execute visits each blend exactly once. Blend files
// pulled in here that were not yet assets themselves join the plan.
func (p *Packer) groupRewrites(plan *Plan) {
	pending := slices.Sorted(maps.Keys(plan.actions))
	seen := make(map[string]struct{}, len(pending))
	for _, key := range pending {
		seen[key] = struct{}{}
	}

	for len(pending) > 0 {
		act := plan.actions[pending[0]]
		pending = pending[1:]
		if act.Action != FindNewLocation {
			continue
		}
		for _, u := range act.Usages {
			blend := u.BlendPath()
			blendAct := p.ensureAction(plan, blend)
			blendAct.Rewrites = append(blendAct.Rewrites, u)
			if _, ok := seen[blend]; !ok {
				seen[blend] = struct{}{}
				pending = append(pending, blend)
			}
		}
	}
}

// Execute carries out the current plan: rewrites blend files that need
// it, then transfers everything to the target. Individual asset
// failures are recorded in the report; only context cancellation and
// target-level failures abort the run.
func (p *Packer) Execute(ctx context.Context) (*Report, error) {
	if p.closed {
		return nil, ErrClosed
	}
	if p.plan == nil {
		return nil, ErrPlanRequired
	}
	plan := p.plan

	if p.rewrite && !p.noop {
		if err := p.rewritePaths(ctx, plan); err != nil {
			return nil, err
		}
	}

	items, err := p.buildItems(ctx, plan)
	if err != nil {
		return nil, err
	}

	report := &Report{
		OutputPath: plan.OutputPath,
		Planned:    len(items),
	}

	if p.noop {
		p.log().Info("dry run, nothing transferred", slog.Int("files", len(items)))
		p.fillReport(report, nil)
		return report, nil
	}

	infoPath, err := p.writeInfoFile(plan)
	if err != nil {
		return nil, err
	}
	items = append(items, Item{
		Source: infoPath,
		Dest:   path.Join(p.target, infoFileName),
		Move:   true,
		Size:   sizeOf(infoPath),
	})
	report.Planned = len(items)

	tr, terr := p.newTransferrer().Transfer(ctx, items)
	p.fillReport(report, tr)
	if terr != nil {
		return report, terr
	}
	p.log().Info("pack complete",
		slog.String("output", report.OutputPath),
		slog.Int("files", report.Files),
		slog.Int64("bytes", report.Bytes))
	return report, nil
}

// fillReport merges packer-level records and a transfer report.
func (p *Packer) fillReport(report *Report, tr *TransferReport) {
	report.Missing = p.Missing()
	report.Unreadable = p.Unreadable()
	report.Failed = maps.Clone(p.failed)
	if tr == nil {
		return
	}
	report.Files = tr.Files
	report.Bytes = tr.Bytes
	report.ArchivePath = tr.ArchivePath
	report.TOCDigest = tr.TOCDigest
	for dest, reason := range tr.Failed {
		if report.Failed == nil {
			report.Failed = make(map[string]string)
		}
		report.Failed[dest] = reason
	}
}

// newTransferrer builds the backend for the configured format.
func (p *Packer) newTransferrer() Transferrer {
	if p.transferrer != nil {
		return p.transferrer
	}
	opts := []TransferOption{
		WithTransferLogger(p.logger),
		WithTransferProgress(p.progress),
	}
	if p.compress {
		opts = append(opts, WithBlendCompression())
	}
	switch p.format {
	case FormatZip:
		return NewZipTransferrer(p.target, opts...)
	case FormatStargz:
		return NewStargzTransferrer(p.target, opts...)
	default:
		return NewDirTransferrer(opts...)
	}
}

// buildItems expands the plan into concrete file placements: each
// asset, its extra files, and the members of sequence and directory
// assets. Each destination is placed at most once.
func (p *Packer) buildItems(ctx context.Context, plan *Plan) ([]Item, error) {
	var items []Item
	queued := make(map[string]struct{})

	add := func(source, dest string, move bool) {
		if _, ok := queued[dest]; ok {
			return
		}
		queued[dest] = struct{}{}
		items = append(items, Item{Source: source, Dest: dest, Move: move, Size: sizeOf(source)})
	}

	for act := range plan.Actions() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("pack: %w", err)
		}

		base := path.Base(act.Path)
		isPattern := strings.ContainsAny(act.Path, "*?[") || strings.Contains(base, trace.UDIMMarker)
		isDir := !isPattern && p.isDir(act.Path)

		if !isPattern && !isDir && p.checkSource(act.Path) {
			if act.ReadFrom != "" {
				add(act.ReadFrom, act.PackPath, true)
			} else {
				add(act.Path, act.PackPath, false)
			}
		}

		for _, extra := range act.ExtraFiles {
			if extra == act.Path || !p.checkSource(extra) {
				continue
			}
			add(extra, nfc(path.Join(path.Dir(act.PackPath), path.Base(extra))), false)
		}

		for _, u := range act.Usages {
			if !u.IsSequence {
				continue
			}
			files, err := trace.Expand(act.Path)
			if err != nil {
				break
			}
			srcBase, destBase := act.Path, act.PackPath
			if !isDir {
				srcBase = path.Dir(act.Path)
				destBase = path.Dir(act.PackPath)
			}
			for _, f := range files {
				if !p.checkSource(f) {
					continue
				}
				rel := strings.TrimPrefix(f, srcBase+"/")
				add(f, nfc(path.Join(destBase, rel)), false)
			}
			break
		}
	}
	return items, nil
}

// writeInfoFile stages the marker file naming the pack's entry point.
func (p *Packer) writeInfoFile(plan *Plan) (string, error) {
	rel := strings.TrimPrefix(plan.OutputPath, p.target+"/")
	content := fmt.Sprintf(
		"This pack was written by blendpack.\nStart by opening the following blend file:\n    %s\n", rel)
	infoPath := filepath.Join(p.tmpDir, infoFileName)
	if err := os.WriteFile(infoPath, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("pack: info file: %w", err)
	}
	return filepath.ToSlash(infoPath), nil
}

// excluded reports whether a resolved path matches an exclude pattern.
func (p *Packer) excluded(asset string) bool {
	for _, glob := range p.excludes {
		var matched bool
		var err error
		if strings.ContainsRune(glob, '/') {
			matched, err = path.Match(glob, asset)
		} else {
			matched, err = path.Match(glob, path.Base(asset))
		}
		if err == nil && matched {
			return true
		}
	}
	return false
}

// projectRel returns the project-relative part of a path under the
// project root.
func (p *Packer) projectRel(abs string) string {
	if p.project == "/" {
		return strings.TrimPrefix(abs, "/")
	}
	return strings.TrimPrefix(abs, p.project+"/")
}

// packJoin places a project-relative path under the target, normalized
// for cross-platform stability.
func (p *Packer) packJoin(rel string) string {
	return nfc(path.Join(p.target, rel))
}

// underDir reports whether abs lives at or below dir. Both must be
// canonical absolute slash paths.
func underDir(abs, dir string) bool {
	if abs == dir {
		return true
	}
	if dir == "/" {
		return strings.HasPrefix(abs, "/")
	}
	return strings.HasPrefix(abs, dir+"/")
}

// probeStatus classifies a source file check.
type probeStatus uint8

const (
	probeOK probeStatus = iota
	probeMissing
	probeUnreadable
)

type probeResult struct {
	status probeStatus
	reason string
}

// probe checks that a source can actually be read. Opening the file,
// rather than just statting it, forces cloud-synced placeholders to
// hydrate or to fail honestly. Results are cached per path.
func (p *Packer) probe(asset string) probeResult {
	if res, ok := p.probes[asset]; ok {
		return res
	}
	res := probePath(asset)
	p.probes[asset] = res
	return res
}

func probePath(asset string) probeResult {
	sys := filepath.FromSlash(asset)

	if st, err := os.Stat(sys); err == nil && st.IsDir() {
		// Directories are expanded into files later.
		return probeResult{status: probeOK}
	}

	f, err := os.Open(sys)
	if err != nil {
		if os.IsNotExist(err) {
			return probeResult{status: probeMissing}
		}
		return probeResult{status: probeUnreadable, reason: err.Error()}
	}
	defer f.Close()

	var buf [1]byte
	if _, err := f.Read(buf[:]); err != nil && err != io.EOF {
		return probeResult{status: probeUnreadable, reason: err.Error()}
	}
	return probeResult{status: probeOK}
}

// checkSource probes a source before queueing it, recording failures.
func (p *Packer) checkSource(asset string) bool {
	switch res := p.probe(asset); res.status {
	case probeMissing:
		p.recordMissing(asset)
		return false
	case probeUnreadable:
		p.recordUnreadable(asset, res.reason)
		return false
	default:
		return true
	}
}

func (p *Packer) recordMissing(asset string) {
	if _, ok := p.missing[asset]; ok {
		return
	}
	p.missing[asset] = struct{}{}
	p.log().Warn("missing file", slog.String("path", asset))
}

func (p *Packer) recordUnreadable(asset, reason string) {
	if _, ok := p.unreadable[asset]; ok {
		return
	}
	p.unreadable[asset] = reason
	p.log().Warn("unreadable file",
		slog.String("path", asset),
		slog.String("reason", reason))
}

func (p *Packer) recordFailed(dest string, err error) {
	p.failed[dest] = err.Error()
}

func (p *Packer) isDir(asset string) bool {
	st, err := os.Stat(filepath.FromSlash(asset))
	return err == nil && st.IsDir()
}

func sizeOf(source string) int64 {
	st, err := os.Stat(filepath.FromSlash(source))
	if err != nil {
		return 0
	}
	return st.Size()
}
