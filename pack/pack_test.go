package pack

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blendpack/blendpack/blendfile"
	"github.com/blendpack/blendpack/bpath"
	"github.com/blendpack/blendpack/internal/blendtest"
	"github.com/blendpack/blendpack/trace"
)

// DNA values the fixtures need, from Blender's headers.
const (
	imaSrcFile     = 1
	imaSrcSequence = 2
	imaSrcTiled    = 6

	seqTypeImage = 0

	modTypeFluid       = 56
	modFluidTypeDomain = 1 << 1
)

// writeBlend writes a fixture into dir, creating parents, and returns
// its slash path.
func writeBlend(t *testing.T, b *blendtest.Builder, dir, name string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	p := filepath.Join(dir, name)
	require.NoError(t, b.WriteFile(p))
	return filepath.ToSlash(p)
}

// writeFile creates a file with parents and returns its slash path.
func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	sys := filepath.FromSlash(path)
	require.NoError(t, os.MkdirAll(filepath.Dir(sys), 0o755))
	require.NoError(t, os.WriteFile(sys, []byte(content), 0o644))
	return filepath.ToSlash(path)
}

// simpleProject builds shot/root.blend referencing a texture inside the
// project and an environment map outside it.
func simpleProject(t *testing.T) (project, root, outside string) {
	t.Helper()
	base := filepath.ToSlash(t.TempDir())
	project = base + "/project"
	outside = base + "/elsewhere"

	writeFile(t, project+"/textures/wood.png", "wood bytes")
	writeFile(t, outside+"/env/studio.hdr", "hdr bytes")

	b := blendtest.NewBuilder()
	b.Add("IM", "Image", blendtest.F{
		"id.name": "IMwood",
		"name":    "//../textures/wood.png",
		"source":  imaSrcFile,
	})
	b.Add("IM", "Image", blendtest.F{
		"id.name": "IMenv",
		"name":    outside + "/env/studio.hdr",
		"source":  imaSrcFile,
	})
	root = writeBlend(t, b, filepath.FromSlash(project+"/shot"), "root.blend")
	return project, root, outside
}

// packProject plans and executes a pack, failing the test on error.
func packProject(t *testing.T, root, project, target string, opts ...Option) *Report {
	t.Helper()
	p, err := New(root, project, target, opts...)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Strategise(context.Background())
	require.NoError(t, err)
	report, err := p.Execute(context.Background())
	require.NoError(t, err)
	return report
}

func TestPackDirectory(t *testing.T) {
	t.Parallel()

	project, root, outside := simpleProject(t)
	target := filepath.ToSlash(t.TempDir())

	p, err := New(root, project, target)
	require.NoError(t, err)
	defer p.Close()

	plan, err := p.Strategise(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, plan.Len())
	assert.Equal(t, target+"/shot/root.blend", p.OutputPath())

	report, err := p.Execute(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Missing)
	assert.Empty(t, report.Failed)
	assert.Equal(t, target+"/shot/root.blend", report.OutputPath)
	assert.Equal(t, 4, report.Planned)
	assert.Equal(t, 4, report.Files)
	assert.Positive(t, report.Bytes)

	assert.FileExists(t, filepath.Join(target, "textures", "wood.png"))

	// The packed scene must resolve every reference inside the target.
	refs, err := trace.Deps(context.Background(), report.OutputPath)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	for _, ref := range refs {
		assert.True(t, strings.HasPrefix(ref.Path, target+"/"), ref.Path)
		assert.FileExists(t, filepath.FromSlash(ref.Path))
	}

	// The source project is untouched: its scene still points outside.
	srcRefs, err := trace.Deps(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, srcRefs, 2)
	assert.Equal(t, outside+"/env/studio.hdr", srcRefs[1].Path)
}

func TestPackRelocatesOutsideAssets(t *testing.T) {
	t.Parallel()

	project, root, outside := simpleProject(t)
	target := filepath.ToSlash(t.TempDir())
	packProject(t, root, project, target)

	key := outsideKey(outside + "/env/studio.hdr")
	packed := filepath.Join(target, "_outside", key, "studio.hdr")
	require.FileExists(t, packed)
	got, err := os.ReadFile(packed)
	require.NoError(t, err)
	assert.Equal(t, "hdr bytes", string(got))

	// The relocated reference is stored relative to the packed scene.
	refs, err := trace.Deps(context.Background(), target+"/shot/root.blend")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, bpath.Path("//../_outside/"+key+"/studio.hdr"), refs[1].StoredPath)
}

func TestPackInfoFile(t *testing.T) {
	t.Parallel()

	project, root, _ := simpleProject(t)
	target := filepath.ToSlash(t.TempDir())
	packProject(t, root, project, target)

	info, err := os.ReadFile(filepath.Join(target, "pack-info.txt"))
	require.NoError(t, err)
	assert.Equal(t,
		"This pack was written by blendpack.\nStart by opening the following blend file:\n    shot/root.blend\n",
		string(info))
}

func TestPackNoop(t *testing.T) {
	t.Parallel()

	project, root, _ := simpleProject(t)
	target := filepath.ToSlash(filepath.Join(t.TempDir(), "pack"))

	report := packProject(t, root, project, target, WithNoop())
	assert.Equal(t, 3, report.Planned)
	assert.Zero(t, report.Files)
	assert.NoDirExists(t, filepath.FromSlash(target))
}

func TestPackExcludeGlobs(t *testing.T) {
	t.Parallel()

	project, root, outside := simpleProject(t)
	target := filepath.ToSlash(t.TempDir())

	p, err := New(root, project, target)
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.Exclude("*.hdr"))

	plan, err := p.Strategise(context.Background())
	require.NoError(t, err)
	_, planned := plan.Action(outside + "/env/studio.hdr")
	assert.False(t, planned)
	assert.ErrorIs(t, p.Exclude("*.png"), ErrPlanExists)

	_, err = p.Execute(context.Background())
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(target, "_outside"))

	// Nothing needed rewriting, so the scene is copied bit for bit.
	src, err := os.ReadFile(filepath.FromSlash(root))
	require.NoError(t, err)
	dst, err := os.ReadFile(filepath.Join(target, "shot", "root.blend"))
	require.NoError(t, err)
	assert.Equal(t, src, dst)
}

func TestPackRelativeOnly(t *testing.T) {
	t.Parallel()

	project, root, _ := simpleProject(t)
	target := filepath.ToSlash(t.TempDir())
	report := packProject(t, root, project, target, WithRelativeOnly())

	assert.Empty(t, report.Missing)
	assert.FileExists(t, filepath.Join(target, "textures", "wood.png"))
	assert.NoDirExists(t, filepath.Join(target, "_outside"))
}

func TestPackRecordsMissing(t *testing.T) {
	t.Parallel()

	base := filepath.ToSlash(t.TempDir())
	project := base + "/project"
	b := blendtest.NewBuilder()
	b.Add("IM", "Image", blendtest.F{
		"id.name": "IMgone",
		"name":    "//gone.png",
		"source":  imaSrcFile,
	})
	root := writeBlend(t, b, filepath.FromSlash(project), "root.blend")

	target := filepath.ToSlash(t.TempDir())
	report := packProject(t, root, project, target)

	assert.Equal(t, []string{project + "/gone.png"}, report.Missing)
	assert.NoFileExists(t, filepath.Join(target, "gone.png"))
	assert.FileExists(t, filepath.Join(target, "root.blend"))
}

func TestPackClassifiesUnreadable(t *testing.T) {
	t.Parallel()

	base := filepath.ToSlash(t.TempDir())
	project := base + "/project"
	// A regular file where a directory is expected makes the open fail
	// with an error other than "not exist".
	writeFile(t, project+"/blocker", "not a directory")

	b := blendtest.NewBuilder()
	b.Add("IM", "Image", blendtest.F{
		"id.name": "IMstuck",
		"name":    "//blocker/tex.png",
		"source":  imaSrcFile,
	})
	root := writeBlend(t, b, filepath.FromSlash(project), "root.blend")

	report := packProject(t, root, project, filepath.ToSlash(t.TempDir()))
	assert.Empty(t, report.Missing)
	require.Contains(t, report.Unreadable, project+"/blocker/tex.png")
	assert.NotEmpty(t, report.Unreadable[project+"/blocker/tex.png"])
}

func TestPackCopiesSequences(t *testing.T) {
	t.Parallel()

	base := filepath.ToSlash(t.TempDir())
	project := base + "/project"
	for _, n := range []string{"0001", "0002", "0003"} {
		writeFile(t, project+"/frames/shot_"+n+".png", "frame "+n)
	}

	b := blendtest.NewBuilder()
	b.Add("IM", "Image", blendtest.F{
		"id.name": "IMframes",
		"name":    "//frames/shot_0001.png",
		"source":  imaSrcSequence,
	})
	root := writeBlend(t, b, filepath.FromSlash(project), "root.blend")

	target := filepath.ToSlash(t.TempDir())

	p, err := New(root, project, target)
	require.NoError(t, err)
	defer p.Close()
	plan, err := p.Strategise(context.Background())
	require.NoError(t, err)

	// One plan entry stands for the whole sequence.
	assert.Equal(t, 2, plan.Len())

	_, err = p.Execute(context.Background())
	require.NoError(t, err)
	for _, n := range []string{"0001", "0002", "0003"} {
		assert.FileExists(t, filepath.Join(target, "frames", "shot_"+n+".png"))
	}
}

func TestPackUDIMMarker(t *testing.T) {
	t.Parallel()

	base := filepath.ToSlash(t.TempDir())
	project := base + "/project"
	writeFile(t, project+"/tex/brick.1001.png", "tile 1001")
	writeFile(t, project+"/tex/brick.1002.png", "tile 1002")

	b := blendtest.NewBuilder()
	b.Add("IM", "Image", blendtest.F{
		"id.name": "IMbrick",
		"name":    "//tex/brick.<UDIM>.png",
		"source":  imaSrcTiled,
	})
	root := writeBlend(t, b, filepath.FromSlash(project), "root.blend")

	target := filepath.ToSlash(t.TempDir())
	report := packProject(t, root, project, target)

	assert.Empty(t, report.Missing)
	assert.FileExists(t, filepath.Join(target, "tex", "brick.1001.png"))
	assert.FileExists(t, filepath.Join(target, "tex", "brick.1002.png"))
	assert.NoFileExists(t, filepath.Join(target, "tex", "brick.<UDIM>.png"))
}

func TestPackNumberedTiles(t *testing.T) {
	t.Parallel()

	base := filepath.ToSlash(t.TempDir())
	project := base + "/project"
	writeFile(t, project+"/tiles.1001.png", "tile 1001")
	writeFile(t, project+"/tiles.1002.png", "tile 1002")

	// The scene references only the first tile; its siblings ride along.
	b := blendtest.NewBuilder()
	b.Add("IM", "Image", blendtest.F{
		"id.name": "IMtiles",
		"name":    "//tiles.1001.png",
		"source":  imaSrcFile,
	})
	root := writeBlend(t, b, filepath.FromSlash(project), "root.blend")

	target := filepath.ToSlash(t.TempDir())
	packProject(t, root, project, target)

	assert.FileExists(t, filepath.Join(target, "tiles.1001.png"))
	assert.FileExists(t, filepath.Join(target, "tiles.1002.png"))
}

func TestPackCopiesCacheDirectories(t *testing.T) {
	t.Parallel()

	base := filepath.ToSlash(t.TempDir())
	project := base + "/project"
	writeFile(t, project+"/caches/fluid/config.json", "{}")
	writeFile(t, project+"/caches/fluid/data/frame_0001.vdb", "voxels")

	b := blendtest.NewBuilder()
	domain := b.Add("DATA", "FluidDomainSettings", blendtest.F{"cache_directory": "//caches/fluid"})
	fluid := b.Add("DATA", "FluidModifierData", blendtest.F{
		"modifier.type": modTypeFluid,
		"type":          modFluidTypeDomain,
		"domain":        domain,
	})
	b.Add("OB", "Object", blendtest.F{
		"id.name":         "OBsmoke",
		"modifiers.first": fluid,
		"modifiers.last":  fluid,
	})
	root := writeBlend(t, b, filepath.FromSlash(project), "root.blend")

	target := filepath.ToSlash(t.TempDir())
	packProject(t, root, project, target)

	assert.FileExists(t, filepath.Join(target, "caches", "fluid", "config.json"))
	assert.FileExists(t, filepath.Join(target, "caches", "fluid", "data", "frame_0001.vdb"))
}

func TestPackRewritesStripDirs(t *testing.T) {
	t.Parallel()

	base := filepath.ToSlash(t.TempDir())
	project := base + "/project"
	outside := base + "/footage"
	writeFile(t, outside+"/shot_0001.png", "frame 1")
	writeFile(t, outside+"/shot_0002.png", "frame 2")

	b := blendtest.NewBuilder()
	frames := b.AddElems("StripElem", false, []blendtest.F{
		{"name": "shot_0001.png"},
		{"name": "shot_0002.png"},
	})
	strip := b.Add("DATA", "Strip", blendtest.F{"stripdata": frames, "dir": outside + "/"})
	seq := b.Add("DATA", "Sequence", blendtest.F{
		"type": seqTypeImage, "len": 2, "strip": strip,
	})
	ed := b.Add("DATA", "Editing", blendtest.F{"seqbase.first": seq, "seqbase.last": seq})
	b.Add("SC", "Scene", blendtest.F{"id.name": "SCedit", "ed": ed})
	root := writeBlend(t, b, filepath.FromSlash(project), "edit.blend")

	target := filepath.ToSlash(t.TempDir())
	report := packProject(t, root, project, target)
	assert.Empty(t, report.Missing)
	assert.Empty(t, report.Failed)

	// Both frames land in the relocation subtree and the strip
	// directory now points there.
	refs, err := trace.Deps(context.Background(), target+"/edit.blend")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	key := outsideKey(outside + "/shot_0001.png")
	for i, n := range []string{"shot_0001.png", "shot_0002.png"} {
		assert.Equal(t, target+"/_outside/"+key+"/"+n, refs[i].Path)
		assert.FileExists(t, filepath.FromSlash(refs[i].Path))
	}
}

func TestPackCompressedBlend(t *testing.T) {
	t.Parallel()

	project, root, _ := simpleProject(t)
	target := filepath.ToSlash(t.TempDir())
	packProject(t, root, project, target, WithCompression())

	packed := filepath.Join(target, "shot", "root.blend")
	f, err := os.Open(packed)
	require.NoError(t, err)
	defer f.Close()
	comp, err := blendfile.SniffCompression(f)
	require.NoError(t, err)
	assert.Equal(t, blendfile.CompressionZstd, comp)

	// The wrapped scene still opens and resolves.
	bf, err := blendfile.Open(filepath.ToSlash(packed))
	require.NoError(t, err)
	require.NoError(t, bf.Close())

	// Only blend files gain the wrapping.
	wood, err := os.ReadFile(filepath.Join(target, "textures", "wood.png"))
	require.NoError(t, err)
	assert.Equal(t, "wood bytes", string(wood))
}

func TestStrategiseTwice(t *testing.T) {
	t.Parallel()

	project, root, _ := simpleProject(t)
	target := filepath.ToSlash(t.TempDir())

	p, err := New(root, project, target)
	require.NoError(t, err)
	defer p.Close()

	first, err := p.Strategise(context.Background())
	require.NoError(t, err)
	second, err := p.Strategise(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Len(), second.Len())
	assert.Equal(t, first.OutputPath, second.OutputPath)

	_, err = p.Execute(context.Background())
	require.NoError(t, err)
}

func TestPackGuards(t *testing.T) {
	t.Parallel()

	base := filepath.ToSlash(t.TempDir())

	_, err := New(base+"/root.blend", base+"/project", base+"/pack")
	assert.ErrorIs(t, err, ErrRootOutsideProject)

	p, err := New(base+"/project/root.blend", base+"/project", base+"/pack")
	require.NoError(t, err)
	_, err = p.Execute(context.Background())
	assert.ErrorIs(t, err, ErrPlanRequired)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	_, err = p.Strategise(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = p.Execute(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPlanEntries(t *testing.T) {
	t.Parallel()

	project, root, outside := simpleProject(t)
	target := filepath.ToSlash(t.TempDir())

	p, err := New(root, project, target)
	require.NoError(t, err)
	defer p.Close()
	plan, err := p.Strategise(context.Background())
	require.NoError(t, err)

	var sources, dests []string
	for e := range plan.Entries() {
		sources = append(sources, e.Source)
		dests = append(dests, e.Dest)
	}
	assert.Contains(t, sources, project+"/textures/wood.png")
	assert.Contains(t, sources, outside+"/env/studio.hdr")
	assert.Contains(t, dests, target+"/textures/wood.png")

	act, ok := plan.Action(outside + "/env/studio.hdr")
	require.True(t, ok)
	assert.Equal(t, FindNewLocation, act.Action)
	assert.Equal(t, "relocate", act.Action.String())
}

func TestEnsureActionAvoidsDestCollisions(t *testing.T) {
	t.Parallel()

	p := &Packer{project: "/proj", target: "/pack"}
	plan := &Plan{
		actions: make(map[string]*AssetAction),
		dests:   make(map[string]string),
	}

	// The same name in two normal forms is two files on disk but one
	// destination after normalization.
	composed := p.ensureAction(plan, "/lib/café.png")
	decomposed := p.ensureAction(plan, "/lib/café.png")
	assert.NotEqual(t, composed.PackPath, decomposed.PackPath)

	assert.Same(t, composed, p.ensureAction(plan, "/lib/café.png"))
}
