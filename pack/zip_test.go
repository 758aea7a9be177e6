package pack

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blendpack/blendpack/internal/blendtest"
)

// readEntry returns the archive entry with the given name, failing the
// test when it is absent.
func readEntry(t *testing.T, zr *zip.ReadCloser, name string) (*zip.File, []byte) {
	t.Helper()
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		return f, data
	}
	t.Fatalf("archive has no entry %q", name)
	return nil, nil
}

func TestZipTransferrerRoundTrip(t *testing.T) {
	t.Parallel()

	base := filepath.ToSlash(t.TempDir())
	png := writeFile(t, base+"/src/wood.png", "png payload")
	txt := writeFile(t, base+"/src/notes.txt", "some production notes")
	zipPath := base + "/out/pack.zip"

	tr := NewZipTransferrer(zipPath)
	report, err := tr.Transfer(context.Background(), []Item{
		{Source: png, Dest: zipPath + "/textures/wood.png"},
		{Source: txt, Dest: zipPath + "/notes.txt"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Files)
	assert.Equal(t, zipPath, report.ArchivePath)

	zr, err := zip.OpenReader(filepath.FromSlash(zipPath))
	require.NoError(t, err)
	defer zr.Close()
	require.Len(t, zr.File, 2)

	// Already-compressed formats are stored, text is deflated.
	entry, data := readEntry(t, zr, "textures/wood.png")
	assert.Equal(t, uint16(zip.Store), entry.Method)
	assert.Equal(t, "png payload", string(data))

	entry, data = readEntry(t, zr, "notes.txt")
	assert.Equal(t, uint16(zip.Deflate), entry.Method)
	assert.Equal(t, "some production notes", string(data))
}

func TestZipTransferrerCompressesBlends(t *testing.T) {
	t.Parallel()

	base := filepath.ToSlash(t.TempDir())
	b := blendtest.NewBuilder()
	b.Add("SC", "Scene", blendtest.F{"id.name": "SCmain"})
	blend := writeBlend(t, b, filepath.FromSlash(base+"/src"), "scene.blend")
	zipPath := base + "/out/pack.zip"

	tr := NewZipTransferrer(zipPath, WithBlendCompression())
	_, err := tr.Transfer(context.Background(), []Item{
		{Source: blend, Dest: zipPath + "/scene.blend"},
	})
	require.NoError(t, err)

	zr, err := zip.OpenReader(filepath.FromSlash(zipPath))
	require.NoError(t, err)
	defer zr.Close()

	// The entry is stored; the payload inside is a zstd stream holding
	// the original scene.
	entry, data := readEntry(t, zr, "scene.blend")
	assert.Equal(t, uint16(zip.Store), entry.Method)
	require.True(t, bytes.HasPrefix(data, []byte{0x28, 0xb5, 0x2f, 0xfd}))

	dec, err := zstd.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer dec.Close()
	plain, err := io.ReadAll(dec)
	require.NoError(t, err)

	src, err := os.ReadFile(filepath.FromSlash(blend))
	require.NoError(t, err)
	assert.Equal(t, src, plain)
}

func TestZipTransferrerKeepsWrappedBlends(t *testing.T) {
	t.Parallel()

	base := filepath.ToSlash(t.TempDir())
	require.NoError(t, os.MkdirAll(filepath.FromSlash(base+"/src"), 0o755))
	b := blendtest.NewBuilder()
	b.Add("SC", "Scene", blendtest.F{"id.name": "SCmain"})
	blend := base + "/src/scene.blend"
	require.NoError(t, b.WriteFileZstd(filepath.FromSlash(blend)))
	zipPath := base + "/out/pack.zip"

	tr := NewZipTransferrer(zipPath, WithBlendCompression())
	_, err := tr.Transfer(context.Background(), []Item{
		{Source: blend, Dest: zipPath + "/scene.blend"},
	})
	require.NoError(t, err)

	zr, err := zip.OpenReader(filepath.FromSlash(zipPath))
	require.NoError(t, err)
	defer zr.Close()

	// Wrapping an already wrapped file would buy nothing.
	_, data := readEntry(t, zr, "scene.blend")
	src, err := os.ReadFile(filepath.FromSlash(blend))
	require.NoError(t, err)
	assert.Equal(t, src, data)
}

func TestZipTransferrerRecordsFailures(t *testing.T) {
	t.Parallel()

	base := filepath.ToSlash(t.TempDir())
	good := writeFile(t, base+"/src/ok.txt", "ok")
	zipPath := base + "/out/pack.zip"

	tr := NewZipTransferrer(zipPath)
	report, err := tr.Transfer(context.Background(), []Item{
		{Source: base + "/src/vanished.png", Dest: zipPath + "/vanished.png"},
		{Source: good, Dest: zipPath + "/ok.txt"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Files)
	assert.Contains(t, report.Failed, zipPath+"/vanished.png")

	// The archive is still valid and holds the surviving entry.
	zr, err := zip.OpenReader(filepath.FromSlash(zipPath))
	require.NoError(t, err)
	defer zr.Close()
	require.Len(t, zr.File, 1)
	assert.Equal(t, "ok.txt", zr.File[0].Name)
}

func TestZipTransferrerMoves(t *testing.T) {
	t.Parallel()

	base := filepath.ToSlash(t.TempDir())
	src := writeFile(t, base+"/staging/info.txt", "entry point")
	zipPath := base + "/out/pack.zip"

	tr := NewZipTransferrer(zipPath)
	_, err := tr.Transfer(context.Background(), []Item{
		{Source: src, Dest: zipPath + "/info.txt", Move: true},
	})
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.FromSlash(src))
}

func TestZipMethodSelection(t *testing.T) {
	t.Parallel()

	tr := NewZipTransferrer("/out/pack.zip")
	assert.Equal(t, uint16(zip.Store), tr.method("a.exr", 10))
	assert.Equal(t, uint16(zip.Store), tr.method("a.BLEND", 10))
	assert.Equal(t, uint16(zip.Deflate), tr.method("a.obj", 10))
	// Very large files are stored no matter the extension.
	assert.Equal(t, uint16(zip.Store), tr.method("a.obj", storeBigBytes))
}

func TestZipTransferrerSniffsUnknownExtensions(t *testing.T) {
	t.Parallel()

	base := filepath.ToSlash(t.TempDir())
	// A PNG hiding behind a generic extension is recognized by its
	// magic bytes and stored.
	png := append([]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}, make([]byte, 64)...)
	src := base + "/src/texture.dat"
	require.NoError(t, os.MkdirAll(filepath.FromSlash(base+"/src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.FromSlash(src), png, 0o644))
	zipPath := base + "/out/pack.zip"

	tr := NewZipTransferrer(zipPath)
	_, err := tr.Transfer(context.Background(), []Item{
		{Source: src, Dest: zipPath + "/texture.dat"},
	})
	require.NoError(t, err)

	zr, err := zip.OpenReader(filepath.FromSlash(zipPath))
	require.NoError(t, err)
	defer zr.Close()
	entry, data := readEntry(t, zr, "texture.dat")
	assert.Equal(t, uint16(zip.Store), entry.Method)
	assert.Equal(t, png, data)
}
