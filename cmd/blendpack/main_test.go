package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blendpack/blendpack"
	"github.com/blendpack/blendpack/internal/blendtest"
	"github.com/blendpack/blendpack/pack"
)

func TestLoadConfigExplicit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "custom.toml")
	content := `format = "zip"
compress = true
exclude = ["*.hdr", "cache/*"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "zip", cfg.Format)
	assert.True(t, cfg.Compress)
	assert.Equal(t, []string{"*.hdr", "cache/*"}, cfg.Exclude)
}

func TestLoadConfigExplicitMissing(t *testing.T) {
	t.Parallel()

	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestLoadConfigDefault(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, fileConfig{}, cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte(`format = "stargz"`), 0o644))
	cfg, err = loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "stargz", cfg.Format)
}

func TestLoadConfigRejectsBadTOML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("format = [unclosed"), 0o644))

	_, err := loadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.toml")
}

func TestResolveSettingsFlagsWin(t *testing.T) {
	t.Parallel()

	file := fileConfig{Format: "zip", Compress: true, Exclude: []string{"*.hdr"}}
	set := map[string]bool{"format": true, "compress": true, "exclude": true}

	s := resolveSettings(set, "dir", false, "*.png,*.exr", file)
	assert.Equal(t, "dir", s.format)
	assert.False(t, s.compress)
	assert.Equal(t, []string{"*.png", "*.exr"}, s.exclude)
}

func TestResolveSettingsFileFillsUnset(t *testing.T) {
	t.Parallel()

	file := fileConfig{Format: "zip", Compress: true, Exclude: []string{"*.hdr"}}

	s := resolveSettings(map[string]bool{}, "", false, "", file)
	assert.Equal(t, "zip", s.format)
	assert.True(t, s.compress)
	assert.Equal(t, []string{"*.hdr"}, s.exclude)

	s = resolveSettings(map[string]bool{}, "", false, "", fileConfig{})
	assert.Empty(t, s.format)
	assert.False(t, s.compress)
	assert.Empty(t, s.exclude)
}

func TestSplitGlobs(t *testing.T) {
	t.Parallel()

	assert.Nil(t, splitGlobs(""))
	assert.Equal(t, []string{"*.png"}, splitGlobs("*.png"))
	assert.Equal(t, []string{"*.png", "cache/*"}, splitGlobs(" *.png , cache/* ,"))
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]pack.Format{
		"dir":     pack.FormatDir,
		"zip":     pack.FormatZip,
		"stargz":  pack.FormatStargz,
		"estargz": pack.FormatStargz,
	} {
		got, err := parseFormat(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := parseFormat("tarball")
	require.Error(t, err)
}

func writeScene(t *testing.T, project string) string {
	t.Helper()

	texDir := filepath.Join(project, "textures")
	require.NoError(t, os.MkdirAll(texDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(texDir, "wood.png"), []byte("wood bytes"), 0o644))

	b := blendtest.NewBuilder()
	b.Add("IM", "Image", blendtest.F{
		"id.name": "IMwood",
		"name":    "//textures/wood.png",
		"source":  1,
	})
	root := filepath.Join(project, "scene.blend")
	require.NoError(t, b.WriteFile(root))
	return filepath.ToSlash(root)
}

func TestWriteTraceJSON(t *testing.T) {
	t.Parallel()

	project := t.TempDir()
	root := writeScene(t, project)

	refs, err := blendpack.Trace(context.Background(), root)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeTraceJSON(&buf, refs, false))

	var records []traceRecord
	require.NoError(t, json.Unmarshal(buf.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, filepath.ToSlash(filepath.Join(project, "textures", "wood.png")), records[0].Path)
	assert.Equal(t, "//textures/wood.png", records[0].StoredPath)
	assert.Equal(t, []string{root}, records[0].UsedBy)
	assert.False(t, records[0].Sequence)
}

func TestRunPackEndToEnd(t *testing.T) {
	project := t.TempDir()
	root := writeScene(t, project)
	target := filepath.Join(t.TempDir(), "packed")
	t.Chdir(t.TempDir())

	err := run([]string{"pack", "-project", project, "-target", target, root})
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(target, "scene.blend"))
	assert.FileExists(t, filepath.Join(target, "textures", "wood.png"))
	assert.FileExists(t, filepath.Join(target, "pack-info.txt"))
}

func TestRunTrace(t *testing.T) {
	project := t.TempDir()
	root := writeScene(t, project)
	t.Chdir(t.TempDir())

	require.NoError(t, run([]string{"trace", root}))
	require.Error(t, run([]string{"trace"}))
}

func TestRunUnknownCommand(t *testing.T) {
	t.Parallel()

	require.Error(t, run([]string{"unpack"}))
	require.NoError(t, run([]string{"help"}))
}
