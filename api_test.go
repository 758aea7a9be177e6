package blendpack

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blendpack/blendpack/internal/blendtest"
)

// imaSrcFile mirrors Blender's IMA_SRC_FILE.
const imaSrcFile = 1

func sceneWithTexture(t *testing.T, project string) string {
	t.Helper()

	texDir := filepath.Join(project, "textures")
	require.NoError(t, os.MkdirAll(texDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(texDir, "wood.png"), []byte("wood bytes"), 0o644))

	b := blendtest.NewBuilder()
	b.Add("IM", "Image", blendtest.F{
		"id.name": "IMwood",
		"name":    "//textures/wood.png",
		"source":  imaSrcFile,
	})
	root := filepath.Join(project, "scene.blend")
	require.NoError(t, b.WriteFile(root))
	return filepath.ToSlash(root)
}

func TestTrace(t *testing.T) {
	t.Parallel()

	project := t.TempDir()
	root := sceneWithTexture(t, project)

	refs, err := Trace(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, filepath.ToSlash(filepath.Join(project, "textures", "wood.png")), refs[0].Path)
	require.Len(t, refs[0].Usages, 1)
	assert.Equal(t, "IMwood", refs[0].Usages[0].OwnerName)
}

func TestPack(t *testing.T) {
	t.Parallel()

	project := t.TempDir()
	root := sceneWithTexture(t, project)
	target := filepath.ToSlash(filepath.Join(t.TempDir(), "packed"))

	report, err := Pack(context.Background(), root, project, target)
	require.NoError(t, err)

	assert.Equal(t, target+"/scene.blend", report.OutputPath)
	assert.Equal(t, 3, report.Files)
	assert.Empty(t, report.Missing)
	assert.FileExists(t, filepath.Join(target, "scene.blend"))
	assert.FileExists(t, filepath.Join(target, "textures", "wood.png"))
	assert.FileExists(t, filepath.Join(target, "pack-info.txt"))
}

func TestPackRootOutsideProject(t *testing.T) {
	t.Parallel()

	project := t.TempDir()
	root := sceneWithTexture(t, t.TempDir())

	_, err := Pack(context.Background(), root, project, t.TempDir())
	require.ErrorIs(t, err, ErrRootOutsideProject)
}
