package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blendpack/blendpack/blendfile"
	"github.com/blendpack/blendpack/internal/blendtest"
)

// openBlend writes a fixture and opens it with the production reader.
func openBlend(t *testing.T, b *blendtest.Builder, name string) *blendfile.File {
	t.Helper()
	f, err := blendfile.Open(writeBlend(t, b, t.TempDir(), name))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, f.Close()) })
	return f
}

func viewByName(t *testing.T, f *blendfile.File, idName string) *blendfile.View {
	t.Helper()
	blk, ok := f.BlockByName(idName)
	require.True(t, ok, "fixture has no datablock %s", idName)
	v, err := blk.View()
	require.NoError(t, err)
	return v
}

// idNames maps expansion results to their ID names.
func idNames(t *testing.T, blocks []*blendfile.Block) []string {
	t.Helper()
	out := make([]string, 0, len(blocks))
	for _, b := range blocks {
		name, err := b.IDName()
		require.NoError(t, err)
		out = append(out, name)
	}
	return out
}

func TestExpandMesh(t *testing.T) {
	t.Parallel()

	b := blendtest.NewBuilder()
	action := b.Add("AC", "bAction", blendtest.F{"id.name": "ACwalk"})
	adt := b.Add("DATA", "AnimData", blendtest.F{"action": action})
	red := b.Add("MA", "Material", blendtest.F{"id.name": "MAred"})
	slots := b.AddPointers(red, 0)
	proxy := b.Add("ME", "Mesh", blendtest.F{"id.name": "MEproxy"})
	b.Add("ME", "Mesh", blendtest.F{
		"id.name":   "MEcube",
		"adt":       adt,
		"mat":       slots,
		"totcol":    2,
		"texcomesh": proxy,
	})
	f := openBlend(t, b, "mesh.blend")

	blocks, err := expandMesh(viewByName(t, f, "MEcube"))
	require.NoError(t, err)

	// The null material slot vanishes, everything else is reported.
	assert.Equal(t, []string{"ACwalk", "MAred", "MEproxy"}, idNames(t, blocks))
}

func TestExpandCurve(t *testing.T) {
	t.Parallel()

	b := blendtest.NewBuilder()
	font := b.Add("VF", "VFont", blendtest.F{"id.name": "VFtitle"})
	bevel := b.Add("OB", "Object", blendtest.F{"id.name": "OBbevel"})
	rail := b.Add("OB", "Object", blendtest.F{"id.name": "OBrail"})
	b.Add("CU", "Curve", blendtest.F{
		"id.name":     "CUtext",
		"vfont":       font,
		"bevobj":      bevel,
		"textoncurve": rail,
	})
	f := openBlend(t, b, "curve.blend")

	blocks, err := expandCurve(viewByName(t, f, "CUtext"))
	require.NoError(t, err)
	assert.Equal(t, []string{"VFtitle", "OBbevel", "OBrail"}, idNames(t, blocks))
}

func TestExpandObject(t *testing.T) {
	t.Parallel()

	b := blendtest.NewBuilder()
	mesh := b.Add("ME", "Mesh", blendtest.F{"id.name": "MEbody"})
	group := b.Add("GR", "Collection", blendtest.F{"id.name": "GRprops"})
	custom := b.Add("OB", "Object", blendtest.F{"id.name": "OBwidget"})
	pchan := b.Add("DATA", "bPoseChannel", blendtest.F{"custom": custom})
	pose := b.Add("DATA", "bPose", blendtest.F{"chanbase.first": pchan, "chanbase.last": pchan})
	hair := b.Add("PA", "ParticleSettings", blendtest.F{"id.name": "PAhair"})
	psys := b.Add("DATA", "ParticleSystem", blendtest.F{"part": hair})

	tree := b.Add("NT", "bNodeTree", blendtest.F{"id.name": "NTgeo"})
	deformImg := b.Add("IM", "Image", blendtest.F{"id.name": "IMdeform"})
	idpImage := b.Add("DATA", "IDProperty", blendtest.F{
		"type":         idpID,
		"data.pointer": deformImg,
	})
	idpNested := b.Add("DATA", "IDProperty", blendtest.F{
		"type":             idpGroup,
		"data.group.first": idpImage,
		"data.group.last":  idpImage,
	})
	idpRoot := b.Add("DATA", "IDProperty", blendtest.F{
		"type":             idpGroup,
		"data.group.first": idpNested,
		"data.group.last":  idpNested,
	})
	nodesMod := b.Add("DATA", "NodesModifierData", blendtest.F{
		"modifier.type":       modTypeNodes,
		"node_group":          tree,
		"settings.properties": idpRoot,
	})

	b.Add("OB", "Object", blendtest.F{
		"id.name":              "OBrig",
		"data":                 mesh,
		"transflag":            obDuplicollection,
		"instance_collection":  group,
		"pose":                 pose,
		"particlesystem.first": psys,
		"particlesystem.last":  psys,
		"modifiers.first":      nodesMod,
		"modifiers.last":       nodesMod,
	})
	f := openBlend(t, b, "object.blend")

	blocks, err := expandObject(viewByName(t, f, "OBrig"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"MEbody", "GRprops", "OBwidget", "PAhair", "NTgeo", "IMdeform",
	}, idNames(t, blocks))
}

func TestExpandObjectWithoutDupliFlag(t *testing.T) {
	t.Parallel()

	b := blendtest.NewBuilder()
	group := b.Add("GR", "Collection", blendtest.F{"id.name": "GRprops"})
	b.Add("OB", "Object", blendtest.F{
		"id.name":             "OBplain",
		"instance_collection": group,
	})
	f := openBlend(t, b, "object.blend")

	blocks, err := expandObject(viewByName(t, f, "OBplain"))
	require.NoError(t, err)

	// The collection pointer is ignored while the duplicator flag is
	// unset.
	assert.Empty(t, blocks)
}

func TestExpandCollection(t *testing.T) {
	t.Parallel()

	b := blendtest.NewBuilder()
	obA := b.Add("OB", "Object", blendtest.F{"id.name": "OBchair"})
	obB := b.Add("OB", "Object", blendtest.F{"id.name": "OBtable"})
	child := b.Add("GR", "Collection", blendtest.F{"id.name": "GRdetail"})

	linkA := b.Alloc()
	linkB := b.Alloc()
	b.AddAt(linkA, "DATA", "CollectionObject", blendtest.F{"ob": obA, "next": linkB})
	b.AddAt(linkB, "DATA", "CollectionObject", blendtest.F{"ob": obB})
	childLink := b.Add("DATA", "CollectionChild", blendtest.F{"collection": child})

	b.Add("GR", "Collection", blendtest.F{
		"id.name":        "GRset",
		"gobject.first":  linkA,
		"gobject.last":   linkB,
		"children.first": childLink,
		"children.last":  childLink,
	})
	f := openBlend(t, b, "set.blend")

	blocks, err := expandCollection(viewByName(t, f, "GRset"))
	require.NoError(t, err)
	assert.Equal(t, []string{"OBchair", "OBtable", "GRdetail"}, idNames(t, blocks))
}

func TestExpandNodeTree(t *testing.T) {
	t.Parallel()

	b := blendtest.NewBuilder()
	direct := b.Add("IM", "Image", blendtest.F{"id.name": "IMdirect"})
	socketImg := b.Add("IM", "Image", blendtest.F{"id.name": "IMsocket"})
	other := b.Add("SC", "Scene", blendtest.F{"id.name": "SCother"})

	// Socket default values live in raw sub-blocks that need refining
	// by the socket's type.
	value := b.AddElems("bNodeSocketValueImage", false, []blendtest.F{{"value": socketImg}})
	sockTyped := b.Alloc()
	sockPlain := b.Alloc()
	b.AddAt(sockTyped, "DATA", "bNodeSocket", blendtest.F{
		"type":          sockImage,
		"default_value": value,
		"next":          sockPlain,
	})
	b.AddAt(sockPlain, "DATA", "bNodeSocket", blendtest.F{"type": 0})

	texNode := b.Alloc()
	layersNode := b.Alloc()
	b.AddAt(texNode, "DATA", "bNode", blendtest.F{
		"type":         128, // shader node, value irrelevant
		"id":           direct,
		"inputs.first": sockTyped,
		"inputs.last":  sockPlain,
		"next":         layersNode,
	})
	// Render layer nodes would drag in whole scenes; they are skipped.
	b.AddAt(layersNode, "DATA", "bNode", blendtest.F{
		"type": cmpNodeRLayers,
		"id":   other,
	})

	b.Add("NT", "bNodeTree", blendtest.F{
		"id.name":     "NTshader",
		"nodes.first": texNode,
		"nodes.last":  layersNode,
	})
	f := openBlend(t, b, "tree.blend")

	blocks, err := expandNodeTree(viewByName(t, f, "NTshader"))
	require.NoError(t, err)
	assert.Equal(t, []string{"IMdirect", "IMsocket"}, idNames(t, blocks))
}

func TestExpandMaterial(t *testing.T) {
	t.Parallel()

	b := blendtest.NewBuilder()
	img := b.Add("IM", "Image", blendtest.F{"id.name": "IMbase"})
	node := b.Add("DATA", "bNode", blendtest.F{"type": 128, "id": img})
	tree := b.Add("DATA", "bNodeTree", blendtest.F{
		"id.name":     "NTembedded",
		"nodes.first": node,
		"nodes.last":  node,
	})

	tex := b.Add("TE", "Tex", blendtest.F{"id.name": "TEnoise"})
	mapper := b.Add("OB", "Object", blendtest.F{"id.name": "OBempty"})
	mtex := b.Add("DATA", "MTex", blendtest.F{"tex": tex, "object": mapper})

	b.Add("MA", "Material", blendtest.F{
		"id.name":  "MAbrick",
		"nodetree": tree,
		"mtex":     mtex, // first slot, rest stay null
	})
	f := openBlend(t, b, "material.blend")

	blocks, err := expandMaterial(viewByName(t, f, "MAbrick"))
	require.NoError(t, err)
	assert.Equal(t, []string{"IMbase", "TEnoise", "OBempty"}, idNames(t, blocks))
}

func TestExpandMaterialLinkedTree(t *testing.T) {
	t.Parallel()

	b := blendtest.NewBuilder()
	// A linked node group is only a bare ID placeholder; expansion
	// must surface it so the engine can cross into its library.
	placeholder := b.Add("NT", "ID", blendtest.F{"name": "NTshared"})
	b.Add("MA", "Material", blendtest.F{
		"id.name":  "MAlinked",
		"nodetree": placeholder,
	})
	f := openBlend(t, b, "material.blend")

	blocks, err := expandMaterial(viewByName(t, f, "MAlinked"))
	require.NoError(t, err)
	assert.Equal(t, []string{"NTshared"}, idNames(t, blocks))
}

func TestExpandParticleSettings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		renAs int
		want  []string
	}{
		{name: "collection instancing", renAs: partDrawGR, want: []string{"GRleaves"}},
		{name: "object instancing", renAs: partDrawOB, want: []string{"OBleaf"}},
		{name: "halo rendering", renAs: 1, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := blendtest.NewBuilder()
			group := b.Add("GR", "Collection", blendtest.F{"id.name": "GRleaves"})
			leaf := b.Add("OB", "Object", blendtest.F{"id.name": "OBleaf"})
			b.Add("PA", "ParticleSettings", blendtest.F{
				"id.name":             "PAscatter",
				"ren_as":              tt.renAs,
				"instance_collection": group,
				"instance_object":     leaf,
			})
			f := openBlend(t, b, "particles.blend")

			blocks, err := expandParticleSettings(viewByName(t, f, "PAscatter"))
			require.NoError(t, err)
			var got []string
			if len(blocks) > 0 {
				got = idNames(t, blocks)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpandScene(t *testing.T) {
	t.Parallel()

	b := blendtest.NewBuilder()
	camera := b.Add("OB", "Object", blendtest.F{"id.name": "OBcam"})
	world := b.Add("WO", "World", blendtest.F{"id.name": "WOsky"})
	backdrop := b.Add("SC", "Scene", blendtest.F{"id.name": "SCbackdrop"})
	actor := b.Add("OB", "Object", blendtest.F{"id.name": "OBactor"})
	base := b.Add("DATA", "Base", blendtest.F{"object": actor})

	insert := b.Add("SC", "Scene", blendtest.F{"id.name": "SCinsert"})
	clip := b.Add("MC", "MovieClip", blendtest.F{"id.name": "MCtrack"})
	voice := b.Add("SO", "bSound", blendtest.F{"id.name": "SOvoice"})

	sceneStrip := b.Alloc()
	clipStrip := b.Alloc()
	soundStrip := b.Alloc()
	b.AddAt(sceneStrip, "DATA", "Sequence", blendtest.F{
		"type": seqTypeScene, "scene": insert, "next": clipStrip,
	})
	b.AddAt(clipStrip, "DATA", "Sequence", blendtest.F{
		"type": seqTypeMovieclip, "clip": clip, "next": soundStrip,
	})
	b.AddAt(soundStrip, "DATA", "Sequence", blendtest.F{
		"type": seqTypeSoundRAM, "sound": voice,
	})
	ed := b.Add("DATA", "Editing", blendtest.F{
		"seqbase.first": sceneStrip,
		"seqbase.last":  soundStrip,
	})

	b.Add("SC", "Scene", blendtest.F{
		"id.name":    "SCmain",
		"camera":     camera,
		"world":      world,
		"set":        backdrop,
		"base.first": base,
		"base.last":  base,
		"ed":         ed,
	})
	f := openBlend(t, b, "scene.blend")

	blocks, err := expandScene(viewByName(t, f, "SCmain"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"OBcam", "WOsky", "SCbackdrop", "OBactor", "SCinsert", "MCtrack", "SOvoice",
	}, idNames(t, blocks))
}

func TestExpandTexture(t *testing.T) {
	t.Parallel()

	b := blendtest.NewBuilder()
	img := b.Add("IM", "Image", blendtest.F{"id.name": "IMnoise"})
	b.Add("TE", "Tex", blendtest.F{"id.name": "TEnoise", "ima": img})
	f := openBlend(t, b, "texture.blend")

	blocks, err := expandTexture(viewByName(t, f, "TEnoise"))
	require.NoError(t, err)
	assert.Equal(t, []string{"IMnoise"}, idNames(t, blocks))
}
