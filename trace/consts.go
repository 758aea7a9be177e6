package trace

// Values from Blender's DNA headers. Only the ones the extractors and
// expanders interpret are defined; everything else is read by field
// name through the file's own struct table.

// Image.source
const (
	imaSrcFile      = 1
	imaSrcSequence  = 2
	imaSrcMovie     = 3
	imaSrcGenerated = 4
	imaSrcTiled     = 6
)

// MovieClip.source
const mclipSrcSequence = 1

// Object.transflag
const obDuplicollection = 1 << 8

// ParticleSettings.ren_as
const (
	partDrawOB = 7
	partDrawGR = 8
)

// Sequence.type
const (
	seqTypeImage     = 0
	seqTypeMeta      = 1
	seqTypeScene     = 2
	seqTypeMovie     = 3
	seqTypeSoundRAM  = 4
	seqTypeMovieclip = 6
	seqTypeMask      = 7
)

// bNodeSocket.type
const (
	sockObject     = 8
	sockImage      = 9
	sockCollection = 11
	sockTexture    = 12
	sockMaterial   = 13
)

// bNode.type
const cmpNodeRLayers = 221

// IDProperty.type
const (
	idpGroup = 6
	idpID    = 7
)

// ModifierData.type
const (
	modTypeFluidsim     = 26
	modTypeOcean        = 39
	modTypeMeshCache    = 46
	modTypeMeshSeqCache = 52
	modTypeFluid        = 56
	modTypeNodes        = 57
)

// FluidModifierData.type
const modFluidTypeDomain = 1 << 1

// PointCache.flag
const ptcacheDiskCache = 1 << 6
