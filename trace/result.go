package trace

import (
	"path"

	"github.com/blendpack/blendpack/blendfile"
	"github.com/blendpack/blendpack/bpath"
)

// Usage records one place a blend file stores a path to an external
// asset: which block, which field, and the raw stored bytes. Usages
// carry everything a rewrite needs, so packing never re-traces.
type Usage struct {
	// Block holds the path field. Its file anchors "//" resolution
	// and is the file a rewrite patches.
	Block *blendfile.Block
	// OwnerName is the ID name of the datablock the path belongs to,
	// in the "IMwood" form. Empty when the holder has no ID.
	OwnerName string

	// StoredPath is the path exactly as stored. For split storage it
	// is the directory joined with the base name.
	StoredPath bpath.Path
	// PathField names the single field holding the whole path. It is
	// nil for split storage.
	PathField []string
	// DirField names the directory field of split storage, nil when
	// PathField is set. Rewrites of split storage patch only this
	// field; base names stay with their elements.
	DirField []string
	// BaseName is the file name component of split storage.
	BaseName []byte

	// IsSequence marks paths naming a frame set, UDIM tile set, glob
	// or directory rather than a single file.
	IsSequence bool
	// IsOptional marks paths whose target is routinely absent, such
	// as a library that has its data packed in.
	IsOptional bool
}

// BlendPath is the canonical absolute path of the file storing the
// usage.
func (u *Usage) BlendPath() string {
	return bpath.MakeAbsolute(u.Block.File().Path)
}

// Resolve returns the canonical absolute path of the asset the usage
// points at.
func (u *Usage) Resolve() string {
	return bpath.Resolve(u.StoredPath, path.Dir(u.BlendPath()))
}

// AssetReference is one distinct external file (or sequence) a blend
// file depends on, with every usage that mentions it. References are
// deduplicated on the resolved path; the stored spellings of the
// individual usages may differ.
type AssetReference struct {
	// Path is the canonical absolute path, the deduplication key.
	Path string
	// StoredPath is the stored form of the first usage found.
	StoredPath bpath.Path
	// IsSequence is set when any usage treats the path as a frame
	// set, glob or directory.
	IsSequence bool
	// IsOptional is set when every usage tolerates the file being
	// absent.
	IsOptional bool
	// Usages lists each place the path is stored, in discovery order.
	Usages []Usage
}

// Files returns the concrete files named by the reference: the
// sequence expansion for sequences, otherwise the path itself. The
// filesystem is only consulted for sequences; plain paths are returned
// whether or not they exist, since existence is the packer's concern.
func (r *AssetReference) Files() ([]string, error) {
	if !r.IsSequence {
		return []string{r.Path}, nil
	}
	return Expand(r.Path)
}
