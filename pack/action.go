package pack

import (
	"iter"

	"github.com/blendpack/blendpack/trace"
)

// PathAction says what happens to the stored references of one asset.
type PathAction uint8

const (
	// KeepPath means every reference survives as stored: the asset sits
	// at the same relative location in the pack as in the project.
	KeepPath PathAction = iota
	// FindNewLocation means the asset moves relative to at least one of
	// its referring blend files, so those references must be rewritten.
	FindNewLocation
)

func (a PathAction) String() string {
	if a == KeepPath {
		return "keep"
	}
	return "relocate"
}

// AssetAction is the plan for one asset: where it goes in the pack and
// which stored references need patching.
type AssetAction struct {
	// Path is the resolved source path, the plan's key.
	Path string
	// PackPath is the asset's destination, absolute under the target.
	PackPath string
	// Action records whether referring blend files need rewriting.
	Action PathAction

	// Usages are all traced references to this asset.
	Usages []trace.Usage
	// Rewrites are references stored in this asset, collected when the
	// asset is a blend file. Grouped here so Execute patches each blend
	// exactly once.
	Rewrites []trace.Usage

	// ReadFrom, when set, is a rewritten temporary copy to pack instead
	// of Path. The copy may be moved rather than copied.
	ReadFrom string
	// ExtraFiles are sources packed next to the asset without their own
	// plan entry, such as sibling UDIM tiles.
	ExtraFiles []string
}

// Entry is one manifest line: a source file and its place in the pack.
type Entry struct {
	Source string
	Dest   string
}

// Plan is the outcome of Strategise: per-asset actions in a stable
// order. The same inputs always produce the same plan.
type Plan struct {
	actions map[string]*AssetAction
	order   []string

	// dests maps claimed destinations back to their asset, so two
	// distinct sources never share one pack path.
	dests map[string]string

	// OutputPath is the packed location of the root blend file.
	OutputPath string
}

// Len returns the number of planned assets.
func (p *Plan) Len() int { return len(p.order) }

// Action returns the plan for the asset with the given resolved path.
func (p *Plan) Action(path string) (*AssetAction, bool) {
	a, ok := p.actions[path]
	return a, ok
}

// Actions returns an iterator over all asset actions in plan order.
func (p *Plan) Actions() iter.Seq[*AssetAction] {
	return func(yield func(*AssetAction) bool) {
		for _, path := range p.order {
			if !yield(p.actions[path]) {
				return
			}
		}
	}
}

// Entries returns an iterator over source to destination pairs in plan
// order. Sequence members, extra files and directory contents are not
// expanded here; this is the asset-level manifest.
func (p *Plan) Entries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, path := range p.order {
			act := p.actions[path]
			if !yield(Entry{Source: act.Path, Dest: act.PackPath}) {
				return
			}
		}
	}
}
