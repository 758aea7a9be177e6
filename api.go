package blendpack

import (
	"context"

	"github.com/blendpack/blendpack/internal/event"
	"github.com/blendpack/blendpack/pack"
	"github.com/blendpack/blendpack/trace"
)

// Re-export types from internal/event for public API.
type (
	// Event is one progress notification from a trace or pack run.
	Event = event.Event

	// Stage identifies the phase of work an event belongs to.
	Stage = event.Stage

	// ProgressFunc receives events. A nil ProgressFunc is valid and
	// means no reporting.
	ProgressFunc = event.Func
)

// Re-export stage constants.
const (
	StageTrace    = event.StageTrace
	StagePlan     = event.StagePlan
	StageRewrite  = event.StageRewrite
	StageTransfer = event.StageTransfer
)

// Aliases for the result types of [Trace] and [Pack], so simple callers
// never import the subpackages.
type (
	// AssetReference is one external file a blend file depends on.
	AssetReference = trace.AssetReference

	// Usage is one place inside a blend file that names an asset.
	Usage = trace.Usage

	// Report summarizes an executed pack.
	Report = pack.Report
)

// Sentinel errors re-exported from the pack subpackage.
var (
	// ErrRootOutsideProject is returned when the blend file does not
	// live under the project root.
	ErrRootOutsideProject = pack.ErrRootOutsideProject

	// ErrPlanRequired is returned when Execute runs before Strategise.
	ErrPlanRequired = pack.ErrPlanRequired
)

// Trace opens the blend file at blendPath and returns every external
// file it references, directly or through linked libraries, in
// first-found order.
func Trace(ctx context.Context, blendPath string, opts ...trace.Option) ([]AssetReference, error) {
	return trace.Deps(ctx, blendPath, opts...)
}

// Pack traces the blend file at root and writes it, along with
// everything it depends on, to target. The root must live under the
// project directory; assets outside it are relocated into an _outside
// subtree and references to them rewritten. The target's extension
// picks the output format: .zip and .stargz produce archives, anything
// else a directory tree.
//
// Pack runs both phases in one shot. To inspect the plan first, or to
// run a dry run, use [pack.Packer] directly.
func Pack(ctx context.Context, root, project, target string, opts ...pack.Option) (*Report, error) {
	p, err := pack.New(root, project, target, opts...)
	if err != nil {
		return nil, err
	}
	defer p.Close()
	if _, err := p.Strategise(ctx); err != nil {
		return nil, err
	}
	return p.Execute(ctx)
}
