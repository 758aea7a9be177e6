package pack

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/blendpack/blendpack/bpath"
	"github.com/blendpack/blendpack/internal/event"
	"github.com/blendpack/blendpack/trace"
)

// rewritePaths patches stored references in every blend file whose
// assets move. Each blend is copied to a temporary file once, patched
// in place, and marked to be packed from that copy. A blend that
// cannot be rewritten is packed unmodified and the failure recorded.
func (p *Packer) rewritePaths(ctx context.Context, plan *Plan) error {
	for act := range plan.Actions() {
		if len(act.Rewrites) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pack: %w", err)
		}
		if err := p.rewriteBlend(plan, act); err != nil {
			p.log().Warn("blend file packed with original paths",
				slog.String("path", act.Path),
				slog.Any("error", err))
			p.recordFailed(act.PackPath, err)
			continue
		}
		p.progress.Emit(event.Event{Stage: event.StageRewrite, Path: act.Path})
	}
	return nil
}

// rewriteBlend copies one blend file into the staging directory and
// patches every reference whose asset moves. Field offsets recorded at
// trace time are identical in the copy, so patches are plain writes.
func (p *Packer) rewriteBlend(plan *Plan, act *AssetAction) error {
	f, err := p.cache.Open(act.Path)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(p.tmpDir, "rewrite-*-"+path.Base(act.Path))
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := f.WriteTo(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	patched := 0
	for _, u := range act.Rewrites {
		target, ok := plan.actions[u.Resolve()]
		if !ok {
			// Excluded or skipped assets keep their stored paths.
			continue
		}
		n, err := p.patchUsage(tmp, act, target, u)
		if err != nil {
			p.log().Warn("reference not rewritten",
				slog.String("blend", act.Path),
				slog.String("stored", u.StoredPath.String()),
				slog.Any("error", err))
			continue
		}
		patched += n
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if patched == 0 {
		os.Remove(tmpPath)
		return nil
	}
	p.log().Debug("rewrote blend file",
		slog.String("path", act.Path),
		slog.Int("references", patched))
	act.ReadFrom = tmpPath
	return nil
}

// patchUsage writes one reference's new stored path into the copy.
// Returns how many fields changed.
func (p *Packer) patchUsage(tmp *os.File, act, target *AssetAction, u trace.Usage) (int, error) {
	v, err := u.Block.View()
	if err != nil {
		return 0, err
	}

	// Split storage patches only the directory half; the element names
	// under it stay as they are.
	if len(u.DirField) > 0 {
		reldir := bpath.MkRelative(path.Dir(target.PackPath), act.PackPath)
		span, err := v.Span(u.DirField...)
		if err != nil {
			return 0, err
		}
		buf, err := span.EncodeString(append([]byte(reldir), '/'))
		if err != nil {
			return 0, err
		}
		if _, err := tmp.WriteAt(buf, span.Offset); err != nil {
			return 0, err
		}
		return 1, nil
	}

	rel := bpath.MkRelative(target.PackPath, act.PackPath)
	if bytes.Equal(rel, u.StoredPath) {
		p.log().Debug("reference unchanged", slog.String("stored", u.StoredPath.String()))
		return 0, nil
	}
	span, err := v.Span(u.PathField...)
	if err != nil {
		return 0, err
	}
	buf, err := span.EncodeString(rel)
	if err != nil {
		return 0, err
	}
	if _, err := tmp.WriteAt(buf, span.Offset); err != nil {
		return 0, err
	}
	return 1, nil
}
