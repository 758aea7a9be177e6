// Package blendpack reads Blender's binary .blend container without
// Blender, discovers every external file a scene depends on, and
// repackages a project into a self-contained directory or archive.
//
// This package provides a unified high-level API through [Trace] and
// [Pack]. For low-level access use the subpackages: [blendfile] parses
// the container, [trace] walks the dependency graph, [pack] plans and
// executes the repackaging, and [bpath] handles the byte-preserving
// path semantics of stored references.
//
// # Quick Start
//
// List everything a scene depends on:
//
//	refs, err := blendpack.Trace(ctx, "/projects/spring/shot_010.blend")
//	if err != nil {
//	    return err
//	}
//	for _, ref := range refs {
//	    fmt.Println(ref.Path)
//	}
//
// Pack a scene with all its dependencies into a directory:
//
//	report, err := blendpack.Pack(ctx,
//	    "/projects/spring/shot_010.blend", "/projects/spring", "/mnt/farm/shot_010")
//	if err != nil {
//	    return err
//	}
//	fmt.Println("open", report.OutputPath)
//
// Naming a .zip or .stargz target packs into an archive instead. Assets
// living outside the project root are relocated into an _outside
// subtree and the references to them are rewritten, so the packed scene
// resolves wherever it lands.
//
// # Two-phase packing
//
// For a dry run, or to inspect placements before writing, drive the
// phases yourself with [pack.Packer]: Strategise produces the plan,
// Execute carries it out.
package blendpack
