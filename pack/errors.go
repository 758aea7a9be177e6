package pack

import "errors"

var (
	// ErrRootOutsideProject indicates a root blend file that does not
	// live under the project root. The pack layout mirrors the project
	// tree, so there is no place to put such a root.
	ErrRootOutsideProject = errors.New("pack: blend file is outside the project root")

	// ErrPlanRequired indicates Execute was called before Strategise.
	ErrPlanRequired = errors.New("pack: no plan, call Strategise first")

	// ErrPlanExists indicates Exclude was called after Strategise.
	// Exclusions shape the plan and cannot be applied retroactively.
	ErrPlanExists = errors.New("pack: plan already made, Exclude must be called first")

	// ErrClosed indicates use of a Packer after Close.
	ErrClosed = errors.New("pack: packer is closed")
)
