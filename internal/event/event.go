// Package event carries progress notifications from long-running
// operations to their callers. Events are advisory: consumers may drop
// them, and producers never block on them.
package event

import "sync/atomic"

// Stage identifies the phase of work an event belongs to.
type Stage uint8

const (
	// StageTrace covers reading blend files and discovering assets.
	StageTrace Stage = iota
	// StagePlan covers deciding destinations for discovered assets.
	StagePlan
	// StageRewrite covers patching paths into copies of blend files.
	StageRewrite
	// StageTransfer covers moving bytes to the pack target.
	StageTransfer
)

func (s Stage) String() string {
	switch s {
	case StageTrace:
		return "trace"
	case StagePlan:
		return "plan"
	case StageRewrite:
		return "rewrite"
	case StageTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Event is one progress notification. Counter fields are cumulative
// and only ever grow within a stage.
type Event struct {
	Stage Stage
	// Path names the file the event is about, when there is one.
	Path string

	FilesDone  int
	FilesTotal int
	BytesDone  int64
	BytesTotal int64
}

// Func receives events. A nil Func is valid and means no reporting.
type Func func(Event)

// Emit calls f if it is non-nil.
func (f Func) Emit(e Event) {
	if f != nil {
		f(e)
	}
}

// Counter accumulates monotonic progress totals shared by concurrent
// workers.
type Counter struct {
	files atomic.Int64
	bytes atomic.Int64
}

// AddFile records one completed file plus its size and returns the new
// totals.
func (c *Counter) AddFile(size int64) (files int, bytes int64) {
	return int(c.files.Add(1)), c.bytes.Add(size)
}

// Totals returns the current totals.
func (c *Counter) Totals() (files int, bytes int64) {
	return int(c.files.Load()), c.bytes.Load()
}
