package action

import (
	"context"
)

// System is the minimal facility an action's Run method needs from its
// host transport. The full transport contract (execute, pipeline,
// share files...) lives in internal/system; this is the narrow slice
// action bodies are allowed to depend on, so internal/action never
// imports internal/system.
type System interface {
	// Context returns the context bound to the current run, for
	// cancellation-aware subprocess execution.
	Context() context.Context

	// ActionCache returns a cached value for key, calling factory to
	// populate it on first access. Concurrent callers on the same
	// host are serialised so factory runs at most once per key.
	ActionCache(key string, factory func() (any, error)) (any, error)
}

// Action is the declarative unit of work. Every concrete action type
// (File, Copy, Package, ...) implements this interface; Base provides
// the shared bookkeeping (id, check flag, result) that every concrete
// type embeds.
type Action interface {
	// ID returns the action's stable identifier, assigned once at
	// construction and preserved across the wire.
	ID() string

	// Check reports whether this is a dry run: Run must compute
	// change intent without mutating the target system.
	Check() bool

	// GetResult returns the (possibly still-zero) result record.
	GetResult() *Result

	// Summary returns a short human description, e.g. "file /etc/hosts".
	Summary() string

	// LocalFilesNeeded lists filesystem paths on the controller that
	// must be registered with the transport's file-sharing service
	// before this action is dispatched.
	LocalFilesNeeded() []string

	// Run performs the work. Implementations must set
	// result.State = StateNoop as their first step and call
	// result.SetChanged() whenever a mutation is performed. Run may
	// return an error; Collect (called by the pipeline executor)
	// turns that into a Failed result with captured diagnostics.
	Run(sys System) error

	// TypeTag returns the fully-qualified type tag used in the
	// envelope's __action__ field, e.g. "actionlib.File".
	TypeTag() string
}

// Base is embedded by every concrete action type. It implements the
// bookkeeping portions of the Action interface; concrete types only
// need to implement Summary, LocalFilesNeeded, Run and TypeTag.
type Base struct {
	UUID   string `json:"uuid" validate:"required"`
	CheckF bool   `json:"check"`
	Result Result `json:"result"`
}

// NewBase constructs a Base with a fresh id.
func NewBase(id string) Base {
	return Base{UUID: id}
}

func (b *Base) ID() string          { return b.UUID }
func (b *Base) Check() bool         { return b.CheckF }
func (b *Base) GetResult() *Result  { return &b.Result }
func (b *Base) SetCheck(check bool) { b.CheckF = check }

// RunPipelineFailed is the contract's action_run_pipeline_failed: the
// pipeline executor calls this instead of Run when the pipeline has
// already failed. It always produces Skipped.
func RunPipelineFailed(b *Base) {
	b.Result.State = StateSkipped
}

// RunPipelineSkipped is action_run_pipeline_skipped: called when the
// action's when-conditions were not met.
func RunPipelineSkipped(b *Base, reason string) {
	b.Result.State = StateSkipped
	_ = reason // reason is logged by the caller, not stored on the result
}
