package actionlib

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/transilience/transilience/internal/action"
)

// Fail is a terminal action that always fails, used by the role
// runtime to stop a pipeline after a required Facts probe comes back
// failed.
type Fail struct {
	action.Base
	Message string `json:"message"`
}

// NewFail constructs a Fail action carrying message.
func NewFail(message string) *Fail {
	f := &Fail{Base: action.NewBase(uuid.New().String())}
	f.Message = message
	return f
}

func (f *Fail) Summary() string { return fmt.Sprintf("fail: %s", f.Message) }

func (f *Fail) LocalFilesNeeded() []string { return nil }

func (f *Fail) Run(sys action.System) error {
	f.Result.State = action.StateFailed
	return fmt.Errorf("%s", f.Message)
}

func (f *Fail) TypeTag() string { return "actionlib.Fail" }

func init() {
	action.DefaultRegistry.Register("actionlib.Fail", func() action.Action { return &Fail{} })
}

// Noop is a minimal fixture action: it performs no work and reports
// Changed when constructed with changed=true, Noop otherwise. It
// exists for pipeline and role tests that need a cheap, deterministic
// action body without touching the filesystem or a real subprocess.
type Noop struct {
	action.Base
	Changed bool `json:"changed,omitempty"`
}

// NewNoop constructs a Noop action that reports CHANGED when changed
// is true, NOOP otherwise.
func NewNoop(changed bool) *Noop {
	n := &Noop{Base: action.NewBase(uuid.New().String()), Changed: changed}
	return n
}

func (n *Noop) Summary() string { return "noop" }

func (n *Noop) LocalFilesNeeded() []string { return nil }

func (n *Noop) Run(sys action.System) error {
	n.Result.State = action.StateNoop
	if n.Changed {
		n.Result.SetChanged()
	}
	return nil
}

func (n *Noop) TypeTag() string { return "actionlib.Noop" }

func init() {
	action.DefaultRegistry.Register("actionlib.Noop", func() action.Action { return &Noop{} })
}
