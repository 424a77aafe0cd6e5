package pipeline

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/transilience/transilience/internal/action"
	"github.com/transilience/transilience/internal/actionlib"
)

// fakeSystem is the minimal action.System a Noop action's Run needs.
type fakeSystem struct{}

func (fakeSystem) Context() context.Context { return context.Background() }
func (fakeSystem) ActionCache(key string, factory func() (any, error)) (any, error) {
	return factory()
}

func TestFailurePropagation(t *testing.T) {
	h := NewHost(zerolog.Nop())
	var sys fakeSystem
	info := action.PipelineInfo{ID: "p1"}

	run := func(a action.Action) action.State {
		h.Transition(a, info, sys)
		return a.GetResult().State
	}

	if got := run(actionlib.NewNoop(false)); got != action.StateNoop {
		t.Fatalf("1st noop: got %s, want noop", got)
	}
	if got := run(actionlib.NewNoop(false)); got != action.StateNoop {
		t.Fatalf("2nd noop: got %s, want noop", got)
	}
	if got := run(actionlib.NewFail("x")); got != action.StateFailed {
		t.Fatalf("fail: got %s, want failed", got)
	}
	if got := run(actionlib.NewNoop(false)); got != action.StateSkipped {
		t.Fatalf("4th action: got %s, want skipped", got)
	}
	if got := run(actionlib.NewNoop(false)); got != action.StateSkipped {
		t.Fatalf("5th action: got %s, want skipped", got)
	}

	h.ClearFailed("p1")
	if got := run(actionlib.NewNoop(false)); got != action.StateNoop {
		t.Fatalf("after clear: got %s, want noop", got)
	}
}

func TestWhenGate(t *testing.T) {
	h := NewHost(zerolog.Nop())
	var sys fakeSystem
	info := action.PipelineInfo{ID: "p2"}

	a := actionlib.NewNoop(false)
	h.Transition(a, info, sys)

	b := actionlib.NewNoop(true)
	h.Transition(b, info, sys)

	c := actionlib.NewNoop(false)
	cInfo := action.PipelineInfo{ID: "p2", When: map[string][]action.State{a.ID(): {action.StateChanged}}}
	h.Transition(c, cInfo, sys)
	if c.GetResult().State != action.StateSkipped {
		t.Fatalf("c: got %s, want skipped (A never changed)", c.GetResult().State)
	}

	d := actionlib.NewNoop(false)
	dInfo := action.PipelineInfo{ID: "p2", When: map[string][]action.State{b.ID(): {action.StateChanged}}}
	h.Transition(d, dInfo, sys)
	if d.GetResult().State != action.StateNoop {
		t.Fatalf("d: got %s, want noop (B did change, gate satisfied)", d.GetResult().State)
	}
}

func TestCycleDetection(t *testing.T) {
	h := NewHost(zerolog.Nop())
	var sys fakeSystem

	// A names B as a when-dependency, then B names A: the accumulated
	// graph now has an A<->B cycle, which only shows up once the second
	// action is transitioned.
	a := actionlib.NewNoop(false)
	a.UUID = "A"
	aInfo := action.PipelineInfo{ID: "p3", When: map[string][]action.State{"B": {action.StateNoop}}}
	h.Transition(a, aInfo, sys)

	b := actionlib.NewNoop(false)
	b.UUID = "B"
	bInfo := action.PipelineInfo{ID: "p3", When: map[string][]action.State{"A": {action.StateNoop}}}
	h.Transition(b, bInfo, sys)

	if b.GetResult().State != action.StateFailed {
		t.Fatalf("cyclic action: got %s, want failed", b.GetResult().State)
	}
	if b.GetResult().Exception == nil || b.GetResult().Exception.Type != "CycleError" {
		t.Fatalf("cyclic action: want CycleError exception, got %+v", b.GetResult().Exception)
	}
}

func TestPipelineClose(t *testing.T) {
	h := NewHost(zerolog.Nop())
	var sys fakeSystem
	info := action.PipelineInfo{ID: "p4"}

	h.Transition(actionlib.NewFail("x"), info, sys)
	h.Close("p4")

	// After Close, the pipeline record is gone; a fresh one starts
	// unfailed.
	a := actionlib.NewNoop(false)
	h.Transition(a, info, sys)
	if a.GetResult().State != action.StateNoop {
		t.Fatalf("got %s, want noop after Close reset the pipeline", a.GetResult().State)
	}
}
