package role_test

import (
	"testing"

	"github.com/transilience/transilience/internal/action"
	"github.com/transilience/transilience/internal/actionlib"
	"github.com/transilience/transilience/internal/role"
)

type fakeDriver struct {
	sent []struct {
		pending *role.PendingAction
		info    action.PipelineInfo
	}
}

func (d *fakeDriver) AddPendingAction(p *role.PendingAction, info action.PipelineInfo) {
	d.sent = append(d.sent, struct {
		pending *role.PendingAction
		info    action.PipelineInfo
	}{p, info})
}

type testRole struct {
	role.Base
}

func newTestRole() *testRole {
	r := &testRole{}
	r.Init(r, "test-role", "")
	return r
}

func TestTaskRecordsPipelineID(t *testing.T) {
	r := newTestRole()
	d := &fakeDriver{}
	r.SetDriver(d)

	a := actionlib.NewNoop(false)
	r.Task(a)

	if len(d.sent) != 1 {
		t.Fatalf("sent %d actions, want 1", len(d.sent))
	}
	if d.sent[0].info.ID != r.RoleID() {
		t.Fatalf("pipeline id = %s, want %s", d.sent[0].info.ID, r.RoleID())
	}
}

func TestWhenScopeAppliesToEnclosedTasks(t *testing.T) {
	r := newTestRole()
	d := &fakeDriver{}
	r.SetDriver(d)

	dep := actionlib.NewNoop(false)

	restore := r.When(map[role.Dependency][]action.State{fakeDep{"priorID"}: {action.StateChanged}})
	r.Task(dep)
	restore()

	r.Task(actionlib.NewNoop(false)) // outside the scope: no when

	if len(d.sent) != 2 {
		t.Fatalf("sent %d actions, want 2", len(d.sent))
	}
	if len(d.sent[0].info.When) != 1 {
		t.Fatalf("first action when = %v, want one entry", d.sent[0].info.When)
	}
	if len(d.sent[1].info.When) != 0 {
		t.Fatalf("second action when = %v, want none (outside scope)", d.sent[1].info.When)
	}
}

type fakeDep struct{ id string }

func (f fakeDep) ID() string { return f.id }

func TestHasPendingTracksOutstandingActions(t *testing.T) {
	r := newTestRole()
	d := &fakeDriver{}
	r.SetDriver(d)

	if r.HasPending() {
		t.Fatal("should have no pending actions before Task is called")
	}

	a := actionlib.NewNoop(false)
	pending := r.Task(a)
	if !r.HasPending() {
		t.Fatal("expected a pending action after Task")
	}

	r.OnAction(pending, a)
	if r.HasPending() {
		t.Fatal("expected no pending actions after OnAction")
	}
}

type factsAwareRole struct {
	role.Base
	available bool

	Distribution string
}

func newFactsAwareRole() *factsAwareRole {
	r := &factsAwareRole{}
	r.Init(r, "facts-role", "")
	r.RequireFacts("platform")
	return r
}

func (r *factsAwareRole) AllFactsAvailable() { r.available = true }

func TestFactsMergeAndAllFactsAvailable(t *testing.T) {
	r := newFactsAwareRole()
	d := &fakeDriver{}
	r.SetDriver(d)

	probe := actionlib.NewPlatform()
	probe.Distribution = "nixos"
	probe.GetResult().State = action.StateNoop

	pending := r.Task(probe)
	r.OnAction(pending, probe)

	if r.Distribution != "nixos" {
		t.Fatalf("Distribution = %q, want nixos (field merge from facts)", r.Distribution)
	}
	if !r.available {
		t.Fatal("expected AllFactsAvailable to fire once the required fact arrived")
	}
}

func TestFailedFactsProbeEnqueuesFail(t *testing.T) {
	r := newFactsAwareRole()
	d := &fakeDriver{}
	r.SetDriver(d)

	probe := actionlib.NewPlatform()
	probe.GetResult().State = action.StateFailed

	pending := r.Task(probe)
	r.OnAction(pending, probe)

	if len(d.sent) != 2 {
		t.Fatalf("sent %d actions, want 2 (probe + fail)", len(d.sent))
	}
	if _, ok := d.sent[1].pending.Action.(*actionlib.Fail); !ok {
		t.Fatalf("second action = %T, want *actionlib.Fail", d.sent[1].pending.Action)
	}
}
