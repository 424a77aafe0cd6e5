package system_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/transilience/transilience/internal/action"
	"github.com/transilience/transilience/internal/actionlib"
	"github.com/transilience/transilience/internal/system"
)

func TestLocalExecuteRunsSynchronously(t *testing.T) {
	sys := system.NewLocal(context.Background(), zerolog.Nop())
	defer sys.Close()

	a := actionlib.NewNoop(true)
	got, err := sys.Execute(a, action.PipelineInfo{ID: "p"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.GetResult().State != action.StateChanged {
		t.Fatalf("got %s, want changed", got.GetResult().State)
	}
}

func TestLocalSendReceivePipelinedPreservesOrder(t *testing.T) {
	sys := system.NewLocal(context.Background(), zerolog.Nop())
	defer sys.Close()

	info := action.PipelineInfo{ID: "p"}
	first := actionlib.NewNoop(false)
	second := actionlib.NewNoop(true)

	if err := sys.SendPipelined(first, info); err != nil {
		t.Fatalf("SendPipelined: %v", err)
	}
	if err := sys.SendPipelined(second, info); err != nil {
		t.Fatalf("SendPipelined: %v", err)
	}

	gotFirst, err := sys.ReceivePipelined()
	if err != nil {
		t.Fatalf("ReceivePipelined: %v", err)
	}
	if gotFirst.ID() != first.ID() {
		t.Fatalf("got id %s first, want %s", gotFirst.ID(), first.ID())
	}

	gotSecond, err := sys.ReceivePipelined()
	if err != nil {
		t.Fatalf("ReceivePipelined: %v", err)
	}
	if gotSecond.ID() != second.ID() {
		t.Fatalf("got id %s second, want %s", gotSecond.ID(), second.ID())
	}
}

func TestLocalActionCacheRunsFactoryOnce(t *testing.T) {
	sys := system.NewLocal(context.Background(), zerolog.Nop())
	defer sys.Close()

	calls := 0
	factory := func() (any, error) {
		calls++
		return 42, nil
	}

	for i := 0; i < 3; i++ {
		v, err := sys.ActionCache("key", factory)
		if err != nil {
			t.Fatalf("ActionCache: %v", err)
		}
		if v.(int) != 42 {
			t.Fatalf("got %v, want 42", v)
		}
	}
	if calls != 1 {
		t.Fatalf("factory called %d times, want 1", calls)
	}
}

func TestLocalPipelineClearFailed(t *testing.T) {
	sys := system.NewLocal(context.Background(), zerolog.Nop())
	defer sys.Close()

	info := action.PipelineInfo{ID: "p"}
	if err := sys.SendPipelined(actionlib.NewFail("boom"), info); err != nil {
		t.Fatal(err)
	}
	failed, err := sys.ReceivePipelined()
	if err != nil {
		t.Fatal(err)
	}
	if failed.GetResult().State != action.StateFailed {
		t.Fatalf("got %s, want failed", failed.GetResult().State)
	}

	sys.PipelineClearFailed("p")

	if err := sys.SendPipelined(actionlib.NewNoop(false), info); err != nil {
		t.Fatal(err)
	}
	next, err := sys.ReceivePipelined()
	if err != nil {
		t.Fatal(err)
	}
	if next.GetResult().State != action.StateNoop {
		t.Fatalf("got %s, want noop after clearing the failed pipeline", next.GetResult().State)
	}
}
