package action_test

import (
	"context"
	"testing"

	"github.com/transilience/transilience/internal/action"
)

func TestRunCommandCapturesStdoutLines(t *testing.T) {
	var lines []string
	opts := action.DefaultCommandOptions()
	opts.OnStdout = func(line string) { lines = append(lines, line) }

	cr, err := action.RunCommand(context.Background(), []string{"printf", "a\nb\n"}, opts)
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if cr.ReturnCode != 0 {
		t.Fatalf("return code = %d, want 0", cr.ReturnCode)
	}
	if len(lines) != 2 || lines[0] != "a" || lines[1] != "b" {
		t.Fatalf("lines = %v, want [a b]", lines)
	}
}

func TestRunCommandNonZeroExitErrorsWhenChecked(t *testing.T) {
	opts := action.DefaultCommandOptions()
	_, err := action.RunCommand(context.Background(), []string{"sh", "-c", "exit 3"}, opts)
	if err == nil {
		t.Fatal("expected an error for a non-zero exit under Check")
	}
}

func TestRunCommandNonZeroExitToleratedWithoutCheck(t *testing.T) {
	opts := action.CommandOptions{Check: false}
	cr, err := action.RunCommand(context.Background(), []string{"sh", "-c", "exit 3"}, opts)
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if cr.ReturnCode != 3 {
		t.Fatalf("return code = %d, want 3", cr.ReturnCode)
	}
}

func TestCollectConvertsPanicToFailed(t *testing.T) {
	a := &panickingAction{Base: action.NewBase("panic-1")}
	action.Collect(a, nopSystem{})
	if a.GetResult().State != action.StateFailed {
		t.Fatalf("got %s, want failed", a.GetResult().State)
	}
	if a.GetResult().Exception == nil || a.GetResult().Exception.Type != "panic" {
		t.Fatalf("exception = %+v, want type panic", a.GetResult().Exception)
	}
}

type nopSystem struct{}

func (nopSystem) Context() context.Context { return context.Background() }
func (nopSystem) ActionCache(key string, factory func() (any, error)) (any, error) {
	return factory()
}

type panickingAction struct {
	action.Base
}

func (p *panickingAction) Summary() string           { return "panic" }
func (p *panickingAction) LocalFilesNeeded() []string { return nil }
func (p *panickingAction) TypeTag() string           { return "test.panickingAction" }
func (p *panickingAction) Run(sys action.System) error {
	panic("boom")
}
