package actionlib

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/transilience/transilience/internal/action"
)

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return splitLines(string(data))
}

func TestBlockInFileEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")

	b, err := NewBlockInFile(path, "placeholder", "")
	if err != nil {
		t.Fatalf("NewBlockInFile: %v", err)
	}
	begin, end := b.markers()
	writeLines(t, path, begin, "line1", end)

	b2, err := NewBlockInFile(path, "a\nb", "")
	if err != nil {
		t.Fatalf("NewBlockInFile: %v", err)
	}
	action.Collect(b2, fakeSystem{})
	if got := b2.GetResult().State; got != action.StateChanged {
		t.Fatalf("got %s, want changed", got)
	}

	got := readLines(t, path)
	want := []string{begin, "a", "b", end}
	if len(got) != len(want) {
		t.Fatalf("lines = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("lines = %v, want %v", got, want)
		}
	}
}

func TestBlockInFileCreateOnMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "new")

	b, err := NewBlockInFile(path, "test", "")
	if err != nil {
		t.Fatalf("NewBlockInFile: %v", err)
	}
	b.Create = true

	action.Collect(b, fakeSystem{})
	if got := b.GetResult().State; got != action.StateChanged {
		t.Fatalf("got %s, want changed", got)
	}

	begin, end := b.markers()
	got := readLines(t, path)
	want := []string{begin, "test", end}
	if len(got) != len(want) {
		t.Fatalf("lines = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("lines = %v, want %v", got, want)
		}
	}
}

func TestBlockInFileMissingWithoutCreateFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing")

	b, err := NewBlockInFile(path, "test", "")
	if err != nil {
		t.Fatalf("NewBlockInFile: %v", err)
	}

	action.Collect(b, fakeSystem{})
	if got := b.GetResult().State; got != action.StateFailed {
		t.Fatalf("got %s, want failed", got)
	}
}

func TestBlockInFileOnlyLastPairReplaced(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")

	b, err := NewBlockInFile(path, "x", "")
	if err != nil {
		t.Fatalf("NewBlockInFile: %v", err)
	}
	begin, end := b.markers()
	writeLines(t, path, begin, "first", end, "between", begin, "second", end)

	b2, err := NewBlockInFile(path, "replaced", "")
	if err != nil {
		t.Fatalf("NewBlockInFile: %v", err)
	}
	action.Collect(b2, fakeSystem{})
	if got := b2.GetResult().State; got != action.StateChanged {
		t.Fatalf("got %s, want changed", got)
	}

	got := readLines(t, path)
	want := []string{begin, "first", end, "between", begin, "replaced", end}
	if len(got) != len(want) {
		t.Fatalf("lines = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("lines = %v, want %v", got, want)
		}
	}
}

func TestBlockAbsentRemovesOnlyLastPair(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")

	b, err := NewBlockAbsent(path, "")
	if err != nil {
		t.Fatalf("NewBlockAbsent: %v", err)
	}
	begin, end := b.markers()
	writeLines(t, path, begin, "first", end, begin, "second", end)

	action.Collect(b, fakeSystem{})
	if got := b.GetResult().State; got != action.StateChanged {
		t.Fatalf("got %s, want changed", got)
	}

	got := readLines(t, path)
	want := []string{begin, "first", end}
	if len(got) != len(want) {
		t.Fatalf("lines = %v, want %v", got, want)
	}
}

func TestBlockInFileInsertBeforeRegex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	writeLines(t, path, "top", "marker-here", "bottom")

	b, err := NewBlockInFile(path, "inserted", "")
	if err != nil {
		t.Fatalf("NewBlockInFile: %v", err)
	}
	b.InsertBefore = "^marker-here$"

	action.Collect(b, fakeSystem{})
	if got := b.GetResult().State; got != action.StateChanged {
		t.Fatalf("got %s, want changed", got)
	}

	begin, end := b.markers()
	got := readLines(t, path)
	want := []string{"top", begin, "inserted", end, "marker-here", "bottom"}
	if len(got) != len(want) {
		t.Fatalf("lines = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("lines = %v, want %v", got, want)
		}
	}
}
