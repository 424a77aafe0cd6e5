package actionlib

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/transilience/transilience/internal/action"
	"github.com/transilience/transilience/internal/fileasset"
)

func TestCopyAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")

	want := []byte("♥ content")
	if err := os.WriteFile(src, want, 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := NewCopy(fileasset.NewLocal(src), dst)
	if err != nil {
		t.Fatalf("NewCopy: %v", err)
	}
	c.Mode = "0640"

	action.Collect(c, fakeSystem{})
	if got := c.GetResult().State; got != action.StateChanged {
		t.Fatalf("got %s, want changed", got)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("dst bytes = %q, want %q", got, want)
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Fatalf("mode: got %o, want 0640", info.Mode().Perm())
	}

	// Identical bytes already present: second copy is a no-op write.
	c2, err := NewCopy(fileasset.NewLocal(src), dst)
	if err != nil {
		t.Fatalf("NewCopy: %v", err)
	}
	c2.Mode = "0640"
	action.Collect(c2, fakeSystem{})
	if got := c2.GetResult().State; got != action.StateNoop {
		t.Fatalf("rerun: got %s, want noop", got)
	}
}

func TestCopyContentRoundTripsBinary(t *testing.T) {
	content := []byte("'\"\xe2\x99\xa5\x00")

	c, err := NewCopyContent(content, "/tmp/x")
	if err != nil {
		t.Fatalf("NewCopyContent: %v", err)
	}

	env, err := action.Marshal(c)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(env.Binary) == 0 || env.Binary["Content"] == "" {
		t.Fatalf("expected Content flagged in __binary__, got %v", env.Binary)
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("json.Marshal envelope: %v", err)
	}

	var roundEnv action.Envelope
	if err := json.Unmarshal(data, &roundEnv); err != nil {
		t.Fatalf("json.Unmarshal envelope: %v", err)
	}

	got, err := action.Unmarshal(action.DefaultRegistry, &roundEnv)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	gotCopy, ok := got.(*Copy)
	if !ok {
		t.Fatalf("got %T, want *Copy", got)
	}
	if !bytes.Equal(gotCopy.Content, content) {
		t.Fatalf("content = %q, want %q", gotCopy.Content, content)
	}
	if gotCopy.Dest != "/tmp/x" {
		t.Fatalf("dest = %q, want /tmp/x", gotCopy.Dest)
	}
}

func TestCopyFileAssetFieldFlaggedForTransport(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := NewCopy(fileasset.NewLocal(src), filepath.Join(dir, "dst"))
	if err != nil {
		t.Fatalf("NewCopy: %v", err)
	}

	env, err := action.Marshal(c)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(env.FileAssets) != 1 || env.FileAssets[0] != "Source" {
		t.Fatalf("got __file_assets__ %v, want [Source]", env.FileAssets)
	}
}
