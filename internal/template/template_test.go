package template

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRenderStringBasic(t *testing.T) {
	eng := NewFilesystem(t.TempDir())

	got, err := eng.RenderString("hello {{.Name}}", map[string]any{"Name": "world"})
	if err != nil {
		t.Fatalf("RenderString: %v", err)
	}
	if got != "hello world" {
		t.Fatalf("got %q, want %q", got, "hello world")
	}
}

func TestRenderStringNilFinalizesToEmpty(t *testing.T) {
	eng := NewFilesystem(t.TempDir())

	got, err := eng.RenderString("[{{.Missing}}]", map[string]any{"Missing": nil})
	if err != nil {
		t.Fatalf("RenderString: %v", err)
	}
	if got != "[]" {
		t.Fatalf("got %q, want %q (nil should finalize to empty string)", got, "[]")
	}
}

func TestRenderFileFromFilesystem(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "motd.tmpl"), []byte("welcome {{.Host}}"), 0644); err != nil {
		t.Fatal(err)
	}

	eng := NewFilesystem(dir)
	got, err := eng.RenderFile("motd.tmpl", map[string]any{"Host": "vm1"})
	if err != nil {
		t.Fatalf("RenderFile: %v", err)
	}
	if got != "welcome vm1" {
		t.Fatalf("got %q", got)
	}
}

func TestListStringVars(t *testing.T) {
	got, err := listVars("{{.A}} {{if .B}}{{.C}}{{end}} {{range .D}}{{.}}{{end}}")
	if err != nil {
		t.Fatalf("listVars: %v", err)
	}
	want := []string{"A", "B", "C", "D"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("vars mismatch (-want +got):\n%s", diff)
	}
}

func TestListStringVarsDedupes(t *testing.T) {
	got, err := listVars("{{.A}}-{{.A}}-{{.A}}")
	if err != nil {
		t.Fatalf("listVars: %v", err)
	}
	if len(got) != 1 || got[0] != "A" {
		t.Fatalf("got %v, want single-element [A]", got)
	}
}

func TestNewZipRendersEntry(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "bundle.zip")
	writeZip(t, archive, map[string]string{
		"roles/web/index.tmpl": "site: {{.Site}}",
	})

	eng := NewZip(archive, "roles/web")
	got, err := eng.RenderFile("index.tmpl", map[string]any{"Site": "prod"})
	if err != nil {
		t.Fatalf("RenderFile: %v", err)
	}
	if got != "site: prod" {
		t.Fatalf("got %q", got)
	}
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}
