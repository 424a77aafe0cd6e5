package modechange

import (
	"os"
	"testing"
)

func TestUnqualifiedClauseOverwritesEarlierOnes(t *testing.T) {
	c, err := Parse("a=r,=x")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := c.Apply(0, 0o005, false)
	if want := os.FileMode(0o110); got != want {
		t.Fatalf("got %o, want %o", got, want)
	}
}

func TestCapitalXNoChangeOnFile(t *testing.T) {
	c, err := Parse("u=rwX,g=rX,o=rX")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := c.Apply(0o644, 0, false)
	if want := os.FileMode(0o644); got != want {
		t.Fatalf("file: got %o, want %o (no change)", got, want)
	}
}

func TestCapitalXAddsExecOnDirectory(t *testing.T) {
	c, err := Parse("u=rwX,g=rX,o=rX")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := c.Apply(0o644, 0, true)
	if want := os.FileMode(0o755); got != want {
		t.Fatalf("directory: got %o, want %o", got, want)
	}
}

func TestOctalLiteral(t *testing.T) {
	c, err := Parse("0750")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := c.Apply(0o644, 0o022, false)
	if want := os.FileMode(0o750); got != want {
		t.Fatalf("got %o, want %o", got, want)
	}
}

func TestInvalidModeString(t *testing.T) {
	if _, err := Parse("nonsense!!"); err == nil {
		t.Fatal("expected an error for an invalid mode string")
	}
}

func TestEmptyModeString(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Fatal("expected an error for an empty mode string")
	}
}
