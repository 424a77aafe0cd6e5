package actionlib

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/transilience/transilience/internal/action"
)

// Git clones Repo into Dest if missing, otherwise fetches and brings
// Dest's working tree to Version: a fast-forward when the local branch
// is an ancestor of the remote ref, a hard reset when Force is set
// (mirroring the isolated-pull fetch+reset --hard shape used for
// unattended deployment).
type Git struct {
	action.Base

	Repo    string `json:"repo" validate:"required"`
	Dest    string `json:"dest" validate:"required"`
	Version string `json:"version,omitempty"` // branch, tag, or "HEAD"; default "main"
	Force   bool   `json:"force,omitempty"`
}

func NewGit(repo, dest, version string) (*Git, error) {
	g := &Git{Base: action.NewBase(uuid.New().String()), Repo: repo, Dest: dest, Version: version}
	if err := action.Validate(g); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Git) Summary() string          { return fmt.Sprintf("git %s -> %s", g.Repo, g.Dest) }
func (g *Git) LocalFilesNeeded() []string { return nil }
func (g *Git) TypeTag() string          { return "actionlib.Git" }

func (g *Git) version() string {
	if g.Version == "" {
		return "main"
	}
	return g.Version
}

func (g *Git) Run(sys action.System) error {
	g.Result.State = action.StateNoop
	ctx := sys.Context()

	if _, err := os.Stat(g.Dest + "/.git"); os.IsNotExist(err) {
		if g.Check() {
			g.Result.SetChanged()
			return nil
		}
		cr, err := action.RunCommand(ctx, []string{"git", "clone", "--branch", g.version(), g.Repo, g.Dest}, action.DefaultCommandOptions())
		g.Result.AddCommand(cr)
		if err != nil {
			return fmt.Errorf("git clone: %w", err)
		}
		g.Result.SetChanged()
		return nil
	}

	fetchCr, err := action.RunCommand(ctx, []string{"git", "-C", g.Dest, "fetch", "origin", g.version()}, action.DefaultCommandOptions())
	g.Result.AddCommand(fetchCr)
	if err != nil {
		return fmt.Errorf("git fetch: %w", err)
	}

	head, err := g.revParse(ctx, "HEAD")
	if err != nil {
		return fmt.Errorf("git rev-parse HEAD: %w", err)
	}
	remote, err := g.revParse(ctx, "FETCH_HEAD")
	if err != nil {
		return fmt.Errorf("git rev-parse FETCH_HEAD (%s): %w", g.version(), err)
	}

	if head == remote {
		return nil
	}

	if g.Check() {
		g.Result.SetChanged()
		return nil
	}

	args := []string{"git", "-C", g.Dest, "merge", "--ff-only", remote}
	if g.Force {
		args = []string{"git", "-C", g.Dest, "reset", "--hard", remote}
	}
	cr, err := action.RunCommand(ctx, args, action.DefaultCommandOptions())
	g.Result.AddCommand(cr)
	if err != nil {
		return fmt.Errorf("git update: %w", err)
	}
	g.Result.SetChanged()
	return nil
}

// revParse runs "git rev-parse ref" and returns the trimmed commit id.
// RunCommand only captures stderr in its CommandResult; the rev-parse
// output itself is captured here through OnStdout.
func (g *Git) revParse(ctx context.Context, ref string) (string, error) {
	var out strings.Builder
	opts := action.DefaultCommandOptions()
	opts.OnStdout = func(line string) { out.WriteString(line) }
	_, err := action.RunCommand(ctx, []string{"git", "-C", g.Dest, "rev-parse", ref}, opts)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}

func init() {
	action.DefaultRegistry.Register("actionlib.Git", func() action.Action { return &Git{} })
}
