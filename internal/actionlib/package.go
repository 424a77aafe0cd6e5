package actionlib

import (
	"context"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/transilience/transilience/internal/action"
)

// Package ensures Names are installed (State "present", the default)
// or removed (State "absent") via apt, consulting a per-host cached
// snapshot of the installed-package set so repeated runs against the
// same host don't re-invoke dpkg for every package in a role.
type Package struct {
	action.Base

	Names []string `json:"names" validate:"required,min=1"`
	State string   `json:"state,omitempty"` // "present" (default) or "absent"
}

func NewPackage(names []string, state string) (*Package, error) {
	p := &Package{Base: action.NewBase(uuid.New().String()), Names: names, State: state}
	if err := action.Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Package) Summary() string          { return fmt.Sprintf("package %s (%s)", strings.Join(p.Names, ","), p.wantState()) }
func (p *Package) LocalFilesNeeded() []string { return nil }
func (p *Package) TypeTag() string          { return "actionlib.Package" }

func (p *Package) wantState() string {
	if p.State == "" {
		return "present"
	}
	return p.State
}

const packageCacheKey = "actionlib.package.installed"

// installedSet fetches (and caches, per host) the set of currently
// installed package names by running dpkg-query, retrying it up to
// twice with exponential backoff — the dpkg database can be
// transiently locked by a concurrent unattended-upgrade run, so a bare
// first-failure isn't treated as conclusive. It does not refresh the
// apt package index.
func installedSet(ctx context.Context, sys action.System) (map[string]bool, error) {
	v, err := sys.ActionCache(packageCacheKey, func() (any, error) {
		var names []string
		op := func() error {
			var out strings.Builder
			opts := action.DefaultCommandOptions()
			opts.OnStdout = func(line string) { out.WriteString(line); out.WriteByte('\n') }
			_, err := action.RunCommand(ctx, []string{"dpkg-query", "-W", "-f=${Package}\\n"}, opts)
			if err != nil {
				return err
			}
			names = strings.Split(strings.TrimSpace(out.String()), "\n")
			return nil
		}
		if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)); err != nil {
			return nil, fmt.Errorf("package: query installed set: %w", err)
		}
		set := make(map[string]bool, len(names))
		for _, n := range names {
			if n != "" {
				set[n] = true
			}
		}
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]bool), nil
}

func (p *Package) Run(sys action.System) error {
	p.Result.State = action.StateNoop

	installed, err := installedSet(sys.Context(), sys)
	if err != nil {
		return err
	}

	var needed []string
	for _, name := range p.Names {
		present := installed[name]
		if p.wantState() == "present" && !present {
			needed = append(needed, name)
		}
		if p.wantState() == "absent" && present {
			needed = append(needed, name)
		}
	}
	if len(needed) == 0 {
		return nil
	}

	if p.Check() {
		p.Result.SetChanged()
		return nil
	}

	var argv []string
	if p.wantState() == "present" {
		argv = append([]string{"apt-get", "install", "-y"}, needed...)
	} else {
		argv = append([]string{"apt-get", "remove", "-y"}, needed...)
	}
	cr, err := action.RunCommand(sys.Context(), argv, action.DefaultCommandOptions())
	p.Result.AddCommand(cr)
	if err != nil {
		return fmt.Errorf("package: %w", err)
	}
	p.Result.SetChanged()
	return nil
}

func init() {
	action.DefaultRegistry.Register("actionlib.Package", func() action.Action { return &Package{} })
}
