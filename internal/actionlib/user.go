package actionlib

import (
	"context"
	"fmt"
	"os/user"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/transilience/transilience/internal/action"
)

// User ensures a local account exists (State "present", the default)
// or is removed (State "absent"), with the given primary group,
// supplementary groups, shell and comment, reconciled via
// useradd/usermod/userdel rather than rewriting /etc/passwd directly.
type User struct {
	action.Base

	Name       string   `json:"name" validate:"required"`
	State      string   `json:"state,omitempty"` // "present" (default) or "absent"
	Group      string   `json:"group,omitempty"`
	Groups     []string `json:"groups,omitempty"`
	Shell      string   `json:"shell,omitempty"`
	Comment    string   `json:"comment,omitempty"`
	CreateHome bool     `json:"create_home,omitempty"`
	System     bool     `json:"system,omitempty"`
}

func NewUser(name string) (*User, error) {
	u := &User{Base: action.NewBase(uuid.New().String()), Name: name, CreateHome: true}
	if err := action.Validate(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *User) Summary() string          { return fmt.Sprintf("user %s", u.Name) }
func (u *User) LocalFilesNeeded() []string { return nil }
func (u *User) TypeTag() string          { return "actionlib.User" }

func (u *User) wantState() string {
	if u.State == "" {
		return "present"
	}
	return u.State
}

func (u *User) Run(sys action.System) error {
	u.Result.State = action.StateNoop
	ctx := sys.Context()

	existing, err := user.Lookup(u.Name)
	exists := err == nil
	if err != nil {
		if _, ok := err.(user.UnknownUserError); !ok {
			return fmt.Errorf("user: lookup %s: %w", u.Name, err)
		}
	}

	if u.wantState() == "absent" {
		if !exists {
			return nil
		}
		if u.Check() {
			u.Result.SetChanged()
			return nil
		}
		cr, err := action.RunCommand(ctx, []string{"userdel", "-r", u.Name}, action.DefaultCommandOptions())
		u.Result.AddCommand(cr)
		if err != nil {
			return fmt.Errorf("userdel %s: %w", u.Name, err)
		}
		u.Result.SetChanged()
		return nil
	}

	if !exists {
		if u.Check() {
			u.Result.SetChanged()
			return nil
		}
		if err := u.create(ctx); err != nil {
			return err
		}
		u.Result.SetChanged()
		return nil
	}

	changes, err := u.diff(ctx, existing)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}
	if u.Check() {
		u.Result.SetChanged()
		return nil
	}

	argv := append([]string{"usermod"}, changes...)
	argv = append(argv, u.Name)
	cr, err := action.RunCommand(ctx, argv, action.DefaultCommandOptions())
	u.Result.AddCommand(cr)
	if err != nil {
		return fmt.Errorf("usermod %s: %w", u.Name, err)
	}
	u.Result.SetChanged()
	return nil
}

func (u *User) create(ctx context.Context) error {
	argv := []string{"useradd"}
	if u.Group != "" {
		argv = append(argv, "-g", u.Group)
	}
	if len(u.Groups) > 0 {
		argv = append(argv, "-G", strings.Join(u.Groups, ","))
	}
	if u.Shell != "" {
		argv = append(argv, "-s", u.Shell)
	}
	if u.Comment != "" {
		argv = append(argv, "-c", u.Comment)
	}
	if u.System {
		argv = append(argv, "-r")
	}
	if u.CreateHome {
		argv = append(argv, "-m")
	} else {
		argv = append(argv, "-M")
	}
	argv = append(argv, u.Name)

	cr, err := action.RunCommand(ctx, argv, action.DefaultCommandOptions())
	u.Result.AddCommand(cr)
	if err != nil {
		return fmt.Errorf("useradd %s: %w", u.Name, err)
	}
	return nil
}

// diff compares the account's current shell/comment/supplementary
// groups against the declared values and returns the usermod flags
// needed to reconcile them, or nil if nothing differs.
func (u *User) diff(ctx context.Context, existing *user.User) ([]string, error) {
	var argv []string

	if u.Comment != "" && u.Comment != existing.Name {
		argv = append(argv, "-c", u.Comment)
	}

	if u.Shell != "" {
		cur, err := currentShell(ctx, u.Name)
		if err == nil && cur != u.Shell {
			argv = append(argv, "-s", u.Shell)
		}
	}

	if len(u.Groups) > 0 {
		cur, err := currentGroups(existing)
		if err == nil && !sameSet(cur, u.Groups) {
			argv = append(argv, "-G", strings.Join(u.Groups, ","))
		}
	}

	return argv, nil
}

func currentShell(ctx context.Context, name string) (string, error) {
	var out strings.Builder
	opts := action.DefaultCommandOptions()
	opts.OnStdout = func(line string) { out.WriteString(line) }
	if _, err := action.RunCommand(ctx, []string{"getent", "passwd", name}, opts); err != nil {
		return "", err
	}
	fields := strings.Split(strings.TrimSpace(out.String()), ":")
	if len(fields) < 7 {
		return "", fmt.Errorf("user: unexpected getent output for %s", name)
	}
	return fields[6], nil
}

func currentGroups(u *user.User) ([]string, error) {
	ids, err := u.GroupIds()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if g, err := user.LookupGroupId(id); err == nil {
			names = append(names, g.Name)
		}
	}
	return names, nil
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa, sb := append([]string{}, a...), append([]string{}, b...)
	sort.Strings(sa)
	sort.Strings(sb)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

func init() {
	action.DefaultRegistry.Register("actionlib.User", func() action.Action { return &User{} })
}
