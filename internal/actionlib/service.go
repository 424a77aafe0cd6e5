package actionlib

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/transilience/transilience/internal/action"
)

// Service queries a systemd unit's current mask/enable/active state
// and issues only the systemctl transitions needed to reach the
// declared ones, so a unit already in the wanted state produces no
// state-changing systemctl invocation (only the `systemctl show` query).
type Service struct {
	action.Base

	Unit    string `json:"unit" validate:"required"`
	Enabled *bool  `json:"enabled,omitempty"`
	Masked  *bool  `json:"masked,omitempty"`
	State   string `json:"state,omitempty"` // "started", "stopped", "reloaded", "restarted"
}

func NewService(unit string) (*Service, error) {
	s := &Service{Base: action.NewBase(uuid.New().String()), Unit: unit}
	if err := action.Validate(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) Summary() string          { return fmt.Sprintf("service %s", s.Unit) }
func (s *Service) LocalFilesNeeded() []string { return nil }
func (s *Service) TypeTag() string          { return "actionlib.Service" }

func (s *Service) Run(sys action.System) error {
	s.Result.State = action.StateNoop
	ctx := sys.Context()

	info, err := s.unitInfo(ctx)
	if err != nil {
		return fmt.Errorf("service: %w", err)
	}

	if s.Masked != nil {
		origMasked := info["UnitFileState"] == "masked"
		if *s.Masked != origMasked {
			if err := s.transition(ctx, map[bool]string{true: "mask", false: "unmask"}[*s.Masked]); err != nil {
				return err
			}
		}
	}

	if s.Enabled != nil {
		origEnabled := isEnabledState(info["UnitFileState"])
		if *s.Enabled != origEnabled {
			if err := s.transition(ctx, map[bool]string{true: "enable", false: "disable"}[*s.Enabled]); err != nil {
				return err
			}
		}
	}

	if s.State != "" {
		if verb := s.transitionVerb(info["ActiveState"]); verb != "" {
			if err := s.transition(ctx, verb); err != nil {
				return err
			}
		}
	}

	return nil
}

// transition runs verb against the unit unless in check mode, and
// marks the result Changed either way.
func (s *Service) transition(ctx context.Context, verb string) error {
	if s.Check() {
		s.Result.SetChanged()
		return nil
	}
	if err := s.systemctl(ctx, verb, s.Unit); err != nil {
		return err
	}
	s.Result.SetChanged()
	return nil
}

func isEnabledState(v string) bool {
	switch v {
	case "enabled", "enabled-runtime", "alias", "static", "indirect", "generated", "transient":
		return true
	}
	return false
}

// transitionVerb returns the systemctl verb needed to bring cur to
// s.State, or "" if cur already satisfies it.
func (s *Service) transitionVerb(cur string) string {
	active := cur == "active" || cur == "activating"
	switch s.State {
	case "started":
		if !active {
			return "start"
		}
	case "stopped":
		if active || cur == "deactivating" {
			return "stop"
		}
	case "reloaded":
		if !active {
			return "start"
		}
		return "reload"
	case "restarted":
		if !active {
			return "start"
		}
		return "restart"
	}
	return ""
}

// unitInfo parses `systemctl show <unit> --no-page`'s KEY=VALUE lines.
func (s *Service) unitInfo(ctx context.Context) (map[string]string, error) {
	var out strings.Builder
	opts := action.DefaultCommandOptions()
	opts.Check = false
	opts.OnStdout = func(line string) { out.WriteString(line); out.WriteByte('\n') }
	if _, err := action.RunCommand(ctx, []string{"systemctl", "show", s.Unit, "--no-page"}, opts); err != nil {
		return nil, err
	}

	info := make(map[string]string)
	for _, line := range strings.Split(out.String(), "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		info[k] = v
	}
	return info, nil
}

func (s *Service) systemctl(ctx context.Context, args ...string) error {
	cr, err := action.RunCommand(ctx, append([]string{"systemctl"}, args...), action.DefaultCommandOptions())
	s.Result.AddCommand(cr)
	return err
}

func init() {
	action.DefaultRegistry.Register("actionlib.Service", func() action.Action { return &Service{} })
}
