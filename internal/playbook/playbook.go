// Package playbook fans a set of host drivers out in parallel: each
// host gets its own Runner and its own goroutine, and hosts never
// synchronise with each other.
package playbook

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/transilience/transilience/internal/role"
	"github.com/transilience/transilience/internal/runner"
	"github.com/transilience/transilience/internal/system"
)

// Host binds a display name to the System that reaches it. The
// playbook body receives this pair and uses it to add roles to the
// Runner built for it.
type Host struct {
	Name string
	Sys  system.System
}

// StartFunc is the user-supplied producer body for one host: typically
// a sequence of add.AddRole(...) calls.
type StartFunc func(host Host, add RoleAdder)

// RoleAdder is the narrow slice of Runner a playbook body needs to
// start roles on its host.
type RoleAdder interface {
	AddRole(r role.Role)
}

// Run drives start against every host concurrently, each under its own
// Runner, and returns an aggregate of every host's terminal error. A
// failure on one host never stops or cancels another: this mirrors the
// independent per-host failure domain the core engine guarantees.
func Run(log zerolog.Logger, hosts []Host, start StartFunc) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)

	for _, h := range hosts {
		wg.Add(1)
		go func(h Host) {
			defer wg.Done()

			hostLog := log.With().Str("component", "playbook").Str("host", h.Name).Logger()
			rn := runner.New(hostLog, h.Sys)

			start(h, rn)

			if err := rn.Main(); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("host %s: %w", h.Name, err))
				mu.Unlock()
			}
		}(h)
	}

	wg.Wait()
	return errs
}
