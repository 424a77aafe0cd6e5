// Package runner implements the per-host interleave loop: produce
// pending actions from every active role, ship them to the host's
// System, drain results back to the roles that sent them, and start
// handler roles once their notifiers have reported a change.
package runner

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/transilience/transilience/internal/action"
	"github.com/transilience/transilience/internal/role"
	"github.com/transilience/transilience/internal/system"
)

// Runner drives one host's roles to completion. It is not safe for
// concurrent use; Playbook gives each host its own Runner and goroutine.
type Runner struct {
	log zerolog.Logger
	sys system.System

	roles   []role.Role
	ended   map[role.Role]bool
	started map[role.Role]bool

	pending map[string]*role.PendingAction
	queue   []queuedAction

	handlers     map[string]role.HandlerRef
	notified     map[string]bool
	handlerStart map[string]bool

	metrics Observer
}

// Observer receives a terminal state/duration for every finished
// action; internal/metrics.Registry satisfies this without runner
// needing to import it.
type Observer interface {
	ObserveAction(state, typeTag string, seconds float64)
}

// SetMetrics attaches an Observer that records every action's terminal
// state and duration. Optional; a nil Observer (the default) disables
// reporting.
func (rn *Runner) SetMetrics(m Observer) { rn.metrics = m }

// New creates a Runner that drives roles against sys, logging under
// log.
func New(log zerolog.Logger, sys system.System) *Runner {
	return &Runner{
		log:          log.With().Str("component", "runner").Logger(),
		sys:          sys,
		ended:        make(map[role.Role]bool),
		started:      make(map[role.Role]bool),
		pending:      make(map[string]*role.PendingAction),
		handlers:     make(map[string]role.HandlerRef),
		notified:     make(map[string]bool),
		handlerStart: make(map[string]bool),
	}
}

// AddRole registers r as an active role and wires it to this Runner.
// Its Start method is not called until the first Main iteration.
func (rn *Runner) AddRole(r role.Role) {
	r.SetDriver(rn)
	rn.roles = append(rn.roles, r)
}

// AddPendingAction implements role.Driver: it queues the action for
// dispatch and remembers any handlers it may notify. It does NOT mark
// the action in-flight — that happens in drain(), once it has
// actually been sent — so a role enqueuing further tasks from inside
// OnAction can't make receive() wait on something never sent.
func (rn *Runner) AddPendingAction(p *role.PendingAction, info action.PipelineInfo) {
	for _, h := range p.Notify {
		rn.handlers[h.Name] = h
	}
	rn.queue = append(rn.queue, queuedAction{pending: p, info: info})
}

type queuedAction struct {
	pending *role.PendingAction
	info    action.PipelineInfo
}

// Main runs the interleave loop until every role (including any
// started handlers) has ended and no action remains pending.
func (rn *Runner) Main() error {
	for {
		rn.produce()

		if err := rn.drain(); err != nil {
			return err
		}

		if err := rn.receive(); err != nil {
			return err
		}

		if rn.done() {
			if !rn.startDueHandlers() {
				return nil
			}
		}
	}
}

// produce calls Start exactly once per role, in registration order.
func (rn *Runner) produce() {
	for _, r := range rn.roles {
		if !rn.started[r] {
			rn.started[r] = true
			r.Start()
		}
	}
}

// drain ships every action queued by produce/receive since the last
// pass: register its local files with the transport, then pipeline it.
func (rn *Runner) drain() error {
	queue := rn.queue
	rn.queue = nil

	for _, q := range queue {
		for _, f := range q.pending.Action.LocalFilesNeeded() {
			rn.sys.ShareFile(f)
		}
		if err := rn.sys.SendPipelined(q.pending.Action, q.info); err != nil {
			return fmt.Errorf("runner: send %s: %w", q.pending.Action.ID(), err)
		}
		rn.pending[q.pending.Action.ID()] = q.pending
	}
	return nil
}

// receive blocks until every action sent in the current in-flight
// batch has returned. A role's OnAction may enqueue further tasks
// while this runs; those land in rn.queue, not rn.pending, so they
// don't extend this wait — Main's next drain/receive round picks them
// up instead.
func (rn *Runner) receive() error {
	for len(rn.pending) > 0 {
		a, err := rn.sys.ReceivePipelined()
		if err != nil {
			return fmt.Errorf("runner: receive: %w", err)
		}
		rn.deliver(a)
	}
	return nil
}

func (rn *Runner) deliver(a action.Action) {
	pending, ok := rn.pending[a.ID()]
	if !ok {
		rn.log.Warn().Str("id", a.ID()).Msg("result for unknown pending action")
		return
	}
	delete(rn.pending, a.ID())

	pending.Role.OnAction(pending, a)

	if a.GetResult().State == action.StateChanged {
		for _, h := range pending.Notify {
			rn.notified[h.Name] = true
		}
	}

	if rn.metrics != nil {
		rn.metrics.ObserveAction(string(a.GetResult().State), a.TypeTag(), a.GetResult().Elapsed.Seconds())
	}

	rn.logProgress(pending, a)
}

func (rn *Runner) logProgress(pending *role.PendingAction, a action.Action) {
	name := pending.Name
	if name == "" {
		name = a.Summary()
	}
	roleName := ""
	if named, ok := pending.Role.(interface{ Name() string }); ok {
		roleName = named.Name()
	}
	now := time.Now()
	rn.log.Info().
		Str("state", string(a.GetResult().State)).
		Str("elapsed", humanize.RelTime(now.Add(-a.GetResult().Elapsed), now, "ago", "from now")).
		Str("role", roleName).
		Str("name", name).
		Msg("action finished")
}

// done reports whether every active role has both ended its producer
// and has no pending action in flight.
func (rn *Runner) done() bool {
	if len(rn.pending) > 0 || len(rn.queue) > 0 {
		return false
	}
	for _, r := range rn.roles {
		if !rn.ended[r] {
			if rn.started[r] {
				r.End()
				rn.ended[r] = true
			}
		}
	}
	for _, r := range rn.roles {
		if !rn.ended[r] {
			return false
		}
	}
	return true
}

// startDueHandlers instantiates and starts every handler that was
// notified but not yet started. Returns true if it started at least
// one, so Main knows to keep looping.
func (rn *Runner) startDueHandlers() bool {
	started := false
	for name := range rn.notified {
		if rn.handlerStart[name] {
			continue
		}
		ref, ok := rn.handlers[name]
		if !ok {
			continue
		}
		rn.handlerStart[name] = true
		r := ref.New()
		rn.AddRole(r)
		started = true
	}
	return started
}
