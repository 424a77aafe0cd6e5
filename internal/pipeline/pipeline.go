// Package pipeline implements the per-host state machine that gates
// action execution on prior outcomes and propagates failure: once an
// action in a pipeline fails, every subsequent action sent to it is
// skipped until the pipeline is explicitly cleared.
package pipeline

import (
	"sync"

	"github.com/natessilva/dag"
	"github.com/rs/zerolog"

	"github.com/transilience/transilience/internal/action"
)

// record is the per-pipeline state: whether it has failed, the
// terminal state recorded for every action id that ran through it, and
// the accumulated when-dependency graph (action id -> the prior ids it
// names), kept so a malformed role can't wedge the pipeline in a cycle
// of mutual when-conditions that could never all become satisfied.
type record struct {
	failed bool
	states map[string]action.State
	edges  map[string][]string
}

// checkCycle adds actionID's when-dependencies to the pipeline's
// accumulated graph and validates the whole graph is acyclic, ported
// from the drone runner's dag.Runner/AddEdge/Run idiom (see
// DESIGN.md): vertices carry no-op bodies here, since this call's only
// purpose is topological validation, not execution.
func checkCycle(r *record, actionID string, priors []string) error {
	r.edges[actionID] = priors

	names := make(map[string]bool, len(r.edges))
	for id, deps := range r.edges {
		names[id] = true
		for _, d := range deps {
			names[d] = true
		}
	}
	for id := range r.states {
		names[id] = true
	}

	var d dag.Runner
	noop := func() error { return nil }
	for name := range names {
		d.AddVertex(name, noop)
	}
	for id, deps := range r.edges {
		for _, dep := range deps {
			d.AddEdge(dep, id)
		}
	}
	return d.Run()
}

// Host owns every pipeline record for one target system. A Runner
// creates exactly one Host per System it drives.
type Host struct {
	log zerolog.Logger

	mu        sync.Mutex
	pipelines map[string]*record
}

// NewHost creates an empty pipeline Host.
func NewHost(log zerolog.Logger) *Host {
	return &Host{
		log:       log.With().Str("component", "pipeline").Logger(),
		pipelines: make(map[string]*record),
	}
}

func (h *Host) recordFor(id string) *record {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.pipelines[id]
	if !ok {
		r = &record{states: make(map[string]action.State), edges: make(map[string][]string)}
		h.pipelines[id] = r
	}
	return r
}

// Transition runs a through the pipeline state machine described by
// spec §4.C:
//
//  1. If the pipeline has already failed, the action is skipped.
//  2. Otherwise, every `when` dependency is checked against states
//     recorded before this action; any unmet dependency skips it.
//  3. Otherwise the action runs, under action.Collect. A FAILED
//     outcome flips the pipeline's failed flag.
//
// The action's final state is recorded against its id before
// Transition returns.
func (h *Host) Transition(a action.Action, info action.PipelineInfo, sys action.System) {
	r := h.recordFor(info.ID)

	h.mu.Lock()
	failed := r.failed
	h.mu.Unlock()

	if failed {
		runPipelineFailed(a)
		h.record(r, a)
		return
	}

	h.mu.Lock()
	priors := make([]string, 0, len(info.When))
	for priorID := range info.When {
		priors = append(priors, priorID)
	}
	cycleErr := checkCycle(r, a.ID(), priors)
	h.mu.Unlock()
	if cycleErr != nil {
		h.log.Error().Str("pipeline", info.ID).Str("action", a.ID()).Err(cycleErr).Msg("when-graph cycle")
		a.GetResult().State = action.StateFailed
		a.GetResult().Exception = &action.Exception{Type: "CycleError", Message: cycleErr.Error()}
		h.record(r, a)
		h.mu.Lock()
		r.failed = true
		h.mu.Unlock()
		return
	}

	if reason, blocked := h.blocked(r, info); blocked {
		runPipelineSkipped(a, reason)
		h.record(r, a)
		return
	}

	action.Collect(a, sys)
	h.record(r, a)

	if a.GetResult().State == action.StateFailed {
		h.mu.Lock()
		r.failed = true
		h.mu.Unlock()
	}
}

// blocked checks every (prior-id -> allowed-states) entry in info.When
// against states recorded in r before this call.
func (h *Host) blocked(r *record, info action.PipelineInfo) (string, bool) {
	if len(info.When) == 0 {
		return "", false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for priorID, allowed := range info.When {
		state, ok := r.states[priorID]
		if !ok || !containsState(allowed, state) {
			return "pipeline condition not met", true
		}
	}
	return "", false
}

func containsState(allowed []action.State, s action.State) bool {
	for _, a := range allowed {
		if a == s {
			return true
		}
	}
	return false
}

func (h *Host) record(r *record, a action.Action) {
	h.mu.Lock()
	r.states[a.ID()] = a.GetResult().State
	h.mu.Unlock()
}

// ClearFailed resets the failed flag on a pipeline so subsequent
// actions run again. Used by a role that has inspected a failure and
// decided to continue.
func (h *Host) ClearFailed(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.pipelines[id]; ok {
		r.failed = false
	}
}

// Close discards a pipeline's record entirely. Pipelines are never
// garbage collected automatically, and the runner does not close
// them; a role must close what it opened.
func (h *Host) Close(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pipelines, id)
}

// runPipelineFailed and runPipelineSkipped are action_run_pipeline_failed
// and action_run_pipeline_skipped: both always resolve to Skipped.
func runPipelineFailed(a action.Action) {
	a.GetResult().State = action.StateSkipped
}

func runPipelineSkipped(a action.Action, reason string) {
	a.GetResult().State = action.StateSkipped
	_ = reason
}
