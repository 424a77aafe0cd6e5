// Package role implements the stateful task generator that sits
// between a playbook and a single host's transport: a Role emits
// actions, reacts to their results, and can notify handler roles when
// something changed.
package role

import (
	"fmt"
	"path/filepath"
	"reflect"

	"github.com/google/uuid"

	"github.com/transilience/transilience/internal/action"
	"github.com/transilience/transilience/internal/actionlib"
	"github.com/transilience/transilience/internal/fileasset"
	"github.com/transilience/transilience/internal/template"
)

// Dependency is anything task() can gate on with When: both
// action.Action and *PendingAction satisfy it.
type Dependency interface {
	ID() string
}

// Factory constructs a fresh, unstarted Role instance — the typed
// replacement for passing a Role subclass by reference, used by
// notify lists and the handler-role lookup in Runner.
type Factory func() Role

// HandlerRef names a handler role by a stable string (since Go func
// values aren't comparable and can't be deduplicated in a set the way
// Python class objects can). Name must be unique per playbook; Runner
// uses it to start each notified handler exactly once.
type HandlerRef struct {
	Name string
	New  Factory
}

// Role is the contract every concrete role type implements by
// embedding Base and defining Start (and, for handler roles, nothing
// else — the default End/OnAction cover the rest).
type Role interface {
	// RoleID returns the role's stable id, used as the default
	// pipeline id for every action it enqueues.
	RoleID() string

	// Start is the producer entry point, invoked once per host.
	Start()

	// End is called when the role has no more tasks to emit. It must
	// not enqueue further work.
	End()

	// OnAction is the result callback: pending is the bookkeeping
	// record task() returned, a is the executed action with its
	// final result.
	OnAction(pending *PendingAction, a action.Action)

	// SetDriver wires the role to the runner that will carry out its
	// pending actions. Called once before Start.
	SetDriver(d Driver)
}

// Driver is the narrow slice of Runner a Role depends on, kept
// separate to avoid role importing runner.
type Driver interface {
	AddPendingAction(p *PendingAction, info action.PipelineInfo)
}

// FactsAction marks an action type as a read-only fact probe: Facts
// fields get merged into every role that required them.
type FactsAction interface {
	action.Action
	FactTag() string
}

// Optional hooks a concrete role may implement; Base.OnAction probes
// for them with a type assertion after merging fact fields.
type factsAvailableHook interface{ FactsAvailable(a action.Action) }
type haveFactsHook interface{ HaveFacts(a action.Action) }
type allFactsAvailableHook interface{ AllFactsAvailable() }

// PendingAction is the controller-side record of one enqueued action:
// the action itself, the role that emitted it, optional display name,
// handler roles to notify on CHANGED, and continuations to run on
// success.
type PendingAction struct {
	Role   Role
	Action action.Action
	Name   string
	Notify []HandlerRef
	Then   []func(action.Action)
}

// ID satisfies Dependency.
func (p *PendingAction) ID() string { return p.Action.ID() }

// TaskOption configures one task() call; see WithName, WithNotify,
// WithWhen, WithThen.
type TaskOption func(*taskConfig)

type taskConfig struct {
	name   string
	notify []HandlerRef
	when   map[Dependency][]action.State
	then   []func(action.Action)
}

// WithName sets the task's display name.
func WithName(name string) TaskOption {
	return func(c *taskConfig) { c.name = name }
}

// WithNotify appends handler-role factories to notify when this
// action reports CHANGED.
func WithNotify(handlers ...HandlerRef) TaskOption {
	return func(c *taskConfig) { c.notify = append(c.notify, handlers...) }
}

// WithWhen gates this action on the listed dependencies' previously
// recorded states.
func WithWhen(when map[Dependency][]action.State) TaskOption {
	return func(c *taskConfig) {
		if c.when == nil {
			c.when = make(map[Dependency][]action.State, len(when))
		}
		for k, v := range when {
			c.when[k] = v
		}
	}
}

// WithThen appends continuations invoked with the action once it
// returns successfully.
func WithThen(fns ...func(action.Action)) TaskOption {
	return func(c *taskConfig) { c.then = append(c.then, fns...) }
}

// Base is embedded by every concrete role type. It implements Role
// except Start, which concrete types must define.
type Base struct {
	self Role

	id             string
	name           string
	assetsRoot     string
	assetsZipfile  string
	templateEngine template.Engine
	driver         Driver

	pending        map[string]bool
	extraWhen      map[Dependency][]action.State
	extraNotify    []HandlerRef
	requiredFacts  map[string]bool
	factsReceived  map[string]bool
}

// Init must be called once by a concrete role's constructor, passing
// itself, so Base can dispatch fact-merge and hook lookups against the
// full embedding type rather than just Base.
func (b *Base) Init(self Role, name string, assetsRoot string) {
	b.self = self
	b.id = uuid.New().String()
	b.name = name
	if assetsRoot == "" {
		assetsRoot = filepath.Join("roles", name)
	}
	b.assetsRoot = assetsRoot
	b.templateEngine = template.NewFilesystem(assetsRoot)
	b.pending = make(map[string]bool)
	b.factsReceived = make(map[string]bool)
}

// UseZipAssets switches the role's asset root to an entry inside a zip
// archive, for roles shipped as a bundle rather than loose files.
func (b *Base) UseZipAssets(zipfile string) {
	b.assetsZipfile = zipfile
	b.templateEngine = template.NewZip(zipfile, b.assetsRoot)
}

// LookupFile resolves path inside the role's asset area (local
// directory, or a zip archive if UseZipAssets was called) and returns
// a FileAsset referring to it, without reading its contents.
func (b *Base) LookupFile(path string) fileasset.FileAsset {
	full := filepath.Join(b.assetsRoot, path)
	if b.assetsZipfile != "" {
		return fileasset.NewZip(b.assetsZipfile, full)
	}
	return fileasset.NewLocal(full)
}

// RequireFacts declares the fact type tags (see FactsAction.FactTag)
// this role needs before AllFactsAvailable fires, the typed
// replacement for the with_facts decorator.
func (b *Base) RequireFacts(tags ...string) {
	b.requiredFacts = make(map[string]bool, len(tags))
	for _, t := range tags {
		b.requiredFacts[t] = true
	}
}

func (b *Base) RoleID() string { return b.id }

// Name returns the role's display name, as passed to Init.
func (b *Base) Name() string { return b.name }

func (b *Base) SetDriver(d Driver) { b.driver = d }

func (b *Base) End() {}

// When scopes extra when-dependencies onto every Task call made before
// the returned restore func runs; use with defer. Nested calls merge.
func (b *Base) When(when map[Dependency][]action.State) func() {
	orig := b.extraWhen
	merged := make(map[Dependency][]action.State, len(orig)+len(when))
	for k, v := range orig {
		merged[k] = v
	}
	for k, v := range when {
		merged[k] = v
	}
	b.extraWhen = merged
	return func() { b.extraWhen = orig }
}

// Notify scopes extra notify handlers onto every Task call made before
// the returned restore func runs; use with defer. Nested calls merge.
func (b *Base) Notify(handlers ...HandlerRef) func() {
	orig := b.extraNotify
	merged := append(append([]HandlerRef{}, orig...), handlers...)
	b.extraNotify = merged
	return func() { b.extraNotify = orig }
}

// Task enqueues an action for execution against this role's pipeline,
// combining any active When/Notify scopes with opts.
func (b *Base) Task(a action.Action, opts ...TaskOption) *PendingAction {
	cfg := taskConfig{notify: append([]HandlerRef{}, b.extraNotify...)}
	for _, opt := range opts {
		opt(&cfg)
	}

	pa := &PendingAction{
		Role:   b.self,
		Action: a,
		Name:   cfg.name,
		Notify: cfg.notify,
		Then:   cfg.then,
	}
	b.pending[a.ID()] = true

	info := action.PipelineInfo{ID: b.id}
	when := mergeWhen(b.extraWhen, cfg.when)
	if len(when) > 0 {
		info.When = make(map[string][]action.State, len(when))
		for dep, states := range when {
			info.When[dep.ID()] = states
		}
	}

	b.driver.AddPendingAction(pa, info)
	return pa
}

func mergeWhen(a, b map[Dependency][]action.State) map[Dependency][]action.State {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	merged := make(map[Dependency][]action.State, len(a)+len(b))
	for k, v := range a {
		merged[k] = v
	}
	for k, v := range b {
		merged[k] = v
	}
	return merged
}

// HasPending reports whether the role still has actions in flight —
// the Runner's signal that the role is not yet done.
func (b *Base) HasPending() bool { return len(b.pending) > 0 }

// RenderString renders tpl against the role's own exported fields plus
// extra.
func (b *Base) RenderString(tpl string, extra map[string]any) (string, error) {
	return b.templateEngine.RenderString(tpl, b.context(extra))
}

// RenderFile renders the template at path (relative to the role's
// asset root) against the role's own exported fields plus extra.
func (b *Base) RenderFile(path string, extra map[string]any) (string, error) {
	return b.templateEngine.RenderFile(path, b.context(extra))
}

func (b *Base) context(extra map[string]any) map[string]any {
	ctx := structFields(b.self)
	for k, v := range extra {
		ctx[k] = v
	}
	return ctx
}

// OnAction is the default result callback: remove the action from the
// pending set, run continuations, merge fact fields, and drive the
// facts_available / have_facts / all_facts_available lifecycle. It
// implements the shared half of spec'd Role.on_action; concrete roles
// needing bespoke behaviour can call this from their own override.
func (b *Base) OnAction(pending *PendingAction, a action.Action) {
	delete(b.pending, a.ID())

	if a.GetResult().State != action.StateFailed {
		for _, then := range pending.Then {
			then(a)
		}

		if fa, ok := a.(FactsAction); ok {
			mergeFactFields(b.self, fa)

			if h, ok := b.self.(factsAvailableHook); ok {
				h.FactsAvailable(a)
			}
			if h, ok := b.self.(haveFactsHook); ok {
				h.HaveFacts(a)
			}

			if !b.factsReceived[fa.FactTag()] {
				b.factsReceived[fa.FactTag()] = true
				if b.requiredFacts[fa.FactTag()] {
					allReceived := true
					for tag := range b.requiredFacts {
						if !b.factsReceived[tag] {
							allReceived = false
							break
						}
					}
					if allReceived {
						if h, ok := b.self.(allFactsAvailableHook); ok {
							h.AllFactsAvailable()
						}
					}
				}
			}
		}
		return
	}

	if fa, ok := a.(FactsAction); ok {
		failMsg := fmt.Sprintf("%s failed, pipeline stopped", fa.FactTag())
		b.driver.AddPendingAction(
			&PendingAction{Role: b.self, Action: actionlib.NewFail(failMsg)},
			action.PipelineInfo{ID: b.id},
		)
	}
}

// mergeFactFields copies every exported, non-bookkeeping field from
// fact into dst by name, mirroring the original's asdict()-driven
// setattr loop.
func mergeFactFields(dst any, fact action.Action) {
	dv := reflect.ValueOf(dst)
	for dv.Kind() == reflect.Ptr {
		dv = dv.Elem()
	}
	fv := reflect.ValueOf(fact)
	for fv.Kind() == reflect.Ptr {
		fv = fv.Elem()
	}
	if dv.Kind() != reflect.Struct || fv.Kind() != reflect.Struct {
		return
	}
	ft := fv.Type()
	for i := 0; i < ft.NumField(); i++ {
		field := ft.Field(i)
		if field.Anonymous || field.Name == "Base" {
			continue
		}
		if !field.IsExported() {
			continue
		}
		target := dv.FieldByName(field.Name)
		if !target.IsValid() || !target.CanSet() {
			continue
		}
		val := fv.Field(i)
		if val.Type().AssignableTo(target.Type()) {
			target.Set(val)
		}
	}
}

// structFields flattens the exported, non-embedded fields of v (after
// dereferencing pointers to the struct) into a template context map.
// Embedded fields such as Base are skipped, not flattened.
func structFields(v any) map[string]any {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	out := make(map[string]any)
	if rv.Kind() != reflect.Struct {
		return out
	}
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if field.Anonymous || !field.IsExported() {
			continue
		}
		out[field.Name] = rv.Field(i).Interface()
	}
	return out
}
