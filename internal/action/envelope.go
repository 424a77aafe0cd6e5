package action

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
)

// PipelineInfo is the per-action metadata attached by the transport
// layer: which pipeline an action belongs to and which prior action
// ids gate its execution.
type PipelineInfo struct {
	ID   string            `json:"id"`
	When map[string][]State `json:"when,omitempty"`
}

// Envelope is the self-describing dictionary every action serialises
// to and from. Reserved keys match spec.md §6 verbatim.
type Envelope struct {
	Type        string          `json:"__action__"`
	FileAssets  []string        `json:"__file_assets__,omitempty"`
	Binary      map[string]string `json:"__binary__,omitempty"`
	Pipeline    *PipelineInfo   `json:"__pipeline__,omitempty"`
	Result      Result          `json:"result"`
	Fields      json.RawMessage `json:"fields"`
}

// Factory builds a fresh, zero-valued instance of a registered action
// type so its fields can be unmarshalled into it.
type Factory func() Action

// Registry resolves a fully-qualified type tag to a Factory. The
// source language resolved type tags via runtime import (design note
// 1 in spec.md §9); this is the typed replacement: every action type
// must call Register at package init time, and deserialisation of an
// unknown tag is rejected outright.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Factory
}

// DefaultRegistry is populated by every actionlib type's init().
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Factory)}
}

// Register adds a type tag -> factory mapping. Panics on duplicate
// registration, matching the corpus's registry idiom (panic on
// duplicate op/pipeline id) for a programmer error that can only
// happen at init time.
func (r *Registry) Register(tag string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[tag]; exists {
		panic(fmt.Sprintf("action: type %q already registered", tag))
	}
	r.types[tag] = f
}

// New constructs a zero-valued instance of the named type, or an error
// if the tag is unknown.
func (r *Registry) New(tag string) (Action, error) {
	r.mu.RLock()
	f, ok := r.types[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("action: unknown type tag %q", tag)
	}
	return f(), nil
}

// FileAssetFielder is implemented by action types that carry one or
// more fileasset.Ref fields (e.g. Copy's Source): it names those
// fields so Marshal can flag them in __file_assets__ for the transport
// to remap before the action runs remotely.
type FileAssetFielder interface {
	FileAssetFields() []string
}

// BinaryFielder is implemented by action types that carry raw []byte
// fields (e.g. Copy's inline Content): it names those fields so
// Marshal can flag them in __binary__. encoding/json already
// transports []byte as base64 text, so this flag is informational —
// it documents the encoding for a non-Go peer, per spec.md §6.
type BinaryFielder interface {
	BinaryFields() []string
}

// Marshal serialises an action into its envelope, deriving
// __file_assets__ and __binary__ from the optional FileAssetFielder/
// BinaryFielder interfaces a concrete action type may implement.
func Marshal(a Action) (*Envelope, error) {
	fields, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("action: marshal fields: %w", err)
	}

	env := &Envelope{
		Type:   a.TypeTag(),
		Fields: fields,
		Result: *a.GetResult(),
	}

	if fa, ok := a.(FileAssetFielder); ok {
		env.FileAssets = fa.FileAssetFields()
	}
	if bf, ok := a.(BinaryFielder); ok {
		if names := bf.BinaryFields(); len(names) > 0 {
			env.Binary = make(map[string]string, len(names))
			for _, name := range names {
				env.Binary[name] = "b64"
			}
		}
	}

	return env, nil
}

// Unmarshal reconstructs an Action from its envelope using reg to
// resolve the type tag. An unknown tag is a hard error: deserialisation
// MUST reject envelopes whose type does not resolve to a registered
// Action.
func Unmarshal(reg *Registry, env *Envelope) (Action, error) {
	a, err := reg.New(env.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(env.Fields, a); err != nil {
		return nil, fmt.Errorf("action: unmarshal %s: %w", env.Type, err)
	}
	*a.GetResult() = env.Result
	return a, nil
}

// EncodeBinary base64-encodes a binary field value for transport over
// a JSON envelope, per spec.md §6 ("a85" or "b64"; this implementation
// always uses "b64").
func EncodeBinary(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBinary reverses EncodeBinary.
func DecodeBinary(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
