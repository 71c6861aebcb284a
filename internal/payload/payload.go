package payload

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Payload is a serialized operation body tagged with its kind.
// Data is always canonical JSON.
type Payload struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Encode marshals v canonically under the given kind.
func Encode(kind string, v any) (Payload, error) {
	if strings.TrimSpace(kind) == "" {
		return Payload{}, fmt.Errorf("encode payload: kind is required")
	}
	data, err := Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("encode payload %q: %w", kind, err)
	}
	return Payload{Kind: kind, Data: data}, nil
}

// FromRaw canonicalizes raw JSON under the given kind.
// Empty raw input is stored as an empty object.
func FromRaw(kind string, raw []byte) (Payload, error) {
	if strings.TrimSpace(kind) == "" {
		return Payload{}, fmt.Errorf("payload: kind is required")
	}
	if len(raw) == 0 {
		return Payload{Kind: kind, Data: json.RawMessage("{}")}, nil
	}
	data, err := Canonicalize(raw)
	if err != nil {
		return Payload{}, fmt.Errorf("payload %q: %w", kind, err)
	}
	return Payload{Kind: kind, Data: data}, nil
}

// ErrUnknownKind is returned when decoding a payload whose kind was never registered.
type ErrUnknownKind struct {
	Kind string
}

func (e *ErrUnknownKind) Error() string {
	return fmt.Sprintf("unknown payload kind %q", e.Kind)
}

// Decoder turns canonical JSON into a concrete value.
type Decoder func(data json.RawMessage) (any, error)

// Registry maps payload kinds to decoders.
//
// Thread-safety: Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Decoder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Decoder)}
}

// RegisterFunc binds a decoder to kind, replacing any previous binding.
func (r *Registry) RegisterFunc(kind string, dec Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = dec
}

// Register binds kind to JSON decoding into T.
func Register[T any](r *Registry, kind string) {
	r.RegisterFunc(kind, func(data json.RawMessage) (any, error) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %q: %w", kind, err)
		}
		return v, nil
	})
}

// Decode converts p into the value registered for its kind.
func (r *Registry) Decode(p Payload) (any, error) {
	r.mu.RLock()
	dec, ok := r.kinds[p.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, &ErrUnknownKind{Kind: p.Kind}
	}
	return dec(p.Data)
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// DecodeAs decodes p through r and asserts the result type.
func DecodeAs[T any](r *Registry, p Payload) (T, error) {
	var zero T
	v, err := r.Decode(p)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("payload %q decoded to %T, not %T", p.Kind, v, zero)
	}
	return typed, nil
}
