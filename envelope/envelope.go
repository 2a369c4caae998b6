// Package envelope provides the immutable value passed through the tag bus.
//
// An Envelope carries a hierarchical Tag, a delivery Scope and a small, flat
// list of string parameters. Envelopes are values: every With* method returns
// a modified copy and never touches the receiver, so an envelope handed to the
// bus can be shared freely between listeners and goroutines.
//
//	env := envelope.New("settings.audio.volume", envelope.ScopeLocal).
//	    WithFloat("value", 0.8).
//	    WithContextID("options-menu")
//
//	volume := env.GetFloat("value", 1.0)
//
// Parameters are stored in a linear table rather than a map because the
// expected cardinality is one to eight entries. Setting an existing key
// overwrites it in place.
package envelope

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Scope selects the delivery domain of an envelope.
type Scope int

const (
	// ScopeLocal delivers within the current process only.
	ScopeLocal Scope = iota
	// ScopeGlobal is server-authoritative and replicated to all peers.
	ScopeGlobal
)

// String returns the scope name.
func (s Scope) String() string {
	switch s {
	case ScopeLocal:
		return "local"
	case ScopeGlobal:
		return "global"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// Param is a single key/value entry of an envelope.
type Param struct {
	Key   string `json:"key" msgpack:"key"`
	Value string `json:"value" msgpack:"value"`
}

// Envelope is an immutable tag + parameters + scope value.
type Envelope struct {
	id        string
	tag       Tag
	scope     Scope
	contextID string
	origin    string
	params    []Param
}

// New creates an envelope for tag. An empty tag yields an envelope that
// reports IsValid() == false; New never fails.
func New(tag Tag, scope Scope) Envelope {
	return Envelope{
		id:    newID(),
		tag:   tag,
		scope: scope,
	}
}

func newID() string {
	u, err := uuid.NewRandom()
	if err != nil {
		return ""
	}
	return u.String()
}

// ID returns the unique identifier assigned at construction.
func (e Envelope) ID() string { return e.id }

// Tag returns the routing tag.
func (e Envelope) Tag() Tag { return e.tag }

// Scope returns the delivery scope.
func (e Envelope) Scope() Scope { return e.scope }

// ContextID returns the identifier of the context that raised the envelope.
func (e Envelope) ContextID() string { return e.contextID }

// Origin returns the peer that originated a Global envelope, as stamped by
// the authority. Empty for envelopes that never crossed the network.
func (e Envelope) Origin() string { return e.origin }

// IsValid reports whether the envelope has a non-empty tag.
func (e Envelope) IsValid() bool { return e.tag.IsValid() }

// Len returns the number of parameters.
func (e Envelope) Len() int { return len(e.params) }

// Params returns a copy of the parameter list in insertion order.
func (e Envelope) Params() []Param {
	if len(e.params) == 0 {
		return nil
	}
	out := make([]Param, len(e.params))
	copy(out, e.params)
	return out
}

// clone copies the envelope with room for one more parameter.
func (e Envelope) clone() Envelope {
	c := e
	if e.params != nil {
		c.params = make([]Param, len(e.params), len(e.params)+1)
		copy(c.params, e.params)
	}
	return c
}

// WithParameter returns a copy with key set to value. An existing entry for
// key is overwritten. An empty key leaves the envelope unchanged.
func (e Envelope) WithParameter(key, value string) Envelope {
	if key == "" {
		return e
	}
	c := e.clone()
	for i := range c.params {
		if c.params[i].Key == key {
			c.params[i].Value = value
			return c
		}
	}
	c.params = append(c.params, Param{Key: key, Value: value})
	return c
}

// WithInt sets key to the decimal form of v.
func (e Envelope) WithInt(key string, v int) Envelope {
	return e.WithParameter(key, strconv.Itoa(v))
}

// WithFloat sets key to the shortest form of v that round-trips.
func (e Envelope) WithFloat(key string, v float64) Envelope {
	return e.WithParameter(key, strconv.FormatFloat(v, 'g', -1, 64))
}

// WithBool sets key to "true" or "false".
func (e Envelope) WithBool(key string, v bool) Envelope {
	return e.WithParameter(key, strconv.FormatBool(v))
}

// WithContextID returns a copy carrying the given context identifier.
func (e Envelope) WithContextID(id string) Envelope {
	c := e.clone()
	c.contextID = id
	return c
}

// WithScope returns a copy with a different scope.
func (e Envelope) WithScope(s Scope) Envelope {
	c := e.clone()
	c.scope = s
	return c
}

// WithNewID returns a copy carrying a freshly generated identifier.
func (e Envelope) WithNewID() Envelope {
	c := e.clone()
	c.id = newID()
	return c
}

// WithOrigin returns a copy stamped with the originating peer.
func (e Envelope) WithOrigin(peer string) Envelope {
	c := e.clone()
	c.origin = peer
	return c
}

// Merge returns a copy with every parameter of other applied on top of e.
// Keys present in both take the value from other.
func (e Envelope) Merge(other Envelope) Envelope {
	c := e
	for _, p := range other.params {
		c = c.WithParameter(p.Key, p.Value)
	}
	return c
}

// Has reports whether key is present.
func (e Envelope) Has(key string) bool {
	_, ok := e.lookup(key)
	return ok
}

func (e Envelope) lookup(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	for _, p := range e.params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Get returns the value stored for key, or def when the key is absent or empty.
func (e Envelope) Get(key, def string) string {
	if v, ok := e.lookup(key); ok {
		return v
	}
	return def
}

// GetInt parses the value for key as a base-10 integer.
// Returns def when the key is absent or the value does not parse.
func (e Envelope) GetInt(key string, def int) int {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetFloat parses the value for key as a float64 using '.' as the decimal
// separator regardless of locale. Returns def on absence or parse failure.
func (e Envelope) GetFloat(key string, def float64) float64 {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// GetBool parses the value for key with strconv.ParseBool semantics.
// Returns def on absence or parse failure.
func (e Envelope) GetBool(key string, def bool) bool {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// String returns a short description for logs.
func (e Envelope) String() string {
	return fmt.Sprintf("%s[%s] (%d params)", e.tag, e.scope, len(e.params))
}
