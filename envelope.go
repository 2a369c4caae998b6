package tagbus

import "github.com/rbaliyan/tagbus/envelope"

// Envelope types are defined in the envelope package so transports can use
// them without importing the bus.
type (
	Envelope = envelope.Envelope
	Tag      = envelope.Tag
	Scope    = envelope.Scope
	Param    = envelope.Param
)

const (
	ScopeLocal  = envelope.ScopeLocal
	ScopeGlobal = envelope.ScopeGlobal
)

// NewEnvelope creates an envelope. An empty tag yields an invalid envelope
// that every bus operation rejects.
func NewEnvelope(tag Tag, scope Scope) Envelope {
	return envelope.New(tag, scope)
}
