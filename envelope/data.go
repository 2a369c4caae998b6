package envelope

// Data is the exported, serializable form of an Envelope. Codecs convert
// between Data and their wire format; nothing else should need it.
type Data struct {
	ID        string  `json:"id" msgpack:"id"`
	Tag       string  `json:"tag" msgpack:"tag"`
	Scope     Scope   `json:"scope" msgpack:"scope"`
	ContextID string  `json:"context_id,omitempty" msgpack:"context_id,omitempty"`
	Origin    string  `json:"origin,omitempty" msgpack:"origin,omitempty"`
	Params    []Param `json:"params,omitempty" msgpack:"params,omitempty"`
}

// Data returns the serializable form of e.
func (e Envelope) Data() Data {
	return Data{
		ID:        e.id,
		Tag:       string(e.tag),
		Scope:     e.scope,
		ContextID: e.contextID,
		Origin:    e.origin,
		Params:    e.Params(),
	}
}

// FromData rebuilds an envelope from its serializable form. Duplicate keys
// in d.Params collapse with last-write-wins, same as WithParameter.
func FromData(d Data) Envelope {
	e := Envelope{
		id:        d.ID,
		tag:       Tag(d.Tag),
		scope:     d.Scope,
		contextID: d.ContextID,
		origin:    d.Origin,
	}
	for _, p := range d.Params {
		e = e.WithParameter(p.Key, p.Value)
	}
	return e
}
