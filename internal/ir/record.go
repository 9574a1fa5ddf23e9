package ir

import (
	"fmt"
)

// Record is one stored entity. ID is unique within Model; Fields holds the
// remaining attributes keyed by field name and never contains the primary key.
type Record struct {
	Model  string `json:"model"`
	ID     string `json:"id"`
	Fields Object `json:"fields"`
}

// NewRecord builds a record from pairs.
func NewRecord(model, id string, pairs ...Pair) Record {
	return Record{Model: model, ID: id, Fields: ObjectOf(pairs...)}
}

// Get returns the named attribute, or Null if it is unset.
func (r Record) Get(name string) Value {
	if v, ok := r.Fields[name]; ok && v != nil {
		return v
	}
	return Null{}
}

// Lookup returns the named attribute, including the primary key under key.
func (r Record) Lookup(key, name string) Value {
	if name == key {
		return String(r.ID)
	}
	return r.Get(name)
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	return Record{Model: r.Model, ID: r.ID, Fields: r.Fields.Clone()}
}

// Payload returns the record as a single object with the primary key
// included under key.
func (r Record) Payload(key string) Object {
	obj := make(Object, len(r.Fields)+1)
	for k, v := range r.Fields {
		obj[k] = v
	}
	obj[key] = String(r.ID)
	return obj
}

// RecordFromPayload is the inverse of Payload.
func RecordFromPayload(model, key string, payload Object) (Record, error) {
	idv, ok := payload[key].(String)
	if !ok || idv == "" {
		return Record{}, fmt.Errorf("payload for %s has no string %q", model, key)
	}
	fields := make(Object, len(payload))
	for k, v := range payload {
		if k != key {
			fields[k] = v
		}
	}
	return Record{Model: model, ID: string(idv), Fields: fields}, nil
}

// EncodePayload serializes a record payload to canonical JSON.
func EncodePayload(r Record, key string) (string, error) {
	b, err := MarshalCanonical(r.Payload(key))
	if err != nil {
		return "", fmt.Errorf("encode payload %s/%s: %w", r.Model, r.ID, err)
	}
	return string(b), nil
}

// DecodePayload parses a canonical JSON payload back into a record.
func DecodePayload(model, key, payload string) (Record, error) {
	v, err := ParseValue([]byte(payload))
	if err != nil {
		return Record{}, fmt.Errorf("decode payload for %s: %w", model, err)
	}
	obj, ok := v.(Object)
	if !ok {
		return Record{}, fmt.Errorf("decode payload for %s: not an object", model)
	}
	return RecordFromPayload(model, key, obj)
}

// ValidateRecord checks a record against its schema: the model matches,
// the id is set, every attribute is a declared field of the right type, and
// required fields are present.
func ValidateRecord(s ModelSchema, r Record) error {
	if r.Model != s.Name {
		return NewInvalidOperationError(fmt.Sprintf("record model %q does not match schema %q", r.Model, s.Name))
	}
	if r.ID == "" {
		return NewInvalidOperationError(fmt.Sprintf("%s record has an empty id", s.Name))
	}
	for name, v := range r.Fields {
		if name == s.Key() {
			return NewInvalidOperationError(fmt.Sprintf("%s: primary key %q must be set through ID", s.Name, name))
		}
		f, ok := s.Field(name)
		if !ok {
			return NewInvalidOperationError(fmt.Sprintf("%s has no field %q", s.Name, name))
		}
		if IsNull(v) {
			continue
		}
		if KindOf(v) != f.Type {
			return NewInvalidOperationError(fmt.Sprintf("%s.%s: expected %s, got %s", s.Name, name, f.Type, KindOf(v)))
		}
	}
	for _, f := range s.Fields {
		if f.Name == s.Key() || !f.Required {
			continue
		}
		if IsNull(r.Get(f.Name)) {
			return NewInvalidOperationError(fmt.Sprintf("%s.%s is required", s.Name, f.Name))
		}
	}
	return nil
}
