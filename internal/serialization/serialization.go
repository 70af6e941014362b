// Package serialization implements the narrow pluggable Data serializer
// registry spec.md §1 assumes is present: a type-id-keyed lookup, not a
// full codec generation framework. Grounded on
// hazelcast/proxy/aggregator.py's get_type_id()/get_class_id()-keyed
// dispatch and global_serialization_example.py's single registered
// StreamSerializer pattern.
package serialization

import "fmt"

// Data is the opaque, already-serialized wire payload for a value, tagged
// with the type id of the Serializer that produced it.
type Data struct {
	TypeID  int32
	Payload []byte
}

// Serializer converts between a Go value and its wire Data representation.
// Implementations are registered once per TypeID, at client construction.
type Serializer interface {
	TypeID() int32
	Write(v any) ([]byte, error)
	Read(payload []byte) (any, error)
}

// Registry looks up a Serializer by type id to encode/decode proxy
// operation payloads.
type Registry struct {
	byTypeID map[int32]Serializer
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byTypeID: make(map[int32]Serializer)}
}

// Register installs s under its own TypeID, overwriting any existing
// serializer registered for that id.
func (r *Registry) Register(s Serializer) {
	r.byTypeID[s.TypeID()] = s
}

// ToData encodes v using the serializer registered for typeID.
func (r *Registry) ToData(typeID int32, v any) (Data, error) {
	s, ok := r.byTypeID[typeID]
	if !ok {
		return Data{}, fmt.Errorf("serialization: no serializer registered for type id %d", typeID)
	}
	payload, err := s.Write(v)
	if err != nil {
		return Data{}, fmt.Errorf("serialization: encode type id %d: %w", typeID, err)
	}
	return Data{TypeID: typeID, Payload: payload}, nil
}

// FromData decodes d using the serializer registered for d.TypeID.
func (r *Registry) FromData(d Data) (any, error) {
	s, ok := r.byTypeID[d.TypeID]
	if !ok {
		return nil, fmt.Errorf("serialization: no serializer registered for type id %d", d.TypeID)
	}
	v, err := s.Read(d.Payload)
	if err != nil {
		return nil, fmt.Errorf("serialization: decode type id %d: %w", d.TypeID, err)
	}
	return v, nil
}
