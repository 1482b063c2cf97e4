package models

import (
	"maps"
	"slices"

	"github.com/zeusync/entitystore/internal/core/storage/collection"
)

// EntityID identifies an entity. IDs are chosen by the caller.
type EntityID string

// ComponentName identifies a component type.
type ComponentName string

// Values is the schema-less payload of one component on one entity.
type Values map[string]any

// Clone returns a shallow copy. Nested maps and slices are shared.
func (v Values) Clone() Values {
	if v == nil {
		return Values{}
	}
	return maps.Clone(v)
}

// EntityRecord is the stored shape of an entity: identity, tags and the names
// of the component types it carries.
type EntityRecord struct {
	collection.Meta `json:"meta" yaml:"meta"`

	ID         EntityID        `json:"id" yaml:"id"`
	Components []ComponentName `json:"components" yaml:"components"`
	Tags       []string        `json:"tags" yaml:"tags"`
	AutoUpdate bool            `json:"autoUpdate" yaml:"auto_update"`
}

func (r *EntityRecord) Clone() *EntityRecord {
	c := *r
	c.Components = slices.Clone(r.Components)
	c.Tags = slices.Clone(r.Tags)
	return &c
}

// HasComponent reports whether name is listed on the record.
func (r *EntityRecord) HasComponent(name ComponentName) bool {
	return slices.Contains(r.Components, name)
}

// ComponentRecord is the column-wise stored shape of one component type: the
// payload of every entity carrying it, keyed by entity id.
type ComponentRecord struct {
	collection.Meta `json:"meta" yaml:"meta"`

	Name   ComponentName       `json:"name" yaml:"name"`
	Values map[EntityID]Values `json:"values" yaml:"values"`
	Local  bool                `json:"local" yaml:"local"`
}

func (r *ComponentRecord) Clone() *ComponentRecord {
	c := *r
	c.Values = make(map[EntityID]Values, len(r.Values))
	for id, v := range r.Values {
		c.Values[id] = v.Clone()
	}
	return &c
}

// EntityIDs returns the ids present in Values, sorted.
func (r *ComponentRecord) EntityIDs() []EntityID {
	return slices.Sorted(maps.Keys(r.Values))
}

const (
	FieldID   = "id"
	FieldName = "name"
)

// NewEntityCollection builds the entity collection, unique on id.
func NewEntityCollection(name string) *collection.Collection[*EntityRecord] {
	return collection.New[*EntityRecord](name, collection.Options[*EntityRecord]{
		Indices: []collection.Index[*EntityRecord]{{
			Field:  FieldID,
			Key:    func(r *EntityRecord) string { return string(r.ID) },
			Unique: true,
		}},
		Clone: (*EntityRecord).Clone,
	})
}

// NewComponentCollection builds the component collection, unique on name.
func NewComponentCollection(name string) *collection.Collection[*ComponentRecord] {
	return collection.New[*ComponentRecord](name, collection.Options[*ComponentRecord]{
		Indices: []collection.Index[*ComponentRecord]{{
			Field:  FieldName,
			Key:    func(r *ComponentRecord) string { return string(r.Name) },
			Unique: true,
		}},
		Clone: (*ComponentRecord).Clone,
	})
}
