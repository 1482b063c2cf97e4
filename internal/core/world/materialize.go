package world

import (
	"fmt"
	"slices"

	"github.com/zeusync/entitystore/internal/core/models"
)

// materialize builds the entity view for id from the stored records. The view
// is bound to the world so its mutators can write through.
func (w *World) materialize(id models.EntityID) (*models.Entity, error) {
	record, ok := w.findEntity(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	e := models.NewEntity(record.ID, record.AutoUpdate, record.Tags...)
	for _, name := range record.Components {
		doc, ok := w.findComponent(name)
		if !ok {
			return nil, fmt.Errorf("%w: entity %q lists component %q which has no record",
				ErrConsistencyViolation, id, name)
		}
		values, ok := doc.Values[id]
		if !ok {
			return nil, fmt.Errorf("%w: component %q has no entry for entity %q",
				ErrConsistencyViolation, name, id)
		}
		if doc.Local {
			e.WithLocal(name, values)
		} else {
			e.With(name, values)
		}
	}
	e.Bind(w)
	return e, nil
}

// deconstructed is an entity view translated into the records to store.
type deconstructed struct {
	entity *models.EntityRecord
	// carried holds a record for every component on the view, with this
	// entity's entry set.
	carried []*models.ComponentRecord
	// detached holds records the entity no longer carries, with its entry removed.
	detached []*models.ComponentRecord

	// what the writes replace, for rolling back a failed put
	previous       *models.EntityRecord
	carriedBefore  []entry
	detachedBefore []entry
}

// entry is what a component record held for one entity before a put.
type entry struct {
	values  models.Values
	present bool
}

// dematerialize translates a view into storage records. Stored records are
// reused so their handles decide between insert and update; AutoUpdate and a
// component type's Local flag keep the values they were first stored with.
func (w *World) dematerialize(e *models.Entity) (deconstructed, error) {
	id := e.ID()
	out := deconstructed{}
	record, ok := w.findEntity(id)
	if ok {
		out.previous = record.Clone()
	} else {
		record = &models.EntityRecord{ID: id, AutoUpdate: e.AutoUpdate()}
	}
	carriedBefore := record.Components

	record.Components = e.ComponentNames()
	if record.Components == nil {
		record.Components = []models.ComponentName{}
	}
	record.Tags = e.Tags()
	if record.Tags == nil {
		record.Tags = []string{}
	}

	out.entity = record
	for _, c := range e.Components() {
		doc, ok := w.findComponent(c.Name())
		if !ok {
			doc = &models.ComponentRecord{
				Name:   c.Name(),
				Values: make(map[models.EntityID]models.Values),
				Local:  c.Local(),
			}
		}
		if doc.Values == nil {
			doc.Values = make(map[models.EntityID]models.Values)
		}
		before, present := doc.Values[id]
		doc.Values[id] = c.Values()
		out.carried = append(out.carried, doc)
		out.carriedBefore = append(out.carriedBefore, entry{values: before, present: present})
	}

	for _, name := range carriedBefore {
		if slices.Contains(record.Components, name) {
			continue
		}
		doc, ok := w.findComponent(name)
		if !ok {
			return deconstructed{}, fmt.Errorf("%w: entity %q lists component %q which has no record",
				ErrConsistencyViolation, id, name)
		}
		before, present := doc.Values[id]
		if !present {
			continue
		}
		delete(doc.Values, id)
		out.detached = append(out.detached, doc)
		out.detachedBefore = append(out.detachedBefore, entry{values: before, present: true})
	}
	return out, nil
}
