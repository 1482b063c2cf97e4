package world

import (
	"github.com/zeusync/entitystore/internal/core/models"
	"github.com/zeusync/entitystore/internal/core/storage/collection"
)

// Collection is the document store capability the world runs on.
// *collection.Collection satisfies it.
//
// Lookups must return copies; Changes must return entries the caller may
// mutate freely.
type Collection[D collection.Document] interface {
	Name() string
	Insert(doc D) error
	Update(doc D) error
	Remove(doc D) error
	FindBy(field, key string) (D, bool)
	Extract(field string) []string
	All() []D
	Changes() []collection.Change[D]
	FlushChanges()
	FlushChangesThrough(seq uint64)
}

type (
	EntityCollection    = Collection[*models.EntityRecord]
	ComponentCollection = Collection[*models.ComponentRecord]
)

var (
	_ EntityCollection    = (*collection.Collection[*models.EntityRecord])(nil)
	_ ComponentCollection = (*collection.Collection[*models.ComponentRecord])(nil)
)

func (w *World) findEntity(id models.EntityID) (*models.EntityRecord, bool) {
	return w.entities.FindBy(models.FieldID, string(id))
}

func (w *World) findComponent(name models.ComponentName) (*models.ComponentRecord, bool) {
	return w.components.FindBy(models.FieldName, string(name))
}

func (w *World) upsertEntity(doc *models.EntityRecord) error {
	if doc.Stored() {
		return w.entities.Update(doc)
	}
	return w.entities.Insert(doc)
}

func (w *World) upsertComponent(doc *models.ComponentRecord) error {
	if doc.Stored() {
		return w.components.Update(doc)
	}
	if err := w.components.Insert(doc); err != nil {
		return err
	}
	if doc.Local {
		w.locals[doc.Name] = struct{}{}
	}
	return nil
}
