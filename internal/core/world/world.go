// Package world keeps entity views and column-wise component records in step
// and exposes the replicable change journal of both.
package world

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zeusync/entitystore/internal/core/events/bus"
	"github.com/zeusync/entitystore/internal/core/models"
	"github.com/zeusync/entitystore/internal/core/observability/log"
)

var _ models.Writer = (*World)(nil)

// World owns an entity collection and a component collection.
//
// Every public method takes the world lock, so a World may be shared between
// goroutines. Systems, event handlers and view write-through all run without
// the lock held.
type World struct {
	name string

	mu         sync.Mutex
	entities   EntityCollection
	components ComponentCollection
	// component types first stored as local; never replicated
	locals map[models.ComponentName]struct{}

	systems []System
	log     log.Log
	bus     bus.EventBus
}

type Option func(*World) error

func WithLogger(l log.Log) Option {
	return func(w *World) error {
		if l == nil {
			return errors.New("nil logger")
		}
		w.log = l
		return nil
	}
}

// WithBus makes the world publish entity.put, entity.deleted and
// changes.cleared events.
func WithBus(b bus.EventBus) Option {
	return func(w *World) error {
		w.bus = b
		return nil
	}
}

func WithSystems(systems ...System) Option {
	return func(w *World) error {
		w.systems = append(w.systems, systems...)
		return nil
	}
}

func WithEntityCollection(c EntityCollection) Option {
	return func(w *World) error {
		w.entities = c
		return nil
	}
}

func WithComponentCollection(c ComponentCollection) Option {
	return func(w *World) error {
		w.components = c
		return nil
	}
}

// New builds a world. Seed entities given via entities are put once every
// option has been applied.
func New(name string, entities []*models.Entity, opts ...Option) (*World, error) {
	w := &World{
		name:   name,
		locals: make(map[models.ComponentName]struct{}),
		log:    log.Provide(),
	}
	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, fmt.Errorf("world %s: %w", name, err)
		}
	}
	if w.entities == nil {
		w.entities = models.NewEntityCollection("entities")
	}
	if w.components == nil {
		w.components = models.NewComponentCollection("components")
	}
	w.log = w.log.Named("world").With(log.String("world", name))

	if err := w.Put(entities...); err != nil {
		return nil, fmt.Errorf("world %s: seed entities: %w", name, err)
	}
	return w, nil
}

func (w *World) Name() string { return w.name }

// Get materializes one entity. It fails with ErrNotFound for unknown ids and
// ErrConsistencyViolation when storage is corrupted.
func (w *World) Get(id models.EntityID) (*models.Entity, error) {
	w.mu.Lock()
	e, err := w.materialize(id)
	w.mu.Unlock()
	if errors.Is(err, ErrConsistencyViolation) {
		w.log.Error("materialize failed", log.String("entity", string(id)), log.Error(err))
	}
	return e, err
}

// GetMany materializes every id and returns the views in input order. An id
// that cannot be materialized leaves nil in its slot; the batch itself never
// fails.
func (w *World) GetMany(ids ...models.EntityID) []*models.Entity {
	out := make([]*models.Entity, len(ids))
	for i, id := range ids {
		e, err := w.Get(id)
		if err != nil {
			continue
		}
		out[i] = e
	}
	return out
}

// Put stores each entity view, inserting records that were never stored and
// updating the rest. It stops at the first failure. Entities before the
// failing one stay written; the failing entity's own writes are rolled back,
// and the journal keeps both those writes and their reversal.
func (w *World) Put(entities ...*models.Entity) error {
	written := make([]models.EntityID, 0, len(entities))

	w.mu.Lock()
	var err error
	for _, e := range entities {
		if err = w.putLocked(e); err != nil {
			break
		}
		written = append(written, e.ID())
	}
	w.mu.Unlock()

	for _, id := range written {
		w.publish(bus.EntityPut, string(id), nil)
	}
	if len(written) > 0 {
		w.log.Debug("entities put", log.Int("count", len(written)))
	}
	return err
}

// putLocked writes carried components first, then the entity record, then
// the detached components, so the entity record never names a component that
// has no entry for it.
func (w *World) putLocked(e *models.Entity) error {
	if e == nil {
		return fmt.Errorf("%w: nil entity", ErrInvalidEntity)
	}
	if e.ID() == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidEntity)
	}

	docs, err := w.dematerialize(e)
	if err != nil {
		return err
	}

	var undo []func() error
	fail := func(err error) error {
		for i := len(undo) - 1; i >= 0; i-- {
			if rerr := undo[i](); rerr != nil {
				w.log.Error("rollback failed", log.String("entity", string(e.ID())), log.Error(rerr))
			}
		}
		return err
	}

	for i, doc := range docs.carried {
		inserted := !doc.Stored()
		if err = w.upsertComponent(doc); err != nil {
			return fail(fmt.Errorf("%w: entity %q component %q: %w", ErrStorageConflict, e.ID(), doc.Name, err))
		}
		undo = append(undo, w.undoComponent(e.ID(), doc, inserted, docs.carriedBefore[i]))
	}
	inserted := !docs.entity.Stored()
	if err = w.upsertEntity(docs.entity); err != nil {
		return fail(fmt.Errorf("%w: entity %q: %w", ErrStorageConflict, e.ID(), err))
	}
	undo = append(undo, w.undoEntity(docs.entity, inserted, docs.previous))
	for i, doc := range docs.detached {
		if err = w.components.Update(doc); err != nil {
			return fail(fmt.Errorf("%w: entity %q component %q: %w", ErrStorageConflict, e.ID(), doc.Name, err))
		}
		undo = append(undo, w.undoComponent(e.ID(), doc, false, docs.detachedBefore[i]))
	}
	if !e.Bound() {
		e.Bind(w)
	}
	return nil
}

// undoComponent reverses one component write of a put: a record the put
// inserted is removed, otherwise the entity's previous entry is restored.
func (w *World) undoComponent(id models.EntityID, doc *models.ComponentRecord, inserted bool, before entry) func() error {
	if inserted {
		return func() error {
			delete(w.locals, doc.Name)
			return w.components.Remove(doc)
		}
	}
	name := doc.Name
	return func() error {
		current, ok := w.findComponent(name)
		if !ok {
			return fmt.Errorf("component %q has no record", name)
		}
		if before.present {
			if current.Values == nil {
				current.Values = make(map[models.EntityID]models.Values)
			}
			current.Values[id] = before.values
		} else {
			delete(current.Values, id)
		}
		return w.components.Update(current)
	}
}

func (w *World) undoEntity(doc *models.EntityRecord, inserted bool, previous *models.EntityRecord) func() error {
	if inserted {
		return func() error { return w.entities.Remove(doc) }
	}
	return func() error { return w.entities.Update(previous) }
}

// Delete removes the entity and its entry from every component record it
// carries. Component records themselves stay. Unknown ids are a no-op.
func (w *World) Delete(id models.EntityID) error {
	w.mu.Lock()
	deleted, err := w.deleteLocked(id)
	w.mu.Unlock()

	if deleted {
		w.publish(bus.EntityDeleted, string(id), nil)
		w.log.Debug("entity deleted", log.String("entity", string(id)))
	}
	return err
}

func (w *World) deleteLocked(id models.EntityID) (bool, error) {
	record, ok := w.findEntity(id)
	if !ok {
		return false, nil
	}
	for _, name := range record.Components {
		doc, ok := w.findComponent(name)
		if !ok {
			return false, fmt.Errorf("%w: entity %q lists component %q which has no record",
				ErrConsistencyViolation, id, name)
		}
		delete(doc.Values, id)
		if err := w.components.Update(doc); err != nil {
			return false, fmt.Errorf("%w: entity %q component %q: %w", ErrStorageConflict, id, name, err)
		}
	}
	if err := w.entities.Remove(record); err != nil {
		return false, fmt.Errorf("%w: entity %q: %w", ErrStorageConflict, id, err)
	}
	return true, nil
}

// IDs lists every stored entity id in insertion order.
func (w *World) IDs() []models.EntityID {
	w.mu.Lock()
	raw := w.entities.Extract(models.FieldID)
	w.mu.Unlock()

	ids := make([]models.EntityID, len(raw))
	for i, id := range raw {
		ids[i] = models.EntityID(id)
	}
	return ids
}

// Entities materializes every stored entity that passes all filters, in
// insertion order. Entities that fail to materialize are logged and skipped.
func (w *World) Entities(filters ...Filter) []*models.Entity {
	ids := w.IDs()
	out := make([]*models.Entity, 0, len(ids))
	for _, e := range w.GetMany(ids...) {
		if e == nil || !matches(e, filters) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (w *World) publish(typ, subject string, data any) {
	if w.bus == nil {
		return
	}
	if err := w.bus.Publish(bus.NewEvent(typ, w.name, subject, data)); err != nil {
		w.log.Warn("event handler failed", log.String("event", typ), log.Error(err))
	}
}
