package world

import (
	"fmt"
	"slices"

	"github.com/zeusync/entitystore/internal/core/models"
)

// System is per-tick logic over materialized entities. Mutating an
// auto-updating view inside Update writes it back immediately.
type System interface {
	Name() string
	Update(w *World, entities []*models.Entity) error
}

type systemFunc struct {
	name string
	fn   func(w *World, entities []*models.Entity) error
}

func (s systemFunc) Name() string { return s.name }

func (s systemFunc) Update(w *World, entities []*models.Entity) error { return s.fn(w, entities) }

// SystemFunc adapts a function into a named System.
func SystemFunc(name string, fn func(w *World, entities []*models.Entity) error) System {
	return systemFunc{name: name, fn: fn}
}

// AddSystem appends systems to the tick order.
func (w *World) AddSystem(systems ...System) {
	w.mu.Lock()
	w.systems = append(w.systems, systems...)
	w.mu.Unlock()
}

// Tick runs every system once, in registration order, over all entities.
// The first failing system stops the tick.
func (w *World) Tick() error {
	w.mu.Lock()
	systems := slices.Clone(w.systems)
	w.mu.Unlock()
	if len(systems) == 0 {
		return nil
	}

	entities := w.Entities()
	for _, s := range systems {
		if err := s.Update(w, entities); err != nil {
			return fmt.Errorf("system %s: %w", s.Name(), err)
		}
	}
	return nil
}

// Filter selects entities in Entities.
type Filter func(*models.Entity) bool

// WithComponents keeps entities carrying every named component.
func WithComponents(names ...models.ComponentName) Filter {
	return func(e *models.Entity) bool { return e.Has(names...) }
}

// WithTag keeps entities carrying tag.
func WithTag(tag string) Filter {
	return func(e *models.Entity) bool { return e.HasTag(tag) }
}

func matches(e *models.Entity, filters []Filter) bool {
	for _, f := range filters {
		if !f(e) {
			return false
		}
	}
	return true
}
