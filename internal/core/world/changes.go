package world

import (
	"slices"

	"github.com/zeusync/entitystore/internal/core/events/bus"
	"github.com/zeusync/entitystore/internal/core/models"
	"github.com/zeusync/entitystore/internal/core/observability/log"
	"github.com/zeusync/entitystore/internal/core/storage/collection"
)

// Changes is the journal of both collections since the last clear.
type Changes struct {
	Entities   []collection.Change[*models.EntityRecord]    `json:"entities"`
	Components []collection.Change[*models.ComponentRecord] `json:"components"`
}

func (c Changes) Empty() bool {
	return len(c.Entities) == 0 && len(c.Components) == 0
}

func (c Changes) Len() int {
	return len(c.Entities) + len(c.Components)
}

// Changes returns the journal entries recorded since the last clear. Unless
// includeLocal is set, local component types are removed: their names are
// stripped from entity snapshots and their records are dropped. The journal
// itself is not modified.
func (w *World) Changes(includeLocal bool) Changes {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.changesLocked(includeLocal)
}

func (w *World) changesLocked(includeLocal bool) Changes {
	out := Changes{
		Entities:   w.entities.Changes(),
		Components: w.components.Changes(),
	}
	if includeLocal {
		return out
	}
	return w.withoutLocal(out)
}

// withoutLocal strips local component names from entity snapshots and drops
// local component records. Entity snapshots are cloned before editing.
func (w *World) withoutLocal(in Changes) Changes {
	for i := range in.Entities {
		obj := in.Entities[i].Obj.Clone()
		obj.Components = slices.DeleteFunc(obj.Components, w.isLocal)
		in.Entities[i].Obj = obj
	}
	in.Components = slices.DeleteFunc(in.Components, func(ch collection.Change[*models.ComponentRecord]) bool {
		return ch.Obj.Local || w.isLocal(ch.Obj.Name)
	})
	return in
}

// Snapshot describes the current state as insert entries, one per stored
// record, filtered like Changes. It is the baseline a new replica starts from.
func (w *World) Snapshot(includeLocal bool) Changes {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out Changes
	for _, doc := range w.entities.All() {
		out.Entities = append(out.Entities, collection.Change[*models.EntityRecord]{
			Collection: w.entities.Name(),
			Op:         collection.OpInsert,
			Obj:        doc,
		})
	}
	for _, doc := range w.components.All() {
		out.Components = append(out.Components, collection.Change[*models.ComponentRecord]{
			Collection: w.components.Name(),
			Op:         collection.OpInsert,
			Obj:        doc,
		})
	}
	if includeLocal {
		return out
	}
	return w.withoutLocal(out)
}

func (w *World) isLocal(name models.ComponentName) bool {
	_, ok := w.locals[name]
	return ok
}

// ClearChanges flushes both journals. Entries are gone for good, so call it
// only once the previous Changes result has been handed off.
func (w *World) ClearChanges() {
	w.mu.Lock()
	w.clearLocked()
	w.mu.Unlock()
	w.publish(bus.ChangesCleared, "", nil)
}

func (w *World) clearLocked() {
	w.entities.FlushChanges()
	w.components.FlushChanges()
}

// Replicate reads the changes and hands them to fn without the world lock
// held, so a slow consumer never stalls Put or Get. Once fn succeeds the
// handed-off entries are cleared; entries recorded while fn ran stay for the
// next call. On error nothing is cleared. Callers serialize Replicate so the
// same entries are not handed off twice.
func (w *World) Replicate(includeLocal bool, fn func(Changes) error) error {
	w.mu.Lock()
	raw := Changes{
		Entities:   w.entities.Changes(),
		Components: w.components.Changes(),
	}
	pending := raw.Len()
	entitiesThrough, componentsThrough := lastSeq(raw.Entities), lastSeq(raw.Components)
	changes := raw
	if !includeLocal {
		changes = w.withoutLocal(raw)
	}
	w.mu.Unlock()

	if err := fn(changes); err != nil {
		w.log.Warn("replication handoff failed, journal kept", log.Int("changes", changes.Len()), log.Error(err))
		return err
	}
	if pending == 0 {
		return nil
	}

	w.mu.Lock()
	w.entities.FlushChangesThrough(entitiesThrough)
	w.components.FlushChangesThrough(componentsThrough)
	w.mu.Unlock()

	w.publish(bus.ChangesCleared, "", pending)
	return nil
}

func lastSeq[D collection.Document](changes []collection.Change[D]) uint64 {
	if len(changes) == 0 {
		return 0
	}
	return changes[len(changes)-1].Seq
}
