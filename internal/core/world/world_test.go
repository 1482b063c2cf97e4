package world

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zeusync/entitystore/internal/core/events/bus"
	"github.com/zeusync/entitystore/internal/core/models"
	"github.com/zeusync/entitystore/internal/core/observability/log"
	"github.com/zeusync/entitystore/internal/core/storage/collection"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// shape is the comparable part of an entity view.
type shape struct {
	ID         models.EntityID
	Tags       []string
	AutoUpdate bool
	Components map[models.ComponentName]models.Values
	Order      []models.ComponentName
}

func shapeOf(e *models.Entity) shape {
	s := shape{
		ID:         e.ID(),
		Tags:       e.Tags(),
		AutoUpdate: e.AutoUpdate(),
		Components: make(map[models.ComponentName]models.Values),
		Order:      e.ComponentNames(),
	}
	for _, c := range e.Components() {
		s.Components[c.Name()] = c.Values()
	}
	return s
}

func newWorld(t *testing.T, entities ...*models.Entity) *World {
	t.Helper()
	w, err := New("test", entities, WithLogger(log.NewNop()))
	require.NoError(t, err)
	return w
}

func componentRecord(t *testing.T, w *World, name models.ComponentName) *models.ComponentRecord {
	t.Helper()
	doc, ok := w.findComponent(name)
	require.True(t, ok, "component %s", name)
	return doc
}

func TestRoundTrip(t *testing.T) {
	e := models.NewEntity("e1", false, "player", "red").
		With("pos", models.Values{"x": 1.5, "y": -2.0}).
		With("name", models.Values{"value": "ada"})
	w := newWorld(t, e)

	got, err := w.Get("e1")
	require.NoError(t, err)
	if diff := cmp.Diff(shapeOf(e), shapeOf(got)); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestOneRecordPerComponentType(t *testing.T) {
	w := newWorld(t,
		models.NewEntity("e1", false).With("pos", models.Values{"x": 1}),
		models.NewEntity("e2", false).With("pos", models.Values{"x": 2}),
	)

	all := w.components.All()
	require.Len(t, all, 1)
	assert.Equal(t, models.ComponentName("pos"), all[0].Name)
	assert.Equal(t, []models.EntityID{"e1", "e2"}, all[0].EntityIDs())
}

func TestDeletePreservesSiblings(t *testing.T) {
	w := newWorld(t,
		models.NewEntity("e1", false).With("pos", models.Values{"x": 1}),
		models.NewEntity("e2", false).With("pos", models.Values{"x": 2}),
	)

	require.NoError(t, w.Delete("e1"))

	pos := componentRecord(t, w, "pos")
	assert.Equal(t, []models.EntityID{"e2"}, pos.EntityIDs())

	_, err := w.Get("e1")
	assert.ErrorIs(t, err, ErrNotFound)

	e2, err := w.Get("e2")
	require.NoError(t, err)
	c, ok := e2.Component("pos")
	require.True(t, ok)
	assert.Equal(t, models.Values{"x": 2}, c.Values())
}

func TestDeleteUnknownIsNoop(t *testing.T) {
	w := newWorld(t)
	require.NoError(t, w.Delete("ghost"))
	assert.True(t, w.Changes(true).Empty())
}

func TestDeleteJournal(t *testing.T) {
	w := newWorld(t, models.NewEntity("e1", false).With("pos", models.Values{"x": 1}).With("vel", models.Values{"dx": 0}))
	w.ClearChanges()

	require.NoError(t, w.Delete("e1"))

	changes := w.Changes(false)
	require.Len(t, changes.Entities, 1)
	assert.Equal(t, collection.OpRemove, changes.Entities[0].Op)
	require.Len(t, changes.Components, 2)
	for _, ch := range changes.Components {
		assert.Equal(t, collection.OpUpdate, ch.Op)
		assert.NotContains(t, ch.Obj.Values, models.EntityID("e1"))
	}
}

func TestReplicationFiltersLocalComponents(t *testing.T) {
	e := models.NewEntity("e", false).
		With("pos", models.Values{"x": 1}).
		WithLocal("debugOverlay", models.Values{"on": true})
	w := newWorld(t, e)

	filtered, err := json.Marshal(w.Changes(false))
	require.NoError(t, err)
	assert.NotContains(t, string(filtered), "debugOverlay")

	raw, err := json.Marshal(w.Changes(true))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "debugOverlay")

	// filtering works on copies; the journal still has everything
	again := w.Changes(true)
	require.Len(t, again.Entities, 1)
	assert.Equal(t, []models.ComponentName{"pos", "debugOverlay"}, again.Entities[0].Obj.Components)
	assert.Len(t, again.Components, 2)

	clean := w.Changes(false)
	require.Len(t, clean.Entities, 1)
	assert.Equal(t, []models.ComponentName{"pos"}, clean.Entities[0].Obj.Components)
	require.Len(t, clean.Components, 1)
	assert.Equal(t, models.ComponentName("pos"), clean.Components[0].Obj.Name)
}

func TestLocalFlagFixedAtFirstInsert(t *testing.T) {
	w := newWorld(t, models.NewEntity("e1", false).WithLocal("secret", models.Values{"k": 1}))
	require.NoError(t, w.Put(models.NewEntity("e2", false).With("secret", models.Values{"k": 2})))

	assert.True(t, componentRecord(t, w, "secret").Local)
	e2, err := w.Get("e2")
	require.NoError(t, err)
	c, _ := e2.Component("secret")
	assert.True(t, c.Local())

	for _, ch := range w.Changes(false).Components {
		assert.NotEqual(t, models.ComponentName("secret"), ch.Obj.Name)
	}
}

func TestWriteThrough(t *testing.T) {
	w := newWorld(t, models.NewEntity("e", true).With("health", models.Values{"hp": 10}))

	view, err := w.Get("e")
	require.NoError(t, err)
	health, ok := view.Component("health")
	require.True(t, ok)
	require.NoError(t, health.Set("hp", 5))

	fresh, err := w.Get("e")
	require.NoError(t, err)
	c, _ := fresh.Component("health")
	hp, _ := c.Get("hp")
	assert.Equal(t, 5, hp)
}

func TestNoWriteThroughWithoutAutoUpdate(t *testing.T) {
	w := newWorld(t, models.NewEntity("e", false).With("health", models.Values{"hp": 10}))

	view, err := w.Get("e")
	require.NoError(t, err)
	health, _ := view.Component("health")
	require.NoError(t, health.Set("hp", 5))

	fresh, _ := w.Get("e")
	c, _ := fresh.Component("health")
	hp, _ := c.Get("hp")
	assert.Equal(t, 10, hp)

	require.NoError(t, view.Save())
	fresh, _ = w.Get("e")
	c, _ = fresh.Component("health")
	hp, _ = c.Get("hp")
	assert.Equal(t, 5, hp)
}

func TestAutoUpdateFixedAtCreation(t *testing.T) {
	w := newWorld(t, models.NewEntity("e", true).With("health", models.Values{"hp": 10}))
	require.NoError(t, w.Put(models.NewEntity("e", false).With("health", models.Values{"hp": 1})))

	e, err := w.Get("e")
	require.NoError(t, err)
	assert.True(t, e.AutoUpdate())
	c, _ := e.Component("health")
	hp, _ := c.Get("hp")
	assert.Equal(t, 1, hp)
}

func TestDetachedComponentLosesEntry(t *testing.T) {
	w := newWorld(t,
		models.NewEntity("e1", true).With("pos", models.Values{"x": 1}).With("vel", models.Values{"dx": 1}),
		models.NewEntity("e2", false).With("vel", models.Values{"dx": 2}),
	)

	e1, err := w.Get("e1")
	require.NoError(t, err)
	require.NoError(t, e1.RemoveComponent("vel"))

	vel := componentRecord(t, w, "vel")
	assert.Equal(t, []models.EntityID{"e2"}, vel.EntityIDs())

	fresh, err := w.Get("e1")
	require.NoError(t, err)
	assert.Equal(t, []models.ComponentName{"pos"}, fresh.ComponentNames())
}

func TestTagsWriteThrough(t *testing.T) {
	w := newWorld(t, models.NewEntity("e", true, "a"))
	e, _ := w.Get("e")
	require.NoError(t, e.AddTag("b"))
	require.NoError(t, e.RemoveTag("a"))

	fresh, _ := w.Get("e")
	assert.Equal(t, []string{"b"}, fresh.Tags())
}

func TestClearChangesIsIdempotent(t *testing.T) {
	w := newWorld(t, models.NewEntity("e", false).With("pos", models.Values{"x": 1}))
	require.False(t, w.Changes(false).Empty())

	w.ClearChanges()
	assert.True(t, w.Changes(false).Empty())
	w.ClearChanges()
	assert.True(t, w.Changes(false).Empty())
	assert.True(t, w.Changes(true).Empty())
}

func TestGetManyPartialSuccess(t *testing.T) {
	w := newWorld(t, models.NewEntity("known", false))

	got := w.GetMany("known", "unknown")
	require.Len(t, got, 2)
	require.NotNil(t, got[0])
	assert.Equal(t, models.EntityID("known"), got[0].ID())
	assert.Nil(t, got[1])
}

func TestUpdateJournalsUpdates(t *testing.T) {
	w := newWorld(t, models.NewEntity("e", false).With("pos", models.Values{"x": 1}))
	w.ClearChanges()

	require.NoError(t, w.Put(models.NewEntity("e", false).With("pos", models.Values{"x": 2})))
	changes := w.Changes(false)
	require.Len(t, changes.Entities, 1)
	assert.Equal(t, collection.OpUpdate, changes.Entities[0].Op)
	require.Len(t, changes.Components, 1)
	assert.Equal(t, collection.OpUpdate, changes.Components[0].Op)
	assert.Equal(t, 2, changes.Components[0].Obj.Values["e"]["x"])
}

func TestPutRejectsInvalidEntities(t *testing.T) {
	w := newWorld(t)
	assert.ErrorIs(t, w.Put(nil), ErrInvalidEntity)
	assert.ErrorIs(t, w.Put(models.NewEntity("", false)), ErrInvalidEntity)
}

func TestPutPartialWriteOnFailure(t *testing.T) {
	w := newWorld(t)
	err := w.Put(
		models.NewEntity("first", false).With("pos", models.Values{"x": 1}),
		nil,
		models.NewEntity("third", false),
	)
	require.ErrorIs(t, err, ErrInvalidEntity)

	got := w.GetMany("first", "third")
	assert.NotNil(t, got[0], "entities before the failure stay written")
	assert.Nil(t, got[1], "entities after the failure are not written")
}

type failingComponents struct {
	*collection.Collection[*models.ComponentRecord]
	failOn models.ComponentName
}

var errRejected = errors.New("rejected")

func (f *failingComponents) Insert(doc *models.ComponentRecord) error {
	if doc.Name == f.failOn {
		return errRejected
	}
	return f.Collection.Insert(doc)
}

func TestStorageConflictPropagates(t *testing.T) {
	comps := &failingComponents{
		Collection: models.NewComponentCollection("components"),
		failOn:     "bad",
	}
	w, err := New("test", nil, WithLogger(log.NewNop()), WithComponentCollection(comps))
	require.NoError(t, err)

	err = w.Put(
		models.NewEntity("ok", false).With("pos", models.Values{"x": 1}),
		models.NewEntity("broken", false).With("pos", models.Values{"x": 2}).With("bad", models.Values{}),
	)
	require.ErrorIs(t, err, ErrStorageConflict)
	require.ErrorIs(t, err, errRejected)

	// the failing entity's record was never written, so it never names a
	// component lacking its entry
	_, err = w.Get("broken")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = w.Get("ok")
	assert.NoError(t, err)
	assert.Equal(t, []models.EntityID{"ok"}, componentRecord(t, w, "pos").EntityIDs(),
		"the failed entity's entry is rolled back")
}

func TestFailedPutOfStoredEntityLeavesNoOrphans(t *testing.T) {
	comps := &failingComponents{
		Collection: models.NewComponentCollection("components"),
		failOn:     "bad",
	}
	w, err := New("test", nil, WithLogger(log.NewNop()), WithComponentCollection(comps))
	require.NoError(t, err)
	require.NoError(t, w.Put(models.NewEntity("hero", false).With("pos", models.Values{"x": 1})))

	hero, err := w.Get("hero")
	require.NoError(t, err)
	_, err = hero.SetComponent("pos", models.Values{"x": 9}, false)
	require.NoError(t, err)
	_, err = hero.SetComponent("shield", models.Values{"hp": 3}, false)
	require.NoError(t, err)
	_, err = hero.SetComponent("bad", models.Values{}, false)
	require.NoError(t, err)

	err = w.Put(hero)
	require.ErrorIs(t, err, errRejected)

	stored, err := w.Get("hero")
	require.NoError(t, err)
	assert.Equal(t, []models.ComponentName{"pos"}, stored.ComponentNames())
	pos, _ := stored.Component("pos")
	x, _ := pos.Get("x")
	assert.Equal(t, 1, x)
	_, ok := w.findComponent("shield")
	assert.False(t, ok, "component inserted by the failed put is removed")

	require.NoError(t, w.Delete("hero"))
	for _, doc := range w.components.All() {
		assert.NotContains(t, doc.Values, models.EntityID("hero"), doc.Name)
	}
}

func TestConsistencyViolation(t *testing.T) {
	entities := models.NewEntityCollection("entities")
	require.NoError(t, entities.Insert(&models.EntityRecord{
		ID:         "corrupt",
		Components: []models.ComponentName{"missing"},
	}))
	w, err := New("test", nil, WithLogger(log.NewNop()), WithEntityCollection(entities))
	require.NoError(t, err)

	_, err = w.Get("corrupt")
	assert.ErrorIs(t, err, ErrConsistencyViolation)
	assert.Equal(t, []*models.Entity{nil}, w.GetMany("corrupt"))
	assert.ErrorIs(t, w.Delete("corrupt"), ErrConsistencyViolation)
}

func TestEntitiesAndFilters(t *testing.T) {
	w := newWorld(t,
		models.NewEntity("a", false, "npc").With("pos", models.Values{}),
		models.NewEntity("b", false, "player").With("pos", models.Values{}).With("input", models.Values{}),
		models.NewEntity("c", false, "npc"),
	)

	assert.Equal(t, []models.EntityID{"a", "b", "c"}, w.IDs())
	assert.Len(t, w.Entities(), 3)

	ids := func(es []*models.Entity) []models.EntityID {
		out := make([]models.EntityID, len(es))
		for i, e := range es {
			out[i] = e.ID()
		}
		return out
	}
	assert.Equal(t, []models.EntityID{"a", "b"}, ids(w.Entities(WithComponents("pos"))))
	assert.Equal(t, []models.EntityID{"a", "c"}, ids(w.Entities(WithTag("npc"))))
	assert.Equal(t, []models.EntityID{"a"}, ids(w.Entities(WithTag("npc"), WithComponents("pos"))))
}

func TestTickRunsSystemsInOrder(t *testing.T) {
	var order []string
	gravity := SystemFunc("gravity", func(_ *World, entities []*models.Entity) error {
		order = append(order, "gravity")
		for _, e := range entities {
			if c, ok := e.Component("pos"); ok {
				y, _ := c.Get("y")
				if err := c.Set("y", y.(int)-1); err != nil {
					return err
				}
			}
		}
		return nil
	})
	audit := SystemFunc("audit", func(*World, []*models.Entity) error {
		order = append(order, "audit")
		return nil
	})

	w, err := New("test",
		[]*models.Entity{models.NewEntity("e", true).With("pos", models.Values{"y": 10})},
		WithLogger(log.NewNop()), WithSystems(gravity, audit))
	require.NoError(t, err)

	require.NoError(t, w.Tick())
	require.NoError(t, w.Tick())
	assert.Equal(t, []string{"gravity", "audit", "gravity", "audit"}, order)

	e, _ := w.Get("e")
	c, _ := e.Component("pos")
	y, _ := c.Get("y")
	assert.Equal(t, 8, y)
}

func TestTickStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	ran := false
	w := newWorld(t)
	w.AddSystem(
		SystemFunc("fails", func(*World, []*models.Entity) error { return boom }),
		SystemFunc("skipped", func(*World, []*models.Entity) error { ran = true; return nil }),
	)
	err := w.Tick()
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "fails")
	assert.False(t, ran)
}

func TestReplicateClearsOnlyOnSuccess(t *testing.T) {
	w := newWorld(t, models.NewEntity("e", false).With("pos", models.Values{"x": 1}))

	boom := errors.New("peer gone")
	err := w.Replicate(false, func(Changes) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, w.Changes(false).Empty())

	var handed Changes
	require.NoError(t, w.Replicate(false, func(c Changes) error {
		handed = c
		return nil
	}))
	assert.Equal(t, 2, handed.Len())
	assert.True(t, w.Changes(true).Empty())
}

func TestReplicateHandsOffWithoutLock(t *testing.T) {
	w := newWorld(t, models.NewEntity("e", false).With("pos", models.Values{"x": 1}))

	require.NoError(t, w.Replicate(false, func(c Changes) error {
		assert.Equal(t, 2, c.Len())
		// writes during the handoff must not block and must survive the clear
		return w.Put(models.NewEntity("late", false))
	}))

	left := w.Changes(true)
	require.Len(t, left.Entities, 1)
	assert.Equal(t, models.EntityID("late"), left.Entities[0].Obj.ID)
	assert.Empty(t, left.Components)
}

func TestReplicateSkipsEventWhenNothingPending(t *testing.T) {
	b := bus.New()
	var cleared []bus.Event
	_, err := b.Subscribe(bus.ChangesCleared, func(e bus.Event) error {
		cleared = append(cleared, e)
		return nil
	})
	require.NoError(t, err)
	w, err := New("arena", nil, WithLogger(log.NewNop()), WithBus(b))
	require.NoError(t, err)

	noop := func(Changes) error { return nil }
	require.NoError(t, w.Replicate(false, noop))
	require.NoError(t, w.Replicate(false, noop))
	assert.Empty(t, cleared)

	require.NoError(t, w.Put(models.NewEntity("e", false)))
	require.NoError(t, w.Replicate(false, noop))
	require.Len(t, cleared, 1)
	assert.Equal(t, 1, cleared[0].Data)
}

func TestWorldPublishesEvents(t *testing.T) {
	b := bus.New()
	var events []bus.Event
	_, err := b.Subscribe(bus.Wildcard, func(e bus.Event) error {
		events = append(events, e)
		return nil
	})
	require.NoError(t, err)

	w, err := New("arena", nil, WithLogger(log.NewNop()), WithBus(b))
	require.NoError(t, err)

	require.NoError(t, w.Put(models.NewEntity("e", false)))
	require.NoError(t, w.Delete("e"))
	w.ClearChanges()

	require.Len(t, events, 3)
	assert.Equal(t, bus.EntityPut, events[0].Type)
	assert.Equal(t, "e", events[0].Subject)
	assert.Equal(t, "arena", events[0].Source)
	assert.Equal(t, bus.EntityDeleted, events[1].Type)
	assert.Equal(t, bus.ChangesCleared, events[2].Type)
}

func TestPutBindsFreshViews(t *testing.T) {
	e := models.NewEntity("e", true).With("hp", models.Values{"v": 3})
	w := newWorld(t, e)
	assert.True(t, e.Bound())

	c, _ := e.Component("hp")
	require.NoError(t, c.Set("v", 2))
	fresh, _ := w.Get("e")
	fc, _ := fresh.Component("hp")
	v, _ := fc.Get("v")
	assert.Equal(t, 2, v)
}

func TestSnapshot(t *testing.T) {
	w := newWorld(t,
		models.NewEntity("a", false).With("pos", models.Values{"x": 1}).WithLocal("debugOverlay", models.Values{}),
		models.NewEntity("b", false).With("pos", models.Values{"x": 2}),
	)
	require.NoError(t, w.Delete("b"))

	snap := w.Snapshot(false)
	require.Len(t, snap.Entities, 1)
	assert.Equal(t, collection.OpInsert, snap.Entities[0].Op)
	assert.Equal(t, "entities", snap.Entities[0].Collection)
	assert.Equal(t, []models.ComponentName{"pos"}, snap.Entities[0].Obj.Components)
	require.Len(t, snap.Components, 1)
	assert.Equal(t, []models.EntityID{"a"}, snap.Components[0].Obj.EntityIDs())

	assert.Len(t, w.Snapshot(true).Components, 2)
	// snapshots leave the journal alone
	assert.False(t, w.Changes(true).Empty())
}
