package models

import (
	"errors"
	"slices"
)

var ErrUnbound = errors.New("entity is not bound to a world")

// Writer persists entity views. The world implements it.
type Writer interface {
	Put(entities ...*Entity) error
}

// Entity is the object view of an entity: identity, tags and its components
// by name. Views are not safe for concurrent use.
//
// When AutoUpdate is set and the view is bound to a Writer, every mutating
// method writes the whole entity back before returning.
type Entity struct {
	id         EntityID
	tags       []string
	autoUpdate bool
	order      []ComponentName
	components map[ComponentName]*Component

	writer  Writer
	writing bool
}

func NewEntity(id EntityID, autoUpdate bool, tags ...string) *Entity {
	return &Entity{
		id:         id,
		tags:       slices.Clone(tags),
		autoUpdate: autoUpdate,
		components: make(map[ComponentName]*Component),
	}
}

// With attaches a replicated component without writing through. Meant for
// building entities before their first Put.
func (e *Entity) With(name ComponentName, values Values) *Entity {
	e.attach(name, values, false)
	return e
}

// WithLocal attaches a local (never replicated) component without writing through.
func (e *Entity) WithLocal(name ComponentName, values Values) *Entity {
	e.attach(name, values, true)
	return e
}

func (e *Entity) ID() EntityID { return e.id }

func (e *Entity) AutoUpdate() bool { return e.autoUpdate }

func (e *Entity) Tags() []string { return slices.Clone(e.tags) }

func (e *Entity) HasTag(tag string) bool { return slices.Contains(e.tags, tag) }

// ComponentNames lists attached component types in attachment order.
func (e *Entity) ComponentNames() []ComponentName { return slices.Clone(e.order) }

func (e *Entity) Component(name ComponentName) (*Component, bool) {
	c, ok := e.components[name]
	return c, ok
}

// Components returns the attached components in attachment order.
func (e *Entity) Components() []*Component {
	out := make([]*Component, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.components[name])
	}
	return out
}

// Has reports whether every named component is attached.
func (e *Entity) Has(names ...ComponentName) bool {
	for _, name := range names {
		if _, ok := e.components[name]; !ok {
			return false
		}
	}
	return true
}

func (e *Entity) SetTags(tags ...string) error {
	e.tags = slices.Clone(tags)
	return e.writeThrough()
}

func (e *Entity) AddTag(tag string) error {
	if e.HasTag(tag) {
		return nil
	}
	e.tags = append(e.tags, tag)
	return e.writeThrough()
}

func (e *Entity) RemoveTag(tag string) error {
	i := slices.Index(e.tags, tag)
	if i < 0 {
		return nil
	}
	e.tags = slices.Delete(e.tags, i, i+1)
	return e.writeThrough()
}

// SetComponent attaches a component or replaces the values of an attached one.
// local only matters the first time a component type is ever stored.
func (e *Entity) SetComponent(name ComponentName, values Values, local bool) (*Component, error) {
	c := e.attach(name, values, local)
	return c, e.writeThrough()
}

func (e *Entity) RemoveComponent(name ComponentName) error {
	if _, ok := e.components[name]; !ok {
		return nil
	}
	delete(e.components, name)
	e.order = slices.DeleteFunc(e.order, func(n ComponentName) bool { return n == name })
	return e.writeThrough()
}

// Save writes the entity through its Writer regardless of AutoUpdate.
func (e *Entity) Save() error {
	if e.writer == nil {
		return ErrUnbound
	}
	return e.writer.Put(e)
}

// Bind attaches the view to the writer used for write-through.
func (e *Entity) Bind(w Writer) { e.writer = w }

func (e *Entity) Bound() bool { return e.writer != nil }

func (e *Entity) attach(name ComponentName, values Values, local bool) *Component {
	if c, ok := e.components[name]; ok {
		c.values = values.Clone()
		return c
	}
	c := &Component{name: name, values: values.Clone(), local: local, root: e}
	e.components[name] = c
	e.order = append(e.order, name)
	return c
}

// writeThrough puts the root entity. A mutation made while that write is in
// flight only touches the view.
func (e *Entity) writeThrough() error {
	if !e.autoUpdate || e.writer == nil || e.writing {
		return nil
	}
	e.writing = true
	defer func() { e.writing = false }()
	return e.writer.Put(e)
}

// Component is one component of an entity view. Its mutators write the root
// entity through like the entity's own mutators do.
type Component struct {
	name   ComponentName
	values Values
	local  bool
	root   *Entity
}

func (c *Component) Name() ComponentName { return c.name }

func (c *Component) Local() bool { return c.local }

// Values returns a shallow copy of the payload.
func (c *Component) Values() Values { return c.values.Clone() }

func (c *Component) Get(field string) (any, bool) {
	v, ok := c.values[field]
	return v, ok
}

func (c *Component) Set(field string, value any) error {
	c.values[field] = value
	return c.root.writeThrough()
}

func (c *Component) Delete(field string) error {
	if _, ok := c.values[field]; !ok {
		return nil
	}
	delete(c.values, field)
	return c.root.writeThrough()
}

// Replace swaps the whole payload.
func (c *Component) Replace(values Values) error {
	c.values = values.Clone()
	return c.root.writeThrough()
}
