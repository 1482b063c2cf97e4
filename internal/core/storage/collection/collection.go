// Package collection is an in-memory document store with unique indices,
// clone-on-read records and a per-collection change journal. Documents live
// in a go-memdb table keyed by their storage handle.
package collection

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-memdb"
)

// Meta is the storage bookkeeping carried by every stored document. A zero
// Handle means the document has never been inserted.
type Meta struct {
	Handle   uint64    `json:"handle,omitempty" yaml:"handle,omitempty"`
	Revision uint64    `json:"revision,omitempty" yaml:"revision,omitempty"`
	Created  time.Time `json:"created,omitempty" yaml:"created,omitempty"`
	Updated  time.Time `json:"updated,omitempty" yaml:"updated,omitempty"`
}

// Metadata lets types embedding Meta satisfy Document.
func (m *Meta) Metadata() *Meta { return m }

// Stored reports whether the document carries a storage handle.
func (m *Meta) Stored() bool { return m != nil && m.Handle != 0 }

// Document is a pointer to a record that embeds Meta.
type Document interface {
	comparable
	Metadata() *Meta
}

// Index describes a field the collection can look documents up by.
type Index[D Document] struct {
	Field  string
	Key    func(D) string
	Unique bool
}

type Options[D Document] struct {
	Indices []Index[D]
	// Clone must return an independent copy; it is applied on every read and write.
	Clone          func(D) D
	DisableChanges bool
}

// Collection is not safe for concurrent use; its owner serializes access.
//
// Stored documents are never mutated in place: every write inserts a fresh
// clone, so objects held by memdb and by the journal stay valid snapshots.
type Collection[D Document] struct {
	name    string
	opts    Options[D]
	db      *memdb.MemDB
	indices map[string]Index[D]
	nextID  uint64
	count   int
	journal []Change[D]
	seq     uint64
	now     func() time.Time
}

func New[D Document](name string, opts Options[D]) *Collection[D] {
	if opts.Clone == nil {
		panic(fmt.Sprintf("collection %s: clone function is required", name))
	}
	c := &Collection[D]{
		name:    name,
		opts:    opts,
		indices: make(map[string]Index[D], len(opts.Indices)),
		now:     time.Now,
	}
	table := &memdb.TableSchema{
		Name: name,
		Indexes: map[string]*memdb.IndexSchema{
			handleIndex: {Name: handleIndex, Unique: true, Indexer: handleIndexer{}},
		},
	}
	for _, def := range opts.Indices {
		c.indices[def.Field] = def
		table.Indexes[fieldIndex(def.Field)] = &memdb.IndexSchema{
			Name:    fieldIndex(def.Field),
			Unique:  def.Unique,
			Indexer: keyIndexer[D]{key: def.Key},
		}
	}
	db, err := memdb.NewMemDB(&memdb.DBSchema{Tables: map[string]*memdb.TableSchema{name: table}})
	if err != nil {
		panic(fmt.Sprintf("collection %s: %v", name, err))
	}
	c.db = db
	return c
}

func (c *Collection[D]) Name() string { return c.name }

func (c *Collection[D]) Len() int { return c.count }

// Insert stores a copy of doc and writes the assigned Meta back into doc.
func (c *Collection[D]) Insert(doc D) error {
	var zero D
	if doc == zero {
		return ErrNilDocument
	}
	if doc.Metadata().Stored() {
		return fmt.Errorf("%w: %s handle %d", ErrAlreadyStored, c.name, doc.Metadata().Handle)
	}

	txn := c.write()
	defer txn.Abort()
	if err := c.checkUnique(txn, doc, 0); err != nil {
		return err
	}

	now := c.now()
	*doc.Metadata() = Meta{Handle: c.nextID + 1, Created: now, Updated: now}
	if err := txn.Insert(c.name, c.opts.Clone(doc)); err != nil {
		*doc.Metadata() = Meta{}
		return fmt.Errorf("collection %s: %w", c.name, err)
	}
	c.nextID++
	c.count++
	c.commit(txn)
	return nil
}

// Update replaces the stored document sharing doc's handle.
func (c *Collection[D]) Update(doc D) error {
	var zero D
	if doc == zero {
		return ErrNilDocument
	}
	txn := c.write()
	defer txn.Abort()

	handle := doc.Metadata().Handle
	prev, ok := c.byHandle(txn, handle)
	if !ok {
		return fmt.Errorf("%w: %s handle %d", ErrNotStored, c.name, handle)
	}
	if err := c.checkUnique(txn, doc, handle); err != nil {
		return err
	}

	meta := doc.Metadata()
	meta.Revision = prev.Metadata().Revision + 1
	meta.Created = prev.Metadata().Created
	meta.Updated = c.now()
	if err := txn.Insert(c.name, c.opts.Clone(doc)); err != nil {
		return fmt.Errorf("collection %s: %w", c.name, err)
	}
	c.commit(txn)
	return nil
}

// Remove deletes the stored document sharing doc's handle and clears the
// handle on doc.
func (c *Collection[D]) Remove(doc D) error {
	var zero D
	if doc == zero {
		return ErrNilDocument
	}
	txn := c.write()
	defer txn.Abort()

	handle := doc.Metadata().Handle
	prev, ok := c.byHandle(txn, handle)
	if !ok {
		return fmt.Errorf("%w: %s handle %d", ErrNotStored, c.name, handle)
	}
	if err := txn.Delete(c.name, prev); err != nil {
		return fmt.Errorf("collection %s: %w", c.name, err)
	}
	c.count--
	c.commit(txn)
	*doc.Metadata() = Meta{}
	return nil
}

// FindBy returns a copy of the first document whose indexed field equals key.
func (c *Collection[D]) FindBy(field, key string) (D, bool) {
	doc, err := c.FindByE(field, key)
	return doc, err == nil
}

func (c *Collection[D]) FindByE(field, key string) (D, error) {
	var zero D
	if _, ok := c.indices[field]; !ok {
		return zero, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, c.name, field)
	}
	raw, err := c.db.Txn(false).First(c.name, fieldIndex(field), key)
	if err != nil {
		return zero, fmt.Errorf("collection %s: %w", c.name, err)
	}
	if raw == nil {
		return zero, fmt.Errorf("%w: %s.%s=%q", ErrNoDocument, c.name, field, key)
	}
	return c.opts.Clone(raw.(D)), nil
}

// Extract returns the indexed field of every document in insertion order.
func (c *Collection[D]) Extract(field string) []string {
	idx, ok := c.indices[field]
	if !ok {
		return nil
	}
	out := make([]string, 0, c.count)
	c.scan(func(doc D) { out = append(out, idx.Key(doc)) })
	return out
}

// All returns copies of every document in insertion order.
func (c *Collection[D]) All() []D {
	out := make([]D, 0, c.count)
	c.scan(func(doc D) { out = append(out, c.opts.Clone(doc)) })
	return out
}

// scan visits stored documents in handle order, which is insertion order.
func (c *Collection[D]) scan(fn func(D)) {
	it, err := c.db.Txn(false).Get(c.name, handleIndex)
	if err != nil {
		return
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		fn(raw.(D))
	}
}

func (c *Collection[D]) write() *memdb.Txn {
	txn := c.db.Txn(true)
	if !c.opts.DisableChanges {
		txn.TrackChanges()
	}
	return txn
}

func (c *Collection[D]) commit(txn *memdb.Txn) {
	changes := txn.Changes()
	txn.Commit()
	c.record(changes)
}

func (c *Collection[D]) byHandle(txn *memdb.Txn, handle uint64) (D, bool) {
	var zero D
	if handle == 0 {
		return zero, false
	}
	raw, err := txn.First(c.name, handleIndex, handle)
	if err != nil || raw == nil {
		return zero, false
	}
	return raw.(D), true
}

// checkUnique rejects doc when a unique index already maps its key to a
// different handle. memdb overwrites unique entries silently, so this runs
// before every write.
func (c *Collection[D]) checkUnique(txn *memdb.Txn, doc D, self uint64) error {
	for field, idx := range c.indices {
		if !idx.Unique {
			continue
		}
		key := idx.Key(doc)
		raw, err := txn.First(c.name, fieldIndex(field), key)
		if err != nil {
			return fmt.Errorf("collection %s: %w", c.name, err)
		}
		if raw != nil && raw.(D).Metadata().Handle != self {
			return fmt.Errorf("%w: %s.%s=%q", ErrDuplicateKey, c.name, field, key)
		}
	}
	return nil
}
