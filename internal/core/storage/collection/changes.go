package collection

import (
	"fmt"
	"slices"

	"github.com/hashicorp/go-memdb"
)

type Operation uint8

const (
	OpInsert Operation = iota + 1
	OpUpdate
	OpRemove
)

func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpRemove:
		return "remove"
	default:
		return fmt.Sprintf("operation(%d)", uint8(o))
	}
}

func (o Operation) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Operation) UnmarshalText(text []byte) error {
	switch string(text) {
	case "insert":
		*o = OpInsert
	case "update":
		*o = OpUpdate
	case "remove":
		*o = OpRemove
	default:
		return fmt.Errorf("unknown operation %q", text)
	}
	return nil
}

// Change is one journal entry. Obj is a snapshot of the document as it was
// right after the operation (right before it, for removes).
type Change[D Document] struct {
	Seq        uint64    `json:"seq"`
	Collection string    `json:"collection"`
	Op         Operation `json:"operation"`
	Obj        D         `json:"obj"`
}

// record turns a committed transaction's tracked changes into journal entries.
func (c *Collection[D]) record(changes memdb.Changes) {
	for _, ch := range changes {
		entry := Change[D]{Collection: c.name}
		switch {
		case ch.Before == nil:
			entry.Op, entry.Obj = OpInsert, ch.After.(D)
		case ch.After == nil:
			entry.Op, entry.Obj = OpRemove, ch.Before.(D)
		default:
			entry.Op, entry.Obj = OpUpdate, ch.After.(D)
		}
		c.seq++
		entry.Seq = c.seq
		c.journal = append(c.journal, entry)
	}
}

// Changes returns copies of the journal entries recorded since the last
// flush. The journal itself is left untouched.
func (c *Collection[D]) Changes() []Change[D] {
	out := make([]Change[D], len(c.journal))
	for i, ch := range c.journal {
		ch.Obj = c.opts.Clone(ch.Obj)
		out[i] = ch
	}
	return out
}

// FlushChanges drops every journal entry. Sequence numbers keep increasing.
func (c *Collection[D]) FlushChanges() {
	c.journal = nil
}

// FlushChangesThrough drops the journal entries with Seq <= seq and keeps the
// ones recorded after them.
func (c *Collection[D]) FlushChangesThrough(seq uint64) {
	keep := 0
	for keep < len(c.journal) && c.journal[keep].Seq <= seq {
		keep++
	}
	c.journal = slices.Clone(c.journal[keep:])
}
