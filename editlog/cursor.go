package editlog

import (
	"context"

	"github.com/cockroachdb/pebble"
)

// Cursor is a lazy, cancellable walk over a version range of one document's
// events. Usage:
//
//	cur := log.ReadRange(ctx, doc, from, to)
//	defer cur.Close()
//	for cur.Next() {
//		ev := cur.Event()
//	}
//	if err := cur.Err(); err != nil { ... }
type Cursor struct {
	ctx    context.Context
	docID  string
	it     *pebble.Iterator
	ev     EditEvent
	err    error
	primed bool
	done   bool
}

func (c *Cursor) Next() bool {
	if c.done || c.err != nil || c.it == nil {
		return false
	}
	if c.err = c.ctx.Err(); c.err != nil {
		c.done = true
		return false
	}
	var ok bool
	if !c.primed {
		c.primed = true
		ok = c.it.First()
	} else {
		ok = c.it.Next()
	}
	if !ok {
		c.err = c.it.Error()
		c.done = true
		return false
	}
	c.ev, c.err = parseEvent(c.docID, c.it.Value())
	if c.err != nil {
		c.done = true
		return false
	}
	return true
}

func (c *Cursor) Event() EditEvent {
	return c.ev
}

func (c *Cursor) Err() error {
	return c.err
}

func (c *Cursor) Close() error {
	if c.it == nil {
		return nil
	}
	it := c.it
	c.it = nil
	c.done = true
	return it.Close()
}

// Collect drains the cursor into a slice and closes it. Backfill responses
// and tests use it; the live path sticks to the lazy walk.
func (c *Cursor) Collect() ([]EditEvent, error) {
	defer c.Close()
	var evs []EditEvent
	for c.Next() {
		evs = append(evs, c.Event())
	}
	return evs, c.Err()
}
