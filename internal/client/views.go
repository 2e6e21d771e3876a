package client

import (
	"github.com/roach88/lattice/internal/ivm"
)

type subscription struct {
	view  *ivm.View
	fn    func([]ivm.Row)
	dirty bool
}

// Subscribe materializes q over the local state and calls fn with the full
// result now and after every change to it. fn runs without the client's
// lock held.
func (c *Client) Subscribe(q ivm.Query, fn func(rows []ivm.Row)) (cancel func(), err error) {
	var sub *subscription
	err = c.locked(func() error {
		v, err := c.graph.Materialize(q)
		if err != nil {
			return err
		}
		sub = &subscription{view: v, fn: fn, dirty: true}
		v.OnChange(func(ivm.Change) { sub.dirty = true })
		c.subs[sub] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[sub]; ok {
			delete(c.subs, sub)
			sub.view.Destroy()
		}
	}, nil
}

// Operators returns the number of live operators in the client's graph.
func (c *Client) Operators() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graph.Operators()
}

// collectUpdates snapshots the rows of every changed view. c.mu must be
// held; the returned callbacks run after it is released.
func (c *Client) collectUpdates() []func() {
	var out []func()
	for sub := range c.subs {
		if !sub.dirty {
			continue
		}
		sub.dirty = false
		rows, fn := sub.view.Rows(), sub.fn
		out = append(out, func() { fn(rows) })
	}
	return out
}
