package server

import (
	"context"

	"github.com/roach88/lattice/internal/ivm"
)

type subscription struct {
	query ivm.Query
	view  *ivm.View
	fn    func([]ivm.Row)
	dirty bool
}

// attach makes v the subscription's view.
func (sub *subscription) attach(v *ivm.View) {
	sub.view = v
	v.OnChange(func(ivm.Change) { sub.dirty = true })
}

// Subscribe materializes q over the server's tables and calls fn with the
// full result now and after every commit that changes it. fn runs on the
// Run loop and must not call back into the server.
func (s *Server) Subscribe(ctx context.Context, q ivm.Query, fn func(rows []ivm.Row)) (cancel func(), err error) {
	var sub *subscription
	err = s.do(ctx, "subscribe", func(context.Context) error {
		v, err := s.graph.Materialize(q)
		if err != nil {
			return err
		}
		sub = &subscription{query: q, fn: fn}
		sub.attach(v)
		s.subs[sub] = struct{}{}
		fn(v.Rows())
		return nil
	})
	if err != nil {
		return nil, err
	}
	cancel = func() {
		s.queue.Enqueue(task{
			name: "unsubscribe",
			run: func(context.Context) error {
				if _, ok := s.subs[sub]; ok {
					delete(s.subs, sub)
					sub.view.Destroy()
				}
				return nil
			},
			done: make(chan error, 1),
		})
	}
	return cancel, nil
}

func (s *Server) notify() {
	for sub := range s.subs {
		if !sub.dirty {
			continue
		}
		sub.dirty = false
		sub.fn(sub.view.Rows())
	}
}

func (s *Server) closeSubscriptions() {
	for sub := range s.subs {
		sub.view.Destroy()
	}
	clear(s.subs)
}
