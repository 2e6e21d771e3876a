package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/lattice/internal/btree"
	"github.com/roach88/lattice/internal/chunk"
	"github.com/roach88/lattice/internal/client"
	"github.com/roach88/lattice/internal/ir"
	"github.com/roach88/lattice/internal/ivm"
	"github.com/roach88/lattice/internal/mutator"
	"github.com/roach88/lattice/internal/protocol"
	"github.com/roach88/lattice/internal/server"
	"github.com/roach88/lattice/internal/testutil"
)

// ErrRowExists is returned by insertRow for a row that is already stored.
var ErrRowExists = errors.New("row already exists")

// errPushLimit stops a limited push once its quota is spent.
var errPushLimit = errors.New("push limit reached")

// Mutators returns the registry scenarios run with: the row mutators,
// insertRow, which refuses to overwrite a row, and fail, which always
// fails.
func Mutators() mutator.Registry {
	return mutator.Merge(mutator.Rows("id"), mutator.Registry{
		"insertRow": func(ctx context.Context, tx *mutator.WriteTx, args ir.Value) error {
			a, ok := args.(ir.Object)
			if !ok {
				return errors.New("insertRow: args must be an object")
			}
			table, _ := a["table"].(ir.String)
			row, ok := a["row"].(ir.Object)
			if table == "" || !ok {
				return errors.New("insertRow: table and row are required")
			}
			key := ivm.RowKey(string(table), row["id"])
			exists, err := tx.Has(ctx, key)
			if err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("insertRow %s: %w", key, ErrRowExists)
			}
			return tx.Put(ctx, key, row)
		},
		"fail": func(context.Context, *mutator.WriteTx, ir.Value) error {
			return errors.New("fail: always fails")
		},
	})
}

// Harness holds the server and clients of one scenario run.
type Harness struct {
	scenario *Scenario
	logger   *slog.Logger
	clock    *testutil.ManualClock

	srv  *server.Server
	stop func()

	stores   map[string]*chunk.Store
	specs    map[string]ClientSpec
	clients  map[string]*client.Client
	receipts map[string]map[uint64]*client.Receipt
	outcomes map[string]map[uint64]string

	seq    int64
	result *Result
}

// Run executes scenario on a fresh in-memory server and returns the
// trace. Unmet expectations are collected in the result; an error means
// a step could not run at all.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness(ctx, scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	for i, st := range scenario.Steps {
		if err := h.step(ctx, i, st); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return h.result, nil
}

func newHarness(ctx context.Context, s *Scenario) (*Harness, error) {
	h := &Harness{
		scenario: s,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:    testutil.NewManualClock(time.Millisecond),
		stores:   make(map[string]*chunk.Store),
		specs:    make(map[string]ClientSpec),
		clients:  make(map[string]*client.Client),
		receipts: make(map[string]map[uint64]*client.Receipt),
		outcomes: make(map[string]map[uint64]string),
		result:   NewResult(),
	}

	cfg := server.DefaultConfig()
	if !s.Server.IsZero() {
		if err := s.Server.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("server config: %w", err)
		}
	}
	cfg.Tables = s.Tables
	tree, err := btree.New(chunk.NewMemoryStore(chunk.WithLogger(h.logger)), btree.WithLogger(h.logger))
	if err != nil {
		return nil, err
	}
	h.srv, err = server.Open(ctx, tree, Mutators(), server.WithConfig(cfg), server.WithLogger(h.logger),
		server.WithConnectionIDs(testutil.NewIDSequence("conn").Next))
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.srv.Run(sctx)
	}()
	h.stop = func() {
		cancel()
		<-done
	}

	for _, spec := range s.Clients {
		h.specs[spec.ID] = spec
		if err := h.open(ctx, spec.ID); err != nil {
			h.close()
			return nil, err
		}
	}
	return h, nil
}

func (h *Harness) open(ctx context.Context, id string) error {
	spec := h.specs[id]
	store, ok := h.stores[spec.StoreName()]
	if !ok {
		store = chunk.NewMemoryStore(chunk.WithLogger(h.logger))
		h.stores[spec.StoreName()] = store
	}
	tree, err := btree.New(store, btree.WithLogger(h.logger))
	if err != nil {
		return err
	}
	cfg := client.DefaultConfig()
	cfg.Tables = h.scenario.Tables
	c, err := client.Open(ctx, tree, Mutators(),
		client.WithConfig(cfg),
		client.WithLogger(h.logger),
		client.WithClientGroupID(spec.Group),
		client.WithClientID(spec.ID),
		client.WithClock(h.clock.Now),
	)
	if err != nil {
		return fmt.Errorf("open client %s: %w", id, err)
	}
	h.clients[id] = c
	h.receipts[id] = make(map[uint64]*client.Receipt)
	if h.outcomes[id] == nil {
		h.outcomes[id] = make(map[uint64]string)
	}
	return nil
}

func (h *Harness) close() {
	for _, c := range h.clients {
		c.Close()
	}
	h.stop()
}

func (h *Harness) trace(op, clientID string, detail ir.Object) {
	h.seq++
	h.result.Trace = append(h.result.Trace, TraceEvent{Seq: h.seq, Op: op, Client: clientID, Detail: detail})
}

func (h *Harness) step(ctx context.Context, i int, st Step) error {
	switch {
	case st.Mutate != nil:
		return h.mutate(ctx, i, st.Mutate)
	case st.Push != nil:
		return h.push(ctx, st.Push)
	case st.Pull != nil:
		return h.pull(ctx, st.Pull.Client)
	case st.Ingest != nil:
		return h.ingest(ctx, st.Ingest)
	case st.Restart != nil:
		return h.restart(ctx, st.Restart.Client)
	case st.Expect != nil:
		for _, msg := range h.check(ctx, st.Expect) {
			h.result.AddError(fmt.Sprintf("steps[%d] expect %s: %s", i, target(st.Expect), msg))
		}
	}
	return nil
}

// mutate runs a mutator on a client. A refusal by the mutator is part of
// the scenario: it is traced, and it only counts as a failure when the
// step did not expect it. Any other error aborts the run.
func (h *Harness) mutate(ctx context.Context, i int, m *MutateStep) error {
	args, err := ir.FromGo(m.Args)
	if err != nil {
		return fmt.Errorf("mutate args: %w", err)
	}
	c := h.clients[m.Client]
	r, err := c.Mutate(ctx, m.Name, args)
	if client.IsMutationRejected(err) {
		if !m.ExpectError {
			h.result.AddError(fmt.Sprintf("steps[%d] mutate %s: %v", i, m.Name, err))
		}
		h.trace("mutate", m.Client, ir.Object{"name": ir.String(m.Name), "rejected": ir.Bool(true)})
		return nil
	}
	if err != nil {
		return err
	}
	if m.ExpectError {
		h.result.AddError(fmt.Sprintf("steps[%d] mutate %s: expected the mutator to refuse", i, m.Name))
	}
	h.receipts[m.Client][r.ID] = r
	h.trace("mutate", m.Client, ir.Object{"name": ir.String(m.Name), "id": ir.Int(r.ID)})
	return nil
}

// recorder is the Remote a client syncs through. It caps how many
// mutations reach the server and remembers what crossed.
//
// With a limit, the first Push calls forward mutations until limit of them
// have reached the server, truncating the batch that crosses the line.
// Every later Push fails with errPushLimit, which the push step treats as
// the end of the step, so the client keeps the rest pending as it would
// after losing the connection. Pull records whether the server answered
// with StaleCookie, since the client retries such a pull from scratch
// and the trace would otherwise only show the reset.
type recorder struct {
	srv   *server.Server
	limit int

	sent     ir.Array
	rejected ir.Array
	pulls    []protocol.PullResponse
	stale    bool
}

func (r *recorder) Push(ctx context.Context, req protocol.PushRequest) (protocol.PushResponse, error) {
	if r.limit > 0 {
		if len(r.sent) >= r.limit {
			return protocol.PushResponse{}, errPushLimit
		}
		req.Mutations = req.Mutations[:min(len(req.Mutations), r.limit-len(r.sent))]
	}
	resp, err := r.srv.Push(ctx, req)
	if err != nil {
		return resp, err
	}
	for _, m := range req.Mutations {
		r.sent = append(r.sent, ir.String(fmt.Sprintf("%s/%d %s", m.ClientID, m.ID, m.Name)))
	}
	for _, f := range resp.Errors {
		r.rejected = append(r.rejected, ir.String(fmt.Sprintf("%s/%d", f.ClientID, f.ID)))
	}
	return resp, nil
}

func (r *recorder) Pull(ctx context.Context, req protocol.PullRequest) (protocol.PullResponse, error) {
	resp, err := r.srv.Pull(ctx, req)
	if protocol.IsStaleCookie(err) {
		r.stale = true
	}
	if err == nil {
		r.pulls = append(r.pulls, resp)
	}
	return resp, err
}

func (h *Harness) push(ctx context.Context, p *PushStep) error {
	rec := &recorder{srv: h.srv, limit: p.Limit}
	err := h.clients[p.Client].Push(ctx, rec)
	if err != nil && !errors.Is(err, errPushLimit) {
		return err
	}
	detail := ir.Object{"sent": orEmpty(rec.sent)}
	if len(rec.rejected) > 0 {
		detail["rejected"] = rec.rejected
	}
	h.trace("push", p.Client, detail)
	return nil
}

func (h *Harness) pull(ctx context.Context, id string) error {
	c := h.clients[id]
	rec := &recorder{srv: h.srv}
	if err := c.Pull(ctx, rec); err != nil {
		return err
	}
	resp := rec.pulls[len(rec.pulls)-1]
	lmids := ir.Object{}
	for k, v := range resp.LastMutationIDs {
		lmids[k] = ir.Int(v)
	}
	detail := ir.Object{
		"cookie": ir.String(resp.Cookie),
		"reset":  ir.Bool(resp.IsReset()),
		"ops":    ir.Int(len(resp.Patch)),
		"lmids":  lmids,
	}
	if rec.stale {
		detail["stale"] = ir.Bool(true)
	}
	pending, err := h.pendingIDs(ctx, c)
	if err != nil {
		return err
	}
	detail["pending"] = pending
	h.trace("pull", id, detail)
	return nil
}

func (h *Harness) ingest(ctx context.Context, in *IngestStep) error {
	batch := server.ReplicationBatch{Version: in.Version}
	for _, ch := range in.Changes {
		row, err := ir.FromGo(ch.Row)
		if err != nil {
			return fmt.Errorf("ingest row: %w", err)
		}
		batch.Changes = append(batch.Changes, server.RowChange{Table: ch.Table, Op: server.RowOp(ch.Op), Row: row.(ir.Object)})
	}
	if err := h.srv.Ingest(ctx, batch); err != nil {
		return err
	}
	h.trace("ingest", "", ir.Object{"version": ir.Int(in.Version), "cookie": ir.String(h.srv.Cookie())})
	return nil
}

func (h *Harness) restart(ctx context.Context, id string) error {
	for rid := range h.receipts[id] {
		h.outcome(id, rid)
	}
	if err := h.clients[id].Close(); err != nil {
		return err
	}
	if err := h.open(ctx, id); err != nil {
		return err
	}
	pending, err := h.pendingIDs(ctx, h.clients[id])
	if err != nil {
		return err
	}
	h.trace("restart", id, ir.Object{"pending": pending})
	return nil
}

// outcome settles what is known about a receipt. Receipts do not survive
// a restart; their last known outcome is kept.
func (h *Harness) outcome(clientID string, id uint64) string {
	if o, ok := h.outcomes[clientID][id]; ok && o != OutcomePending {
		return o
	}
	r, ok := h.receipts[clientID][id]
	if !ok {
		if o, ok := h.outcomes[clientID][id]; ok {
			return o
		}
		return ""
	}
	o := OutcomePending
	select {
	case err := <-r.Done():
		o = OutcomeAcked
		if err != nil {
			o = OutcomeRejected
		}
		delete(h.receipts[clientID], id)
	default:
	}
	h.outcomes[clientID][id] = o
	return o
}

func (h *Harness) pendingIDs(ctx context.Context, c *client.Client) (ir.Array, error) {
	ms, err := c.Pending(ctx)
	if err != nil {
		return nil, err
	}
	out := ir.Array{}
	for _, m := range ms {
		out = append(out, ir.Int(m.ID))
	}
	return out, nil
}

func orEmpty(a ir.Array) ir.Array {
	if a == nil {
		return ir.Array{}
	}
	return a
}

func target(e *Expect) string {
	if e.Client == "" {
		return "server"
	}
	return e.Client
}
