package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/lattice/internal/ir"
)

// Message type names used in envelopes.
const (
	TypeConnect      = "connect"
	TypeConnected    = "connected"
	TypePush         = "push"
	TypePushResponse = "pushResponse"
	TypePull         = "pull"
	TypePullResponse = "pullResponse"
	TypePoke         = "poke"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
)

// Message is a protocol message. The set of implementations is closed.
type Message interface {
	// Type returns the envelope type name.
	Type() string

	// Validate reports the first structural problem, if any.
	Validate() error

	message()
}

// Cookie is an opaque sync position issued by the server. The empty cookie
// means "no position" and encodes as JSON null.
type Cookie string

// MarshalJSON encodes the empty cookie as null.
func (c Cookie) MarshalJSON() ([]byte, error) {
	if c == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(c))
}

// UnmarshalJSON accepts null or a string.
func (c *Cookie) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("cookie: %w", err)
	}
	*c = Cookie(s)
	return nil
}

// SkipName is the name of a placeholder for a mutation its client dropped.
// The server consumes its id without running a mutator.
const SkipName = "$skip"

// Mutation is one client write, named after the mutator that applies it.
type Mutation struct {
	ID        uint64
	ClientID  string
	Name      string
	Args      ir.Value
	Timestamp int64 // unix milliseconds
}

type mutationJSON struct {
	ID        uint64    `json:"id"`
	ClientID  string    `json:"clientID"`
	Name      string    `json:"name"`
	Args      jsonValue `json:"args"`
	Timestamp int64     `json:"timestamp"`
}

func (m Mutation) MarshalJSON() ([]byte, error) {
	return json.Marshal(mutationJSON{
		ID:        m.ID,
		ClientID:  m.ClientID,
		Name:      m.Name,
		Args:      jsonValue{m.Args},
		Timestamp: m.Timestamp,
	})
}

func (m *Mutation) UnmarshalJSON(data []byte) error {
	var w mutationJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Mutation{ID: w.ID, ClientID: w.ClientID, Name: w.Name, Args: w.Args.orNull(), Timestamp: w.Timestamp}
	return nil
}

// Validate checks the fields every mutation needs.
func (m Mutation) Validate() error {
	switch {
	case m.ID == 0:
		return errors.New("mutation id must be positive")
	case m.ClientID == "":
		return fmt.Errorf("mutation %d: clientID is required", m.ID)
	case m.Name == "":
		return fmt.Errorf("mutation %d: name is required", m.ID)
	case m.Args == nil:
		return fmt.Errorf("mutation %d: args is required", m.ID)
	}
	return nil
}

// PatchKind is the operation of one patch entry.
type PatchKind string

const (
	PatchPut   PatchKind = "put"
	PatchDel   PatchKind = "del"
	PatchClear PatchKind = "clear"
)

// PatchOp is one row-level change in a pull response or poke.
type PatchOp struct {
	Op    PatchKind
	Key   string
	Value ir.Value // put only
}

type patchOpJSON struct {
	Op    PatchKind  `json:"op"`
	Key   string     `json:"key,omitempty"`
	Value *jsonValue `json:"value,omitempty"`
}

func (p PatchOp) MarshalJSON() ([]byte, error) {
	w := patchOpJSON{Op: p.Op, Key: p.Key}
	if p.Op == PatchPut {
		w.Value = &jsonValue{p.Value}
	}
	return json.Marshal(w)
}

func (p *PatchOp) UnmarshalJSON(data []byte) error {
	var w patchOpJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = PatchOp{Op: w.Op, Key: w.Key}
	if w.Value != nil {
		p.Value = w.Value.orNull()
	}
	return nil
}

// Put returns a put patch op.
func Put(key string, v ir.Value) PatchOp { return PatchOp{Op: PatchPut, Key: key, Value: v} }

// Del returns a del patch op.
func Del(key string) PatchOp { return PatchOp{Op: PatchDel, Key: key} }

// Clear returns a clear patch op.
func Clear() PatchOp { return PatchOp{Op: PatchClear} }

// Connect opens a session on a persistent connection.
type Connect struct {
	ClientGroupID string `json:"clientGroupID"`
	ClientID      string `json:"clientID"`
	Token         string `json:"token,omitempty"`
}

func (Connect) Type() string { return TypeConnect }
func (Connect) message()     {}

func (m Connect) Validate() error {
	if m.ClientGroupID == "" || m.ClientID == "" {
		return errors.New("connect: clientGroupID and clientID are required")
	}
	return nil
}

// Connected acknowledges Connect.
type Connected struct {
	ConnectionID string `json:"connectionID"`
}

func (Connected) Type() string { return TypeConnected }
func (Connected) message()     {}

func (m Connected) Validate() error {
	if m.ConnectionID == "" {
		return errors.New("connected: connectionID is required")
	}
	return nil
}

// PushRequest carries pending mutations for a client group.
type PushRequest struct {
	ClientGroupID string     `json:"clientGroupID"`
	Mutations     []Mutation `json:"mutations"`
	PushVersion   int        `json:"pushVersion"`
}

// PushVersion is the push format this package speaks.
const PushVersion = 1

func (PushRequest) Type() string { return TypePush }
func (PushRequest) message()     {}

// Validate also checks that each client's ids are strictly increasing
// within the request.
func (m PushRequest) Validate() error {
	if m.ClientGroupID == "" {
		return errors.New("push: clientGroupID is required")
	}
	if m.PushVersion != PushVersion {
		return fmt.Errorf("push: unsupported pushVersion %d", m.PushVersion)
	}
	last := make(map[string]uint64)
	for i, mut := range m.Mutations {
		if err := mut.Validate(); err != nil {
			return fmt.Errorf("push: mutation[%d]: %w", i, err)
		}
		if mut.ID <= last[mut.ClientID] {
			return fmt.Errorf("push: mutation[%d]: id %d not after %d for client %s",
				i, mut.ID, last[mut.ClientID], mut.ClientID)
		}
		last[mut.ClientID] = mut.ID
	}
	return nil
}

// MutationFailure reports a mutation the server consumed without applying.
type MutationFailure struct {
	ClientID string `json:"clientID"`
	ID       uint64 `json:"id"`
	Message  string `json:"message"`
}

// PushResponse lists mutations whose mutator failed on the server.
type PushResponse struct {
	Errors []MutationFailure `json:"errors,omitempty"`
}

func (PushResponse) Type() string { return TypePushResponse }
func (PushResponse) message()     {}
func (PushResponse) Validate() error {
	return nil
}

// PullRequest asks for a patch from Cookie to the server's current state.
type PullRequest struct {
	ClientGroupID   string            `json:"clientGroupID"`
	ClientID        string            `json:"clientID"`
	Cookie          Cookie            `json:"cookie"`
	LastMutationIDs map[string]uint64 `json:"lastMutationIDPerClient"`
}

func (PullRequest) Type() string { return TypePull }
func (PullRequest) message()     {}

func (m PullRequest) Validate() error {
	if m.ClientGroupID == "" || m.ClientID == "" {
		return errors.New("pull: clientGroupID and clientID are required")
	}
	return nil
}

// PullResponse moves a client from BaseCookie to Cookie.
// An empty BaseCookie marks a full reset, whose patch starts with clear.
type PullResponse struct {
	BaseCookie      Cookie            `json:"baseCookie"`
	Cookie          Cookie            `json:"cookie"`
	LastMutationIDs map[string]uint64 `json:"lastMutationIDPerClient"`
	Patch           []PatchOp         `json:"patch"`
}

func (PullResponse) Type() string { return TypePullResponse }
func (PullResponse) message()     {}

func (m PullResponse) Validate() error {
	if m.Cookie == "" {
		return errors.New("cookie is required")
	}
	for i, op := range m.Patch {
		switch op.Op {
		case PatchPut:
			if op.Key == "" || op.Value == nil {
				return fmt.Errorf("patch[%d]: put needs key and value", i)
			}
		case PatchDel:
			if op.Key == "" {
				return fmt.Errorf("patch[%d]: del needs a key", i)
			}
		case PatchClear:
			if i != 0 {
				return fmt.Errorf("patch[%d]: clear must be the first op", i)
			}
		default:
			return fmt.Errorf("patch[%d]: unknown op %q", i, op.Op)
		}
	}
	if m.BaseCookie == "" && !m.IsReset() {
		return errors.New("response without baseCookie must start with clear")
	}
	return nil
}

// IsReset reports whether the patch replaces the client's state.
func (m PullResponse) IsReset() bool {
	return len(m.Patch) > 0 && m.Patch[0].Op == PatchClear
}

// Poke is an unsolicited PullResponse pushed after a server commit.
type Poke struct {
	PullResponse
}

func (Poke) Type() string { return TypePoke }

// Ping asks the peer for a Pong.
type Ping struct{}

func (Ping) Type() string    { return TypePing }
func (Ping) message()        {}
func (Ping) Validate() error { return nil }

// Pong answers Ping.
type Pong struct{}

func (Pong) Type() string    { return TypePong }
func (Pong) message()        {}
func (Pong) Validate() error { return nil }

func (*Error) Type() string { return TypeError }
func (*Error) message()     {}

func (e *Error) Validate() error {
	if !validKinds[e.Kind] {
		return fmt.Errorf("error: unknown kind %q", e.Kind)
	}
	return nil
}

// jsonValue moves an ir.Value through encoding/json.
type jsonValue struct {
	ir.Value
}

func (v jsonValue) MarshalJSON() ([]byte, error) {
	if v.Value == nil {
		return []byte("null"), nil
	}
	return ir.MarshalCanonical(v.Value)
}

func (v *jsonValue) UnmarshalJSON(data []byte) error {
	val, err := ir.Decode(data)
	if err != nil {
		return err
	}
	v.Value = val
	return nil
}

func (v jsonValue) orNull() ir.Value {
	if v.Value == nil {
		return ir.Null{}
	}
	return v.Value
}
