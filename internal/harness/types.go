package harness

import (
	"bytes"

	"github.com/roach88/lattice/internal/ir"
)

// TraceEvent records what one step did.
type TraceEvent struct {
	Seq    int64
	Op     string
	Client string
	// Detail holds the op-specific fields.
	Detail ir.Object
}

// Value flattens the event into one object.
func (e TraceEvent) Value() ir.Object {
	obj := ir.Object{"seq": ir.Int(e.Seq), "op": ir.String(e.Op)}
	if e.Client != "" {
		obj["client"] = ir.String(e.Client)
	}
	for k, v := range e.Detail {
		obj[k] = v
	}
	return obj
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true if every expectation held.
	Pass   bool
	Trace  []TraceEvent
	Errors []string
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError records a failed expectation.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// TraceJSON renders the trace as canonical JSON, one event per line.
func (r *Result) TraceJSON() ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range r.Trace {
		b, err := ir.MarshalCanonical(e.Value())
		if err != nil {
			return nil, err
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
