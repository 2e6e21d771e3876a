package ivm

import (
	"fmt"
	"log/slog"
)

// Source holds the rows of one table, keyed by primary key.
type Source struct {
	outputs
	table  string
	pk     string
	rows   map[string]Row
	logger *slog.Logger
}

func newSource(table, pk string, logger *slog.Logger) *Source {
	return &Source{table: table, pk: pk, rows: make(map[string]Row), logger: logger}
}

// Table returns the table name.
func (s *Source) Table() string { return s.table }

func (s *Source) key(r Row) (string, error) {
	v := field(r, s.pk)
	if isNull(v) {
		return "", fmt.Errorf("%s: row has no primary key %q", s.table, s.pk)
	}
	return rowID(Row{"k": v}), nil
}

// Apply validates c against the stored rows, updates them, and forwards
// the change. Adding an existing key becomes an Edit; removing a missing
// key is an error.
func (s *Source) Apply(c Change) error {
	switch c.Kind {
	case Add:
		k, err := s.key(c.Row)
		if err != nil {
			return err
		}
		if old, ok := s.rows[k]; ok {
			return s.Apply(Change{Kind: Edit, Old: old, Row: c.Row})
		}
		s.rows[k] = c.Row
	case Remove:
		k, err := s.key(c.Row)
		if err != nil {
			return err
		}
		old, ok := s.rows[k]
		if !ok {
			return fmt.Errorf("%s: remove of missing row %s", s.table, k)
		}
		delete(s.rows, k)
		c = Change{Kind: Remove, Row: old}
	case Edit:
		oldKey, err := s.key(c.Old)
		if err != nil {
			return err
		}
		newKey, err := s.key(c.Row)
		if err != nil {
			return err
		}
		old, ok := s.rows[oldKey]
		if !ok {
			return fmt.Errorf("%s: edit of missing row %s", s.table, oldKey)
		}
		if rowID(old) == rowID(c.Row) {
			return nil
		}
		if oldKey != newKey {
			if _, taken := s.rows[newKey]; taken {
				return fmt.Errorf("%s: edit moves %s onto existing row %s", s.table, oldKey, newKey)
			}
		}
		delete(s.rows, oldKey)
		s.rows[newKey] = c.Row
		c = Change{Kind: Edit, Old: old, Row: c.Row}
	default:
		return fmt.Errorf("%s: unknown change kind %v", s.table, c.Kind)
	}
	s.emit(c)
	return nil
}

// Push applies c, logging rejected changes.
func (s *Source) Push(c Change, _ Port) {
	if err := s.Apply(c); err != nil {
		s.logger.Warn("source dropped change", "table", s.table, "error", err)
	}
}

func (s *Source) Fetch() []Row {
	out := make([]Row, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r)
	}
	return out
}

// Len returns the number of rows.
func (s *Source) Len() int { return len(s.rows) }

type filter struct {
	outputs
	input node
	where Condition
}

func newFilter(input node, where Condition) *filter {
	return &filter{input: input, where: where}
}

func (f *filter) Push(c Change, _ Port) {
	switch c.Kind {
	case Add, Remove:
		if match(f.where, c.Row) {
			f.emit(c)
		}
	case Edit:
		wasIn, isIn := match(f.where, c.Old), match(f.where, c.Row)
		switch {
		case wasIn && isIn:
			f.emit(c)
		case wasIn:
			f.emit(Change{Kind: Remove, Row: c.Old})
		case isIn:
			f.emit(Change{Kind: Add, Row: c.Row})
		}
	}
}

func (f *filter) Fetch() []Row {
	var out []Row
	for _, r := range f.input.Fetch() {
		if match(f.where, r) {
			out = append(out, r)
		}
	}
	return out
}

type projection struct {
	outputs
	input  node
	fields []string
}

func newProjection(input node, fields []string) *projection {
	return &projection{input: input, fields: fields}
}

func (p *projection) Push(c Change, _ Port) {
	switch c.Kind {
	case Add, Remove:
		p.emit(Change{Kind: c.Kind, Row: project(p.fields, c.Row)})
	case Edit:
		oldRow, newRow := project(p.fields, c.Old), project(p.fields, c.Row)
		if rowID(oldRow) == rowID(newRow) {
			return
		}
		p.emit(Change{Kind: Edit, Old: oldRow, Row: newRow})
	}
}

func (p *projection) Fetch() []Row {
	in := p.input.Fetch()
	out := make([]Row, len(in))
	for i, r := range in {
		out[i] = project(p.fields, r)
	}
	return out
}
