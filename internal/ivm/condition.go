package ivm

import (
	"strings"

	"github.com/roach88/lattice/internal/ir"
)

// field reads a possibly dotted path, treating missing as null.
func field(r Row, path string) ir.Value {
	if v, ok := r[path]; ok {
		return v
	}
	if strings.Contains(path, ".") {
		if v, ok := r.Get(path); ok {
			return v
		}
	}
	return ir.Null{}
}

func isNull(v ir.Value) bool {
	_, ok := v.(ir.Null)
	return ok
}

// match evaluates c against r.
func match(c Condition, r Row) bool {
	switch c := c.(type) {
	case Compare:
		return compare(c, r)
	case And:
		for _, sub := range c.Conditions {
			if !match(sub, r) {
				return false
			}
		}
		return true
	case Or:
		for _, sub := range c.Conditions {
			if match(sub, r) {
				return true
			}
		}
		return false
	}
	return false
}

func compare(c Compare, r Row) bool {
	v := field(r, c.Field)
	switch c.Op {
	case Eq:
		return ir.Equal(v, c.Value)
	case Ne:
		return !ir.Equal(v, c.Value)
	}
	if isNull(v) || isNull(c.Value) {
		return false
	}
	cmp := ir.Compare(v, c.Value)
	switch c.Op {
	case Lt:
		return cmp < 0
	case Le:
		return cmp <= 0
	case Gt:
		return cmp > 0
	case Ge:
		return cmp >= 0
	}
	return false
}

// project keeps fields of r.
func project(fields []string, r Row) Row {
	out := make(Row, len(fields))
	for _, f := range fields {
		if hasField(r, f) {
			out[f] = field(r, f)
		}
	}
	return out
}

func hasField(r Row, path string) bool {
	if _, ok := r[path]; ok {
		return true
	}
	_, ok := r.Get(path)
	return ok
}
