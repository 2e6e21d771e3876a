package btree

import (
	"context"
	"iter"
	"strings"
)

// KeyRange selects keys for Scan. The zero value selects every key.
type KeyRange struct {
	// Start is the first key visited. Scans restart from any key by
	// passing the last key seen with Exclusive set.
	Start     string
	Exclusive bool

	// End, if set, stops the scan before End.
	End string

	// Prefix, if set, limits the scan to keys with this prefix.
	Prefix string
}

// Prefix returns a range over every key starting with p.
func Prefix(p string) KeyRange {
	return KeyRange{Prefix: p}
}

func (r KeyRange) lower() string {
	if r.Prefix > r.Start {
		return r.Prefix
	}
	return r.Start
}

func (r KeyRange) past(key string) bool {
	if r.End != "" && key >= r.End {
		return true
	}
	return r.Prefix != "" && !strings.HasPrefix(key, r.Prefix)
}

func (t *Tree) scanSeq(ctx context.Context, root *node, rng KeyRange) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		t.scan(ctx, root, rng, yield)
	}
}

// scan visits n in order and returns false once iteration must stop.
func (t *Tree) scan(ctx context.Context, n *node, rng KeyRange, yield func(Entry, error) bool) bool {
	if err := ctx.Err(); err != nil {
		yield(Entry{}, err)
		return false
	}
	lower := rng.lower()
	for i := n.lowerBound(lower); i < len(n.entries); i++ {
		e := n.entries[i]
		if !n.isLeaf() {
			child, err := t.child(ctx, n, i)
			if err != nil {
				yield(Entry{}, err)
				return false
			}
			if !t.scan(ctx, child, rng, yield) {
				return false
			}
			continue
		}
		if rng.Exclusive && e.key == rng.Start {
			continue
		}
		if rng.past(e.key) {
			return false
		}
		v, err := decodeValue(n, e.key, e.value)
		if err != nil {
			yield(Entry{}, err)
			return false
		}
		if !yield(Entry{Key: e.key, Value: v}, nil) {
			return false
		}
	}
	return true
}
