package ivm

import (
	"github.com/cespare/xxhash/v2"

	"github.com/roach88/lattice/internal/ir"
)

// joinIndex holds the rows of one side bucketed by the hash of their join
// key. Buckets keep the canonical key so hash collisions never match.
type joinIndex struct {
	field   string
	buckets map[uint64]map[string]*multiset
}

func newJoinIndex(field string) *joinIndex {
	return &joinIndex{field: field, buckets: make(map[uint64]map[string]*multiset)}
}

// joinKey returns the canonical key of r, or false when r cannot match.
func (ix *joinIndex) joinKey(r Row) (string, uint64, bool) {
	v := field(r, ix.field)
	if isNull(v) {
		return "", 0, false
	}
	k := ir.CanonicalString(v)
	return k, xxhash.Sum64String(k), true
}

func (ix *joinIndex) add(r Row, sign int) {
	k, h, ok := ix.joinKey(r)
	if !ok {
		return
	}
	bucket := ix.buckets[h]
	if bucket == nil {
		bucket = make(map[string]*multiset)
		ix.buckets[h] = bucket
	}
	rows := bucket[k]
	if rows == nil {
		rows = newMultiset()
		bucket[k] = rows
	}
	rows.add(r, sign)
	if rows.len() == 0 {
		delete(bucket, k)
		if len(bucket) == 0 {
			delete(ix.buckets, h)
		}
	}
}

func (ix *joinIndex) lookup(k string, h uint64) []Row {
	rows := ix.buckets[h][k]
	if rows == nil {
		return nil
	}
	return rows.all()
}

type join struct {
	outputs
	left, right node
	spec        Join
	leftIndex   *joinIndex
	rightIndex  *joinIndex

	// pending tracks the pairs of the delta being emitted, so Fetch during
	// emission reflects only the pairs delivered so far.
	pending *pendingPairs
}

type pendingPairs struct {
	row    Row
	from   Port
	sign   int
	others []Row
	next   int
}

// newJoin builds both indexes from the current upstream rows.
func newJoin(left, right node, spec Join) *join {
	j := &join{
		left:       left,
		right:      right,
		spec:       spec,
		leftIndex:  newJoinIndex(spec.LeftKey),
		rightIndex: newJoinIndex(spec.RightKey),
	}
	for _, r := range left.Fetch() {
		j.leftIndex.add(r, 1)
	}
	for _, r := range right.Fetch() {
		j.rightIndex.add(r, 1)
	}
	return j
}

func (j *join) pair(row, other Row, from Port) Row {
	if from == Left {
		return row.With(j.spec.As, other)
	}
	return other.With(j.spec.As, row)
}

// Push updates the index of the changed side first, then pairs the delta
// with the other side. For a self-join this yields dL*R + L'*dR, which is
// exactly the change in L*R.
func (j *join) Push(c Change, from Port) {
	own, other := j.leftIndex, j.rightIndex
	if from == Right {
		own, other = other, own
	}
	for _, d := range split(c) {
		own.add(d.row, d.sign)
		k, h, ok := own.joinKey(d.row)
		if !ok {
			continue
		}
		p := &pendingPairs{row: d.row, from: from, sign: d.sign, others: other.lookup(k, h)}
		j.pending = p
		for i, o := range p.others {
			p.next = i + 1
			j.emit(delta{row: j.pair(d.row, o, from), sign: d.sign}.change())
		}
		j.pending = nil
	}
}

// Fetch returns the join of both indexes as downstream has seen it so
// far. Outside of Push that is the full join. During Push the changed
// side's index already holds the whole delta row, but only the first
// p.next of its pairs have been emitted. A downstream operator that
// fetches from inside its own Push must not see the rest, or it would
// count them twice once they arrive. So the unsent pairs are undone: for
// an add they are removed from the result, one occurrence each since
// identical pairs may legitimately repeat; for a remove, which the index
// has already dropped, they are put back.
func (j *join) Fetch() []Row {
	var out []Row
	for h, bucket := range j.leftIndex.buckets {
		for k, lefts := range bucket {
			rights := j.rightIndex.lookup(k, h)
			if len(rights) == 0 {
				continue
			}
			for _, l := range lefts.all() {
				for _, r := range rights {
					out = append(out, j.pair(l, r, Left))
				}
			}
		}
	}

	p := j.pending
	if p == nil || p.next == len(p.others) {
		return out
	}
	unsent := newMultiset()
	for _, o := range p.others[p.next:] {
		unsent.add(j.pair(p.row, o, p.from), 1)
	}
	if p.sign < 0 {
		return append(out, unsent.all()...)
	}
	kept := out[:0]
	for _, r := range out {
		id := rowID(r)
		if unsent.counts[id] > 0 {
			unsent.add(r, -1)
			continue
		}
		kept = append(kept, r)
	}
	return kept
}
