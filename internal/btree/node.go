package btree

import (
	"bytes"
	"crypto/sha256"
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/roach88/lattice/internal/chunk"
)

// Size accounting is an estimate of the msgpack encoding, close enough to
// keep nodes within bounds.
const (
	nodeHeaderSize = 8
	entryOverhead  = 6

	// maxLevel caps tree height when decoding untrusted nodes.
	maxLevel = 64
)

type entry struct {
	key string

	// Leaf entries carry the canonical JSON value.
	value []byte

	// Internal entries carry the child digest, or the dirty child itself
	// before it has been flushed.
	child chunk.Digest
	node  *node

	size int
}

type node struct {
	level   int
	entries []entry

	// digest is zero until the node has been stored.
	digest chunk.Digest
}

func newLeafEntry(key string, value []byte) entry {
	return entry{key: key, value: value, size: len(key) + len(value) + entryOverhead}
}

func newChildEntry(n *node) entry {
	key := n.maxKey()
	e := entry{key: key, child: n.digest, size: len(key) + sha256.Size + entryOverhead}
	if n.dirty() {
		e.node = n
	}
	return e
}

func (n *node) isLeaf() bool { return n.level == 0 }

func (n *node) dirty() bool { return n.digest.IsZero() }

func (n *node) maxKey() string { return n.entries[len(n.entries)-1].key }

func (n *node) size() int {
	s := nodeHeaderSize
	for i := range n.entries {
		s += n.entries[i].size
	}
	return s
}

// lowerBound returns the index of the first entry with key >= key.
func (n *node) lowerBound(key string) int {
	return sort.Search(len(n.entries), func(i int) bool {
		return n.entries[i].key >= key
	})
}

type wireNode struct {
	_msgpack struct{} `msgpack:",as_array"`
	Level    int
	Entries  []wireEntry
}

type wireEntry struct {
	_msgpack struct{} `msgpack:",as_array"`
	Key      string
	Value    []byte
}

// encodeNode serializes a node whose children have all been flushed.
func encodeNode(n *node) ([]byte, []chunk.Digest, error) {
	w := wireNode{Level: n.level, Entries: make([]wireEntry, len(n.entries))}
	var refs []chunk.Digest
	for i, e := range n.entries {
		if n.isLeaf() {
			w.Entries[i] = wireEntry{Key: e.key, Value: e.value}
			continue
		}
		w.Entries[i] = wireEntry{Key: e.key, Value: append([]byte(nil), e.child[:]...)}
		refs = append(refs, e.child)
	}

	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	err := enc.Encode(&w)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), refs, nil
}

// decodeNode parses and validates a stored node.
func decodeNode(c chunk.Chunk) (*node, error) {
	var w wireNode
	if err := msgpack.Unmarshal(c.Payload, &w); err != nil {
		return nil, chunk.Corruptf(c.Digest, err, "decode node")
	}
	if w.Level < 0 || w.Level > maxLevel {
		return nil, chunk.Corruptf(c.Digest, nil, "node level %d out of range", w.Level)
	}
	if w.Level > 0 && len(w.Entries) == 0 {
		return nil, chunk.Corruptf(c.Digest, nil, "empty internal node")
	}

	refs := make(map[chunk.Digest]bool, len(c.Refs))
	for _, r := range c.Refs {
		refs[r] = true
	}

	n := &node{level: w.Level, entries: make([]entry, len(w.Entries)), digest: c.Digest}
	for i, we := range w.Entries {
		if i > 0 && we.Key <= w.Entries[i-1].Key {
			return nil, chunk.Corruptf(c.Digest, nil, "keys out of order at %q", we.Key)
		}
		if w.Level == 0 {
			n.entries[i] = newLeafEntry(we.Key, we.Value)
			continue
		}
		d, err := chunk.FromBytes(we.Value)
		if err != nil {
			return nil, chunk.Corruptf(c.Digest, err, "child of %q", we.Key)
		}
		if !refs[d] {
			return nil, chunk.Corruptf(c.Digest, nil, "child %s missing from refs", d.Short())
		}
		n.entries[i] = entry{key: we.Key, child: d, size: len(we.Key) + sha256.Size + entryOverhead}
	}
	return n, nil
}

// partition splits entries into runs whose summed sizes fall in [lo, hi]
// where possible. An entry of at least hi stands alone. A short trailing run
// joins the previous one if that stays within hi.
func partition(entries []entry, lo, hi int) [][]entry {
	var (
		parts [][]entry
		sizes []int
		sum   int
		accum []entry
	)
	for _, e := range entries {
		switch {
		case e.size >= hi:
			if len(accum) > 0 {
				parts = append(parts, accum)
				sizes = append(sizes, sum)
			}
			parts = append(parts, []entry{e})
			sizes = append(sizes, e.size)
			sum, accum = 0, nil
		case sum+e.size >= lo:
			accum = append(accum, e)
			parts = append(parts, accum)
			sizes = append(sizes, sum+e.size)
			sum, accum = 0, nil
		default:
			sum += e.size
			accum = append(accum, e)
		}
	}
	if len(accum) > 0 {
		if len(sizes) > 0 && sum+sizes[len(sizes)-1] <= hi {
			parts[len(parts)-1] = append(parts[len(parts)-1], accum...)
		} else {
			parts = append(parts, accum)
		}
	}
	return parts
}
