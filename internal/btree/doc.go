// Package btree implements a persistent, copy-on-write B-tree stored in
// chunks.
//
// A tree is identified by the digest of its root node; the zero digest is
// the empty tree. Nodes are msgpack arrays [level, [[key, value]...]].
// Leaves (level 0) hold canonical JSON values. Internal nodes hold child
// digests, keyed by the largest key in the child.
//
// Writes never touch stored nodes. A Write keeps modified nodes in memory
// and Commit flushes only those, so every untouched subtree keeps its
// digest. Diff relies on this: two subtrees with the same digest are equal
// and are skipped without being read.
//
// Node sizes are bounded by Config. A node whose encoded size leaves
// [MinSize, MaxSize] is merged with a neighbour and the combined entries are
// re-partitioned.
package btree
