// Package ir provides the value model shared by every lattice package.
//
// Rows, mutation arguments, and B-tree values are all ir.Value trees. The
// package imports nothing internal, so it stays the foundational layer.
//
// Key design constraints:
//   - NO float types anywhere - use int64 for numbers (floats break digests)
//   - Canonical JSON is the only encoding used for content addressing
//   - Compare defines a total order over all values (null < bool < int <
//     string < array < object)
package ir
