// Package ivm maintains query results incrementally.
//
// A Graph holds one Source per table. Materialize compiles a Query into a
// chain of operators ending in a View; changes pushed into a source flow
// synchronously through every operator that depends on it, and each View
// ends up equal to Evaluate run from scratch over the same rows.
//
// OPERATORS:
//
//	Source      rows keyed by primary key, fan-out to subscribers
//	Filter      drops rows failing a Condition, stateless
//	Project     keeps named fields, stateless
//	Join        inner equi-join, one hashed index per side
//	Aggregate   count/sum/min/max per group
//	OrderLimit  sorted window of at most Limit rows
//
// SHARING:
//
// Operators are keyed by the Fingerprint of the sub-query they compute. Two
// views over the same Filter of the same table share one Filter operator,
// and the operator is torn down when the last view using it is destroyed.
//
// A Graph is not safe for concurrent use. Callers push changes from the
// goroutine that commits the underlying store.
package ivm
