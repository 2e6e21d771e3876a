// Package server is the authoritative side of sync.
//
// A single Run loop owns all state changes: it processes pushes, serves
// pulls, ingests replication batches and fans out pokes, one task at a
// time. Public methods enqueue a task and wait for its result, so they are
// safe from any goroutine.
//
// Each commit produces a new version. The commit record lives at the head
// "server/main", and the last HistorySize versions are kept as heads
// "server/v/<version>" so pulls and pokes can diff from any recent cookie.
// A cookie older than the window is answered with StaleCookie.
//
// Mutations are applied strictly in order per client. A mutation whose
// mutator fails is still consumed: its writes are discarded, the client's
// last mutation id advances, and the failure is listed in the push
// response.
package server
