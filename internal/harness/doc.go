// Package harness runs sync scenarios against an in-memory server and
// clients.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: partial_ack
//	description: "The server acknowledges part of the queue"
//	tables: { todo: id }
//	server: { history_size: 4 }
//	clients:
//	  - { id: c1, group: g1 }
//	  - { id: c2, group: g1, store: c1 }
//	steps:
//	  - mutate: { client: c1, name: putRow, args: { table: todo, row: { id: a } } }
//	  - push: { client: c1, limit: 1 }
//	  - pull: { client: c1 }
//	  - ingest: { version: 1, changes: [ { table: todo, op: add, row: { id: z } } ] }
//	  - restart: { client: c1 }
//	  - expect:
//	      client: c1
//	      pending: [2]
//	      rows: { todo/a: { id: a } }
//
// Clients naming the same store share one chunk store and so one local
// state. An expect step without a client checks the server.
//
// # Steps
//
//   - mutate: runs a mutator on the client; expect_error marks a mutation
//     the mutator is expected to refuse
//   - push: sends the group's pending mutations, at most limit of them
//   - pull: applies the server's patch, resyncing on a stale cookie
//   - ingest: feeds a replication batch to the server
//   - restart: closes the client and reopens it on its store
//   - expect: compares rows, pending ids, cookie, acknowledged ids and
//     receipt outcomes
//
// # Determinism
//
// Every client reads one manual clock and uses the ids given in the
// scenario, so a run always produces the same trace. RunWithGolden
// compares the trace with testdata/golden/<name>.golden.
package harness
