// Package client is a local replica of a client group's data.
//
// A Client owns three kinds of heads in its chunk store:
//
//	sync/<group>/snapshot   the last server state applied (commit.Snapshot)
//	sync/<group>/main       the snapshot plus pending mutations (commit.Local)
//	log/<client>            the client's pending mutations (mutlog)
//
// Mutate runs a mutator against main, appends the mutation to the log and
// moves main. Pull responses and pokes are applied to the snapshot; the
// acknowledged mutations are pruned and the rest are replayed on top to
// form the new main (rebase). Every change to main is diffed and fed to
// the client's IVM graph, which keeps subscribed views current.
//
// Several clients of one group may share a store. They register under
// sync/<group>/client/<client>, rebase each other's pending mutations, and
// elect one of them to own the network connection through the lease head
// lease/<group>.
package client
