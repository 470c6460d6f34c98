// Package graph is the immutable in-memory model of a compiled agent network.
//
// A Snapshot holds agents, tools, routes and parameter schemas. It is built
// once with New (or decoded with Load), validated against the network
// invariants and then shared read-only by any number of concurrent runs.
// Lookup misses are KindConfiguration errors: they mean the snapshot is
// inconsistent, not that something transient went wrong.
package graph
