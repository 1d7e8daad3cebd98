// Package cluster defines the boundary to the distributed-computing client
// that executes task callables, along with the domain types exchanged between
// the task runner and cluster implementations. The runner treats the client
// as an opaque collaborator exposing submit/future semantics.
package cluster
