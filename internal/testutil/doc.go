// Package testutil contains helper builders used across tests to reduce
// boilerplate when constructing snapshots, agents, tools and decisions. They
// are not intended for production usage.
package testutil
