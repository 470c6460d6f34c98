// Package memory holds the document corpus that backs the retrieval provider.
//
// Documents live in namespaces (one per retrieval tool by default). The
// in-memory Store is process local and safe for concurrent use; search is a
// case-insensitive substring match ranked by the number of query terms a
// document contains.
package memory
