// Package durable defines the contract between the message store and the
// transactional object store underneath it.
//
// An object store hands out opaque [Token] handles for records and lists in
// one of two stores:
//
//   - [Permanent]: content survives restart
//   - [Temporary]: content is discarded when the store is reopened
//
// All mutations go through a [Transaction]. Transactions may be committed in
// one phase, or prepared under an external XID and committed or backed out
// later, possibly after a restart. Prepared transactions are found again with
// [Store.FindTransaction].
//
// # Implementations
//
//   - durable/memstore: in-memory, for tests and embedded use
//   - durable/filestore: write-ahead log plus checkpoint image
//   - durable/sqlstore: SQLite journal
//
// Errors that callers may retry (file in use, transient I/O) satisfy
// [IsTransient].
package durable
