// Package record maps message store entities onto durable records.
//
// A [Persistable] is the runtime handle of one item, reference, stream or
// the root. When written it occupies:
//
//   - a metadata record (versioned, see [MetaData])
//   - a payload record holding the cache's data as slices
//   - for streams, an item list and a stream list of contained entities
//   - entries in its parent's lists
//
// All writes happen inside a caller-supplied durable.Transaction.
//
// Stability counters tell the cache when it may drop its strong reference:
// every OperationBegun must be matched by exactly one OperationCompleted or
// OperationCancelled.
package record
