// Package txlog implements the transaction log: an append-only, totally
// ordered record store with monotonically increasing offsets, and the
// subscription machinery which delivers its records to consumers.
//
// Two Log implementations are provided. MemoryLog is a bounded in-memory
// ring which can push offset notifications to subscribers, used by tests
// and single-process deployments. LocalLog is a directory of append-only
// segment files; it cannot push, so its subscribers poll.
//
// Both implementations provide identical guarantees: offsets are dense and
// strictly increasing, a record is durable before its AppendOp resolves,
// and each subscriber observes records in strict offset order.
package txlog
