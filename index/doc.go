// Package index drives the indexer from the transaction log. A
// LogProcessor is the single consumer of a log subscription: it decodes
// each record, dispatches it by message kind, and surfaces per-offset
// results through a WatchRegistry on which submitters block. A Flusher
// rides along, issuing flush-chunk control messages when the indexer's
// chunk boundary stops advancing.
package index
