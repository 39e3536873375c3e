// Package txenc encodes and decodes transaction operations as the
// self-describing columnar envelope carried by transaction log records.
//
// An envelope is an Arrow IPC stream holding exactly one row: a `tx-ops`
// list of a dense union over the operation variants, together with the
// transaction's optional system-time, default time zone, and submitting
// user. Serialize produces the stream; DecodeRecord reads one back as a
// lazy, single-pass iterator over its decoded ops.
//
// The codec is also where submit-time normalisation lives: table names
// gain their schema prefix, writes to reserved schemas are rejected,
// document iids are derived, and simple parameterised INSERT statements
// are rewritten into equivalent put-docs operations.
package txenc
