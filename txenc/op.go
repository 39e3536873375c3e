package txenc

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Codec errors. Each is fatal to the whole batch being encoded: no partial
// envelope is ever emitted.
var (
	// ErrMissingID is returned when a put or patch document lacks an _id.
	ErrMissingID = errors.New("document has no _id field")
	// ErrForbiddenTable is returned for writes to reserved schemas.
	ErrForbiddenTable = errors.New("table is reserved")
	// ErrArgRowArityMismatch is returned when SQL parameter rows differ in arity.
	ErrArgRowArityMismatch = errors.New("SQL parameter rows have differing arity")
	// ErrUnknownOpVariant is returned for an op value not in the union.
	ErrUnknownOpVariant = errors.New("unknown tx-op variant")
	// ErrInvalidValidRange is returned when valid-from exceeds valid-to.
	ErrInvalidValidRange = errors.New("valid-from exceeds valid-to")
)

// DefaultSchema is applied to table names lacking a schema qualifier.
const DefaultSchema = "public"

// TxFnsTable is the one reserved table to which writes are allowed.
const TxFnsTable = "xt/tx_fns"

var forbiddenSchemas = []string{"xt/", "information_schema/", "pg_catalog/"}

// IID is the 16-byte deterministic hash identifying a document, derived
// from its _id value.
type IID [16]byte

// Document is a single table row keyed by field name.
type Document = map[string]any

// Op is one transaction operation: a member of the dense union carried by
// the envelope's tx-ops column.
type Op interface {
	// Variant is the union leg name of the op.
	Variant() string
}

// SQL submits a query with zero or more parameter rows. All rows must have
// equal arity.
type SQL struct {
	Query string
	Args  [][]any
}

// XTQL submits an opaque serialized query form with parameter rows.
type XTQL struct {
	Form []byte
	Args [][]any
}

// PutDocs upserts documents of a table over an optional validity range.
// IIDs are derived from document _ids by the codec: any caller-supplied
// value is overwritten at encode time.
type PutDocs struct {
	Table     string
	Docs      []Document
	IIDs      []IID
	ValidFrom *time.Time
	ValidTo   *time.Time
}

// PatchDocs merges documents of a table over an optional validity range.
// IIDs are derived exactly as for PutDocs.
type PatchDocs struct {
	Table     string
	Docs      []Document
	IIDs      []IID
	ValidFrom *time.Time
	ValidTo   *time.Time
}

// DeleteDocs ends the validity of documents identified by iid.
type DeleteDocs struct {
	Table     string
	IIDs      []IID
	ValidFrom *time.Time
	ValidTo   *time.Time
}

// EraseDocs removes documents entirely, across all valid time.
type EraseDocs struct {
	Table string
	IIDs  []IID
}

// Call invokes a stored transaction function by iid.
type Call struct {
	FnIID IID
	Args  []any
}

// Abort marks the transaction as explicitly aborted.
type Abort struct{}

// Variant implementations. Leg names are part of the wire contract.
func (SQL) Variant() string        { return "sql" }
func (XTQL) Variant() string       { return "xtql" }
func (PutDocs) Variant() string    { return "put-docs" }
func (PatchDocs) Variant() string  { return "patch-docs" }
func (DeleteDocs) Variant() string { return "delete-docs" }
func (EraseDocs) Variant() string  { return "erase-docs" }
func (Call) Variant() string       { return "call" }
func (Abort) Variant() string      { return "abort" }

// NormalizeTable qualifies |name| as schema/table, applying DefaultSchema
// when no schema is present, and rejects writes to reserved schemas.
func NormalizeTable(name string) (string, error) {
	var n = strings.ToLower(strings.TrimSpace(strings.ReplaceAll(name, ".", "/")))
	if n == "" {
		return "", errors.New("empty table name")
	}
	if !strings.Contains(n, "/") {
		n = DefaultSchema + "/" + n
	}

	if n == TxFnsTable {
		return n, nil
	}
	for _, p := range forbiddenSchemas {
		if strings.HasPrefix(n, p) {
			return "", errors.WithMessagef(ErrForbiddenTable, "table %q", n)
		}
	}
	return n, nil
}

// DocumentID returns the _id value of |doc|, matching the field by
// case-normalised comparison, or ErrMissingID.
func DocumentID(doc Document) (any, error) {
	for k, v := range doc {
		if strings.EqualFold(k, "_id") {
			return v, nil
		}
	}
	return nil, ErrMissingID
}

// ComputeIID derives the deterministic 16-byte iid of an _id value. The
// value is first reduced to a type-tagged canonical byte form, so that
// equal logical identities hash equally across submissions.
func ComputeIID(id any) (IID, error) {
	var b []byte

	switch v := id.(type) {
	case string:
		b = append([]byte{'s'}, v...)
	case int:
		b = appendTagged('i', uint64(v))
	case int32:
		b = appendTagged('i', uint64(v))
	case int64:
		b = appendTagged('i', uint64(v))
	case float64:
		b = appendTagged('f', math.Float64bits(v))
	case bool:
		b = []byte{'b', 0}
		if v {
			b[1] = 1
		}
	case []byte:
		b = append([]byte{'B'}, v...)
	case time.Time:
		b = appendTagged('t', uint64(v.UnixNano()))
	case IID:
		b = append([]byte{'u'}, v[:]...)
	case nil:
		return IID{}, errors.New("_id must not be null")
	default:
		return IID{}, errors.Errorf("unsupported _id type %T", id)
	}

	var sum = sha256.Sum256(b)
	var iid IID
	copy(iid[:], sum[:16])
	return iid, nil
}

func appendTagged(tag byte, v uint64) []byte {
	var b [9]byte
	b[0] = tag
	binary.BigEndian.PutUint64(b[1:], v)
	return b[:]
}

// validateValidRange rejects an inverted validity range.
func validateValidRange(from, to *time.Time) error {
	if from != nil && to != nil && from.After(*to) {
		return errors.WithMessagef(ErrInvalidValidRange, "valid-from %s, valid-to %s", from, to)
	}
	return nil
}

// validateArgRows enforces equal arity across parameter rows.
func validateArgRows(rows [][]any) error {
	for i := 1; i < len(rows); i++ {
		if len(rows[i]) != len(rows[0]) {
			return errors.WithMessagef(ErrArgRowArityMismatch,
				"row 0 has %d parameters, row %d has %d", len(rows[0]), i, len(rows[i]))
		}
	}
	return nil
}
