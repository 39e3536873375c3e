package txenc

import (
	"bytes"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
)

// TxEnvelope is a decoded transaction record. Ops are surfaced by Next as
// a lazy, single-pass sequence; columnar state is released by Close.
type TxEnvelope struct {
	rec arrow.Record

	alloc      memory.Allocator
	union      *array.DenseUnion
	unionType  *arrow.DenseUnionType
	next, end  int
	systemTime *time.Time
	defaultTZ  string
	user       *string
}

// DecodeRecord reads the envelope of a transaction record payload, which
// must be a complete columnar IPC stream of exactly one row.
func DecodeRecord(alloc memory.Allocator, payload []byte) (*TxEnvelope, error) {
	var rdr, err = ipc.NewReader(bytes.NewReader(payload), ipc.WithAllocator(alloc))
	if err != nil {
		return nil, errors.WithMessage(err, "opening IPC stream")
	}
	defer rdr.Release()

	if !rdr.Next() {
		if err = rdr.Err(); err == nil {
			err = errors.New("IPC stream holds no record")
		}
		return nil, err
	}
	var rec = rdr.Record()
	rec.Retain()

	var e = &TxEnvelope{rec: rec, alloc: alloc}
	if err = e.init(); err != nil {
		rec.Release()
		return nil, err
	}
	return e, nil
}

func (e *TxEnvelope) init() error {
	if e.rec.NumRows() != 1 {
		return errors.Errorf("envelope has %d rows (expected 1)", e.rec.NumRows())
	}
	var schema = e.rec.Schema()

	var col = func(name string) (arrow.Array, error) {
		var indices = schema.FieldIndices(name)
		if len(indices) != 1 {
			return nil, errors.Errorf("envelope has no %q column", name)
		}
		return e.rec.Column(indices[0]), nil
	}

	var txOps, err = col("tx-ops")
	if err != nil {
		return err
	}
	list, ok := txOps.(*array.List)
	if !ok {
		return errors.Errorf("tx-ops is %T (expected list)", txOps)
	}
	if e.union, ok = list.ListValues().(*array.DenseUnion); !ok {
		return errors.Errorf("tx-ops elements are %T (expected dense union)", list.ListValues())
	}
	e.unionType = e.union.DataType().(*arrow.DenseUnionType)

	var start, end = list.ValueOffsets(0)
	e.next, e.end = int(start), int(end)

	if a, err := col("system-time"); err != nil {
		return err
	} else if e.systemTime, err = tsAt(a, 0); err != nil {
		return err
	}

	if a, err := col("default-tz"); err != nil {
		return err
	} else if s, ok := a.(*array.String); !ok || s.IsNull(0) {
		return errors.New("default-tz must be a non-null string")
	} else {
		e.defaultTZ = s.Value(0)
	}

	if a, err := col("user"); err != nil {
		return err
	} else if s, ok := a.(*array.String); !ok {
		return errors.Errorf("user is %T (expected string)", a)
	} else if !s.IsNull(0) {
		var u = s.Value(0)
		e.user = &u
	}
	return nil
}

// SystemTime is the forced logical commit time, if any.
func (e *TxEnvelope) SystemTime() *time.Time { return e.systemTime }

// DefaultTZ is the zone applied to bare timestamps of the transaction.
func (e *TxEnvelope) DefaultTZ() string { return e.defaultTZ }

// User is the submitting principal, if any.
func (e *TxEnvelope) User() *string { return e.user }

// Next decodes and returns the next Op, or io.EOF when none remain.
func (e *TxEnvelope) Next() (Op, error) {
	if e.next == e.end {
		return nil, io.EOF
	}
	var op, err = e.decodeOp(e.next)
	e.next++
	return op, err
}

// Close releases the envelope's columnar state. The envelope must not be
// used afterward.
func (e *TxEnvelope) Close() {
	if e.rec != nil {
		e.rec.Release()
		e.rec = nil
	}
}

func (e *TxEnvelope) decodeOp(i int) (Op, error) {
	var cid = e.union.ChildID(i)
	var leg = e.unionType.Fields()[cid]
	var off = int(e.union.ValueOffset(i))
	var child = e.union.Field(cid)

	// Every leg but abort is struct-typed on the wire.
	var st *array.Struct
	if leg.Name != "abort" {
		var ok bool
		if st, ok = child.(*array.Struct); !ok {
			return nil, errors.Errorf("union leg %q is %T (expected struct)", leg.Name, child)
		}
	}

	switch leg.Name {
	case "sql":
		query, err := stringField(st, "query", off)
		if err != nil {
			return nil, err
		}
		args, err := e.argsField(st, "args", off)
		if err != nil {
			return nil, err
		}
		return SQL{Query: query, Args: args}, nil

	case "xtql":
		form, err := binaryField(st, "op", off)
		if err != nil {
			return nil, err
		}
		args, err := e.argsField(st, "args", off)
		if err != nil {
			return nil, err
		}
		return XTQL{Form: form, Args: args}, nil

	case "put-docs":
		var table, docs, iids, from, to, err = e.decodeDocsLeg(st, off)
		if err != nil {
			return nil, err
		}
		return PutDocs{Table: table, Docs: docs, IIDs: iids, ValidFrom: from, ValidTo: to}, nil

	case "patch-docs":
		var table, docs, iids, from, to, err = e.decodeDocsLeg(st, off)
		if err != nil {
			return nil, err
		}
		return PatchDocs{Table: table, Docs: docs, IIDs: iids, ValidFrom: from, ValidTo: to}, nil

	case "delete-docs":
		table, err := stringField(st, "table", off)
		if err != nil {
			return nil, err
		}
		iids, err := iidsField(st, off)
		if err != nil {
			return nil, err
		}
		from, err := tsField(st, "valid-from", off)
		if err != nil {
			return nil, err
		}
		to, err := tsField(st, "valid-to", off)
		if err != nil {
			return nil, err
		}
		return DeleteDocs{Table: table, IIDs: iids, ValidFrom: from, ValidTo: to}, nil

	case "erase-docs":
		table, err := stringField(st, "table", off)
		if err != nil {
			return nil, err
		}
		iids, err := iidsField(st, off)
		if err != nil {
			return nil, err
		}
		return EraseDocs{Table: table, IIDs: iids}, nil

	case "call":
		var fnIID IID
		a, err := structField(st, "fn-iid")
		if err != nil {
			return nil, err
		}
		fsb, ok := a.(*array.FixedSizeBinary)
		if !ok {
			return nil, errors.Errorf("fn-iid is %T (expected fixed-size binary)", a)
		}
		copy(fnIID[:], fsb.Value(off))

		rows, err := e.argsField(st, "args", off)
		if err != nil {
			return nil, err
		}
		var args []any
		if len(rows) != 0 {
			args = rows[0]
		}
		return Call{FnIID: fnIID, Args: args}, nil

	case "abort":
		return Abort{}, nil

	default:
		// Unknown legs do not round-trip: they downgrade to a decode error.
		return nil, errors.WithMessagef(ErrUnknownOpVariant, "union leg %q", leg.Name)
	}
}

func (e *TxEnvelope) decodeDocsLeg(st *array.Struct, off int) (
	table string, docs []Document, iids []IID, from, to *time.Time, err error) {

	var a arrow.Array
	if a, err = structField(st, "documents"); err != nil {
		return
	}
	du, ok := a.(*array.DenseUnion)
	if !ok {
		err = errors.Errorf("documents is %T (expected dense union)", a)
		return
	}
	var tcid = du.ChildID(off)
	table = du.DataType().(*arrow.DenseUnionType).Fields()[tcid].Name
	var doff = int(du.ValueOffset(off))

	tlist, ok := du.Field(tcid).(*array.List)
	if !ok {
		err = errors.Errorf("documents leg %q is %T (expected list)", table, du.Field(tcid))
		return
	}
	var start, end = tlist.ValueOffsets(doff)
	var structs = tlist.ListValues()

	docs = make([]Document, 0, end-start)
	for j := int(start); j != int(end); j++ {
		var v any
		if v, err = readValue(structs, j); err != nil {
			err = errors.WithMessagef(err, "table %q document %d", table, j-int(start))
			return
		}
		doc, ok := v.(Document)
		if !ok {
			err = errors.Errorf("table %q document %d is %T", table, j-int(start), v)
			return
		}
		docs = append(docs, doc)
	}

	if iids, err = iidsField(st, off); err != nil {
		return
	}
	if from, err = tsField(st, "valid-from", off); err != nil {
		return
	}
	to, err = tsField(st, "valid-to", off)
	return
}

// argsField decodes the nested parameter-row stream of a binary field.
func (e *TxEnvelope) argsField(st *array.Struct, name string, off int) ([][]any, error) {
	var a, err = structField(st, name)
	if err != nil {
		return nil, err
	}
	bin, ok := a.(*array.Binary)
	if !ok {
		return nil, errors.Errorf("%s is %T (expected binary)", name, a)
	}
	if bin.IsNull(off) {
		return nil, nil
	}
	return decodeArgRows(e.alloc, bin.Value(off))
}

// decodeArgRows reads a parameter blob back into rows of Go values.
func decodeArgRows(alloc memory.Allocator, blob []byte) ([][]any, error) {
	var rdr, err = ipc.NewReader(bytes.NewReader(blob), ipc.WithAllocator(alloc))
	if err != nil {
		return nil, errors.WithMessage(err, "opening parameter stream")
	}
	defer rdr.Release()

	var rows [][]any
	for rdr.Next() {
		var rec = rdr.Record()
		for r := 0; r != int(rec.NumRows()); r++ {
			var row = make([]any, rec.NumCols())
			for c := range row {
				if row[c], err = readValue(rec.Column(c), r); err != nil {
					return nil, errors.WithMessagef(err, "parameter $%d", c)
				}
			}
			rows = append(rows, row)
		}
	}
	if err = rdr.Err(); err != nil && err != io.EOF {
		return nil, errors.WithMessage(err, "reading parameter stream")
	}
	return rows, nil
}

func structField(st *array.Struct, name string) (arrow.Array, error) {
	var idx, ok = st.DataType().(*arrow.StructType).FieldIdx(name)
	if !ok {
		return nil, errors.Errorf("struct has no %q field", name)
	}
	return st.Field(idx), nil
}

func stringField(st *array.Struct, name string, i int) (string, error) {
	var a, err = structField(st, name)
	if err != nil {
		return "", err
	}
	s, ok := a.(*array.String)
	if !ok {
		return "", errors.Errorf("%s is %T (expected string)", name, a)
	}
	return s.Value(i), nil
}

func binaryField(st *array.Struct, name string, i int) ([]byte, error) {
	var a, err = structField(st, name)
	if err != nil {
		return nil, err
	}
	b, ok := a.(*array.Binary)
	if !ok {
		return nil, errors.Errorf("%s is %T (expected binary)", name, a)
	}
	return append([]byte(nil), b.Value(i)...), nil
}

func tsField(st *array.Struct, name string, i int) (*time.Time, error) {
	var a, err = structField(st, name)
	if err != nil {
		return nil, err
	}
	return tsAt(a, i)
}

func tsAt(a arrow.Array, i int) (*time.Time, error) {
	var ts, ok = a.(*array.Timestamp)
	if !ok {
		return nil, errors.Errorf("column is %T (expected timestamp)", a)
	}
	if ts.IsNull(i) {
		return nil, nil
	}
	var unit = ts.DataType().(*arrow.TimestampType).Unit
	var t = ts.Value(i).ToTime(unit).UTC()
	return &t, nil
}

func iidsField(st *array.Struct, i int) ([]IID, error) {
	var a, err = structField(st, "iids")
	if err != nil {
		return nil, err
	}
	list, ok := a.(*array.List)
	if !ok {
		return nil, errors.Errorf("iids is %T (expected list)", a)
	}
	fsb, ok := list.ListValues().(*array.FixedSizeBinary)
	if !ok {
		return nil, errors.Errorf("iids elements are %T (expected fixed-size binary)", list.ListValues())
	}

	var start, end = list.ValueOffsets(i)
	var out = make([]IID, 0, end-start)
	for j := int(start); j != int(end); j++ {
		var iid IID
		copy(iid[:], fsb.Value(j))
		out = append(out, iid)
	}
	return out, nil
}
