package txenc

import (
	"bytes"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
)

// SerializeOpts carries the envelope columns beside tx-ops.
type SerializeOpts struct {
	// SystemTime, when set, forces the logical commit time.
	SystemTime *time.Time
	// DefaultTZ is the IANA zone applied to bare timestamps. Defaults to UTC.
	DefaultTZ string
	// User is the authenticated principal, if any.
	User *string
}

// OpWriter validates, normalises and stages ops in submission order.
// Staged ops are encoded all at once: the envelope's union legs are laid
// out in first-use order, which requires the full batch to be known before
// columns are built. Any error poisons the writer and the whole batch.
type OpWriter struct {
	defaultTZ string
	staged    []stagedOp
	err       error
}

type stagedOp struct {
	op Op
}

// NewOpWriter returns an OpWriter applying |defaultTZ| to bare timestamps.
func NewOpWriter(defaultTZ string) *OpWriter {
	if defaultTZ == "" {
		defaultTZ = "UTC"
	}
	return &OpWriter{defaultTZ: defaultTZ}
}

// WriteOp validates and stages |op|. SQL ops are first offered to the
// static INSERT rewrite, and stage as one or more put-docs when it
// applies. The first error is sticky.
func (w *OpWriter) WriteOp(op Op) error {
	if w.err != nil {
		return w.err
	}
	if err := w.writeOp(op); err != nil {
		w.err = err
		return err
	}
	return nil
}

func (w *OpWriter) writeOp(op Op) error {
	switch op := op.(type) {
	case SQL:
		if err := validateArgRows(op.Args); err != nil {
			return err
		}
		if rewritten, ok, err := rewriteInsert(op.Query, op.Args); err != nil {
			return err
		} else if ok {
			for _, r := range rewritten {
				if err = w.writeOp(r); err != nil {
					return err
				}
			}
			return nil
		}
		w.staged = append(w.staged, stagedOp{op: op})

	case XTQL:
		if len(op.Form) == 0 {
			return errors.New("xtql op has no form")
		}
		if err := validateArgRows(op.Args); err != nil {
			return err
		}
		w.staged = append(w.staged, stagedOp{op: op})

	case PutDocs:
		var table, iids, err = w.normalizeDocs(op.Table, op.Docs, op.ValidFrom, op.ValidTo)
		if err != nil {
			return err
		}
		op.Table, op.IIDs = table, iids
		w.staged = append(w.staged, stagedOp{op: op})

	case PatchDocs:
		var table, iids, err = w.normalizeDocs(op.Table, op.Docs, op.ValidFrom, op.ValidTo)
		if err != nil {
			return err
		}
		op.Table, op.IIDs = table, iids
		w.staged = append(w.staged, stagedOp{op: op})

	case DeleteDocs:
		var table, err = NormalizeTable(op.Table)
		if err != nil {
			return err
		}
		if err = validateValidRange(op.ValidFrom, op.ValidTo); err != nil {
			return err
		}
		op.Table = table
		w.staged = append(w.staged, stagedOp{op: op})

	case EraseDocs:
		var table, err = NormalizeTable(op.Table)
		if err != nil {
			return err
		}
		op.Table = table
		w.staged = append(w.staged, stagedOp{op: op})

	case Call, Abort:
		w.staged = append(w.staged, stagedOp{op: op})

	default:
		return errors.WithMessagef(ErrUnknownOpVariant, "op of type %T", op)
	}
	return nil
}

func (w *OpWriter) normalizeDocs(table string, docs []Document, from, to *time.Time) (string, []IID, error) {
	var normalized, err = NormalizeTable(table)
	if err != nil {
		return "", nil, err
	}
	if err = validateValidRange(from, to); err != nil {
		return "", nil, err
	}

	var iids = make([]IID, len(docs))
	for i, doc := range docs {
		// One key walk locates _id and derives the iid.
		var id any
		id, err = DocumentID(doc)
		if err != nil {
			return "", nil, errors.WithMessagef(err, "table %q document %d", normalized, i)
		}
		if iids[i], err = ComputeIID(id); err != nil {
			return "", nil, errors.WithMessagef(err, "table %q document %d", normalized, i)
		}
	}
	return normalized, iids, nil
}

// Ops returns the staged, normalised ops in order.
func (w *OpWriter) Ops() []Op {
	var out = make([]Op, len(w.staged))
	for i, s := range w.staged {
		out[i] = s.op
	}
	return out
}

// Err returns the sticky error of the writer, if any.
func (w *OpWriter) Err() error { return w.err }

// Serialize encodes |ops| and |opts| as a self-describing columnar IPC
// stream holding exactly one envelope row. On error no partial encoding
// is returned and all allocations are released back to |alloc|.
func Serialize(alloc memory.Allocator, ops []Op, opts SerializeOpts) ([]byte, error) {
	var w = NewOpWriter(opts.DefaultTZ)
	for i, op := range ops {
		if err := w.WriteOp(op); err != nil {
			return nil, errors.WithMessagef(err, "op %d", i)
		}
	}
	return w.Encode(alloc, opts)
}

// Encode builds the envelope of the staged ops.
func (w *OpWriter) Encode(alloc memory.Allocator, opts SerializeOpts) ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}

	var layout, err = planLayout(w.staged)
	if err != nil {
		return nil, err
	}
	var schema = arrow.NewSchema([]arrow.Field{
		{Name: "tx-ops", Type: arrow.ListOf(layout.unionType)},
		{Name: "system-time", Type: tsType, Nullable: true},
		{Name: "default-tz", Type: arrow.BinaryTypes.String},
		{Name: "user", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)

	var bldr = array.NewRecordBuilder(alloc, schema)
	defer bldr.Release()

	var txOps = bldr.Field(0).(*array.ListBuilder)
	txOps.Append(true)
	var ub = txOps.ValueBuilder().(*array.DenseUnionBuilder)

	for i, s := range w.staged {
		if err = appendOp(alloc, ub, layout, s); err != nil {
			return nil, errors.WithMessagef(err, "op %d", i)
		}
	}

	var systemTime = bldr.Field(1).(*array.TimestampBuilder)
	if opts.SystemTime == nil {
		systemTime.AppendNull()
	} else {
		var ts arrow.Timestamp
		if ts, err = arrow.TimestampFromTime(*opts.SystemTime, arrow.Microsecond); err != nil {
			return nil, errors.WithMessage(err, "system-time")
		}
		systemTime.Append(ts)
	}

	var tz = w.defaultTZ
	if opts.DefaultTZ != "" {
		tz = opts.DefaultTZ
	}
	bldr.Field(2).(*array.StringBuilder).Append(tz)

	var user = bldr.Field(3).(*array.StringBuilder)
	if opts.User == nil {
		user.AppendNull()
	} else {
		user.Append(*opts.User)
	}

	var rec = bldr.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	var iw = ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(alloc))
	if err = iw.Write(rec); err != nil {
		_ = iw.Close()
		return nil, errors.WithMessage(err, "writing IPC stream")
	}
	if err = iw.Close(); err != nil {
		return nil, errors.WithMessage(err, "closing IPC stream")
	}
	return buf.Bytes(), nil
}

// envelopeLayout is the planned union shape of one batch: the tx-ops legs
// in first-use order, and the per-table document types of put-docs and
// patch-docs legs.
type envelopeLayout struct {
	unionType *arrow.DenseUnionType
	legCodes  map[string]arrow.UnionTypeCode
	docLegs   map[string]*docLegLayout // Keyed by "put-docs" / "patch-docs".
}

type docLegLayout struct {
	unionType  *arrow.DenseUnionType
	tableCodes map[string]arrow.UnionTypeCode
}

// planLayout walks staged ops to lay out union legs in first-use order.
func planLayout(staged []stagedOp) (*envelopeLayout, error) {
	var layout = &envelopeLayout{
		legCodes: make(map[string]arrow.UnionTypeCode),
		docLegs:  make(map[string]*docLegLayout),
	}

	var legOrder []string
	var docTables = docTableSets{}

	for _, s := range staged {
		var v = s.op.Variant()
		if _, ok := layout.legCodes[v]; !ok {
			layout.legCodes[v] = arrow.UnionTypeCode(len(legOrder))
			legOrder = append(legOrder, v)
		}

		switch op := s.op.(type) {
		case PutDocs:
			if err := docTables.observe(v, op.Table, op.Docs); err != nil {
				return nil, err
			}
		case PatchDocs:
			if err := docTables.observe(v, op.Table, op.Docs); err != nil {
				return nil, err
			}
		}
	}
	if len(legOrder) == 0 {
		// An empty batch still needs a well-formed union type.
		layout.legCodes[Abort{}.Variant()] = 0
		legOrder = append(legOrder, Abort{}.Variant())
	}

	var fields = make([]arrow.Field, 0, len(legOrder))
	var codes = make([]arrow.UnionTypeCode, 0, len(legOrder))
	for _, v := range legOrder {
		var dt, err = legType(v, docTables[v], layout)
		if err != nil {
			return nil, err
		}
		fields = append(fields, arrow.Field{Name: v, Type: dt, Nullable: v == "abort"})
		codes = append(codes, layout.legCodes[v])
	}
	layout.unionType = arrow.DenseUnionOf(fields, codes)
	return layout, nil
}

// docTableSet tracks table legs of one documents union, in first-use
// order, with the unified document struct type per table.
type docTableSet struct {
	order []string
	types map[string]arrow.DataType
}

type docTableSets map[string]*docTableSet

func (m docTableSets) observe(variant, table string, docs []Document) error {
	var set = m[variant]
	if set == nil {
		set = &docTableSet{types: make(map[string]arrow.DataType)}
		m[variant] = set
	}

	var dt, ok = set.types[table]
	if !ok {
		set.order = append(set.order, table)
		dt = arrow.StructOf()
	}
	for _, doc := range docs {
		var fields, err = inferStructFields(doc)
		if err != nil {
			return errors.WithMessagef(err, "table %q", table)
		}
		if dt, err = unifyTypes(dt, arrow.StructOf(fields...)); err != nil {
			return errors.WithMessagef(err, "table %q", table)
		}
	}
	set.types[table] = dt
	return nil
}

var docLegFields = []arrow.Field{
	{Name: "documents"}, // Type is per-batch.
	{Name: "iids", Type: arrow.ListOf(iidType)},
	{Name: "valid-from", Type: tsType, Nullable: true},
	{Name: "valid-to", Type: tsType, Nullable: true},
}

// legType builds the arrow type of one tx-ops union leg.
func legType(variant string, tables *docTableSet, layout *envelopeLayout) (arrow.DataType, error) {
	switch variant {
	case "sql":
		return arrow.StructOf(
			arrow.Field{Name: "query", Type: arrow.BinaryTypes.String},
			arrow.Field{Name: "args", Type: arrow.BinaryTypes.Binary, Nullable: true},
		), nil

	case "xtql":
		return arrow.StructOf(
			arrow.Field{Name: "op", Type: arrow.BinaryTypes.Binary},
			arrow.Field{Name: "args", Type: arrow.BinaryTypes.Binary, Nullable: true},
		), nil

	case "put-docs", "patch-docs":
		var docLeg = &docLegLayout{tableCodes: make(map[string]arrow.UnionTypeCode)}
		var fields []arrow.Field
		var codes []arrow.UnionTypeCode

		for i, table := range tables.order {
			docLeg.tableCodes[table] = arrow.UnionTypeCode(i)
			fields = append(fields, arrow.Field{
				Name: table,
				Type: arrow.ListOf(tables.types[table]),
			})
			codes = append(codes, arrow.UnionTypeCode(i))
		}
		docLeg.unionType = arrow.DenseUnionOf(fields, codes)
		layout.docLegs[variant] = docLeg

		var legFields = append([]arrow.Field(nil), docLegFields...)
		legFields[0].Type = docLeg.unionType
		return arrow.StructOf(legFields...), nil

	case "delete-docs":
		return arrow.StructOf(
			arrow.Field{Name: "table", Type: arrow.BinaryTypes.String},
			arrow.Field{Name: "iids", Type: arrow.ListOf(iidType)},
			arrow.Field{Name: "valid-from", Type: tsType, Nullable: true},
			arrow.Field{Name: "valid-to", Type: tsType, Nullable: true},
		), nil

	case "erase-docs":
		return arrow.StructOf(
			arrow.Field{Name: "table", Type: arrow.BinaryTypes.String},
			arrow.Field{Name: "iids", Type: arrow.ListOf(iidType)},
		), nil

	case "call":
		return arrow.StructOf(
			arrow.Field{Name: "fn-iid", Type: iidType},
			arrow.Field{Name: "args", Type: arrow.BinaryTypes.Binary, Nullable: true},
		), nil

	case "abort":
		return arrow.Null, nil

	default:
		return nil, errors.WithMessagef(ErrUnknownOpVariant, "variant %q", variant)
	}
}

// appendOp appends one staged op to the tx-ops union builder.
func appendOp(alloc memory.Allocator, ub *array.DenseUnionBuilder, layout *envelopeLayout, s stagedOp) error {
	var variant = s.op.Variant()
	var code = layout.legCodes[variant]
	ub.Append(code)
	var child = ub.Child(int(code))

	switch op := s.op.(type) {
	case SQL:
		var sb = child.(*array.StructBuilder)
		sb.Append(true)
		sb.FieldBuilder(0).(*array.StringBuilder).Append(op.Query)
		return appendArgRows(alloc, sb.FieldBuilder(1).(*array.BinaryBuilder), op.Args)

	case XTQL:
		var sb = child.(*array.StructBuilder)
		sb.Append(true)
		sb.FieldBuilder(0).(*array.BinaryBuilder).Append(op.Form)
		return appendArgRows(alloc, sb.FieldBuilder(1).(*array.BinaryBuilder), op.Args)

	case PutDocs:
		return appendDocsLeg(child.(*array.StructBuilder), layout.docLegs[variant],
			op.Table, op.Docs, op.IIDs, op.ValidFrom, op.ValidTo)

	case PatchDocs:
		return appendDocsLeg(child.(*array.StructBuilder), layout.docLegs[variant],
			op.Table, op.Docs, op.IIDs, op.ValidFrom, op.ValidTo)

	case DeleteDocs:
		var sb = child.(*array.StructBuilder)
		sb.Append(true)
		sb.FieldBuilder(0).(*array.StringBuilder).Append(op.Table)
		appendIIDs(sb.FieldBuilder(1).(*array.ListBuilder), op.IIDs)
		if err := appendTimestamp(sb.FieldBuilder(2).(*array.TimestampBuilder), op.ValidFrom); err != nil {
			return err
		}
		return appendTimestamp(sb.FieldBuilder(3).(*array.TimestampBuilder), op.ValidTo)

	case EraseDocs:
		var sb = child.(*array.StructBuilder)
		sb.Append(true)
		sb.FieldBuilder(0).(*array.StringBuilder).Append(op.Table)
		appendIIDs(sb.FieldBuilder(1).(*array.ListBuilder), op.IIDs)
		return nil

	case Call:
		var sb = child.(*array.StructBuilder)
		sb.Append(true)
		sb.FieldBuilder(0).(*array.FixedSizeBinaryBuilder).Append(op.FnIID[:])
		if len(op.Args) == 0 {
			sb.FieldBuilder(1).AppendNull()
			return nil
		}
		return appendArgRows(alloc, sb.FieldBuilder(1).(*array.BinaryBuilder), [][]any{op.Args})

	case Abort:
		child.(*array.NullBuilder).AppendNull()
		return nil

	default:
		return errors.WithMessagef(ErrUnknownOpVariant, "op of type %T", s.op)
	}
}

func appendDocsLeg(sb *array.StructBuilder, docLeg *docLegLayout, table string,
	docs []Document, iids []IID, from, to *time.Time) error {

	sb.Append(true)

	var du = sb.FieldBuilder(0).(*array.DenseUnionBuilder)
	var code = docLeg.tableCodes[table]
	du.Append(code)

	var tlb = du.Child(int(code)).(*array.ListBuilder)
	tlb.Append(true)
	for i, doc := range docs {
		if err := appendValue(tlb.ValueBuilder(), doc); err != nil {
			return errors.WithMessagef(err, "document %d", i)
		}
	}

	appendIIDs(sb.FieldBuilder(1).(*array.ListBuilder), iids)

	if err := appendTimestamp(sb.FieldBuilder(2).(*array.TimestampBuilder), from); err != nil {
		return err
	}
	return appendTimestamp(sb.FieldBuilder(3).(*array.TimestampBuilder), to)
}

func appendIIDs(lb *array.ListBuilder, iids []IID) {
	lb.Append(true)
	var fb = lb.ValueBuilder().(*array.FixedSizeBinaryBuilder)
	for _, iid := range iids {
		fb.Append(iid[:])
	}
}

func appendTimestamp(b *array.TimestampBuilder, t *time.Time) error {
	if t == nil {
		b.AppendNull()
		return nil
	}
	var ts, err = arrow.TimestampFromTime(*t, arrow.Microsecond)
	if err != nil {
		return err
	}
	b.Append(ts)
	return nil
}

// appendArgRows encodes |rows| as a nested IPC stream of one struct row
// per parameter set, appended as a binary value (or null when empty).
func appendArgRows(alloc memory.Allocator, b *array.BinaryBuilder, rows [][]any) error {
	if len(rows) == 0 {
		b.AppendNull()
		return nil
	}
	var blob, err = encodeArgRows(alloc, rows)
	if err != nil {
		return err
	}
	b.Append(blob)
	return nil
}

func argFieldName(i int) string {
	return fmt.Sprintf("$%d", i)
}

// encodeArgRows builds the parameter blob: a self-contained IPC stream
// whose record has one positional field $0..$n-1 per parameter.
func encodeArgRows(alloc memory.Allocator, rows [][]any) ([]byte, error) {
	var arity = len(rows[0])

	var types = make([]arrow.DataType, arity)
	for i := range types {
		types[i] = arrow.Null
	}
	for _, row := range rows {
		for c, v := range row {
			var dt, err = inferType(v)
			if err != nil {
				return nil, errors.WithMessagef(err, "parameter $%d", c)
			}
			if types[c], err = unifyTypes(types[c], dt); err != nil {
				return nil, errors.WithMessagef(err, "parameter $%d", c)
			}
		}
	}

	var fields = make([]arrow.Field, arity)
	for i, dt := range types {
		fields[i] = arrow.Field{Name: argFieldName(i), Type: dt, Nullable: true}
	}
	var schema = arrow.NewSchema(fields, nil)

	var bldr = array.NewRecordBuilder(alloc, schema)
	defer bldr.Release()

	for _, row := range rows {
		for c, v := range row {
			if err := appendValue(bldr.Field(c), v); err != nil {
				return nil, errors.WithMessagef(err, "parameter $%d", c)
			}
		}
	}

	var rec = bldr.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	var iw = ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(alloc))
	if err := iw.Write(rec); err != nil {
		_ = iw.Close()
		return nil, errors.WithMessage(err, "writing parameter stream")
	}
	if err := iw.Close(); err != nil {
		return nil, errors.WithMessage(err, "closing parameter stream")
	}
	return buf.Bytes(), nil
}
