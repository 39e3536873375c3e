package txenc

import (
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/pkg/errors"
)

// Envelope timestamps are microsecond UTC instants.
var tsType = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

// iidType is the fixed 16-byte iid column type.
var iidType = &arrow.FixedSizeBinaryType{ByteWidth: 16}

// inferType maps a Go document value to its arrow type. Nil values carry
// no type of their own and unify with any other observation of the field.
func inferType(v any) (arrow.DataType, error) {
	switch v := v.(type) {
	case nil:
		return arrow.Null, nil
	case bool:
		return arrow.FixedWidthTypes.Boolean, nil
	case int, int32, int64:
		return arrow.PrimitiveTypes.Int64, nil
	case float32, float64:
		return arrow.PrimitiveTypes.Float64, nil
	case string:
		return arrow.BinaryTypes.String, nil
	case []byte:
		return arrow.BinaryTypes.Binary, nil
	case time.Time:
		return tsType, nil
	case IID:
		return iidType, nil
	case Document:
		var fields, err = inferStructFields(v)
		if err != nil {
			return nil, err
		}
		return arrow.StructOf(fields...), nil
	case []any:
		var elem arrow.DataType = arrow.Null
		for _, e := range v {
			var et, err = inferType(e)
			if err != nil {
				return nil, err
			}
			if elem, err = unifyTypes(elem, et); err != nil {
				return nil, err
			}
		}
		return arrow.ListOf(elem), nil
	default:
		return nil, errors.Errorf("unsupported document value type %T", v)
	}
}

// inferStructFields infers a sorted field list of a document.
func inferStructFields(doc Document) ([]arrow.Field, error) {
	var keys = make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var fields = make([]arrow.Field, 0, len(keys))
	for _, k := range keys {
		var dt, err = inferType(doc[k])
		if err != nil {
			return nil, errors.WithMessagef(err, "field %q", k)
		}
		fields = append(fields, arrow.Field{Name: k, Type: dt, Nullable: true})
	}
	return fields, nil
}

// unifyTypes merges two observed types of one field. Null unifies with
// anything, int64 widens to float64, structs unify field-wise and lists
// element-wise. Everything else must match exactly.
func unifyTypes(a, b arrow.DataType) (arrow.DataType, error) {
	if arrow.TypeEqual(a, b) {
		return a, nil
	}
	if a.ID() == arrow.NULL {
		return b, nil
	}
	if b.ID() == arrow.NULL {
		return a, nil
	}

	if isNumeric(a) && isNumeric(b) {
		return arrow.PrimitiveTypes.Float64, nil
	}

	if a.ID() == arrow.LIST && b.ID() == arrow.LIST {
		var elem, err = unifyTypes(
			a.(*arrow.ListType).Elem(), b.(*arrow.ListType).Elem())
		if err != nil {
			return nil, err
		}
		return arrow.ListOf(elem), nil
	}

	if a.ID() == arrow.STRUCT && b.ID() == arrow.STRUCT {
		return unifyStructs(a.(*arrow.StructType), b.(*arrow.StructType))
	}

	return nil, errors.Errorf("cannot unify %s with %s", a, b)
}

func unifyStructs(a, b *arrow.StructType) (arrow.DataType, error) {
	var byName = make(map[string]arrow.DataType)
	var order []string

	for _, f := range a.Fields() {
		byName[f.Name] = f.Type
		order = append(order, f.Name)
	}
	for _, f := range b.Fields() {
		if prior, ok := byName[f.Name]; !ok {
			byName[f.Name] = f.Type
			order = append(order, f.Name)
		} else {
			var u, err = unifyTypes(prior, f.Type)
			if err != nil {
				return nil, errors.WithMessagef(err, "struct field %q", f.Name)
			}
			byName[f.Name] = u
		}
	}
	sort.Strings(order)

	var fields = make([]arrow.Field, 0, len(order))
	for _, name := range order {
		fields = append(fields, arrow.Field{Name: name, Type: byName[name], Nullable: true})
	}
	return arrow.StructOf(fields...), nil
}

func isNumeric(dt arrow.DataType) bool {
	return dt.ID() == arrow.INT64 || dt.ID() == arrow.FLOAT64
}

// appendValue appends Go value |v| to builder |b|, coercing numerics to
// the builder's type where unification widened them.
func appendValue(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}

	switch b := b.(type) {
	case *array.NullBuilder:
		b.AppendNull()

	case *array.BooleanBuilder:
		var bv, ok = v.(bool)
		if !ok {
			return typeMismatch(b.Type(), v)
		}
		b.Append(bv)

	case *array.Int64Builder:
		switch v := v.(type) {
		case int:
			b.Append(int64(v))
		case int32:
			b.Append(int64(v))
		case int64:
			b.Append(v)
		default:
			return typeMismatch(b.Type(), v)
		}

	case *array.Float64Builder:
		switch v := v.(type) {
		case int:
			b.Append(float64(v))
		case int32:
			b.Append(float64(v))
		case int64:
			b.Append(float64(v))
		case float32:
			b.Append(float64(v))
		case float64:
			b.Append(v)
		default:
			return typeMismatch(b.Type(), v)
		}

	case *array.StringBuilder:
		var s, ok = v.(string)
		if !ok {
			return typeMismatch(b.Type(), v)
		}
		b.Append(s)

	case *array.BinaryBuilder:
		var bs, ok = v.([]byte)
		if !ok {
			return typeMismatch(b.Type(), v)
		}
		b.Append(bs)

	case *array.TimestampBuilder:
		var t, ok = v.(time.Time)
		if !ok {
			return typeMismatch(b.Type(), v)
		}
		ts, err := arrow.TimestampFromTime(t, arrow.Microsecond)
		if err != nil {
			return err
		}
		b.Append(ts)

	case *array.FixedSizeBinaryBuilder:
		var iid, ok = v.(IID)
		if !ok {
			return typeMismatch(b.Type(), v)
		}
		b.Append(iid[:])

	case *array.StructBuilder:
		var doc, ok = v.(Document)
		if !ok {
			return typeMismatch(b.Type(), v)
		}
		b.Append(true)
		var st = b.Type().(*arrow.StructType)
		for i, f := range st.Fields() {
			var fv, present = doc[f.Name]
			if !present {
				b.FieldBuilder(i).AppendNull()
			} else if err := appendValue(b.FieldBuilder(i), fv); err != nil {
				return errors.WithMessagef(err, "field %q", f.Name)
			}
		}

	case *array.ListBuilder:
		var elems, ok = v.([]any)
		if !ok {
			return typeMismatch(b.Type(), v)
		}
		b.Append(true)
		for i, e := range elems {
			if err := appendValue(b.ValueBuilder(), e); err != nil {
				return errors.WithMessagef(err, "element %d", i)
			}
		}

	default:
		return errors.Errorf("unsupported builder type %T", b)
	}
	return nil
}

func typeMismatch(dt arrow.DataType, v any) error {
	return errors.Errorf("value of type %T does not fit column type %s", v, dt)
}

// readValue materialises the Go value at index |i| of array |a|.
func readValue(a arrow.Array, i int) (any, error) {
	if a.IsNull(i) {
		return nil, nil
	}

	switch a := a.(type) {
	case *array.Null:
		return nil, nil
	case *array.Boolean:
		return a.Value(i), nil
	case *array.Int64:
		return a.Value(i), nil
	case *array.Float64:
		return a.Value(i), nil
	case *array.String:
		return a.Value(i), nil
	case *array.Binary:
		return append([]byte(nil), a.Value(i)...), nil
	case *array.Timestamp:
		var dt = a.DataType().(*arrow.TimestampType)
		return a.Value(i).ToTime(dt.Unit).UTC(), nil
	case *array.FixedSizeBinary:
		var iid IID
		copy(iid[:], a.Value(i))
		return iid, nil
	case *array.Struct:
		var st = a.DataType().(*arrow.StructType)
		var doc = make(Document, st.NumFields())
		for f := 0; f != st.NumFields(); f++ {
			var v, err = readValue(a.Field(f), i)
			if err != nil {
				return nil, errors.WithMessagef(err, "field %q", st.Field(f).Name)
			}
			if v != nil {
				doc[st.Field(f).Name] = v
			}
		}
		return doc, nil
	case *array.List:
		var start, end = a.ValueOffsets(i)
		var values = a.ListValues()
		var out = make([]any, 0, end-start)
		for j := start; j != end; j++ {
			var v, err = readValue(values, int(j))
			if err != nil {
				return nil, errors.WithMessagef(err, "element %d", j-start)
			}
			out = append(out, v)
		}
		return out, nil
	default:
		return nil, errors.Errorf("unsupported array type %T", a)
	}
}
