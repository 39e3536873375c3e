package txenc

import (
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type bogusOp struct{}

func (bogusOp) Variant() string { return "bogus" }

func TestSerializeFailuresAreFatalAndReleaseAllocations(t *testing.T) {
	var validFrom = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var validTo = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var cases = []struct {
		name   string
		ops    []Op
		expect error
	}{
		{
			name:   "missing id",
			ops:    []Op{PutDocs{Table: "users", Docs: []Document{{"name": "A"}}}},
			expect: ErrMissingID,
		},
		{
			name:   "forbidden table",
			ops:    []Op{PutDocs{Table: "information_schema/x", Docs: []Document{{"_id": int64(1)}}}},
			expect: ErrForbiddenTable,
		},
		{
			name:   "forbidden xt schema",
			ops:    []Op{DeleteDocs{Table: "xt/secrets"}},
			expect: ErrForbiddenTable,
		},
		{
			name:   "arity mismatch",
			ops:    []Op{SQL{Query: "INSERT INTO t VALUES (?, ?)", Args: [][]any{{1, 2}, {3}}}},
			expect: ErrArgRowArityMismatch,
		},
		{
			name:   "unknown variant",
			ops:    []Op{bogusOp{}},
			expect: ErrUnknownOpVariant,
		},
		{
			name: "inverted valid range",
			ops: []Op{PutDocs{
				Table:     "users",
				Docs:      []Document{{"_id": "a"}},
				ValidFrom: &validFrom,
				ValidTo:   &validTo,
			}},
			expect: ErrInvalidValidRange,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var alloc = memory.NewCheckedAllocator(memory.NewGoAllocator())

			var payload, err = Serialize(alloc, tc.ops, SerializeOpts{})
			require.Nil(t, payload)
			require.Equal(t, tc.expect, errors.Cause(err))

			// No partial encoding: allocator usage is unchanged.
			alloc.AssertSize(t, 0)
		})
	}
}

func TestWriterErrorIsSticky(t *testing.T) {
	var w = NewOpWriter("UTC")

	require.Error(t, w.WriteOp(PutDocs{Table: "users", Docs: []Document{{"name": "A"}}}))
	require.Equal(t, ErrMissingID, errors.Cause(w.Err()))

	// A subsequent valid op is refused.
	require.Error(t, w.WriteOp(Abort{}))
	require.Empty(t, w.Ops())
}

func TestTxFnsTableIsWritable(t *testing.T) {
	var alloc = memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	var _, err = Serialize(alloc, []Op{
		PutDocs{Table: "xt.tx_fns", Docs: []Document{{"_id": "fn", "fn": "(fn [x] x)"}}},
	}, SerializeOpts{})
	require.NoError(t, err)
}

func TestNormalizeTable(t *testing.T) {
	var cases = []struct {
		in, out string
	}{
		{"users", "public/users"},
		{"Users", "public/users"},
		{"crm.users", "crm/users"},
		{"crm/users", "crm/users"},
		{"xt.tx_fns", "xt/tx_fns"},
	}
	for _, tc := range cases {
		var out, err = NormalizeTable(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.out, out)
	}

	for _, in := range []string{"xt/other", "information_schema/tables", "pg_catalog.pg_class", ""} {
		var _, err = NormalizeTable(in)
		require.Error(t, err, in)
	}
}

func TestComputeIIDIsDeterministic(t *testing.T) {
	var a1, err = ComputeIID("a")
	require.NoError(t, err)
	a2, err := ComputeIID("a")
	require.NoError(t, err)
	require.Equal(t, a1, a2)

	b, err := ComputeIID("b")
	require.NoError(t, err)
	require.NotEqual(t, a1, b)

	// Equal logical ints hash equally regardless of Go width.
	n1, err := ComputeIID(int(7))
	require.NoError(t, err)
	n2, err := ComputeIID(int64(7))
	require.NoError(t, err)
	require.Equal(t, n1, n2)

	// A string and an int of the same spelling do not collide.
	s7, err := ComputeIID("7")
	require.NoError(t, err)
	require.NotEqual(t, n1, s7)

	_, err = ComputeIID(nil)
	require.Error(t, err)
}
