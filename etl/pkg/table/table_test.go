package table

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func hosts() *Table {
	t := New(Column{"host_id", TypeInt}, Column{"host_name", TypeText})
	t.Append(int64(1), "A")
	t.Append(int64(2), "X")
	t.Append(int64(1), "B")
	return t
}

func TestETL_Table_DedupeLast(t *testing.T) {
	t.Parallel()

	out, err := hosts().DedupeLast("host_id")
	require.NoError(t, err)
	require.Equal(t, [][]any{{int64(2), "X"}, {int64(1), "B"}}, out.Rows)

	_, err = hosts().DedupeLast("missing")
	require.Error(t, err)

	blanks := New(Column{"k", TypeText}, Column{"v", TypeText})
	blanks.Append(nil, "A")
	blanks.Append("", "B")
	blanks.Append(nil, "C")
	out, err = blanks.DedupeLast("k")
	require.NoError(t, err)
	require.Equal(t, [][]any{{"", "B"}, {nil, "C"}}, out.Rows)
}

func TestETL_Table_DropBlank(t *testing.T) {
	t.Parallel()

	df := New(Column{"k", TypeInt}, Column{"v", TypeText})
	df.Append(nil, "A")
	df.Append(int64(1), "B")
	df.Append("", "C")
	df.Append(int64(0), "D")

	out, dropped, err := df.DropBlank("k")
	require.NoError(t, err)
	require.Equal(t, 2, dropped)
	require.Equal(t, [][]any{{int64(1), "B"}, {int64(0), "D"}}, out.Rows)
	require.Equal(t, 4, df.Len())

	_, _, err = df.DropBlank("missing")
	require.Error(t, err)
}

func TestETL_Table_DedupeFirst(t *testing.T) {
	t.Parallel()

	out, err := hosts().DedupeFirst("host_id")
	require.NoError(t, err)
	require.Equal(t, [][]any{{int64(1), "A"}, {int64(2), "X"}}, out.Rows)

	nulls := New(Column{"n", TypeText})
	nulls.Append(nil)
	nulls.Append("")
	nulls.Append(nil)
	out, err = nulls.DedupeFirst("n")
	require.NoError(t, err)
	require.Equal(t, [][]any{{nil}, {""}}, out.Rows)
}

func TestETL_Table_Project(t *testing.T) {
	t.Parallel()

	out := hosts().Project("host_name", "host_since")
	require.Equal(t, []string{"host_name", "host_since"}, out.ColumnNames())
	require.Equal(t, TypeText, out.Columns[1].Type)
	require.Equal(t, []any{"A", nil}, out.Rows[0])
}

func TestETL_Table_SetColumnAndRename(t *testing.T) {
	t.Parallel()

	tbl := hosts()
	tbl.SetColumn(Column{"is_current", TypeBool}, true)
	tbl.SetColumn(Column{"host_name", TypeText}, nil)
	tbl.Rename("host_id", "id")
	require.Equal(t, []string{"id", "host_name", "is_current"}, tbl.ColumnNames())
	require.Equal(t, []any{int64(1), nil, true}, tbl.Rows[2])
}

func TestETL_Table_Head(t *testing.T) {
	t.Parallel()

	require.Equal(t, 2, hosts().Head(2).Len())
	require.Equal(t, 3, hosts().Head(0).Len())
	require.Equal(t, 3, hosts().Head(10).Len())
}

func TestETL_Table_Text(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"Alice", "Alice"},
		{int64(42), "42"},
		{100.0, "100"},
		{0.25, "0.25"},
		{true, "true"},
		{ts, "2024-01-02T03:04:05Z"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Text(tt.in))
	}
}

func TestETL_Table_Coerce(t *testing.T) {
	t.Parallel()

	tbl := New(Column{"price", TypeText}, Column{"last_review", TypeText})
	tbl.Append("12.5", "2023-05-01")
	tbl.Append("abc", "not a date")
	tbl.Append(nil, nil)

	require.Equal(t, []int{1}, tbl.Coerce("price", TypeFloat))
	require.Equal(t, []int{1}, tbl.Coerce("last_review", TypeTimestamp))
	require.Equal(t, 12.5, tbl.Rows[0][0])
	require.Nil(t, tbl.Rows[1][0])
	require.Equal(t, time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC), tbl.Rows[0][1])
	require.Nil(t, tbl.Rows[1][1])
	require.Nil(t, tbl.Rows[2][1])
	require.Equal(t, TypeTimestamp, tbl.Columns[1].Type)
}

func TestETL_Table_AsIntAndTruthy(t *testing.T) {
	t.Parallel()

	n, ok := AsInt("3.0")
	require.True(t, ok)
	require.Equal(t, int64(3), n)
	_, ok = AsInt("3.5")
	require.False(t, ok)

	for _, v := range []any{"t", "TRUE", " yes ", "1", true} {
		require.True(t, Truthy(v), "%v", v)
	}
	for _, v := range []any{"f", "no", "", nil, false} {
		require.False(t, Truthy(v), "%v", v)
	}
}
