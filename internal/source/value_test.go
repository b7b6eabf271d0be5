package source_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gideon-mc/orm/internal/source"
)

type record struct {
	ID        int64
	CreatedAt time.Time
	Nickname  *string
	Score     float32
	Active    bool
	Payload   []byte
	Count     uint16
}

func field(r *record, name string) reflect.Value {
	return reflect.ValueOf(r).Elem().FieldByName(name)
}

func TestAssign(t *testing.T) {
	r := &record{}

	require.NoError(t, source.Assign(field(r, "ID"), int64(7)))
	require.NoError(t, source.Assign(field(r, "Score"), float64(1.5)))
	require.NoError(t, source.Assign(field(r, "Active"), int64(1)))
	require.NoError(t, source.Assign(field(r, "Payload"), "raw"))
	require.NoError(t, source.Assign(field(r, "Count"), []byte("42")))
	require.NoError(t, source.Assign(field(r, "Nickname"), []byte("bob")))
	require.NoError(t, source.Assign(field(r, "CreatedAt"), "2024-03-01 10:20:30"))

	require.Equal(t, int64(7), r.ID)
	require.Equal(t, float32(1.5), r.Score)
	require.True(t, r.Active)
	require.Equal(t, []byte("raw"), r.Payload)
	require.Equal(t, uint16(42), r.Count)
	require.Equal(t, "bob", *r.Nickname)
	require.Equal(t, time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC), r.CreatedAt)

	require.NoError(t, source.Assign(field(r, "Nickname"), nil))
	require.Nil(t, r.Nickname)
}

func TestAssignWidensNumbers(t *testing.T) {
	r := &record{}
	require.NoError(t, source.Assign(field(r, "ID"), 12))
	require.Equal(t, int64(12), r.ID)
	require.NoError(t, source.Assign(field(r, "ID"), int32(13)))
	require.Equal(t, int64(13), r.ID)
	require.NoError(t, source.Assign(field(r, "Count"), uint8(9)))
	require.Equal(t, uint16(9), r.Count)
	require.NoError(t, source.Assign(field(r, "Score"), float32(0.25)))
	require.Equal(t, float32(0.25), r.Score)
}

func TestAssignErrors(t *testing.T) {
	r := &record{}
	require.ErrorContains(t, source.Assign(field(r, "Count"), int64(70000)), "overflows")
	require.ErrorContains(t, source.Assign(field(r, "Count"), int64(-1)), "negative")
	require.Error(t, source.Assign(field(r, "ID"), "seven"))
	require.ErrorContains(t, source.Assign(field(r, "CreatedAt"), "yesterday"), "unrecognised timestamp")
	require.Error(t, source.Assign(field(r, "Active"), time.Now()))
	require.ErrorContains(t, source.Assign(field(r, "ID"), 1.5), "not an integer")
	require.ErrorContains(t, source.Assign(field(r, "Count"), 2.5), "not a natural number")
	require.NoError(t, source.Assign(field(r, "ID"), 3.0))
	require.Equal(t, int64(3), r.ID)
}

func TestValueAndEqual(t *testing.T) {
	name := "bob"
	r := &record{Nickname: &name, Payload: []byte{1, 2}}

	require.Equal(t, "bob", source.Value(field(r, "Nickname")))
	payload := source.Value(field(r, "Payload")).([]byte)
	payload[0] = 9
	require.Equal(t, byte(1), r.Payload[0])

	r.Nickname = nil
	require.Nil(t, source.Value(field(r, "Nickname")))

	now := time.Now()
	require.True(t, source.Equal(now, now.In(time.UTC)))
	require.True(t, source.Equal([]byte("a"), []byte("a")))
	require.True(t, source.Equal(nil, nil))
	require.False(t, source.Equal(nil, 0))
	require.False(t, source.Equal(int64(1), 1))
}

func TestCompare(t *testing.T) {
	a, b := "a", "b"
	cases := []struct {
		x, y any
		want int
	}{
		{1, 2, -1},
		{uint(3), uint(3), 0},
		{2.5, 1.0, 1},
		{"pear", "apple", 1},
		{false, true, -1},
		{(*string)(nil), &a, -1},
		{&b, &a, 1},
		{time.Unix(10, 0), time.Unix(20, 0), -1},
	}
	for _, c := range cases {
		require.Equal(t, c.want, source.Compare(reflect.ValueOf(c.x), reflect.ValueOf(c.y)), "%v <=> %v", c.x, c.y)
	}

	require.True(t, source.Orderable(reflect.TypeOf(&a)))
	require.True(t, source.Orderable(reflect.TypeOf(time.Time{})))
	require.False(t, source.Orderable(reflect.TypeOf([]int{})))
}

func TestSource(t *testing.T) {
	src := source.NewSource(&record{})
	require.True(t, src.IsStruct())
	require.Equal(t, "record", src.Name())
	require.Len(t, src.Fields(), 7)

	typed := source.NewSource(reflect.TypeOf(&record{}))
	require.Equal(t, src.T, typed.T)
	require.False(t, typed.V.IsValid())

	require.False(t, source.NewSource(42).IsStruct())
	require.Equal(t, "created_at", source.ColumnName("CreatedAt"))
	require.Equal(t, "isbn", source.ColumnName("ISBN"))
}
