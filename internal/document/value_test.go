package document

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_JSONPreservesSequences(t *testing.T) {
	v := MappingValue(map[string]Value{
		"knowledge": SequenceValue(StringValue("e1"), StringValue("e2")),
		"empty":     SequenceValue(),
		"nested":    SequenceValue(SequenceValue(IntValue(1)), MappingValue(map[string]Value{"k": BoolValue(false)})),
	})

	b, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"knowledge":["e1","e2"],"empty":[],"nested":[[1],{"k":false}]}`, string(b))

	back, err := ParseJSON(b)
	require.NoError(t, err)
	assert.True(t, v.Equal(back))
}

func TestValue_MarshalRejectsNonFinite(t *testing.T) {
	for _, n := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := SequenceValue(NumberValue(n)).MarshalJSON()
		assert.ErrorIs(t, err, ErrUnsupportedNumber)
	}
}

func TestValue_FromAny(t *testing.T) {
	type record struct {
		Name  string   `json:"name"`
		Tags  []string `json:"tags"`
		Count int      `json:"count"`
	}

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"int", 3, 3.0},
		{"string slice", []string{"a", "b"}, []any{"a", "b"}},
		{"empty slice", []string{}, []any{}},
		{"nested map", map[string]any{"a": []any{1, "x"}}, map[string]any{"a": []any{1.0, "x"}}},
		{"struct", record{Name: "n", Tags: []string{"t"}, Count: 2}, map[string]any{"name": "n", "tags": []any{"t"}, "count": 2.0}},
		{"json number", json.Number("12.5"), 12.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := FromAny(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.ToAny())
		})
	}

	_, err := FromAny(make(chan int))
	assert.ErrorIs(t, err, ErrUnsupportedType)
	_, err = FromAny(map[int]string{1: "a"})
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestValue_IsEmpty(t *testing.T) {
	assert.True(t, Null().IsEmpty())
	assert.True(t, SequenceValue().IsEmpty())
	assert.True(t, EmptyMapping().IsEmpty())
	assert.False(t, StringValue("").IsEmpty())
	assert.False(t, IntValue(0).IsEmpty())
	assert.False(t, SequenceValue(Null()).IsEmpty())
}

func TestValue_CloneIsDeep(t *testing.T) {
	orig := MappingValue(map[string]Value{"list": SequenceValue(IntValue(1))})
	cp := orig.Clone()
	cp.m["list"].seq[0] = IntValue(9)

	first, _ := orig.Field("list")
	n, _ := first.Items()[0].AsNumber()
	assert.Equal(t, 1.0, n)
}

func TestPreview(t *testing.T) {
	v := StringValue("abcdefghijklmnopqrstuvwxyz")
	assert.Equal(t, `"abcdefghi...`, Preview(v, 10))
	assert.Equal(t, `3`, Preview(IntValue(3), 10))
}
