package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSealed(t *testing.T) {
	var _ Value = Null{}
	var _ Value = String("test")
	var _ Value = Int(42)
	var _ Value = Bool(true)
	var _ Value = List{String("a"), Int(1)}
	var _ Value = Object{"key": String("value")}
}

func TestSortedKeys(t *testing.T) {
	obj := Object{
		"a":  Int(1),
		"A":  Int(2),
		"aa": Int(3),
		"Aa": Int(5),
		"AA": Int(6),
	}

	assert.Equal(t, []string{"A", "AA", "Aa", "a", "aa"}, obj.SortedKeys())
	assert.Empty(t, Object{}.SortedKeys())
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"same string", String("x"), String("x"), true},
		{"different string", String("x"), String("y"), false},
		{"string vs int", String("1"), Int(1), false},
		{"nil equals null", nil, Null{}, true},
		{"null vs value", Null{}, Int(0), false},
		{"lists", List{Int(1), String("a")}, List{Int(1), String("a")}, true},
		{"list length", List{Int(1)}, List{Int(1), Int(2)}, false},
		{"objects", Object{"a": Bool(true)}, Object{"a": Bool(true)}, true},
		{"object missing key", Object{"a": Null{}}, Object{"b": Null{}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
		})
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name   string
		a, b   Value
		want   int
		wantOK bool
	}{
		{"ints", Int(1), Int(2), -1, true},
		{"strings byte order", String("B"), String("a"), -1, true},
		{"bools", Bool(true), Bool(false), 1, true},
		{"null first", Null{}, String("a"), -1, true},
		{"null last arg", Int(3), nil, 1, true},
		{"mixed kinds", Int(1), String("1"), 0, false},
		{"lists not comparable", List{}, List{}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Compare(tt.a, tt.b)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseValueRejectsFloats(t *testing.T) {
	for _, in := range []string{`1.5`, `{"a":2.0}`, `[1e3]`} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseValue([]byte(in))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "floats")
		})
	}
}

func TestObjectJSON(t *testing.T) {
	obj := ObjectOf(P("b", Int(1)), P("a", List{Null{}, String("x")}))

	data, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":[null,"x"],"b":1}`, string(data))

	var decoded Object
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, Equal(obj, decoded))
}

func TestFromGo(t *testing.T) {
	v, err := FromGo(map[string]any{
		"n":    int(3),
		"s":    "x",
		"list": []any{true, nil},
	})
	require.NoError(t, err)
	assert.True(t, Equal(Object{
		"n":    Int(3),
		"s":    String("x"),
		"list": List{Bool(true), Null{}},
	}, v))

	_, err = FromGo(1.25)
	assert.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	orig := Object{"tags": List{String("a")}, "meta": Object{"k": Int(1)}}
	cp := orig.Clone()
	cp["tags"].(List)[0] = String("changed")
	cp["meta"].(Object)["k"] = Int(2)

	assert.Equal(t, String("a"), orig["tags"].(List)[0])
	assert.Equal(t, Int(1), orig["meta"].(Object)["k"])
}
