package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", String("hello"), `"hello"`},
		{"empty string", String(""), `""`},
		{"int", Int(42), "42"},
		{"negative int", Int(-1), "-1"},
		{"max int64", Int(9223372036854775807), "9223372036854775807"},
		{"bool", Bool(true), "true"},
		{"empty array", Array{}, "[]"},
		{"empty object", Object{}, "{}"},
		{"array of ints", Array{Int(1), Int(2)}, "[1,2]"},
		{"plain go string", "x", `"x"`},
		{"plain go int64", int64(7), "7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalSortedKeys(t *testing.T) {
	obj := Object{
		"snapshotId":       String("s1"),
		"docId":            String("d1"),
		"parentSnapshotId": String(""),
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"docId":"d1","parentSnapshotId":"","snapshotId":"s1"}`, string(result))
}

func TestMarshalCanonicalNestedClocks(t *testing.T) {
	obj := Object{
		"parentSnapshotUpdateClocks": ClockObject(map[string]int64{"bob": 3, "alice": 1}),
		"clock":                      Int(0),
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"clock":0,"parentSnapshotUpdateClocks":{"alice":1,"bob":3}}`, string(result))
}

func TestMarshalCanonicalUTF16Ordering(t *testing.T) {
	// U+10000 encodes as surrogates 0xD800 0xDC00, which sort before U+E000
	// in UTF-16 even though UTF-8 bytes order them the other way around.
	obj := Object{
		"\uE000":     Int(1),
		"\U00010000": Int(2),
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"`+"\U00010000"+`":2,"`+"\uE000"+`":1}`, string(result))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	result, err := MarshalCanonical(String("<a & b>"))
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(result))
}

func TestMarshalCanonicalRejectsFloatsAndNull(t *testing.T) {
	_, err := MarshalCanonical(3.14)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "float")

	_, err = MarshalCanonical(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "null")

	_, err = MarshalCanonical(Object{"missing": nil})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestMarshalCanonicalNFCNormalization(t *testing.T) {
	// "é" precomposed vs "e" + combining acute accent.
	a, err := MarshalCanonical(String("\u00e9"))
	require.NoError(t, err)
	b, err := MarshalCanonical(String("e\u0301"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestMarshalCanonicalStringEscaping(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"quote", `a"b`, `"a\"b"`},
		{"backslash", `a\b`, `"a\\b"`},
		{"newline", "a\nb", `"a\nb"`},
		{"tab", "a\tb", `"a\tb"`},
		{"control", "a\x01b", `"a\u0001b"`},
		{"unit separator", "\x1f", `"\u001f"`},
		{"line separator stays literal", "a\u2028b", "\"a\u2028b\""},
		{"literal backslash u2028", `\u2028`, `"\\u2028"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalPlainContainers(t *testing.T) {
	result, err := MarshalCanonical(map[string]any{"b": 1, "a": []any{"x", true}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":["x",true],"b":1}`, string(result))
}

func FuzzMarshalCanonicalDeterministic(f *testing.F) {
	f.Add("hello", int64(1))
	f.Add("\u2028\\", int64(-5))
	f.Fuzz(func(t *testing.T, s string, n int64) {
		obj := Object{s: Int(n), "k": String(s)}
		first, err := MarshalCanonical(obj)
		require.NoError(t, err)
		second, err := MarshalCanonical(obj)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}

func TestSigningPayloadStable(t *testing.T) {
	pub := Object{"docId": String("d"), "pubKey": String("p")}

	a := SigningPayload("c", "n", pub)
	b := SigningPayload("c", "n", Object{"pubKey": String("p"), "docId": String("d")})
	assert.Equal(t, a, b)
	assert.Contains(t, string(a), `"ciphertext":"c"`)
	assert.NotEqual(t, a, SigningPayload("c", "n2", pub))
	assert.NotEqual(t, a, SigningPayload("c", "n", Object{"docId": String("other"), "pubKey": String("p")}))
}
