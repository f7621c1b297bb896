package ir

import (
	"slices"
	"unicode/utf16"
)

// Value is anything that can appear in authenticated public data. The set is
// closed: strings, integers, booleans, arrays and objects. Public data never
// carries floats or null, so every Value has exactly one canonical encoding.
type Value interface {
	isValue()
}

type (
	String string
	Int    int64
	Bool   bool
	Array  []Value
	Object map[string]Value
)

func (String) isValue() {}
func (Int) isValue()    {}
func (Bool) isValue()   {}
func (Array) isValue()  {}
func (Object) isValue() {}

// ClockObject renders per-author update clocks as an Object. A nil map
// yields an empty Object, which encodes as "{}".
func ClockObject(clocks map[string]int64) Object {
	obj := make(Object, len(clocks))
	for author, clock := range clocks {
		obj[author] = Int(clock)
	}
	return obj
}

// SortedKeys returns the keys of obj in canonical order: lexicographic by
// UTF-16 code unit, which differs from byte order for astral characters.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, utf16Order)
	return keys
}

func utf16Order(a, b string) int {
	return slices.Compare(utf16.Encode([]rune(a)), utf16.Encode([]rune(b)))
}
