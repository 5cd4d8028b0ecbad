// Package canonical provides the deterministic encodings used for
// content-addressed identity: RFC 8785 canonical JSON over a sealed value
// type, and domain-separated Blake3 hashing.
package canonical

import (
	"encoding/base64"
	"slices"
	"unicode/utf16"
)

// Value is a sealed interface over the value types allowed in canonical
// documents. There is deliberately no float and no null.
type Value interface {
	canonicalValue()
}

// String is a UTF-8 string, NFC-normalised at encode time.
type String string

// Int is a signed 64-bit integer.
type Int int64

// Bool is a boolean.
type Bool bool

// Bytes encodes as an unpadded base64url string.
type Bytes []byte

// Array is an ordered list of values.
type Array []Value

// Object maps keys to values. Keys are emitted in UTF-16 code unit order.
type Object map[string]Value

func (String) canonicalValue() {}
func (Int) canonicalValue()    {}
func (Bool) canonicalValue()   {}
func (Bytes) canonicalValue()  {}
func (Array) canonicalValue()  {}
func (Object) canonicalValue() {}

// Strings builds an Array of String values.
func Strings(ss ...string) Array {
	out := make(Array, len(ss))
	for i, s := range ss {
		out[i] = String(s)
	}
	return out
}

// SortedKeys returns the object's keys in RFC 8785 order.
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	return slices.Compare(ua, ub)
}

func encodeBytes(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
