// Package bencode implements the bencode value model used by torrent
// metainfo, tracker responses and the extension protocol. Values are explicit
// trees rather than reflected structs so byte strings survive round-trips
// untouched; decode(encode(v)) == v for every valid value.
package bencode

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Value is a bencoded value: Int, String, List or Dict.
type Value interface {
	encodeTo(w *bytes.Buffer)
}

// Int is a bencoded integer.
type Int int64

// String is a bencoded byte string. It may carry arbitrary non-UTF-8 bytes.
type String []byte

// List is a bencoded list.
type List []Value

// Dict is a bencoded dictionary. Keys are raw byte strings; encoding always
// emits keys in lexicographic order regardless of insertion order.
type Dict map[string]Value

func (v Int) encodeTo(w *bytes.Buffer) {
	w.WriteByte('i')
	w.WriteString(strconv.FormatInt(int64(v), 10))
	w.WriteByte('e')
}

func (v String) encodeTo(w *bytes.Buffer) {
	w.WriteString(strconv.Itoa(len(v)))
	w.WriteByte(':')
	w.Write(v)
}

func (v List) encodeTo(w *bytes.Buffer) {
	w.WriteByte('l')
	for _, e := range v {
		e.encodeTo(w)
	}
	w.WriteByte('e')
}

func (v Dict) encodeTo(w *bytes.Buffer) {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.WriteByte('d')
	for _, k := range keys {
		String(k).encodeTo(w)
		v[k].encodeTo(w)
	}
	w.WriteByte('e')
}

// Encode returns the bencoded form of v.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	v.encodeTo(&buf)
	return buf.Bytes()
}

// EncodeTo writes the bencoded form of v to w.
func EncodeTo(w io.Writer, v Value) error {
	_, err := w.Write(Encode(v))
	return err
}

// GetInt returns the Int under key, or an error if absent or mistyped.
func (v Dict) GetInt(key string) (int64, error) {
	e, ok := v[key]
	if !ok {
		return 0, &MissingKeyError{key}
	}
	i, ok := e.(Int)
	if !ok {
		return 0, &TypeMismatchError{key, "int"}
	}
	return int64(i), nil
}

// GetString returns the String under key, or an error if absent or mistyped.
func (v Dict) GetString(key string) ([]byte, error) {
	e, ok := v[key]
	if !ok {
		return nil, &MissingKeyError{key}
	}
	s, ok := e.(String)
	if !ok {
		return nil, &TypeMismatchError{key, "string"}
	}
	return []byte(s), nil
}

// GetList returns the List under key, or an error if absent or mistyped.
func (v Dict) GetList(key string) (List, error) {
	e, ok := v[key]
	if !ok {
		return nil, &MissingKeyError{key}
	}
	l, ok := e.(List)
	if !ok {
		return nil, &TypeMismatchError{key, "list"}
	}
	return l, nil
}

// GetDict returns the Dict under key, or an error if absent or mistyped.
func (v Dict) GetDict(key string) (Dict, error) {
	e, ok := v[key]
	if !ok {
		return nil, &MissingKeyError{key}
	}
	d, ok := e.(Dict)
	if !ok {
		return nil, &TypeMismatchError{key, "dict"}
	}
	return d, nil
}

// MissingKeyError indicates a required dict key was absent.
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("bencode: missing key %q", e.Key)
}

// TypeMismatchError indicates a dict entry did not have the expected kind.
type TypeMismatchError struct {
	Key  string
	Want string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("bencode: key %q is not a %s", e.Key, e.Want)
}
