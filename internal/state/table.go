package state

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
)

// KeyCodec converts table keys to and from their persisted string form.
type KeyCodec[K cmp.Ordered] struct {
	Encode func(K) string
	Decode func(string) (K, error)
}

// StringKeys is the identity codec for string keys.
var StringKeys = TextKeys[string]()

// Uint64Keys encodes numeric ids in decimal.
var Uint64Keys = IDKeys[uint64]()

// TextKeys is the identity codec for any string-based key type.
func TextKeys[K ~string]() KeyCodec[K] {
	return KeyCodec[K]{
		Encode: func(k K) string { return string(k) },
		Decode: func(s string) (K, error) { return K(s), nil },
	}
}

// IDKeys encodes any uint64-based id type in decimal.
func IDKeys[K ~uint64]() KeyCodec[K] {
	return KeyCodec[K]{
		Encode: func(k K) string { return strconv.FormatUint(uint64(k), 10) },
		Decode: func(s string) (K, error) {
			n, err := strconv.ParseUint(s, 10, 64)
			return K(n), err
		},
	}
}

// Cloner is implemented by values that hold slices or maps, so the table can
// hand out copies that callers may mutate freely.
type Cloner[V any] interface {
	Clone() V
}

// Loader is the type-erased view of a table used by snapshot and restore.
type Loader interface {
	Name() string
	Load(key string, raw []byte) error
	Dump() map[string]any
}

// Table is a journaled map from K to V. Reads return copies; writes go
// through Put and Delete so they can be undone.
type Table[K cmp.Ordered, V any] struct {
	name  string
	codec KeyCodec[K]
	j     *Journal
	rows  map[K]V
}

// NewTable creates a table registered against journal j.
func NewTable[K cmp.Ordered, V any](j *Journal, name string, codec KeyCodec[K]) *Table[K, V] {
	return &Table[K, V]{
		name:  name,
		codec: codec,
		j:     j,
		rows:  make(map[K]V),
	}
}

// Name returns the table name used in change sets.
func (t *Table[K, V]) Name() string {
	return t.name
}

// Get returns the value stored under k.
func (t *Table[K, V]) Get(k K) (V, bool) {
	v, ok := t.rows[k]
	if !ok {
		return v, false
	}
	return clone(v), true
}

// Has reports whether k is present.
func (t *Table[K, V]) Has(k K) bool {
	_, ok := t.rows[k]
	return ok
}

// Put inserts or replaces the value stored under k.
func (t *Table[K, V]) Put(k K, v V) {
	prev, had := t.rows[k]
	t.rows[k] = clone(v)
	t.j.record(func() {
		if had {
			t.rows[k] = prev
		} else {
			delete(t.rows, k)
		}
	})
	t.markDirty(k)
}

// Delete removes k. Deleting a missing key is a no-op.
func (t *Table[K, V]) Delete(k K) {
	prev, had := t.rows[k]
	if !had {
		return
	}
	delete(t.rows, k)
	t.j.record(func() { t.rows[k] = prev })
	t.markDirty(k)
}

// Len returns the number of rows.
func (t *Table[K, V]) Len() int {
	return len(t.rows)
}

// Keys returns all keys in ascending order.
func (t *Table[K, V]) Keys() []K {
	keys := make([]K, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Range calls fn for every row in ascending key order until fn returns false.
func (t *Table[K, V]) Range(fn func(K, V) bool) {
	for _, k := range t.Keys() {
		if !fn(k, clone(t.rows[k])) {
			return
		}
	}
}

// Load inserts a persisted row without journaling it. It is used when the
// engine is restored from storage.
func (t *Table[K, V]) Load(key string, raw []byte) error {
	k, err := t.codec.Decode(key)
	if err != nil {
		return fmt.Errorf("state: %s: decode key %q: %w", t.name, key, err)
	}
	var v V
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("state: %s: decode row %q: %w", t.name, key, err)
	}
	t.rows[k] = v
	return nil
}

// Dump returns every row keyed by its encoded key.
func (t *Table[K, V]) Dump() map[string]any {
	out := make(map[string]any, len(t.rows))
	for k, v := range t.rows {
		out[t.codec.Encode(k)] = clone(v)
	}
	return out
}

func (t *Table[K, V]) markDirty(k K) {
	t.j.touch(t.name, t.codec.Encode(k), func() (any, bool) {
		v, ok := t.rows[k]
		if !ok {
			return nil, false
		}
		return clone(v), true
	})
}

func clone[V any](v V) V {
	if c, ok := any(v).(Cloner[V]); ok {
		return c.Clone()
	}
	return v
}
