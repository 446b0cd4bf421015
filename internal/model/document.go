// Package model defines the core records of the mirror-delta engine:
// forecast documents, mirrors, modifications, and sync conflicts.
package model

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/rotisserie/eris"
)

// ValueKind enumerates the closed set of value types a document field may hold.
type ValueKind string

const (
	KindString ValueKind = "string"
	KindNumber ValueKind = "number"
	KindBool   ValueKind = "bool"
	KindTime   ValueKind = "time"
	KindNull   ValueKind = "null"
)

// Value is a single document field value. Exactly one of the typed fields is
// meaningful, selected by Kind.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	Time time.Time
}

// String returns a string value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Number returns a numeric value.
func Number(n float64) Value { return Value{Kind: KindNumber, Num: n} }

// Bool returns a boolean value.
func Boolean(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Timestamp returns a time value, truncated to UTC.
func Timestamp(t time.Time) Value { return Value{Kind: KindTime, Time: t.UTC()} }

// Null returns the null value.
func Null() Value { return Value{Kind: KindNull} }

// Equal reports whether two values have the same kind and payload.
// Times compare by instant, not by location.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == o.Str
	case KindNumber:
		return v.Num == o.Num
	case KindBool:
		return v.Bool == o.Bool
	case KindTime:
		return v.Time.Equal(o.Time)
	default:
		return true
	}
}

// MarshalJSON encodes the value as its natural JSON representation.
// Times serialize as RFC3339 strings.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(v.Str)
	case KindNumber:
		return json.Marshal(v.Num)
	case KindBool:
		return json.Marshal(v.Bool)
	case KindTime:
		return json.Marshal(v.Time.UTC().Format(time.RFC3339Nano))
	case KindNull:
		return []byte("null"), nil
	default:
		return nil, eris.Errorf("model: unknown value kind %q", v.Kind)
	}
}

// UnmarshalJSON decodes a JSON scalar into a Value. Strings that parse as
// RFC3339 timestamps become KindTime; arrays and objects are rejected since
// documents are flat key/value mappings.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return eris.Wrap(err, "model: unmarshal value")
	}
	switch x := raw.(type) {
	case nil:
		*v = Null()
	case bool:
		*v = Boolean(x)
	case float64:
		*v = Number(x)
	case string:
		if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
			*v = Timestamp(t)
		} else {
			*v = String(x)
		}
	default:
		return eris.Errorf("model: document values must be scalar, got %T", raw)
	}
	return nil
}

// Document is a flat mapping of field names to scalar values. It is the
// representation of both mirror snapshots and delta overlays.
type Document map[string]Value

// Merge returns base with overlay's fields shallow-overlaid on top: overlay
// wins per key, keys absent from overlay pass through unchanged. Neither
// input is mutated. Merge is pure and idempotent.
func Merge(base, overlay Document) Document {
	out := make(Document, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// Keys returns the document's field names in ascending order.
func (d Document) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Equal reports whether two documents contain the same keys and values.
func (d Document) Equal(o Document) bool {
	if len(d) != len(o) {
		return false
	}
	for k, v := range d {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// EncodeDocument serializes a document to canonical JSON for storage.
func EncodeDocument(d Document) ([]byte, error) {
	if d == nil {
		d = Document{}
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, eris.Wrap(err, "model: encode document")
	}
	return data, nil
}

// DecodeDocument parses a stored JSON document.
func DecodeDocument(data []byte) (Document, error) {
	if len(data) == 0 {
		return Document{}, nil
	}
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, eris.Wrap(err, "model: decode document")
	}
	if d == nil {
		d = Document{}
	}
	return d, nil
}
