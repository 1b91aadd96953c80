package schema

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/stagefeed/errs"
)

// Meta is an insertion-ordered map of string keys to JSON values.
// Values are stored in their encoded form so a Meta never aliases caller state.
type Meta struct {
	keys   []string
	values map[string]json.RawMessage
}

// MetaFromMap builds a Meta from a plain map, ordering keys lexically.
// Values that cannot be encoded are skipped and reported in the returned error.
func MetaFromMap(src map[string]any) (Meta, error) {
	if len(src) == 0 {
		return Meta{}, nil
	}
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := newMeta(len(keys))
	var skipped []string
	for _, k := range keys {
		key := strings.TrimSpace(k)
		if key == "" {
			skipped = append(skipped, k)
			continue
		}
		raw, err := json.Marshal(src[k])
		if err != nil {
			skipped = append(skipped, k)
			continue
		}
		out.set(key, raw)
	}
	if len(skipped) > 0 {
		return out, errs.New("schema/meta", errs.CodeMalformedEmit,
			errs.WithMessage("meta values not encodable"),
			errs.WithField("keys", strings.Join(skipped, ",")))
	}
	return out, nil
}

// With returns a copy of m with key set to value. Existing keys keep their position.
func (m Meta) With(key string, value any) (Meta, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return m, errs.New("schema/meta", errs.CodeInvalid, errs.WithMessage("meta key required"))
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return m, errs.New("schema/meta", errs.CodeInvalid, errs.WithField("key", key), errs.WithCause(err))
	}
	return m.withRaw(key, raw), nil
}

func newMeta(size int) Meta {
	return Meta{
		keys:   make([]string, 0, size),
		values: make(map[string]json.RawMessage, size),
	}
}

// set writes key in place. Only valid on a Meta under construction.
func (m *Meta) set(key string, raw json.RawMessage) {
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = raw
}

func (m Meta) withRaw(key string, raw json.RawMessage) Meta {
	out := Meta{
		keys:   make([]string, len(m.keys), len(m.keys)+1),
		values: make(map[string]json.RawMessage, len(m.values)+1),
	}
	copy(out.keys, m.keys)
	for k, v := range m.values {
		out.values[k] = v
	}
	if _, exists := out.values[key]; !exists {
		out.keys = append(out.keys, key)
	}
	out.values[key] = raw
	return out
}

// Len returns the number of entries.
func (m Meta) Len() int { return len(m.keys) }

// Keys returns the keys in insertion order.
func (m Meta) Keys() []string {
	if len(m.keys) == 0 {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Raw returns the encoded JSON value stored for key.
func (m Meta) Raw(key string) (json.RawMessage, bool) {
	raw, ok := m.values[key]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), raw...), true
}

// Get decodes the value stored for key.
func (m Meta) Get(key string) (any, bool) {
	raw, ok := m.values[key]
	if !ok {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}

// String returns the value for key when it is a JSON string.
func (m Meta) String(key string) string {
	raw, ok := m.values[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// Range calls fn for each entry in insertion order until fn returns false.
func (m Meta) Range(fn func(key string, value json.RawMessage) bool) {
	for _, k := range m.keys {
		if !fn(k, m.values[k]) {
			return
		}
	}
}

// MarshalJSON encodes the entries as a JSON object in insertion order.
func (m Meta) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(m.values[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, preserving key order.
func (m *Meta) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*m = Meta{}
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("meta: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errs.New("schema/meta", errs.CodeInvalid, errs.WithMessage("meta must be a JSON object"))
	}
	out := newMeta(0)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("meta key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return errs.New("schema/meta", errs.CodeInvalid, errs.WithMessage("meta key must be a string"))
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("meta value %q: %w", key, err)
		}
		if strings.TrimSpace(key) == "" {
			continue
		}
		out.set(strings.TrimSpace(key), append(json.RawMessage(nil), raw...))
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("meta: %w", err)
	}
	if out.Len() == 0 {
		out = Meta{}
	}
	*m = out
	return nil
}
