package config

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Config is an immutable, ordered key/value document.
//
// Values are JSON values: nil, bool, json.Number (or any Go number set by
// callers), string, []any and nested Config. Key order is kept from the
// source document so a stored document reads back byte-identical.
type Config struct {
	keys   []string
	values map[string]any
}

// New returns an empty document.
func New() Config {
	return Config{}
}

// FromMap builds a document from a map. Keys are sorted because map order is
// not defined.
func FromMap(m map[string]any) Config {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	c := Config{keys: keys, values: make(map[string]any, len(m))}
	for _, k := range keys {
		c.values[k] = normalize(m[k])
	}
	return c
}

// Parse decodes a JSON object into a document, keeping key order.
// Empty input parses to the empty document.
func Parse(data []byte) (Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return New(), nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return Config{}, fmt.Errorf("parse config: expected object, got %v", tok)
	}

	c, err := decodeObject(dec)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: trailing data after object")
	}
	return c, nil
}

// MustParse is Parse for literals in tests and defaults.
func MustParse(s string) Config {
	c, err := Parse([]byte(s))
	if err != nil {
		panic(err)
	}
	return c
}

func decodeObject(dec *json.Decoder) (Config, error) {
	c := Config{values: make(map[string]any)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return Config{}, err
		}
		key, ok := tok.(string)
		if !ok {
			return Config{}, fmt.Errorf("expected object key, got %v", tok)
		}
		v, err := decodeValue(dec)
		if err != nil {
			return Config{}, err
		}
		if _, exists := c.values[key]; !exists {
			c.keys = append(c.keys, key)
		}
		c.values[key] = v
	}
	// closing '}'
	if _, err := dec.Token(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch delim {
	case '{':
		return decodeObject(dec)
	case '[':
		list := []any{}
		for dec.More() {
			v, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return list, nil
	default:
		return nil, fmt.Errorf("unexpected delimiter %v", delim)
	}
}

// normalize turns caller-supplied maps into documents so every nested object
// is a Config.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return FromMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case []Config:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	default:
		return v
	}
}

// Len returns the number of keys.
func (c Config) Len() int { return len(c.keys) }

// IsEmpty reports whether the document has no keys.
func (c Config) IsEmpty() bool { return len(c.keys) == 0 }

// Keys returns the keys in document order.
func (c Config) Keys() []string {
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// Has reports whether key is present.
func (c Config) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Get returns the raw value for key.
func (c Config) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// GetString returns the string value for key or def.
func (c Config) GetString(key, def string) string {
	v, ok := c.values[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// GetInt returns the integer value for key or def when absent or not numeric.
func (c Config) GetInt(key string, def int) int {
	v, ok := c.values[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
		if f, err := t.Float64(); err == nil {
			return int(f)
		}
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return def
}

// GetBool returns the boolean value for key or def.
func (c Config) GetBool(key string, def bool) bool {
	if v, ok := c.values[key].(bool); ok {
		return v
	}
	return def
}

// GetNested returns the nested document for key, or an empty document.
func (c Config) GetNested(key string) Config {
	if v, ok := c.values[key].(Config); ok {
		return v
	}
	return New()
}

// GetList returns the list value for key, or nil.
func (c Config) GetList(key string) []any {
	if v, ok := c.values[key].([]any); ok {
		out := make([]any, len(v))
		copy(out, v)
		return out
	}
	return nil
}

// GetConfigList returns the nested documents stored in a list value.
// Non-object entries are skipped.
func (c Config) GetConfigList(key string) []Config {
	var out []Config
	for _, e := range c.GetList(key) {
		if nested, ok := e.(Config); ok {
			out = append(out, nested)
		}
	}
	return out
}

// Set returns a copy of the document with key set to v. An existing key keeps
// its position; a new key is appended.
func (c Config) Set(key string, v any) Config {
	out := c.clone()
	if _, exists := out.values[key]; !exists {
		out.keys = append(out.keys, key)
	}
	out.values[key] = normalize(v)
	return out
}

// Remove returns a copy of the document without key.
func (c Config) Remove(key string) Config {
	if !c.Has(key) {
		return c
	}
	out := Config{values: make(map[string]any, len(c.values)-1)}
	for _, k := range c.keys {
		if k == key {
			continue
		}
		out.keys = append(out.keys, k)
		out.values[k] = c.values[k]
	}
	return out
}

// Merge returns a copy of c overlaid with other. Nested documents are merged
// recursively; other values replace.
func (c Config) Merge(other Config) Config {
	out := c.clone()
	for _, k := range other.keys {
		ov := other.values[k]
		if cur, ok := out.values[k].(Config); ok {
			if nested, ok := ov.(Config); ok {
				out.values[k] = cur.Merge(nested)
				continue
			}
		}
		if _, exists := out.values[k]; !exists {
			out.keys = append(out.keys, k)
		}
		out.values[k] = ov
	}
	return out
}

func (c Config) clone() Config {
	out := Config{
		keys:   make([]string, len(c.keys), len(c.keys)+1),
		values: make(map[string]any, len(c.values)+1),
	}
	copy(out.keys, c.keys)
	for k, v := range c.values {
		out.values[k] = v
	}
	return out
}

// ToMap converts the document to plain Go maps, e.g. for template contexts.
func (c Config) ToMap() map[string]any {
	m := make(map[string]any, len(c.keys))
	for _, k := range c.keys {
		m[k] = toPlain(c.values[k])
	}
	return m
}

func toPlain(v any) any {
	switch t := v.(type) {
	case Config:
		return t.ToMap()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = toPlain(e)
		}
		return out
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}

// Equal compares two documents ignoring key order.
func (c Config) Equal(other Config) bool {
	a, errA := json.Marshal(c.ToMap())
	b, errB := json.Marshal(other.ToMap())
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// MarshalJSON encodes the document in key order.
func (c Config) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range c.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(c.values[k])
		if err != nil {
			return nil, fmt.Errorf("marshal config key %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping key order.
func (c *Config) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		*c = New()
		return nil
	}
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// String returns the JSON encoding, for logs.
func (c Config) String() string {
	b, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid config: %v>", err)
	}
	return string(b)
}

// Value implements driver.Valuer; documents are stored as JSON text.
func (c Config) Value() (driver.Value, error) {
	b, err := c.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner. NULL scans to the empty document.
func (c *Config) Scan(src any) error {
	switch t := src.(type) {
	case nil:
		*c = New()
		return nil
	case string:
		return c.UnmarshalJSON([]byte(t))
	case []byte:
		return c.UnmarshalJSON(t)
	default:
		return fmt.Errorf("scan config: unsupported source type %T", src)
	}
}
