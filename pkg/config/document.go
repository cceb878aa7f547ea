package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"cuelang.org/go/cue"

	"github.com/distbuild/distbuild/pkg/diff"
)

var _ diff.ConfigSource = (*Document)(nil)

// Document is the distribution configuration of a build definition. Tasks
// query it with dotted CUE paths such as "release.version".
type Document struct {
	val cue.Value
}

// NewDocument wraps a CUE value.
func NewDocument(val cue.Value) *Document {
	return &Document{val: val}
}

// Value returns the underlying CUE value.
func (d *Document) Value() cue.Value { return d.val }

// Exists reports whether the definition has a config section.
func (d *Document) Exists() bool { return d != nil && d.val.Exists() }

func (d *Document) lookup(path string) (cue.Value, bool) {
	if !d.Exists() {
		return cue.Value{}, false
	}
	p := cue.ParsePath(path)
	if p.Err() != nil {
		return cue.Value{}, false
	}
	v := d.val.LookupPath(p)
	if !v.Exists() || v.Validate(cue.Concrete(true)) != nil {
		return cue.Value{}, false
	}
	return v, true
}

// Lookup returns the JSON form of the concrete value at path. Integers are
// returned as int64, other numbers as float64, objects as map[string]any.
// Integers beyond int64 keep their literal as json.Number.
func (d *Document) Lookup(path string) (any, bool) {
	v, ok := d.lookup(path)
	if !ok {
		return nil, false
	}
	data, err := v.MarshalJSON()
	if err != nil {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, false
	}
	return convertNumbers(out), true
}

func convertNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if strings.ContainsAny(val.String(), ".eE") {
			if f, err := val.Float64(); err == nil {
				return f
			}
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = convertNumbers(item)
		}
		return val
	case map[string]any:
		for k, item := range val {
			val[k] = convertNumbers(item)
		}
		return val
	default:
		return v
	}
}

// Decode decodes the value at path into v.
func (d *Document) Decode(path string, v any) error {
	val, ok := d.lookup(path)
	if !ok {
		return fmt.Errorf("config path %s not found", path)
	}
	if err := val.Decode(v); err != nil {
		return fmt.Errorf("failed to decode config path %s: %w", path, err)
	}
	return nil
}

// String returns the string at path.
func (d *Document) String(path string) (string, bool) {
	v, ok := d.lookup(path)
	if !ok {
		return "", false
	}
	s, err := v.String()
	if err != nil {
		return "", false
	}
	return s, true
}

// ExportJSON exports the whole configuration as indented JSON.
func (d *Document) ExportJSON() ([]byte, error) {
	if !d.Exists() {
		return []byte("{}"), nil
	}
	var data interface{}
	if err := d.val.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}

	return json.MarshalIndent(data, "", "  ")
}
