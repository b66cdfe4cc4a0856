package mapping

import (
	"bytes"
	"encoding/json"
	"strings"
)

// FieldType is the expected type of a mapped value after cleansing.
type FieldType string

const (
	TypeAny     FieldType = "any"
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeDate    FieldType = "date"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

func (t FieldType) Valid() bool {
	switch t {
	case "", TypeAny, TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeDate, TypeObject, TypeArray:
		return true
	}
	return false
}

// Field maps one input path to one output path, or emits a constant Value.
type Field struct {
	Source     string    `json:"source,omitempty"`
	Target     string    `json:"target"`
	Type       FieldType `json:"type,omitempty"`
	Required   bool      `json:"required,omitempty"`
	Default    any       `json:"default,omitempty"`
	Value      any       `json:"value,omitempty"`
	Transforms []string  `json:"transforms,omitempty"`
}

// Definition is the body of a mapping contract.
type Definition struct {
	// Strict rejects input keys that no field reads.
	Strict bool    `json:"strict,omitempty"`
	Fields []Field `json:"fields"`
}

// Parse decodes and validates a contract definition.
func Parse(raw []byte) (Definition, error) {
	var def Definition
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return Definition{}, &Error{Kind: KindInvalidContract, Detail: err.Error()}
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// Validate checks that every field is well formed and that no two targets collide.
func (d Definition) Validate() error {
	if len(d.Fields) == 0 {
		return newError(KindInvalidContract, "", "no fields")
	}

	targets := make(map[string]struct{}, len(d.Fields))
	for i, f := range d.Fields {
		if strings.TrimSpace(f.Target) == "" || !validPath(f.Target) {
			return newError(KindInvalidContract, f.Target, "field %d: invalid target", i)
		}
		hasSource := strings.TrimSpace(f.Source) != ""
		hasValue := f.Value != nil
		if hasSource == hasValue {
			return newError(KindInvalidContract, f.Target, "field %d: exactly one of source or value is required", i)
		}
		if hasSource && !validPath(f.Source) {
			return newError(KindInvalidContract, f.Source, "field %d: invalid source path", i)
		}
		if !f.Type.Valid() {
			return newError(KindInvalidContract, f.Target, "unknown type %q", f.Type)
		}
		for _, tr := range f.Transforms {
			if _, ok := transforms[tr]; !ok {
				return newError(KindInvalidContract, f.Target, "unknown transform %q", tr)
			}
		}
		if _, dup := targets[f.Target]; dup {
			return newError(KindInvalidContract, f.Target, "duplicate target")
		}
		targets[f.Target] = struct{}{}
	}

	// "a" and "a.b" cannot both be written.
	for t := range targets {
		for prefix := parentOf(t); prefix != ""; prefix = parentOf(prefix) {
			if _, ok := targets[prefix]; ok {
				return newError(KindInvalidContract, t, "target nested under scalar target %q", prefix)
			}
		}
	}
	return nil
}

func validPath(p string) bool {
	for _, seg := range strings.Split(p, ".") {
		if seg == "" {
			return false
		}
	}
	return true
}

func parentOf(p string) string {
	i := strings.LastIndexByte(p, '.')
	if i < 0 {
		return ""
	}
	return p[:i]
}
