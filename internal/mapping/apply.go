package mapping

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// DecodePayload decodes an inbox payload into a JSON object, keeping numbers exact.
func DecodePayload(raw []byte) (map[string]any, error) {
	var in map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&in); err != nil {
		return nil, &Error{Kind: KindInvalidPayload, Detail: err.Error()}
	}
	if in == nil {
		return nil, &Error{Kind: KindInvalidPayload, Detail: "payload is not a JSON object"}
	}
	return in, nil
}

// Apply maps input through def and returns the outbound payload. It never returns a
// partially mapped payload: any failure yields a *Error and a nil map.
func Apply(def Definition, input map[string]any) (map[string]any, error) {
	if def.Strict {
		if err := checkUnknown(def, input); err != nil {
			return nil, err
		}
	}

	out := make(map[string]any, len(def.Fields))
	for _, f := range def.Fields {
		if f.Value != nil {
			setPath(out, f.Target, f.Value)
			continue
		}

		v, ok := lookup(input, f.Source)
		if ok && v != nil {
			v = applyTransforms(f.Transforms, v)
			// blank strings count as absent
			if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
				ok = false
			}
		}
		if !ok || v == nil {
			switch {
			case f.Default != nil:
				v = f.Default
			case f.Required:
				return nil, newError(KindMissingRequired, f.Source, "no value")
			default:
				continue
			}
		}

		cv, err := coerce(f.Type, v)
		if err != nil {
			return nil, newError(KindTypeMismatch, f.Source, "%v", err)
		}
		setPath(out, f.Target, cv)
	}
	return out, nil
}

// Marshal applies def to a raw payload and encodes the result as JSON.
func Marshal(def Definition, raw []byte) ([]byte, error) {
	in, err := DecodePayload(raw)
	if err != nil {
		return nil, err
	}
	out, err := Apply(def, in)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func checkUnknown(def Definition, input map[string]any) error {
	known := make(map[string]struct{}, len(def.Fields))
	for _, f := range def.Fields {
		if f.Source == "" {
			continue
		}
		head, _, _ := strings.Cut(f.Source, ".")
		known[head] = struct{}{}
	}

	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, ok := known[k]; !ok {
			return newError(KindUnknownField, k, "not referenced by contract")
		}
	}
	return nil
}

// lookup walks a dot path through objects and arrays ("items.0.code").
func lookup(in map[string]any, path string) (any, bool) {
	var cur any = in
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// setPath writes v at a dot path, creating intermediate objects. Definition.Validate
// guarantees that no scalar sits on the way.
func setPath(out map[string]any, path string, v any) {
	segs := strings.Split(path, ".")
	node := out
	for _, seg := range segs[:len(segs)-1] {
		next, ok := node[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[seg] = next
		}
		node = next
	}
	node[segs[len(segs)-1]] = v
}
