package mapping

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

var transforms = map[string]func(string) string{
	"trim":  strings.TrimSpace,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
}

// applyTransforms runs string transforms in order; non-string values pass through.
func applyTransforms(names []string, v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	for _, name := range names {
		s = transforms[name](s)
	}
	return s
}

// coerce cleanses v into t. Lossless conversions are allowed (numeric strings to
// numbers, numbers to strings); anything else is a mismatch.
func coerce(t FieldType, v any) (any, error) {
	switch t {
	case "", TypeAny:
		return v, nil

	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case json.Number:
			return x.String(), nil
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		case int:
			return strconv.Itoa(x), nil
		case int64:
			return strconv.FormatInt(x, 10), nil
		case bool:
			return strconv.FormatBool(x), nil
		}

	case TypeNumber:
		f, ok := toFloat(v)
		if ok {
			return f, nil
		}

	case TypeInteger:
		switch x := v.(type) {
		case json.Number:
			if i, err := x.Int64(); err == nil {
				return i, nil
			}
		case string:
			s := strings.TrimSpace(x)
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return i, nil
			}
		case int:
			return int64(x), nil
		case int64:
			return x, nil
		}
		if f, ok := toFloat(v); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f), nil
		}

	case TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			// only the words, not strconv's 1/0/t/f
			switch strings.ToLower(strings.TrimSpace(x)) {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
		}

	case TypeDate:
		if s, ok := v.(string); ok {
			s = strings.TrimSpace(s)
			if d, err := time.Parse(dateLayout, s); err == nil {
				return d.Format(dateLayout), nil
			}
			if ts, err := time.Parse(time.RFC3339, s); err == nil {
				return ts.Format(dateLayout), nil
			}
		}

	case TypeObject:
		if m, ok := v.(map[string]any); ok {
			return m, nil
		}

	case TypeArray:
		if a, ok := v.([]any); ok {
			return a, nil
		}
	}
	return nil, fmt.Errorf("cannot use %s as %s", describe(v), t)
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case float64:
		f = x
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func describe(v any) string {
	switch x := v.(type) {
	case string:
		return fmt.Sprintf("string %q", x)
	case json.Number:
		return "number " + x.String()
	case bool:
		return fmt.Sprintf("boolean %t", x)
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}
