package engine

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"

	anerrors "github.com/23skdu/annbench/internal/errors"
	"github.com/23skdu/annbench/internal/schema"
)

// Object is a stored vector with its identifier and attributes.
type Object struct {
	ID         uuid.UUID
	Properties map[string]any
	Vector     []float32
}

// Hit is one near-vector search result.
type Hit struct {
	ID         uuid.UUID
	Properties map[string]any
	Distance   float32
}

// normalizeProperties checks props against the class and converts every value to the
// canonical Go type of its data type (int64, float64 or string).
func normalizeProperties(class *schema.Class, props map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(props))
	for name, v := range props {
		p, ok := class.Property(name)
		if !ok {
			return nil, anerrors.InvalidObject("put", fmt.Sprintf("property %q is not declared on class %q", name, class.Class))
		}
		if v == nil {
			continue
		}
		nv, err := coerce(p.Type(), v)
		if err != nil {
			return nil, anerrors.InvalidObject("put", fmt.Sprintf("property %q: %v", name, err))
		}
		out[name] = nv
	}
	return out, nil
}

func coerce(dt schema.DataType, v any) (any, error) {
	switch dt {
	case schema.DataTypeInt:
		return toInt64(v)
	case schema.DataTypeNumber:
		return toFloat64(v)
	case schema.DataTypeText:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected text, got %T", v)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported data type %q", dt)
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint32:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("expected int, got %v", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	}
	return 0, fmt.Errorf("expected int, got %T", v)
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}
