// Package schema describes collections ("classes") as the database stores and transmits them.
package schema

import (
	"fmt"
	"regexp"

	anerrors "github.com/23skdu/annbench/internal/errors"
)

// Distance names a distance metric as the database understands it.
type Distance string

const (
	// DistanceCosine is 1 - cosine similarity.
	DistanceCosine Distance = "cosine"
	// DistanceL2Squared is the squared Euclidean distance.
	DistanceL2Squared Distance = "l2-squared"
)

// Harness metric names.
const (
	MetricAngular   = "angular"
	MetricEuclidean = "euclidean"
)

var metricDistances = map[string]Distance{
	MetricAngular:   DistanceCosine,
	MetricEuclidean: DistanceL2Squared,
}

// ResolveMetric maps a harness metric name to the database distance.
func ResolveMetric(metric string) (Distance, error) {
	d, ok := metricDistances[metric]
	if !ok {
		return "", anerrors.UnsupportedMetric(metric)
	}
	return d, nil
}

// Valid reports whether d is a distance the engine implements.
func (d Distance) Valid() bool {
	return d == DistanceCosine || d == DistanceL2Squared
}

// DataType is a property type.
type DataType string

const (
	DataTypeInt    DataType = "int"
	DataTypeNumber DataType = "number"
	DataTypeText   DataType = "text"
)

// Property is a named, typed attribute stored alongside each vector.
type Property struct {
	Name     string     `json:"name"`
	DataType []DataType `json:"dataType"`
}

// Type returns the property's single data type.
func (p Property) Type() DataType {
	if len(p.DataType) == 0 {
		return ""
	}
	return p.DataType[0]
}

// DynamicEF marks the query-time search width as unset.
const DynamicEF = -1

// VectorIndexConfig carries the HNSW parameters of a class.
type VectorIndexConfig struct {
	Distance       Distance `json:"distance"`
	EF             int      `json:"ef"`
	EFConstruction int      `json:"efConstruction"`
	MaxConnections int      `json:"maxConnections"`
}

// Class is a collection descriptor.
type Class struct {
	Class             string            `json:"class"`
	Properties        []Property        `json:"properties"`
	VectorIndexConfig VectorIndexConfig `json:"vectorIndexConfig"`
}

var classNamePattern = regexp.MustCompile(`^[A-Z][_0-9A-Za-z]*$`)
var propertyNamePattern = regexp.MustCompile(`^[_A-Za-z][_0-9A-Za-z]*$`)

// ValidClassName reports whether name is acceptable as a class name.
func ValidClassName(name string) bool {
	return classNamePattern.MatchString(name)
}

// Property looks up a property by name.
func (c *Class) Property(name string) (Property, bool) {
	for _, p := range c.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// Validate checks the descriptor before the engine accepts it.
func (c *Class) Validate() error {
	if !ValidClassName(c.Class) {
		return anerrors.NewValidationError("validate_class",
			fmt.Sprintf("class name %q must start with an uppercase letter and contain only letters, digits or _", c.Class))
	}

	seen := make(map[string]struct{}, len(c.Properties))
	for _, p := range c.Properties {
		if !propertyNamePattern.MatchString(p.Name) || p.Name[0] == '_' {
			return anerrors.NewValidationError("validate_class", fmt.Sprintf("invalid property name %q", p.Name))
		}
		if _, dup := seen[p.Name]; dup {
			return anerrors.NewValidationError("validate_class", fmt.Sprintf("duplicate property %q", p.Name))
		}
		seen[p.Name] = struct{}{}
		if len(p.DataType) != 1 {
			return anerrors.NewValidationError("validate_class",
				fmt.Sprintf("property %q must declare exactly one data type", p.Name))
		}
		switch p.Type() {
		case DataTypeInt, DataTypeNumber, DataTypeText:
		default:
			return anerrors.NewValidationError("validate_class",
				fmt.Sprintf("property %q has unsupported data type %q", p.Name, p.Type()))
		}
	}

	cfg := c.VectorIndexConfig
	if !cfg.Distance.Valid() {
		return anerrors.NewValidationError("validate_class", fmt.Sprintf("unsupported distance %q", cfg.Distance))
	}
	if cfg.MaxConnections <= 0 {
		return anerrors.NewValidationError("validate_class", "maxConnections must be positive")
	}
	if cfg.EFConstruction <= 0 {
		return anerrors.NewValidationError("validate_class", "efConstruction must be positive")
	}
	if cfg.EF == 0 || cfg.EF < DynamicEF {
		return anerrors.NewValidationError("validate_class", "ef must be positive or -1")
	}
	return nil
}

// CheckUpdate verifies that next only differs from c in mutable settings.
func (c *Class) CheckUpdate(next *Class) error {
	if next.Class != c.Class {
		return anerrors.ImmutableConfig(c.Class, "class")
	}
	if len(next.Properties) != len(c.Properties) {
		return anerrors.ImmutableConfig(c.Class, "properties")
	}
	for i, p := range c.Properties {
		q := next.Properties[i]
		if p.Name != q.Name || p.Type() != q.Type() {
			return anerrors.ImmutableConfig(c.Class, "properties")
		}
	}
	cur, nxt := c.VectorIndexConfig, next.VectorIndexConfig
	switch {
	case cur.Distance != nxt.Distance:
		return anerrors.ImmutableConfig(c.Class, "distance")
	case cur.EFConstruction != nxt.EFConstruction:
		return anerrors.ImmutableConfig(c.Class, "efConstruction")
	case cur.MaxConnections != nxt.MaxConnections:
		return anerrors.ImmutableConfig(c.Class, "maxConnections")
	}
	return nil
}

// Clone returns a deep copy.
func (c Class) Clone() Class {
	out := c
	out.Properties = make([]Property, len(c.Properties))
	for i, p := range c.Properties {
		out.Properties[i] = Property{Name: p.Name, DataType: append([]DataType(nil), p.DataType...)}
	}
	return out
}
