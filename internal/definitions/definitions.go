// Package definitions reads algorithm definition files: per point type and metric, the
// algorithms to benchmark and the parameter grids of their run groups.
package definitions

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// File maps point type ("float", "bit") to metric ("euclidean", "angular" or "any") to
// the definitions benchmarked for that combination.
type File map[string]map[string][]Definition

// Definition describes one algorithm.
type Definition struct {
	Name        string              `yaml:"name"`
	Constructor string              `yaml:"constructor"`
	Module      string              `yaml:"module,omitempty"`
	DockerTag   string              `yaml:"docker_tag,omitempty"`
	BaseArgs    []string            `yaml:"base_args,omitempty"`
	Disabled    bool                `yaml:"disabled,omitempty"`
	RunGroups   map[string]RunGroup `yaml:"run_groups"`
}

// RunGroup is a parameter grid. Every Args position is a list of candidate values (a
// bare scalar is a one-element list); the grid is their cartesian product. QueryArgs
// works the same way and is swept for every built instance.
type RunGroup struct {
	Args      []Param `yaml:"args"`
	QueryArgs []Param `yaml:"query_args,omitempty"`
}

// Param is the candidate values of one positional argument.
type Param []int

// UnmarshalYAML accepts an int or a list of ints.
func (p *Param) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var n int
		if err := value.Decode(&n); err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		*p = Param{n}
		return nil
	case yaml.SequenceNode:
		var ns []int
		if err := value.Decode(&ns); err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		if len(ns) == 0 {
			return fmt.Errorf("line %d: empty parameter list", value.Line)
		}
		*p = ns
		return nil
	}
	return fmt.Errorf("line %d: parameter must be an int or a list of ints", value.Line)
}

// Load parses a definitions document.
func Load(r io.Reader) (File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return File{}, nil
		}
		return nil, fmt.Errorf("error parsing definitions: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// LoadFile parses the definitions file at path.
func LoadFile(path string) (File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error reading definitions file %s: %w", path, err)
	}
	defer func() { _ = fh.Close() }()
	return Load(fh)
}

// Validate checks that every definition names a constructor and has run groups with
// arguments.
func (f File) Validate() error {
	for pointType, byMetric := range f {
		for metric, defs := range byMetric {
			for i, d := range defs {
				where := fmt.Sprintf("%s/%s[%d]", pointType, metric, i)
				if d.Name == "" {
					return fmt.Errorf("%s: name is required", where)
				}
				if d.Constructor == "" {
					return fmt.Errorf("%s (%s): constructor is required", where, d.Name)
				}
				if len(d.RunGroups) == 0 {
					return fmt.Errorf("%s (%s): at least one run group is required", where, d.Name)
				}
				for name, g := range d.RunGroups {
					if len(g.Args) == 0 {
						return fmt.Errorf("%s (%s): run group %q has no args", where, d.Name, name)
					}
				}
			}
		}
	}
	return nil
}

// Select returns the enabled definitions for pointType and metric, including those
// registered under the "any" metric, ordered by name.
func (f File) Select(pointType, metric string) []Definition {
	byMetric := f[pointType]
	var out []Definition
	for _, key := range []string{metric, "any"} {
		for _, d := range byMetric[key] {
			if !d.Disabled {
				out = append(out, d)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run is one build configuration of a definition.
type Run struct {
	Definition  string
	Group       string
	Constructor string
	Args        []int
	// QueryArgs holds every query-time argument tuple to sweep; nil when the group
	// has none.
	QueryArgs [][]int
}

// Expand returns every run of d, groups in name order.
func (d Definition) Expand() []Run {
	groups := make([]string, 0, len(d.RunGroups))
	for name := range d.RunGroups {
		groups = append(groups, name)
	}
	sort.Strings(groups)

	var runs []Run
	for _, name := range groups {
		g := d.RunGroups[name]
		queryArgs := product(g.QueryArgs)
		for _, args := range product(g.Args) {
			runs = append(runs, Run{
				Definition:  d.Name,
				Group:       name,
				Constructor: d.Constructor,
				Args:        args,
				QueryArgs:   queryArgs,
			})
		}
	}
	return runs
}

// product returns the cartesian product of params, first position varying slowest.
func product(params []Param) [][]int {
	if len(params) == 0 {
		return nil
	}
	out := [][]int{{}}
	for _, p := range params {
		next := make([][]int, 0, len(out)*len(p))
		for _, prefix := range out {
			for _, v := range p {
				combo := make([]int, len(prefix), len(prefix)+1)
				copy(combo, prefix)
				next = append(next, append(combo, v))
			}
		}
		out = next
	}
	return out
}
