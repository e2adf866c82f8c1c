// Package ann holds the benchmark-facing algorithms and the registry the driver builds
// them from.
package ann

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Algorithm is the lifecycle a benchmark harness drives: one Fit, any number of
// SetQueryArguments, then sequential Query calls.
type Algorithm interface {
	// Name is the algorithm family, used to group results.
	Name() string
	Fit(ctx context.Context, vectors [][]float32) error
	SetQueryArguments(ctx context.Context, ef int) error
	Query(ctx context.Context, v []float32, n int) ([]int, error)
	// Describe labels the current configuration for reports.
	Describe() (string, error)
	Close() error
}

// Constructor builds an algorithm from a metric and the positional arguments of a
// definition run group.
type Constructor func(ctx context.Context, metric string, args []int) (Algorithm, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register makes a constructor available under name. Registering a name twice panics.
func Register(name string, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("ann: constructor %q registered twice", name))
	}
	registry[name] = c
}

// Lookup returns the constructor registered under name.
func Lookup(name string) (Constructor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[name]
	return c, ok
}

// Constructors lists registered names in sorted order.
func Constructors() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
