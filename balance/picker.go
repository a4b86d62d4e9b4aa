// Package balance provides strategies for choosing one endpoint instance
// out of the set discovered through the registry.
//
// Three strategies are implemented:
//   - RoundRobin:      stateless sinks, equal-capacity instances
//   - WeightedRandom:   heterogeneous instances (different CPU/memory)
//   - ConsistentHash:   affinity — related traffic pinned to one sink
package balance

import "callbus/registry"

// Picker is the interface for instance selection strategies.
// An emitter calls Pick() before wiring up a transport to choose which
// of the discovered instances it will send to.
type Picker interface {
	// Pick selects one instance from the available list.
	// May be called concurrently — implementations must be goroutine-safe.
	Pick(instances []registry.Instance) (*registry.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
