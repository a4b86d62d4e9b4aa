package balance

import (
	"fmt"
	"sync/atomic"

	"callbus/registry"
)

// RoundRobin distributes picks evenly across all instances in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
//
// Best for: stateless sinks where all instances have similar capacity.
type RoundRobin struct {
	counter int64 // Atomic counter, incremented on each Pick()
}

// Pick selects the next instance in round-robin order.
// The atomic counter ensures even distribution without locks.
func (b *RoundRobin) Pick(instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances available")
	}
	index := atomic.AddInt64(&b.counter, 1) % int64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobin) Name() string {
	return "RoundRobin"
}
