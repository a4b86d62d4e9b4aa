package balance

import (
	"fmt"
	"math/rand"

	"callbus/registry"
)

// WeightedRandom picks instances with probability proportional to their
// registered weight. A sink on a big box registers Weight 10, one on a
// small box Weight 2, and traffic splits 5:1.
//
// Instances registered without an explicit weight carry 0; those count as
// weight 1 so they still receive traffic.
type WeightedRandom struct{}

func effectiveWeight(w int) int {
	if w <= 0 {
		return 1
	}
	return w
}

// Pick walks the cumulative weight range: draw a random number in
// [0, totalWeight), subtract each instance's weight until it goes
// negative, and return the instance that crossed zero.
func (b *WeightedRandom) Pick(instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances available")
	}

	totalWeight := 0
	for _, v := range instances {
		totalWeight += effectiveWeight(v.Weight)
	}

	r := rand.Intn(totalWeight)
	for i := range instances {
		r -= effectiveWeight(instances[i].Weight)
		if r < 0 {
			return &instances[i], nil
		}
	}

	return nil, fmt.Errorf("unexpected error in weighted random selection")
}

func (b *WeightedRandom) Name() string {
	return "WeightedRandom"
}
