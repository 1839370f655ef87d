package syncer

import (
	"math/rand"
	"time"
)

// DefaultBackoff is the attempt-indexed retry schedule. The last entry is
// the cap: failures beyond the schedule length keep waiting that long.
var DefaultBackoff = []time.Duration{
	time.Second,
	4 * time.Second,
	16 * time.Second,
	time.Minute,
	4 * time.Minute,
	10 * time.Minute,
}

// computeDelay maps the consecutive-failure count (1-based) onto the
// schedule and applies +/- jitterPct of jitter, floored at 0.1x so the delay
// never collapses to zero.
func computeDelay(failures int, schedule []time.Duration, jitterPct float64, rng *rand.Rand) time.Duration {
	if len(schedule) == 0 {
		schedule = DefaultBackoff
	}
	idx := failures - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	base := schedule[idx]

	j := 1 + (rng.Float64()*2-1)*jitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}
