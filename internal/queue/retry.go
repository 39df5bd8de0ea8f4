package queue

import (
	"math/rand/v2"
	"time"
)

// retryDelay picks the wait before transport retry number attempt (1-based)
// from schedule, with +/- jitterPct applied.
func retryDelay(attempt int, schedule []time.Duration, jitterPct float64) time.Duration {
	return retryDelayWith(attempt, schedule, jitterPct, rand.Float64)
}

func retryDelayWith(attempt int, schedule []time.Duration, jitterPct float64, rnd func() float64) time.Duration {
	if len(schedule) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	base := schedule[idx]
	j := 1 + (rnd()*2-1)*jitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}
