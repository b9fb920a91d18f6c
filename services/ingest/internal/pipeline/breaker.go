package pipeline

import "sync"

// breaker counts consecutive failed windows. Reaching the threshold trips it:
// the counter resets and a cooldown becomes pending, to be served before the
// next upstream request.
type breaker struct {
	threshold int

	mu          sync.Mutex
	consecutive int
	pending     bool
	trips       int
}

func newBreaker(threshold int) *breaker {
	return &breaker{threshold: threshold}
}

// record registers a settled window and reports the consecutive-failure count
// after it, and whether this failure tripped the breaker.
func (b *breaker) record(failed bool) (consecutive int, tripped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !failed {
		b.consecutive = 0
		return 0, false
	}
	b.consecutive++
	if b.threshold > 0 && b.consecutive >= b.threshold {
		b.consecutive = 0
		b.pending = true
		b.trips++
		return b.threshold, true
	}
	return b.consecutive, false
}

// takeCooldown reports whether a cooldown is owed and clears it.
func (b *breaker) takeCooldown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	owed := b.pending
	b.pending = false
	return owed
}

func (b *breaker) tripCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}
