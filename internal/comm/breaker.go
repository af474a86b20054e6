package comm

import (
	"fmt"
	"sync"
	"time"
)

type breakerState struct {
	failures int
	open     bool
	openedAt time.Time
}

// Breaker counts consecutive failures per destination and fails calls fast
// for a cooldown once a destination crosses the threshold.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	states    map[string]*breakerState
}

// NewBreaker returns a breaker; a threshold <= 0 never opens.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		states:    make(map[string]*breakerState),
	}
}

func (b *Breaker) Allow(dest string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[dest]
	if !ok || !st.open {
		return nil
	}
	if elapsed := b.now().Sub(st.openedAt); elapsed < b.cooldown {
		return fmt.Errorf("%w: %s (retry in %s)", ErrCircuitOpen, dest, (b.cooldown - elapsed).Round(time.Millisecond))
	}
	delete(b.states, dest)
	return nil
}

func (b *Breaker) Failure(dest string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[dest]
	if !ok {
		st = &breakerState{}
		b.states[dest] = st
	}
	st.failures++
	if b.threshold > 0 && !st.open && st.failures >= b.threshold {
		st.open = true
		st.openedAt = b.now()
	}
}

func (b *Breaker) Success(dest string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, dest)
}

// State returns the failure count and whether dest is open.
func (b *Breaker) State(dest string) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[dest]
	if !ok {
		return 0, false
	}
	return st.failures, st.open
}
