package crawler

import "sync"

// fatalBreaker trips once threshold fatal errors arrive with no success in
// between. A nil breaker never trips.
type fatalBreaker struct {
	mu          sync.Mutex
	threshold   int
	consecutive int
	tripped     bool
	trip        func()
}

func newFatalBreaker(threshold int, trip func()) *fatalBreaker {
	return &fatalBreaker{threshold: threshold, trip: trip}
}

// fatal records a fatal error and reports whether the breaker is now open.
func (b *fatalBreaker) fatal() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	if !b.tripped && b.consecutive >= b.threshold {
		b.tripped = true
		if b.trip != nil {
			b.trip()
		}
	}
	return b.tripped
}

func (b *fatalBreaker) success() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.consecutive = 0
	b.mu.Unlock()
}
