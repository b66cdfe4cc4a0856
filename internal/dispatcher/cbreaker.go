package dispatcher

import (
	"sync"
	"time"
)

// BreakerState is the health the dispatcher currently assumes for the destination.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // destination healthy, calls flow
	BreakerOpen                         // destination down, calls fail fast
	BreakerHalfOpen                     // one probe call decides
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// destinationBreaker stops the relay from hammering a destination that is down. Only
// outages count against it (5xx, timeouts, refused connections); a 4xx means the
// destination is up and rejected one payload.
type destinationBreaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int // consecutive outage results while closed
	threshold int
	cooldown  time.Duration
	reopenAt  time.Time
	probing   bool

	now      func() time.Time
	onChange func(from, to BreakerState)
}

func newDestinationBreaker(threshold int, cooldown time.Duration) *destinationBreaker {
	return &destinationBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// allow reports whether a call may go out. An allowed call must be followed by record.
func (b *destinationBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.probing || b.now().Before(b.reopenAt) {
			return false
		}
		b.setState(BreakerHalfOpen)
		b.probing = true
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// ready is allow without side effects: it reports whether a call made now could go out.
func (b *destinationBreaker) ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		return !b.probing && !b.now().Before(b.reopenAt)
	case BreakerHalfOpen:
		return !b.probing
	default:
		return true
	}
}

// abandon ends an allowed call that says nothing about the destination, such as one
// cancelled by the caller. The state is left as it was.
func (b *destinationBreaker) abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// record takes the outcome of an allowed call; healthy is false only for outages.
func (b *destinationBreaker) record(healthy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if healthy {
		b.failures = 0
		b.setState(BreakerClosed)
		return
	}

	if b.state == BreakerHalfOpen {
		b.trip()
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.trip()
	}
}

func (b *destinationBreaker) trip() {
	b.failures = 0
	b.reopenAt = b.now().Add(b.cooldown)
	b.setState(BreakerOpen)
}

// setState must be called with mu held.
func (b *destinationBreaker) setState(to BreakerState) {
	from := b.state
	b.state = to
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}

func (b *destinationBreaker) current() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
