package timeframe

import (
	"context"
	"sync"
	"time"

	"github.com/lloydmeta/echo/internal/domain/event"
	"github.com/lloydmeta/echo/internal/domain/feed"
	"github.com/lloydmeta/echo/internal/domain/keys"
)

// DefaultWaitTimeout bounds WaitUntilReached when a Clock is given no timeout
const DefaultWaitTimeout = 10 * time.Second

// Clock holds the current Timeframe of one space
type Clock struct {
	waitTimeout time.Duration

	emitMu sync.Mutex // serialises updates together with their emission
	mu     sync.RWMutex
	tf     Timeframe

	// Updated fires synchronously, inside Update, with the new Timeframe
	Updated event.Event[Timeframe]
}

// NewClock returns a Clock starting at start, whose waits give up after waitTimeout, or
// DefaultWaitTimeout if that is not positive
func NewClock(start Timeframe, waitTimeout time.Duration) *Clock {
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	return &Clock{tf: start, waitTimeout: waitTimeout}
}

func (c *Clock) Timeframe() Timeframe {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tf
}

// Update advances key to seq (never backwards) and emits the resulting Timeframe
func (c *Clock) Update(key keys.PublicKey, seq feed.Seq) Timeframe {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	c.tf = c.tf.Set(key, seq)
	next := c.tf
	c.mu.Unlock()
	c.Updated.Emit(next)
	return next
}

// SetTimeframe moves the clock to the merge of its current value and tf
func (c *Clock) SetTimeframe(tf Timeframe) Timeframe {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	c.tf = Merge(c.tf, tf)
	next := c.tf
	c.mu.Unlock()
	c.Updated.Emit(next)
	return next
}

// HasGaps tells whether target holds positions the clock has not reached
func (c *Clock) HasGaps(target Timeframe) bool {
	return !Dependencies(target, c.Timeframe()).IsEmpty()
}

// WaitUntilReached blocks until HasGaps(target) is false, failing with an event.Timeout after the
// clock's wait timeout
func (c *Clock) WaitUntilReached(ctx context.Context, target Timeframe) error {
	return event.WaitFor(ctx, &c.Updated, c.waitTimeout, func() bool {
		return !c.HasGaps(target)
	})
}
