package feed

import (
	"context"
	"sync"
)

const subscriptionBuffer = 64

// Subscription is a lazy stream of Entries from one Feed.
//
// Cancelling stops new deliveries; entries already buffered stay readable until Entries closes.
type Subscription struct {
	entries chan Entry
	cancel  context.CancelFunc

	mu  sync.Mutex
	err error
}

// Entries yields entries in sequence order and is closed when the read ends
func (s *Subscription) Entries() <-chan Entry {
	return s.entries
}

// Err returns why the read ended. Only meaningful once Entries is closed;
// nil for a finished finite read or a cancelled one.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) Cancel() {
	s.cancel()
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Subscription) run(ctx context.Context, f *Feed, next Seq, end Seq, live bool) {
	defer close(s.entries)
	defer s.cancel()
	for {
		if ctx.Err() != nil {
			return
		}
		length, changed, closeErr := f.state()
		if !live && next >= end {
			return
		}
		if next < length && closeErr == nil {
			entry, err := f.Get(next)
			if err != nil {
				s.fail(err)
				return
			}
			select {
			case s.entries <- entry:
				next++
			case <-ctx.Done():
				return
			}
			continue
		}
		if closeErr != nil {
			s.fail(closeErr)
			return
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return
		}
	}
}
