package credential

import (
	"sync"

	"github.com/lloydmeta/echo/internal/domain/event"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/domain/timeframe"
)

// Chain records the Membership after every accepted credential, along with where in which
// feed that credential was read, so that admission can be evaluated as of any Timeframe.
type Chain struct {
	space keys.PublicKey

	mu          sync.RWMutex
	snapshots   []Membership // snapshots[i] is the state after i accepted credentials
	positions   []timeframe.Frame
	credentials []Credential

	// Updated fires with the new Membership after every accepted credential
	Updated event.Event[Membership]
}

func NewChain(space keys.PublicKey) *Chain {
	return &Chain{
		space:     space,
		snapshots: []Membership{Genesis(space)},
	}
}

// Process folds c, read at position at, into the chain
func (ch *Chain) Process(c Credential, at timeframe.Frame) (Membership, error) {
	ch.mu.Lock()
	current := ch.snapshots[len(ch.snapshots)-1]
	next, err := Fold(current, c)
	if err != nil {
		ch.mu.Unlock()
		return current, err
	}
	ch.snapshots = append(ch.snapshots, next)
	ch.positions = append(ch.positions, at)
	ch.credentials = append(ch.credentials, c)
	ch.mu.Unlock()

	ch.Updated.Emit(next)
	return next, nil
}

// Current is the Membership after every accepted credential
func (ch *Chain) Current() Membership {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.snapshots[len(ch.snapshots)-1]
}

// AsOf returns the Membership after the longest prefix of accepted credentials that tf covers
func (ch *Chain) AsOf(tf timeframe.Timeframe) Membership {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	covered := 0
	for _, p := range ch.positions {
		if !tf.Covers(p.Key, p.Seq) {
			break
		}
		covered++
	}
	return ch.snapshots[covered]
}

// Credentials lists the accepted credentials in chain order
func (ch *Chain) Credentials() []Credential {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	out := make([]Credential, len(ch.credentials))
	copy(out, ch.credentials)
	return out
}

// Position returns where the credential at index i of the chain was read
func (ch *Chain) Position(i int) (timeframe.Frame, bool) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	if i < 0 || i >= len(ch.positions) {
		return timeframe.Frame{}, false
	}
	return ch.positions[i], true
}
