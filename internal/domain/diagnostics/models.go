// diagnostics carries data-integrity events out of the replication core
package diagnostics

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/lloydmeta/echo/internal/domain/feed"
	"github.com/lloydmeta/echo/internal/domain/keys"
)

type Kind string

const (
	// MALFORMED entries could not be decoded
	MALFORMED Kind = "MALFORMED"
	// INVALID_CREDENTIAL entries carried a credential that did not fold into the chain
	INVALID_CREDENTIAL Kind = "INVALID_CREDENTIAL"
	// UNADMITTED entries came from a feed that was not admitted as of their position
	UNADMITTED Kind = "UNADMITTED"
	// MODEL_FAILURE entries were poisoned: the model refused one of their mutations
	MODEL_FAILURE Kind = "MODEL_FAILURE"
)

// Event describes one skipped entry
type Event struct {
	ID      ulid.ULID      `json:"id"`
	Space   keys.PublicKey `json:"space"`
	Kind    Kind           `json:"kind"`
	FeedKey keys.PublicKey `json:"feed"`
	Seq     feed.Seq       `json:"seq"`
	Reason  string         `json:"reason"`
	At      time.Time      `json:"at"`
}

// NewEvent stamps a new Event with a time-ordered id
func NewEvent(space keys.PublicKey, kind Kind, feedKey keys.PublicKey, seq feed.Seq, reason error, at time.Time) Event {
	return Event{
		ID:      ulid.MustNew(ulid.Timestamp(at), rand.Reader),
		Space:   space,
		Kind:    kind,
		FeedKey: feedKey,
		Seq:     seq,
		Reason:  reason.Error(),
		At:      at,
	}
}

// Reporter receives integrity events. Implementations must not block the pipeline for long
// and must not fail it: errors are theirs to handle.
type Reporter interface {
	Report(ctx context.Context, event Event)
}

type multiReporter []Reporter

// Multi fans out to every given Reporter
func Multi(reporters ...Reporter) Reporter {
	return multiReporter(reporters)
}

func (m multiReporter) Report(ctx context.Context, event Event) {
	for _, r := range m {
		r.Report(ctx, event)
	}
}

// NoopReporter drops everything
type NoopReporter struct{}

func (NoopReporter) Report(context.Context, Event) {}
