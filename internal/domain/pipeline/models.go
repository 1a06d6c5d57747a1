// pipeline merges the feeds of one space into a single causally ordered stream and replays it
// into the space's model
package pipeline

import (
	"fmt"
	"time"

	"github.com/lloydmeta/echo/internal/domain/feed"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/domain/message"
	"github.com/lloydmeta/echo/internal/domain/timeframe"
)

// PoisonPolicy decides what happens when the model refuses a mutation
type PoisonPolicy string

const (
	// SKIP reports the entry, skips it and keeps going
	SKIP PoisonPolicy = "skip"
	// HALT reports the entry and stops the pipeline without consuming it
	HALT PoisonPolicy = "halt"
)

type Options struct {
	// StallTimeout is how long held-back entries may wait without any progress before a stall
	// is reported; zero disables stall detection
	StallTimeout time.Duration
	// WaitTimeout bounds WaitUntilProcessed and WaitUntilReachedTarget
	WaitTimeout  time.Duration
	PoisonPolicy PoisonPolicy
}

func DefaultOptions() Options {
	return Options{
		WaitTimeout:  timeframe.DefaultWaitTimeout,
		PoisonPolicy: SKIP,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = d.WaitTimeout
	}
	if o.PoisonPolicy == "" {
		o.PoisonPolicy = d.PoisonPolicy
	}
	return o
}

// State describes how far the pipeline has got
type State struct {
	// Start is the cursor the pipeline started from
	Start timeframe.Timeframe
	// Current is what has been processed
	Current timeframe.Timeframe
	// End is the last entry known in every feed
	End timeframe.Timeframe
	// Target, if set, is the position a previous run had checkpointed
	Target  *timeframe.Timeframe
	Pending int
	Stalled bool
	Halted  bool
}

// Outcome is emitted for every entry the pipeline consumes
type Outcome struct {
	FeedKey keys.PublicKey
	Seq     feed.Seq
	Kind    message.Kind
	// Err is nil when the entry was accepted
	Err error
}

type UnadmittedWriter struct {
	Key keys.PublicKey
	Seq feed.Seq
	// Revoked is set when the entry's own timeframe admits the feed, but the feed or the
	// identity that owns it has since been revoked
	Revoked bool
}

func (e UnadmittedWriter) Error() string {
	if e.Revoked {
		return fmt.Sprintf("Feed [%s] was revoked before entry [%d] was processed", e.Key.Hex(), e.Seq)
	}
	return fmt.Sprintf("Feed [%s] was not admitted as of entry [%d]", e.Key.Hex(), e.Seq)
}

type ModelFailure struct {
	Key        keys.PublicKey
	Seq        feed.Seq
	Index      int
	Underlying error
}

func (e ModelFailure) Error() string {
	return fmt.Sprintf("Model failed on mutation [%d] of entry [%d] in feed [%s]: %v", e.Index, e.Seq, e.Key.Hex(), e.Underlying)
}

func (e ModelFailure) Unwrap() error {
	return e.Underlying
}

// RejectedCredential wraps the reason a credential entry did not fold into the chain
type RejectedCredential struct {
	Key        keys.PublicKey
	Seq        feed.Seq
	Underlying error
}

func (e RejectedCredential) Error() string {
	return fmt.Sprintf("Credential in entry [%d] of feed [%s] rejected: %v", e.Seq, e.Key.Hex(), e.Underlying)
}

func (e RejectedCredential) Unwrap() error {
	return e.Underlying
}

type Halted struct {
	Cause error
}

func (e Halted) Error() string {
	return fmt.Sprintf("Pipeline halted: %v", e.Cause)
}

func (e Halted) Unwrap() error {
	return e.Cause
}

type Stopped struct{}

func (e Stopped) Error() string {
	return "Pipeline stopped"
}

type AlreadyStarted struct{}

func (e AlreadyStarted) Error() string {
	return "Pipeline already started"
}
