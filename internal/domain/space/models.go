// space composes one replicated data set: its feeds, credential chain, pipeline and model
package space

import (
	"fmt"
	"time"

	"github.com/lloydmeta/echo/internal/domain/batch"
	"github.com/lloydmeta/echo/internal/domain/feed"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/domain/model"
	"github.com/lloydmeta/echo/internal/domain/pipeline"
)

// Metadata is what gets persisted about a space. Membership is not: it is always rebuilt
// from the feeds.
type Metadata struct {
	Key         keys.PublicKey `json:"key"`
	GenesisFeed keys.PublicKey `json:"genesis_feed"`
	WriteFeed   keys.PublicKey `json:"write_feed"`
	ModelKind   model.Kind     `json:"model"`
	CreatedAt   time.Time      `json:"created_at"`
}

// FeedInfo describes one feed of a space
type FeedInfo struct {
	Key      keys.PublicKey
	Length   uint64
	Writable bool
	Admitted bool
	// Processed is how far the pipeline has got in this feed, nil if nothing has been processed
	Processed *feed.Seq
}

type Options struct {
	Pipeline pipeline.Options
	// ProcessTimeout bounds how long a write waits to be replayed
	ProcessTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Pipeline:       pipeline.DefaultOptions(),
		ProcessTimeout: batch.DefaultProcessTimeout,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Pipeline.WaitTimeout <= 0 {
		o.Pipeline.WaitTimeout = d.Pipeline.WaitTimeout
	}
	if o.Pipeline.PoisonPolicy == "" {
		o.Pipeline.PoisonPolicy = d.Pipeline.PoisonPolicy
	}
	if o.ProcessTimeout <= 0 {
		o.ProcessTimeout = d.ProcessTimeout
	}
	return o
}

type NotFound struct {
	Key keys.PublicKey
}

func (e NotFound) Error() string {
	return fmt.Sprintf("Could not find space [%s]", e.Key.Hex())
}

type AlreadyExists struct {
	Key keys.PublicKey
}

func (e AlreadyExists) Error() string {
	return fmt.Sprintf("Space [%s] already exists", e.Key.Hex())
}

type MissingWriteFeed struct {
	Space keys.PublicKey
	Feed  keys.PublicKey
}

func (e MissingWriteFeed) Error() string {
	return fmt.Sprintf("Space [%s] has no writable feed [%s]", e.Space.Hex(), e.Feed.Hex())
}

type CorruptMetadata struct {
	Key    keys.PublicKey
	Reason string
}

func (e CorruptMetadata) Error() string {
	return fmt.Sprintf("Metadata of space [%s] is unreadable: %s", e.Key.Hex(), e.Reason)
}

type ManagerClosed struct{}

func (e ManagerClosed) Error() string {
	return "Space manager is closed"
}
