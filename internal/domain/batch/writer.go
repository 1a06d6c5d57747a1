package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lloydmeta/echo/internal/domain/credential"
	"github.com/lloydmeta/echo/internal/domain/event"
	"github.com/lloydmeta/echo/internal/domain/feed"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/domain/message"
	"github.com/lloydmeta/echo/internal/domain/model"
	"github.com/lloydmeta/echo/internal/domain/timeframe"
)

// DefaultProcessTimeout bounds WaitToBeProcessed when a Writer is given no timeout
const DefaultProcessTimeout = 10 * time.Second

// Processor tells when an entry has been replayed
type Processor interface {
	WaitUntilProcessed(ctx context.Context, key keys.PublicKey, seq feed.Seq) error
}

// Writer appends batches to the local writable feed of a space
type Writer struct {
	feed           *feed.Feed
	clock          *timeframe.Clock
	processor      Processor
	processTimeout time.Duration
}

// NewWriter returns a Writer for f. processTimeout bounds WaitToBeProcessed; if it is not
// positive DefaultProcessTimeout is used.
func NewWriter(f *feed.Feed, clock *timeframe.Clock, processor Processor, processTimeout time.Duration) *Writer {
	if processTimeout <= 0 {
		processTimeout = DefaultProcessTimeout
	}
	return &Writer{
		feed:           f,
		clock:          clock,
		processor:      processor,
		processTimeout: processTimeout,
	}
}

func (w *Writer) FeedKey() keys.PublicKey {
	return w.feed.Key()
}

func (w *Writer) NewBatch(mutations ...model.Mutation) *Batch {
	return &Batch{
		writer:    w,
		id:        NewId(),
		mutations: append([]model.Mutation(nil), mutations...),
		receipt:   event.NewFuture[Receipt](),
	}
}

// WriteCredential commits a single credential entry
func (w *Writer) WriteCredential(ctx context.Context, c credential.Credential) (*Batch, error) {
	b := &Batch{
		writer:     w,
		id:         NewId(),
		credential: &c,
		receipt:    event.NewFuture[Receipt](),
	}
	if _, err := b.Commit(ctx); err != nil {
		return b, err
	}
	return b, nil
}

// Batch is a set of mutations written as one entry. It can be committed once.
type Batch struct {
	writer     *Writer
	id         Id
	credential *credential.Credential

	mu        sync.Mutex
	mutations []model.Mutation
	committed bool

	receipt *event.Future[Receipt]
}

func (b *Batch) Id() Id {
	return b.id
}

func (b *Batch) Add(mutations ...model.Mutation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.committed {
		return AlreadyCommitted{Id: b.id}
	}
	b.mutations = append(b.mutations, mutations...)
	return nil
}

func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.mutations)
}

// Commit appends the batch to the writer's feed. The receipt settles exactly once: with
// where the entry landed, or with the error that stopped it. There are no retries.
//
// Once the append has started it is not cancelled by ctx.
func (b *Batch) Commit(ctx context.Context) (Receipt, error) {
	b.mu.Lock()
	if b.committed {
		b.mu.Unlock()
		return Receipt{}, AlreadyCommitted{Id: b.id}
	}
	b.committed = true
	mutations := b.mutations
	b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		b.receipt.Fail(err)
		return Receipt{}, err
	}

	w := b.writer
	tf := w.clock.Timeframe().Without(w.feed.Key())
	var envelope message.Envelope
	if b.credential != nil {
		envelope = message.NewCredential(tf, *b.credential)
	} else {
		if len(mutations) == 0 {
			err := Empty{Id: b.id}
			b.receipt.Fail(err)
			return Receipt{}, err
		}
		raw := make([][]byte, len(mutations))
		for i, m := range mutations {
			raw[i] = m
		}
		envelope = message.NewMutations(tf, string(b.id), raw...)
	}

	seq, err := w.feed.Append(message.Encode(envelope))
	if err != nil {
		log.Error().
			Err(err).
			Str("feed", w.feed.Key().Hex()).
			Str("batch", string(b.id)).
			Msg("Failed to commit batch")
		b.receipt.Fail(err)
		return Receipt{}, err
	}
	receipt := Receipt{FeedKey: w.feed.Key(), Seq: seq}
	b.receipt.Resolve(receipt)
	if log.Debug().Enabled() {
		log.Debug().
			Str("feed", w.feed.Key().Hex()).
			Uint64("seq", uint64(seq)).
			Str("batch", string(b.id)).
			Int("mutations", len(mutations)).
			Msg("Committed batch")
	}
	return receipt, nil
}

// Receipt blocks until the batch has been committed
func (b *Batch) Receipt(ctx context.Context) (Receipt, error) {
	return b.receipt.Await(ctx)
}

// WaitToBeProcessed blocks until the committed entry has been replayed by the pipeline, so a
// read of the model afterwards sees the batch's own writes. It fails with the receipt's error
// if the commit failed, with the reason the pipeline rejected the entry, or with an
// event.Timeout after the writer's process timeout.
func (b *Batch) WaitToBeProcessed(ctx context.Context) error {
	receipt, err := b.Receipt(ctx)
	if err != nil {
		return err
	}
	w := b.writer
	waitCtx, cancel := context.WithTimeout(ctx, w.processTimeout)
	defer cancel()
	err = w.processor.WaitUntilProcessed(waitCtx, receipt.FeedKey, receipt.Seq)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return event.Timeout{Waited: w.processTimeout}
	}
	return err
}
