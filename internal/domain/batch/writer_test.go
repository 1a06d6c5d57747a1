package batch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lloydmeta/echo/internal/domain/credential"
	"github.com/lloydmeta/echo/internal/domain/diagnostics"
	"github.com/lloydmeta/echo/internal/domain/event"
	"github.com/lloydmeta/echo/internal/domain/feed"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/domain/model"
	"github.com/lloydmeta/echo/internal/domain/model/kv"
	"github.com/lloydmeta/echo/internal/domain/pipeline"
	"github.com/lloydmeta/echo/internal/domain/timeframe"
	"github.com/lloydmeta/echo/internal/infra/afero/storage"
	"github.com/lloydmeta/echo/internal/infra/apm/tracing"
)

type fixture struct {
	store    *feed.Store
	feed     *feed.Feed
	chain    *credential.Chain
	model    *kv.Model
	pipeline *pipeline.Pipeline
	writer   *Writer
	identity keys.KeyPair
	space    keys.PublicKey
}

func newFixture(t *testing.T, processTimeout time.Duration) *fixture {
	store, err := feed.NewStore(storage.NewMemStorage())
	require.NoError(t, err)
	f, err := store.CreateFeed()
	require.NoError(t, err)
	spacePair, err := keys.Generate()
	require.NoError(t, err)
	identity, err := keys.Generate()
	require.NoError(t, err)

	clock := timeframe.NewClock(timeframe.New(), time.Second)
	chain := credential.NewChain(spacePair.Public)
	m := kv.New()
	p := pipeline.New(spacePair.Public, clock, chain, m, &diagnostics.MockReporter{}, tracing.NoopTracer{}, pipeline.Options{WaitTimeout: time.Second})
	p.AddFeed(f)
	t.Cleanup(func() {
		p.Stop()
		_ = store.Close()
	})
	return &fixture{
		store:    store,
		feed:     f,
		chain:    chain,
		model:    m,
		pipeline: p,
		writer:   NewWriter(f, clock, p, processTimeout),
		identity: identity,
		space:    spacePair.Public,
	}
}

func (fx *fixture) admit(t *testing.T) {
	ctx := context.Background()
	for _, c := range []struct {
		subject     keys.PublicKey
		subjectType credential.SubjectType
	}{
		{fx.identity.Public, credential.IDENTITY},
		{fx.feed.Key(), credential.FEED},
	} {
		cred := credential.Issue(fx.identity, fx.space, c.subject, c.subjectType, credential.ADMIT, fx.chain.Current().Head())
		b, err := fx.writer.WriteCredential(ctx, cred)
		require.NoError(t, err)
		require.NoError(t, b.WaitToBeProcessed(ctx))
	}
}

func set(t *testing.T, key string, value string) model.Mutation {
	m, err := kv.Set(key, []byte(value))
	require.NoError(t, err)
	return m
}

func TestBatch_CommitIsExactlyOnce(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()
	b := fx.writer.NewBatch(set(t, "a", "1"))
	require.NoError(t, b.Add(set(t, "b", "2")))
	assert.Equal(t, 2, b.Len())
	assert.Len(t, b.Id(), 32)

	receipt, err := b.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, Receipt{FeedKey: fx.feed.Key(), Seq: 0}, receipt)

	_, err = b.Commit(ctx)
	assert.Equal(t, AlreadyCommitted{Id: b.Id()}, err)
	assert.Equal(t, AlreadyCommitted{Id: b.Id()}, b.Add(set(t, "c", "3")))

	again, err := b.Receipt(ctx)
	require.NoError(t, err)
	assert.Equal(t, receipt, again)
	assert.EqualValues(t, 1, fx.feed.Length())
}

func TestBatch_SequencesAreDense(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		receipt, err := fx.writer.NewBatch(set(t, "k", "v")).Commit(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, i, receipt.Seq)
	}
}

func TestBatch_CommitFailures(t *testing.T) {
	tests := []struct {
		name  string
		batch func(fx *fixture) *Batch
		ctx   func() context.Context
		check func(t *testing.T, b *Batch, err error)
	}{
		{
			name: "empty batch",
			batch: func(fx *fixture) *Batch {
				return fx.writer.NewBatch()
			},
			ctx: context.Background,
			check: func(t *testing.T, b *Batch, err error) {
				assert.Equal(t, Empty{Id: b.Id()}, err)
			},
		},
		{
			name: "cancelled before sending",
			batch: func(fx *fixture) *Batch {
				return fx.writer.NewBatch(set(t, "a", "1"))
			},
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			check: func(t *testing.T, b *Batch, err error) {
				assert.Equal(t, context.Canceled, err)
			},
		},
		{
			name: "store closed",
			batch: func(fx *fixture) *Batch {
				require.NoError(t, fx.store.Close())
				return fx.writer.NewBatch(set(t, "a", "1"))
			},
			ctx: context.Background,
			check: func(t *testing.T, b *Batch, err error) {
				assert.IsType(t, feed.StoreClosed{}, err)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, 0)
			b := tt.batch(fx)
			_, err := b.Commit(tt.ctx())
			tt.check(t, b, err)

			_, receiptErr := b.Receipt(context.Background())
			assert.Equal(t, err, receiptErr)
			assert.Equal(t, err, b.WaitToBeProcessed(context.Background()))
			_, err = b.Commit(context.Background())
			assert.IsType(t, AlreadyCommitted{}, err)
		})
	}
}

func TestBatch_SelfVisibility(t *testing.T) {
	fx := newFixture(t, time.Second)
	ctx := context.Background()
	require.NoError(t, fx.pipeline.Start(ctx))
	fx.admit(t)

	b := fx.writer.NewBatch(set(t, "greeting", "hello"), set(t, "target", "world"))
	_, err := b.Commit(ctx)
	require.NoError(t, err)
	require.NoError(t, b.WaitToBeProcessed(ctx))

	v, ok := fx.model.Get("greeting")
	assert.True(t, ok)
	assert.Equal(t, "hello", string(v))
	assert.Len(t, fx.model.Items(), 2)
}

func TestBatch_SelfVisibility_Sequential(t *testing.T) {
	const n = 20
	fx := newFixture(t, time.Second)
	ctx := context.Background()
	require.NoError(t, fx.pipeline.Start(ctx))
	fx.admit(t)
	base := fx.model.Applied()

	var previous *Receipt
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%02d", i)
		b := fx.writer.NewBatch(set(t, key, fmt.Sprint(i)))
		receipt, err := b.Commit(ctx)
		require.NoError(t, err)
		if previous != nil {
			assert.Equal(t, previous.Seq+1, receipt.Seq)
		}
		previous = &receipt
		require.NoError(t, b.WaitToBeProcessed(ctx))

		// visible before the next batch is committed
		v, ok := fx.model.Get(key)
		require.True(t, ok, key)
		assert.Equal(t, fmt.Sprint(i), string(v))
		assert.EqualValues(t, uint64(i+1), fx.model.Applied()-base)
	}

	items := fx.model.Items()
	require.Len(t, items, n)
	for i, item := range items {
		assert.Equal(t, fmt.Sprintf("key-%02d", i), item.Key)
		assert.Equal(t, fmt.Sprint(i), string(item.Value))
	}
}

func TestBatch_RejectedEntrySurfacesOnWait(t *testing.T) {
	fx := newFixture(t, time.Second)
	ctx := context.Background()
	require.NoError(t, fx.pipeline.Start(ctx))

	b := fx.writer.NewBatch(set(t, "a", "1"))
	_, err := b.Commit(ctx)
	require.NoError(t, err)
	assert.IsType(t, pipeline.UnadmittedWriter{}, b.WaitToBeProcessed(ctx))
	_, ok := fx.model.Get("a")
	assert.False(t, ok)
}

// The store goes away after the commit but before the pipeline replays the entry
func TestBatch_ScenarioB_StoreClosedBeforeReplay(t *testing.T) {
	fx := newFixture(t, time.Second)
	ctx := context.Background()

	b := fx.writer.NewBatch(set(t, "a", "1"))
	receipt, err := b.Commit(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, receipt.Seq)

	require.NoError(t, fx.store.Close())
	require.NoError(t, fx.pipeline.Start(ctx))

	err = b.WaitToBeProcessed(ctx)
	assert.IsType(t, feed.StoreClosed{}, err)
	assert.False(t, event.IsTimeout(err))
}

type stuckProcessor struct{}

func (stuckProcessor) WaitUntilProcessed(ctx context.Context, key keys.PublicKey, seq feed.Seq) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestBatch_WaitToBeProcessedTimesOut(t *testing.T) {
	fx := newFixture(t, 0)
	writer := NewWriter(fx.feed, timeframe.NewClock(timeframe.New(), 0), stuckProcessor{}, 20*time.Millisecond)
	b := writer.NewBatch(set(t, "a", "1"))
	_, err := b.Commit(context.Background())
	require.NoError(t, err)

	err = b.WaitToBeProcessed(context.Background())
	assert.Equal(t, event.Timeout{Waited: 20 * time.Millisecond}, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, context.Canceled, b.WaitToBeProcessed(ctx))
}

func TestNewWriter_DefaultProcessTimeout(t *testing.T) {
	fx := newFixture(t, 0)
	assert.Equal(t, DefaultProcessTimeout, fx.writer.processTimeout)
	assert.Equal(t, DefaultProcessTimeout, NewWriter(fx.feed, timeframe.NewClock(timeframe.New(), 0), stuckProcessor{}, -time.Second).processTimeout)
}
