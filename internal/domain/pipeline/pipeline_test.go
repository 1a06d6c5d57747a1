package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lloydmeta/echo/internal/domain/credential"
	"github.com/lloydmeta/echo/internal/domain/diagnostics"
	"github.com/lloydmeta/echo/internal/domain/event"
	"github.com/lloydmeta/echo/internal/domain/feed"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/domain/message"
	"github.com/lloydmeta/echo/internal/domain/model"
	"github.com/lloydmeta/echo/internal/domain/timeframe"
	"github.com/lloydmeta/echo/internal/infra/afero/storage"
	"github.com/lloydmeta/echo/internal/infra/apm/tracing"
)

type harness struct {
	space    keys.PublicKey
	identity keys.KeyPair
	store    *feed.Store
	clock    *timeframe.Clock
	chain    *credential.Chain
	model    *model.MockModel
	reporter *diagnostics.MockReporter
	pipeline *Pipeline
	control  *feed.Feed
}

func newHarness(t *testing.T, opts Options) *harness {
	spacePair, err := keys.Generate()
	require.NoError(t, err)
	identity, err := keys.Generate()
	require.NoError(t, err)
	store, err := feed.NewStore(storage.NewMemStorage())
	require.NoError(t, err)
	control, err := store.CreateFeed()
	require.NoError(t, err)
	if opts.WaitTimeout == 0 {
		opts.WaitTimeout = 2 * time.Second
	}

	clock := timeframe.NewClock(timeframe.New(), opts.WaitTimeout)
	chain := credential.NewChain(spacePair.Public)
	m := &model.MockModel{}
	reporter := &diagnostics.MockReporter{}
	p := New(spacePair.Public, clock, chain, m, reporter, tracing.NoopTracer{}, opts)
	p.AddFeed(control)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		p.Stop()
		_ = store.Close()
	})

	h := &harness{
		space:    spacePair.Public,
		identity: identity,
		store:    store,
		clock:    clock,
		chain:    chain,
		model:    m,
		reporter: reporter,
		pipeline: p,
		control:  control,
	}
	h.credential(t, identity.Public, credential.IDENTITY, credential.ADMIT)
	h.credential(t, control.Key(), credential.FEED, credential.ADMIT)
	return h
}

// credential writes a credential issued by the harness identity onto the control feed and waits for it
func (h *harness) credential(t *testing.T, subject keys.PublicKey, subjectType credential.SubjectType, kind credential.Kind) {
	h.issue(t, h.identity, subject, subjectType, kind)
}

func (h *harness) issue(t *testing.T, issuer keys.KeyPair, subject keys.PublicKey, subjectType credential.SubjectType, kind credential.Kind) {
	c := credential.Issue(issuer, h.space, subject, subjectType, kind, h.chain.Current().Head())
	seq, err := h.control.Append(message.Encode(message.NewCredential(h.clock.Timeframe(), c)))
	require.NoError(t, err)
	require.NoError(t, h.pipeline.WaitUntilProcessed(context.Background(), h.control.Key(), seq))
}

func (h *harness) newFeed(t *testing.T, admit bool) *feed.Feed {
	f, err := h.store.CreateFeed()
	require.NoError(t, err)
	if admit {
		h.credential(t, f.Key(), credential.FEED, credential.ADMIT)
	}
	h.pipeline.AddFeed(f)
	return f
}

func write(t *testing.T, f *feed.Feed, tf timeframe.Timeframe, mutations ...string) feed.Seq {
	raw := make([][]byte, 0, len(mutations))
	for _, m := range mutations {
		raw = append(raw, []byte(m))
	}
	seq, err := f.Append(message.Encode(message.NewMutations(tf, "", raw...)))
	require.NoError(t, err)
	return seq
}

func TestPipeline_ScenarioA_IndependentFeedsConverge(t *testing.T) {
	for _, seed := range []int64{1, 2, 3, 4} {
		t.Run(fmt.Sprintf("interleaving %d", seed), func(t *testing.T) {
			h := newHarness(t, Options{})
			f1 := h.newFeed(t, true)
			f2 := h.newFeed(t, true)
			base := h.clock.Timeframe()
			appliedBefore := len(h.model.Applied())

			rng := rand.New(rand.NewSource(seed))
			counts := map[*feed.Feed]int{f1: 0, f2: 0}
			for counts[f1]+counts[f2] < 10 {
				f := f1
				if rng.Intn(2) == 1 {
					f = f2
				}
				if counts[f] == 5 {
					continue
				}
				write(t, f, base, fmt.Sprintf("%s-%d", f.Key().Short(), counts[f]))
				counts[f]++
			}

			target := timeframe.New(timeframe.Frame{Key: f1.Key(), Seq: 4}, timeframe.Frame{Key: f2.Key(), Seq: 4})
			require.NoError(t, h.clock.WaitUntilReached(context.Background(), target))

			applied := h.model.Applied()[appliedBefore:]
			assert.Len(t, applied, 10)
			next := map[keys.PublicKey]feed.Seq{}
			for _, a := range applied {
				assert.EqualValues(t, next[a.Meta.FeedKey], a.Meta.Seq, "feed order must be preserved")
				next[a.Meta.FeedKey]++
			}
			current := h.clock.Timeframe()
			s1, _ := current.Get(f1.Key())
			s2, _ := current.Get(f2.Key())
			assert.EqualValues(t, 4, s1)
			assert.EqualValues(t, 4, s2)
			assert.Empty(t, h.reporter.Events())
		})
	}
}

func TestPipeline_ScenarioC_AdmissionIsOrderSensitive(t *testing.T) {
	h := newHarness(t, Options{})
	k := h.newFeed(t, false)
	ctx := context.Background()

	before := write(t, k, h.clock.Timeframe(), "too-early")
	err := h.pipeline.WaitUntilProcessed(ctx, k.Key(), before)
	var unadmitted UnadmittedWriter
	require.ErrorAs(t, err, &unadmitted)
	assert.EqualValues(t, k.Key(), unadmitted.Key)
	staleTf := h.clock.Timeframe()

	h.credential(t, k.Key(), credential.FEED, credential.ADMIT)

	after := write(t, k, h.clock.Timeframe(), "welcome")
	assert.NoError(t, h.pipeline.WaitUntilProcessed(ctx, k.Key(), after))

	// written without having seen the admission, so still rejected
	stale := write(t, k, staleTf.Without(k.Key()), "stale")
	assert.IsType(t, UnadmittedWriter{}, h.pipeline.WaitUntilProcessed(ctx, k.Key(), stale))

	var fromK []string
	for _, a := range h.model.Applied() {
		if a.Meta.FeedKey == k.Key() {
			fromK = append(fromK, string(a.Mutation))
		}
	}
	assert.EqualValues(t, []string{"welcome"}, fromK)

	events := h.reporter.Events()
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.EqualValues(t, diagnostics.UNADMITTED, ev.Kind)
		assert.EqualValues(t, k.Key(), ev.FeedKey)
	}
	assert.True(t, h.clock.Timeframe().Covers(k.Key(), stale), "rejected entries still advance the clock")
}

func TestPipeline_HoldsBackUntilDependenciesArrive(t *testing.T) {
	h := newHarness(t, Options{})
	f1, err := h.store.CreateFeed()
	require.NoError(t, err)
	h.credential(t, f1.Key(), credential.FEED, credential.ADMIT)
	f2 := h.newFeed(t, true)
	base := h.clock.Timeframe()

	// f2 depends on f1:2, which the pipeline has not seen yet
	dependent := write(t, f2, base.Set(f1.Key(), 2), "after-f1")
	for i := 0; i < 3; i++ {
		write(t, f1, base, fmt.Sprintf("f1-%d", i))
	}
	require.Eventually(t, func() bool {
		return h.pipeline.State().Pending == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, h.clock.Timeframe().Covers(f2.Key(), dependent))

	h.pipeline.AddFeed(f1)
	require.NoError(t, h.pipeline.WaitUntilProcessed(context.Background(), f2.Key(), dependent))

	var order []string
	for _, a := range h.model.Applied() {
		order = append(order, string(a.Mutation))
	}
	assert.EqualValues(t, []string{"f1-0", "f1-1", "f1-2", "after-f1"}, order)
	assert.EqualValues(t, 0, h.pipeline.State().Pending)
}

func TestPipeline_PoisonedEntries(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name       string
		policy     PoisonPolicy
		wantHalted bool
	}{
		{name: "skip keeps going", policy: SKIP},
		{name: "halt stops the pipeline", policy: HALT, wantHalted: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{PoisonPolicy: tt.policy})
			h.model.ApplyOverride = func(mutation model.Mutation, meta model.Meta) error {
				if string(mutation) == "poison" {
					return boom
				}
				return nil
			}
			f := h.newFeed(t, true)
			ctx := context.Background()

			var integrity []diagnostics.Event
			unsubscribe := h.pipeline.Integrity.Subscribe(func(ev diagnostics.Event) {
				integrity = append(integrity, ev)
			})
			defer unsubscribe()

			poisoned := write(t, f, h.clock.Timeframe(), "ok", "poison")
			err := h.pipeline.WaitUntilProcessed(ctx, f.Key(), poisoned)
			var failure ModelFailure
			require.ErrorAs(t, err, &failure)
			assert.EqualValues(t, 1, failure.Index)
			assert.True(t, errors.Is(err, boom))

			next := write(t, f, h.clock.Timeframe(), "fine")
			err = h.pipeline.WaitUntilProcessed(ctx, f.Key(), next)
			if tt.wantHalted {
				assert.IsType(t, Halted{}, err)
				assert.True(t, h.pipeline.State().Halted)
				assert.False(t, h.clock.Timeframe().Covers(f.Key(), poisoned))
			} else {
				assert.NoError(t, err)
				assert.True(t, h.clock.Timeframe().Covers(f.Key(), poisoned))
			}
			require.Len(t, integrity, 1)
			assert.EqualValues(t, diagnostics.MODEL_FAILURE, integrity[0].Kind)
		})
	}
}

func TestPipeline_MalformedEntriesAreSkipped(t *testing.T) {
	h := newHarness(t, Options{})
	f := h.newFeed(t, true)
	ctx := context.Background()

	bad, err := f.Append([]byte{0xff, 0xff})
	require.NoError(t, err)
	assert.IsType(t, message.Malformed{}, h.pipeline.WaitUntilProcessed(ctx, f.Key(), bad))

	good := write(t, f, h.clock.Timeframe(), "after")
	assert.NoError(t, h.pipeline.WaitUntilProcessed(ctx, f.Key(), good))

	events := h.reporter.Events()
	require.Len(t, events, 1)
	assert.EqualValues(t, diagnostics.MALFORMED, events[0].Kind)
}

func TestPipeline_InvalidCredentialIsReported(t *testing.T) {
	h := newHarness(t, Options{})
	stranger, err := keys.Generate()
	require.NoError(t, err)
	c := credential.Issue(stranger, h.space, stranger.Public, credential.IDENTITY, credential.ADMIT, h.chain.Current().Head())
	seq, err := h.control.Append(message.Encode(message.NewCredential(h.clock.Timeframe(), c)))
	require.NoError(t, err)

	err = h.pipeline.WaitUntilProcessed(context.Background(), h.control.Key(), seq)
	var rejected RejectedCredential
	require.ErrorAs(t, err, &rejected)
	assert.IsType(t, credential.IssuerNotAdmitted{}, rejected.Underlying)
	assert.False(t, h.chain.Current().IsIdentityAdmitted(stranger.Public))
}

func TestPipeline_StallAndTimeout(t *testing.T) {
	h := newHarness(t, Options{StallTimeout: 20 * time.Millisecond, WaitTimeout: 100 * time.Millisecond})
	f := h.newFeed(t, true)
	ghost, err := keys.Generate()
	require.NoError(t, err)

	stalled := make(chan timeframe.Timeframe, 1)
	unsubscribe := h.pipeline.Stalled.Subscribe(func(tf timeframe.Timeframe) {
		select {
		case stalled <- tf:
		default:
		}
	})
	defer unsubscribe()

	seq := write(t, f, h.clock.Timeframe().Set(ghost.Public, 0), "never")
	err = h.pipeline.WaitUntilProcessed(context.Background(), f.Key(), seq)
	assert.True(t, event.IsTimeout(err))

	select {
	case <-stalled:
	case <-time.After(time.Second):
		t.Fatal("expected a stall to be reported")
	}
	assert.True(t, h.pipeline.State().Stalled)
}

func TestPipeline_State(t *testing.T) {
	h := newHarness(t, Options{})
	state := h.pipeline.State()
	assert.True(t, state.Start.IsEmpty())
	assert.True(t, state.Current.Covers(h.control.Key(), 1))
	assert.True(t, state.End.Equals(state.Current))
	assert.Nil(t, state.Target)

	h.pipeline.SetTarget(state.Current)
	assert.NoError(t, h.pipeline.WaitUntilReachedTarget(context.Background()))
	assert.IsType(t, AlreadyStarted{}, h.pipeline.SetCursor(timeframe.New()))

	h.pipeline.Stop()
	assert.IsType(t, Stopped{}, h.pipeline.WaitUntilProcessed(context.Background(), h.control.Key(), 99))
}

func TestPipeline_RevokedWriterCannotBackdate(t *testing.T) {
	tests := []struct {
		name        string
		ownedByPeer bool
	}{
		{name: "feed revoked"},
		{name: "owning identity revoked", ownedByPeer: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			ctx := context.Background()
			k, err := h.store.CreateFeed()
			require.NoError(t, err)

			owner := h.identity
			if tt.ownedByPeer {
				owner, err = keys.Generate()
				require.NoError(t, err)
				h.credential(t, owner.Public, credential.IDENTITY, credential.ADMIT)
			}
			h.issue(t, owner, k.Key(), credential.FEED, credential.ADMIT)
			h.pipeline.AddFeed(k)

			before := write(t, k, h.clock.Timeframe(), "before")
			require.NoError(t, h.pipeline.WaitUntilProcessed(ctx, k.Key(), before))
			preRevocation := h.clock.Timeframe().Without(k.Key())

			if tt.ownedByPeer {
				h.credential(t, owner.Public, credential.IDENTITY, credential.REVOKE)
			} else {
				h.credential(t, k.Key(), credential.FEED, credential.REVOKE)
			}
			assert.True(t, h.chain.AsOf(preRevocation.Set(k.Key(), before)).IsFeedAdmitted(k.Key()))

			backdated := write(t, k, preRevocation, "backdated")
			err = h.pipeline.WaitUntilProcessed(ctx, k.Key(), backdated)
			var unadmitted UnadmittedWriter
			require.ErrorAs(t, err, &unadmitted)
			assert.True(t, unadmitted.Revoked)
			assert.EqualValues(t, backdated, unadmitted.Seq)

			var fromK []string
			for _, a := range h.model.Applied() {
				if a.Meta.FeedKey == k.Key() {
					fromK = append(fromK, string(a.Mutation))
				}
			}
			assert.EqualValues(t, []string{"before"}, fromK)

			events := h.reporter.Events()
			require.Len(t, events, 1)
			assert.EqualValues(t, diagnostics.UNADMITTED, events[0].Kind)
			assert.EqualValues(t, backdated, events[0].Seq)
		})
	}
}

func TestPipeline_EntriesTheModelRefuses(t *testing.T) {
	boom := errors.New("boom")
	refusePoison := func(mutation model.Mutation, meta model.Meta) error {
		if string(mutation) == "poison" {
			return boom
		}
		return nil
	}
	tests := []struct {
		name        string
		setup       func(m *model.MockModel)
		wantApplied []string
	}{
		{
			name:        "refused by Check applies nothing",
			setup:       func(m *model.MockModel) { m.CheckOverride = refusePoison },
			wantApplied: nil,
		},
		{
			name:        "refused by Apply keeps what came before",
			setup:       func(m *model.MockModel) { m.ApplyOverride = refusePoison },
			wantApplied: []string{"ok"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			tt.setup(h.model)
			f := h.newFeed(t, true)
			ctx := context.Background()

			seq := write(t, f, h.clock.Timeframe(), "ok", "poison", "after")
			err := h.pipeline.WaitUntilProcessed(ctx, f.Key(), seq)
			var failure ModelFailure
			require.ErrorAs(t, err, &failure)
			assert.EqualValues(t, 1, failure.Index)
			assert.True(t, errors.Is(err, boom))

			var applied []string
			for _, a := range h.model.Applied() {
				if a.Meta.FeedKey == f.Key() {
					applied = append(applied, string(a.Mutation))
				}
			}
			assert.EqualValues(t, tt.wantApplied, applied)

			events := h.reporter.Events()
			require.Len(t, events, 1)
			assert.EqualValues(t, diagnostics.MODEL_FAILURE, events[0].Kind)
		})
	}
}

func TestPipeline_RejectionsAreBounded(t *testing.T) {
	h := newHarness(t, Options{})
	k := h.newFeed(t, false)
	ctx := context.Background()

	total := rejectedRetention + 10
	var last feed.Seq
	for i := 0; i < total; i++ {
		last = write(t, k, h.clock.Timeframe(), fmt.Sprintf("nope-%d", i))
	}
	assert.IsType(t, UnadmittedWriter{}, h.pipeline.WaitUntilProcessed(ctx, k.Key(), last))

	h.pipeline.mu.Lock()
	remembered, ordered := len(h.pipeline.rejected), len(h.pipeline.rejectedOrder)
	h.pipeline.mu.Unlock()
	assert.Equal(t, rejectedRetention, remembered)
	assert.Equal(t, rejectedRetention, ordered)

	// the oldest rejections are forgotten, the entries stay processed
	assert.NoError(t, h.pipeline.WaitUntilProcessed(ctx, k.Key(), 0))
	assert.IsType(t, UnadmittedWriter{}, h.pipeline.WaitUntilProcessed(ctx, k.Key(), last-1))
}

func TestNew_Defaults(t *testing.T) {
	spacePair, err := keys.Generate()
	require.NoError(t, err)
	tests := []struct {
		name       string
		opts       Options
		wantWait   time.Duration
		wantPolicy PoisonPolicy
	}{
		{name: "empty", opts: Options{}, wantWait: timeframe.DefaultWaitTimeout, wantPolicy: SKIP},
		{name: "negative wait", opts: Options{WaitTimeout: -time.Second}, wantWait: timeframe.DefaultWaitTimeout, wantPolicy: SKIP},
		{name: "given", opts: Options{WaitTimeout: time.Second, PoisonPolicy: HALT}, wantWait: time.Second, wantPolicy: HALT},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(spacePair.Public, timeframe.NewClock(timeframe.New(), 0), credential.NewChain(spacePair.Public), &model.MockModel{}, &diagnostics.MockReporter{}, tracing.NoopTracer{}, tt.opts)
			assert.Equal(t, tt.wantWait, p.opts.WaitTimeout)
			assert.Equal(t, tt.wantPolicy, p.opts.PoisonPolicy)
		})
	}
}
