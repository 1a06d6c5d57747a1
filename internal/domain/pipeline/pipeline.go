package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lloydmeta/echo/internal/domain/credential"
	"github.com/lloydmeta/echo/internal/domain/diagnostics"
	"github.com/lloydmeta/echo/internal/domain/event"
	"github.com/lloydmeta/echo/internal/domain/feed"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/domain/message"
	"github.com/lloydmeta/echo/internal/domain/model"
	"github.com/lloydmeta/echo/internal/domain/timeframe"
	"github.com/lloydmeta/echo/internal/domain/tracing"
)

const inboundBuffer = 256

// rejectedRetention is how many rejections are remembered for late waiters
const rejectedRetention = 1024

type ref struct {
	key keys.PublicKey
	seq feed.Seq
}

type inbound struct {
	entry feed.Entry
	key   keys.PublicKey
	err   error
}

type queued struct {
	entry     feed.Entry
	envelope  message.Envelope
	decodeErr error
	arrival   uint64
}

// Pipeline reads every feed added to it, holds entries back until their causal dependencies
// have been processed, checks them against the credential chain and applies them to the model.
//
// All processing happens on a single goroutine.
type Pipeline struct {
	space    keys.PublicKey
	clock    *timeframe.Clock
	chain    *credential.Chain
	model    model.Model
	reporter diagnostics.Reporter
	tracer   tracing.Tracer
	opts     Options
	getUTC   func() time.Time // for mocking

	inbound chan inbound
	done    chan struct{}

	// owned by the processing goroutine
	queues       map[keys.PublicKey][]queued
	arrivals     uint64
	lastProgress time.Time

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	stopped  bool
	feeds    map[keys.PublicKey]*feed.Feed
	waiters  map[ref][]chan error
	rejected map[ref]error
	// rejectedOrder holds the keys of rejected oldest first, for pruning
	rejectedOrder []ref
	feedErrs      map[keys.PublicKey]error
	start    timeframe.Timeframe
	target   *timeframe.Timeframe
	pending  int
	stalled  bool
	haltErr  error

	// Integrity fires for every entry that is skipped
	Integrity event.Event[diagnostics.Event]
	// Stalled fires with the current Timeframe when held-back entries stop making progress
	Stalled event.Event[timeframe.Timeframe]
	// Processed fires for every entry consumed, accepted or not
	Processed event.Event[Outcome]
}

// New returns a Pipeline for one space. It does nothing until Start is called.
func New(space keys.PublicKey, clock *timeframe.Clock, chain *credential.Chain, m model.Model, reporter diagnostics.Reporter, tracer tracing.Tracer, opts Options) *Pipeline {
	opts = opts.withDefaults()
	return &Pipeline{
		space:    space,
		clock:    clock,
		chain:    chain,
		model:    m,
		reporter: reporter,
		tracer:   tracer,
		opts:     opts,
		getUTC: func() time.Time {
			return time.Now().UTC()
		},
		inbound:  make(chan inbound, inboundBuffer),
		done:     make(chan struct{}),
		queues:   make(map[keys.PublicKey][]queued),
		feeds:    make(map[keys.PublicKey]*feed.Feed),
		waiters:  make(map[ref][]chan error),
		rejected: make(map[ref]error),
		feedErrs: make(map[keys.PublicKey]error),
		start:    clock.Timeframe(),
	}
}

// SetCursor moves the starting position. Entries at or before it are never read, so the
// credential chain only sees what comes after.
func (p *Pipeline) SetCursor(tf timeframe.Timeframe) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return AlreadyStarted{}
	}
	p.start = p.clock.SetTimeframe(tf)
	return nil
}

// SetTarget records a position the pipeline is expected to reach, e.g. a checkpoint
func (p *Pipeline) SetTarget(tf timeframe.Timeframe) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = &tf
}

// Start begins processing, and reading every feed added so far
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return AlreadyStarted{}
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.lastProgress = p.getUTC()
	go p.run()
	for _, f := range p.feeds {
		p.startReaderLocked(f)
	}
	return nil
}

// AddFeed makes the pipeline read f. Adding the same feed twice is a no-op.
func (p *Pipeline) AddFeed(f *feed.Feed) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.feeds[f.Key()]; ok || p.stopped {
		return
	}
	p.feeds[f.Key()] = f
	if p.started {
		p.startReaderLocked(f)
	}
}

func (p *Pipeline) startReaderLocked(f *feed.Feed) {
	from := feed.Seq(0)
	if seq, ok := p.clock.Timeframe().Get(f.Key()); ok {
		from = seq + 1
	}
	if log.Debug().Enabled() {
		log.Debug().
			Str("space", p.space.Hex()).
			Str("feed", f.Key().Hex()).
			Uint64("from", uint64(from)).
			Msg("Reading feed")
	}
	sub := f.ReadFrom(p.ctx, from, true)
	go func(ctx context.Context, key keys.PublicKey) {
		for entry := range sub.Entries() {
			select {
			case p.inbound <- inbound{entry: entry, key: key}:
			case <-ctx.Done():
				sub.Cancel()
				return
			}
		}
		if err := sub.Err(); err != nil {
			select {
			case p.inbound <- inbound{key: key, err: err}:
			case <-ctx.Done():
			}
		}
	}(p.ctx, f.Key())
}

// Stop ends processing. Pending waiters fail with Stopped.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.cancel()
	p.mu.Unlock()
	<-p.done
}

func (p *Pipeline) run() {
	defer close(p.done)
	var tick <-chan time.Time
	if p.opts.StallTimeout > 0 {
		ticker := time.NewTicker(p.opts.StallTimeout / 2)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case in := <-p.inbound:
			if in.err != nil {
				p.failFeed(in.key, in.err)
				continue
			}
			p.enqueue(in.entry)
			p.drain()
			if p.isHalted() {
				return
			}
		case <-tick:
			p.checkStall()
		case <-p.ctx.Done():
			p.failAll(Stopped{})
			return
		}
	}
}

func (p *Pipeline) enqueue(entry feed.Entry) {
	p.arrivals++
	q := queued{entry: entry, arrival: p.arrivals}
	q.envelope, q.decodeErr = message.Decode(entry.Payload)
	p.queues[entry.Key] = append(p.queues[entry.Key], q)
	p.setPending(1)
}

// ready tells whether every causal dependency of q, other than its own feed, has been processed
func (p *Pipeline) ready(q queued, current timeframe.Timeframe) bool {
	if q.decodeErr != nil || current.Covers(q.entry.Key, q.entry.Seq) {
		return true
	}
	for _, f := range q.envelope.Timeframe.Frames() {
		if f.Key == q.entry.Key {
			continue
		}
		if !current.Covers(f.Key, f.Seq) {
			return false
		}
	}
	return true
}

// drain processes ready queue heads in arrival order until none are left
func (p *Pipeline) drain() {
	tx := p.tracer.BackgroundTx("pipeline-drain")
	defer tx.End()
	ctx := tx.Context()
	for {
		current := p.clock.Timeframe()
		var next *queued
		for _, q := range p.queues {
			if len(q) == 0 || !p.ready(q[0], current) {
				continue
			}
			if next == nil || q[0].arrival < next.arrival {
				head := q[0]
				next = &head
			}
		}
		if next == nil {
			return
		}
		key := next.entry.Key
		p.queues[key] = p.queues[key][1:]
		if len(p.queues[key]) == 0 {
			delete(p.queues, key)
		}
		p.setPending(-1)
		p.handle(ctx, *next)
		p.lastProgress = p.getUTC()
		if p.isHalted() {
			return
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, q queued) {
	key, seq := q.entry.Key, q.entry.Seq
	if p.clock.Timeframe().Covers(key, seq) {
		if log.Debug().Enabled() {
			log.Debug().Str("feed", key.Hex()).Uint64("seq", uint64(seq)).Msg("Skipping duplicate entry")
		}
		return
	}

	var outcome error
	switch {
	case q.decodeErr != nil:
		outcome = q.decodeErr
		p.report(ctx, diagnostics.MALFORMED, key, seq, outcome)
	case q.envelope.Kind == message.CREDENTIAL:
		if _, err := p.chain.Process(*q.envelope.Credential, timeframe.Frame{Key: key, Seq: seq}); err != nil {
			outcome = RejectedCredential{Key: key, Seq: seq, Underlying: err}
			p.report(ctx, diagnostics.INVALID_CREDENTIAL, key, seq, outcome)
		}
	default:
		outcome = p.applyMutations(ctx, q)
		if outcome != nil && p.isHalted() {
			return
		}
	}

	if outcome != nil {
		p.remember(ref{key: key, seq: seq}, outcome)
	}
	p.clock.Update(key, seq)
	p.resolve(ref{key: key, seq: seq}, outcome)
	p.Processed.Emit(Outcome{FeedKey: key, Seq: seq, Kind: q.envelope.Kind, Err: outcome})
}

func (p *Pipeline) applyMutations(ctx context.Context, q queued) error {
	key, seq := q.entry.Key, q.entry.Seq
	// an entry implicitly depends on everything before it in its own feed
	asOf := q.envelope.Timeframe
	if seq > 0 {
		asOf = asOf.Set(key, seq-1)
	}
	if !p.chain.AsOf(asOf).IsFeedAdmitted(key) {
		err := UnadmittedWriter{Key: key, Seq: seq}
		p.report(ctx, diagnostics.UNADMITTED, key, seq, err)
		return err
	}
	// a revoked writer can still claim an old timeframe, so revocations apply as soon as
	// they are processed
	if !p.chain.Current().IsFeedAdmitted(key) {
		err := UnadmittedWriter{Key: key, Seq: seq, Revoked: true}
		p.report(ctx, diagnostics.UNADMITTED, key, seq, err)
		return err
	}

	metas := make([]model.Meta, len(q.envelope.Mutations))
	for i := range q.envelope.Mutations {
		metas[i] = model.Meta{
			FeedKey:   key,
			Seq:       seq,
			Index:     i,
			Timeframe: q.envelope.Timeframe,
			BatchId:   q.envelope.BatchId,
		}
	}
	if checker, ok := p.model.(model.Checker); ok {
		for i, m := range q.envelope.Mutations {
			if err := checker.Check(m, metas[i]); err != nil {
				return p.modelFailure(ctx, ModelFailure{Key: key, Seq: seq, Index: i, Underlying: err})
			}
		}
	}
	for i, m := range q.envelope.Mutations {
		if err := p.model.Apply(m, metas[i]); err != nil {
			return p.modelFailure(ctx, ModelFailure{Key: key, Seq: seq, Index: i, Underlying: err})
		}
	}
	return nil
}

func (p *Pipeline) modelFailure(ctx context.Context, failure ModelFailure) error {
	p.report(ctx, diagnostics.MODEL_FAILURE, failure.Key, failure.Seq, failure)
	if p.opts.PoisonPolicy == HALT {
		p.halt(failure)
	}
	return failure
}

// remember keeps the reason an entry was rejected, forgetting the oldest once there are
// more than rejectedRetention
func (p *Pipeline) remember(r ref, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejected[r] = err
	p.rejectedOrder = append(p.rejectedOrder, r)
	if over := len(p.rejectedOrder) - rejectedRetention; over > 0 {
		for _, old := range p.rejectedOrder[:over] {
			delete(p.rejected, old)
		}
		p.rejectedOrder = append(p.rejectedOrder[:0:0], p.rejectedOrder[over:]...)
	}
}

func (p *Pipeline) report(ctx context.Context, kind diagnostics.Kind, key keys.PublicKey, seq feed.Seq, reason error) {
	ev := diagnostics.NewEvent(p.space, kind, key, seq, reason, p.getUTC())
	p.reporter.Report(ctx, ev)
	p.Integrity.Emit(ev)
}

func (p *Pipeline) halt(cause error) {
	log.Error().
		Err(cause).
		Str("space", p.space.Hex()).
		Msg("Halting pipeline on model failure")
	p.mu.Lock()
	p.haltErr = Halted{Cause: cause}
	p.cancel()
	p.mu.Unlock()
	p.failAll(Halted{Cause: cause})
}

func (p *Pipeline) isHalted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.haltErr != nil
}

func (p *Pipeline) setPending(delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending += delta
	if delta < 0 {
		p.stalled = false
	}
}

func (p *Pipeline) checkStall() {
	p.mu.Lock()
	pending, stalled := p.pending, p.stalled
	p.mu.Unlock()
	if pending == 0 || stalled || p.getUTC().Sub(p.lastProgress) < p.opts.StallTimeout {
		return
	}
	p.mu.Lock()
	p.stalled = true
	p.mu.Unlock()

	current := p.clock.Timeframe()
	if log.Warn().Enabled() {
		var missing []timeframe.Gap
		for _, q := range p.queues {
			missing = append(missing, timeframe.Gaps(q[0].envelope.Timeframe.Without(q[0].entry.Key), current)...)
		}
		log.Warn().
			Str("space", p.space.Hex()).
			Int("pending", pending).
			Str("current", current.String()).
			Interface("missing", missing).
			Msg("Pipeline stalled waiting for causal dependencies")
	}
	p.Stalled.Emit(current)
}

// resolve settles the waiters of one entry
func (p *Pipeline) resolve(r ref, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.waiters[r] {
		ch <- err
	}
	delete(p.waiters, r)
}

// failFeed settles every waiter on a feed whose read ended with err
func (p *Pipeline) failFeed(key keys.PublicKey, err error) {
	log.Warn().
		Err(err).
		Str("space", p.space.Hex()).
		Str("feed", key.Hex()).
		Msg("Feed read ended")
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feedErrs[key] = err
	for r, chs := range p.waiters {
		if r.key != key {
			continue
		}
		for _, ch := range chs {
			ch <- err
		}
		delete(p.waiters, r)
	}
}

func (p *Pipeline) failAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for r, chs := range p.waiters {
		for _, ch := range chs {
			ch <- err
		}
		delete(p.waiters, r)
	}
}

// WaitUntilProcessed blocks until the entry at (key, seq) has been consumed. It returns the
// reason the entry was rejected, if it was, the error that ended its feed's read, or an
// event.Timeout once the configured wait timeout passes. Only the most recent rejections are
// remembered: asking about an older rejected entry returns nil.
func (p *Pipeline) WaitUntilProcessed(ctx context.Context, key keys.PublicKey, seq feed.Seq) error {
	r := ref{key: key, seq: seq}
	p.mu.Lock()
	if err, ok := p.rejected[r]; ok {
		p.mu.Unlock()
		return err
	}
	if p.clock.Timeframe().Covers(key, seq) {
		p.mu.Unlock()
		return nil
	}
	if p.haltErr != nil {
		err := p.haltErr
		p.mu.Unlock()
		return err
	}
	if p.stopped {
		p.mu.Unlock()
		return Stopped{}
	}
	if err, ok := p.feedErrs[key]; ok {
		p.mu.Unlock()
		return err
	}
	ch := make(chan error, 1)
	p.waiters[r] = append(p.waiters[r], ch)
	p.mu.Unlock()

	timer := time.NewTimer(p.opts.WaitTimeout)
	defer timer.Stop()
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		p.removeWaiter(r, ch)
		return ctx.Err()
	case <-timer.C:
		p.removeWaiter(r, ch)
		return event.Timeout{Waited: p.opts.WaitTimeout}
	}
}

func (p *Pipeline) removeWaiter(r ref, ch chan error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	chs := p.waiters[r]
	for i, c := range chs {
		if c == ch {
			p.waiters[r] = append(chs[:i:i], chs[i+1:]...)
			break
		}
	}
	if len(p.waiters[r]) == 0 {
		delete(p.waiters, r)
	}
}

// WaitUntilReachedTarget blocks until the target set with SetTarget has been processed
func (p *Pipeline) WaitUntilReachedTarget(ctx context.Context) error {
	p.mu.Lock()
	target := p.target
	p.mu.Unlock()
	if target == nil {
		return nil
	}
	return p.clock.WaitUntilReached(ctx, *target)
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	end := timeframe.New()
	for key, f := range p.feeds {
		if length := f.Length(); length > 0 {
			end = end.Set(key, feed.Seq(length-1))
		}
	}
	return State{
		Start:   p.start,
		Current: p.clock.Timeframe(),
		End:     end,
		Target:  p.target,
		Pending: p.pending,
		Stalled: p.stalled,
		Halted:  p.haltErr != nil,
	}
}

// Feeds lists the keys of the feeds being read
func (p *Pipeline) Feeds() []keys.PublicKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]keys.PublicKey, 0, len(p.feeds))
	for k := range p.feeds {
		out = append(out, k)
	}
	return out
}
