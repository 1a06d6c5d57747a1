package space

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lloydmeta/echo/internal/domain/batch"
	"github.com/lloydmeta/echo/internal/domain/checkpoint"
	"github.com/lloydmeta/echo/internal/domain/credential"
	"github.com/lloydmeta/echo/internal/domain/feed"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/domain/model"
	"github.com/lloydmeta/echo/internal/domain/pipeline"
	"github.com/lloydmeta/echo/internal/domain/timeframe"
)

// Space is an open replicated data set
type Space struct {
	meta        Metadata
	identity    keys.KeyPair
	store       *feed.Store
	clock       *timeframe.Clock
	chain       *credential.Chain
	model       model.Model
	pipeline    *pipeline.Pipeline
	writer      *batch.Writer
	checkpoints checkpoint.Service
	getUTC      func() time.Time // for mocking

	// credentials must link to the current head, so they are written one at a time
	credentialMu sync.Mutex

	unsubscribe func()
	closeOnce   sync.Once
	closeErr    error
}

func (s *Space) Key() keys.PublicKey {
	return s.meta.Key
}

func (s *Space) Metadata() Metadata {
	return s.meta
}

// Model is the space's materialised state. Reads see every entry that has been processed.
func (s *Space) Model() model.Model {
	return s.model
}

// Store holds the space's feeds; replication opens remote feeds through it
func (s *Space) Store() *feed.Store {
	return s.store
}

func (s *Space) Pipeline() *pipeline.Pipeline {
	return s.pipeline
}

func (s *Space) Timeframe() timeframe.Timeframe {
	return s.clock.Timeframe()
}

func (s *Space) Membership() credential.Membership {
	return s.chain.Current()
}

func (s *Space) State() pipeline.State {
	return s.pipeline.State()
}

// Feeds describes every feed of the space, in key order
func (s *Space) Feeds() []FeedInfo {
	membership := s.chain.Current()
	current := s.clock.Timeframe()
	var out []FeedInfo
	for _, key := range s.store.Feeds() {
		info := FeedInfo{Key: key, Admitted: membership.IsFeedAdmitted(key)}
		if f, ok := s.store.GetFeed(key); ok {
			info.Length = f.Length()
			info.Writable = f.Writable()
		}
		if seq, ok := current.Get(key); ok {
			processed := seq
			info.Processed = &processed
		}
		out = append(out, info)
	}
	sortFeedInfos(out)
	return out
}

func (s *Space) NewBatch(mutations ...model.Mutation) *batch.Batch {
	return s.writer.NewBatch(mutations...)
}

// Write commits mutations as a single batch and waits until the model reflects them
func (s *Space) Write(ctx context.Context, mutations ...model.Mutation) (batch.Receipt, error) {
	b := s.writer.NewBatch(mutations...)
	receipt, err := b.Commit(ctx)
	if err != nil {
		return receipt, err
	}
	return receipt, b.WaitToBeProcessed(ctx)
}

// Admit issues an admission for subject, signed with the local identity, and waits until the
// chain has accepted or rejected it
func (s *Space) Admit(ctx context.Context, subject keys.PublicKey, subjectType credential.SubjectType) (batch.Receipt, error) {
	return s.issue(ctx, subject, subjectType, credential.ADMIT)
}

func (s *Space) Revoke(ctx context.Context, subject keys.PublicKey, subjectType credential.SubjectType) (batch.Receipt, error) {
	return s.issue(ctx, subject, subjectType, credential.REVOKE)
}

func (s *Space) issue(ctx context.Context, subject keys.PublicKey, subjectType credential.SubjectType, kind credential.Kind) (batch.Receipt, error) {
	s.credentialMu.Lock()
	defer s.credentialMu.Unlock()
	c := credential.Issue(s.identity, s.meta.Key, subject, subjectType, kind, s.chain.Current().Head())
	b, err := s.writer.WriteCredential(ctx, c)
	if err != nil {
		return batch.Receipt{}, err
	}
	receipt, err := b.Receipt(ctx)
	if err != nil {
		return receipt, err
	}
	log.Info().
		Str("space", s.meta.Key.Hex()).
		Str("subject", subject.Hex()).
		Str("subjectType", subjectType.String()).
		Str("kind", kind.String()).
		Msg("Issued credential")
	return receipt, b.WaitToBeProcessed(ctx)
}

// Checkpoint saves how far the pipeline has got
func (s *Space) Checkpoint(ctx context.Context) error {
	if s.checkpoints == nil {
		return nil
	}
	return s.checkpoints.Save(ctx, checkpoint.Checkpoint{
		Space:     s.meta.Key,
		Timeframe: s.clock.Timeframe(),
		SavedAt:   s.getUTC(),
	})
}

// Close checkpoints, stops the pipeline and closes the feeds. A failed checkpoint is logged
// and does not stop the rest.
func (s *Space) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if err := s.Checkpoint(ctx); err != nil {
			log.Error().Err(err).Str("space", s.meta.Key.Hex()).Msg("Failed to checkpoint space on close, continuing")
		}
		s.unsubscribe()
		s.pipeline.Stop()
		s.closeErr = s.store.Close()
		log.Info().Str("space", s.meta.Key.Hex()).Msg("Closed space")
	})
	return s.closeErr
}

// loadTarget points the pipeline at the last checkpoint, if any
func (s *Space) loadTarget(ctx context.Context) {
	if s.checkpoints == nil {
		return
	}
	cp, err := s.checkpoints.Load(ctx, s.meta.Key)
	if err != nil {
		var notFound checkpoint.NotFound
		if !errors.As(err, &notFound) {
			log.Warn().Err(err).Str("space", s.meta.Key.Hex()).Msg("Failed to load checkpoint, continuing without a target")
		}
		return
	}
	s.pipeline.SetTarget(cp.Timeframe)
}
