package space

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"

	"github.com/lloydmeta/echo/internal/domain/batch"
	"github.com/lloydmeta/echo/internal/domain/checkpoint"
	"github.com/lloydmeta/echo/internal/domain/credential"
	"github.com/lloydmeta/echo/internal/domain/diagnostics"
	"github.com/lloydmeta/echo/internal/domain/event"
	"github.com/lloydmeta/echo/internal/domain/feed"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/domain/model"
	"github.com/lloydmeta/echo/internal/domain/pipeline"
	"github.com/lloydmeta/echo/internal/domain/storage"
	"github.com/lloydmeta/echo/internal/domain/timeframe"
	"github.com/lloydmeta/echo/internal/domain/tracing"
)

const (
	indexFileName    = "spaces/index"
	metadataFileName = "space.json"
)

func spaceDir(key keys.PublicKey) string {
	return fmt.Sprintf("spaces/%s", key.Hex())
}

// Manager creates, joins and opens spaces that share one storage backend and one local identity
type Manager struct {
	storage     storage.Storage
	identity    keys.KeyPair
	registry    *model.Registry
	reporter    diagnostics.Reporter
	checkpoints checkpoint.Service
	tracer      tracing.Tracer
	opts        Options
	getUTC      func() time.Time // for mocking

	mu     sync.Mutex
	open   map[keys.PublicKey]*Space
	index  []keys.PublicKey
	closed bool

	// SpaceOpened fires once for every Space the Manager opens
	SpaceOpened event.Event[*Space]
}

// NewManager returns a Manager. checkpoints may be nil, in which case nothing is checkpointed.
func NewManager(
	s storage.Storage,
	identity keys.KeyPair,
	registry *model.Registry,
	reporter diagnostics.Reporter,
	checkpoints checkpoint.Service,
	tracer tracing.Tracer,
	opts Options,
) (*Manager, error) {
	index, err := readIndex(s)
	if err != nil {
		return nil, err
	}
	return &Manager{
		storage:     s,
		identity:    identity,
		registry:    registry,
		reporter:    reporter,
		checkpoints: checkpoints,
		tracer:      tracer,
		opts:        opts.withDefaults(),
		getUTC: func() time.Time {
			return time.Now().UTC()
		},
		open:  make(map[keys.PublicKey]*Space),
		index: index,
	}, nil
}

func (m *Manager) Identity() keys.PublicKey {
	return m.identity.Public
}

// Create starts a new space whose genesis admits the local identity and a new local feed
func (m *Manager) Create(ctx context.Context, kind model.Kind) (*Space, error) {
	spaceKey, err := keys.Generate()
	if err != nil {
		return nil, err
	}
	s, err := m.openNew(Metadata{Key: spaceKey.Public, ModelKind: kind, CreatedAt: m.getUTC()})
	if err != nil {
		return nil, err
	}
	if _, err := s.Admit(ctx, m.identity.Public, credential.IDENTITY); err != nil {
		return nil, m.abandon(s, err)
	}
	if _, err := s.Admit(ctx, s.meta.WriteFeed, credential.FEED); err != nil {
		return nil, m.abandon(s, err)
	}
	log.Info().
		Str("space", s.meta.Key.Hex()).
		Str("model", string(kind)).
		Str("feed", s.meta.WriteFeed.Hex()).
		Msg("Created space")
	return s, nil
}

// Join opens a space created elsewhere. The local feed can only be written to usefully once a
// member has admitted it along with the local identity.
func (m *Manager) Join(ctx context.Context, spaceKey keys.PublicKey, genesisFeed keys.PublicKey, kind model.Kind) (*Space, error) {
	s, err := m.openNew(Metadata{Key: spaceKey, GenesisFeed: genesisFeed, ModelKind: kind, CreatedAt: m.getUTC()})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("space", spaceKey.Hex()).
		Str("genesisFeed", genesisFeed.Hex()).
		Str("feed", s.meta.WriteFeed.Hex()).
		Msg("Joined space")
	return s, nil
}

func (m *Manager) openNew(meta Metadata) (*Space, error) {
	if !m.registry.Has(meta.ModelKind) {
		return nil, model.UnknownKind{Kind: meta.ModelKind}
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ManagerClosed{}
	}
	if m.knownLocked(meta.Key) {
		m.mu.Unlock()
		return nil, AlreadyExists{Key: meta.Key}
	}
	s, err := m.openLocked(meta)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if err := m.appendIndexLocked(meta.Key); err != nil {
		delete(m.open, meta.Key)
		m.mu.Unlock()
		_ = s.Close(context.Background())
		return nil, err
	}
	m.mu.Unlock()
	m.SpaceOpened.Emit(s)
	return s, nil
}

func (m *Manager) abandon(s *Space, cause error) error {
	log.Error().Err(cause).Str("space", s.meta.Key.Hex()).Msg("Failed to initialise space")
	m.mu.Lock()
	delete(m.open, s.meta.Key)
	m.mu.Unlock()
	_ = s.Close(context.Background())
	return cause
}

// Open returns the Space for key, opening it from storage if needed
func (m *Manager) Open(ctx context.Context, key keys.PublicKey) (*Space, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ManagerClosed{}
	}
	if s, ok := m.open[key]; ok {
		m.mu.Unlock()
		return s, nil
	}
	if !m.knownLocked(key) {
		m.mu.Unlock()
		return nil, NotFound{Key: key}
	}
	meta, err := m.readMetadata(key)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	s, err := m.openLocked(meta)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.loadTarget(ctx)
	m.SpaceOpened.Emit(s)
	return s, nil
}

// OpenAll opens every space in storage. Spaces that fail to open are logged and skipped; the
// first error is returned.
func (m *Manager) OpenAll(ctx context.Context) error {
	var firstErr error
	for _, key := range m.Known() {
		if _, err := m.Open(ctx, key); err != nil {
			log.Error().Err(err).Str("space", key.Hex()).Msg("Failed to open space, continuing")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Manager) Get(key keys.PublicKey) (*Space, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.open[key]
	return s, ok
}

// Spaces lists the open spaces in key order
func (m *Manager) Spaces() []*Space {
	m.mu.Lock()
	spaces := maps.Values(m.open)
	m.mu.Unlock()
	sort.Slice(spaces, func(i, j int) bool {
		return bytes.Compare(spaces[i].meta.Key[:], spaces[j].meta.Key[:]) < 0
	})
	return spaces
}

// Known lists every space in storage, open or not
func (m *Manager) Known() []keys.PublicKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]keys.PublicKey, len(m.index))
	copy(out, m.index)
	return out
}

// CloseSpace closes one open space; it can be opened again later
func (m *Manager) CloseSpace(ctx context.Context, key keys.PublicKey) error {
	m.mu.Lock()
	s, ok := m.open[key]
	delete(m.open, key)
	m.mu.Unlock()
	if !ok {
		return NotFound{Key: key}
	}
	return s.Close(ctx)
}

// Close closes every open space. Failures are logged and do not stop the rest; the first one
// is returned.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	open := m.open
	m.open = make(map[keys.PublicKey]*Space)
	m.mu.Unlock()

	var firstErr error
	for key, s := range open {
		if err := s.Close(ctx); err != nil {
			log.Error().Err(err).Str("space", key.Hex()).Msg("Failed to close space, continuing")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Manager) openLocked(meta Metadata) (*Space, error) {
	spaceStorage := storage.Prefixed(m.storage, spaceDir(meta.Key))
	store, err := feed.NewStore(spaceStorage)
	if err != nil {
		return nil, err
	}
	mdl, err := m.registry.New(meta.ModelKind)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	clock := timeframe.NewClock(timeframe.New(), m.opts.Pipeline.WaitTimeout)
	chain := credential.NewChain(meta.Key)
	p := pipeline.New(meta.Key, clock, chain, mdl, m.reporter, m.tracer, m.opts.Pipeline)
	unsubscribe := store.FeedOpened.Subscribe(p.AddFeed)

	fail := func(err error) (*Space, error) {
		unsubscribe()
		_ = store.Close()
		return nil, err
	}
	for _, key := range store.Feeds() {
		if _, err := store.OpenFeed(key); err != nil {
			return fail(err)
		}
	}

	var writeFeed *feed.Feed
	changed := false
	if meta.WriteFeed.IsZero() {
		if writeFeed, err = store.CreateFeed(); err != nil {
			return fail(err)
		}
		meta.WriteFeed = writeFeed.Key()
		changed = true
	} else {
		f, ok := store.GetFeed(meta.WriteFeed)
		if !ok || !f.Writable() {
			return fail(MissingWriteFeed{Space: meta.Key, Feed: meta.WriteFeed})
		}
		writeFeed = f
	}
	if meta.GenesisFeed.IsZero() {
		meta.GenesisFeed = meta.WriteFeed
		changed = true
	} else if _, err := store.OpenFeed(meta.GenesisFeed); err != nil {
		return fail(err)
	}
	if changed {
		if err := m.writeMetadataTo(spaceStorage, meta); err != nil {
			return fail(err)
		}
	}

	s := &Space{
		meta:        meta,
		identity:    m.identity,
		store:       store,
		clock:       clock,
		chain:       chain,
		model:       mdl,
		pipeline:    p,
		writer:      batch.NewWriter(writeFeed, clock, p, m.opts.ProcessTimeout),
		checkpoints: m.checkpoints,
		getUTC:      m.getUTC,
		unsubscribe: unsubscribe,
	}
	// the pipeline outlives whichever request opened the space
	if err := p.Start(context.Background()); err != nil {
		return fail(err)
	}
	m.open[meta.Key] = s
	log.Info().
		Str("space", meta.Key.Hex()).
		Int("feeds", len(store.Feeds())).
		Msg("Opened space")
	return s, nil
}

func (m *Manager) knownLocked(key keys.PublicKey) bool {
	for _, k := range m.index {
		if k == key {
			return true
		}
	}
	return false
}

func (m *Manager) appendIndexLocked(key keys.PublicKey) error {
	f, err := m.storage.Open(indexFileName)
	if err != nil {
		return err
	}
	if err := f.Write(int64(len(m.index)*keys.Size), key[:]); err != nil {
		_ = f.Close()
		return err
	}
	m.index = append(m.index, key)
	return f.Close()
}

func readIndex(s storage.Storage) ([]keys.PublicKey, error) {
	f, err := s.Open(indexFileName)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	var index []keys.PublicKey
	if usable := size - size%keys.Size; usable > 0 {
		raw, err := f.Read(0, int(usable))
		if err != nil {
			return nil, err
		}
		for i := 0; i+keys.Size <= len(raw); i += keys.Size {
			k, _ := keys.FromBytes(raw[i : i+keys.Size])
			index = append(index, k)
		}
	}
	return index, nil
}

func (m *Manager) writeMetadataTo(s storage.Storage, meta Metadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	f, err := s.Open(metadataFileName)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Write(0, raw); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (m *Manager) readMetadata(key keys.PublicKey) (Metadata, error) {
	var meta Metadata
	f, err := storage.Prefixed(m.storage, spaceDir(key)).Open(metadataFileName)
	if err != nil {
		return meta, err
	}
	defer f.Close()
	size, err := f.Size()
	if err != nil {
		return meta, err
	}
	if size == 0 {
		return meta, CorruptMetadata{Key: key, Reason: "empty"}
	}
	raw, err := f.Read(0, int(size))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, CorruptMetadata{Key: key, Reason: err.Error()}
	}
	if meta.Key != key {
		return meta, CorruptMetadata{Key: key, Reason: fmt.Sprintf("holds space [%s]", meta.Key.Hex())}
	}
	return meta, nil
}

func sortFeedInfos(infos []FeedInfo) {
	sort.Slice(infos, func(i, j int) bool {
		return bytes.Compare(infos[i].Key[:], infos[j].Key[:]) < 0
	})
}
