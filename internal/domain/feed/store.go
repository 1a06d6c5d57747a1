package feed

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"

	"github.com/lloydmeta/echo/internal/domain/event"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/domain/storage"
)

const indexFileName = "feeds/index"

// Store owns a collection of Feeds keyed by their public key, persisted to a storage.Storage.
//
// Every feed has a key file holding either the public key (replicated feeds) or the full
// private key (feeds this peer writes), a data file, and an entry in the index file.
type Store struct {
	storage storage.Storage

	mu       sync.Mutex
	feeds    map[keys.PublicKey]*Feed
	keyLocks map[keys.PublicKey]*sync.Mutex
	index    []keys.PublicKey
	indexF   storage.File
	closed   bool

	// FeedOpened fires once for every Feed the Store opens
	FeedOpened event.Event[*Feed]
}

// NewStore returns a Store over the given storage, loading the index of known feeds
func NewStore(s storage.Storage) (*Store, error) {
	indexF, err := s.Open(indexFileName)
	if err != nil {
		return nil, err
	}
	size, err := indexF.Size()
	if err != nil {
		return nil, err
	}
	var index []keys.PublicKey
	if usable := size - size%keys.Size; usable > 0 {
		raw, err := indexF.Read(0, int(usable))
		if err != nil {
			return nil, err
		}
		for i := 0; i+keys.Size <= len(raw); i += keys.Size {
			k, _ := keys.FromBytes(raw[i : i+keys.Size])
			index = append(index, k)
		}
	}
	return &Store{
		storage:  s,
		feeds:    make(map[keys.PublicKey]*Feed),
		keyLocks: make(map[keys.PublicKey]*sync.Mutex),
		index:    index,
		indexF:   indexF,
	}, nil
}

func keyFileName(key keys.PublicKey) string {
	return fmt.Sprintf("feeds/%s/key", key.Hex())
}

func dataFileName(key keys.PublicKey) string {
	return fmt.Sprintf("feeds/%s/data", key.Hex())
}

// lockKey serialises open, create and delete for a single key
func (s *Store) lockKey(key keys.PublicKey) (unlock func(), err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, StoreClosed{}
	}
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[key] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock, nil
}

// CreateFeed generates a new key pair, persists it and opens a writable Feed for it
func (s *Store) CreateFeed() (*Feed, error) {
	pair, err := keys.Generate()
	if err != nil {
		return nil, err
	}
	return s.CreateFeedWithKeyPair(pair)
}

// CreateFeedWithKeyPair creates a writable Feed for an existing key pair
func (s *Store) CreateFeedWithKeyPair(pair keys.KeyPair) (*Feed, error) {
	unlock, err := s.lockKey(pair.Public)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if s.known(pair.Public) {
		return nil, AlreadyExists{Key: pair.Public}
	}
	if err := s.writeKeyFile(pair.Public, pair.Private); err != nil {
		return nil, err
	}
	return s.openLocked(pair.Public, &pair)
}

// OpenFeed opens the Feed for key, returning the already open handle if there is one.
//
// A key this Store has never seen is registered as a replicated, read-only Feed.
func (s *Store) OpenFeed(key keys.PublicKey) (*Feed, error) {
	unlock, err := s.lockKey(key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if f, ok := s.GetFeed(key); ok {
		return f, nil
	}
	var secret *keys.KeyPair
	if s.known(key) {
		secret, err = s.readKeyFile(key)
		if err != nil {
			return nil, err
		}
	} else if err := s.writeKeyFile(key, nil); err != nil {
		return nil, err
	}
	return s.openLocked(key, secret)
}

func (s *Store) openLocked(key keys.PublicKey, secret *keys.KeyPair) (*Feed, error) {
	data, err := s.storage.Open(dataFileName(key))
	if err != nil {
		return nil, err
	}
	f, err := openFeed(key, secret, data)
	if err != nil {
		_ = data.Close()
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = f.close(StoreClosed{})
		return nil, StoreClosed{}
	}
	s.feeds[key] = f
	if !s.knownLocked(key) {
		if err := s.appendIndexLocked(key); err != nil {
			delete(s.feeds, key)
			s.mu.Unlock()
			_ = f.close(StoreClosed{})
			return nil, err
		}
	}
	s.mu.Unlock()

	if log.Debug().Enabled() {
		log.Debug().
			Str("feed", key.Hex()).
			Bool("writable", f.Writable()).
			Uint64("length", f.Length()).
			Msg("Opened feed")
	}
	s.FeedOpened.Emit(f)
	return f, nil
}

// GetFeed returns an open Feed
func (s *Store) GetFeed(key keys.PublicKey) (*Feed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[key]
	return f, ok
}

// Feeds lists the keys of every Feed the Store knows of, open or not
func (s *Store) Feeds() []keys.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]keys.PublicKey, len(s.index))
	copy(out, s.index)
	return out
}

// OpenFeeds lists the currently open Feeds
func (s *Store) OpenFeeds() []*Feed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Values(s.feeds)
}

// DeleteFeed closes the Feed and destroys its persisted data
func (s *Store) DeleteFeed(key keys.PublicKey) error {
	unlock, err := s.lockKey(key)
	if err != nil {
		return err
	}
	defer unlock()

	if !s.known(key) {
		return NotFound{Key: key}
	}
	s.mu.Lock()
	f, open := s.feeds[key]
	delete(s.feeds, key)
	s.mu.Unlock()

	if open {
		if err := f.destroy(Closed{Key: key}); err != nil {
			return err
		}
	} else {
		data, err := s.storage.Open(dataFileName(key))
		if err != nil {
			return err
		}
		if err := data.Destroy(); err != nil {
			return err
		}
	}
	keyFile, err := s.storage.Open(keyFileName(key))
	if err != nil {
		return err
	}
	if err := keyFile.Destroy(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeFromIndexLocked(key)
}

// Close closes every open Feed. Individual failures are logged and do not stop the
// rest from closing; the first one is returned.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	open := s.feeds
	s.feeds = make(map[keys.PublicKey]*Feed)
	s.mu.Unlock()

	var firstErr error
	for key, f := range open {
		if err := f.close(StoreClosed{}); err != nil {
			log.Error().Err(err).Str("feed", key.Hex()).Msg("Failed to close feed, continuing")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := s.indexF.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close feed index, continuing")
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) known(key keys.PublicKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.knownLocked(key)
}

func (s *Store) knownLocked(key keys.PublicKey) bool {
	for _, k := range s.index {
		if k == key {
			return true
		}
	}
	return false
}

func (s *Store) appendIndexLocked(key keys.PublicKey) error {
	if err := s.indexF.Write(int64(len(s.index)*keys.Size), key[:]); err != nil {
		return err
	}
	s.index = append(s.index, key)
	return nil
}

func (s *Store) removeFromIndexLocked(key keys.PublicKey) error {
	next := make([]keys.PublicKey, 0, len(s.index))
	raw := make([]byte, 0, len(s.index)*keys.Size)
	for _, k := range s.index {
		if k != key {
			next = append(next, k)
			raw = append(raw, k[:]...)
		}
	}
	if err := s.indexF.Truncate(0); err != nil {
		return err
	}
	if len(raw) > 0 {
		if err := s.indexF.Write(0, raw); err != nil {
			return err
		}
	}
	s.index = next
	return nil
}

func (s *Store) writeKeyFile(key keys.PublicKey, private ed25519.PrivateKey) error {
	f, err := s.storage.Open(keyFileName(key))
	if err != nil {
		return err
	}
	content := key[:]
	if private != nil {
		content = private
	}
	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Write(0, content); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// readKeyFile returns nil when only the public key is held
func (s *Store) readKeyFile(key keys.PublicKey) (*keys.KeyPair, error) {
	f, err := s.storage.Open(keyFileName(key))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	if size != ed25519.PrivateKeySize {
		return nil, nil
	}
	raw, err := f.Read(0, int(size))
	if err != nil {
		return nil, err
	}
	pair, err := keys.FromPrivate(raw)
	if err != nil {
		return nil, err
	}
	if pair.Public != key {
		return nil, keys.InvalidKey{Reason: fmt.Sprintf("key file for [%s] holds a different key", key.Hex())}
	}
	return &pair, nil
}
