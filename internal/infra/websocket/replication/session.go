// replication keeps the feeds of one space in sync with a peer over a websocket.
//
// Each side opens with a Hello naming the space and the length of every feed it holds, then
// streams the entries the other side is missing followed by live appends. Received entries
// are Put into the local feed Store; the pipeline takes it from there.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lloydmeta/echo/internal/domain/feed"
	"github.com/lloydmeta/echo/internal/domain/keys"
)

const outBuffer = 256

// Replica is the local side of a session
type Replica interface {
	Key() keys.PublicKey
	Store() *feed.Store
}

type Settings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingInterval is how often an idle session is pinged; the peer is dropped if it stays
	// silent for twice as long
	PingInterval time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.HandshakeTimeout <= 0 {
		s.HandshakeTimeout = d.HandshakeTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = d.WriteTimeout
	}
	if s.PingInterval <= 0 {
		s.PingInterval = d.PingInterval
	}
	return s
}

type SpaceMismatch struct {
	Local keys.PublicKey
	Peer  keys.PublicKey
}

func (e SpaceMismatch) Error() string {
	return fmt.Sprintf("Peer replicates space [%s], not [%s]", e.Peer.Hex(), e.Local.Hex())
}

type UnexpectedFrame struct {
	Expected string
}

func (e UnexpectedFrame) Error() string {
	return fmt.Sprintf("Expected a [%s] frame", e.Expected)
}

// Stats counts what a session has moved so far
type Stats struct {
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
}

type session struct {
	conn     *websocket.Conn
	replica  Replica
	settings Settings

	out chan []byte

	mu          sync.Mutex
	peerLengths map[keys.PublicKey]feed.Seq
	streaming   map[keys.PublicKey]bool

	sent     uint64
	received uint64
}

func newSession(conn *websocket.Conn, replica Replica, settings Settings) *session {
	return &session{
		conn:        conn,
		replica:     replica,
		settings:    settings.withDefaults(),
		out:         make(chan []byte, outBuffer),
		peerLengths: make(map[keys.PublicKey]feed.Seq),
		streaming:   make(map[keys.PublicKey]bool),
	}
}

func (s *session) stats() Stats {
	return Stats{Sent: atomic.LoadUint64(&s.sent), Received: atomic.LoadUint64(&s.received)}
}

// run blocks until ctx is done, the peer goes away or something fails. The connection is
// closed on return. Cancellation and a normal close by the peer are not errors.
func (s *session) run(ctx context.Context) error {
	defer s.conn.Close()

	if err := s.handshake(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	opened := make(chan *feed.Feed)
	unsubscribe := s.replica.Store().FeedOpened.Subscribe(func(f *feed.Feed) {
		select {
		case opened <- f:
		case <-gctx.Done():
		}
	})
	defer unsubscribe()

	g.Go(func() error {
		<-gctx.Done()
		// unblocks the reader
		_ = s.conn.Close()
		return nil
	})
	g.Go(func() error {
		return s.writeLoop(gctx)
	})
	g.Go(func() error {
		return s.readLoop()
	})
	g.Go(func() error {
		for _, f := range s.replica.Store().OpenFeeds() {
			s.startStream(gctx, g, f)
		}
		for {
			select {
			case f := <-opened:
				s.startStream(gctx, g, f)
			case <-gctx.Done():
				return nil
			}
		}
	})

	err := g.Wait()
	if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}

func (s *session) handshake() error {
	store := s.replica.Store()
	lengths := make(map[keys.PublicKey]feed.Seq)
	for _, f := range store.OpenFeeds() {
		lengths[f.Key()] = feed.Seq(f.Length())
	}
	local := s.replica.Key()

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.settings.HandshakeTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, encodeHello(Hello{Space: local, Lengths: lengths})); err != nil {
		return err
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(s.settings.HandshakeTimeout))
	messageType, message, err := s.conn.ReadMessage()
	if err != nil {
		return err
	}
	if messageType != websocket.BinaryMessage {
		return UnexpectedFrame{Expected: "hello"}
	}
	frame, err := decodeFrame(message)
	if err != nil {
		return err
	}
	if frame.Hello == nil {
		return UnexpectedFrame{Expected: "hello"}
	}
	if frame.Hello.Space != local {
		mismatch := SpaceMismatch{Local: local, Peer: frame.Hello.Space}
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "space mismatch"),
			time.Now().Add(s.settings.WriteTimeout),
		)
		return mismatch
	}

	s.mu.Lock()
	for key, length := range frame.Hello.Lengths {
		s.peerLengths[key] = length
	}
	s.mu.Unlock()

	s.extendReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})
	return nil
}

func (s *session) extendReadDeadline() {
	_ = s.conn.SetReadDeadline(time.Now().Add(2 * s.settings.PingInterval))
}

// peerHas tells whether the peer already holds the entry at seq
func (s *session) peerHas(key keys.PublicKey, seq feed.Seq) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return seq < s.peerLengths[key]
}

func (s *session) notePeerHas(key keys.PublicKey, seq feed.Seq) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq+1 > s.peerLengths[key] {
		s.peerLengths[key] = seq + 1
	}
}

func (s *session) startStream(ctx context.Context, g *errgroup.Group, f *feed.Feed) {
	key := f.Key()
	s.mu.Lock()
	if s.streaming[key] {
		s.mu.Unlock()
		return
	}
	s.streaming[key] = true
	start := s.peerLengths[key]
	s.mu.Unlock()

	g.Go(func() error {
		sub := f.ReadFrom(ctx, start, true)
		defer sub.Cancel()
		for entry := range sub.Entries() {
			if s.peerHas(entry.Key, entry.Seq) {
				continue
			}
			select {
			case s.out <- encodeEntry(entry):
			case <-ctx.Done():
				return nil
			}
		}
		return sub.Err()
	})
}

func (s *session) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case message := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return err
			}
			atomic.AddUint64(&s.sent, 1)
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.settings.WriteTimeout)); err != nil {
				return err
			}
		case <-ctx.Done():
			_ = s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.settings.WriteTimeout),
			)
			return nil
		}
	}
}

func (s *session) readLoop() error {
	store := s.replica.Store()
	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		s.extendReadDeadline()
		if messageType != websocket.BinaryMessage {
			continue
		}
		frame, err := decodeFrame(message)
		if err != nil {
			return err
		}
		if frame.Entry == nil {
			return UnexpectedFrame{Expected: "entry"}
		}
		entry := *frame.Entry
		// Recorded before the Put so the live stream of this feed does not echo the entry back
		s.notePeerHas(entry.Key, entry.Seq)

		f, err := store.OpenFeed(entry.Key)
		if err != nil {
			return err
		}
		if err := f.Put(entry); err != nil {
			var outOfOrder feed.OutOfOrder
			if errors.As(err, &outOfOrder) {
				log.Warn().
					Err(err).
					Str("space", s.replica.Key().Hex()).
					Msg("Dropping out of order entry from peer")
				continue
			}
			return err
		}
		atomic.AddUint64(&s.received, 1)
		if log.Debug().Enabled() {
			log.Debug().
				Str("space", s.replica.Key().Short()).
				Str("feed", entry.Key.Short()).
				Uint64("seq", uint64(entry.Seq)).
				Msg("Received entry")
		}
	}
}
