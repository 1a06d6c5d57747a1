package replication

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lloydmeta/echo/internal/domain/keys"
)

type Direction string

const (
	INBOUND  Direction = "inbound"
	OUTBOUND Direction = "outbound"
)

// SessionInfo describes a live session
type SessionInfo struct {
	Id        uint64         `json:"id"`
	Space     keys.PublicKey `json:"space"`
	Peer      string         `json:"peer"`
	Direction Direction      `json:"direction"`
	StartedAt time.Time      `json:"started_at"`
	Stats
}

type tracked struct {
	info    SessionInfo
	session *session
}

// Hub runs sessions and keeps track of the live ones
type Hub struct {
	settings Settings
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	mu       sync.Mutex
	nextId   uint64
	sessions map[uint64]*tracked

	getUTC func() time.Time
}

func NewHub(settings Settings) *Hub {
	settings = settings.withDefaults()
	return &Hub{
		settings: settings,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.HandshakeTimeout,
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.HandshakeTimeout,
		},
		sessions: make(map[uint64]*tracked),
		getUTC: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Accept upgrades an inbound request and replicates replica with the caller until the session ends.
// On a failed upgrade the Upgrader has already written an error response.
func (h *Hub) Accept(ctx context.Context, w http.ResponseWriter, r *http.Request, replica Replica) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	return h.serve(ctx, conn, replica, r.RemoteAddr, INBOUND)
}

// Dial connects to a peer's replication endpoint for replica and replicates until the session ends
func (h *Hub) Dial(ctx context.Context, url string, header http.Header, replica Replica) error {
	conn, _, err := h.dialer.DialContext(ctx, url, header)
	if err != nil {
		return err
	}
	return h.serve(ctx, conn, replica, url, OUTBOUND)
}

func (h *Hub) serve(ctx context.Context, conn *websocket.Conn, replica Replica, peer string, direction Direction) error {
	s := newSession(conn, replica, h.settings)

	h.mu.Lock()
	h.nextId++
	id := h.nextId
	h.sessions[id] = &tracked{
		info: SessionInfo{
			Id:        id,
			Space:     replica.Key(),
			Peer:      peer,
			Direction: direction,
			StartedAt: h.getUTC(),
		},
		session: s,
	}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sessions, id)
		h.mu.Unlock()
	}()

	if log.Info().Enabled() {
		log.Info().
			Str("space", replica.Key().Hex()).
			Str("peer", peer).
			Str("direction", string(direction)).
			Msg("Replication session started")
	}
	err := s.run(ctx)
	stats := s.stats()
	logEvent := log.Info()
	if err != nil {
		logEvent = log.Warn().Err(err)
	}
	logEvent.
		Str("space", replica.Key().Hex()).
		Str("peer", peer).
		Uint64("sent", stats.Sent).
		Uint64("received", stats.Received).
		Msg("Replication session ended")
	return err
}

// Sessions lists the live sessions for space, oldest first
func (h *Hub) Sessions(space keys.PublicKey) []SessionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []SessionInfo
	for _, t := range h.sessions {
		if t.info.Space == space {
			info := t.info
			info.Stats = t.session.stats()
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Id < out[j].Id
	})
	return out
}
