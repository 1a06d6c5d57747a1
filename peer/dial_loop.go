// peer keeps outbound replication sessions to the configured peers alive
package peer

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lloydmeta/echo/internal/config"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/infra/websocket/replication"
)

// Dialer runs one outbound session until it ends
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header, replica replication.Replica) error
}

// Replicas lists the spaces that should be replicated right now
type Replicas func() []replication.Replica

type target struct {
	address string
	space   keys.PublicKey
}

// A loop that, on every tick, dials every configured peer for every open space that does not
// already have a session to it. Sessions that end are redialed on a later tick.
type DialLoop struct {
	peers    []config.Peer
	dialer   Dialer
	replicas Replicas
	interval time.Duration

	stopSignal       uint32
	loopStopNotifier chan bool
	cancel           context.CancelFunc

	mu     sync.Mutex
	active map[target]bool
	wg     sync.WaitGroup
}

func NewDialLoop(peers []config.Peer, dialer Dialer, replicas Replicas, interval time.Duration) *DialLoop {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &DialLoop{
		peers:            peers,
		dialer:           dialer,
		replicas:         replicas,
		interval:         interval,
		loopStopNotifier: make(chan bool, 1),
		active:           make(map[target]bool),
	}
}

// SpaceURL is where a peer serves replication for space
func SpaceURL(address string, space keys.PublicKey) string {
	return fmt.Sprintf("%s/%s", strings.TrimSuffix(address, "/"), space.Hex())
}

func authHeader(peer config.Peer) http.Header {
	header := http.Header{}
	if peer.User != nil {
		req := http.Request{Header: header}
		req.SetBasicAuth(peer.User.Name, peer.User.Password)
	}
	return header
}

// Start runs the loop in the background until Shutdown
func (l *DialLoop) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.run(ctx)
}

func (l *DialLoop) run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for !l.isStopped() {
		l.dialMissing(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
		}
	}
	l.loopStopNotifier <- true
}

func (l *DialLoop) dialMissing(ctx context.Context) {
	for _, replica := range l.replicas() {
		for _, p := range l.peers {
			t := target{address: p.Address, space: replica.Key()}
			l.mu.Lock()
			if l.active[t] || l.isStopped() {
				l.mu.Unlock()
				continue
			}
			l.active[t] = true
			l.wg.Add(1)
			l.mu.Unlock()

			go func(p config.Peer, replica replication.Replica, t target) {
				defer l.wg.Done()
				url := SpaceURL(p.Address, t.space)
				if err := l.dialer.Dial(ctx, url, authHeader(p), replica); err != nil && ctx.Err() == nil {
					log.Warn().
						Err(err).
						Str("peer", p.Address).
						Str("space", t.space.Hex()).
						Msg("Replication with peer failed, will redial")
				}
				l.mu.Lock()
				delete(l.active, t)
				l.mu.Unlock()
			}(p, replica, t)
		}
	}
}

// Active returns how many sessions the loop currently has open or opening
func (l *DialLoop) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

func (l *DialLoop) isStopped() bool {
	return atomic.LoadUint32(&l.stopSignal) > 0
}

// Shutdown ends every session and waits for the loop to exit, or for ctx
func (l *DialLoop) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	atomic.StoreUint32(&l.stopSignal, 1)
	l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.loopStopNotifier:
		}
	}
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
