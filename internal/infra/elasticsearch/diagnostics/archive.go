package diagnostics

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/rs/zerolog/log"

	"github.com/lloydmeta/echo/internal/domain/diagnostics"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/infra/elasticsearch/common"
)

// IndexName is written to directly, or through the rollover alias when ILM is set up
var IndexName = ".echo_integrity_events"

const queueSize = 1024

// Archive is a diagnostics.Reporter that bulk indexes integrity events into Elasticsearch.
//
// Report never blocks: events are queued and flushed in the background every flush interval,
// or as soon as a full batch is waiting. Events that do not fit in the queue are dropped with
// a warning.
type Archive struct {
	client        *elasticsearch.Client
	node          keys.PublicKey
	batchSize     int
	flushInterval time.Duration

	queue   chan diagnostics.Event
	stopped uint32
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func NewArchive(client *elasticsearch.Client, node keys.PublicKey, batchSize uint, flushInterval time.Duration) *Archive {
	if batchSize == 0 {
		batchSize = 1
	}
	return &Archive{
		client:        client,
		node:          node,
		batchSize:     int(batchSize),
		flushInterval: flushInterval,
		queue:         make(chan diagnostics.Event, queueSize),
		stopped:       1,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

type persistedEvent struct {
	ID     string         `json:"id"`
	Node   keys.PublicKey `json:"node"`
	Space  keys.PublicKey `json:"space"`
	Kind   string         `json:"kind"`
	Feed   keys.PublicKey `json:"feed"`
	Seq    uint64         `json:"seq"`
	Reason string         `json:"reason"`
	At     time.Time      `json:"at"`
}

type bulkIndexOp struct {
	Index bulkIndexOpData `json:"index"`
}

type bulkIndexOpData struct {
	Index string `json:"_index"`
	Id    string `json:"_id"`
}

func (a *Archive) Report(ctx context.Context, event diagnostics.Event) {
	if atomic.LoadUint32(&a.stopped) == 1 {
		log.Warn().Str("id", event.ID.String()).Msg("Integrity archive not running, dropping event")
		return
	}
	select {
	case a.queue <- event:
	default:
		log.Warn().Str("id", event.ID.String()).Msg("Integrity archive queue full, dropping event")
	}
}

// Start begins the background flush loop
func (a *Archive) Start() {
	if !atomic.CompareAndSwapUint32(&a.stopped, 1, 0) {
		return
	}
	go a.loop()
}

// Stop flushes whatever is queued and ends the loop
func (a *Archive) Stop() {
	a.once.Do(func() {
		if atomic.SwapUint32(&a.stopped, 1) == 1 {
			close(a.done)
			return
		}
		close(a.stop)
	})
	<-a.done
}

func (a *Archive) loop() {
	defer close(a.done)
	var tick <-chan time.Time
	if a.flushInterval > 0 {
		ticker := time.NewTicker(a.flushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	pending := make([]diagnostics.Event, 0, a.batchSize)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := a.Index(context.Background(), pending); err != nil {
			log.Error().Err(err).Int("events", len(pending)).Msg("Failed to archive integrity events")
		}
		pending = pending[:0]
	}
	for {
		select {
		case ev := <-a.queue:
			pending = append(pending, ev)
			if len(pending) >= a.batchSize {
				flush()
			}
		case <-tick:
			flush()
		case <-a.stop:
			for {
				select {
				case ev := <-a.queue:
					pending = append(pending, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Index bulk indexes events right away. Event ids are used as document ids, so indexing the
// same event twice leaves one document.
func (a *Archive) Index(ctx context.Context, events []diagnostics.Event) error {
	body, err := a.buildBulkNdJsonBytes(events)
	if err != nil {
		return err
	}
	req := esapi.BulkRequest{
		Body: bytes.NewReader(body),
	}
	rawResp, err := req.Do(ctx, a.client)
	if err != nil {
		return common.ElasticsearchErr{Underlying: err}
	}
	defer rawResp.Body.Close()
	if rawResp.IsError() {
		return common.UnexpectedEsStatusError(rawResp)
	}
	var response common.EsBulkResponse
	if err := json.NewDecoder(rawResp.Body).Decode(&response); err != nil {
		return common.JsonSerdesErr{Underlying: []error{err}}
	}
	if response.Errors {
		for _, item := range response.Items {
			info := item.Info()
			if !info.IsOk() {
				logEvent := log.Warn().Str("id", info.ID).Uint("status", info.Status)
				if info.Error != nil {
					logEvent = logEvent.Str("reason", info.Error.Reason)
				}
				logEvent.Msg("Integrity event was not archived")
			}
		}
	}
	return nil
}

func (a *Archive) buildBulkNdJsonBytes(events []diagnostics.Event) ([]byte, error) {
	var errAcc []error
	var bytesAcc []byte
	for _, ev := range events {
		opBytes, err := json.Marshal(bulkIndexOp{Index: bulkIndexOpData{Index: IndexName, Id: ev.ID.String()}})
		if err != nil {
			errAcc = append(errAcc, err)
			continue
		}
		docBytes, err := json.Marshal(persistedEvent{
			ID:     ev.ID.String(),
			Node:   a.node,
			Space:  ev.Space,
			Kind:   string(ev.Kind),
			Feed:   ev.FeedKey,
			Seq:    uint64(ev.Seq),
			Reason: ev.Reason,
			At:     ev.At,
		})
		if err != nil {
			errAcc = append(errAcc, err)
			continue
		}
		bytesAcc = append(bytesAcc, opBytes...)
		bytesAcc = append(bytesAcc, "\n"...)
		bytesAcc = append(bytesAcc, docBytes...)
		bytesAcc = append(bytesAcc, "\n"...)
	}
	if len(errAcc) != 0 {
		return nil, common.JsonSerdesErr{Underlying: errAcc}
	}
	return bytesAcc, nil
}
