package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/lloydmeta/echo/internal/domain/checkpoint"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/domain/timeframe"
	"github.com/lloydmeta/echo/internal/infra/elasticsearch/common"
)

var IndexName = ".echo_checkpoints"

// EsService keeps one checkpoint document per node and space, so several nodes can share
// a cluster
type EsService struct {
	client *elasticsearch.Client
	node   keys.PublicKey
}

// NewService returns a checkpoint.Service whose documents belong to the given node identity
func NewService(client *elasticsearch.Client, node keys.PublicKey) checkpoint.Service {
	return &EsService{
		client: client,
		node:   node,
	}
}

type persistedCheckpoint struct {
	Node      keys.PublicKey    `json:"node"`
	Space     keys.PublicKey    `json:"space"`
	Timeframe []timeframe.Frame `json:"timeframe"`
	SavedAt   time.Time         `json:"saved_at"`
}

type esHitPersistedCheckpoint struct {
	ID     string              `json:"_id"`
	Source persistedCheckpoint `json:"_source"`
}

func (e *EsService) documentID(space keys.PublicKey) common.DocumentID {
	return fmt.Sprintf("%s_%s", e.node.Hex(), space.Hex())
}

func (e *EsService) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	toPersist := persistedCheckpoint{
		Node:      e.node,
		Space:     cp.Space,
		Timeframe: cp.Timeframe.Frames(),
		SavedAt:   cp.SavedAt,
	}
	toPersistBytes, err := json.Marshal(toPersist)
	if err != nil {
		return common.JsonSerdesErr{Underlying: []error{err}}
	}
	req := esapi.IndexRequest{
		Index:      IndexName,
		DocumentID: e.documentID(cp.Space),
		Body:       bytes.NewReader(toPersistBytes),
		Refresh:    "true",
	}
	rawResp, err := req.Do(ctx, e.client)
	if err != nil {
		return common.ElasticsearchErr{Underlying: err}
	}
	defer rawResp.Body.Close()
	statusCode := rawResp.StatusCode
	switch {
	case 200 <= statusCode && statusCode <= 299:
		return nil
	default:
		return common.UnexpectedEsStatusError(rawResp)
	}
}

func (e *EsService) Load(ctx context.Context, space keys.PublicKey) (*checkpoint.Checkpoint, error) {
	req := esapi.GetRequest{
		Index:      IndexName,
		DocumentID: e.documentID(space),
	}
	rawResp, err := req.Do(ctx, e.client)
	if err != nil {
		return nil, common.ElasticsearchErr{Underlying: err}
	}
	defer rawResp.Body.Close()

	switch rawResp.StatusCode {
	case 200:
		var resp esHitPersistedCheckpoint
		if err := json.NewDecoder(rawResp.Body).Decode(&resp); err != nil {
			return nil, common.JsonSerdesErr{Underlying: []error{err}}
		}
		return &checkpoint.Checkpoint{
			Space:     resp.Source.Space,
			Timeframe: timeframe.New(resp.Source.Timeframe...),
			SavedAt:   resp.Source.SavedAt,
		}, nil
	case 404:
		return nil, checkpoint.NotFound{Space: space}
	default:
		return nil, common.UnexpectedEsStatusError(rawResp)
	}
}

func (e *EsService) Delete(ctx context.Context, space keys.PublicKey) error {
	req := esapi.DeleteRequest{
		Index:      IndexName,
		DocumentID: e.documentID(space),
		Refresh:    "true",
	}
	rawResp, err := req.Do(ctx, e.client)
	if err != nil {
		return common.ElasticsearchErr{Underlying: err}
	}
	defer rawResp.Body.Close()
	switch rawResp.StatusCode {
	case 200, 404:
		return nil
	default:
		return common.UnexpectedEsStatusError(rawResp)
	}
}
