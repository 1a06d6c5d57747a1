package checkpoint

import (
	"bytes"
	"context"
	"io/ioutil"
	"net/http"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lloydmeta/echo/internal/domain/checkpoint"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/infra/elasticsearch/common"
)

type roundTripFunc func(req *http.Request) *http.Response

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req), nil
}

func newClient(t *testing.T, status int, body string, seen *[]*http.Request) *elasticsearch.Client {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{"http://localhost:9200"},
		Transport: roundTripFunc(func(req *http.Request) *http.Response {
			*seen = append(*seen, req)
			return &http.Response{
				StatusCode: status,
				Body:       ioutil.NopCloser(bytes.NewBufferString(body)),
				Header:     make(http.Header),
			}
		}),
	})
	require.NoError(t, err)
	return client
}

func TestEsService_DocumentsAreScopedToTheNode(t *testing.T) {
	node, err := keys.Generate()
	require.NoError(t, err)
	space, err := keys.Generate()
	require.NoError(t, err)
	var seen []*http.Request
	service := NewService(newClient(t, 201, `{"result":"created"}`, &seen), node.Public)

	require.NoError(t, service.Save(context.Background(), checkpoint.Checkpoint{Space: space.Public, SavedAt: time.Now().UTC()}))
	require.Len(t, seen, 1)
	assert.Equal(t, http.MethodPut, seen[0].Method)
	assert.Contains(t, seen[0].URL.Path, IndexName)
	assert.Contains(t, seen[0].URL.Path, node.Public.Hex()+"_"+space.Public.Hex())
}

func TestEsService_Load(t *testing.T) {
	space, err := keys.Generate()
	require.NoError(t, err)
	feedKey, err := keys.Generate()
	require.NoError(t, err)
	node, err := keys.Generate()
	require.NoError(t, err)

	t.Run("missing", func(t *testing.T) {
		var seen []*http.Request
		service := NewService(newClient(t, 404, `{"found":false}`, &seen), node.Public)
		_, err := service.Load(context.Background(), space.Public)
		assert.Equal(t, checkpoint.NotFound{Space: space.Public}, err)
	})

	t.Run("found", func(t *testing.T) {
		var seen []*http.Request
		body := `{"_id":"x","found":true,"_source":{"node":"` + node.Public.Hex() + `","space":"` + space.Public.Hex() +
			`","timeframe":[{"feed":"` + feedKey.Public.Hex() + `","seq":7}],"saved_at":"2020-01-02T03:04:05Z"}}`
		service := NewService(newClient(t, 200, body, &seen), node.Public)
		cp, err := service.Load(context.Background(), space.Public)
		require.NoError(t, err)
		assert.Equal(t, space.Public, cp.Space)
		seq, ok := cp.Timeframe.Get(feedKey.Public)
		assert.True(t, ok)
		assert.EqualValues(t, 7, seq)
		assert.Equal(t, time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC), cp.SavedAt)
	})

	t.Run("unexpected", func(t *testing.T) {
		var seen []*http.Request
		service := NewService(newClient(t, 500, `{}`, &seen), node.Public)
		_, err := service.Load(context.Background(), space.Public)
		assert.IsType(t, common.ElasticsearchErr{}, err)
	})
}

func TestEsService_DeleteMissingIsFine(t *testing.T) {
	space, err := keys.Generate()
	require.NoError(t, err)
	node, err := keys.Generate()
	require.NoError(t, err)
	var seen []*http.Request
	service := NewService(newClient(t, 404, `{"result":"not_found"}`, &seen), node.Public)
	assert.NoError(t, service.Delete(context.Background(), space.Public))
}
