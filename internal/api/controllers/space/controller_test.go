package space

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apiSpace "github.com/lloydmeta/echo/internal/api/models/space"
	"github.com/lloydmeta/echo/internal/domain/credential"
	"github.com/lloydmeta/echo/internal/domain/diagnostics"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/domain/model"
	"github.com/lloydmeta/echo/internal/domain/model/kv"
	"github.com/lloydmeta/echo/internal/domain/pipeline"
	"github.com/lloydmeta/echo/internal/domain/space"
	"github.com/lloydmeta/echo/internal/infra/afero/storage"
	"github.com/lloydmeta/echo/internal/infra/apm/tracing"
	"github.com/lloydmeta/echo/internal/infra/websocket/replication"
)

type mockSessions struct {
	sessions []replication.SessionInfo
}

func (m mockSessions) Sessions(space keys.PublicKey) []replication.SessionInfo {
	return m.sessions
}

func newManager(t *testing.T) *space.Manager {
	identity, err := keys.Generate()
	require.NoError(t, err)
	registry := model.NewRegistry()
	registry.Register(kv.Kind, kv.Factory)
	m, err := space.NewManager(
		storage.NewMemStorage(),
		identity,
		registry,
		diagnostics.NoopReporter{},
		nil,
		tracing.NoopTracer{},
		space.Options{
			Pipeline:       pipeline.Options{WaitTimeout: 2 * time.Second},
			ProcessTimeout: 2 * time.Second,
		},
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Close(context.Background())
	})
	return m
}

func TestNew(t *testing.T) {
	assert.NotPanics(t, func() { New(newManager(t), nil) })
}

func Test_impl_Create(t *testing.T) {
	tests := []struct {
		name       string
		newSpace   apiSpace.NewSpace
		wantStatus int
	}{
		{
			name:     "known model",
			newSpace: apiSpace.NewSpace{Model: kv.Kind},
		},
		{
			name:       "unknown model",
			newSpace:   apiSpace.NewSpace{Model: "spreadsheet"},
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(newManager(t), nil)
			got, err := c.Create(context.Background(), &tt.newSpace)
			if tt.wantStatus != 0 {
				require.NotNil(t, err)
				assert.Equal(t, tt.wantStatus, err.StatusCode)
			} else {
				require.Nil(t, err)
				assert.Equal(t, kv.Kind, got.Model)
				assert.Equal(t, got.GenesisFeed, got.WriteFeed)
			}
		})
	}
}

func Test_impl_Join(t *testing.T) {
	ctx := context.Background()
	creator := New(newManager(t), nil)
	created, err := creator.Create(ctx, &apiSpace.NewSpace{Model: kv.Kind})
	require.Nil(t, err)

	joiner := New(newManager(t), nil)
	joined, err := joiner.Join(ctx, &apiSpace.JoinSpace{
		Key:         created.Key.Hex(),
		GenesisFeed: created.GenesisFeed.Hex(),
		Model:       kv.Kind,
	})
	require.Nil(t, err)
	assert.Equal(t, created.Key, joined.Key)
	assert.NotEqual(t, created.WriteFeed, joined.WriteFeed)

	_, err = joiner.Join(ctx, &apiSpace.JoinSpace{
		Key:         created.Key.Hex(),
		GenesisFeed: created.GenesisFeed.Hex(),
		Model:       kv.Kind,
	})
	require.NotNil(t, err)
	assert.Equal(t, http.StatusConflict, err.StatusCode)

	_, err = joiner.Join(ctx, &apiSpace.JoinSpace{Key: "nope", GenesisFeed: created.GenesisFeed.Hex(), Model: kv.Kind})
	require.NotNil(t, err)
	assert.Equal(t, http.StatusBadRequest, err.StatusCode)
}

func Test_impl_WriteAndState(t *testing.T) {
	ctx := context.Background()
	session := replication.SessionInfo{Id: 1, Peer: "ws://peer", Direction: replication.INBOUND}
	c := New(newManager(t), mockSessions{sessions: []replication.SessionInfo{session}})
	created, apiErr := c.Create(ctx, &apiSpace.NewSpace{Model: kv.Kind})
	require.Nil(t, apiErr)

	set, err := kv.Set("k", []byte("v"))
	require.NoError(t, err)
	receipt, apiErr := c.Write(ctx, created.Key, &apiSpace.Batch{Mutations: [][]byte{set}})
	require.Nil(t, apiErr)
	assert.Equal(t, created.WriteFeed, receipt.Feed)
	// two genesis credentials come first
	assert.EqualValues(t, 2, receipt.Seq)

	state, apiErr := c.State(ctx, created.Key)
	require.Nil(t, apiErr)
	assert.Equal(t, *created, state.Space)
	assert.Len(t, state.Identities, 1)
	require.Len(t, state.Feeds, 1)
	assert.True(t, state.Feeds[0].Admitted)
	assert.EqualValues(t, 3, state.Feeds[0].Length)
	assert.Equal(t, []replication.SessionInfo{session}, state.Sessions)
	seq, ok := state.Pipeline.Current.Get(created.WriteFeed)
	assert.True(t, ok)
	assert.EqualValues(t, 2, seq)

	_, apiErr = c.Write(ctx, created.Key, &apiSpace.Batch{Mutations: [][]byte{{0xc1}}})
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func Test_impl_AdmitRevoke(t *testing.T) {
	ctx := context.Background()
	c := New(newManager(t), nil)
	created, apiErr := c.Create(ctx, &apiSpace.NewSpace{Model: kv.Kind})
	require.Nil(t, apiErr)
	other, err := keys.Generate()
	require.NoError(t, err)

	_, apiErr = c.Revoke(ctx, created.Key, other.Public, credential.IDENTITY)
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)

	_, apiErr = c.Admit(ctx, created.Key, other.Public, credential.IDENTITY)
	require.Nil(t, apiErr)
	state, apiErr := c.State(ctx, created.Key)
	require.Nil(t, apiErr)
	assert.Contains(t, state.Identities, other.Public)

	_, apiErr = c.Revoke(ctx, created.Key, other.Public, credential.IDENTITY)
	require.Nil(t, apiErr)
	state, apiErr = c.State(ctx, created.Key)
	require.Nil(t, apiErr)
	assert.NotContains(t, state.Identities, other.Public)
}

func Test_impl_CloseOpen(t *testing.T) {
	ctx := context.Background()
	c := New(newManager(t), nil)
	created, apiErr := c.Create(ctx, &apiSpace.NewSpace{Model: kv.Kind})
	require.Nil(t, apiErr)

	require.Nil(t, c.Close(ctx, created.Key))
	listed, apiErr := c.List(ctx)
	require.Nil(t, apiErr)
	assert.Empty(t, listed)

	_, apiErr = c.State(ctx, created.Key)
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	apiErr = c.Close(ctx, created.Key)
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	reopened, apiErr := c.Open(ctx, created.Key)
	require.Nil(t, apiErr)
	assert.Equal(t, created.Key, reopened.Key)
	listed, apiErr = c.List(ctx)
	require.Nil(t, apiErr)
	assert.Len(t, listed, 1)
}
