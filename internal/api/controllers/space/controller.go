package space

import (
	"context"
	"net/http"

	"github.com/lloydmeta/echo/internal/api/controllers"
	"github.com/lloydmeta/echo/internal/api/models/common"
	apiSpace "github.com/lloydmeta/echo/internal/api/models/space"
	"github.com/lloydmeta/echo/internal/domain/credential"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/domain/model"
	"github.com/lloydmeta/echo/internal/domain/space"
	"github.com/lloydmeta/echo/internal/infra/websocket/replication"
)

type Controller interface {

	// Create returns a new Space with this node as its first member
	Create(ctx context.Context, newSpace *apiSpace.NewSpace) (*apiSpace.Space, *common.ApiError)

	// Join opens a Space created by another node
	Join(ctx context.Context, join *apiSpace.JoinSpace) (*apiSpace.Space, *common.ApiError)

	// List returns the open Spaces
	List(ctx context.Context) ([]apiSpace.Space, *common.ApiError)

	// State returns the replication state of a Space
	State(ctx context.Context, key keys.PublicKey) (*apiSpace.State, *common.ApiError)

	// Write commits a batch of mutations and waits for it to be processed
	Write(ctx context.Context, key keys.PublicKey, batch *apiSpace.Batch) (*apiSpace.Receipt, *common.ApiError)

	// Admit adds an identity or a feed to the Space's members
	Admit(ctx context.Context, key keys.PublicKey, subject keys.PublicKey, subjectType credential.SubjectType) (*apiSpace.Receipt, *common.ApiError)

	// Revoke removes an identity or a feed from the Space's members
	Revoke(ctx context.Context, key keys.PublicKey, subject keys.PublicKey, subjectType credential.SubjectType) (*apiSpace.Receipt, *common.ApiError)

	// Open reopens a known Space that was closed
	Open(ctx context.Context, key keys.PublicKey) (*apiSpace.Space, *common.ApiError)

	// Close closes a Space; it can be reopened later
	Close(ctx context.Context, key keys.PublicKey) *common.ApiError
}

// Sessions lists the replication sessions of a space
type Sessions interface {
	Sessions(space keys.PublicKey) []replication.SessionInfo
}

type impl struct {
	manager  *space.Manager
	sessions Sessions
}

func New(manager *space.Manager, sessions Sessions) Controller {
	return &impl{
		manager:  manager,
		sessions: sessions,
	}
}

func (c *impl) Create(ctx context.Context, newSpace *apiSpace.NewSpace) (*apiSpace.Space, *common.ApiError) {
	s, err := c.manager.Create(ctx, newSpace.Model)
	if err != nil {
		return nil, controllers.HandleErr(err)
	} else {
		result := apiSpace.FromDomainSpace(s)
		return &result, nil
	}
}

func (c *impl) Join(ctx context.Context, join *apiSpace.JoinSpace) (*apiSpace.Space, *common.ApiError) {
	key, err := keys.ParseHex(join.Key)
	if err != nil {
		return nil, badRequest(err)
	}
	genesisFeed, err := keys.ParseHex(join.GenesisFeed)
	if err != nil {
		return nil, badRequest(err)
	}
	s, err := c.manager.Join(ctx, key, genesisFeed, join.Model)
	if err != nil {
		return nil, controllers.HandleErr(err)
	} else {
		result := apiSpace.FromDomainSpace(s)
		return &result, nil
	}
}

func (c *impl) List(ctx context.Context) ([]apiSpace.Space, *common.ApiError) {
	spaces := c.manager.Spaces()
	result := make([]apiSpace.Space, 0, len(spaces))
	for _, s := range spaces {
		result = append(result, apiSpace.FromDomainSpace(s))
	}
	return result, nil
}

func (c *impl) State(ctx context.Context, key keys.PublicKey) (*apiSpace.State, *common.ApiError) {
	s, apiErr := c.get(key)
	if apiErr != nil {
		return nil, apiErr
	}
	membership := s.Membership()
	state := apiSpace.State{
		Space:      apiSpace.FromDomainSpace(s),
		Pipeline:   apiSpace.FromDomainState(s.State()),
		Identities: membership.Identities(),
		Feeds:      apiSpace.FromDomainFeeds(s.Feeds(), membership),
		Sessions:   []replication.SessionInfo{},
	}
	if c.sessions != nil {
		if sessions := c.sessions.Sessions(key); sessions != nil {
			state.Sessions = sessions
		}
	}
	return &state, nil
}

func (c *impl) Write(ctx context.Context, key keys.PublicKey, batch *apiSpace.Batch) (*apiSpace.Receipt, *common.ApiError) {
	s, apiErr := c.get(key)
	if apiErr != nil {
		return nil, apiErr
	}
	mutations := make([]model.Mutation, 0, len(batch.Mutations))
	for _, m := range batch.Mutations {
		mutations = append(mutations, m)
	}
	receipt, err := s.Write(ctx, mutations...)
	if err != nil {
		return nil, controllers.HandleErr(err)
	}
	result := apiSpace.FromDomainReceipt(receipt)
	return &result, nil
}

func (c *impl) Admit(ctx context.Context, key keys.PublicKey, subject keys.PublicKey, subjectType credential.SubjectType) (*apiSpace.Receipt, *common.ApiError) {
	s, apiErr := c.get(key)
	if apiErr != nil {
		return nil, apiErr
	}
	receipt, err := s.Admit(ctx, subject, subjectType)
	if err != nil {
		return nil, controllers.HandleErr(err)
	}
	result := apiSpace.FromDomainReceipt(receipt)
	return &result, nil
}

func (c *impl) Revoke(ctx context.Context, key keys.PublicKey, subject keys.PublicKey, subjectType credential.SubjectType) (*apiSpace.Receipt, *common.ApiError) {
	s, apiErr := c.get(key)
	if apiErr != nil {
		return nil, apiErr
	}
	receipt, err := s.Revoke(ctx, subject, subjectType)
	if err != nil {
		return nil, controllers.HandleErr(err)
	}
	result := apiSpace.FromDomainReceipt(receipt)
	return &result, nil
}

func (c *impl) Open(ctx context.Context, key keys.PublicKey) (*apiSpace.Space, *common.ApiError) {
	s, err := c.manager.Open(ctx, key)
	if err != nil {
		return nil, controllers.HandleErr(err)
	}
	result := apiSpace.FromDomainSpace(s)
	return &result, nil
}

func (c *impl) Close(ctx context.Context, key keys.PublicKey) *common.ApiError {
	if err := c.manager.CloseSpace(ctx, key); err != nil {
		return controllers.HandleErr(err)
	}
	return nil
}

func (c *impl) get(key keys.PublicKey) (*space.Space, *common.ApiError) {
	if s, ok := c.manager.Get(key); ok {
		return s, nil
	}
	return nil, controllers.HandleErr(space.NotFound{Key: key})
}

func badRequest(err error) *common.ApiError {
	return &common.ApiError{
		StatusCode: http.StatusBadRequest,
		Body: common.Body{
			Message: err.Error(),
		},
	}
}
