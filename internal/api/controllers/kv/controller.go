package kv

import (
	"context"
	"fmt"
	"net/http"

	"github.com/lloydmeta/echo/internal/api/controllers"
	"github.com/lloydmeta/echo/internal/api/models/common"
	apiKv "github.com/lloydmeta/echo/internal/api/models/kv"
	apiSpace "github.com/lloydmeta/echo/internal/api/models/space"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/domain/model"
	domainKv "github.com/lloydmeta/echo/internal/domain/model/kv"
	"github.com/lloydmeta/echo/internal/domain/space"
)

// Controller reads and writes the items of spaces that use the kv model
type Controller interface {

	// List returns every live item in key order
	List(ctx context.Context, spaceKey keys.PublicKey) ([]apiKv.Item, *common.ApiError)

	// Get returns one item
	Get(ctx context.Context, spaceKey keys.PublicKey, key string) (*apiKv.Item, *common.ApiError)

	// Put sets an item and waits until the write is visible
	Put(ctx context.Context, spaceKey keys.PublicKey, key string, update *apiKv.ItemUpdate) (*apiSpace.Receipt, *common.ApiError)

	// Delete removes an item and waits until the removal is visible
	Delete(ctx context.Context, spaceKey keys.PublicKey, key string) (*apiSpace.Receipt, *common.ApiError)
}

type WrongModel struct {
	Space keys.PublicKey
	Kind  model.Kind
}

func (e WrongModel) Error() string {
	return fmt.Sprintf("Space [%s] uses the [%s] model, not [%s]", e.Space.Hex(), e.Kind, domainKv.Kind)
}

type ItemNotFound struct {
	Key string
}

func (e ItemNotFound) Error() string {
	return fmt.Sprintf("No item with key [%s]", e.Key)
}

type impl struct {
	manager *space.Manager
}

func New(manager *space.Manager) Controller {
	return &impl{manager: manager}
}

func (c *impl) List(ctx context.Context, spaceKey keys.PublicKey) ([]apiKv.Item, *common.ApiError) {
	_, m, apiErr := c.get(spaceKey)
	if apiErr != nil {
		return nil, apiErr
	}
	return apiKv.FromDomainItems(m.Items()), nil
}

func (c *impl) Get(ctx context.Context, spaceKey keys.PublicKey, key string) (*apiKv.Item, *common.ApiError) {
	_, m, apiErr := c.get(spaceKey)
	if apiErr != nil {
		return nil, apiErr
	}
	value, ok := m.Get(key)
	if !ok {
		return nil, &common.ApiError{
			StatusCode: http.StatusNotFound,
			Body: common.Body{
				Message: ItemNotFound{Key: key}.Error(),
			},
		}
	}
	return &apiKv.Item{Key: key, Value: string(value)}, nil
}

func (c *impl) Put(ctx context.Context, spaceKey keys.PublicKey, key string, update *apiKv.ItemUpdate) (*apiSpace.Receipt, *common.ApiError) {
	mutation, err := domainKv.Set(key, []byte(update.Value))
	if err != nil {
		return nil, controllers.HandleErr(err)
	}
	return c.write(ctx, spaceKey, mutation)
}

func (c *impl) Delete(ctx context.Context, spaceKey keys.PublicKey, key string) (*apiSpace.Receipt, *common.ApiError) {
	mutation, err := domainKv.Delete(key)
	if err != nil {
		return nil, controllers.HandleErr(err)
	}
	return c.write(ctx, spaceKey, mutation)
}

func (c *impl) write(ctx context.Context, spaceKey keys.PublicKey, mutation model.Mutation) (*apiSpace.Receipt, *common.ApiError) {
	s, _, apiErr := c.get(spaceKey)
	if apiErr != nil {
		return nil, apiErr
	}
	receipt, err := s.Write(ctx, mutation)
	if err != nil {
		return nil, controllers.HandleErr(err)
	}
	result := apiSpace.FromDomainReceipt(receipt)
	return &result, nil
}

func (c *impl) get(spaceKey keys.PublicKey) (*space.Space, *domainKv.Model, *common.ApiError) {
	s, ok := c.manager.Get(spaceKey)
	if !ok {
		return nil, nil, controllers.HandleErr(space.NotFound{Key: spaceKey})
	}
	m, ok := s.Model().(*domainKv.Model)
	if !ok {
		return nil, nil, &common.ApiError{
			StatusCode: http.StatusConflict,
			Body: common.Body{
				Message: WrongModel{Space: spaceKey, Kind: s.Metadata().ModelKind}.Error(),
			},
		}
	}
	return s, m, nil
}
