package replication

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/lloydmeta/echo/internal/api/models/common"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/infra/server/routing"
	"github.com/lloydmeta/echo/internal/infra/websocket/replication"
)

var subPath = "replication"

var spaceKey = "space"

// Acceptor takes over an inbound request and replicates with the caller
type Acceptor interface {
	Accept(ctx context.Context, w http.ResponseWriter, r *http.Request, replica replication.Replica) error
}

// Replicas finds the open space a peer asks for
type Replicas func(key keys.PublicKey) (replication.Replica, bool)

type RoutesHandler struct {
	Acceptor Acceptor
	Replicas Replicas
	// Sessions end when this is done, not when the request's context is
	Context context.Context
}

func (h *RoutesHandler) RegisterRoutes(routerGroup *gin.RouterGroup) {
	subGroup := routerGroup.Group(subPath)
	subGroup.GET("/:"+spaceKey, h.replicate)
}

// replicate upgrades the request to a websocket and holds it for as long as the session lasts
func (h *RoutesHandler) replicate(c *gin.Context) {
	key, apiErr := routing.KeyParam(c, spaceKey)
	if apiErr != nil {
		routing.HandleApiErr(c, apiErr)
		return
	}
	replica, ok := h.Replicas(*key)
	if !ok {
		routing.HandleApiErr(c, &common.ApiError{
			StatusCode: http.StatusNotFound,
			Body: common.Body{
				Message: fmt.Sprintf("Space [%s] is not open", key.Hex()),
			},
		})
		return
	}
	ctx := h.Context
	if ctx == nil {
		ctx = c.Request.Context()
	}
	if err := h.Acceptor.Accept(ctx, c.Writer, c.Request, replica); err != nil {
		log.Debug().Err(err).Str("space", key.Hex()).Str("peer", c.Request.RemoteAddr).Msg("Inbound replication ended with an error")
	}
}
