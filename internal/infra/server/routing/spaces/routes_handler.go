package spaces

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	spaceController "github.com/lloydmeta/echo/internal/api/controllers/space"
	"github.com/lloydmeta/echo/internal/api/models/common"
	"github.com/lloydmeta/echo/internal/api/models/space"
	"github.com/lloydmeta/echo/internal/domain/credential"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/infra/server/binding/validation"
	"github.com/lloydmeta/echo/internal/infra/server/routing"
)

var subPath = "spaces"

var spaceKey = "space"

var subjectKey = "subject"

type RoutesHandler struct {
	Controller spaceController.Controller
}

func (h *RoutesHandler) RegisterRoutes(routerGroup *gin.RouterGroup) {
	subGroup := routerGroup.Group(subPath)
	subGroup.POST("", h.create)
	subGroup.GET("", h.list)
	subGroup.GET("/:"+spaceKey, h.state)
	subGroup.PUT("/:"+spaceKey, h.join)
	subGroup.POST("/:"+spaceKey+"/open", h.open)
	subGroup.DELETE("/:"+spaceKey, h.close)
	subGroup.POST("/:"+spaceKey+"/batches", h.write)
	subGroup.PUT("/:"+spaceKey+"/members/:"+subjectKey, h.admit)
	subGroup.DELETE("/:"+spaceKey+"/members/:"+subjectKey, h.revoke)
}

// create makes a new Space owned by this node
func (h *RoutesHandler) create(c *gin.Context) {
	var newSpace space.NewSpace
	if err := c.ShouldBindJSON(&newSpace); err != nil {
		routing.HandleJsonSerdesErr(c, err)
	} else {
		if s, err := h.Controller.Create(c.Request.Context(), &newSpace); err == nil {
			c.JSON(http.StatusCreated, s)
		} else {
			c.JSON(err.StatusCode, err.Body)
		}
	}
}

// join opens a Space that was created by another node
func (h *RoutesHandler) join(c *gin.Context) {
	if key, err := routing.KeyParam(c, spaceKey); err != nil {
		routing.HandleApiErr(c, err)
	} else {
		var join space.JoinSpace
		if err := c.ShouldBindJSON(&join); err != nil {
			routing.HandleJsonSerdesErr(c, err)
		} else {
			join.Key = key.Hex()
			if s, err := h.Controller.Join(c.Request.Context(), &join); err == nil {
				c.JSON(http.StatusCreated, s)
			} else {
				c.JSON(err.StatusCode, err.Body)
			}
		}
	}
}

func (h *RoutesHandler) list(c *gin.Context) {
	if spaces, err := h.Controller.List(c.Request.Context()); err == nil {
		c.JSON(http.StatusOK, spaces)
	} else {
		c.JSON(err.StatusCode, err.Body)
	}
}

// state returns the pipeline, membership and replication state of a Space
func (h *RoutesHandler) state(c *gin.Context) {
	if key, err := routing.KeyParam(c, spaceKey); err != nil {
		routing.HandleApiErr(c, err)
	} else {
		if s, err := h.Controller.State(c.Request.Context(), *key); err == nil {
			c.JSON(http.StatusOK, s)
		} else {
			c.JSON(err.StatusCode, err.Body)
		}
	}
}

func (h *RoutesHandler) open(c *gin.Context) {
	if key, err := routing.KeyParam(c, spaceKey); err != nil {
		routing.HandleApiErr(c, err)
	} else {
		if s, err := h.Controller.Open(c.Request.Context(), *key); err == nil {
			c.JSON(http.StatusOK, s)
		} else {
			c.JSON(err.StatusCode, err.Body)
		}
	}
}

// close stops replicating and processing a Space. Its data stays on disk.
func (h *RoutesHandler) close(c *gin.Context) {
	if key, err := routing.KeyParam(c, spaceKey); err != nil {
		routing.HandleApiErr(c, err)
	} else {
		if err := h.Controller.Close(c.Request.Context(), *key); err == nil {
			c.Status(http.StatusNoContent)
		} else {
			c.JSON(err.StatusCode, err.Body)
		}
	}
}

// write commits a batch of mutations and replies once the model reflects them
func (h *RoutesHandler) write(c *gin.Context) {
	if key, err := routing.KeyParam(c, spaceKey); err != nil {
		routing.HandleApiErr(c, err)
	} else {
		var batch space.Batch
		if err := c.ShouldBindJSON(&batch); err != nil {
			routing.HandleJsonSerdesErr(c, err)
		} else {
			if receipt, err := h.Controller.Write(c.Request.Context(), *key, &batch); err == nil {
				c.JSON(http.StatusCreated, receipt)
			} else {
				c.JSON(err.StatusCode, err.Body)
			}
		}
	}
}

func (h *RoutesHandler) admit(c *gin.Context) {
	h.member(c, h.Controller.Admit)
}

func (h *RoutesHandler) revoke(c *gin.Context) {
	h.member(c, h.Controller.Revoke)
}

type memberChange = func(
	ctx context.Context,
	key keys.PublicKey,
	subject keys.PublicKey,
	subjectType credential.SubjectType,
) (*space.Receipt, *common.ApiError)

func (h *RoutesHandler) member(c *gin.Context, change memberChange) {
	key, err := routing.KeyParam(c, spaceKey)
	if err != nil {
		routing.HandleApiErr(c, err)
		return
	}
	subject, err := routing.KeyParam(c, subjectKey)
	if err != nil {
		routing.HandleApiErr(c, err)
		return
	}
	var query space.MemberQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		routing.HandleJsonSerdesErr(c, err)
		return
	}
	subjectType, parseErr := validation.ParseSubjectType(query.Type)
	if parseErr != nil {
		routing.HandleJsonSerdesErr(c, parseErr)
		return
	}
	if receipt, err := change(c.Request.Context(), *key, *subject, subjectType); err == nil {
		c.JSON(http.StatusOK, receipt)
	} else {
		c.JSON(err.StatusCode, err.Body)
	}
}
