package items

import (
	"net/http"

	"github.com/gin-gonic/gin"

	kvController "github.com/lloydmeta/echo/internal/api/controllers/kv"
	"github.com/lloydmeta/echo/internal/api/models/kv"
	"github.com/lloydmeta/echo/internal/infra/server/routing"
)

// Shares its prefix, and so its parameter name, with the spaces routes
var subPath = "spaces/:space/items"

var spaceKey = "space"

var itemKey = "item"

type RoutesHandler struct {
	Controller kvController.Controller
}

func (h *RoutesHandler) RegisterRoutes(routerGroup *gin.RouterGroup) {
	subGroup := routerGroup.Group(subPath)
	subGroup.GET("", h.list)
	subGroup.GET("/:"+itemKey, h.get)
	subGroup.PUT("/:"+itemKey, h.put)
	subGroup.DELETE("/:"+itemKey, h.delete)
}

func (h *RoutesHandler) list(c *gin.Context) {
	if key, err := routing.KeyParam(c, spaceKey); err != nil {
		routing.HandleApiErr(c, err)
	} else {
		if items, err := h.Controller.List(c.Request.Context(), *key); err == nil {
			c.JSON(http.StatusOK, items)
		} else {
			c.JSON(err.StatusCode, err.Body)
		}
	}
}

func (h *RoutesHandler) get(c *gin.Context) {
	if key, err := routing.KeyParam(c, spaceKey); err != nil {
		routing.HandleApiErr(c, err)
	} else {
		if item, err := h.Controller.Get(c.Request.Context(), *key, c.Param(itemKey)); err == nil {
			c.JSON(http.StatusOK, item)
		} else {
			c.JSON(err.StatusCode, err.Body)
		}
	}
}

// put sets the item and replies once the local model shows the new value
func (h *RoutesHandler) put(c *gin.Context) {
	if key, err := routing.KeyParam(c, spaceKey); err != nil {
		routing.HandleApiErr(c, err)
	} else {
		var update kv.ItemUpdate
		if err := c.ShouldBindJSON(&update); err != nil {
			routing.HandleJsonSerdesErr(c, err)
		} else {
			if receipt, err := h.Controller.Put(c.Request.Context(), *key, c.Param(itemKey), &update); err == nil {
				c.JSON(http.StatusOK, receipt)
			} else {
				c.JSON(err.StatusCode, err.Body)
			}
		}
	}
}

func (h *RoutesHandler) delete(c *gin.Context) {
	if key, err := routing.KeyParam(c, spaceKey); err != nil {
		routing.HandleApiErr(c, err)
	} else {
		if receipt, err := h.Controller.Delete(c.Request.Context(), *key, c.Param(itemKey)); err == nil {
			c.JSON(http.StatusOK, receipt)
		} else {
			c.JSON(err.StatusCode, err.Body)
		}
	}
}
