package controllers

import (
	"errors"
	"net/http"

	"github.com/lloydmeta/echo/internal/api/models/common"
	"github.com/lloydmeta/echo/internal/domain/batch"
	"github.com/lloydmeta/echo/internal/domain/event"
	"github.com/lloydmeta/echo/internal/domain/feed"
	"github.com/lloydmeta/echo/internal/domain/model"
	"github.com/lloydmeta/echo/internal/domain/model/kv"
	"github.com/lloydmeta/echo/internal/domain/pipeline"
	"github.com/lloydmeta/echo/internal/domain/space"
)

// HandleErr maps domain errors to API errors
func HandleErr(err error) *common.ApiError {
	var (
		spaceNotFound space.NotFound
		spaceExists   space.AlreadyExists
		managerClosed space.ManagerClosed
		unknownKind   model.UnknownKind
		empty         batch.Empty
		unadmitted    pipeline.UnadmittedWriter
		rejected      pipeline.RejectedCredential
		modelFailure  pipeline.ModelFailure
		halted        pipeline.Halted
		stopped       pipeline.Stopped
		storeClosed   feed.StoreClosed
		invalidOp     kv.InvalidOp
	)
	switch {
	case errors.As(err, &spaceNotFound):
		return withStatus(http.StatusNotFound, err)
	case errors.As(err, &spaceExists):
		return withStatus(http.StatusConflict, err)
	// a halt wraps the failure that caused it, so it goes before anything it may wrap
	case errors.As(err, &halted), errors.As(err, &managerClosed), errors.As(err, &stopped), errors.As(err, &storeClosed):
		return withStatus(http.StatusServiceUnavailable, err)
	case errors.As(err, &unknownKind), errors.As(err, &empty), errors.As(err, &invalidOp):
		return withStatus(http.StatusBadRequest, err)
	case errors.As(err, &unadmitted), errors.As(err, &rejected):
		return withStatus(http.StatusForbidden, err)
	case errors.As(err, &modelFailure):
		return withStatus(http.StatusUnprocessableEntity, err)
	case event.IsTimeout(err):
		return withStatus(http.StatusGatewayTimeout, err)
	default:
		return withStatus(http.StatusInternalServerError, err)
	}
}

func withStatus(status int, err error) *common.ApiError {
	return &common.ApiError{
		StatusCode: status,
		Body: common.Body{
			Message: err.Error(),
		},
	}
}
