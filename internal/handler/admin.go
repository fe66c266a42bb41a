package handler

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/auction-bidding/internal/model"
	"github.com/iliyamo/auction-bidding/internal/recovery"
)

// Rebuilder rebuilds the fast-path mirror from MySQL.
type Rebuilder interface {
	Rebuild(ctx context.Context) error
}

// AdminHandler serves operator endpoints.
type AdminHandler struct {
	svc     Lifecycle
	rebuild Rebuilder
	log     logrus.FieldLogger
}

func NewAdminHandler(svc Lifecycle, rebuild Rebuilder, log logrus.FieldLogger) *AdminHandler {
	return &AdminHandler{svc: svc, rebuild: rebuild, log: log}
}

// CancelBid handles POST /v1/admin/bids/:id/cancel: the winning bid is
// withdrawn and refunded and the auction goes back to its no-bid state.
func (h *AdminHandler) CancelBid(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid bid id")
	}
	res, err := h.svc.CancelWinningBid(c.Request().Context(), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, toCancelResponse(res, model.AuctionActive))
}

// RebuildCache handles POST /v1/admin/rebuild-cache. It blocks until the
// rebuild finishes, which includes waiting for the write-behind backlog.
func (h *AdminHandler) RebuildCache(c echo.Context) error {
	err := h.rebuild.Rebuild(c.Request().Context())
	switch {
	case err == nil:
		return c.NoContent(http.StatusNoContent)
	case errors.Is(err, recovery.ErrInProgress):
		return c.JSON(http.StatusConflict, errorBody{Error: "rebuild_in_progress", Message: err.Error()})
	default:
		h.log.WithError(err).Error("manual rebuild failed")
		return c.JSON(http.StatusServiceUnavailable, errorBody{Error: "rebuild_failed", Message: err.Error()})
	}
}
