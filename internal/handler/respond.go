package handler

import (
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/auction-bidding/internal/apperr"
	"github.com/iliyamo/auction-bidding/internal/metrics"
	"github.com/iliyamo/auction-bidding/internal/model"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error       string `json:"error"`
	Message     string `json:"message"`
	MinRequired string `json:"min_required,omitempty"`
}

// statusFor maps an error kind to its HTTP status.
//
//	ValidationError     -> 400 (403 for forbidden, 409 for version conflicts)
//	RaceConditionError  -> 409
//	NotFoundError       -> 404
//	InfrastructureError -> 503
func statusFor(err error) (int, errorBody) {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		body := errorBody{Error: string(apperr.RuleInvalidInput), Message: err.Error()}
		status := http.StatusBadRequest
		if ve, ok := apperr.AsValidation(err); ok {
			body.Error = string(ve.Rule)
			body.Message = ve.Message
			if ve.Rule == apperr.RuleBelowMinimum {
				body.MinRequired = model.FormatAmount(ve.MinRequired)
			}
			switch ve.Rule {
			case apperr.RuleForbidden:
				status = http.StatusForbidden
			case apperr.RuleVersionConflict:
				status = http.StatusConflict
			}
		}
		return status, body
	case errors.Is(err, apperr.ErrRaceCondition):
		return http.StatusConflict, errorBody{Error: "race_condition", Message: err.Error()}
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error()}
	case errors.Is(err, apperr.ErrInfrastructure):
		return http.StatusServiceUnavailable, errorBody{Error: "service_unavailable", Message: "service temporarily unavailable; retry shortly"}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal server error"}
	}
}

// respondError writes err as JSON. Unexpected and infrastructure failures
// are logged; business rejections were already logged by the core.
func respondError(c echo.Context, log logrus.FieldLogger, err error) error {
	status, body := statusFor(err)
	kind := apperr.KindOf(err)
	metrics.HTTPError(kind)
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithFields(logrus.Fields{
			"method": c.Request().Method,
			"path":   c.Path(),
			"status": status,
			"kind":   kind,
		}).Error("request failed")
	}
	if status == http.StatusServiceUnavailable {
		c.Response().Header().Set("Retry-After", "1")
	}
	return c.JSON(status, body)
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorBody{Error: string(apperr.RuleInvalidInput), Message: msg})
}

// pathID parses a positive numeric path parameter.
func pathID(c echo.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	return id, err == nil && id > 0
}
