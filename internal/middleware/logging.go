package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// RequestLogger logs every request with its status and latency.
func RequestLogger(log logrus.FieldLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			fields := logrus.Fields{
				"method":  c.Request().Method,
				"path":    c.Path(),
				"status":  c.Response().Status,
				"latency": time.Since(start).String(),
				"ip":      c.RealIP(),
			}
			if uid := c.Get("user_id"); uid != nil {
				fields["user_id"] = uid
			}
			entry := log.WithFields(fields)
			if c.Response().Status >= 500 {
				entry.Warn("HTTP request")
			} else {
				entry.Debug("HTTP request")
			}
			return nil
		}
	}
}
