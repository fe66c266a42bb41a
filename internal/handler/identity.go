package handler

import (
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/labstack/echo/v4"
)

// RoleAdmin is the JWT role allowed to run administrative operations.
const RoleAdmin = "ADMIN"

var errNoUser = errors.New("invalid user_id in context")

// getUserID extracts the user_id set by the JWT middleware.
func getUserID(c echo.Context) (uint64, error) {
	switch t := c.Get("user_id").(type) {
	case uint64:
		return t, nil
	case int64:
		if t > 0 {
			return uint64(t), nil
		}
	case float64: // JSON numbers in MapClaims
		if t > 0 {
			return uint64(t), nil
		}
	case string:
		if n, err := strconv.ParseUint(t, 10, 64); err == nil && n > 0 {
			return n, nil
		}
	}
	return 0, errNoUser
}

func isAdmin(c echo.Context) bool {
	role, _ := c.Get("role").(string)
	return role == RoleAdmin
}
