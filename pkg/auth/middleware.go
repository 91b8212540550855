package auth

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	tokenHeader = "Authorization"
	tokenPrefix = "Bearer "

	// UserIDKey is the echo context key holding the authenticated user id.
	UserIDKey = "user_id"
)

// Middleware returns an echo middleware that validates the bearer token
// and stores the authenticated user id on the request context.
func Middleware(signer *Signer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get(tokenHeader)
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			if !strings.HasPrefix(authHeader, tokenPrefix) {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization header format")
			}

			token := strings.TrimPrefix(authHeader, tokenPrefix)
			claims, err := signer.ValidateToken(token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
			}

			userID, err := uuid.Parse(claims.Subject)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid subject claim")
			}

			c.Set(UserIDKey, userID)
			return next(c)
		}
	}
}

// MustGetUserID returns the authenticated user id. It panics if called on a
// route that is not behind Middleware.
func MustGetUserID(c echo.Context) uuid.UUID {
	id, ok := c.Get(UserIDKey).(uuid.UUID)
	if !ok {
		panic("auth: user id missing from context; route not behind auth middleware")
	}
	return id
}
