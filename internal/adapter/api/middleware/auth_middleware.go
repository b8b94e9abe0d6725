package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"circlesync/pkg/token"
)

type AuthMiddleware struct {
	tokens *token.Manager
}

func NewAuthMiddleware(tokens *token.Manager) *AuthMiddleware {
	return &AuthMiddleware{
		tokens: tokens,
	}
}

// Authenticate validates the bearer token and puts the user id on the
// context. Websocket upgrades may carry the token as a query parameter
// instead, browsers cannot set headers on upgrade requests.
func (m *AuthMiddleware) Authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		raw := m.extractToken(c)
		if raw == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Authorization required")
		}

		claims, err := m.tokens.Validate(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
		}

		c.Set("uid", claims.UserID)
		return next(c)
	}
}

func (m *AuthMiddleware) extractToken(c echo.Context) string {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return c.QueryParam("token")
}
