package auth

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

// Claims is the token payload issued by the authentication service.
// The subject holds the numeric actor id.
type Claims struct {
	jwt.RegisteredClaims
	Role       string `json:"role"`
	HospitalID int64  `json:"hospital_id"`
	BranchID   int64  `json:"branch_id"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
}

// ActorFromClaims converts validated claims into an Actor.
func ActorFromClaims(c *Claims) (Actor, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid subject")
	}
	return Actor{
		ID:         id,
		Role:       ParseRole(c.Role),
		HospitalID: c.HospitalID,
		BranchID:   c.BranchID,
	}, nil
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				return cfg.SigningKey, nil
			}, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			actor, err := ActorFromClaims(claims)
			if err != nil {
				return err
			}

			c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), actor)))
			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development. Requests
// without a token run as system admin 1; X-Dev-Role, X-Dev-Actor and
// X-Dev-Hospital override the defaults.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			actor := Actor{ID: 1, Role: RoleSystemAdmin}
			if r := req.Header.Get("X-Dev-Role"); r != "" {
				actor.Role = ParseRole(r)
			}
			if v, err := strconv.ParseInt(req.Header.Get("X-Dev-Actor"), 10, 64); err == nil {
				actor.ID = v
			}
			if v, err := strconv.ParseInt(req.Header.Get("X-Dev-Hospital"), 10, 64); err == nil {
				actor.HospitalID = v
			}
			if v, err := strconv.ParseInt(req.Header.Get("X-Dev-Branch"), 10, 64); err == nil {
				actor.BranchID = v
			}
			c.SetRequest(req.WithContext(WithActor(req.Context(), actor)))
			return next(c)
		}
	}
}

// MustActor returns the request actor or a 401 error.
func MustActor(ctx context.Context) (Actor, error) {
	a, ok := ActorFromContext(ctx)
	if !ok {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	return a, nil
}
