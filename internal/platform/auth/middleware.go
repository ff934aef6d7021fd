package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// RoleAdmin satisfies every RequireRole check.
const RoleAdmin = "admin"

type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey switches validation to HS256; used for development and tests
	SigningKey []byte
	Logger     zerolog.Logger
}

// keySource resolves the verification key for a token. The JWKS URL is
// discovered from the issuer on first use when not configured explicitly.
type keySource struct {
	cfg JWTConfig

	mu      sync.Mutex
	keyFunc jwt.Keyfunc
}

func (s *keySource) resolve(ctx context.Context) (jwt.Keyfunc, error) {
	if len(s.cfg.SigningKey) > 0 {
		key := s.cfg.SigningKey
		return func(*jwt.Token) (interface{}, error) { return key, nil }, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keyFunc != nil {
		return s.keyFunc, nil
	}

	jwksURL := s.cfg.JWKSURL
	if jwksURL == "" {
		if s.cfg.Issuer == "" {
			return nil, fmt.Errorf("no signing key, JWKS URL or issuer configured")
		}
		provider, err := NewOIDCProvider(ctx, s.cfg.Issuer)
		if err != nil {
			return nil, err
		}
		jwksURL = provider.JWKSURI
	}
	s.keyFunc = jwksKeyFunc(jwksURL)
	return s.keyFunc, nil
}

func (s *keySource) methods() []string {
	if len(s.cfg.SigningKey) > 0 {
		return []string{"HS256"}
	}
	return []string{"RS256"}
}

// JWTMiddleware validates bearer tokens and stores the subject and roles on
// the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	src := &keySource{cfg: cfg}

	opts := []jwt.ParserOption{jwt.WithValidMethods(src.methods())}
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
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			keyFunc, err := src.resolve(c.Request().Context())
			if err != nil {
				cfg.Logger.Error().Err(err).Str("issuer", cfg.Issuer).Msg("token verification keys unavailable")
				return echo.NewHTTPError(http.StatusUnauthorized, "token verification unavailable")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				cfg.Logger.Debug().Err(err).Msg("rejected bearer token")
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set(string(UserIDKey), claims.Subject)
			setPrincipal(c, claims.Subject, claims.Roles)
			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development that treats
// unauthenticated requests as an administrator.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") == "" {
				c.Set(string(UserIDKey), "dev-user")
				setPrincipal(c, "dev-user", []string{RoleAdmin})
			}
			return next(c)
		}
	}
}

func setPrincipal(c echo.Context, userID string, roles []string) {
	ctx := c.Request().Context()
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, UserRolesKey, roles)
	c.SetRequest(c.Request().WithContext(ctx))
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
