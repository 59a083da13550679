package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Dev-mode identity headers. Only DevAuthMiddleware reads them.
const (
	DevUserHeader  = "X-Dev-User"
	DevRolesHeader = "X-Dev-Roles"
)

// Claims is the access token payload. Subject identifies the patient or
// clinician.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// KeyTTL bounds how long fetched JWKS keys are trusted. Default 5m.
	KeyTTL time.Duration
	// SigningKey switches to HS256. Tests only.
	SigningKey []byte
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(c echo.Context, msg string) error {
	c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer error="invalid_token"`)
	return echo.NewHTTPError(http.StatusUnauthorized, msg)
}

// JWTMiddleware validates bearer tokens and puts the caller's Identity on
// the request context. Tokens must carry a subject and an expiry.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var keyFunc jwt.Keyfunc
	method := "RS256"
	if len(cfg.SigningKey) > 0 {
		method = "HS256"
		keyFunc = func(*jwt.Token) (any, error) { return cfg.SigningKey, nil }
	} else {
		ttl := cfg.KeyTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		keys := newKeySet(cfg.JWKSURL, ttl)
		keyFunc = func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("token has no kid")
			}
			return keys.key(kid)
		}
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{method}), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				return unauthorized(c, "missing authorization header")
			}
			raw, ok := bearerToken(header)
			if !ok {
				return unauthorized(c, "invalid authorization format")
			}

			claims := &Claims{}
			if _, err := parser.ParseWithClaims(raw, claims, keyFunc); err != nil || claims.Subject == "" {
				return unauthorized(c, "invalid token")
			}

			req := c.Request()
			c.SetRequest(req.WithContext(WithIdentity(req.Context(), Identity{Subject: claims.Subject, Roles: claims.Roles})))
			return next(c)
		}
	}
}

// DevAuthMiddleware trusts X-Dev-User and X-Dev-Roles. Without them the
// request runs as dev-user with the admin role.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			id := Identity{Subject: req.Header.Get(DevUserHeader), Roles: []string{RoleAdmin}}
			if id.Subject == "" {
				id.Subject = "dev-user"
			}
			if h := req.Header.Get(DevRolesHeader); h != "" {
				id.Roles = nil
				for _, r := range strings.Split(h, ",") {
					if r = strings.TrimSpace(r); r != "" {
						id.Roles = append(id.Roles, r)
					}
				}
			}
			c.SetRequest(req.WithContext(WithIdentity(req.Context(), id)))
			return next(c)
		}
	}
}
