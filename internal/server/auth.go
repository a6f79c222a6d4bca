package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
)

type AuthConfig struct {
	// JWTSecret enables HS256 bearer tokens whose subject names the
	// reviewer.
	JWTSecret string
	// AllowActorHeader accepts a plain X-Actor-Id header instead of a
	// token. Meant for local single-user setups.
	AllowActorHeader bool
	Logger           *slog.Logger
}

type Principal struct {
	ActorID string
	Source  string
}

type principalKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.ActorID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func authenticateJWT(token, secret string) (Principal, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return Principal{}, jwt.ErrTokenInvalidClaims
	}
	return Principal{ActorID: claims.Subject, Source: "jwt"}, nil
}

// openPaths need no authentication.
func openPath(basePath, reqPath string) bool {
	switch strings.TrimPrefix(reqPath, basePath) {
	case "/healthz", "/docs", "/openapi", "/openapi.json", "/openapi.yaml":
		return true
	}
	return false
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if openPath(basePath, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") && cfg.JWTSecret != "" {
				token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
				p, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					cfg.logger().Warn("jwt rejected", "error", err)
					writeAuthError(w, "invalid token")
					return
				}
				next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
				return
			}
			if cfg.AllowActorHeader {
				actor := strings.TrimSpace(r.Header.Get("X-Actor-Id"))
				if actor == "" {
					actor = "local-user"
				}
				next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), Principal{ActorID: actor, Source: "header"})))
				return
			}
			writeAuthError(w, "authentication required")
		})
	}
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"` + message + `"}}`))
}
