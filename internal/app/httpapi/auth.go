package httpapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/crunchdao/coordinator-node-starter/pkg/apierr"
	"github.com/crunchdao/coordinator-node-starter/pkg/logger"
)

type ctxKey string

const ctxPrincipalKey ctxKey = "httpapi.principal"

// AuthConfig controls the (auth) endpoints: a static API key, or a bearer
// JWT signed (HS256) with that same key as secret. Operators typically mint
// short-lived JWTs for scripted confirm/status calls and keep the static
// key for the backfill trigger.
type AuthConfig struct {
	Key             string
	ReadAuthEnabled bool
	PublicPrefixes  []string
}

// writeAuthJWT issues a short-lived HS256 bearer token for scripted clients
// that would rather not pass the static API key on every request.
func writeAuthJWT(key string, subject string, ttl time.Duration) (string, error) {
	if key == "" {
		return "", fmt.Errorf("httpapi: no API key configured to sign tokens")
	}
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
		ExpiresAt: jwt.NewNumericDate(time.Now().UTC().Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(key))
}

func validateJWT(key, token string) (*jwt.RegisteredClaims, error) {
	if key == "" {
		return nil, fmt.Errorf("httpapi: no API key configured to validate tokens")
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(key), nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("httpapi: invalid token")
	}
	return claims, nil
}

// authMiddleware enforces (auth)-marked endpoints and, if ReadAuthEnabled,
// every non-public endpoint. A request authenticates either by presenting
// the static key verbatim as the bearer token, or a JWT signed with it.
func authMiddleware(cfg AuthConfig, log *logger.Logger) func(http.Handler) http.Handler {
	authed := map[string]struct{}{}
	for _, p := range []string{
		"POST /reports/checkpoints/",
		"PATCH /reports/checkpoints/",
		"POST /reports/backfill",
	} {
		authed[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublic(r.URL.Path, cfg.PublicPrefixes) {
				next.ServeHTTP(w, r)
				return
			}
			if !cfg.ReadAuthEnabled && !requiresAuth(r, authed) {
				next.ServeHTTP(w, r)
				return
			}

			token := extractBearer(r)
			if token == "" {
				writeServiceError(w, apierr.Unauthorized("missing bearer token"))
				return
			}
			if cfg.Key != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Key)) == 1 {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxPrincipalKey, "api-key")))
				return
			}
			if claims, err := validateJWT(cfg.Key, token); err == nil {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxPrincipalKey, claims.Subject)))
				return
			}
			if log != nil {
				log.Warn("httpapi: rejected request with invalid credentials")
			}
			writeServiceError(w, apierr.Unauthorized("invalid credentials"))
		})
	}
}

func requiresAuth(r *http.Request, authed map[string]struct{}) bool {
	for pattern := range authed {
		parts := strings.SplitN(pattern, " ", 2)
		if r.Method == parts[0] && strings.HasPrefix(r.URL.Path, parts[1]) {
			return true
		}
	}
	return false
}

func isPublic(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func extractBearer(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.Fields(h)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// actorFromContext returns the principal authMiddleware attached to the
// request, or "anonymous" when auth was not enforced on this route.
func actorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxPrincipalKey).(string); ok && v != "" {
		return v
	}
	return "anonymous"
}

// rateLimitMiddleware applies one token bucket per client IP, refilled at
// perSec and capped at a one-second burst, matching APIConfig.RateLimitPerSec.
func rateLimitMiddleware(perSec int) func(http.Handler) http.Handler {
	if perSec <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	limiters := newLimiterCache(rate.Limit(perSec), perSec)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiters.allow(clientIP(r)) {
				writeServiceError(w, apierr.RateLimited(perSec, "1s"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.RemoteAddr
}
