package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// MiddlewareConfig controls auth enforcement.
type MiddlewareConfig struct {
	// PublicPaths are served without a token.
	PublicPaths map[string]bool

	// Logger logs rejected requests (default: no-op).
	Logger goentitle.Logger
}

// Middleware enforces bearer token auth and stores the claims and the
// resolved goentitle.Actor on the request context.
func Middleware(verifier *Verifier, cfg MiddlewareConfig) func(http.Handler) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = &goentitle.NoopLogger{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.PublicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if verifier == nil {
				respondUnauthorized(w, "auth verifier not configured")
				return
			}

			token, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				log.Debug("auth failure: missing or malformed authorization header",
					goentitle.Field{Key: "path", Value: r.URL.Path})
				respondUnauthorized(w, "invalid authorization header")
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				log.Info("auth failure: token invalid",
					goentitle.Field{Key: "path", Value: r.URL.Path},
					goentitle.Field{Key: "error", Value: err.Error()})
				respondUnauthorized(w, "invalid token")
				return
			}

			ctx := WithClaims(r.Context(), claims)
			ctx = goentitle.WithActor(ctx, claims.Actor())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", false
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func respondUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
