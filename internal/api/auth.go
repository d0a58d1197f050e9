package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"trust_bazaar/internal/domain"
	"trust_bazaar/internal/identity"
)

type contextKey string

const contextKeyClaims contextKey = "identity_claims"

// authenticate verifies the bearer token and stores its claims in the request context.
// Tokens with the human claim attest their subject into the identity registry.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := tokenFromRequest(r)
		if raw == "" {
			writeUnauthenticated(w, "missing bearer token")
			return
		}
		claims, err := s.tokens.Verify(raw)
		if err != nil {
			writeUnauthenticated(w, "invalid token")
			return
		}
		if claims.Human && s.identities != nil {
			if err := s.identities.Attest(r.Context(), claims.Subject, "token"); err != nil {
				slog.Warn("Failed to persist attestation",
					slog.String("identity", claims.Subject),
					slog.Any("error", err))
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyClaims, claims)))
	})
}

// Browsers cannot set headers on websocket handshakes, so the feed also accepts ?access_token=.
func tokenFromRequest(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	if websocket.IsWebSocketUpgrade(r) {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

func claimsFrom(ctx context.Context) *identity.Claims {
	claims, _ := ctx.Value(contextKeyClaims).(*identity.Claims)
	return claims
}

// caller returns the authenticated identity. authenticate guarantees it is set.
func caller(r *http.Request) string {
	if claims := claimsFrom(r.Context()); claims != nil {
		return claims.Subject
	}
	return ""
}

// requireRole ensures the authenticated caller has one of the allowed roles.
func requireRole(roles ...identity.Role) func(http.Handler) http.Handler {
	allowed := make(map[identity.Role]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := claimsFrom(r.Context())
			if claims == nil {
				writeUnauthenticated(w, "missing identity")
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				writeError(w, r, domain.NewAuthorizationError("api", "role %s may not call %s", claims.Role, r.URL.Path))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
