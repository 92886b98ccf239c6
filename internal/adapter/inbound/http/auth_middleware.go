package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/ctxkey"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/auth"
)

// KeyValidator resolves a raw API key to its client.
type KeyValidator interface {
	Validate(ctx context.Context, rawKey string) (*auth.Client, error)
}

// RequireScope authenticates the Bearer API key and checks the client holds
// scope. Missing or invalid keys get 401, insufficient scope gets 403.
func RequireScope(keys KeyValidator, scope auth.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := LoggerFromContext(r.Context())

			rawKey, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="edunexia-authz"`)
				respondError(w, http.StatusUnauthorized, "missing API key")
				return
			}
			client, err := keys.Validate(r.Context(), rawKey)
			if err != nil {
				if !errors.Is(err, auth.ErrInvalidKey) {
					logger.Error("api key validation failed", "error", err)
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="edunexia-authz", error="invalid_token"`)
				respondError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			if !client.HasScope(scope) {
				logger.Warn("api client lacks scope", "client_id", client.ID, "scope", scope)
				respondError(w, http.StatusForbidden, "insufficient scope")
				return
			}

			ctx := ctxkey.WithClientID(r.Context(), client.ID)
			ctx = context.WithValue(ctx, LoggerKey, logger.With("client_id", client.ID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
