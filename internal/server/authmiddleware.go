package server

import (
	"context"
	"net/http"

	"github.com/tollgate-ai/tollgate/internal/auth"
)

type agentKey struct{}

// AuthMiddleware validates the Bearer API key and injects the authenticated
// agent into the request context.
func AuthMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey, err := auth.ExtractAPIKey(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			agent, err := authenticator.ValidateAPIKey(apiKey)
			if err != nil {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), agentKey{}, agent)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAgent retrieves the authenticated agent from context.
func GetAgent(ctx context.Context) (auth.Agent, bool) {
	agent, ok := ctx.Value(agentKey{}).(auth.Agent)
	return agent, ok
}
