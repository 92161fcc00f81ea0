// ABOUTME: Chainable authenticator interface and OR-composition middleware
// ABOUTME: "No opinion" (nil, nil) lets the next authenticator in the chain try

package auth

import (
	"log/slog"
	"net/http"

	"github.com/convogrid/convogrid/internal/httperr"
)

// Authenticator inspects a request and either resolves an identity,
// declines with (nil, nil) when its credential is absent so another
// authenticator may still succeed, or fails hard when its credential is
// present but invalid.
type Authenticator interface {
	Authenticate(r *http.Request) (*Identity, error)
}

// Chain composes authenticators as a logical OR: the first identity
// wins, a hard failure stops the chain, and a request no authenticator
// claims is rejected.
func Chain(logger *slog.Logger, authenticators ...Authenticator) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, a := range authenticators {
				id, err := a.Authenticate(r)
				if err != nil {
					httperr.Write(w, logger, err)
					return
				}
				if id != nil {
					next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
					return
				}
			}
			httperr.Write(w, logger, &httperr.AuthenticationError{Reason: "no valid credential presented"})
		})
	}
}
