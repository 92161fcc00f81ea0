// ABOUTME: Long-lived API key authentication resolving keys to their owning user and team
// ABOUTME: Keys look like ck_<key id>_<secret>; only a bcrypt hash of the secret is stored

package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/convogrid/convogrid/internal/httperr"
	"github.com/convogrid/convogrid/internal/store"
)

const keyPrefix = "ck"

// APIKeyStore defines what API key authentication needs from storage
type APIKeyStore interface {
	GetAPIKey(ctx context.Context, id string) (*store.APIKey, error)
	GetUser(ctx context.Context, id string) (*store.User, error)
	TouchAPIKey(ctx context.Context, id string, when time.Time) error
	CreateAPIKey(ctx context.Context, k *store.APIKey) error
}

// APIKeyAuthenticator resolves presented API keys. It declines requests
// that carry no key so session- or embed-based authenticators can try.
type APIKeyAuthenticator struct {
	store  APIKeyStore
	logger *slog.Logger
}

// NewAPIKeyAuthenticator creates an API key authenticator.
func NewAPIKeyAuthenticator(s APIKeyStore, logger *slog.Logger) *APIKeyAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIKeyAuthenticator{
		store:  s,
		logger: logger.With("component", "apikey"),
	}
}

// Authenticate resolves the key in the Authorization or X-Api-Key
// header. Absent key: no opinion. Present but invalid key: hard failure.
func (a *APIKeyAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	raw := extractKey(r)
	if raw == "" {
		return nil, nil
	}

	keyID, secret, ok := splitKey(raw)
	if !ok {
		return nil, &httperr.AuthenticationError{Reason: "malformed api key"}
	}

	ctx := r.Context()
	key, err := a.store.GetAPIKey(ctx, keyID)
	if err != nil {
		// Same failure for unknown and malformed keys.
		return nil, &httperr.AuthenticationError{Reason: "invalid api key"}
	}
	if key.RevokedAt != nil {
		return nil, &httperr.AuthenticationError{Reason: "api key revoked"}
	}
	if bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)) != nil {
		return nil, &httperr.AuthenticationError{Reason: "invalid api key"}
	}

	user, err := a.store.GetUser(ctx, key.UserID)
	if err != nil {
		return nil, &httperr.AuthenticationError{Reason: "invalid api key"}
	}

	// Best effort; a failed touch must not fail the request.
	_ = a.store.TouchAPIKey(ctx, key.ID, time.Now())

	return &Identity{
		User:   user,
		TeamID: key.TeamID,
		Method: "api_key",
	}, nil
}

// extractKey pulls a key from "Authorization: Bearer ck_..." or the
// X-Api-Key header.
func extractKey(r *http.Request) string {
	if h := r.Header.Get("X-Api-Key"); h != "" {
		return h
	}
	authHeader := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found || !strings.HasPrefix(token, keyPrefix+"_") {
		return ""
	}
	return token
}

// splitKey parses ck_<id>_<secret>.
func splitKey(raw string) (keyID, secret string, ok bool) {
	parts := strings.SplitN(raw, "_", 3)
	if len(parts) != 3 || parts[0] != keyPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// IssueAPIKey mints a new key for a user and returns the plaintext
// exactly once. The stored record carries only the bcrypt hash.
func IssueAPIKey(ctx context.Context, s APIKeyStore, user *store.User, name string) (plaintext string, key *store.APIKey, err error) {
	secretBytes := make([]byte, 20)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, fmt.Errorf("generating api key secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hashing api key secret: %w", err)
	}

	keyID := strings.ReplaceAll(uuid.New().String(), "-", "")
	key = &store.APIKey{
		ID:         keyID,
		UserID:     user.ID,
		TeamID:     user.TeamID,
		SecretHash: string(hash),
		Name:       name,
		CreatedAt:  time.Now(),
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("%s_%s_%s", keyPrefix, keyID, secret), key, nil
}
