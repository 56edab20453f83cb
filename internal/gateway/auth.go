package gateway

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// TokenFile is the name of the bearer token file inside the home directory.
const TokenFile = "auth.token"

// LoadAuthToken returns the gateway bearer token. POWBLOCS_AUTH_TOKEN wins;
// otherwise <homeDir>/auth.token is read, and generated on first run.
func LoadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("POWBLOCS_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, TokenFile)
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

// ExtractToken reads the caller's token from Authorization: Bearer, then
// X-API-Key, then the api_key query param (browsers cannot set WS headers).
func ExtractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// tokenMatches compares in constant time. An empty expected token never matches.
func tokenMatches(candidate, expected string) bool {
	if expected == "" || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(expected)) == 1
}
