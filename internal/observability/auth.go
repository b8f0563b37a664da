package observability

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"webchat/gateway/internal/domain"
)

var publicAuthBypass = map[string]bool{
	"/healthz": true,
	"/version": true,
}

// APIKey gates the API behind a shared key carried in X-API-Key or as a
// bearer token. An empty configured key disables the gate.
func APIKey(requiredKey string) func(http.Handler) http.Handler {
	required := strings.TrimSpace(requiredKey)
	if required == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicAuthBypass[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			candidate := presentedKey(r)
			if subtle.ConstantTimeCompare([]byte(candidate), []byte(required)) != 1 {
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func presentedKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(domain.APIErrorBody{Error: domain.APIError{
		Code:    "unauthorized",
		Message: "missing or invalid api key",
	}})
}
