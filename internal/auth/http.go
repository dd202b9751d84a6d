// ABOUTME: HTTP middleware for bearer authentication on API endpoints
// ABOUTME: Verifies the JWT and attaches the caller identity to the request context

package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// OwnerHeader names the caller when authentication is disabled
const OwnerHeader = "X-Owner-Id"

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return "", "invalid authorization header format"
	}
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// HTTPMiddleware authenticates requests with verifier. With a nil verifier
// authentication is disabled and the caller is taken from OwnerHeader.
func HTTPMiddleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				id := &Identity{Subject: r.Header.Get(OwnerHeader)}
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
				return
			}

			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeAuthError(w, errMsg)
				return
			}

			subject, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("rejected bearer token", "path", r.URL.Path, "error", err)
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				writeAuthError(w, msg)
				return
			}

			id := &Identity{Subject: subject, Authenticated: true}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="agent-bridge"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
