// Package auth extracts the GitHub credential a request acts with.
package auth

import (
	"context"
	"net/http"
	"strings"
)

type tokenKey struct{}

// Bearer takes the credential from "Authorization: Bearer <token>", falling
// back to defaultToken. Requests with neither are rejected. /health and
// /metrics are open.
func Bearer(defaultToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			token := parseBearer(r.Header.Get("Authorization"))
			if token == "" {
				token = defaultToken
			}
			if token == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="Inkwell"`)
				http.Error(w, "missing GitHub token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithToken(r.Context(), token)))
		})
	}
}

func parseBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// WithToken returns a copy of ctx carrying token.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromRequest returns the credential set by Bearer, or "".
func TokenFromRequest(r *http.Request) string {
	token, _ := r.Context().Value(tokenKey{}).(string)
	return token
}
