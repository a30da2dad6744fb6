package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth guards next with a shared token. The Authorization header wins
// when present; browsers and WebSocket clients may use ?token= instead. An
// empty token disables the check.
func BearerAuth(token string) func(http.Handler) http.Handler {
	if token == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, reason := presentedToken(r)
			if reason == "" && subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				reason = "invalid token"
			}
			if reason != "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="aeternum"`)
				writeDetail(w, http.StatusUnauthorized, reason)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// presentedToken returns the client's token, or a reason it has none.
func presentedToken(r *http.Request) (token, reason string) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, rest, _ := strings.Cut(h, " ")
		if !strings.EqualFold(scheme, "Bearer") {
			return "", "unsupported auth scheme"
		}
		token = strings.TrimSpace(rest)
	} else {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", "missing token"
	}
	return token, ""
}
