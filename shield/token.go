package shield

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// HashToken returns the bcrypt hash to put in the http.token_hash setting.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// BearerToken rejects requests whose Authorization bearer token does not
// match the bcrypt hash. An empty hash disables the check. The last token
// that matched is remembered so bcrypt runs once per token, not per request.
func BearerToken(hash string) func(http.Handler) http.Handler {
	var (
		mu       sync.Mutex
		accepted []byte
	)
	check := func(token string) bool {
		mu.Lock()
		defer mu.Unlock()
		if accepted != nil && subtle.ConstantTimeCompare(accepted, []byte(token)) == 1 {
			return true
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
			return false
		}
		accepted = []byte(token)
		return true
	}

	return func(next http.Handler) http.Handler {
		if hash == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" || !check(token) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="canvasync"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
