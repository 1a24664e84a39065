package httpserver

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/fairyhunter13/email-dispatch-gateway/internal/domain"
)

// APIKeyAuth guards the ingress routes with an X-Api-Key header check. The
// comparison is constant time so response timing leaks nothing about the
// configured key.
func APIKeyAuth(apiKey string) func(http.Handler) http.Handler {
	expected := []byte(apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("X-Api-Key"))
			if len(got) == len(expected) && subtle.ConstantTimeCompare(got, expected) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			slog.Warn("unauthorized API access attempt", slog.String("path", r.URL.Path))
			writeError(w, fmt.Errorf("%w: invalid api key", domain.ErrUnauthorized), nil)
		})
	}
}
