// Package middleware provides HTTP middleware for the admin surface.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/Arke-Institute/attestation/internal/pkg/apierror"
	"github.com/Arke-Institute/attestation/internal/pkg/response"
)

// AdminAuth guards operator endpoints with a shared bearer secret.
// An empty secret disables the check entirely; that is only acceptable
// when the listener is not reachable from outside the deployment.
func AdminAuth(secret string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				response.Error(w, apierror.ErrUnauthorized)
				return
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")

			if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				response.Error(w, apierror.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
