package share

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthorizationMatches reports whether the Authorization header of r carries
// secret, with or without a "Bearer " prefix
func AuthorizationMatches(r *http.Request, secret string) bool {
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}
