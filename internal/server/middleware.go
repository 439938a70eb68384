package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"regexp"
	"strings"
)

type contextKey string

const contextKeyNamespace contextKey = "namespace"

// defaultNamespace is used when a token carries no namespace suffix, or
// one that fails validation (spec §6 "Token format").
const defaultNamespace = "default"

var namespaceSuffixPattern = regexp.MustCompile(`^\.([a-zA-Z0-9_-]{1,64})$`)

// splitToken parses "Bearer <token>" into (baseToken, namespace). A
// token may carry a namespace suffix of the form "<base>.<namespace>";
// anything else yields defaultNamespace.
func splitToken(token string) (base, namespace string) {
	idx := strings.LastIndex(token, ".")
	if idx < 0 {
		return token, defaultNamespace
	}
	suffix := token[idx:]
	m := namespaceSuffixPattern.FindStringSubmatch(suffix)
	if m == nil {
		return token, defaultNamespace
	}
	return token[:idx], m[1]
}

// authenticate validates the bearer token against the server's
// configured base token in constant time and stores the resolved
// namespace on the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			writeError(w, http.StatusUnauthorized, ErrCodeAuth, "missing bearer token")
			return
		}
		token := strings.TrimPrefix(header, prefix)
		base, namespace := splitToken(token)

		if subtle.ConstantTimeCompare([]byte(base), []byte(s.baseToken)) != 1 {
			writeError(w, http.StatusUnauthorized, ErrCodeAuth, "invalid bearer token")
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyNamespace, namespace)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// namespaceFrom reads the namespace resolved by authenticate.
func namespaceFrom(r *http.Request) string {
	ns, _ := r.Context().Value(contextKeyNamespace).(string)
	if ns == "" {
		return defaultNamespace
	}
	return ns
}
