package httpapi

import (
	"context"
	"net/http"
	"strings"

	"trustcore.org/internal/fault"
	"trustcore.org/internal/identity"
)

type ctxKey int

const principalKey ctxKey = iota

var publicPaths = map[string]struct{}{
	"/v1/auth/signup":  {},
	"/v1/auth/login":   {},
	"/v1/auth/refresh": {},
	"/healthz":         {},
	"/readyz":          {},
	"/metrics":         {},
	"/v1/info":         {},
	"/":                {},
}

// withAuth resolves the bearer token into a principal for every
// non-public route.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := publicPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, fault.Token())
			return
		}
		principal, err := a.identity.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
	})
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return token, token != ""
}

func withPrincipal(ctx context.Context, p identity.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func principalFrom(ctx context.Context) (identity.Principal, bool) {
	p, ok := ctx.Value(principalKey).(identity.Principal)
	return p, ok
}
