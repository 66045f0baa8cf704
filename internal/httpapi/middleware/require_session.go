package middleware

import (
	"net/http"
	"strings"

	"github.com/cordon-sec/cordon/internal/authn"
	"github.com/cordon-sec/cordon/internal/session"
)

// RequireSession resolves the Authorization bearer token to a session and
// binds the session's entity to the request context.
func RequireSession(sessions *session.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sessions == nil {
				http.Error(w, "session store not configured", http.StatusInternalServerError)
				return
			}

			h := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(h, prefix) {
				unauthorized(w)
				return
			}

			token, ok := session.DecodeToken(strings.TrimSpace(strings.TrimPrefix(h, prefix)))
			if !ok {
				unauthorized(w)
				return
			}

			sess, ok, err := sessions.Get(r.Context(), token)
			if err != nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			if !ok {
				unauthorized(w)
				return
			}

			r = r.WithContext(authn.WithSubject(r.Context(), authn.Subject{Entity: sess.Entity}))
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
