package api

import (
	"net/http"

	"github.com/c360studio/choreboard/auth"
)

const basicRealm = `Basic realm="choreboard", charset="UTF-8"`

// authenticate verifies HTTP Basic credentials and places the identity in
// the request context.
func (h *Handler) authenticate(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			h.unauthorized(w)
			return
		}

		valid, err := h.users.Verify(r.Context(), username, password)
		if err != nil {
			h.writeFailure(w, "authenticate", err)
			return
		}
		if !valid {
			h.log().Info("Rejected credentials", "username", username, "remote", r.RemoteAddr)
			h.unauthorized(w)
			return
		}

		ctx := auth.WithIdentity(r.Context(), h.policy.Identify(username))
		next(w, r.WithContext(ctx))
	})
}

// requireAdmin rejects requests whose identity is not the administrator.
func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := h.policy.RequireAdmin(r.Context()); err != nil {
			h.writeFailure(w, "authorize", err)
			return
		}
		next(w, r)
	}
}

func (h *Handler) unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", basicRealm)
	h.writeError(w, http.StatusUnauthorized, "authentication required")
}
