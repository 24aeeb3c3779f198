package httpapi

import (
	"errors"
	"net/http"

	"github.com/ent0n29/lingo/internal/auth"
)

// requireUser resolves the caller's principal and stores it in the request
// context. Without a verifier every caller is auth.Anonymous.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verifier == nil {
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), auth.Anonymous)))
			return
		}
		token, err := auth.ParseBearer(r)
		if err == nil {
			var p auth.Principal
			if p, err = s.verifier.Verify(token); err == nil {
				next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
				return
			}
		}
		code := "invalid_token"
		switch {
		case errors.Is(err, auth.ErrMissingToken):
			code = "missing_token"
		case errors.Is(err, auth.ErrTokenExpired):
			code = "token_expired"
		}
		w.Header().Set("WWW-Authenticate", `Bearer realm="lingo"`)
		respondError(w, http.StatusUnauthorized, code, err.Error())
	})
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFrom(r.Context())
	return p
}
