package server

import (
	"context"
	"net/http"
	"strings"
)

type authContextKey struct{}

// session is the authenticated device behind a request.
type session struct {
	AccountID string
	DeviceID  string
	Token     string
}

func contextWithSession(ctx context.Context, sess session) context.Context {
	return context.WithValue(ctx, authContextKey{}, sess)
}

func sessionFromContext(ctx context.Context) (session, bool) {
	if ctx == nil {
		return session{}, false
	}
	sess, ok := ctx.Value(authContextKey{}).(session)
	return sess, ok
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

// withAuth resolves the bearer token to a session or answers 401.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.writeErrorReq(w, r, http.StatusUnauthorized, unauthorized(errMissingToken))
			return
		}
		sess, ok, err := s.accounts.Authenticate(r.Context(), token)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		if !ok {
			s.writeErrorReq(w, r, http.StatusUnauthorized, unauthorized(errInvalidSession))
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithSession(r.Context(), sess)))
	})
}
