package server

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// authMiddleware guards /api/v1 when a token or JWT secret is configured.
// With neither configured the API is open (single-tenant default).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken == "" && s.cfg.JWTSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token", "UNAUTHORIZED")
			return
		}
		if s.cfg.APIToken != "" &&
			subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIToken)) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		if s.cfg.JWTSecret != "" && s.verifyJWT(token) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid bearer token", "UNAUTHORIZED")
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	// WebSocket clients cannot always set headers; allow ?token= there.
	if h == "" {
		return strings.TrimSpace(r.URL.Query().Get("token"))
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

func (s *Server) verifyJWT(token string) bool {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	return err == nil && parsed.Valid
}
