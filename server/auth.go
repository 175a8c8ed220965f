package server

import (
	"encoding/json"
	"net/http"

	"github.com/wolfeidau/artifact-repo/telemetry"
	"golang.org/x/crypto/bcrypt"
)

// requireUser returns middleware that validates HTTP basic authentication
// against the configured bcrypt hashes.
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if !ok || !s.authenticate(user, password) {
			s.unauthorizedResponse(w)
			return
		}
		telemetry.SetUser(r, user)
		next(w, r)
	}
}

// authenticate reports whether password matches the hash stored for user.
func (s *Server) authenticate(user, password string) bool {
	hash, ok := s.config.Users[user]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (s *Server) unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+s.config.Realm+`", charset="UTF-8"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"}) //nolint:errcheck
}
