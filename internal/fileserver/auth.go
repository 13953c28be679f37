package fileserver

import (
	"crypto/subtle"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const authRealm = `Basic realm="Shari"`

// BasicAuthMiddleware checks HTTP Basic credentials against a username and a
// bcrypt hash. With either unset the server is open. /health is always open.
func BasicAuthMiddleware(username, passwordHash string, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if username == "" || passwordHash == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			user, password, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", authRealm)
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			userOK := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
			passErr := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password))
			if !userOK || passErr != nil {
				log.Warn("auth failed",
					zap.String("username", user),
					zap.String("remote_addr", r.RemoteAddr))
				w.Header().Set("WWW-Authenticate", authRealm)
				http.Error(w, "Invalid credentials", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HashPassword returns a bcrypt hash suitable for the server config.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
