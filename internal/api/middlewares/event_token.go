package middleware

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// EventTokenHeader carries the shared secret of the storage event source.
const EventTokenHeader = "X-Event-Token"

// EventToken admits requests whose EventTokenHeader matches the bcrypt
// hash. An empty hash rejects every request.
func EventToken(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(EventTokenHeader)
			if hash == "" || token == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
				http.Error(w, "invalid event token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
