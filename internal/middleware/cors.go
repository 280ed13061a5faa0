// Package middleware provides HTTP middleware for the update service.
package middleware

import "net/http"

// CORS admits the management dashboard's browser origins. Origins match
// exactly; "*" admits any origin. Responses echo the caller's origin so
// credentials stay usable.
type CORS struct {
	origins  map[string]struct{}
	allowAll bool
}

// NewCORS builds the middleware from the configured origin list.
func NewCORS(origins []string) *CORS {
	c := &CORS{origins: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		if origin == "*" {
			c.allowAll = true
			continue
		}
		c.origins[origin] = struct{}{}
	}
	return c
}

func (c *CORS) allowed(origin string) bool {
	if c.allowAll {
		return true
	}
	_, ok := c.origins[origin]
	return ok
}

// Handler wraps next with CORS headers and preflight handling.
func (c *CORS) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && c.allowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				h.Set("Access-Control-Max-Age", "3600")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
