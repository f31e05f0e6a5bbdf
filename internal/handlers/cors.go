package handlers

import (
	"net/http"
	"strings"
)

var corsMethods = []string{"GET", "POST"}

func (h *Handler) originAllowed(origin string) bool {
	for _, o := range h.opt.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func methodAllowed(method string) bool {
	for _, m := range corsMethods {
		if m == method {
			return true
		}
	}
	return false
}

// cors adds CORS headers for allowed origins, and answers preflight requests.
// Credentials are allowed, so the origin is echoed back instead of "*".
func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Add("Vary", "Origin")
		allowed := h.originAllowed(origin)

		if r.Method == "OPTIONS" && r.Header.Get("Access-Control-Request-Method") != "" {
			if !allowed || !methodAllowed(r.Header.Get("Access-Control-Request-Method")) {
				http.Error(w, "Disallowed CORS request", http.StatusBadRequest)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(corsMethods, ", "))
			if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusOK)
			return
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		next.ServeHTTP(w, r)
	})
}
