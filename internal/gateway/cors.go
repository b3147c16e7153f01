package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/clubfleet/internal/config"
)

// corsPolicy is the resolved form of config.CORSConfig: the allowlist as a
// set and the preflight response headers joined once up front.
type corsPolicy struct {
	allowAll bool
	origins  map[string]struct{}
	methods  string
	headers  string
	maxAge   string
}

func resolveCORS(cfg config.CORSConfig) corsPolicy {
	p := corsPolicy{origins: make(map[string]struct{}, len(cfg.AllowedOrigins))}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			p.allowAll = true
		}
		p.origins[o] = struct{}{}
	}

	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	}
	headers := cfg.AllowedHeaders
	if len(headers) == 0 {
		headers = []string{"Content-Type", "Authorization"}
	}
	maxAge := cfg.MaxAge
	if maxAge == 0 {
		maxAge = 3600
	}

	p.methods = strings.Join(methods, ", ")
	p.headers = strings.Join(headers, ", ")
	p.maxAge = strconv.Itoa(maxAge)
	return p
}

func (p corsPolicy) allows(origin string) bool {
	if p.allowAll {
		return true
	}
	_, ok := p.origins[origin]
	return ok
}

// NewCORSMiddleware applies the configured allowlist. Requests from origins
// off the list pass through without CORS headers, so the browser rejects
// them while same-origin callers are unaffected. Disabled config means a
// pass-through wrapper.
func NewCORSMiddleware(cfg config.CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	policy := resolveCORS(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Origin")
			if origin := r.Header.Get("Origin"); origin != "" && policy.allows(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", policy.methods)
				w.Header().Set("Access-Control-Allow-Headers", policy.headers)
				w.Header().Set("Access-Control-Max-Age", policy.maxAge)
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequestSizeLimitMiddleware caps request body size. Control-plane bodies
// are small; anything larger is abuse or a mistake.
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
