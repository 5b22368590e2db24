package server

import (
	"crypto/subtle"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// auth requires the bearer token when one is configured. WebSocket upgrades
// may pass it as ?token= since browsers cannot set headers on them.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next(w, r)
			return
		}
		ip := clientIP(r)
		if s.authFail.blocked(ip) {
			http.Error(w, "too many failed attempts", http.StatusTooManyRequests)
			return
		}
		if !s.checkAuth(r) {
			s.authFail.fail(ip)
			s.log.Warn("auth failed", "remote", ip, "path", r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) checkAuth(r *http.Request) bool {
	var got string
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		got = strings.TrimPrefix(h, "Bearer ")
	} else if websocket.IsWebSocketUpgrade(r) {
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) == 1
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// originAllowed accepts requests without an Origin, same-origin requests and
// the configured allowlist.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			if !s.originAllowed(r) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

const maxAuthClients = 4096

// authLimiter tracks failed logins per client IP. A client that spends its
// burst is refused until the bucket refills.
type authLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*rate.Limiter
}

// newAuthLimiter allows limit failures per window. limit <= 0 disables it.
func newAuthLimiter(limit int, window time.Duration) *authLimiter {
	a := &authLimiter{clients: make(map[string]*rate.Limiter)}
	if limit > 0 && window > 0 {
		a.limit = rate.Every(window / time.Duration(limit))
		a.burst = limit
	}
	return a
}

func (a *authLimiter) blocked(ip string) bool {
	if a.burst == 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	lim, ok := a.clients[ip]
	return ok && lim.Tokens() < 1
}

func (a *authLimiter) fail(ip string) {
	if a.burst == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	lim, ok := a.clients[ip]
	if !ok {
		if len(a.clients) >= maxAuthClients {
			a.pruneLocked(now)
		}
		lim = rate.NewLimiter(a.limit, a.burst)
		a.clients[ip] = lim
	}
	lim.AllowN(now, 1)
}

// pruneLocked forgets clients whose bucket has fully refilled.
func (a *authLimiter) pruneLocked(now time.Time) {
	for ip, lim := range a.clients {
		if lim.TokensAt(now) >= float64(a.burst) {
			delete(a.clients, ip)
		}
	}
}
