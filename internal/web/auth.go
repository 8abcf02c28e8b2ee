package web

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	sessionCookieName = "session"
	sessionMaxAge     = 7 * 24 * time.Hour
)

// sessionStore keeps login tokens in memory with a sliding expiry. Sessions do not
// survive a manager restart.
type sessionStore struct {
	ttl time.Duration

	mu     sync.Mutex
	expiry map[string]time.Time
}

func newSessionStore(ttl time.Duration) *sessionStore {
	return &sessionStore{ttl: ttl, expiry: make(map[string]time.Time)}
}

func (ss *sessionStore) create() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)

	ss.mu.Lock()
	defer ss.mu.Unlock()
	now := time.Now()
	for t, exp := range ss.expiry {
		if now.After(exp) {
			delete(ss.expiry, t)
		}
	}
	ss.expiry[token] = now.Add(ss.ttl)
	return token, nil
}

// touch reports whether token is live and pushes its expiry forward.
func (ss *sessionStore) touch(token string) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	exp, ok := ss.expiry[token]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(ss.expiry, token)
		return false
	}
	ss.expiry[token] = time.Now().Add(ss.ttl)
	return true
}

func (ss *sessionStore) drop(token string) {
	ss.mu.Lock()
	delete(ss.expiry, token)
	ss.mu.Unlock()
}

func (s *Server) passwordMatches(p string) bool {
	return subtle.ConstantTimeCompare([]byte(p), []byte(s.cfg.Auth)) == 1
}

func writeSessionCookie(w http.ResponseWriter, token string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

// authenticated accepts a live session cookie or Basic Auth with the configured
// password. The user name is ignored.
func (s *Server) authenticated(w http.ResponseWriter, r *http.Request) bool {
	if c, err := r.Cookie(sessionCookieName); err == nil && s.sessions.touch(c.Value) {
		writeSessionCookie(w, c.Value, int(sessionMaxAge.Seconds()))
		return true
	}
	_, pass, ok := r.BasicAuth()
	return ok && s.passwordMatches(pass)
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	public := map[string]bool{"/api/login": true, "/api/auth/check": true}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		guarded := s.cfg.Auth != "" && strings.HasPrefix(r.URL.Path, "/api/") && !public[r.URL.Path]
		if guarded && !s.authenticated(w, r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ok := map[string]string{"status": "ok"}
	if s.cfg.Auth == "" {
		jsonResponse(w, ok)
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !s.passwordMatches(body.Password) {
		jsonError(w, "invalid password", http.StatusUnauthorized)
		return
	}

	token, err := s.sessions.create()
	if err != nil {
		jsonError(w, "session creation failed", http.StatusInternalServerError)
		return
	}
	writeSessionCookie(w, token, int(sessionMaxAge.Seconds()))
	jsonResponse(w, ok)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookieName); err == nil {
		s.sessions.drop(c.Value)
	}
	writeSessionCookie(w, "", -1)
	jsonResponse(w, map[string]string{"status": "ok"})
}

// handleAuthCheck answers 204 when no password is configured so clients can skip
// the login step.
func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if c, err := r.Cookie(sessionCookieName); err == nil && s.sessions.touch(c.Value) {
		jsonResponse(w, map[string]string{"status": "ok"})
		return
	}
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}
