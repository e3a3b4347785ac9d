// Package faucettest provides an in-process faucet service for tests.
//
// The server follows the real service's rules: sessions map a random salt
// to an address, a pow dispense recomputes SHA-256(salt || nonce) against the
// difficulty target, each address is paid at most once, and auth dispense
// requires the cookie set by /api/session/validate.
package faucettest

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/faucet-claim/internal/pow"
	"github.com/ChuLiYu/faucet-claim/pkg/types"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	sessionCookie = "faucet_session"

	// ValidToken is the identity-provider session accepted by validate.
	ValidToken = "sess_valid"
)

// Server is a fake faucet backed by httptest.Server.
type Server struct {
	*httptest.Server

	Difficulty uint16
	Amount     uint64

	mu         sync.Mutex
	sessions   map[string]string // salt → address
	dispensed  map[string]bool
	authTokens map[string]bool
	failNext   string        // error returned by the next session request
	delay      time.Duration // added before answering a session request
}

// NewServer starts a faucet handing out challenges at difficulty.
func NewServer(difficulty uint16) *Server {
	s := &Server{
		Difficulty: difficulty,
		Amount:     1,
		sessions:   make(map[string]string),
		dispensed:  make(map[string]bool),
		authTokens: make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/session", s.session)
	mux.HandleFunc("/api/session/validate", s.validate)
	mux.HandleFunc("/api/session/remove", s.remove)
	mux.HandleFunc("/api/dispense", s.dispense)
	s.Server = httptest.NewServer(mux)
	return s
}

// FailNextSession makes the next session request answer {"error": msg}.
func (s *Server) FailNextSession(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = msg
}

// DelaySessions makes every session request wait d before answering.
func (s *Server) DelaySessions(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Dispensed reports whether address has been paid.
func (s *Server) Dispensed(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispensed[address]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		salt := r.URL.Query().Get("salt")
		s.mu.Lock()
		address, ok := s.sessions[salt]
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"address": address})

	case http.MethodPost:
		s.mu.Lock()
		delay := s.delay
		s.mu.Unlock()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		var in struct {
			Address string `json:"address"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Address == "" {
			writeError(w, http.StatusBadRequest, "invalid address")
			return
		}

		s.mu.Lock()
		if msg := s.failNext; msg != "" {
			s.failNext = ""
			s.mu.Unlock()
			writeError(w, http.StatusTooManyRequests, msg)
			return
		}
		salt := randomSalt()
		for k, addr := range s.sessions {
			if addr == in.Address {
				delete(s.sessions, k)
			}
		}
		s.sessions[salt] = in.Address
		s.mu.Unlock()

		writeJSON(w, http.StatusCreated, map[string]any{
			"status":     "Success",
			"salt":       salt,
			"difficulty": s.Difficulty,
		})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Value != ValidToken {
		writeError(w, http.StatusUnauthorized, "invalid session")
		return
	}

	token := randomSalt()
	s.mu.Lock()
	s.authTokens[token] = true
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: token, Path: "/"})
	writeJSON(w, http.StatusOK, map[string]any{
		"user":    map[string]string{"id": "user_1"},
		"session": map[string]string{"id": in.Value},
	})
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		s.mu.Lock()
		delete(s.authTokens, c.Value)
		s.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, map[string]string{"status": "Success"})
}

func (s *Server) dispense(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"amount": s.Amount, "asset_id": "0x00"})
		return
	}

	var in struct {
		Address string `json:"address"`
		Salt    string `json:"salt"`
		Nonce   string `json:"nonce"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	switch types.DispenseMethod(r.URL.Query().Get("method")) {
	case types.MethodPoW:
		if status, msg := s.checkPoW(in.Address, in.Salt, in.Nonce); msg != "" {
			writeError(w, status, msg)
			return
		}
	case types.MethodAuth:
		c, err := r.Cookie(sessionCookie)
		s.mu.Lock()
		ok := err == nil && s.authTokens[c.Value]
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "invalid method")
		return
	}

	s.mu.Lock()
	if s.dispensed[in.Address] {
		s.mu.Unlock()
		writeError(w, http.StatusTooManyRequests, "Account has already received assets today")
		return
	}
	s.dispensed[in.Address] = true
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, types.ClaimOutcome{Status: "ok", Tokens: s.Amount})
}

func (s *Server) checkPoW(address, salt, nonce string) (int, string) {
	s.mu.Lock()
	bound, ok := s.sessions[salt]
	if ok && bound == address {
		delete(s.sessions, salt)
	}
	s.mu.Unlock()

	if !ok || bound != address {
		return http.StatusNotFound, "Invalid salt"
	}
	n, err := strconv.ParseUint(nonce, 10, 64)
	if err != nil {
		return http.StatusBadRequest, "Invalid nonce"
	}
	target, _ := pow.TargetBytes(s.Difficulty)
	if !pow.Satisfies(pow.Digest(salt, n), target) {
		return http.StatusBadRequest, "Invalid proof of work"
	}
	return 0, ""
}

func randomSalt() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
