package web

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
)

const sessionCookie = "otphub_session"

// flash is a one-shot message rendered on the next page load.
type flash struct {
	Level string
	Text  string
}

// flowSession is the per-browser login flow state: which identity the flow
// is for and any queued flash messages.
type flowSession struct {
	mu       sync.Mutex
	Identity string
	flashes  []flash
}

func (s *flowSession) addFlash(level, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flashes = append(s.flashes, flash{Level: level, Text: text})
}

func (s *flowSession) takeFlashes() []flash {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.flashes
	s.flashes = nil
	return out
}

func (s *flowSession) identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Identity
}

func (s *flowSession) setIdentity(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Identity = identity
}

// sessionStore holds flow sessions keyed by an opaque cookie value.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*flowSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*flowSession)}
}

// get returns the request's flow session, creating one (and setting the
// cookie) if needed.
func (st *sessionStore) get(w http.ResponseWriter, r *http.Request) *flowSession {
	if c, err := r.Cookie(sessionCookie); err == nil {
		st.mu.Lock()
		s, ok := st.sessions[c.Value]
		st.mu.Unlock()
		if ok {
			return s
		}
	}

	id := uuid.New().String()
	s := &flowSession{}

	st.mu.Lock()
	st.sessions[id] = s
	st.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return s
}
