// Package web serves the phone-number login flow and the operator query API.
//
// The flow mirrors the login state machine one page per step: phone form,
// code form, optional two-factor form, success. Errors keep the user on the
// current step with a flash message; state mismatches send them back to the
// start.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wirasto/otphub/internal/login"
	"github.com/wirasto/otphub/internal/store"
)

// Server is the HTTP front end.
type Server struct {
	mgr      *login.Manager
	creds    *store.Store
	logger   *slog.Logger
	server   *http.Server
	sessions *sessionStore
}

// NewServer creates the web server on addr.
func NewServer(addr string, mgr *login.Manager, creds *store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mgr:      mgr,
		creds:    creds,
		logger:   logger,
		sessions: newSessionStore(),
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withLogging(s.routes()),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleLoginPage)
	mux.HandleFunc("POST /{$}", s.handleLoginSubmit)
	mux.HandleFunc("GET /otp", s.handleOTPPage)
	mux.HandleFunc("POST /otp", s.handleOTPSubmit)
	mux.HandleFunc("GET /password", s.handlePasswordPage)
	mux.HandleFunc("POST /password", s.handlePasswordSubmit)
	mux.HandleFunc("GET /success", s.handleSuccess)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/accounts", s.handleListAccounts)
	mux.HandleFunc("GET /api/accounts/{identity}", s.handleGetAccount)
	return mux
}

// Handler returns the server's HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins serving.
func (s *Server) Start() error {
	s.logger.Info("starting web server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

type pageData struct {
	Identity string
	Flashes  []flash
}

func (s *Server) render(w http.ResponseWriter, name string, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplates.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error("render failed", "template", name, "error", err)
	}
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.get(w, r)
	s.render(w, "login", pageData{Flashes: sess.takeFlashes()})
}

func (s *Server) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.get(w, r)

	phone := strings.TrimSpace(r.FormValue("phone"))
	if phone == "" {
		sess.addFlash("error", "Enter a phone number.")
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	if err := s.mgr.Start(r.Context(), phone); err != nil {
		s.logger.Warn("login start failed", "identity", phone, "error", err)
		sess.addFlash("error", fmt.Sprintf("Could not send code: %v", err))
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	sess.setIdentity(phone)
	sess.addFlash("info", "A verification code has been sent.")
	http.Redirect(w, r, "/otp", http.StatusSeeOther)
}

func (s *Server) handleOTPPage(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.get(w, r)
	identity := sess.identity()
	if identity == "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	s.render(w, "otp", pageData{Identity: identity, Flashes: sess.takeFlashes()})
}

func (s *Server) handleOTPSubmit(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.get(w, r)
	identity := sess.identity()
	if identity == "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	code := strings.TrimSpace(r.FormValue("otp"))
	needSecond, err := s.mgr.SubmitCode(r.Context(), identity, code)
	switch {
	case errors.Is(err, login.ErrInvalidCode):
		sess.addFlash("error", "Wrong code, try again.")
		http.Redirect(w, r, "/otp", http.StatusSeeOther)
	case errors.Is(err, login.ErrStateMismatch):
		sess.addFlash("error", "The login attempt expired, start over.")
		http.Redirect(w, r, "/", http.StatusSeeOther)
	case err != nil:
		s.logger.Warn("code verification failed", "identity", identity, "error", err)
		sess.addFlash("error", "Verification failed, try again.")
		http.Redirect(w, r, "/otp", http.StatusSeeOther)
	case needSecond:
		sess.addFlash("info", "This account requires a two-factor password.")
		http.Redirect(w, r, "/password", http.StatusSeeOther)
	default:
		sess.addFlash("success", "Signed in.")
		http.Redirect(w, r, "/success", http.StatusSeeOther)
	}
}

func (s *Server) handlePasswordPage(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.get(w, r)
	identity := sess.identity()
	if identity == "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	if s.mgr.StateOf(identity) != login.StateSecondFactorPending {
		http.Redirect(w, r, "/success", http.StatusSeeOther)
		return
	}
	s.render(w, "password", pageData{Identity: identity, Flashes: sess.takeFlashes()})
}

func (s *Server) handlePasswordSubmit(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.get(w, r)
	identity := sess.identity()
	if identity == "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	err := s.mgr.SubmitSecondFactor(r.Context(), identity, r.FormValue("password"))
	switch {
	case errors.Is(err, login.ErrInvalidSecondFactor):
		sess.addFlash("error", "Wrong password, try again.")
		http.Redirect(w, r, "/password", http.StatusSeeOther)
	case errors.Is(err, login.ErrStateMismatch):
		sess.addFlash("error", "The login attempt expired, start over.")
		http.Redirect(w, r, "/", http.StatusSeeOther)
	case err != nil:
		s.logger.Warn("second factor verification failed", "identity", identity, "error", err)
		sess.addFlash("error", "Verification failed, try again.")
		http.Redirect(w, r, "/password", http.StatusSeeOther)
	default:
		sess.addFlash("success", "Signed in.")
		http.Redirect(w, r, "/success", http.StatusSeeOther)
	}
}

func (s *Server) handleSuccess(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.get(w, r)
	identity := sess.identity()
	if identity == "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	s.render(w, "success", pageData{Identity: identity, Flashes: sess.takeFlashes()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"timestamp": time.Now(),
	})
}

// AccountSummary is one row of the account listing.
type AccountSummary struct {
	Identity  string `json:"identity"`
	HasCode   bool   `json:"has_code"`
	HasSecret bool   `json:"has_secret"`
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	identities, err := s.creds.ListIdentities()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	summaries := make([]AccountSummary, 0, len(identities))
	for _, identity := range identities {
		rec, ok, err := s.creds.Get(identity)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			continue
		}
		summaries = append(summaries, AccountSummary{
			Identity:  identity,
			HasCode:   rec.Code != nil,
			HasSecret: rec.Secret != nil,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summaries)
}

// AccountDetail is the full credential record for one account.
type AccountDetail struct {
	Identity string  `json:"identity"`
	Code     *string `json:"code"`
	Secret   *string `json:"secret"`
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")

	rec, ok, err := s.creds.Get(identity)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !ok {
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(AccountDetail{
		Identity: rec.Identity,
		Code:     rec.Code,
		Secret:   rec.Secret,
	})
}
