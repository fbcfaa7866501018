// Package bridge wires the bridge's services into the inbound HTTP surface
// named in §6: the GitHub webhook receiver, the OAuth callback, and the
// liveness check.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/towns-xyz/github-bridge/internal/credentials"
)

// pinger is the subset of *store.Store the health check depends on.
type pinger interface {
	Ping(ctx context.Context) error
}

// credentialCallback is the subset of internal/credentials.Service this
// package depends on.
type credentialCallback interface {
	Callback(ctx context.Context, code, state string) (*credentials.CallbackResult, error)
}

// Server is the http.Handler exposing the bridge's inbound endpoints.
type Server struct {
	mux         *http.ServeMux
	credentials credentialCallback
	store       pinger
	logger      zerolog.Logger
}

// New builds the bridge Server. webhookHandler serves POST /github-webhook
// and is passed in fully constructed, since its own dependency graph
// (delivery store, installation manager, event processor) is assembled by
// the caller.
func New(webhookHandler http.Handler, creds credentialCallback, st pinger, logger zerolog.Logger) *Server {
	s := &Server{mux: http.NewServeMux(), credentials: creds, store: st, logger: logger}
	s.routes(webhookHandler)
	return s
}

func (s *Server) routes(webhookHandler http.Handler) {
	s.mux.Handle("/github-webhook", webhookHandler)
	s.mux.HandleFunc("/oauth/callback", s.handleOAuthCallback)
	s.mux.HandleFunc("/health", s.handleHealth)
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		http.Error(w, "missing code or state", http.StatusBadRequest)
		return
	}

	result, err := s.credentials.Callback(r.Context(), code, state)
	if err != nil {
		switch {
		case errors.Is(err, credentials.ErrInvalidState), errors.Is(err, credentials.ErrStateExpired):
			renderOAuthPage(w, http.StatusBadRequest, "This authorization link is no longer valid. Please try connecting your GitHub account again.")
		default:
			s.logger.Error().Err(err).Msg("oauth callback failed")
			renderOAuthPage(w, http.StatusInternalServerError, "Something went wrong completing GitHub authorization.")
		}
		return
	}

	renderOAuthPage(w, http.StatusOK, fmt.Sprintf("Connected as %s. You can return to Towns.", result.GitHubLogin))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"ok","database":"unavailable"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","database":"ok"}`))
}

// renderOAuthPage writes a minimal confirmation page. The real templated UI
// is a transport concern handled outside this module.
func renderOAuthPage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "<!doctype html><html><body><p>%s</p></body></html>", message)
}
