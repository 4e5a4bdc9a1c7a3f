// Package api exposes a client's slots over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ephemeral-examples/ledgersync/internal/client"
	"github.com/ephemeral-examples/ledgersync/internal/delegation"
	"github.com/ephemeral-examples/ledgersync/internal/engine"
	"github.com/ephemeral-examples/ledgersync/internal/program"
)

const shutdownGrace = 5 * time.Second

// Backend is the client surface the server drives.
type Backend interface {
	Open(ctx context.Context, flow string) (*engine.Slot, error)
	Slot(flow string) (*engine.Slot, bool)
	Slots() []*engine.Slot
	Status(ctx context.Context, flow string) (client.FlowStatus, error)
	Delegate(ctx context.Context, flow string) (solana.Signature, error)
	Undelegate(ctx context.Context, flow string) (solana.Signature, error)
	CreateSession(ctx context.Context) (solana.PublicKey, error)
}

var _ Backend = (*client.Client)(nil)

// Server handles HTTP requests for one client.
type Server struct {
	backend Backend
	router  *mux.Router
	log     log.Logger
}

func NewServer(backend Backend) *Server {
	s := &Server{
		backend: backend,
		router:  mux.NewRouter(),
		log:     log.New("component", "api"),
	}
	s.setupRoutes()
	return s
}

// Router returns the HTTP router for testing
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	// Slots
	s.router.HandleFunc("/slots", s.handleSlots).Methods("GET")
	s.router.HandleFunc("/slots/{flow}", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/slots/{flow}/dispatch", s.handleDispatch).Methods("POST")
	s.router.HandleFunc("/slots/{flow}/history", s.handleHistory).Methods("GET")
	s.router.HandleFunc("/slots/{flow}/history/{id}", s.handleAction).Methods("GET")
	s.router.HandleFunc("/slots/{flow}/history/{id}", s.handleEvict).Methods("DELETE")
	s.router.HandleFunc("/slots/{flow}/notices", s.handleNotices).Methods("GET")

	// Delegation
	s.router.HandleFunc("/slots/{flow}/delegate", s.handleDelegate).Methods("POST")
	s.router.HandleFunc("/slots/{flow}/undelegate", s.handleUndelegate).Methods("POST")
	s.router.HandleFunc("/session", s.handleSession).Methods("POST")

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("api listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown api: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, client.ErrUnknownFlow), errors.Is(err, engine.ErrUnknownAction):
		code = http.StatusNotFound
	case errors.Is(err, engine.ErrSlotBusy),
		errors.Is(err, client.ErrAlreadyDelegated),
		errors.Is(err, client.ErrNotDelegated),
		errors.Is(err, delegation.ErrNotInitialized):
		code = http.StatusConflict
	case errors.Is(err, client.ErrNoSessions), errors.Is(err, program.ErrUnsupported):
		code = http.StatusBadRequest
	case errors.Is(err, client.ErrNotInitialized), errors.Is(err, engine.ErrSlotClosed):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.log.Warn("request failed", "err", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) slot(w http.ResponseWriter, r *http.Request) (*engine.Slot, bool) {
	flow := mux.Vars(r)["flow"]
	slot, ok := s.backend.Slot(flow)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("slot %s not open", flow)})
		return nil, false
	}
	return slot, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	views := []engine.View{}
	for _, slot := range s.backend.Slots() {
		views = append(views, slot.View())
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.Status(r.Context(), mux.Vars(r)["flow"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	slot, err := s.backend.Open(r.Context(), mux.Vars(r)["flow"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	p, err := slot.Dispatch(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, p)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	slot, ok := s.slot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, slot.History())
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	slot, ok := s.slot(w, r)
	if !ok {
		return
	}
	p, err := slot.Action(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	slot, ok := s.slot(w, r)
	if !ok {
		return
	}
	if err := slot.Evict(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleNotices drains the slot's queued notices. Each notice is returned once.
func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	slot, ok := s.slot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, slot.DrainNotices())
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	sig, err := s.backend.Delegate(r.Context(), mux.Vars(r)["flow"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"signature": sig.String()})
}

func (s *Server) handleUndelegate(w http.ResponseWriter, r *http.Request) {
	sig, err := s.backend.Undelegate(r.Context(), mux.Vars(r)["flow"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"signature": sig.String()})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	token, err := s.backend.CreateSession(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token.String()})
}
