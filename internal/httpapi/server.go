package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rahmatullahboss/cartsync/internal/notifier"
	"github.com/rahmatullahboss/cartsync/internal/service"
	"github.com/rahmatullahboss/cartsync/internal/sweep"
)

// Resolver is the authentication collaborator: it maps a request to a user
// identity, or reports that the request is anonymous.
type Resolver interface {
	Resolve(r *http.Request) (userID string, ok bool)
}

// HeaderResolver trusts an upstream gateway to authenticate and forward the
// identity in a header. Stand-in for a real JWT/session validator.
type HeaderResolver struct {
	Header string
}

func (h HeaderResolver) Resolve(r *http.Request) (string, bool) {
	name := h.Header
	if name == "" {
		name = "X-User-ID"
	}
	userID := r.Header.Get(name)
	return userID, userID != ""
}

type Server struct {
	carts       *service.CartService
	notifier    notifier.Notifier
	detector    *sweep.Detector
	reminders   *sweep.Scheduler // staged reminder sweep
	followups   *sweep.Scheduler // short sequence run right after marking
	resolver    Resolver
	sweepSecret string
}

func NewServer(carts *service.CartService, n notifier.Notifier, detector *sweep.Detector, reminders, followups *sweep.Scheduler, resolver Resolver, sweepSecret string) *Server {
	return &Server{
		carts:       carts,
		notifier:    n,
		detector:    detector,
		reminders:   reminders,
		followups:   followups,
		resolver:    resolver,
		sweepSecret: sweepSecret,
	}
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/cart", func(r chi.Router) {
			r.With(middleware.Timeout(30 * time.Second)).Get("/", s.GetCart)
			r.With(middleware.Timeout(30 * time.Second)).Post("/", s.WriteCart)
			r.With(middleware.Timeout(30 * time.Second)).Post("/merge", s.MergeCart)
			// The event stream must outlive the request timeout.
			r.Get("/events", s.Events)
		})
		r.Route("/sweeps", func(r chi.Router) {
			r.Post("/abandoned", s.SweepAbandoned)
			r.Post("/reminders", s.SweepReminders)
		})
	})

	return r
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}
