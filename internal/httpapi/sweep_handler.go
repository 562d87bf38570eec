package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rahmatullahboss/cartsync/internal/sweep"
)

// authorizeSweep admits scheduler-originated requests (platform cron
// header) or callers presenting the shared secret.
func (s *Server) authorizeSweep(r *http.Request) bool {
	if r.Header.Get("X-Appengine-Cron") == "true" {
		return true
	}
	if s.sweepSecret == "" {
		return false
	}

	presented := r.Header.Get("X-Sweep-Secret")
	if presented == "" {
		presented = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if presented == "" {
		presented = r.URL.Query().Get("secret")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.sweepSecret)) == 1
}

type abandonSweepResponse struct {
	Marked     int       `json:"marked"`
	FirstSent  int       `json:"firstSent"`
	SecondSent int       `json:"secondSent"`
	FinalSent  int       `json:"finalSent"`
	Cutoff     time.Time `json:"cutoff"`
}

// SweepAbandoned marks idle carts abandoned, then immediately runs the
// short follow-up reminder sequence so a freshly-marked cart gets its first
// nudge in the same pass.
func (s *Server) SweepAbandoned(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeSweep(r) {
		respondError(w, http.StatusForbidden, "forbidden", "sweep requires scheduler header or shared secret")
		return
	}

	var ttl time.Duration
	if raw := r.URL.Query().Get("ttlMinutes"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_ttl", "ttlMinutes must be an integer")
			return
		}
		ttl = time.Duration(minutes) * time.Minute
	}

	marked, cutoff, err := s.detector.Run(r.Context(), ttl)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "abandonment sweep failed")
		return
	}

	resp := abandonSweepResponse{Marked: marked, Cutoff: cutoff}
	for _, result := range s.followups.Run(r.Context()) {
		switch result.Stage {
		case 1:
			resp.FirstSent = result.Sent
		case 2:
			resp.SecondSent = result.Sent
		case 3:
			resp.FinalSent = result.Sent
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) SweepReminders(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeSweep(r) {
		respondError(w, http.StatusForbidden, "forbidden", "sweep requires scheduler header or shared secret")
		return
	}

	results := s.reminders.Run(r.Context())
	respondJSON(w, http.StatusOK, map[string][]sweep.Result{"stages": results})
}
