package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rahmatullahboss/cartsync/internal/domain"
	"github.com/rahmatullahboss/cartsync/internal/repository"
	"github.com/rahmatullahboss/cartsync/internal/service"
)

const sessionCookieName = "cart_session"

type customerDTO struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Number string `json:"number"`
}

type cartWriteRequest struct {
	Items        json.RawMessage `json:"items"`
	SessionID    string          `json:"sessionId"`
	ClientID     string          `json:"clientId"`
	ShippingZone string          `json:"shippingZone"`
	Customer     customerDTO     `json:"customer"`
}

type cartResponse struct {
	Items     []domain.CartLine `json:"items"`
	Total     float64           `json:"total"`
	Snapshot  map[string]int    `json:"snapshot"`
	SessionID string            `json:"sessionId"`
}

func cartView(record *domain.CartRecord, sessionID string) cartResponse {
	snapshot := make(map[string]int)
	for id, qty := range record.Snapshot() {
		snapshot[strconv.FormatInt(id, 10)] = qty
	}
	items := record.Lines
	if items == nil {
		items = []domain.CartLine{}
	}
	return cartResponse{
		Items:     items,
		Total:     record.CartTotal,
		Snapshot:  snapshot,
		SessionID: sessionID,
	}
}

// parseItems decodes a client item list, filtering malformed entries
// per-entry: a junk id or quantity drops that entry, never the request.
// Numeric strings are tolerated since some clients serialize ids that way.
func parseItems(raw json.RawMessage) []service.LineInput {
	if len(raw) == 0 {
		return nil
	}
	var entries []map[string]any
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}

	items := make([]service.LineInput, 0, len(entries))
	for _, entry := range entries {
		id, okID := coerceInt(entry["id"])
		qty, okQty := coerceInt(entry["quantity"])
		if !okID || !okQty || id <= 0 || qty < 0 {
			continue
		}
		items = append(items, service.LineInput{ProductID: id, Quantity: int(qty)})
	}
	return items
}

func coerceInt(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

func itemsToSnapshot(items []service.LineInput) domain.Snapshot {
	snap := make(domain.Snapshot, len(items))
	for _, item := range items {
		if item.Quantity > 0 {
			snap[item.ProductID] = item.Quantity
		}
	}
	return snap
}

// ensureSession picks the session id (request body wins over the cookie),
// minting a fresh one when neither is present, and refreshes the cookie.
func ensureSession(w http.ResponseWriter, r *http.Request, bodySessionID string) string {
	sessionID := bodySessionID
	if sessionID == "" {
		if cookie, err := r.Cookie(sessionCookieName); err == nil {
			sessionID = cookie.Value
		}
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int((30 * 24 * time.Hour).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return sessionID
}

func requestSession(r *http.Request) string {
	if sid := r.URL.Query().Get("sessionId"); sid != "" {
		return sid
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func (s *Server) GetCart(w http.ResponseWriter, r *http.Request) {
	userID, _ := s.resolver.Resolve(r)
	sessionID := requestSession(r)

	key := userID
	if key == "" {
		key = sessionID
	}
	if key == "" {
		respondError(w, http.StatusBadRequest, "no_identity", "no session or user identity")
		return
	}

	record, err := s.carts.Get(r.Context(), key)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to load cart")
		return
	}
	respondJSON(w, http.StatusOK, cartView(record, sessionID))
}

func (s *Server) WriteCart(w http.ResponseWriter, r *http.Request) {
	var req cartWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	userID, _ := s.resolver.Resolve(r)
	sessionID := ensureSession(w, r, req.SessionID)

	record, err := s.carts.ApplySnapshot(r.Context(),
		repository.Owner{SessionID: sessionID, UserID: userID},
		parseItems(req.Items),
		req.ShippingZone,
		domain.Contact{Name: req.Customer.Name, Email: req.Customer.Email, Number: req.Customer.Number},
		service.Origin{ClientID: req.ClientID, SessionID: sessionID},
	)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to save cart")
		return
	}

	respondJSON(w, http.StatusOK, cartView(record, sessionID))
}

func (s *Server) MergeCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.resolver.Resolve(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthenticated", "merge requires an authenticated user")
		return
	}

	var req cartWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	sessionID := ensureSession(w, r, req.SessionID)
	items := parseItems(req.Items)

	record, err := s.carts.MergeGuestCart(r.Context(), userID, sessionID,
		itemsToSnapshot(items),
		req.ShippingZone,
		domain.Contact{Name: req.Customer.Name, Email: req.Customer.Email, Number: req.Customer.Number},
		service.Origin{ClientID: req.ClientID, SessionID: sessionID},
	)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to merge cart")
		return
	}

	respondJSON(w, http.StatusOK, cartView(record, sessionID))
}
