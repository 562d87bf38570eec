// Package reconciler is the client half of the cart sync protocol: it owns
// the local cart lines, the last server-acknowledged snapshot, and the
// session identity, and keeps them converged with the server through
// debounced pushes and notify-and-resync pulls.
package reconciler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Item is one cart entry on the wire.
type Item struct {
	ID       int64 `json:"id"`
	Quantity int   `json:"quantity"`
}

// PushRequest is a full-snapshot write of the client's current lines.
type PushRequest struct {
	Items     []Item `json:"items"`
	SessionID string `json:"sessionId,omitempty"`
	ClientID  string `json:"clientId"`
}

// ServerState is the canonical cart as the server last acknowledged it.
type ServerState struct {
	Snapshot  map[int64]int
	SessionID string
}

// RemoteEvent is a change notification from another client of the same
// identity. It never carries cart data; receivers always re-fetch.
type RemoteEvent struct {
	Type            string `json:"type"`
	SessionID       string `json:"sessionId,omitempty"`
	OriginSessionID string `json:"originSessionId,omitempty"`
	OriginClientID  string `json:"originClientId,omitempty"`
}

// Transport abstracts the push/subscribe channel to the server. SSE,
// WebSocket, and long-poll implementations all satisfy the same
// notify-and-resync contract.
type Transport interface {
	Push(ctx context.Context, req PushRequest) (ServerState, error)
	Fetch(ctx context.Context, sessionID string) (ServerState, error)
	// Subscribe opens a live event feed. The returned channel closes when
	// the connection drops; callers reconnect with backoff.
	Subscribe(ctx context.Context, sessionID string) (<-chan RemoteEvent, error)
}

const (
	defaultDebounce = 400 * time.Millisecond
	minReconnect    = time.Second
	maxReconnect    = 30 * time.Second
)

type Reconciler struct {
	transport Transport
	clientID  string
	debounce  time.Duration

	mu        sync.Mutex
	sessionID string
	lines     map[int64]int // local optimistic state
	acked     map[int64]int // last server-acknowledged snapshot

	dirty chan struct{}
}

type Option func(*Reconciler)

func WithDebounce(d time.Duration) Option {
	return func(r *Reconciler) { r.debounce = d }
}

func New(transport Transport, sessionID string, opts ...Option) *Reconciler {
	r := &Reconciler{
		transport: transport,
		clientID:  uuid.NewString(),
		debounce:  defaultDebounce,
		sessionID: sessionID,
		lines:     make(map[int64]int),
		acked:     make(map[int64]int),
		dirty:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ClientID is the ephemeral identifier stamped on this client's writes so
// it can suppress the echo of its own notifications.
func (r *Reconciler) ClientID() string { return r.clientID }

func (r *Reconciler) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Lines returns a copy of the local cart state.
func (r *Reconciler) Lines() map[int64]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]int, len(r.lines))
	for id, qty := range r.lines {
		out[id] = qty
	}
	return out
}

// Mutate applies a quantity change optimistically: the UI never blocks on
// the network. A line driven to zero is removed outright.
func (r *Reconciler) Mutate(productID int64, delta int) {
	r.mu.Lock()
	qty := r.lines[productID] + delta
	if qty <= 0 {
		delete(r.lines, productID)
	} else {
		r.lines[productID] = qty
	}
	r.mu.Unlock()
	r.markDirty()
}

// SetQuantity replaces a line's quantity; zero removes it.
func (r *Reconciler) SetQuantity(productID int64, quantity int) {
	r.mu.Lock()
	if quantity <= 0 {
		delete(r.lines, productID)
	} else {
		r.lines[productID] = quantity
	}
	r.mu.Unlock()
	r.markDirty()
}

func (r *Reconciler) markDirty() {
	select {
	case r.dirty <- struct{}{}:
	default:
	}
}

// Run drives the debounced push loop and the subscription until ctx ends.
func (r *Reconciler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.subscribeLoop(ctx)
	}()

	r.pushLoop(ctx)
	wg.Wait()
}

func (r *Reconciler) pushLoop(ctx context.Context) {
	timer := time.NewTimer(r.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.dirty:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(r.debounce)
		case <-timer.C:
			if !r.push(ctx) {
				// Retry after a pause; the next local mutation retries it
				// sooner. The timer keeps the retry inside Run's lifetime.
				timer.Reset(4 * r.debounce)
			}
		}
	}
}

// push sends the full local snapshot and adopts the canonical snapshot the
// server returns as the new acked baseline. It reports whether the push
// landed.
func (r *Reconciler) push(ctx context.Context) bool {
	r.mu.Lock()
	items := make([]Item, 0, len(r.lines))
	for id, qty := range r.lines {
		items = append(items, Item{ID: id, Quantity: qty})
	}
	req := PushRequest{Items: items, SessionID: r.sessionID, ClientID: r.clientID}
	r.mu.Unlock()

	state, err := r.transport.Push(ctx, req)
	if err != nil {
		log.Printf("reconciler: push failed: %v", err)
		return false
	}

	r.mu.Lock()
	r.acked = state.Snapshot
	if state.SessionID != "" {
		r.sessionID = state.SessionID
	}
	r.mu.Unlock()
	return true
}

func (r *Reconciler) subscribeLoop(ctx context.Context) {
	backoff := minReconnect
	for {
		if ctx.Err() != nil {
			return
		}

		// Channel keys are re-registered on every reconnect.
		events, err := r.transport.Subscribe(ctx, r.SessionID())
		if err != nil {
			log.Printf("reconciler: subscribe failed, retrying in %s: %v", backoff, err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff *= 2; backoff > maxReconnect {
				backoff = maxReconnect
			}
			continue
		}
		backoff = minReconnect

		for ev := range events {
			r.handleRemote(ctx, ev)
		}
		// Stream dropped; loop reconnects. A missed event is fine because
		// the cart_ready on reconnect triggers a full resync.
	}
}

// handleRemote reacts to a change notification: suppress self-echo, then
// pull the canonical snapshot and merge it with local state. The event
// payload is never applied directly — delivery is unordered and lossy.
func (r *Reconciler) handleRemote(ctx context.Context, ev RemoteEvent) {
	if ev.OriginClientID != "" && ev.OriginClientID == r.clientID {
		return
	}
	if ev.OriginSessionID != "" && ev.OriginSessionID == r.SessionID() {
		return
	}

	state, err := r.transport.Fetch(ctx, r.SessionID())
	if err != nil {
		log.Printf("reconciler: resync fetch failed: %v", err)
		return
	}

	r.mu.Lock()
	merged := MergeRemote(r.lines, r.acked, state.Snapshot)
	r.lines = merged
	// The acked baseline is the raw remote snapshot, not the merged
	// result, so the next merge computes deltas against true server state.
	r.acked = state.Snapshot
	if state.SessionID != "" {
		r.sessionID = state.SessionID
	}
	reassert := !snapshotsEqual(merged, state.Snapshot)
	r.mu.Unlock()

	if reassert {
		// Local deltas survived the merge; push them back to the server.
		r.markDirty()
	}
}
