package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer is an in-process stand-in for the cart API: last full
// snapshot wins, and every push notifies all subscribed clients.
type fakeServer struct {
	mu       sync.Mutex
	snapshot map[int64]int
	subs     []chan RemoteEvent
	pushes   int
	fetches  int
	pushErr  error
}

func newFakeServer() *fakeServer {
	return &fakeServer{snapshot: make(map[int64]int)}
}

func (f *fakeServer) state() ServerState {
	out := make(map[int64]int, len(f.snapshot))
	for id, qty := range f.snapshot {
		out[id] = qty
	}
	return ServerState{Snapshot: out, SessionID: "sess-1"}
}

func (f *fakeServer) Push(_ context.Context, req PushRequest) (ServerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return ServerState{}, f.pushErr
	}
	f.pushes++

	snap := make(map[int64]int, len(req.Items))
	for _, item := range req.Items {
		if item.Quantity > 0 {
			snap[item.ID] = item.Quantity
		}
	}
	f.snapshot = snap

	ev := RemoteEvent{Type: "cart_updated", OriginClientID: req.ClientID, OriginSessionID: ""}
	for _, sub := range f.subs {
		select {
		case sub <- ev:
		default:
		}
	}
	return f.state(), nil
}

func (f *fakeServer) Fetch(context.Context, string) (ServerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.state(), nil
}

func (f *fakeServer) Subscribe(context.Context, string) (<-chan RemoteEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan RemoteEvent, 16)
	f.subs = append(f.subs, ch)
	return ch, nil
}

func (f *fakeServer) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes
}

func (f *fakeServer) serverSnapshot() map[int64]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]int, len(f.snapshot))
	for id, qty := range f.snapshot {
		out[id] = qty
	}
	return out
}

func startReconciler(t *testing.T, server *fakeServer) *Reconciler {
	t.Helper()
	r := New(server, "sess-1", WithDebounce(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)
	return r
}

func TestReconciler_DebouncesBurstIntoOnePush(t *testing.T) {
	server := newFakeServer()
	r := startReconciler(t, server)

	// A burst of mutations within the quiet period collapses to one push.
	r.Mutate(1, 1)
	r.Mutate(1, 1)
	r.Mutate(2, 3)

	require.Eventually(t, func() bool {
		return server.pushCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, map[int64]int{1: 2, 2: 3}, server.serverSnapshot())
	// Pushed after the burst settled; no further pushes arrive.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, server.pushCount())
}

func TestReconciler_MutateIsOptimistic(t *testing.T) {
	server := newFakeServer()
	server.pushErr = assert.AnError
	r := startReconciler(t, server)

	r.Mutate(9, 2)

	// Local state reflects the change immediately, network or not.
	assert.Equal(t, map[int64]int{9: 2}, r.Lines())
}

func TestReconciler_FailedPushRetriesUntilItLands(t *testing.T) {
	server := newFakeServer()
	server.pushErr = assert.AnError
	r := startReconciler(t, server)

	r.Mutate(1, 2)

	// Let at least one attempt fail while the server is down.
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, server.pushCount())

	server.mu.Lock()
	server.pushErr = nil
	server.mu.Unlock()

	// No further mutation: the push loop's own retry delivers the snapshot.
	require.Eventually(t, func() bool {
		return server.serverSnapshot()[1] == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReconciler_ZeroQuantityRemovesLine(t *testing.T) {
	server := newFakeServer()
	r := startReconciler(t, server)

	r.SetQuantity(4, 2)
	require.Eventually(t, func() bool {
		return server.serverSnapshot()[4] == 2
	}, 2*time.Second, 5*time.Millisecond)

	r.SetQuantity(4, 0)
	require.Eventually(t, func() bool {
		_, present := server.serverSnapshot()[4]
		return !present
	}, 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, r.Lines())
}

func TestReconciler_SuppressesOwnEcho(t *testing.T) {
	server := newFakeServer()
	r := startReconciler(t, server)

	r.Mutate(1, 1)
	require.Eventually(t, func() bool {
		return server.pushCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The push broadcast an event carrying this client's own id; a resync
	// fetch would be a wasted round trip.
	time.Sleep(50 * time.Millisecond)
	server.mu.Lock()
	fetches := server.fetches
	server.mu.Unlock()
	assert.Zero(t, fetches)
}

func TestReconciler_NoLostIncrementsAcrossTwoClients(t *testing.T) {
	server := newFakeServer()
	a := startReconciler(t, server)
	b := startReconciler(t, server)

	// A adds from the shared (empty) baseline and pushes.
	a.Mutate(10, 2)
	require.Eventually(t, func() bool {
		return server.serverSnapshot()[10] == 2
	}, 2*time.Second, 5*time.Millisecond)

	// B observes the change notification and resyncs.
	require.Eventually(t, func() bool {
		return b.Lines()[10] == 2
	}, 2*time.Second, 5*time.Millisecond)

	// B adds its own item; the full-snapshot push carries A's item too.
	b.Mutate(20, 5)
	require.Eventually(t, func() bool {
		snap := server.serverSnapshot()
		return snap[10] >= 2 && snap[20] >= 5
	}, 2*time.Second, 5*time.Millisecond)

	// After A resyncs, both clients hold at least what either intended.
	require.Eventually(t, func() bool {
		aLines, bLines := a.Lines(), b.Lines()
		return aLines[10] >= 2 && aLines[20] >= 5 &&
			bLines[10] >= 2 && bLines[20] >= 5
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReconciler_RemoteChangeMergesAndReasserts(t *testing.T) {
	server := newFakeServer()
	// Wide debounce: the remote write below must land while the local
	// mutation is still waiting out its quiet period.
	r := New(server, "sess-1", WithDebounce(200*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)

	// Sync an initial line so the acked baseline is {1:1}.
	r.Mutate(1, 1)
	require.Eventually(t, func() bool {
		return server.pushCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Local adds three more before hearing that another client wrote
	// {1:2}. Whichever lands first, the local increments above the
	// remote baseline survive the merge and get re-asserted.
	r.Mutate(1, 3)
	server.mu.Lock()
	server.snapshot = map[int64]int{1: 2}
	ev := RemoteEvent{Type: "cart_updated", OriginClientID: "someone-else"}
	for _, sub := range server.subs {
		sub <- ev
	}
	server.mu.Unlock()

	require.Eventually(t, func() bool {
		return r.Lines()[1] == 4 && server.serverSnapshot()[1] == 4
	}, 2*time.Second, 5*time.Millisecond)
}
