package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahmatullahboss/cartsync/internal/cache"
	"github.com/rahmatullahboss/cartsync/internal/catalog"
	"github.com/rahmatullahboss/cartsync/internal/domain"
	"github.com/rahmatullahboss/cartsync/internal/email"
	"github.com/rahmatullahboss/cartsync/internal/notifier"
	"github.com/rahmatullahboss/cartsync/internal/repository"
	"github.com/rahmatullahboss/cartsync/internal/service"
	"github.com/rahmatullahboss/cartsync/internal/sweep"
)

const testSweepSecret = "sweep-secret"

type nullCache struct{}

func (nullCache) Get(context.Context, string) (*domain.CartRecord, error) {
	return nil, cache.ErrCacheMiss
}
func (nullCache) Set(context.Context, string, *domain.CartRecord) error { return nil }
func (nullCache) Delete(context.Context, string) error                  { return nil }

type recordingSender struct {
	mu   sync.Mutex
	sent []email.Message
}

func (r *recordingSender) Send(_ context.Context, msg email.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

// fakeClock lets a test pretend time has passed for the abandonment sweep.
type fakeClock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

type testEnv struct {
	server *httptest.Server
	store  repository.CartStore
	clock  *fakeClock
	sender *recordingSender
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := repository.NewMemoryStore()
	cat := catalog.NewStaticCatalog(
		catalog.Product{ID: 1, Name: "Mug", Price: 10},
		catalog.Product{ID: 2, Name: "Plate", Price: 25.5},
	)
	n := notifier.NewMemoryNotifier()
	shipping := service.ShippingConfig{
		DefaultZone: "inside_dhaka",
		ZoneFees:    map[string]float64{"inside_dhaka": 80, "outside_dhaka": 130},
	}
	svc := service.NewCartService(store, nullCache{}, cat, n, shipping)

	sender := &recordingSender{}
	clock := &fakeClock{}
	detector := sweep.NewDetectorWithClock(store, clock.now)
	reminders := sweep.NewScheduler(store, sender, sweep.DefaultStages(), 48*time.Hour)
	followups := sweep.NewScheduler(store, sender, sweep.FollowupStages(), 48*time.Hour)

	srv := NewServer(svc, n, detector, reminders, followups, HeaderResolver{}, testSweepSecret)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, store: store, clock: clock, sender: sender}
}

func (e *testEnv) writeCart(t *testing.T, body string, headers map[string]string) (*http.Response, cartResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/api/v1/cart", bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out cartResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return resp, out
}

func TestWriteCart_MintsSessionAndPrices(t *testing.T) {
	env := newTestEnv(t)

	resp, cart := env.writeCart(t, `{"items":[{"id":1,"quantity":2},{"id":2,"quantity":1}]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.NotEmpty(t, cart.SessionID, "server mints a session id")
	assert.InDelta(t, 125.5, cart.Total, 0.001)
	assert.Equal(t, map[string]int{"1": 2, "2": 1}, cart.Snapshot)

	var sessionCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName {
			sessionCookie = c
		}
	}
	require.NotNil(t, sessionCookie, "session cookie set")
	assert.Equal(t, cart.SessionID, sessionCookie.Value)
	assert.True(t, sessionCookie.HttpOnly)
}

func TestWriteCart_FiltersMalformedEntries(t *testing.T) {
	env := newTestEnv(t)

	// Junk entries drop individually; the request still succeeds.
	body := `{"items":[
		{"id":1,"quantity":2},
		{"id":"2","quantity":"1"},
		{"id":-4,"quantity":1},
		{"id":"abc","quantity":1},
		{"quantity":3},
		{"id":99,"quantity":1}
	]}`
	resp, cart := env.writeCart(t, body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]int{"1": 2, "2": 1}, cart.Snapshot,
		"numeric strings tolerated, junk and unknown products dropped")
}

func TestWriteCart_InvalidBody(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.writeCart(t, `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetCart_RoundTripBySession(t *testing.T) {
	env := newTestEnv(t)

	_, written := env.writeCart(t, `{"items":[{"id":1,"quantity":3}],"sessionId":"sess-fixed"}`, nil)
	assert.Equal(t, "sess-fixed", written.SessionID, "body session id wins")

	resp, err := http.Get(env.server.URL + "/api/v1/cart?sessionId=sess-fixed")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cart cartResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cart))
	assert.Equal(t, map[string]int{"1": 3}, cart.Snapshot)
	assert.InDelta(t, 110, cart.Total, 0.001)
}

func TestGetCart_NoIdentity(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/api/v1/cart")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetCart_UnknownSessionIsEmptyCart(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/api/v1/cart?sessionId=ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cart cartResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cart))
	assert.Empty(t, cart.Items)
	assert.Empty(t, cart.Snapshot)
	assert.Zero(t, cart.Total)
}

func TestMergeCart_RequiresAuthentication(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/v1/cart/merge",
		strings.NewReader(`{"sessionId":"sess-1"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMergeCart_CombinesGuestAndUser(t *testing.T) {
	env := newTestEnv(t)

	// Guest session builds a cart, the user already had one saved.
	_, _ = env.writeCart(t, `{"items":[{"id":1,"quantity":2}],"sessionId":"sess-g"}`, nil)
	_, _ = env.writeCart(t, `{"items":[{"id":1,"quantity":1},{"id":2,"quantity":1}]}`,
		map[string]string{"X-User-ID": "user-1"})

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/v1/cart/merge",
		strings.NewReader(`{"sessionId":"sess-g"}`))
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "user-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cart cartResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cart))
	assert.Equal(t, map[string]int{"1": 3, "2": 1}, cart.Snapshot)
}

func TestEvents_NoChannel(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/api/v1/cart/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEvents_StreamsReadyThenUpdates(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		env.server.URL+"/api/v1/cart/events?sessionId=sess-1", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	reader := bufio.NewReader(resp.Body)
	readEventType := func() string {
		for {
			line, errRead := reader.ReadString('\n')
			require.NoError(t, errRead)
			if strings.HasPrefix(line, "event: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "event: "))
			}
		}
	}

	assert.Equal(t, notifier.EventCartReady, readEventType(), "stream opens with cart_ready")

	// A write on the same session must show up on the stream.
	go http.Post(env.server.URL+"/api/v1/cart", "application/json",
		strings.NewReader(`{"items":[{"id":1,"quantity":1}],"sessionId":"sess-1","clientId":"tab-b"}`))
	assert.Equal(t, notifier.EventCartUpdated, readEventType())
}

func TestSweepEndpoints_RejectWithoutSecret(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/v1/sweeps/abandoned", "/api/v1/sweeps/reminders"} {
		resp, err := http.Post(env.server.URL+path, "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)

		req, err := http.NewRequest(http.MethodPost, env.server.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("X-Sweep-Secret", "wrong")
		resp, err = http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)
	}
}

func TestSweepAbandoned_MarksAndSendsFirstReminder(t *testing.T) {
	env := newTestEnv(t)

	_, _ = env.writeCart(t,
		`{"items":[{"id":1,"quantity":2}],"sessionId":"sess-1","customer":{"name":"Rina","email":"rina@example.com"}}`, nil)

	// Run the sweep as if two hours have passed since that write.
	env.clock.advance(2 * time.Hour)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/v1/sweeps/abandoned", nil)
	require.NoError(t, err)
	req.Header.Set("X-Sweep-Secret", testSweepSecret)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out abandonSweepResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 1, out.Marked)
	assert.Equal(t, 1, out.FirstSent, "freshly-marked cart gets its first nudge in the same pass")
	assert.Zero(t, out.SecondSent)
	assert.Zero(t, out.FinalSent)

	env.sender.mu.Lock()
	defer env.sender.mu.Unlock()
	require.Len(t, env.sender.sent, 1)
	assert.Equal(t, "rina@example.com", env.sender.sent[0].To)
}

func TestSweepAbandoned_CronHeaderIsTrusted(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/v1/sweeps/abandoned", nil)
	require.NoError(t, err)
	req.Header.Set("X-Appengine-Cron", "true")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSweepAbandoned_InvalidTTL(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodPost,
		env.server.URL+"/api/v1/sweeps/abandoned?ttlMinutes=soon", nil)
	require.NoError(t, err)
	req.Header.Set("X-Sweep-Secret", testSweepSecret)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSweepReminders_ReportsStages(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/v1/sweeps/reminders", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testSweepSecret)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string][]sweep.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out["stages"], 3)
	for i, stage := range out["stages"] {
		assert.Equal(t, i+1, stage.Stage)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ok")
}
