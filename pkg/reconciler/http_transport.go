package reconciler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// HTTPTransport talks to the cart sync API: JSON POST for pushes and a
// server-sent-events stream for change notifications.
type HTTPTransport struct {
	baseURL    string
	httpClient *http.Client
	header     http.Header // extra headers, e.g. auth
}

func NewHTTPTransport(baseURL string, httpClient *http.Client, header http.Header) *HTTPTransport {
	if httpClient == nil {
		// No global timeout: the transport also serves long-lived event
		// streams. Push/fetch deadlines come from the caller's context.
		httpClient = &http.Client{}
	}
	return &HTTPTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		header:     header,
	}
}

type wireCart struct {
	Snapshot  map[string]int `json:"snapshot"`
	SessionID string         `json:"sessionId"`
}

func (t *HTTPTransport) decorate(req *http.Request) {
	for name, values := range t.header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
}

func toServerState(wire wireCart) ServerState {
	snapshot := make(map[int64]int, len(wire.Snapshot))
	for key, qty := range wire.Snapshot {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		snapshot[id] = qty
	}
	return ServerState{Snapshot: snapshot, SessionID: wire.SessionID}
}

func (t *HTTPTransport) Push(ctx context.Context, pushReq PushRequest) (ServerState, error) {
	payload, err := json.Marshal(pushReq)
	if err != nil {
		return ServerState{}, fmt.Errorf("marshal push failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/v1/cart", bytes.NewReader(payload))
	if err != nil {
		return ServerState{}, fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	t.decorate(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return ServerState{}, fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ServerState{}, fmt.Errorf("push returned status %d", resp.StatusCode)
	}

	var wire wireCart
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return ServerState{}, fmt.Errorf("failed to decode push response: %w", err)
	}
	return toServerState(wire), nil
}

func (t *HTTPTransport) Fetch(ctx context.Context, sessionID string) (ServerState, error) {
	u := t.baseURL + "/api/v1/cart?sessionId=" + url.QueryEscape(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ServerState{}, fmt.Errorf("failed to build fetch request: %w", err)
	}
	t.decorate(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return ServerState{}, fmt.Errorf("fetch request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ServerState{}, fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}

	var wire wireCart
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return ServerState{}, fmt.Errorf("failed to decode fetch response: %w", err)
	}
	return toServerState(wire), nil
}

func (t *HTTPTransport) Subscribe(ctx context.Context, sessionID string) (<-chan RemoteEvent, error) {
	u := t.baseURL + "/api/v1/cart/events?sessionId=" + url.QueryEscape(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build subscribe request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	t.decorate(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subscribe request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("subscribe returned status %d", resp.StatusCode)
	}

	events := make(chan RemoteEvent, 8)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		var data strings.Builder
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if data.Len() > 0 {
					var ev RemoteEvent
					if err := json.Unmarshal([]byte(data.String()), &ev); err == nil {
						select {
						case events <- ev:
						case <-ctx.Done():
							return
						}
					}
					data.Reset()
				}
			case strings.HasPrefix(line, "data:"):
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			}
			// event: lines are redundant; the type rides in the payload.
		}
	}()

	return events, nil
}
