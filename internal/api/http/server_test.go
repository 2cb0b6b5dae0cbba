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
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/livepoll/livepoll/internal/application/coordinator"
	appPoll "github.com/livepoll/livepoll/internal/application/poll"
	appSession "github.com/livepoll/livepoll/internal/application/session"
	"github.com/livepoll/livepoll/internal/domain/notification"
	"github.com/livepoll/livepoll/internal/infrastructure/memory"
	"github.com/livepoll/livepoll/internal/infrastructure/metrics"
	"github.com/livepoll/livepoll/internal/infrastructure/sse"
)

const testPresenterKey = "open-sesame"

type testEnv struct {
	server   *httptest.Server
	registry *appSession.Registry
	hub      *sse.Hub
}

func newTestEnv(t *testing.T, presenterKeyHash []byte) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	logger := zerolog.Nop()

	polls := appPoll.NewService(memory.NewPollStore(), m, logger)
	registry := appSession.NewRegistry(m, logger)
	hub := sse.NewHub(m, logger)
	coord := coordinator.New(polls, registry, hub, m, logger)

	api := NewServer(coord, polls, registry, hub, NewIdentity(presenterKeyHash),
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Options{SSEBuffer: 16, HeartbeatInterval: time.Hour}, logger)
	server := httptest.NewServer(api.Router())
	t.Cleanup(func() {
		hub.Stop()
		server.Close()
		coord.Close()
	})
	return &testEnv{server: server, registry: registry, hub: hub}
}

// connect opens an event stream for each connection and waits until the hub
// has registered it.
func (e *testEnv) connect(t *testing.T, ids ...string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for _, id := range ids {
		openStream(t, ctx, e, id)
		require.Eventually(t, func() bool { return e.hub.GetClient(id) != nil }, time.Second, 5*time.Millisecond)
	}
}

type apiResponse struct {
	status int
	body   map[string]interface{}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) apiResponse {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := apiResponse{status: resp.StatusCode}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out.body), string(raw))
	}
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "ok", resp.body["status"])
}

func TestPollFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	env.connect(t, "p1", "s1")

	resp := env.do(t, http.MethodPost, "/v1/connections/p1/presenter", nil, nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Nil(t, resp.body["poll"])

	resp = env.do(t, http.MethodPost, "/v1/connections/s1/participant", nil, map[string]string{headerParticipantName: "ann"})
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, false, resp.body["hasVoted"])

	resp = env.do(t, http.MethodPost, "/v1/connections/p1/polls", map[string]interface{}{
		"question":        "Coffee or tea?",
		"options":         []string{"Coffee", "Tea"},
		"durationSeconds": 30,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.status)
	assert.EqualValues(t, 30, resp.body["remainingSeconds"])
	pollID := resp.body["poll"].(map[string]interface{})["id"].(string)

	resp = env.do(t, http.MethodPost, "/v1/connections/s1/polls/"+pollID+"/votes", map[string]interface{}{"optionIndex": 1}, nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.EqualValues(t, 1, resp.body["poll"].(map[string]interface{})["totalVotes"])

	resp = env.do(t, http.MethodPost, "/v1/connections/s1/polls/"+pollID+"/votes", map[string]interface{}{"optionIndex": 0}, nil)
	assert.Equal(t, http.StatusConflict, resp.status)
	assert.Equal(t, coordinator.CodeDuplicateVote, resp.body["error"])

	resp = env.do(t, http.MethodGet, "/v1/polls/"+pollID+"/votes/ann", nil, nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, true, resp.body["hasVoted"])

	resp = env.do(t, http.MethodGet, "/v1/polls/active", nil, map[string]string{headerParticipantName: "ann"})
	require.Equal(t, http.StatusOK, resp.status)
	assert.NotNil(t, resp.body["poll"])
	assert.Equal(t, true, resp.body["hasVoted"])

	resp = env.do(t, http.MethodPost, "/v1/connections/s1/resync", map[string]string{"name": "ann"}, nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, true, resp.body["hasVoted"])

	resp = env.do(t, http.MethodPost, "/v1/connections/p1/polls/"+pollID+"/end", nil, nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "ENDED", resp.body["poll"].(map[string]interface{})["status"])

	resp = env.do(t, http.MethodPost, "/v1/connections/p1/polls/"+pollID+"/end", nil, nil)
	require.Equal(t, http.StatusOK, resp.status)

	resp = env.do(t, http.MethodGet, "/v1/polls/active", nil, nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Nil(t, resp.body["poll"])

	resp = env.do(t, http.MethodGet, "/v1/polls/history?limit=5", nil, nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Len(t, resp.body["polls"], 1)

	resp = env.do(t, http.MethodGet, "/v1/connections/p1/history", nil, nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Len(t, resp.body["polls"], 1)

	resp = env.do(t, http.MethodGet, "/v1/participants", nil, nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.EqualValues(t, 1, resp.body["count"])
}

func TestIntentErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	env.connect(t, "s1", "p1")

	resp := env.do(t, http.MethodPost, "/v1/connections/s1/participant", map[string]string{"name": "ann"}, nil)
	require.Equal(t, http.StatusOK, resp.status)

	resp = env.do(t, http.MethodPost, "/v1/connections/s1/polls", map[string]interface{}{
		"question": "Q", "options": []string{"A", "B"},
	}, nil)
	assert.Equal(t, http.StatusForbidden, resp.status)
	assert.Equal(t, coordinator.CodeForbidden, resp.body["error"])

	resp = env.do(t, http.MethodPost, "/v1/connections/p1/presenter", nil, nil)
	require.Equal(t, http.StatusOK, resp.status)

	resp = env.do(t, http.MethodPost, "/v1/connections/p1/polls", map[string]interface{}{
		"question": "Q", "options": []string{"only one"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.status)
	assert.Equal(t, coordinator.CodeValidation, resp.body["error"])

	resp = env.do(t, http.MethodPost, "/v1/connections/p1/polls", map[string]interface{}{
		"question": "Q", "options": []string{"A", "B"}, "unknown": true,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.status)

	resp = env.do(t, http.MethodPost, "/v1/connections/s1/polls/not-a-uuid/votes", map[string]int{"optionIndex": 0}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.status)

	resp = env.do(t, http.MethodPost, "/v1/connections/s1/polls/8c0f9a8e-4a51-4f7e-9a53-0c1b6c5a7d11/votes", map[string]int{"optionIndex": 0}, nil)
	assert.Equal(t, http.StatusNotFound, resp.status)
	assert.Equal(t, coordinator.CodeNotFound, resp.body["error"])

	resp = env.do(t, http.MethodPost, "/v1/connections/p1/polls", map[string]interface{}{
		"question": "Q", "options": []string{"A", "B"},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.status)
	pollID := resp.body["poll"].(map[string]interface{})["id"].(string)

	resp = env.do(t, http.MethodPost, "/v1/connections/s1/polls/"+pollID+"/votes", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.status)

	resp = env.do(t, http.MethodPost, "/v1/connections/p1/polls", map[string]interface{}{
		"question": "Q2", "options": []string{"A", "B"},
	}, nil)
	assert.Equal(t, http.StatusConflict, resp.status)
	assert.Equal(t, coordinator.CodeConflict, resp.body["error"])
}

func TestPresenterKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte(testPresenterKey), bcrypt.MinCost)
	require.NoError(t, err)
	env := newTestEnv(t, hash)
	env.connect(t, "p1")

	resp := env.do(t, http.MethodPost, "/v1/connections/p1/presenter", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.status)
	resp = env.do(t, http.MethodPost, "/v1/connections/p1/presenter", nil, map[string]string{headerPresenterKey: "wrong"})
	assert.Equal(t, http.StatusForbidden, resp.status)
	assert.False(t, env.registry.IsPresenter("p1"))

	resp = env.do(t, http.MethodPost, "/v1/connections/p1/presenter", nil, map[string]string{headerPresenterKey: testPresenterKey})
	assert.Equal(t, http.StatusOK, resp.status)
	assert.True(t, env.registry.IsPresenter("p1"))

	resp = env.do(t, http.MethodGet, "/v1/participants", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.status)
}

func TestHashPresenterKey(t *testing.T) {
	hash, err := HashPresenterKey(testPresenterKey)
	require.NoError(t, err)
	id := NewIdentity([]byte(hash))
	assert.False(t, id.Open())
	assert.True(t, id.VerifyPresenterKey(testPresenterKey))
	assert.False(t, id.VerifyPresenterKey(""))
	assert.True(t, NewIdentity(nil).VerifyPresenterKey(""))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.connect(t, "p1")
	env.do(t, http.MethodPost, "/v1/connections/p1/presenter", nil, nil)

	resp, err := http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "livepoll_presenters 1")
}

type sseEvent struct {
	event string
	data  string
}

func openStream(t *testing.T, ctx context.Context, env *testEnv, clientID string) <-chan sseEvent {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/v1/stream?client_id="+clientID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan sseEvent, 16)
	go func() {
		defer resp.Body.Close()
		defer close(events)
		reader := bufio.NewReader(resp.Body)
		var cur sseEvent
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				cur.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.data = strings.TrimPrefix(line, "data: ")
			case line == "" && cur.event != "":
				select {
				case events <- cur:
				case <-ctx.Done():
					return
				}
				cur = sseEvent{}
			}
		}
	}()
	return events
}

func waitEvent(t *testing.T, events <-chan sseEvent, name string) sseEvent {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream closed before %s", name)
			if ev.event == name {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", name)
		}
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	presenter := openStream(t, ctx, env, "p1")
	require.Eventually(t, func() bool { return env.hub.GetClient("p1") != nil }, time.Second, 5*time.Millisecond)
	env.do(t, http.MethodPost, "/v1/connections/p1/presenter", nil, nil)
	waitEvent(t, presenter, coordinator.EventPollState)

	participantCtx, closeParticipant := context.WithCancel(ctx)
	participant := openStream(t, participantCtx, env, "s1")
	require.Eventually(t, func() bool { return env.hub.GetClient("s1") != nil }, time.Second, 5*time.Millisecond)
	env.do(t, http.MethodPost, "/v1/connections/s1/participant", map[string]string{"name": "ann"}, nil)

	joined := waitEvent(t, presenter, coordinator.EventParticipantJoined)
	assert.JSONEq(t, `{"name":"ann","totalParticipants":1}`, joined.data)
	waitEvent(t, participant, coordinator.EventPollState)

	resp := env.do(t, http.MethodPost, "/v1/connections/p1/polls", map[string]interface{}{
		"question": "Q", "options": []string{"A", "B"}, "durationSeconds": 30,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.status)
	waitEvent(t, presenter, coordinator.EventPollStarted)
	waitEvent(t, participant, coordinator.EventPollStarted)

	closeParticipant()
	left := waitEvent(t, presenter, coordinator.EventParticipantLeft)
	assert.JSONEq(t, `{"name":"ann","totalParticipants":0}`, left.data)
	assert.Equal(t, 0, env.registry.ParticipantCount())
}

func TestRegistrationRequiresStream(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/v1/connections/s1/participant", map[string]string{"name": "ann"}, nil)
	assert.Equal(t, http.StatusConflict, resp.status)
	assert.Equal(t, codeNotConnected, resp.body["error"])

	resp = env.do(t, http.MethodPost, "/v1/connections/p1/presenter", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.status)
	assert.Equal(t, codeNotConnected, resp.body["error"])

	assert.Zero(t, env.registry.ParticipantCount())
	assert.False(t, env.registry.IsPresenter("p1"))

	env.connect(t, "s1")
	resp = env.do(t, http.MethodPost, "/v1/connections/s1/participant", map[string]string{"name": "ann"}, nil)
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, 1, env.registry.ParticipantCount())
}

// departingHub reports every connection as gone after the first lookup.
type departingHub struct {
	*sse.Hub
	lookups atomic.Int32
}

func (h *departingHub) GetClient(clientID string) *notification.SSEClient {
	if h.lookups.Add(1) > 1 {
		return nil
	}
	return h.Hub.GetClient(clientID)
}

func TestRegistrationDroppedWhenStreamCloses(t *testing.T) {
	m := metrics.New(nil)
	logger := zerolog.Nop()
	polls := appPoll.NewService(memory.NewPollStore(), m, logger)
	registry := appSession.NewRegistry(m, logger)
	hub := sse.NewHub(m, logger)
	coord := coordinator.New(polls, registry, hub, m, logger)
	t.Cleanup(func() {
		hub.Stop()
		coord.Close()
	})
	hub.Register(notification.NewSSEClient("p1", 16))
	hub.Register(notification.NewSSEClient("s1", 16))

	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "presenter", path: "/v1/connections/p1/presenter"},
		{name: "participant", path: "/v1/connections/s1/participant", body: `{"name":"ann"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := NewServer(coord, polls, registry, &departingHub{Hub: hub}, nil, nil,
				Options{HeartbeatInterval: time.Hour}, logger)
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			api.Router().ServeHTTP(rec, req)

			assert.Equal(t, http.StatusConflict, rec.Code)
			assert.Contains(t, rec.Body.String(), codeNotConnected)
			assert.False(t, registry.IsPresenter("p1"))
			assert.Zero(t, registry.ParticipantCount())
		})
	}
}
