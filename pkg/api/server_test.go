package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volute/volute/pkg/client"
	"github.com/volute/volute/pkg/registry"
	"github.com/volute/volute/pkg/routing"
	"github.com/volute/volute/pkg/sleep"
	"github.com/volute/volute/pkg/types"
)

const testToken = "test-token"

type fakeMinds struct {
	mu      sync.Mutex
	running map[string]bool
	ports   map[string]int
	calls   []string
}

func newFakeMinds() *fakeMinds {
	return &fakeMinds{running: map[string]bool{}, ports: map[string]int{}}
}

func (f *fakeMinds) record(op, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+":"+name)
}

func (f *fakeMinds) StartMind(_ context.Context, name string) error {
	f.record("start", name)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[name] = true
	return nil
}

func (f *fakeMinds) StopMind(_ context.Context, name string) error {
	f.record("stop", name)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[name] = false
	return nil
}

func (f *fakeMinds) RestartMind(_ context.Context, name string) error {
	f.record("restart", name)
	return nil
}

func (f *fakeMinds) IsRunning(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[name]
}

func (f *fakeMinds) Port(name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.ports[name]
	if !ok {
		return 0, fmt.Errorf("mind %s not running", name)
	}
	return p, nil
}

type fakeDelivery struct {
	mu        sync.Mutex
	messages  []*types.Message
	forgotten []string
	decision  routing.Decision
	err       error
}

func (f *fakeDelivery) RouteAndDeliver(_ context.Context, mind string, msg *types.Message) (routing.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return f.decision, f.err
}

func (f *fakeDelivery) ForgetMind(mind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, mind)
}

type fakeConnectors struct {
	mu         sync.Mutex
	configured map[string][]string
	stopped    []string
}

func newFakeConnectors() *fakeConnectors {
	return &fakeConnectors{configured: map[string][]string{}}
}

func (f *fakeConnectors) AddConnector(mind, _, kind string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configured[mind] = append(f.configured[mind], kind)
	return nil
}

func (f *fakeConnectors) RemoveConnector(mind, kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.configured[mind][:0]
	for _, k := range f.configured[mind] {
		if k != kind {
			kept = append(kept, k)
		}
	}
	f.configured[mind] = kept
	return nil
}

func (f *fakeConnectors) StopMindConnectors(mind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, mind)
}

func (f *fakeConnectors) Configured(mind string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.configured[mind]...)
}

func (f *fakeConnectors) Running(mind string) []string { return f.Configured(mind) }

type fakeSleep struct {
	mu         sync.Mutex
	sleeping   map[string]bool
	registered []string
	slept      []string
	woken      []string
}

func newFakeSleep() *fakeSleep { return &fakeSleep{sleeping: map[string]bool{}} }

func (f *fakeSleep) State(mind string) types.SleepState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.SleepState{Sleeping: f.sleeping[mind], QueuedMessageCount: 2}
}

func (f *fakeSleep) IsSleeping(mind string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sleeping[mind]
}

func (f *fakeSleep) InitiateSleep(_ context.Context, mind string, _ sleep.Options) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slept = append(f.slept, mind)
}

func (f *fakeSleep) InitiateWake(_ context.Context, mind string, _ sleep.Options) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.woken = append(f.woken, mind)
}

func (f *fakeSleep) Register(mind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, mind)
}

func (f *fakeSleep) Unregister(string) {}

type apiFixture struct {
	server     *Server
	registry   *registry.Registry
	minds      *fakeMinds
	delivery   *fakeDelivery
	connectors *fakeConnectors
	sleep      *fakeSleep
	home       types.Home
}

func newFixture(t *testing.T) *apiFixture {
	t.Helper()
	home := types.Home{Root: t.TempDir()}
	reg, err := registry.Open(home, 42000, 42100)
	require.NoError(t, err)

	f := &apiFixture{
		registry:   reg,
		minds:      newFakeMinds(),
		delivery:   &fakeDelivery{decision: routing.Decision{Routed: true, Session: "main"}},
		connectors: newFakeConnectors(),
		sleep:      newFakeSleep(),
		home:       home,
	}
	f.server = NewServer(Deps{
		Home:       home,
		Registry:   reg,
		Minds:      f.minds,
		Delivery:   f.delivery,
		Connectors: f.connectors,
		Sleep:      f.sleep,
		Client:     client.New(),
		Token:      testToken,
	})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"malformed", testToken, http.StatusUnauthorized},
		{"valid", "Bearer " + testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/minds", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			f.server.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestHealthzUnauthenticated(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsUnauthenticated(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestCreateListGetMind(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/minds", map[string]string{"name": "aria"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[mindStatus](t, rec)
	assert.Equal(t, "aria", created.Name)
	assert.Equal(t, string(types.MindStageSeed), created.Stage)
	assert.NotZero(t, created.Port)
	assert.Contains(t, f.sleep.registered, "aria")

	rec = f.do(t, http.MethodGet, "/api/minds", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string][]mindStatus](t, rec)
	require.Len(t, list["minds"], 1)

	rec = f.do(t, http.MethodGet, "/api/minds/aria", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/minds/nobody", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateMindValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/minds", map[string]string{"name": "Bad Name!"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/minds", map[string]string{"name": "aria"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/minds", map[string]string{"name": "aria"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteMindStopsEverything(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/minds", map[string]string{"name": "aria"})
	_, err := f.registry.AddVariant("aria", "poet")
	require.NoError(t, err)
	f.minds.running["aria"] = true

	rec := f.do(t, http.MethodDelete, "/api/minds/aria", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Contains(t, f.minds.calls, "stop:aria")
	assert.Contains(t, f.minds.calls, "stop:aria@poet")
	assert.Contains(t, f.connectors.stopped, "aria")
	assert.Contains(t, f.delivery.forgotten, "aria")
	_, ok := f.registry.Get("aria")
	assert.False(t, ok)
}

func TestMessageEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/minds", map[string]string{"name": "aria"})

	rec := f.do(t, http.MethodPost, "/api/minds/aria/message", types.Message{
		Content: []types.ContentPart{types.TextPart("hello")},
		Channel: "discord:123",
		Sender:  "alice",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[map[string]any](t, rec)
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, "main", resp["session"])
	require.Len(t, f.delivery.messages, 1)
	assert.Equal(t, "alice", f.delivery.messages[0].Sender)
}

func TestMessageEndpointValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/minds/aria/message", map[string]string{"channel": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/minds/aria/message", types.Message{
		Content: []types.ContentPart{types.TextPart("hi")},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessageEndpointDeliveryError(t *testing.T) {
	f := newFixture(t)
	f.delivery.err = fmt.Errorf("mind on port 42000 unreachable")

	rec := f.do(t, http.MethodPost, "/api/minds/aria/message", types.Message{
		Content: []types.ContentPart{types.TextPart("hi")},
		Channel: "discord:123",
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestLifecycleEndpoints(t *testing.T) {
	f := newFixture(t)

	for _, op := range []string{"start", "stop", "restart"} {
		rec := f.do(t, http.MethodPost, "/api/minds/aria/"+op, nil)
		require.Equal(t, http.StatusOK, rec.Code, op)
		assert.Contains(t, f.minds.calls, op+":aria")
	}
}

func TestTypingPassthrough(t *testing.T) {
	f := newFixture(t)

	var got []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/typing" {
			got, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	f.minds.ports["aria"] = port

	rec := f.do(t, http.MethodPost, "/api/minds/aria/typing", map[string]string{"channel": "discord:123"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(got), "discord:123")

	rec = f.do(t, http.MethodPost, "/api/minds/ghost/typing", map[string]string{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConnectorEndpoints(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/minds", map[string]string{"name": "aria"})

	rec := f.do(t, http.MethodPost, "/api/minds/aria/connectors/discord", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"discord"}, f.connectors.Configured("aria"))

	rec = f.do(t, http.MethodDelete, "/api/minds/aria/connectors/discord", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.connectors.Configured("aria"))

	rec = f.do(t, http.MethodPost, "/api/minds/ghost/connectors/discord", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVariantEndpoints(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/minds", map[string]string{"name": "aria"})

	rec := f.do(t, http.MethodPost, "/api/minds/aria/variants", map[string]string{"name": "poet"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/minds/aria/variants", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string][]map[string]any](t, rec)
	require.Len(t, list["variants"], 1)
	assert.Equal(t, "poet", list["variants"][0]["name"])

	// Removal stops a running variant before dropping the record.
	f.minds.running["aria@poet"] = true
	rec = f.do(t, http.MethodDelete, "/api/minds/aria/variants/poet", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, f.minds.calls, "stop:aria@poet")
	assert.Contains(t, f.delivery.forgotten, "aria@poet")
	assert.Empty(t, f.registry.ListVariants("aria"))
}

func TestSleepEndpoints(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/minds", map[string]string{"name": "aria"})
	f.sleep.sleeping["aria"] = true

	rec := f.do(t, http.MethodGet, "/api/minds/aria/sleep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode[types.SleepState](t, rec)
	assert.True(t, state.Sleeping)
	assert.Equal(t, 2, state.QueuedMessageCount)

	rec = f.do(t, http.MethodPost, "/api/minds/aria/sleep", map[string]string{"until": "2026-03-01T10:00:00Z"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/minds/aria/sleep", map[string]string{"until": "not-a-time"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/minds/aria/wake", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestLogStream(t *testing.T) {
	f := newFixture(t)
	logPath := f.home.DaemonLogFile()
	require.NoError(t, os.MkdirAll(filepath.Dir(logPath), 0o755))
	require.NoError(t, os.WriteFile(logPath, []byte("line one\nline two\n"), 0o644))

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/system/logs", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if line != "\n" {
				return line
			}
		}
	}
	assert.Equal(t, "data: line one\n", readEvent())
	assert.Equal(t, "data: line two\n", readEvent())
}

func TestLogStreamFollowsRotation(t *testing.T) {
	f := newFixture(t)
	logPath := f.home.DaemonLogFile()
	require.NoError(t, os.MkdirAll(filepath.Dir(logPath), 0o755))
	require.NoError(t, os.WriteFile(logPath, []byte("line one\nline two\n"), 0o644))

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/system/logs", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if line != "\n" {
				return line
			}
		}
	}
	assert.Equal(t, "data: line one\n", readEvent())
	assert.Equal(t, "data: line two\n", readEvent())

	// Rotate the way logrotate does: rename aside, start a fresh file.
	require.NoError(t, os.Rename(logPath, logPath+".1"))
	require.NoError(t, os.WriteFile(logPath, []byte("after rotation\n"), 0o644))

	lines := make(chan string, 1)
	go func() { lines <- readEvent() }()
	select {
	case line := <-lines:
		assert.Equal(t, "data: after rotation\n", line)
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not follow the rotated file")
	}
}

func TestMetricsMiddlewareRecordsRoute(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/minds", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json"))
}
