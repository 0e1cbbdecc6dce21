package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-command/pilotd/internal/backend"
	"github.com/agent-command/pilotd/internal/broker"
	"github.com/agent-command/pilotd/internal/config"
	"github.com/agent-command/pilotd/internal/lifecycle"
	"github.com/agent-command/pilotd/internal/mux"
	"github.com/agent-command/pilotd/internal/registry"
	"github.com/agent-command/pilotd/internal/target"
)

type fakeBackend struct {
	mu      sync.Mutex
	frame   string
	paneCmd string
	panes   map[string][]backend.Pane
	inputs  []string
	keys    [][]string
	resizes []string
	execs   [][]string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		frame:   "$ ready",
		paneCmd: "bash",
		panes:   make(map[string][]backend.Pane),
	}
}

func (f *fakeBackend) MachineID() string { return "local" }

func (f *fakeBackend) Create(ctx context.Context, session, workDir, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.panes[session]; ok {
		return backend.ErrAlreadyExists
	}
	f.panes[session] = []backend.Pane{{Index: 0, CurrentCommand: f.paneCmd, Active: true}}
	return nil
}

func (f *fakeBackend) HasSession(ctx context.Context, session string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.panes[session]
	return ok, nil
}

func (f *fakeBackend) ListSessions(ctx context.Context) ([]backend.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []backend.SessionInfo
	for name := range f.panes {
		out = append(out, backend.SessionInfo{Name: name})
	}
	return out, nil
}

func (f *fakeBackend) ListPanes(ctx context.Context, session string) ([]backend.Pane, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	panes, ok := f.panes[session]
	if !ok {
		return nil, backend.ErrNotFound
	}
	out := make([]backend.Pane, len(panes))
	copy(out, panes)
	return out, nil
}

func (f *fakeBackend) SendInput(ctx context.Context, session string, pane int, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, fmt.Sprintf("%s:%d:%s", session, pane, data))
	return nil
}

func (f *fakeBackend) SendKeys(ctx context.Context, session string, pane int, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := append([]string{session}, keys...)
	f.keys = append(f.keys, rec)
	return nil
}

func (f *fakeBackend) CaptureSnapshot(ctx context.Context, session string, pane, lines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frame, nil
}

func (f *fakeBackend) AttachStream(ctx context.Context, session string) (*backend.Stream, error) {
	return nil, fmt.Errorf("no pty in tests")
}

func (f *fakeBackend) Resize(ctx context.Context, session string, cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, fmt.Sprintf("%s:%dx%d", session, cols, rows))
	return nil
}

func (f *fakeBackend) SplitPane(ctx context.Context, session, workDir, command string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	panes, ok := f.panes[session]
	if !ok {
		return 0, backend.ErrNotFound
	}
	index := len(panes)
	f.panes[session] = append(panes, backend.Pane{Index: index, CurrentCommand: command})
	return index, nil
}

func (f *fakeBackend) KillPane(ctx context.Context, session string, pane int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	panes, ok := f.panes[session]
	if !ok {
		return backend.ErrNotFound
	}
	kept := panes[:0]
	for _, p := range panes {
		if p.Index != pane {
			kept = append(kept, p)
		}
	}
	f.panes[session] = kept
	return nil
}

func (f *fakeBackend) Kill(ctx context.Context, session string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.panes[session]; !ok {
		return backend.ErrNotFound
	}
	delete(f.panes, session)
	return nil
}

func (f *fakeBackend) Exec(ctx context.Context, dir string, argv ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, argv)
	return "", nil
}

func (f *fakeBackend) setFrame(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frame = s
}

func (f *fakeBackend) sentKeys() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.keys))
	copy(out, f.keys)
	return out
}

func (f *fakeBackend) sentInputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.inputs))
	copy(out, f.inputs)
	return out
}

func (f *fakeBackend) sentResizes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.resizes))
	copy(out, f.resizes)
	return out
}

type daemon struct {
	ts  *httptest.Server
	fb  *fakeBackend
	brk *broker.Broker
}

func newTestDaemon(t *testing.T) *daemon {
	t.Helper()
	fb := newFakeBackend()

	cfg := config.DefaultConfig()
	cfg.Tmux.MonitorIntervalMs = 10
	cfg.Tmux.CaptureTimeoutMs = 500
	cfg.Sessions.KillGraceMs = 50
	cfg.Sessions.WorktreesRoot = "/wt"
	cfg.Broker.DeadlineMs = 2000
	cfg.Server.AdvertiseURL = "http://127.0.0.1:7601"

	dial := func(machineID string) (backend.Backend, error) { return fb, nil }
	reg := registry.New(t.TempDir(), cfg.Sessions.Prefix)
	m := mux.New(&cfg.Tmux, &cfg.Server, dial, cfg.Sessions.Prefix)
	brk := broker.New(&cfg.Broker, PermissionFanout{Mux: m}, PaneKeys{Dial: dial, Prefix: cfg.Sessions.Prefix})
	life := lifecycle.New(cfg, reg, nil, dial)
	life.SetDetacher(m)

	srv := New(cfg, reg, m, brk, life, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &daemon{ts: ts, fb: fb, brk: brk}
}

func (d *daemon) tryPost(path string, body any) (*http.Response, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}
	return http.Post(d.ts.URL+path, "application/json", &buf)
}

func (d *daemon) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	resp, err := d.tryPost(path, body)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (d *daemon) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, d.ts.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHealthz(t *testing.T) {
	d := newTestDaemon(t)

	resp := d.do(t, http.MethodGet, "/healthz")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	d := newTestDaemon(t)

	resp := d.post(t, "/v1/sessions", map[string]string{"target": "api"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var created struct {
		Target string `json:"target"`
		Kind   string `json:"kind"`
	}
	decodeBody(t, resp, &created)
	if created.Target != "api" {
		t.Errorf("created target = %q, want %q", created.Target, "api")
	}
	if created.Kind != string(registry.KindConfirm) {
		t.Errorf("created kind = %q, want %q", created.Kind, registry.KindConfirm)
	}

	resp = d.post(t, "/v1/sessions", map[string]string{"target": "api"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create status = %d, want 409", resp.StatusCode)
	}

	resp = d.do(t, http.MethodGet, "/v1/sessions")
	var listed []struct {
		Target string `json:"target"`
	}
	decodeBody(t, resp, &listed)
	if len(listed) != 1 || listed[0].Target != "api" {
		t.Fatalf("list = %+v, want one entry for api", listed)
	}

	resp = d.do(t, http.MethodDelete, "/v1/sessions/api")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	resp = d.do(t, http.MethodDelete, "/v1/sessions/api")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateRejectsBadRequests(t *testing.T) {
	d := newTestDaemon(t)

	resp := d.post(t, "/v1/sessions", map[string]string{"target": "a/b/c"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed target status = %d, want 400", resp.StatusCode)
	}

	resp = d.post(t, "/v1/sessions", map[string]string{"target": "api", "kind": "bogus"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad kind status = %d, want 400", resp.StatusCode)
	}
}

func TestWorktreeIdentifierInPath(t *testing.T) {
	d := newTestDaemon(t)

	resp := d.post(t, "/v1/sessions", map[string]string{"target": "api/feature", "repo": "/repo"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}

	resp = d.do(t, http.MethodDelete, "/v1/sessions/"+url.PathEscape("api/feature"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
}

func TestPaneEndpoints(t *testing.T) {
	d := newTestDaemon(t)

	resp := d.post(t, "/v1/sessions", map[string]string{"target": "api"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}

	resp = d.do(t, http.MethodGet, "/v1/sessions/api/panes")
	var panes []backend.Pane
	decodeBody(t, resp, &panes)
	if len(panes) != 1 || panes[0].Index != 0 {
		t.Fatalf("panes = %+v, want single pane 0", panes)
	}

	resp = d.post(t, "/v1/sessions/api/panes", map[string]string{"command": "htop"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("split status = %d, want 201", resp.StatusCode)
	}
	var split struct {
		Index int `json:"index"`
	}
	decodeBody(t, resp, &split)
	if split.Index != 1 {
		t.Errorf("split index = %d, want 1", split.Index)
	}

	resp = d.do(t, http.MethodDelete, "/v1/sessions/api/panes/0")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("kill pane 0 status = %d, want 400", resp.StatusCode)
	}

	resp = d.do(t, http.MethodDelete, "/v1/sessions/api/panes/1")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("kill pane 1 status = %d, want 204", resp.StatusCode)
	}

	resp = d.post(t, "/v1/sessions/api/input", map[string]any{"pane": 0, "data": "ls\r"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("input status = %d, want 204", resp.StatusCode)
	}
	inputs := d.fb.sentInputs()
	if len(inputs) == 0 || inputs[len(inputs)-1] != "pilot-api:0:ls\r" {
		t.Errorf("inputs = %v, want pilot-api:0:ls\\r last", inputs)
	}
}

func TestPermissionFlowOverHTTP(t *testing.T) {
	d := newTestDaemon(t)

	resp := d.post(t, "/v1/sessions", map[string]string{"target": "api"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}

	type guardResult struct {
		status int
		dec    broker.Decision
	}
	resultCh := make(chan guardResult, 1)
	go func() {
		resp, err := d.tryPost("/v1/permissions", map[string]any{
			"session":   "api",
			"operation": "run_shell",
			"payload":   map[string]string{"command": "make deploy"},
		})
		if err != nil {
			resultCh <- guardResult{status: -1}
			return
		}
		var dec broker.Decision
		json.NewDecoder(resp.Body).Decode(&dec)
		resp.Body.Close()
		resultCh <- guardResult{status: resp.StatusCode, dec: dec}
	}()

	id := target.Identifier{Name: "api"}
	var requestID string
	waitFor(t, "pending request", func() bool {
		pending := d.brk.Pending(id)
		if len(pending) == 0 {
			return false
		}
		requestID = pending[0].ID
		return true
	})

	resp = d.post(t, "/v1/permissions/"+requestID+"/decision",
		map[string]string{"resolution": "allow", "decided_by": "operator"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("decision status = %d, want 204", resp.StatusCode)
	}

	select {
	case res := <-resultCh:
		if res.status != http.StatusOK {
			t.Fatalf("guard status = %d, want 200", res.status)
		}
		if res.dec.Resolution != broker.ResolutionAllow {
			t.Errorf("guard resolution = %q, want allow", res.dec.Resolution)
		}
		if res.dec.DecidedBy != "operator" {
			t.Errorf("decided_by = %q, want operator", res.dec.DecidedBy)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("guard request did not unblock")
	}

	// The allow keystrokes land in the agent pane.
	waitFor(t, "keystroke replay", func() bool {
		for _, rec := range d.fb.sentKeys() {
			if len(rec) == 3 && rec[0] == "pilot-api" && rec[1] == "y" && rec[2] == "Enter" {
				return true
			}
		}
		return false
	})

	resp = d.post(t, "/v1/permissions/"+requestID+"/decision",
		map[string]string{"resolution": "deny"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("late decision status = %d, want 409", resp.StatusCode)
	}
}

func TestPermissionUnknownSession(t *testing.T) {
	d := newTestDaemon(t)

	resp := d.post(t, "/v1/permissions", map[string]any{
		"session":   "ghost",
		"operation": "run_shell",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func (d *daemon) dialWS(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(d.ts.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string) envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		env := readEnvelope(t, conn)
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("no %q envelope before deadline", typ)
	return envelope{}
}

func TestMonitorWebsocket(t *testing.T) {
	d := newTestDaemon(t)

	resp := d.post(t, "/v1/sessions", map[string]string{"target": "api"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}

	conn := d.dialWS(t, "/v1/sessions/api/ws?mode=monitor")

	env := readUntilType(t, conn, "snapshot")
	var snap snapshotPayload
	if err := json.Unmarshal(env.Payload, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Session != "api" || snap.Text != "$ ready" {
		t.Errorf("snapshot = %+v, want session api text %q", snap, "$ ready")
	}

	// A changed frame reaches the same connection.
	d.fb.setFrame("$ make deploy")
	env = readUntilType(t, conn, "snapshot")
	if err := json.Unmarshal(env.Payload, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Text != "$ make deploy" {
		t.Errorf("snapshot text = %q, want %q", snap.Text, "$ make deploy")
	}

	// Resize requests reach the backend window.
	payload, _ := json.Marshal(inboundPayload{Cols: 100, Rows: 30})
	if err := conn.WriteJSON(envelope{Type: "resize", Payload: payload}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "resize", func() bool {
		for _, rec := range d.fb.sentResizes() {
			if rec == "pilot-api:100x30" {
				return true
			}
		}
		return false
	})
}

func TestPermissionDecisionOverWebsocket(t *testing.T) {
	d := newTestDaemon(t)

	resp := d.post(t, "/v1/sessions", map[string]string{"target": "api"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}

	conn := d.dialWS(t, "/v1/sessions/api/ws?mode=monitor")
	readUntilType(t, conn, "snapshot")

	decCh := make(chan broker.Decision, 1)
	go func() {
		resp, err := d.tryPost("/v1/permissions", map[string]any{
			"session":   "api",
			"operation": "run_shell",
			"payload":   map[string]string{"command": "rm -rf build"},
		})
		if err != nil {
			decCh <- broker.Decision{}
			return
		}
		var dec broker.Decision
		json.NewDecoder(resp.Body).Decode(&dec)
		resp.Body.Close()
		decCh <- dec
	}()

	env := readUntilType(t, conn, "permission")
	var ev broker.Event
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		t.Fatalf("decode permission event: %v", err)
	}
	if ev.Kind != "requested" || ev.Request.Operation != "run_shell" {
		t.Fatalf("event = %+v, want requested run_shell", ev)
	}

	payload, _ := json.Marshal(inboundPayload{RequestID: ev.Request.ID, Resolution: "deny"})
	if err := conn.WriteJSON(envelope{Type: "decision", Payload: payload}); err != nil {
		t.Fatal(err)
	}

	env = readUntilType(t, conn, "permission")
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		t.Fatalf("decode permission event: %v", err)
	}
	if ev.Kind != "resolved" || ev.Decision == nil || ev.Decision.Resolution != broker.ResolutionDeny {
		t.Fatalf("event = %+v, want resolved deny", ev)
	}
	if ev.Decision.Reason != broker.ReasonDeniedByUser {
		t.Errorf("reason = %q, want %q", ev.Decision.Reason, broker.ReasonDeniedByUser)
	}

	select {
	case dec := <-decCh:
		if dec.Resolution != broker.ResolutionDeny {
			t.Errorf("guard resolution = %q, want deny", dec.Resolution)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("guard request did not unblock")
	}
}

func TestTerminalAttachRejectedWithoutPty(t *testing.T) {
	d := newTestDaemon(t)

	resp := d.post(t, "/v1/sessions", map[string]string{"target": "api"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}

	conn := d.dialWS(t, "/v1/sessions/api/ws?mode=terminal")
	env := readEnvelope(t, conn)
	if env.Type != "error" {
		t.Fatalf("envelope type = %q, want error", env.Type)
	}
}

func TestWebsocketUnknownSession(t *testing.T) {
	d := newTestDaemon(t)

	wsURL := "ws" + strings.TrimPrefix(d.ts.URL, "http") + "/v1/sessions/ghost/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial succeeded for unknown session")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("handshake response = %+v, want 404", resp)
	}
	resp.Body.Close()
}
