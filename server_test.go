package comfyd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/pslog"
)

const testEnginePromptID = "prompt-1"

// testWorkflowJSON is a minimal text-to-image graph: prompt text on node 6,
// sampler seed on node 3, images saved by node 9.
const testWorkflowJSON = `{
  "3": {"class_type": "KSampler", "inputs": {"seed": 0, "steps": 20}},
  "6": {"class_type": "CLIPTextEncode", "inputs": {"text": ""}},
  "9": {"class_type": "SaveImage", "inputs": {"filename_prefix": "ComfyUI"}}
}`

type enginePrompt struct {
	Graph    map[string]any
	ClientID string
}

// fakeComfyUI stands in for an engine instance: it accepts enqueue requests,
// hands the event websocket to the test so it can script job lifecycles,
// serves artifacts from /view, and records interrupts.
type fakeComfyUI struct {
	srv *httptest.Server

	upgrader websocket.Upgrader

	mu            sync.Mutex
	enqueueStatus int
	enqueueBody   string
	viewStatus    int
	viewBody      []byte

	conns      chan *websocket.Conn
	prompts    chan enginePrompt
	interrupts chan struct{}
}

func newFakeComfyUI(t *testing.T) *fakeComfyUI {
	t.Helper()
	f := &fakeComfyUI{
		enqueueStatus: http.StatusOK,
		viewStatus:    http.StatusOK,
		viewBody:      []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a},
		conns:         make(chan *websocket.Conn, 4),
		prompts:       make(chan enginePrompt, 4),
		interrupts:    make(chan struct{}, 4),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", f.handlePrompt)
	mux.HandleFunc("/history/", f.handleHistory)
	mux.HandleFunc("/interrupt", f.handleInterrupt)
	mux.HandleFunc("/view", f.handleView)
	mux.HandleFunc("/ws", f.handleWS)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeComfyUI) setEnqueueFailure(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueueStatus = status
	f.enqueueBody = body
}

func (f *fakeComfyUI) setViewFailure(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewStatus = status
}

func (f *fakeComfyUI) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt   map[string]any `json:"prompt"`
		ClientID string         `json:"client_id"`
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	status, body := f.enqueueStatus, f.enqueueBody
	f.mu.Unlock()
	if status != http.StatusOK {
		http.Error(w, body, status)
		return
	}
	f.prompts <- enginePrompt{Graph: req.Prompt, ClientID: req.ClientID}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"prompt_id":%q,"number":1}`, testEnginePromptID)
}

func (f *fakeComfyUI) handleHistory(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, "{}")
}

func (f *fakeComfyUI) handleInterrupt(w http.ResponseWriter, _ *http.Request) {
	f.interrupts <- struct{}{}
	w.WriteHeader(http.StatusOK)
}

func (f *fakeComfyUI) handleView(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	status, body := f.viewStatus, f.viewBody
	f.mu.Unlock()
	if status != http.StatusOK {
		http.Error(w, "artifact unavailable", status)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(body)
}

func (f *fakeComfyUI) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.conns <- conn
}

func (f *fakeComfyUI) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("engine saw no websocket connection")
		return nil
	}
}

func (f *fakeComfyUI) waitPrompt(t *testing.T) enginePrompt {
	t.Helper()
	select {
	case p := <-f.prompts:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("engine saw no enqueue request")
		return enginePrompt{}
	}
}

func (f *fakeComfyUI) waitInterrupt(t *testing.T) {
	t.Helper()
	select {
	case <-f.interrupts:
	case <-time.After(5 * time.Second):
		t.Fatal("engine saw no interrupt request")
	}
}

func (f *fakeComfyUI) expectNoPrompt(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case <-f.prompts:
		t.Fatal("engine saw an unexpected enqueue request")
	case <-time.After(within):
	}
}

func (f *fakeComfyUI) expectNoInterrupt(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case <-f.interrupts:
		t.Fatal("engine saw an unexpected interrupt request")
	case <-time.After(within):
	}
}

func sendEngineEvent(t *testing.T, conn *websocket.Conn, typ, data string) {
	t.Helper()
	frame := fmt.Sprintf(`{"type":%q,"data":%s}`, typ, data)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write %s event: %v", typ, err)
	}
}

// completeJob scripts the engine delivering one finished image over conn.
func completeJob(t *testing.T, conn *websocket.Conn, filename string) {
	t.Helper()
	sendEngineEvent(t, conn, "executed", fmt.Sprintf(
		`{"node":"9","prompt_id":%q,"output":{"images":[{"filename":%q,"subfolder":"","type":"output"}]}}`,
		testEnginePromptID, filename))
	sendEngineEvent(t, conn, "executing", fmt.Sprintf(`{"node":null,"prompt_id":%q}`, testEnginePromptID))
}

func writeWorkflowFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.json")
	if err := os.WriteFile(path, []byte(testWorkflowJSON), 0o600); err != nil {
		t.Fatalf("write workflow template: %v", err)
	}
	return path
}

type gatewayHarness struct {
	s      *server
	http   *httptest.Server
	engine *fakeComfyUI
}

func newGatewayHarness(t *testing.T, mutate func(*Config)) *gatewayHarness {
	t.Helper()
	engine := newFakeComfyUI(t)
	cfg := Config{
		EngineURL:    engine.srv.URL,
		WorkflowPath: writeWorkflowFile(t),
		PromptNode:   "6",
		SeedNode:     "3",
		OutputNode:   "9",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(NewServerRequest{
		Config: cfg,
		Logger: pslog.NewStructured(io.Discard),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	s := srv.(*server)
	ts := httptest.NewServer(s.buildMux())
	t.Cleanup(func() {
		ts.Close()
		s.close()
	})
	return &gatewayHarness{s: s, http: ts, engine: engine}
}

type sseEvent struct {
	name string
	data string
}

func streamSSE(resp *http.Response) <-chan sseEvent {
	events := make(chan sseEvent, 16)
	go func() {
		defer close(events)
		r := bufio.NewReader(resp.Body)
		var ev sseEvent
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				if ev.name != "" || ev.data != "" {
					events <- ev
					ev = sseEvent{}
				}
				continue
			}
			switch {
			case strings.HasPrefix(line, "event:"):
				ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				if ev.data != "" {
					ev.data += "\n"
				}
				ev.data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
	}()
	return events
}

func waitSSEEvent(t *testing.T, events <-chan sseEvent, name string) sseEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("push channel closed before %q event", name)
			}
			if name == "" || ev.name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %q event within deadline", name)
		}
	}
}

func (h *gatewayHarness) openSSE(t *testing.T) (<-chan sseEvent, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.http.URL+h.s.cfg.SSEPath, nil)
	if err != nil {
		cancel()
		t.Fatalf("new push request: %v", err)
	}
	resp, err := h.http.Client().Do(req)
	if err != nil {
		cancel()
		t.Fatalf("open push channel: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		t.Fatalf("push channel status = %d, want 200", resp.StatusCode)
	}
	closeFn := func() {
		cancel()
		_ = resp.Body.Close()
	}
	t.Cleanup(closeFn)
	return streamSSE(resp), closeFn
}

func (h *gatewayHarness) postMessage(t *testing.T, endpoint, body string) *http.Response {
	t.Helper()
	resp, err := h.http.Client().Post(h.http.URL+endpoint, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post side channel: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	h := newGatewayHarness(t, nil)
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := h.http.Client().Get(h.http.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestPushChannelRejectsNonGet(t *testing.T) {
	t.Parallel()
	h := newGatewayHarness(t, nil)
	resp := h.postMessage(t, h.s.cfg.SSEPath, "{}")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST %s status = %d, want 405", h.s.cfg.SSEPath, resp.StatusCode)
	}
}

func TestSideChannelRejectsNonPost(t *testing.T) {
	t.Parallel()
	h := newGatewayHarness(t, nil)
	resp, err := h.http.Client().Get(h.http.URL + h.s.cfg.MessagesPath)
	if err != nil {
		t.Fatalf("GET %s: %v", h.s.cfg.MessagesPath, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET %s status = %d, want 405", h.s.cfg.MessagesPath, resp.StatusCode)
	}
}

func TestSideChannelRequiresSessionID(t *testing.T) {
	t.Parallel()
	h := newGatewayHarness(t, nil)
	resp := h.postMessage(t, h.s.cfg.MessagesPath, "{}")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if !strings.Contains(payload["error"], "sessionId") {
		t.Fatalf("error = %q, want mention of sessionId", payload["error"])
	}
}

func TestSideChannelUnknownSessionDoesNoWork(t *testing.T) {
	t.Parallel()
	h := newGatewayHarness(t, nil)
	resp := h.postMessage(t, h.s.cfg.MessagesPath+"?sessionId=no-such-session",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload["error"] != "unknown session" {
		t.Fatalf("error = %q, want %q", payload["error"], "unknown session")
	}
	h.engine.expectNoPrompt(t, 150*time.Millisecond)
}

func TestPushChannelAdvertisesSessionEndpoint(t *testing.T) {
	t.Parallel()
	h := newGatewayHarness(t, nil)
	events, closeFn := h.openSSE(t)

	ev := waitSSEEvent(t, events, "endpoint")
	endpoint, err := url.Parse(ev.data)
	if err != nil {
		t.Fatalf("parse endpoint %q: %v", ev.data, err)
	}
	if endpoint.Path != h.s.cfg.MessagesPath {
		t.Fatalf("endpoint path = %q, want %q", endpoint.Path, h.s.cfg.MessagesPath)
	}
	id := endpoint.Query().Get("sessionId")
	if id == "" {
		t.Fatalf("endpoint %q carries no sessionId", ev.data)
	}
	waitFor(t, "session bind", func() bool {
		_, ok := h.s.sessions.Lookup(id)
		return ok
	})
	if n := h.s.sessions.Len(); n != 1 {
		t.Fatalf("registry holds %d sessions, want 1", n)
	}

	closeFn()
	waitFor(t, "session teardown", func() bool { return h.s.sessions.Len() == 0 })
}

func TestPushChannelServesInitializeRoundTrip(t *testing.T) {
	t.Parallel()
	h := newGatewayHarness(t, nil)
	events, _ := h.openSSE(t)

	ev := waitSSEEvent(t, events, "endpoint")
	resp := h.postMessage(t, ev.data,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"probe","version":"0.0.1"}}}`)
	if resp.StatusCode >= http.StatusMultipleChoices {
		t.Fatalf("initialize POST status = %d, want 2xx", resp.StatusCode)
	}

	msg := waitSSEEvent(t, events, "message")
	if !strings.Contains(msg.data, `"serverInfo"`) {
		t.Fatalf("push channel reply %q carries no serverInfo", msg.data)
	}
	if !strings.Contains(msg.data, "comfyd") {
		t.Fatalf("push channel reply %q does not identify comfyd", msg.data)
	}
}

func TestDrainingRegistryRefusesNewPushChannels(t *testing.T) {
	t.Parallel()
	h := newGatewayHarness(t, nil)
	h.s.sessions.Close()

	resp, err := h.http.Client().Get(h.http.URL + h.s.cfg.SSEPath)
	if err != nil {
		t.Fatalf("GET %s: %v", h.s.cfg.SSEPath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "shutting down") {
		t.Fatalf("body %q does not explain the refusal", string(body))
	}
}

func TestNewServerRejectsBrokenTemplate(t *testing.T) {
	t.Parallel()
	engine := newFakeComfyUI(t)
	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte(`{"6": {"inputs": {}}}`), 0o600); err != nil {
		t.Fatalf("write template: %v", err)
	}
	_, err := NewServer(NewServerRequest{
		Config: Config{
			EngineURL:    engine.srv.URL,
			WorkflowPath: path,
			PromptNode:   "6",
			SeedNode:     "3",
			OutputNode:   "9",
		},
		Logger: pslog.NewStructured(io.Discard),
	})
	if err == nil {
		t.Fatal("NewServer accepted a template missing the bound inputs")
	}
	if !strings.Contains(err.Error(), path) {
		t.Fatalf("error %q does not name the template path", err)
	}
}

func TestServerInstructionsNameWorkflowAndTool(t *testing.T) {
	t.Parallel()
	instructions := serverInstructions(Config{
		WorkflowPath: "/srv/workflows/sdxl.json",
		ToolName:     "generate_image",
	})
	if !strings.Contains(instructions, "sdxl.json") {
		t.Fatalf("instructions %q do not name the workflow", instructions)
	}
	if !strings.Contains(instructions, "generate_image") {
		t.Fatalf("instructions %q do not name the tool", instructions)
	}
}
