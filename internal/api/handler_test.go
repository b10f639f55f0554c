package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/config"
	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/counsel"
	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/identity"
	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/knowledge"
	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/store"
	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/turnlog"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()

	Error(w, http.StatusBadRequest, "nope")

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["error"] != "nope" {
		t.Errorf("Expected error=nope, got %v", got["error"])
	}
}

type scriptedCompleter struct {
	replies []string
}

func (c *scriptedCompleter) Complete(_ context.Context, _ []counsel.Message) (string, error) {
	reply := c.replies[0]
	if len(c.replies) > 1 {
		c.replies = c.replies[1:]
	}
	return reply, nil
}

type captureLogger struct {
	mu     sync.Mutex
	events []turnlog.Event
}

func (c *captureLogger) Log(ev turnlog.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureLogger) Close() error { return nil }

func (c *captureLogger) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Kind)
	}
	return out
}

const handlerTestKnowledge = `{
	"slot_schema": {
		"sleep_rhythm": {"values": ["regular", "reversed"]}
	}
}`

func newTestServer(t *testing.T, llm counsel.Completer) *httptest.Server {
	t.Helper()
	return newTestServerWith(t, llm, turnlog.Noop(), 100)
}

func newTestServerWith(t *testing.T, llm counsel.Completer, tlog turnlog.Logger, rateLimit int) *httptest.Server {
	t.Helper()
	dir := t.TempDir()

	knowledgePath := filepath.Join(dir, "knowledge_base.json")
	if err := os.WriteFile(knowledgePath, []byte(handlerTestKnowledge), 0o644); err != nil {
		t.Fatalf("write knowledge fixture: %v", err)
	}
	doc, err := knowledge.Load(knowledgePath)
	if err != nil {
		t.Fatalf("load knowledge fixture: %v", err)
	}

	repo, err := store.NewSQLite(filepath.Join(dir, "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	cfg := &config.Config{
		FrontendURL: "http://localhost:5173",
		RateLimit: config.RateLimitConfig{
			RequestsPerWindow: rateLimit,
			WindowDuration:    time.Minute,
		},
	}
	orch := counsel.NewOrchestrator(doc, llm, repo)
	h := NewHandler(repo, orch, identity.NewGate("secret"), identity.NewAuthenticator(repo), tlog, cfg)

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar failed: %v", err)
	}
	return &http.Client{Jar: jar}
}

func postJSON(t *testing.T, client *http.Client, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return out
}

func TestGateBlocksUngatedRequests(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &scriptedCompleter{})
	client := newTestClient(t)

	resp := postJSON(t, client, srv.URL+"/api/auth/signup", map[string]string{
		"email": "a@example.com", "password": "password1",
	})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 before the gate, got %d", resp.StatusCode)
	}
}

func TestAccessWrongPassword(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &scriptedCompleter{})
	client := newTestClient(t)

	resp := postJSON(t, client, srv.URL+"/api/access", map[string]string{"password": "wrong"})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for a wrong gate password, got %d", resp.StatusCode)
	}
}

func TestFullChatFlow(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &scriptedCompleter{replies: []string{
		`{"phase":"phase_2","slots_update":{"sleep_rhythm":"reversed"},"questions":[],"selected_action_card_ids":[],"response":"take it one step at a time"}`,
	}})
	client := newTestClient(t)

	resp := postJSON(t, client, srv.URL+"/api/access", map[string]string{"password": "secret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("gate unlock failed: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = postJSON(t, client, srv.URL+"/api/auth/signup", map[string]string{
		"email": "a@example.com", "password": "password1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup failed: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = postJSON(t, client, srv.URL+"/api/auth/login", map[string]string{
		"email": "a@example.com", "password": "password1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login failed: %d", resp.StatusCode)
	}
	login := decodeBody(t, resp)
	if login["phase"] != "" {
		t.Errorf("fresh session should have no established phase, got %v", login["phase"])
	}

	resp = postJSON(t, client, srv.URL+"/api/chat", map[string]string{"message": "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat failed: %d", resp.StatusCode)
	}
	chat := decodeBody(t, resp)
	if chat["response"] != "take it one step at a time" {
		t.Errorf("unexpected chat response: %v", chat["response"])
	}
	if chat["phase"] != "phase_2" {
		t.Errorf("unexpected chat phase: %v", chat["phase"])
	}

	resp2, err := client.Get(srv.URL + "/api/session")
	if err != nil {
		t.Fatalf("GET /api/session failed: %v", err)
	}
	session := decodeBody(t, resp2)
	if session["phase"] != "phase_2" {
		t.Errorf("session should report the established phase, got %v", session["phase"])
	}
	history, ok := session["history"].([]any)
	if !ok || len(history) != 1 {
		t.Errorf("expected one history turn, got %v", session["history"])
	}
	if session["busy"] != false {
		t.Errorf("session should be idle, got %v", session["busy"])
	}

	resp3, err := client.Get(srv.URL + "/api/history/dates")
	if err != nil {
		t.Fatalf("GET /api/history/dates failed: %v", err)
	}
	dates := decodeBody(t, resp3)
	if list, ok := dates["dates"].([]any); !ok || len(list) != 1 {
		t.Errorf("expected one chat date, got %v", dates["dates"])
	}

	resp4, err := client.Get(srv.URL + "/api/history?date=" + time.Now().Format("2006-01-02"))
	if err != nil {
		t.Fatalf("GET /api/history failed: %v", err)
	}
	hist := decodeBody(t, resp4)
	if rows, ok := hist["rows"].([]any); !ok || len(rows) != 1 {
		t.Errorf("expected one history row, got %v", hist["rows"])
	}

	resp = postJSON(t, client, srv.URL+"/api/auth/logout", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout failed: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = postJSON(t, client, srv.URL+"/api/chat", map[string]string{"message": "still there?"})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("chat after logout should be 401, got %d", resp.StatusCode)
	}
}

// gateAndLogin walks a fresh client through gate, signup, and login.
func gateAndLogin(t *testing.T, client *http.Client, baseURL string) {
	t.Helper()
	for _, step := range []struct {
		path string
		body map[string]string
	}{
		{"/api/access", map[string]string{"password": "secret"}},
		{"/api/auth/signup", map[string]string{"email": "a@example.com", "password": "password1"}},
		{"/api/auth/login", map[string]string{"email": "a@example.com", "password": "password1"}},
	} {
		resp := postJSON(t, client, baseURL+step.path, step.body)
		if resp.StatusCode >= 300 {
			t.Fatalf("%s failed: %d", step.path, resp.StatusCode)
		}
		_ = resp.Body.Close()
	}
}

func TestChatLogsParseFallbackKind(t *testing.T) {
	t.Parallel()

	tlog := &captureLogger{}
	srv := newTestServerWith(t, &scriptedCompleter{replies: []string{
		`Here you go:
{"phase":"phase_1","slots_update":{},"questions":[],"selected_action_card_ids":[],"response":"ok"}`,
	}}, tlog, 100)
	client := newTestClient(t)
	gateAndLogin(t, client, srv.URL)

	resp := postJSON(t, client, srv.URL+"/api/chat", map[string]string{"message": "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat failed: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	kinds := tlog.kinds()
	want := []string{"user_message", "parse_fallback"}
	if len(kinds) != len(want) {
		t.Fatalf("expected kinds %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kinds[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}
}

type blockingCompleter struct {
	release chan struct{}
	reply   string
	mu      sync.Mutex
	started bool
}

// Complete blocks the first call until release is closed; later calls
// return immediately.
func (c *blockingCompleter) Complete(_ context.Context, _ []counsel.Message) (string, error) {
	c.mu.Lock()
	first := !c.started
	c.started = true
	c.mu.Unlock()
	if first {
		<-c.release
	}
	return c.reply, nil
}

func TestInFlightTurnDoesNotConsumeRateBudget(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	llm := &blockingCompleter{
		release: release,
		reply:   `{"phase":"phase_1","slots_update":{},"questions":[],"selected_action_card_ids":[],"response":"ok"}`,
	}
	srv := newTestServerWith(t, llm, turnlog.Noop(), 2)
	client := newTestClient(t)
	gateAndLogin(t, client, srv.URL)

	firstDone := make(chan int, 1)
	go func() {
		data, _ := json.Marshal(map[string]string{"message": "one"})
		resp, err := client.Post(srv.URL+"/api/chat", "application/json", bytes.NewReader(data))
		if err != nil {
			firstDone <- 0
			return
		}
		_ = resp.Body.Close()
		firstDone <- resp.StatusCode
	}()

	// Wait until the first turn is visibly in flight.
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := client.Get(srv.URL + "/api/session")
		if err != nil {
			t.Fatalf("GET /api/session failed: %v", err)
		}
		session := decodeBody(t, resp)
		if session["busy"] == true {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("turn never became busy")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp := postJSON(t, client, srv.URL+"/api/chat", map[string]string{"message": "two"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 while the turn is in flight, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	close(release)
	if status := <-firstDone; status != http.StatusOK {
		t.Fatalf("first turn should succeed after release, got %d", status)
	}

	// The rejected request must not have counted: with a budget of two,
	// a second real turn still fits.
	resp = postJSON(t, client, srv.URL+"/api/chat", map[string]string{"message": "three"})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("second real turn should be within budget, got %d", resp.StatusCode)
	}
}

func TestChatRequiresMessage(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &scriptedCompleter{})
	client := newTestClient(t)

	resp := postJSON(t, client, srv.URL+"/api/access", map[string]string{"password": "secret"})
	_ = resp.Body.Close()
	resp = postJSON(t, client, srv.URL+"/api/auth/signup", map[string]string{
		"email": "a@example.com", "password": "password1",
	})
	_ = resp.Body.Close()
	resp = postJSON(t, client, srv.URL+"/api/auth/login", map[string]string{
		"email": "a@example.com", "password": "password1",
	})
	_ = resp.Body.Close()

	resp = postJSON(t, client, srv.URL+"/api/chat", map[string]string{"message": "   "})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for a blank message, got %d", resp.StatusCode)
	}
}

func TestHistoryRejectsBadDate(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &scriptedCompleter{})
	client := newTestClient(t)

	resp := postJSON(t, client, srv.URL+"/api/access", map[string]string{"password": "secret"})
	_ = resp.Body.Close()
	resp = postJSON(t, client, srv.URL+"/api/auth/signup", map[string]string{
		"email": "a@example.com", "password": "password1",
	})
	_ = resp.Body.Close()
	resp = postJSON(t, client, srv.URL+"/api/auth/login", map[string]string{
		"email": "a@example.com", "password": "password1",
	})
	_ = resp.Body.Close()

	resp2, err := client.Get(srv.URL + "/api/history?date=31-08-2026")
	if err != nil {
		t.Fatalf("GET /api/history failed: %v", err)
	}
	defer func() { _ = resp2.Body.Close() }()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for a malformed date, got %d", resp2.StatusCode)
	}
}
