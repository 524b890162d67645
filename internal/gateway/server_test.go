package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ccmate/internal/config"
	"ccmate/internal/events"
)

func testConfig(providers []config.Provider, currentID string) *config.ManagedModeConfig {
	cfg := config.Default()
	cfg.Enabled = true
	cfg.Providers = providers
	cfg.CurrentProviderID = currentID
	return cfg
}

func newGateway(t *testing.T, cfg *config.ManagedModeConfig) *httptest.Server {
	t.Helper()
	srv := New(cfg, Options{Version: "test"})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func decodeEnvelope(t *testing.T, resp *http.Response) errorEnvelope {
	t.Helper()
	defer resp.Body.Close()
	var env errorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Type != "error" {
		t.Fatalf("envelope type=%q", env.Type)
	}
	return env
}

func TestHealth(t *testing.T) {
	t.Parallel()

	ts := newGateway(t, testConfig(nil, ""))
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("body=%v", body)
	}
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()

	ts := newGateway(t, testConfig(nil, ""))
	resp, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	if env.Error.Type != errTypeNotFound {
		t.Fatalf("error type=%q", env.Error.Type)
	}
}

func TestMessages_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	ts := newGateway(t, testConfig(nil, ""))
	resp, err := http.Get(ts.URL + "/v1/messages")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	decodeEnvelope(t, resp)
}

func TestMessages_AuthRequired(t *testing.T) {
	t.Parallel()

	cfg := testConfig(nil, "")
	cfg.AccessToken = "secret"
	ts := newGateway(t, cfg)

	resp, err := http.Post(ts.URL+"/v1/messages", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	if env.Error.Type != errTypeAuthentication {
		t.Fatalf("error type=%q", env.Error.Type)
	}

	// A correct token gets past auth (and then fails on provider selection).
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/messages", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer secret")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode == http.StatusUnauthorized {
		t.Fatalf("valid token rejected")
	}
}

func TestMessages_NoProviderSelected(t *testing.T) {
	t.Parallel()

	upstreamHit := false
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHit = true
	}))
	defer backend.Close()

	cfg := testConfig([]config.Provider{{
		ID: "p1", Name: "main", Type: config.ProviderTypeAnthropic,
		APIBaseURL: backend.URL, APIKey: "k", Enabled: true,
	}}, "")
	ts := newGateway(t, cfg)

	resp, err := http.Post(ts.URL+"/v1/messages", "application/json", strings.NewReader(`{"model":"m","messages":[]}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	if env.Error.Type != errTypeAPI || !strings.Contains(env.Error.Message, "no provider selected") {
		t.Fatalf("env=%+v", env)
	}
	if upstreamHit {
		t.Fatalf("gateway must not fall back to an upstream")
	}
}

func TestMessages_DisabledProviderNamed(t *testing.T) {
	t.Parallel()

	cfg := testConfig([]config.Provider{{
		ID: "p1", Name: "sleepy", Type: config.ProviderTypeAnthropic,
		APIBaseURL: "https://example.invalid", APIKey: "k", Enabled: false,
	}}, "p1")
	ts := newGateway(t, cfg)

	resp, err := http.Post(ts.URL+"/v1/messages", "application/json", strings.NewReader(`{"model":"m","messages":[]}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	if !strings.Contains(env.Error.Message, "sleepy") {
		t.Fatalf("message must name the provider: %q", env.Error.Message)
	}
}

func TestMessages_UpstreamErrorPassthrough(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer backend.Close()

	cfg := testConfig([]config.Provider{{
		ID: "p1", Name: "main", Type: config.ProviderTypeAnthropic,
		APIBaseURL: backend.URL, APIKey: "k", Enabled: true,
	}}, "p1")
	ts := newGateway(t, cfg)

	resp, err := http.Post(ts.URL+"/v1/messages", "application/json", strings.NewReader(`{"model":"m","messages":[]}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if resp.Header.Get("X-Upstream") != "yes" {
		t.Fatalf("upstream headers not forwarded")
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"error":{"type":"rate_limit_error","message":"slow down"}}` {
		t.Fatalf("body not verbatim: %s", body)
	}
}

func TestMessages_OpenAINonStreaming(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path=%q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-up" {
			t.Errorf("auth=%q", r.Header.Get("Authorization"))
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"model":"gpt-4o"`) {
			t.Errorf("model not rewritten upstream: %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"chatcmpl_1","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"hey"},"finish_reason":"stop"}],"usage":{"prompt_tokens":2,"completion_tokens":1}}`)
	}))
	defer backend.Close()

	cfg := testConfig([]config.Provider{{
		ID: "p1", Name: "router", Type: config.ProviderTypeOpenRouter,
		APIBaseURL: backend.URL, APIKey: "sk-up", Enabled: true,
		Models: []config.ModelMapping{{Name: "gpt-4o", Alias: "claude-3-5-sonnet"}},
	}}, "p1")
	ts := newGateway(t, cfg)

	resp, err := http.Post(ts.URL+"/v1/messages", "application/json",
		strings.NewReader(`{"model":"claude-3-5-sonnet","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["type"] != "message" {
		t.Fatalf("out=%v", out)
	}
	// The client sees its own alias, not the upstream model name.
	if out["model"] != "claude-3-5-sonnet" {
		t.Fatalf("model=%v", out["model"])
	}
	content, _ := out["content"].([]any)
	block, _ := content[0].(map[string]any)
	if block["text"] != "hey" {
		t.Fatalf("content=%v", content)
	}
}

func TestMessages_OpenAIStreaming(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`data: {"id":"c","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"he"},"finish_reason":null}]}` + "\n\n",
			`data: {"id":"c","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"y"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":2}}` + "\n\n",
			"data: [DONE]\n\n",
		}
		for _, chunk := range chunks {
			io.WriteString(w, chunk)
			flusher.Flush()
		}
	}))
	defer backend.Close()

	cfg := testConfig([]config.Provider{{
		ID: "p1", Name: "router", Type: config.ProviderTypeOpenRouter,
		APIBaseURL: backend.URL, APIKey: "sk-up", Enabled: true,
	}}, "p1")
	ts := newGateway(t, cfg)

	resp, err := http.Post(ts.URL+"/v1/messages", "application/json",
		strings.NewReader(`{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("content-type=%q", ct)
	}

	body, _ := io.ReadAll(resp.Body)
	got := string(body)
	for _, want := range []string{
		"event: message_start",
		`"text":"he"`,
		`"text":"y"`,
		"event: message_delta",
		"event: message_stop",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in stream:\n%s", want, got)
		}
	}
}

func TestMessages_ClientCancelAbortsUpstream(t *testing.T) {
	t.Parallel()

	upstreamGone := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"id":"c","model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":"x"},"finish_reason":null}]}`+"\n\n")
		flusher.Flush()
		<-r.Context().Done()
		close(upstreamGone)
	}))
	defer backend.Close()

	cfg := testConfig([]config.Provider{{
		ID: "p1", Name: "router", Type: config.ProviderTypeOpenRouter,
		APIBaseURL: backend.URL, APIKey: "k", Enabled: true,
	}}, "p1")
	ts := newGateway(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/v1/messages",
		strings.NewReader(`{"model":"m","stream":true,"messages":[]}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	// Read the first event, then hang up.
	reader := bufio.NewReader(resp.Body)
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("read: %v", err)
	}
	cancel()
	resp.Body.Close()

	select {
	case <-upstreamGone:
	case <-time.After(5 * time.Second):
		t.Fatalf("upstream request not aborted after client disconnect")
	}
}

func TestMessages_ConcurrentRequestsShareOneProvider(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"m","stop_reason":"end_turn","content":[{"type":"text","text":"ok"}],"usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer backend.Close()

	bus := events.NewBus()
	cfg := testConfig([]config.Provider{{
		ID: "p1", Name: "main", Type: config.ProviderTypeAnthropic,
		APIBaseURL: backend.URL, APIKey: "k", Enabled: true,
	}}, "p1")
	srv := New(cfg, Options{Version: "test", Bus: bus})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	logCh, cancelSub := bus.Subscribe(128)
	defer cancelSub()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(ts.URL+"/v1/messages", "application/json",
				strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"text":"ok"`) {
				errs <- fmt.Errorf("status=%d body=%s", resp.StatusCode, body)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent request failed: %v", err)
	}

	// Every request published a log event.
	seen := 0
	timeout := time.After(2 * time.Second)
	for seen < n {
		select {
		case ev := <-logCh:
			if ev.Type == events.TypeRequestLog {
				seen++
			}
		case <-timeout:
			t.Fatalf("request_log events: got %d want %d", seen, n)
		}
	}
}

// recordingBackend captures every API key an upstream sees.
type recordingBackend struct {
	mu   sync.Mutex
	keys map[string]int
}

func (b *recordingBackend) saw(key string) {
	b.mu.Lock()
	b.keys[key]++
	b.mu.Unlock()
}

func (b *recordingBackend) snapshot() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.keys))
	for k, v := range b.keys {
		out[k] = v
	}
	return out
}

func TestMessages_TwoProvidersStayIsolated(t *testing.T) {
	t.Parallel()

	newBackend := func(reply string) (*httptest.Server, *recordingBackend) {
		rec := &recordingBackend{keys: map[string]int{}}
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec.saw(r.Header.Get("x-api-key"))
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"id":"msg_1","type":"message","role":"assistant","model":"m","stop_reason":"end_turn","content":[{"type":"text","text":%q}],"usage":{"input_tokens":1,"output_tokens":1}}`, reply)
		}))
		return ts, rec
	}

	alphaUp, alphaRec := newBackend("from-alpha")
	defer alphaUp.Close()
	betaUp, betaRec := newBackend("from-beta")
	defer betaUp.Close()

	alpha := newGateway(t, testConfig([]config.Provider{{
		ID: "pa", Name: "alpha", Type: config.ProviderTypeAnthropic,
		APIBaseURL: alphaUp.URL, APIKey: "sk-alpha", Enabled: true,
	}}, "pa"))
	beta := newGateway(t, testConfig([]config.Provider{{
		ID: "pb", Name: "beta", Type: config.ProviderTypeAnthropic,
		APIBaseURL: betaUp.URL, APIKey: "sk-beta", Enabled: true,
	}}, "pb"))

	const perGateway = 25
	var wg sync.WaitGroup
	errs := make(chan error, 2*perGateway)
	fire := func(url, want string) {
		defer wg.Done()
		resp, err := http.Post(url+"/v1/messages", "application/json",
			strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), want) {
			errs <- fmt.Errorf("want %s: status=%d body=%s", want, resp.StatusCode, body)
		}
	}
	for i := 0; i < perGateway; i++ {
		wg.Add(2)
		go fire(alpha.URL, `"text":"from-alpha"`)
		go fire(beta.URL, `"text":"from-beta"`)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("request failed: %v", err)
	}

	// Each upstream saw exactly its own provider's key, on every request.
	if got := alphaRec.snapshot(); len(got) != 1 || got["sk-alpha"] != perGateway {
		t.Fatalf("alpha upstream keys=%v", got)
	}
	if got := betaRec.snapshot(); len(got) != 1 || got["sk-beta"] != perGateway {
		t.Fatalf("beta upstream keys=%v", got)
	}
}
