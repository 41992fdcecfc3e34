package app_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/callbridge/internal/app"
	"github.com/MrWong99/callbridge/internal/bridge"
	"github.com/MrWong99/callbridge/internal/bridge/mock"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/prompt"
)

// testConfig returns a minimal config with one static prompt.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{
			ListenAddr:      "127.0.0.1:0",
			PublicURL:       "https://calls.example.com",
			LogLevel:        config.LogInfo,
			Say:             "Connecting you now.",
			ShutdownTimeout: 5 * time.Second,
		},
		Realtime: config.RealtimeConfig{APIKey: "sk-test", Voice: "alloy"},
		Bridge: config.BridgeConfig{
			StartupDelay:         -1,
			SilentRequestTimeout: 100 * time.Millisecond,
			FinalizeTimeout:      time.Second,
		},
		Prompts: config.PromptsConfig{
			DefaultInstructions: "You are a helpful agent.",
			Static:              map[string]string{"+15550001": "You are Acme support."},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

// dialer hands out mock AI sessions and keeps them for inspection.
type dialer struct {
	mu       sync.Mutex
	sessions []*mock.AISession
	opened   chan *mock.AISession
}

func newDialer() *dialer {
	return &dialer{opened: make(chan *mock.AISession, 4)}
}

func (d *dialer) Dial(context.Context) (bridge.AISession, error) {
	s := mock.NewAISession(nil)
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	d.opened <- s
	return s, nil
}

func (d *dialer) next(t *testing.T) *mock.AISession {
	t.Helper()
	select {
	case s := <-d.opened:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("no AI session was dialled")
		return nil
	}
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) (*app.App, *dialer) {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	d := newDialer()
	opts = append([]app.Option{app.WithDialer(d.Dial), app.WithMetrics(m)}, opts...)
	a, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	return a, d
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// platform dials the media stream endpoint of srv as the telephony
// platform would and sends a start event.
func platform(t *testing.T, ctx context.Context, base, lookupKey string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(base, "http") + config.MediaStreamPath
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	start := `{"event":"start","start":{"streamSid":"MZ1","callSid":"CA123","customParameters":{"lookup_key":"` + lookupKey + `"}}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(start)); err != nil {
		t.Fatalf("write start: %v", err)
	}
	return conn
}

func TestNew_ResolvesStaticPrompts(t *testing.T) {
	t.Parallel()
	a, _ := newApp(t, testConfig())

	ctx := context.Background()
	if got := a.Resolver().Resolve(ctx, "+15550001"); got != "You are Acme support." {
		t.Errorf("Resolve(static) = %q", got)
	}
	if got := a.Resolver().Resolve(ctx, "+19999999"); got != "You are a helpful agent." {
		t.Errorf("Resolve(miss) = %q, want default", got)
	}
}

func TestNew_InjectedStoreFollowsStatic(t *testing.T) {
	t.Parallel()
	store := prompt.NewStaticStore(map[string]string{
		"+15550001": "shadowed",
		"+15550002": "From the injected store.",
	})
	a, _ := newApp(t, testConfig(), app.WithPromptStore(store))

	ctx := context.Background()
	if got := a.Resolver().Resolve(ctx, "+15550001"); got != "You are Acme support." {
		t.Errorf("static entry should win, got %q", got)
	}
	if got := a.Resolver().Resolve(ctx, "+15550002"); got != "From the injected store." {
		t.Errorf("Resolve(store) = %q", got)
	}
}

func TestNew_BridgeConfigFromFile(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Realtime.Temperature = 0.6
	cfg.Bridge.FarewellPhrases = []string{"ciao"}
	cfg.Bridge.BargeIn.TruncateFirst = true
	a, _ := newApp(t, cfg)

	bc := a.BridgeConfig()
	if bc.Voice != "alloy" || bc.Temperature != 0.6 || !bc.TruncateFirst {
		t.Errorf("BridgeConfig = %+v", bc)
	}
	if len(bc.FarewellPhrases) != 1 || bc.FarewellPhrases[0] != "ciao" {
		t.Errorf("FarewellPhrases = %v", bc.FarewellPhrases)
	}
	if bc.StartupDelay >= 0 {
		t.Errorf("StartupDelay = %v, want negative", bc.StartupDelay)
	}
}

func TestHandler_Routes(t *testing.T) {
	t.Parallel()
	a, _ := newApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	tests := []struct {
		method   string
		path     string
		body     string
		wantCode int
		wantBody string
	}{
		{http.MethodGet, "/healthz", "", http.StatusOK, `"active_calls":0`},
		{http.MethodGet, "/readyz", "", http.StatusOK, `"prompt_store":"ok"`},
		{http.MethodGet, "/metrics", "", http.StatusOK, ""},
		{http.MethodPost, app.WebhookPath, "CallSid=CA123&From=%2B15551110000&To=%2B15550001", http.StatusOK, `url="wss://calls.example.com/media-stream"`},
		{http.MethodDelete, app.WebhookPath, "", http.StatusMethodNotAllowed, ""},
	}
	for _, tc := range tests {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, srv.URL+tc.path, strings.NewReader(tc.body))
			if err != nil {
				t.Fatal(err)
			}
			if tc.body != "" {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)

			if resp.StatusCode != tc.wantCode {
				t.Errorf("status = %d, want %d (body %s)", resp.StatusCode, tc.wantCode, body)
			}
			if tc.wantBody != "" && !strings.Contains(string(body), tc.wantBody) {
				t.Errorf("body = %s, want it to contain %s", body, tc.wantBody)
			}
			if resp.Header.Get(observe.CorrelationHeader) == "" {
				t.Error("middleware did not set a correlation id")
			}
		})
	}
}

func TestMediaStream_CallUsesResolvedPrompt(t *testing.T) {
	t.Parallel()
	a, d := newApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := platform(t, ctx, srv.URL, "+15550001")

	ai := d.next(t)
	waitUntil(t, "session.update", func() bool {
		updates, _, _, _, _ := ai.Snapshot()
		return len(updates) == 1
	})
	updates, _, _, _, _ := ai.Snapshot()
	if updates[0].Instructions != "You are Acme support." {
		t.Errorf("instructions = %q", updates[0].Instructions)
	}
	if a.Registry().Count() != 1 {
		t.Errorf("registry count = %d, want 1", a.Registry().Count())
	}

	media := `{"event":"media","streamSid":"MZ1","media":{"payload":"AAAA"}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(media)); err != nil {
		t.Fatalf("write media: %v", err)
	}
	waitUntil(t, "relayed audio", func() bool {
		_, appends, _, _, _ := ai.Snapshot()
		return len(appends) == 1 && appends[0] == "AAAA"
	})

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"event":"stop","streamSid":"MZ1"}`)); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	waitUntil(t, "call to end", func() bool { return a.Registry().Count() == 0 })
	if !ai.Closed() {
		t.Error("AI session was not closed after the call")
	}
}

func TestReload_AppliesHotSettings(t *testing.T) {
	t.Parallel()
	level := new(slog.LevelVar)
	old := testConfig()
	a, _ := newApp(t, old, app.WithLevelVar(level))

	ctx := context.Background()
	// Warm the cache with the old text.
	if got := a.Resolver().Resolve(ctx, "+15550001"); got != "You are Acme support." {
		t.Fatalf("Resolve = %q", got)
	}

	updated := testConfig()
	updated.Server.LogLevel = config.LogDebug
	updated.Prompts.DefaultInstructions = "You are the night shift."
	updated.Prompts.Static = map[string]string{"+15550001": "You are Acme after-hours support."}
	updated.Bridge.MaxCallDuration = 3 * time.Minute
	updated.Server.ListenAddr = ":9999"
	a.Reload(old, updated)

	if level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", level.Level())
	}
	if got := a.Resolver().Default(); got != "You are the night shift." {
		t.Errorf("Default() = %q", got)
	}
	if got := a.Resolver().Resolve(ctx, "+15550001"); got != "You are Acme after-hours support." {
		t.Errorf("Resolve after reload = %q, want the new static text", got)
	}
	if got := a.BridgeConfig().MaxCallDuration; got != 3*time.Minute {
		t.Errorf("MaxCallDuration = %v", got)
	}
}

func TestReload_NoChangeIsNoop(t *testing.T) {
	t.Parallel()
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	cfg := testConfig()
	a, _ := newApp(t, cfg, app.WithLevelVar(level))

	a.Reload(cfg, testConfig())
	if level.Level() != slog.LevelWarn {
		t.Errorf("level changed to %v on an empty diff", level.Level())
	}
}

func TestServe_ShutdownFinalizesLiveCalls(t *testing.T) {
	t.Parallel()
	a, d := newApp(t, testConfig())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- a.Serve(ctx, ln) }()

	base := (&url.URL{Scheme: "http", Host: ln.Addr().String()}).String()
	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()
	platform(t, callCtx, base, "+15550001")

	ai := d.next(t)
	waitUntil(t, "call to become active", func() bool {
		updates, _, _, _, _ := ai.Snapshot()
		return len(updates) == 1
	})

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	if n := a.Registry().Count(); n != 0 {
		t.Errorf("registry count = %d after shutdown, want 0", n)
	}
	// Greeting plus the summary and action items queries.
	_, _, _, responses, _ := ai.Snapshot()
	silent := 0
	for _, r := range responses {
		if r != nil && len(r.Metadata) > 0 {
			silent++
		}
	}
	if silent != 2 {
		t.Errorf("silent requests = %d, want 2", silent)
	}
	if !ai.Closed() {
		t.Error("AI session was not closed on shutdown")
	}
}

func TestRun_ListenError(t *testing.T) {
	t.Parallel()
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { busy.Close() })

	cfg := testConfig()
	cfg.Server.ListenAddr = busy.Addr().String()
	a, _ := newApp(t, cfg)

	err = a.Run(context.Background())
	if err == nil {
		t.Fatal("expected listen error, got nil")
	}
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		t.Errorf("error = %v, want a *net.OpError in the chain", err)
	}
}
