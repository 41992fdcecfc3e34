// Package app wires all callbridge subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the prompt resolver,
// the realtime client and the HTTP routes from the config, Run serves until
// the context is cancelled, and shutdown drains live calls before tearing
// everything down in order.
//
// For testing, inject doubles via functional options (WithDialer,
// WithPromptStore, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callbridge/internal/bridge"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/health"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/prompt"
	"github.com/MrWong99/callbridge/internal/resilience"
	"github.com/MrWong99/callbridge/internal/webhook"
	"github.com/MrWong99/callbridge/pkg/realtime"
	"github.com/MrWong99/callbridge/pkg/telephony"
)

// ReasonShutdown is the close reason given to calls ended by a server
// shutdown. They still run their summary exchange.
const ReasonShutdown = "shutdown"

// WebhookPath is the HTTP path of the inbound call webhook.
const WebhookPath = "/incoming-call"

// App owns all subsystem lifetimes of one callbridge process.
type App struct {
	cfg     *config.Config
	level   *slog.LevelVar
	metrics *observe.Metrics

	dial     bridge.Dialer
	registry *bridge.Registry
	bridge   atomic.Pointer[bridge.Config]

	static   *prompt.StaticStore
	store    prompt.Store
	cache    prompt.Cache
	memCache *prompt.MemCache
	breaker  *resilience.CircuitBreaker
	resolver *prompt.Resolver

	health  *health.Handler
	scrape  http.Handler
	handler http.Handler

	watcher *config.Watcher

	// callsCtx is the base context of every media stream request. It is
	// cancelled only once live calls have had their chance to finalize.
	callsCtx    context.Context
	cancelCalls context.CancelFunc

	// closers are called in order during shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDialer replaces the realtime client as the source of AI sessions.
func WithDialer(d bridge.Dialer) Option {
	return func(a *App) { a.dial = d }
}

// WithPromptStore injects a prompt store instead of opening Postgres. It is
// consulted after the static table.
func WithPromptStore(s prompt.Store) Option {
	return func(a *App) { a.store = s }
}

// WithPromptCache injects a prompt cache instead of creating one from config.
func WithPromptCache(c prompt.Cache) Option {
	return func(a *App) { a.cache = c }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the /metrics handler. Default: the Prometheus
// default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithLevelVar hands the app the level variable behind the process logger so
// reloads can change verbosity.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigFile enables hot reload of the file at path, polled every
// interval (zero keeps the watcher default).
func WithConfigFile(path string, interval time.Duration) Option {
	return func(a *App) {
		w, err := config.NewWatcher(path, a.Reload, config.WithInterval(interval))
		if err != nil {
			slog.Warn("config hot reload disabled", "path", path, "err", err)
			return
		}
		a.watcher = w
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. It connects to the configured prompt store
// and cache synchronously so configuration problems surface at startup.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: bridge.NewRegistry(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Slog())
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.callsCtx, a.cancelCalls = context.WithCancel(context.Background())

	if err := a.initPrompts(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init prompts: %w", err)
	}

	if a.dial == nil {
		a.dial = realtimeDialer(newRealtimeClient(cfg.Realtime), cfg.Realtime.DialTimeout)
	}
	bc := bridgeConfig(cfg)
	a.bridge.Store(&bc)

	a.initHTTP()
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initPrompts builds the store chain, the cache and the resolver.
func (a *App) initPrompts(ctx context.Context) error {
	pc := a.cfg.Prompts
	a.static = prompt.NewStaticStore(pc.Static)
	chain := prompt.Chain{a.static}

	var checkers []health.Checker
	storeKind, cacheKind := "static", "memory"

	switch {
	case a.store != nil:
		chain = append(chain, a.store)
		storeKind = "custom"
	case pc.PostgresDSN != "":
		pool, err := prompt.OpenPool(ctx, pc.PostgresDSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		pg := prompt.NewPostgresStore(pool)
		if pc.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			slog.Info("prompt table migrated")
		}
		chain = append(chain, pg)
		storeKind = "postgres"
		checkers = append(checkers, health.Ping("postgres", pool, true))
	}

	switch {
	case a.cache != nil:
		cacheKind = "custom"
	case pc.RedisAddr != "":
		rdb, err := prompt.DialRedis(ctx, pc.RedisAddr)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rdb.Close)
		a.cache = prompt.NewRedisCache(rdb, "", pc.CacheTTL)
		cacheKind = "redis"
		checkers = append(checkers, health.Checker{
			Name:     "redis",
			Optional: true,
			Check:    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	default:
		a.memCache = prompt.NewMemCache(pc.CacheTTL)
		a.cache = a.memCache
	}

	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:      "prompt-store",
		IsFailure: prompt.IsStoreFailure,
		OnStateChange: func(name string, from, to resilience.State) {
			if to == resilience.StateClosed {
				slog.Info("circuit breaker recovered", "name", name, "from", from.String())
			}
		},
	})
	checkers = append(checkers, health.Breaker("prompt_store", a.breaker))

	a.resolver = prompt.NewResolver(chain, pc.DefaultInstructions,
		prompt.WithCache(a.cache),
		prompt.WithBreaker(a.breaker),
		prompt.WithMetrics(a.metrics),
		prompt.WithTimeout(pc.LookupTimeout),
	)

	a.health = health.New(checkers...)
	a.health.ReportActiveCalls(a.registry.Count)

	slog.Info("prompt resolver ready",
		"static_keys", pc.StaticKeys(),
		"store", storeKind,
		"cache", cacheKind,
	)
	return nil
}

// initHTTP builds the route table.
func (a *App) initHTTP() {
	mux := http.NewServeMux()
	mux.Handle(WebhookPath, webhook.New(webhook.Config{
		StreamURL: a.cfg.Server.StreamURL(),
		Say:       a.cfg.Server.Say,
	}))
	mux.Handle(config.MediaStreamPath, telephony.Handler(a.serveCall))
	a.health.Register(mux)
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}
	mux.Handle("GET /metrics", a.scrape)
	a.handler = observe.Middleware(a.metrics,
		observe.WithQuietPaths("/healthz", "/readyz", "/metrics"),
	)(mux)
}

func newRealtimeClient(rc config.RealtimeConfig) *realtime.Client {
	var opts []realtime.Option
	if rc.Model != "" {
		opts = append(opts, realtime.WithModel(rc.Model))
	}
	if rc.BaseURL != "" {
		opts = append(opts, realtime.WithBaseURL(rc.BaseURL))
	}
	return realtime.New(rc.APIKey, opts...)
}

// realtimeDialer adapts c to [bridge.Dialer]. The timeout bounds the
// handshake only; the session outlives it.
func realtimeDialer(c *realtime.Client, timeout time.Duration) bridge.Dialer {
	return func(ctx context.Context) (bridge.AISession, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		s, err := c.Connect(ctx)
		if err != nil {
			// Return a nil interface, not a typed nil *Session.
			return nil, err
		}
		return s, nil
	}
}

// bridgeConfig maps the file config to per-call bridge tunables.
func bridgeConfig(cfg *config.Config) bridge.Config {
	b := cfg.Bridge
	return bridge.Config{
		Voice:                cfg.Realtime.Voice,
		Temperature:          cfg.Realtime.Temperature,
		TranscriptionModel:   cfg.Realtime.TranscriptionModel,
		Greeting:             b.Greeting,
		StartupDelay:         b.StartupDelay,
		MaxCallDuration:      b.MaxCallDuration,
		PlayoutIdle:          b.PlayoutIdle,
		ReplyGrace:           b.ReplyGrace,
		FinalizeTimeout:      b.FinalizeTimeout,
		SilentRequestTimeout: b.SilentRequestTimeout,
		FarewellPhrases:      b.FarewellPhrases,
		TruncateFirst:        b.BargeIn.TruncateFirst,
		SummaryPrompt:        b.SummaryPrompt,
		ActionItemsPrompt:    b.ActionItemsPrompt,
	}
}

// ─── Calls ───────────────────────────────────────────────────────────────────

// serveCall runs one bridge for an accepted media stream.
func (a *App) serveCall(ctx context.Context, s *telephony.Stream) {
	cfg := *a.bridge.Load()
	b := bridge.New(s, a.dial, a.resolver, cfg, bridge.WithMetrics(a.metrics))

	// Calls are detached from the request so a shutdown can let them finish
	// their summary. callsCtx still carries the request's trace.
	ctx, cancel := context.WithCancel(observe.Detach(a.callsCtx, ctx))
	defer cancel()

	res := a.registry.Run(ctx, b)

	log := slog.With("session_id", res.SessionID, "call_sid", res.CallSID, "stream_sid", res.StreamSID)
	if res.Err != nil {
		log.Warn("call ended with error", "reason", res.Reason, "duration", res.Duration, "err", res.Err)
	}
	log.Info("call finished",
		"reason", res.Reason,
		"duration", res.Duration,
		"segments", len(res.Transcript),
		"summary", res.Summary,
		"action_items", res.ActionItems,
	)
}

// Handler returns the root HTTP handler. It is exposed for tests.
func (a *App) Handler() http.Handler { return a.handler }

// Registry returns the live call registry.
func (a *App) Registry() *bridge.Registry { return a.registry }

// Resolver returns the prompt resolver.
func (a *App) Resolver() *prompt.Resolver { return a.resolver }

// BridgeConfig returns the tunables new calls start with.
func (a *App) BridgeConfig() bridge.Config { return *a.bridge.Load() }

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of a changed config. It is the
// watcher callback and may be called directly.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.DefaultInstructionsChanged {
		a.resolver.SetDefault(new.Prompts.DefaultInstructions)
		slog.Info("default instructions updated")
	}
	if d.StaticPromptsChanged {
		a.static.Replace(new.Prompts.Static)
		if a.memCache != nil {
			a.memCache.Purge()
		} else if len(d.StaticModified)+len(d.StaticRemoved) > 0 {
			slog.Warn("cached prompts for changed keys stay valid until they expire",
				"cache_ttl", old.Prompts.CacheTTL)
		}
		slog.Info("static prompts updated",
			"added", d.StaticAdded,
			"removed", d.StaticRemoved,
			"modified", d.StaticModified,
		)
	}
	if d.BridgeChanged {
		bc := bridgeConfig(new)
		a.bridge.Store(&bc)
		slog.Info("call settings updated; live calls keep their current settings")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "settings", d.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		a.close()
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully:
// readiness flips to draining, the listener closes, every live call is
// finalized and waited for within server.shutdown_timeout.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
		g.Go(func() error {
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-hup:
					slog.Info("SIGHUP received, reloading config")
					a.watcher.Trigger()
				}
			}
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown(srv)
	})

	slog.Info("server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

func (a *App) shutdown(srv *http.Server) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()

		a.health.SetDraining(true)
		slog.Info("shutting down", "active_calls", a.registry.Count())

		// Stop accepting calls. Media streams are hijacked connections and
		// are not waited for here.
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}

		a.registry.EndAll(ReasonShutdown)
		if err := a.registry.Wait(ctx); err != nil {
			slog.Warn("shutdown deadline exceeded, cancelling remaining calls", "remaining", a.registry.Count())
			shutdownErr = errors.Join(shutdownErr, err)
		}
		a.cancelCalls()

		a.close()
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// close runs the closers in order.
func (a *App) close() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
