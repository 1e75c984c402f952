// Package app wires all voicecore subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run starts background workers and the HTTP server and blocks
// until the context is cancelled, and Shutdown tears everything down in
// reverse-init order.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/invorto/voicecore/internal/admission"
	"github.com/invorto/voicecore/internal/catalog"
	"github.com/invorto/voicecore/internal/config"
	"github.com/invorto/voicecore/internal/health"
	"github.com/invorto/voicecore/internal/realtimeapi"
	"github.com/invorto/voicecore/internal/restapi"
	"github.com/invorto/voicecore/internal/timeline"
	"github.com/invorto/voicecore/internal/tools"
	"github.com/invorto/voicecore/internal/tools/builtin"
	"github.com/invorto/voicecore/internal/tools/mcpclient"
	"github.com/invorto/voicecore/internal/transcript"
	"github.com/invorto/voicecore/internal/transcript/llmcorrect"
	"github.com/invorto/voicecore/internal/transcript/phonetic"
	"github.com/invorto/voicecore/internal/webhook"
	"github.com/invorto/voicecore/pkg/memory"
	"github.com/invorto/voicecore/pkg/memory/postgres"
	"github.com/invorto/voicecore/pkg/provider/embeddings"
	"github.com/invorto/voicecore/pkg/provider/llm"
	"github.com/invorto/voicecore/pkg/provider/stt"
	"github.com/invorto/voicecore/pkg/provider/tts"
	"github.com/invorto/voicecore/pkg/provider/vad"

	"github.com/jackc/pgx/v5/pgxpool"
)

// defaultEgressHighWaterMark and defaultEgressLowWaterMark bound the TTS
// egress send buffer. Not operator-tunable today — no config surface names
// them — so a single sane default ships until a real deployment needs more.
const (
	defaultEgressHighWaterMark = 64 * 1024
	defaultEgressLowWaterMark  = 16 * 1024
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
	VAD        vad.Engine // optional; no VAD engine ships today, stays nil
}

// Authenticator validates a realtime or REST bearer credential. Implements
// both internal/realtimeapi.Authenticator and internal/restapi.Auth, which
// share an identical method set by design.
type Authenticator interface {
	Authenticate(ctx context.Context, token, tenantID string) error
}

// App owns all subsystem lifetimes and serves the realtime WebSocket
// endpoint, the timeline REST endpoint, and health/metrics probes.
type App struct {
	cfg *config.Config

	gate      *admission.Gate
	catalog   *catalog.Client
	redis     *redis.Client
	timeline  *timeline.Publisher
	wq        *webhook.Queue
	dlq       *webhook.DLQ
	dispatch  *webhook.Dispatcher
	mirror    *webhook.Mirror
	toolExec  *tools.Executor
	mcp       *mcpclient.Client
	memStore  *postgres.Store
	docPool   *pgxpool.Pool
	correct   transcript.Pipeline
	entities  []string
	auth      Authenticator
	server    *http.Server

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithAuthenticator installs an authenticator for the realtime and REST
// surfaces. Nil (the default) accepts any non-empty bearer token.
func WithAuthenticator(auth Authenticator) Option {
	return func(a *App) { a.auth = auth }
}

// New wires every subsystem named in cfg and returns a ready-to-run App.
// Initialisation is synchronous: admission gate, catalog client, Redis
// timeline, webhook dispatch pipeline, tool executor (with builtin and
// MCP-bridged tools), optional Postgres memory store, and the optional ASR
// correction pipeline.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	a.gate = admission.New(admission.Config{
		GlobalMax:    cfg.Admission.GlobalMax,
		PerTenantMax: cfg.Admission.PerTenantMax,
		SlotTTL:      cfg.Admission.SlotTTL,
		RefreshRatio: cfg.Admission.RefreshRatio,
	})
	a.closers = append(a.closers, func() error { a.gate.Close(); return nil })

	a.catalog = catalog.New(catalog.Config{
		BaseURL:        cfg.Catalog.BaseURL,
		APIKey:         cfg.Catalog.APIKey,
		RequestTimeout: cfg.Catalog.RequestTimeout,
	})

	if cfg.Timeline.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Timeline.RedisAddr})
		a.closers = append(a.closers, a.redis.Close)
		a.timeline = timeline.New(a.redis)
	}

	a.initWebhooks(cfg)

	if err := a.initTools(ctx, cfg, providers); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	if err := a.initMemory(ctx, cfg); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	a.initCorrection(cfg, providers)

	a.buildServer(cfg, providers)

	return a, nil
}

func (a *App) initWebhooks(cfg *config.Config) {
	a.wq = webhook.NewQueue()
	a.dlq = webhook.NewDLQ()
	a.closers = append(a.closers, func() error { a.wq.Close(); return nil })

	maxRetries := 0
	tenants := make([]webhook.TenantConfig, 0, len(cfg.Webhook.Subscribers))
	for _, sub := range cfg.Webhook.Subscribers {
		tenants = append(tenants, webhook.TenantConfig{
			TenantID: sub.Name,
			URL:      sub.URL,
			Secret:   sub.Secret,
			Kinds:    sub.Events,
		})
		if sub.MaxRetries > maxRetries {
			maxRetries = sub.MaxRetries
		}
	}
	a.mirror = webhook.NewMirror(a.wq, tenants)
	a.dispatch = webhook.NewDispatcher(a.wq, a.dlq, webhook.DispatcherConfig{
		MaxAttempts: maxRetries,
	})
}

func (a *App) initTools(ctx context.Context, cfg *config.Config, providers *Providers) error {
	a.toolExec = tools.New(tools.Config{MaxCallsPerTurn: cfg.Tools.MaxCallsPerTurn})

	if cfg.Tools.Document.Enabled {
		if cfg.Memory.PostgresDSN == "" {
			slog.Warn("tools.document.enabled but memory.postgres_dsn is empty — skipping")
		} else if providers.Embeddings == nil {
			slog.Warn("tools.document.enabled but no embeddings provider configured — skipping")
		} else {
			pool, err := pgxpool.New(ctx, cfg.Memory.PostgresDSN)
			if err != nil {
				return fmt.Errorf("document tool: connect: %w", err)
			}
			a.docPool = pool
			a.closers = append(a.closers, func() error { pool.Close(); return nil })
			if err := a.toolExec.Register(builtin.DocumentTool(builtin.DocumentConfig{
				Pool:       pool,
				Embeddings: providers.Embeddings,
				TopK:       cfg.Tools.Document.TopK,
			})); err != nil {
				return fmt.Errorf("register document tool: %w", err)
			}
		}
	}

	if cfg.Tools.Calendar.Enabled {
		backend := newHTTPCalendarBackend(cfg.Tools.Calendar.BaseURL, cfg.Tools.Calendar.APIKey)
		calCfg := builtin.CalendarConfig{Backend: backend}
		if err := a.toolExec.Register(builtin.CalendarCheckTool(calCfg)); err != nil {
			return fmt.Errorf("register calendar_check tool: %w", err)
		}
		if err := a.toolExec.Register(builtin.CalendarBookTool(calCfg)); err != nil {
			return fmt.Errorf("register calendar_book tool: %w", err)
		}
	}

	if cfg.Tools.HTTP.Enabled {
		allowed := make(map[string]bool, len(cfg.Tools.HTTP.AllowedHosts))
		for _, h := range cfg.Tools.HTTP.AllowedHosts {
			allowed[h] = true
		}
		if err := a.toolExec.Register(builtin.HTTPTool(builtin.HTTPToolConfig{
			AllowedHosts:     allowed,
			MaxResponseBytes: int64(cfg.Tools.HTTP.MaxBodyBytes),
		})); err != nil {
			return fmt.Errorf("register custom_http tool: %w", err)
		}
	}

	if len(cfg.MCP.Servers) > 0 {
		a.mcp = mcpclient.New("voicecore", "1.0.0")
		a.closers = append(a.closers, a.mcp.Close)
		for _, srv := range cfg.MCP.Servers {
			defs, err := a.mcp.Connect(ctx, mcpclient.ServerConfig{
				Name:      srv.Name,
				Transport: mcpTransport(srv.Transport),
				Command:   srv.Command,
				URL:       srv.URL,
				Env:       srv.Env,
			})
			if err != nil {
				return fmt.Errorf("connect mcp server %q: %w", srv.Name, err)
			}
			for _, def := range defs {
				if err := a.toolExec.Register(def); err != nil {
					return fmt.Errorf("register mcp tool %q from %q: %w", def.Def.Name, srv.Name, err)
				}
			}
			slog.Info("connected mcp server", "name", srv.Name, "tools", len(defs))
		}
	}

	return nil
}

// mcpTransport translates the config schema's transport names ("stdio",
// "streamable-http") into mcpclient's transport enum. Any name other than
// "stdio" maps to the SDK's streamable-HTTP client transport.
func mcpTransport(name string) mcpclient.Transport {
	if name == "stdio" {
		return mcpclient.TransportStdio
	}
	return mcpclient.TransportStreamableHTTP
}

func (a *App) initMemory(ctx context.Context, cfg *config.Config) error {
	if cfg.Memory.PostgresDSN == "" {
		return nil
	}
	dims := cfg.Memory.EmbeddingDimensions
	if dims == 0 {
		dims = 1536
	}
	store, err := postgres.NewStore(ctx, cfg.Memory.PostgresDSN, dims)
	if err != nil {
		return err
	}
	a.memStore = store
	a.closers = append(a.closers, func() error { store.Close(); return nil })
	return nil
}

func (a *App) initCorrection(cfg *config.Config, providers *Providers) {
	if !cfg.Correction.Enabled {
		return
	}
	a.entities = cfg.Correction.Entities

	var opts []transcript.PipelineOption
	opts = append(opts, transcript.WithPhoneticMatcher(phonetic.New(
		phonetic.WithPhoneticThreshold(orDefault(cfg.Correction.PhoneticThreshold, 0.70)),
		phonetic.WithFuzzyThreshold(orDefault(cfg.Correction.FuzzyThreshold, 0.85)),
	)))
	if cfg.Correction.LLMAssist && providers.LLM != nil {
		opts = append(opts,
			transcript.WithLLMCorrector(llmcorrect.New(providers.LLM)),
			transcript.WithLLMOnLowConfidence(orDefault(cfg.Correction.LLMConfidenceThreshold, 0.5)),
		)
	} else if cfg.Correction.LLMAssist {
		slog.Warn("correction.llm_assist enabled but no llm provider configured — phonetic-only")
	}
	a.correct = transcript.NewPipeline(opts...)
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func (a *App) buildServer(cfg *config.Config, providers *Providers) {
	var memStore memory.SessionStore
	if a.memStore != nil {
		memStore = a.memStore.L1()
	}

	var rtAuth realtimeapi.Authenticator
	var restAuth restapi.Auth
	if a.auth != nil {
		rtAuth = a.auth
		restAuth = a.auth
	}

	slotTTL := cfg.Admission.SlotTTL
	if slotTTL <= 0 {
		slotTTL = 30 * time.Second
	}
	refreshRatio := cfg.Admission.RefreshRatio
	if refreshRatio <= 0 {
		refreshRatio = 1.0 / 3
	}
	refreshInterval := time.Duration(float64(slotTTL) * refreshRatio)

	rt := realtimeapi.NewHandler(realtimeapi.Deps{
		Gate:     a.gate,
		Catalog:  a.catalog,
		Timeline: a.timeline,
		Mirror:   a.mirror,
		Tools:    a.toolExec,
		Auth:     rtAuth,

		LLM: providers.LLM,
		STT: providers.STT,
		TTS: providers.TTS,
		VAD: providers.VAD,

		MemoryStore:        memStore,
		Correction:         a.correct,
		CorrectionEntities: a.entities,

		InactivityTimeout: 0,
		RefreshInterval:   refreshInterval,

		SilenceMs:      cfg.Endpoint.SilenceMs,
		MinWords:       cfg.Endpoint.MinWords,
		NoiseFloorDBFS: cfg.Endpoint.NoiseFloorDBFS,
		BargeInEnabled: cfg.Endpoint.BargeInEnabled,

		HighWaterMark: defaultEgressHighWaterMark,
		LowWaterMark:  defaultEgressLowWaterMark,
	})

	mux := http.NewServeMux()
	mux.Handle("/realtime/voice", rt)
	if a.timeline != nil {
		restapi.NewHandler(a.timeline, restAuth).Register(mux)
	}
	health.New(a.readyCheckers()...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.server = &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}
}

func (a *App) readyCheckers() []health.Checker {
	var checkers []health.Checker
	if a.redis != nil {
		checkers = append(checkers, health.Checker{
			Name: "redis",
			Check: func(ctx context.Context) error {
				return a.redis.Ping(ctx).Err()
			},
		})
	}
	return checkers
}

// Run starts background workers (webhook dispatch, HTTP listener) and blocks
// until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	go a.dispatch.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
