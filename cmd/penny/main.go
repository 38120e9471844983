// Command penny runs the request execution server: the HTTP surface, the
// message processor, the tool executor, and the sandbox, wired from
// penny.toml and environment variables.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/pennylabs/penny"
	"github.com/pennylabs/penny/auth"
	"github.com/pennylabs/penny/httpapi"
	"github.com/pennylabs/penny/internal/config"
	"github.com/pennylabs/penny/observer"
	"github.com/pennylabs/penny/provider/openaicompat"
	"github.com/pennylabs/penny/sandbox"
	"github.com/pennylabs/penny/store/memory"
	"github.com/pennylabs/penny/store/postgres"
	"github.com/pennylabs/penny/store/sqlite"
	"github.com/pennylabs/penny/tools/document"
	"github.com/pennylabs/penny/tools/web"
)

const shutdownGrace = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to penny.toml")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg := config.Load(configPath)
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret (or JWT_SECRET) is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Observability first so every later component can be wrapped.
	var (
		inst        *observer.Instruments
		obsShutdown func(context.Context) error
	)
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var err error
		inst, obsShutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			return fmt.Errorf("observer init: %w", err)
		}
		logger.Info("observer enabled")
	}

	st, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}

	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		logger.Info("redis connected", "addr", cfg.Redis.Addr)
	}

	llm := buildProvider(cfg, inst, logger)

	router := penny.NewRouter([]penny.Provider{llm}, st,
		penny.RouterDefaultPolicy(penny.RoutingPolicy{
			DefaultModel:   cfg.Routing.DefaultModel,
			FallbackModels: cfg.Routing.FallbackModels,
		}),
		penny.RouterLogger(logger),
	)

	registry := penny.NewRegistry(penny.RegistryLogger(logger))
	if inst != nil {
		observer.SubscribeExecutionEvents(registry, inst)
	}

	limiterOpts := []penny.LimiterOption{penny.LimiterLogger(logger)}
	if rdb != nil {
		limiterOpts = append(limiterOpts, penny.LimiterRedis(rdb))
	}
	limiter := penny.NewLimiter(limiterOpts...)

	queue := penny.NewQueue(
		penny.QueueConcurrency(cfg.Queue.MaxConcurrency),
		penny.QueueCapacity(cfg.Queue.Capacity),
		penny.QueueInterval(time.Duration(cfg.Queue.IntervalMs)*time.Millisecond),
		penny.QueueIntervalCap(cfg.Queue.IntervalCap),
		penny.QueueTimeout(time.Duration(cfg.Queue.DefaultTimeoutMs)*time.Millisecond),
		penny.QueueMaxRetries(cfg.Queue.MaxRetries),
		penny.QueueLogger(logger),
	)

	usageOpts := []penny.UsageOption{penny.UsageLogger(logger)}
	if rdb != nil {
		usageOpts = append(usageOpts, penny.UsageRedis(rdb))
	}
	if inst != nil {
		usageOpts = append(usageOpts, penny.UsageWithHook(observer.UsageHook(inst)))
	}
	usage := penny.NewUsageRecorder(st, usageOpts...)

	policy := sandbox.NewPolicy()
	runner, err := buildSandbox(cfg.Sandbox, policy, logger)
	if err != nil {
		return err
	}

	executor := penny.NewExecutor(registry, limiter, queue, st, usage,
		penny.ExecutorTimeout(time.Duration(cfg.Queue.DefaultTimeoutMs)*time.Millisecond),
		penny.ExecutorMaxRetries(cfg.Queue.MaxRetries),
		penny.ExecutorResourceCaps(cfg.Sandbox.MaxMemoryMB, cfg.Sandbox.MaxCPUPercent),
		penny.ExecutorPreflight(codePreflight(policy)),
		penny.ExecutorLogger(logger),
	)

	if err := registerBuiltins(registry, runner); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}

	procOpts := []penny.ProcessorOption{penny.ProcessorLogger(logger)}
	if cfg.Server.WebhookURL != "" {
		procOpts = append(procOpts, penny.ProcessorWebhook(newWebhook(cfg.Server.WebhookURL, logger)))
	}
	proc := penny.NewProcessor(st, router, registry, executor, usage,
		penny.NewArtifactExtractor(), procOpts...)

	var processor httpapi.MessageProcessor = proc
	if inst != nil {
		processor = observer.WrapProcessor(proc, inst)
	}

	jwtSvc := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.Audience, cfg.Auth.Expiry())
	authn := auth.NewAuthenticator(jwtSvc, st, auth.WithLogger(logger))

	api := httpapi.NewServer(st, authn, processor, executor, registry,
		httpapi.WithLimiter(limiter),
		httpapi.WithSandbox(runner),
		httpapi.WithAudit(cfg.Audit.Enabled),
		httpapi.WithLogger(logger),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Shutdown order: stop accepting requests, drain the queue, tear down
	// sandbox sessions, close the store, flush telemetry.
	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	queue.Shutdown(shutdownGrace)
	if err := runner.Shutdown(shutCtx); err != nil {
		logger.Warn("sandbox shutdown", "error", err)
	}
	if err := st.Close(); err != nil {
		logger.Warn("store close", "error", err)
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			logger.Warn("redis close", "error", err)
		}
	}
	if obsShutdown != nil {
		if err := obsShutdown(shutCtx); err != nil {
			logger.Warn("observer shutdown", "error", err)
		}
	}
	logger.Info("bye")
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (penny.Store, error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		st := postgres.New(pool, postgres.WithLogger(logger))
		if err := st.Init(ctx); err != nil {
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		logger.Info("store ready", "driver", "postgres")
		return st, nil
	case "memory":
		logger.Warn("using in-memory store; data is lost on restart")
		return memory.New(), nil
	default:
		st := sqlite.New(cfg.Path, sqlite.WithLogger(logger))
		if err := st.Init(ctx); err != nil {
			return nil, fmt.Errorf("sqlite init: %w", err)
		}
		logger.Info("store ready", "driver", "sqlite", "path", cfg.Path)
		return st, nil
	}
}

// buildProvider composes the provider stack inside out: the adapter, retry,
// pacing, then observation.
func buildProvider(cfg config.Config, inst *observer.Instruments, logger *slog.Logger) penny.Provider {
	var llm penny.Provider = openaicompat.NewProvider(cfg.Provider.APIKey, cfg.Provider.BaseURL,
		openaicompat.WithName(cfg.Provider.Name),
		openaicompat.WithModels(modelTable(cfg.Routing)...),
		openaicompat.WithLogger(logger),
	)
	llm = penny.WithRetry(llm,
		// MaxRetries counts re-attempts; the retry layer counts attempts.
		penny.RetryMaxAttempts(cfg.Queue.MaxRetries+1),
		penny.RetryLogger(logger),
	)
	if cfg.Provider.RPM > 0 || cfg.Provider.TPM > 0 {
		var pace []penny.PacingOption
		if cfg.Provider.RPM > 0 {
			pace = append(pace, penny.RPM(cfg.Provider.RPM))
		}
		if cfg.Provider.TPM > 0 {
			pace = append(pace, penny.TPM(cfg.Provider.TPM))
		}
		llm = penny.WithPacing(llm, pace...)
	}
	if inst != nil {
		llm = observer.WrapProvider(llm, inst)
	}
	return llm
}

// modelTable builds the routing capability table from the configured models.
// OpenAI-compatible chat models all speak tools and streaming; vision is left
// off since the config carries no capability detail.
func modelTable(cfg config.RoutingConfig) []penny.ModelInfo {
	seen := map[string]bool{}
	var models []penny.ModelInfo
	for _, id := range append([]string{cfg.DefaultModel}, cfg.FallbackModels...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		models = append(models, penny.ModelInfo{
			ID: id,
			Capabilities: penny.Capabilities{
				Chat:      true,
				Tools:     true,
				Streaming: true,
			},
		})
	}
	return models
}

func buildSandbox(cfg config.SandboxConfig, policy *sandbox.Policy, logger *slog.Logger) (sandbox.Runner, error) {
	ttl := time.Duration(cfg.SessionIdleMs) * time.Millisecond
	if cfg.UseDocker {
		return sandbox.NewDockerRunner(policy, ttl,
			sandbox.DockerImage(cfg.Image),
			sandbox.DockerResources(cfg.MaxMemoryMB, cfg.MaxCPUPercent),
			sandbox.DockerLogger(logger),
		)
	}
	dir := cfg.WorkDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "penny-sandbox")
	}
	logger.Warn("sandbox running without container isolation", "dir", dir)
	return sandbox.NewLocalRunner(policy, dir, ttl,
		sandbox.LocalTimeout(time.Duration(cfg.MaxExecutionMs)*time.Millisecond),
		sandbox.LocalLogger(logger),
	), nil
}

// codePreflight rejects sandboxed code that trips the security policy before
// a container is ever touched.
func codePreflight(policy *sandbox.Policy) penny.PreflightFunc {
	return func(_ context.Context, _ penny.ToolDefinition, params map[string]any) error {
		code, _ := params["code"].(string)
		if code == "" {
			return penny.Errf(penny.CodeInvalidParams, "code must not be empty")
		}
		return policy.Check(code)
	}
}

func registerBuiltins(registry *penny.Registry, runner sandbox.Runner) error {
	defs := []penny.ToolDefinition{
		sandbox.PythonTool(runner),
		web.New().Definition(),
		document.New().Definition(),
	}
	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("tool %s: %w", def.Name, err)
		}
	}
	return nil
}
