// Command penny-sandbox is the exec agent that runs inside a sandbox
// container. It accepts code over HTTP, runs it as a python or node
// subprocess in a per-session workspace, and returns or streams the
// outcome. One agent serves one container; the host-side sandbox runner
// creates a container (and thus an agent) per session.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

type config struct {
	addr          string
	workspaceRoot string
	pythonBin     string
	nodeBin       string
	maxConcurrent int
	sessionTTL    time.Duration
	maxOutput     int
}

func loadConfig() config {
	cfg := config{
		addr:          ":9000",
		workspaceRoot: "/workspace",
		pythonBin:     "python3",
		nodeBin:       "node",
		maxConcurrent: 4,
		sessionTTL:    time.Hour,
		maxOutput:     1 << 20,
	}
	if v := os.Getenv("PENNY_SANDBOX_ADDR"); v != "" {
		cfg.addr = v
	}
	if v := os.Getenv("PENNY_SANDBOX_WORKSPACE"); v != "" {
		cfg.workspaceRoot = v
	}
	if v := os.Getenv("PENNY_SANDBOX_PYTHON"); v != "" {
		cfg.pythonBin = v
	}
	if v := os.Getenv("PENNY_SANDBOX_NODE"); v != "" {
		cfg.nodeBin = v
	}
	if v := os.Getenv("PENNY_SANDBOX_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxConcurrent = n
		}
	}
	if v := os.Getenv("PENNY_SANDBOX_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.sessionTTL = d
		}
	}
	if v := os.Getenv("PENNY_SANDBOX_MAX_OUTPUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxOutput = n
		}
	}
	return cfg
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := loadConfig()

	workspaces := newWorkspaces(cfg.workspaceRoot, cfg.sessionTTL, logger)
	workspaces.start(cfg.sessionTTL / 10)

	h := &handler{
		run:        newRunner(cfg.pythonBin, cfg.nodeBin, cfg.maxOutput),
		workspaces: workspaces,
		slots:      make(chan struct{}, cfg.maxConcurrent),
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", h.execute)
	mux.HandleFunc("POST /execute/stream", h.executeStream)
	mux.HandleFunc("DELETE /sessions/{id}", h.deleteSession)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:         cfg.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("sandbox agent listening", "addr", cfg.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	workspaces.close()
}
