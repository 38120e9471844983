package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// workspaces maps session ids to workspace directories under root and
// evicts idle ones. Directories survive between executions so session
// state (variables snapshot, generated files) carries over.
type workspaces struct {
	root   string
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	byID   map[string]*workspace
	stopCh chan struct{}
	doneCh chan struct{}
}

type workspace struct {
	dir      string
	lastUsed time.Time
}

func newWorkspaces(root string, ttl time.Duration, logger *slog.Logger) *workspaces {
	return &workspaces{
		root:   root,
		ttl:    ttl,
		logger: logger,
		byID:   make(map[string]*workspace),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (w *workspaces) start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go w.runCleanup(interval)
}

// get returns the session's workspace directory, creating it on first
// use and stamping its activity time.
func (w *workspaces) get(sessionID string) (string, error) {
	safe := filepath.Base(sessionID)
	if safe == "." || safe == string(filepath.Separator) || safe == "" {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}

	w.mu.Lock()
	ws, ok := w.byID[safe]
	if !ok {
		ws = &workspace{dir: filepath.Join(w.root, safe)}
		w.byID[safe] = ws
	}
	ws.lastUsed = time.Now()
	dir := ws.dir
	w.mu.Unlock()

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// delete drops the session and removes its directory.
func (w *workspaces) delete(sessionID string) error {
	safe := filepath.Base(sessionID)

	w.mu.Lock()
	ws, ok := w.byID[safe]
	delete(w.byID, safe)
	w.mu.Unlock()
	if !ok {
		return nil
	}
	if err := os.RemoveAll(ws.dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}

func (w *workspaces) close() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *workspaces) runCleanup(interval time.Duration) {
	defer close(w.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.evictExpired()
		case <-w.stopCh:
			return
		}
	}
}

// evictExpired drops idle sessions under lock and removes their
// directories outside it.
func (w *workspaces) evictExpired() {
	w.mu.Lock()
	var dirs []string
	for id, ws := range w.byID {
		if time.Since(ws.lastUsed) > w.ttl {
			dirs = append(dirs, ws.dir)
			delete(w.byID, id)
			w.logger.Info("evicting idle workspace", "session_id", id)
		}
	}
	w.mu.Unlock()

	for _, dir := range dirs {
		os.RemoveAll(dir)
	}
}
