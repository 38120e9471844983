package sandbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pennylabs/penny"
)

// LocalRunner executes code as a plain subprocess with a per-session
// workspace directory. It applies the security policy and output caps but
// no kernel-level isolation; use it for local dev and tests only.
type LocalRunner struct {
	sessions  *Manager
	policy    *Policy
	pythonBin string
	nodeBin   string
	root      string
	maxOutput int
	timeout   time.Duration
	logger    *slog.Logger
}

// LocalOption configures a LocalRunner.
type LocalOption func(*LocalRunner)

// LocalPython sets the python interpreter (default "python3").
func LocalPython(bin string) LocalOption {
	return func(r *LocalRunner) { r.pythonBin = bin }
}

// LocalNode sets the node interpreter (default "node").
func LocalNode(bin string) LocalOption {
	return func(r *LocalRunner) { r.nodeBin = bin }
}

// LocalMaxOutput caps captured stdout/stderr bytes (default 1MB).
func LocalMaxOutput(n int) LocalOption {
	return func(r *LocalRunner) { r.maxOutput = n }
}

// LocalTimeout sets the default execution ceiling (default 30s).
func LocalTimeout(d time.Duration) LocalOption {
	return func(r *LocalRunner) { r.timeout = d }
}

func LocalLogger(l *slog.Logger) LocalOption {
	return func(r *LocalRunner) { r.logger = l }
}

// NewLocalRunner builds a subprocess runner rooted at dir, with sessions
// expiring after sessionTTL idle.
func NewLocalRunner(policy *Policy, dir string, sessionTTL time.Duration, opts ...LocalOption) *LocalRunner {
	r := &LocalRunner{
		policy:    policy,
		pythonBin: "python3",
		nodeBin:   "node",
		root:      dir,
		maxOutput: 1 << 20,
		timeout:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	r.sessions = NewManager(sessionTTL,
		ManagerTeardown(r.teardownSession),
		ManagerLogger(r.logger),
	)
	return r
}

func (r *LocalRunner) Execute(ctx context.Context, req Request) (Result, error) {
	if err := r.policy.Check(req.Code); err != nil {
		return Result{}, err
	}
	sess, err := r.sessions.Get(req.SessionID)
	if err != nil {
		return Result{}, err
	}
	sess.Lock()
	defer sess.Unlock()
	return r.run(ctx, sess, req)
}

// ExecuteStream runs to completion and replays the outcome as events. The
// subprocess runner has no incremental capture; the docker agent streams
// for real.
func (r *LocalRunner) ExecuteStream(ctx context.Context, req Request, ch chan<- Event) (Result, error) {
	result, err := r.Execute(ctx, req)
	if err != nil {
		ch <- Event{Type: EventError, Code: string(penny.CodeOf(err)), Message: err.Error()}
		close(ch)
		return Result{}, err
	}
	if result.Stdout != "" {
		ch <- Event{Type: EventStdout, Data: result.Stdout}
	}
	if result.Stderr != "" {
		ch <- Event{Type: EventStderr, Data: result.Stderr}
	}
	for name, val := range result.Variables {
		ch <- Event{Type: EventVariable, Name: name, Data: val}
	}
	for _, plot := range result.Plots {
		ch <- Event{Type: EventPlot, Name: plot.Name}
	}
	ch <- Event{Type: EventDone}
	close(ch)
	return result, nil
}

func (r *LocalRunner) run(ctx context.Context, sess *Session, req Request) (Result, error) {
	timeout := r.timeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dir := filepath.Join(r.root, filepath.Base(sess.ID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Result{}, penny.WrapErr(penny.CodeInternal, err)
	}
	for _, f := range req.InputFiles {
		if err := os.WriteFile(filepath.Join(dir, filepath.Base(f.Name)), f.Content, 0o640); err != nil {
			return Result{}, penny.WrapErr(penny.CodeInternal, err)
		}
	}
	if err := restoreVariables(dir, sess.Variables); err != nil {
		return Result{}, err
	}

	bin, script := r.pythonBin, req.Code
	ext := ".py"
	if req.Language == "javascript" {
		bin, ext = r.nodeBin, ".js"
	}
	scriptPath := filepath.Join(dir, "main"+ext)
	if err := os.WriteFile(scriptPath, []byte(script), 0o640); err != nil {
		return Result{}, penny.WrapErr(penny.CodeInternal, err)
	}

	var stdout, stderr cappedBuffer
	stdout.max = r.maxOutput
	stderr.max = r.maxOutput

	cmd := exec.CommandContext(ctx, bin, scriptPath)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := Result{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: duration.Milliseconds(),
		Truncated:  stdout.truncated || stderr.truncated,
	}
	if ee, ok := err.(*exec.ExitError); ok {
		result.ExitCode = ee.ExitCode()
		err = nil
	}
	if ctx.Err() != nil {
		return result, penny.Errf(penny.CodeTimeout, "execution exceeded %s", timeout)
	}
	if err != nil {
		return result, penny.WrapErr(penny.CodeInternal, err)
	}

	result.Variables = captureVariables(dir)
	sess.Variables = result.Variables
	result.Plots = collectFiles(dir, ".png", ".svg")
	return result, nil
}

func (r *LocalRunner) CloseSession(ctx context.Context, sessionID string) error {
	return r.sessions.Delete(ctx, sessionID)
}

func (r *LocalRunner) Shutdown(ctx context.Context) error {
	r.sessions.Close(ctx)
	return nil
}

func (r *LocalRunner) teardownSession(_ context.Context, s *Session) {
	dir := filepath.Join(r.root, filepath.Base(s.ID))
	if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("workspace remove failed", "session_id", s.ID, "error", err)
	}
}

// variablesFile is the serialization file bridging session state between
// executions.
const variablesFile = ".penny_vars.json"

func restoreVariables(dir string, vars map[string]string) error {
	if len(vars) == 0 {
		return nil
	}
	raw, err := json.Marshal(vars)
	if err != nil {
		return penny.WrapErr(penny.CodeInternal, err)
	}
	return os.WriteFile(filepath.Join(dir, variablesFile), raw, 0o640)
}

func captureVariables(dir string) map[string]string {
	raw, err := os.ReadFile(filepath.Join(dir, variablesFile))
	if err != nil {
		return nil
	}
	var vars map[string]string
	if err := json.Unmarshal(raw, &vars); err != nil {
		return nil
	}
	return vars
}

// collectFiles gathers workspace files with the given extensions, with MIME
// types inferred from the extension.
func collectFiles(dir string, exts ...string) []OutputFile {
	var out []OutputFile
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		for _, ext := range exts {
			if !strings.HasSuffix(name, ext) {
				continue
			}
			content, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			out = append(out, OutputFile{Name: name, MimeType: mimeFor(ext), Content: content})
		}
	}
	return out
}

func mimeFor(ext string) string {
	switch ext {
	case ".png":
		return "image/png"
	case ".svg":
		return "image/svg+xml"
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// cappedBuffer buffers writes up to max bytes, then discards.
type cappedBuffer struct {
	buf       strings.Builder
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.buf.Len() >= b.max {
		b.truncated = true
		return n, nil
	}
	if b.buf.Len()+len(p) > b.max {
		p = p[:b.max-b.buf.Len()]
		b.truncated = true
	}
	b.buf.Write(p)
	return n, nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }

// compile-time check
var _ Runner = (*LocalRunner)(nil)
