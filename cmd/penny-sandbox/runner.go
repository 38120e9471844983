package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pennylabs/penny/sandbox"
)

//go:embed prelude.py
var pyPrelude string

//go:embed prelude.js
var jsPrelude string

// Postludes snapshot session variables after user code ran. The python
// one scans globals for plain values; the js one closes the async wrapper
// opened by the prelude and persists the vars object.
const pyPostlude = `

def _penny_snapshot():
    _out = {}
    for _name, _val in list(globals().items()):
        if _name.startswith("_"):
            continue
        if isinstance(_val, (bool, int, float, str, list, tuple, dict, set)):
            try:
                _out[_name] = repr(_val)
            except Exception:
                pass
    try:
        with open(_PENNY_VARS_FILE, "w", encoding="utf-8") as _f:
            _penny_json.dump(_out, _f)
    except Exception:
        pass

_penny_snapshot()
`

const jsPostlude = `

})().catch((err) => {
  console.error(err && (err.stack || err.message) || String(err));
  process.exitCode = 1;
}).finally(() => {
  try {
    const out = {};
    for (const [k, v] of Object.entries(vars)) {
      out[k] = String(v);
    }
    _pennyFs.writeFileSync(_PENNY_VARS_FILE, JSON.stringify(out));
  } catch {}
});
`

const (
	defaultTimeout = 30 * time.Second
	maxTimeout     = 5 * time.Minute
	varsFile       = ".penny_vars.json"
	maxFileBytes   = 8 << 20
	maxFiles       = 16
)

// runner executes one request as a subprocess in the session workspace.
type runner struct {
	pythonBin string
	nodeBin   string
	maxOutput int
}

func newRunner(pythonBin, nodeBin string, maxOutput int) *runner {
	if maxOutput <= 0 {
		maxOutput = 1 << 20
	}
	return &runner{pythonBin: pythonBin, nodeBin: nodeBin, maxOutput: maxOutput}
}

// outcome separates the three ways a run ends: a completed subprocess
// (any exit code), a deadline hit, or an agent-side failure.
type outcome struct {
	result   sandbox.Result
	timedOut bool
	failure  error
}

// run wraps the code with the runtime prelude and postlude, executes it,
// and assembles the result. When emit is non-nil, stdout/stderr chunks
// and post-run variable/plot events are forwarded as they occur; emit
// must be safe for concurrent use.
func (r *runner) run(ctx context.Context, dir string, req sandbox.Request, emit func(sandbox.Event)) outcome {
	timeout := defaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bin, prelude, postlude, name := r.pythonBin, pyPrelude, pyPostlude, "penny-run.py"
	if req.Language == "javascript" || req.Language == "node" {
		bin, prelude, postlude, name = r.nodeBin, jsPrelude, jsPostlude, "penny-run.js"
	}
	scriptPath := filepath.Join(dir, name)
	script := prelude + "\n" + req.Code + postlude
	if err := os.WriteFile(scriptPath, []byte(script), 0o640); err != nil {
		return outcome{failure: fmt.Errorf("write script: %w", err)}
	}
	defer os.Remove(scriptPath)

	before := snapshotDir(dir)

	cmd := exec.CommandContext(ctx, bin, scriptPath)
	cmd.Dir = dir
	// Minimal environment. The workspace doubles as HOME so runtimes that
	// write caches stay inside the tmpfs mount.
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"LANG=en_US.UTF-8",
	}
	stdout := &cappedStream{typ: sandbox.EventStdout, max: r.maxOutput, emit: emit}
	stderr := &cappedStream{typ: sandbox.EventStderr, max: r.maxOutput, emit: emit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := sandbox.Result{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: duration.Milliseconds(),
		Truncated:  stdout.truncated || stderr.truncated,
	}
	fillMetrics(&result, cmd.ProcessState, duration)

	if ctx.Err() == context.DeadlineExceeded {
		result.ExitCode = -1
		return outcome{result: result, timedOut: true, failure: fmt.Errorf("execution timed out after %s", timeout)}
	}
	if ee, ok := runErr.(*exec.ExitError); ok {
		result.ExitCode = ee.ExitCode()
		runErr = nil
	}
	if runErr != nil {
		return outcome{result: result, failure: fmt.Errorf("run subprocess: %w", runErr)}
	}

	result.Variables = readVariables(dir)
	if emit != nil {
		for name, val := range result.Variables {
			emit(sandbox.Event{Type: sandbox.EventVariable, Name: name, Data: val})
		}
	}

	for _, f := range collectOutputs(dir, before, name) {
		if isPlot(f.Name) {
			result.Plots = append(result.Plots, f)
			if emit != nil {
				emit(sandbox.Event{Type: sandbox.EventPlot, Name: f.Name})
			}
		} else {
			result.Files = append(result.Files, f)
		}
	}
	return outcome{result: result}
}

// fillMetrics derives memory and cpu figures from the reaped process.
func fillMetrics(result *sandbox.Result, state *os.ProcessState, wall time.Duration) {
	if state == nil {
		return
	}
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok && ru != nil {
		// Maxrss is KB on linux.
		result.MemoryMB = float64(ru.Maxrss) / 1024
	}
	if wall > 0 {
		cpu := state.UserTime() + state.SystemTime()
		result.CPUPercent = float64(cpu) / float64(wall) * 100
	}
}

func readVariables(dir string) map[string]string {
	raw, err := os.ReadFile(filepath.Join(dir, varsFile))
	if err != nil {
		return nil
	}
	var vars map[string]string
	if err := json.Unmarshal(raw, &vars); err != nil {
		return nil
	}
	return vars
}

// fileStamp identifies a file version without hashing.
type fileStamp struct {
	size    int64
	modTime time.Time
}

func snapshotDir(dir string) map[string]fileStamp {
	out := make(map[string]fileStamp)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out[e.Name()] = fileStamp{size: info.Size(), modTime: info.ModTime()}
	}
	return out
}

// collectOutputs returns files created or modified by the execution,
// newest additions first bounded by maxFiles. The script and dotfiles
// (vars snapshot included) never leave the workspace.
func collectOutputs(dir string, before map[string]fileStamp, scriptName string) []sandbox.OutputFile {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []sandbox.OutputFile
	for _, e := range entries {
		if len(out) >= maxFiles {
			break
		}
		name := e.Name()
		if e.IsDir() || name == scriptName || strings.HasPrefix(name, ".") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Size() > maxFileBytes {
			continue
		}
		if prev, ok := before[name]; ok && prev.size == info.Size() && prev.modTime.Equal(info.ModTime()) {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		out = append(out, sandbox.OutputFile{
			Name:     name,
			MimeType: detectMIME(name, content),
			Content:  content,
		})
	}
	return out
}

func isPlot(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".svg":
		return true
	}
	return false
}

// detectMIME prefers the extension and falls back to content sniffing.
func detectMIME(name string, data []byte) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".svg":
		return "image/svg+xml"
	case ".pdf":
		return "application/pdf"
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	case ".html", ".htm":
		return "text/html"
	case ".txt", ".log":
		return "text/plain"
	case ".md":
		return "text/markdown"
	case ".zip":
		return "application/zip"
	}
	sniff := data
	if len(sniff) > 512 {
		sniff = sniff[:512]
	}
	return http.DetectContentType(sniff)
}

// writeInputFiles materializes request files inside the workspace,
// rejecting paths that would escape it.
func writeInputFiles(dir string, files []sandbox.InputFile) error {
	for _, f := range files {
		if f.Name == "" {
			continue
		}
		clean := filepath.Join(dir, filepath.Clean("/"+f.Name))
		if !strings.HasPrefix(clean, dir+string(filepath.Separator)) {
			return fmt.Errorf("invalid file path %q", f.Name)
		}
		if err := os.MkdirAll(filepath.Dir(clean), 0o750); err != nil {
			return fmt.Errorf("mkdir for %q: %w", f.Name, err)
		}
		if err := os.WriteFile(clean, f.Content, 0o640); err != nil {
			return fmt.Errorf("write %q: %w", f.Name, err)
		}
	}
	return nil
}

// cappedStream buffers subprocess output up to max bytes and forwards
// each captured chunk as an event. Writes past the cap are counted but
// dropped.
type cappedStream struct {
	typ  sandbox.EventType
	max  int
	emit func(sandbox.Event)

	mu        sync.Mutex
	buf       strings.Builder
	truncated bool
}

func (s *cappedStream) Write(p []byte) (int, error) {
	n := len(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() >= s.max {
		s.truncated = true
		return n, nil
	}
	if s.buf.Len()+len(p) > s.max {
		p = p[:s.max-s.buf.Len()]
		s.truncated = true
	}
	s.buf.Write(p)
	if s.emit != nil && len(p) > 0 {
		s.emit(sandbox.Event{Type: s.typ, Data: string(p)})
	}
	return n, nil
}

func (s *cappedStream) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}
