package penny

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

const (
	defaultToolTimeout = 30 * time.Second
	maxExecLogLines    = 50
	samplePeriod       = time.Second
)

// defaultRetryable is the base retry classification for tool failures.
// A tool's config adds codes to this set; its nonRetryable list subtracts.
var defaultRetryable = []Code{CodeTimeout, CodeRateLimited, CodeNetwork, CodeTemporary, CodeUnavailable}

// ExecuteOptions are per-invocation overrides.
type ExecuteOptions struct {
	Timeout  time.Duration
	Priority int
}

// PreflightFunc runs before a sandboxed tool's handler; a returned error
// rejects the execution without starting it. Wired to the sandbox security
// policy at boot.
type PreflightFunc func(ctx context.Context, def ToolDefinition, params map[string]any) error

// ResourceSampler reports the current resource footprint. Sampled roughly
// once a second while a handler runs.
type ResourceSampler interface {
	Sample() (memMB, cpuPercent float64)
}

// runtimeSampler reads the Go heap. CPU is not tracked in-process; the
// sandbox agent reports its own.
type runtimeSampler struct{}

func (runtimeSampler) Sample() (float64, float64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / (1 << 20), 0
}

// Executor runs validated tool invocations through the bounded queue with
// rate limiting, deadlines, resource monitoring, and retry.
type Executor struct {
	registry *Registry
	limiter  *Limiter
	queue    *Queue
	store    Store
	usage    *UsageRecorder

	defaultTimeout time.Duration
	maxRetries     int
	baseDelay      time.Duration
	maxMemoryMB    int
	maxCPUPercent  int

	preflight PreflightFunc
	sampler   ResourceSampler
	logger    *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

func ExecutorTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.defaultTimeout = d }
}

func ExecutorMaxRetries(n int) ExecutorOption {
	return func(e *Executor) { e.maxRetries = n }
}

func ExecutorBaseDelay(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.baseDelay = d }
}

// ExecutorResourceCaps sets the default memory/cpu ceilings for handlers
// that do not declare their own.
func ExecutorResourceCaps(memMB, cpuPercent int) ExecutorOption {
	return func(e *Executor) {
		e.maxMemoryMB = memMB
		e.maxCPUPercent = cpuPercent
	}
}

func ExecutorPreflight(f PreflightFunc) ExecutorOption {
	return func(e *Executor) { e.preflight = f }
}

func ExecutorSampler(s ResourceSampler) ExecutorOption {
	return func(e *Executor) { e.sampler = s }
}

func ExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

func NewExecutor(registry *Registry, limiter *Limiter, queue *Queue, store Store, usage *UsageRecorder, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:       registry,
		limiter:        limiter,
		queue:          queue,
		store:          store,
		usage:          usage,
		defaultTimeout: defaultToolTimeout,
		maxRetries:     3,
		baseDelay:      time.Second,
		sampler:        runtimeSampler{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = nopLogger
	}
	return e
}

// Execute runs one tool invocation end to end and returns the terminal
// execution record. Validation and rate-limit rejections happen before any
// ToolExecution is created.
func (e *Executor) Execute(ctx context.Context, toolName string, params map[string]any, principal Principal, opts ExecuteOptions) (ToolExecution, error) {
	def, ok := e.registry.Get(toolName)
	if !ok {
		return ToolExecution{}, Errf(CodeToolNotFound, "tool %q not registered", toolName)
	}
	if !principalAllowed(principal, def) {
		return ToolExecution{}, Errf(CodeUnauthorized, "missing scope for tool %q", toolName)
	}

	params, err := e.validateParams(def, params)
	if err != nil {
		return ToolExecution{}, err
	}

	if def.Config.RateLimit != nil {
		key := LimiterKey{TenantID: principal.TenantID, Scope: def.Name, PrincipalID: principal.ID}
		if err := e.limiter.Allow(ctx, key, *def.Config.RateLimit); err != nil {
			return ToolExecution{}, err
		}
	}

	if def.Config.RequiresSandbox && e.preflight != nil {
		if err := e.preflight(ctx, def, params); err != nil {
			return ToolExecution{}, err
		}
	}

	exec := &ToolExecution{
		ID:          NewID(),
		TenantID:    principal.TenantID,
		PrincipalID: principal.ID,
		ToolName:    def.Name,
		Params:      RedactFields(params),
		Status:      ExecQueued,
		CreatedAt:   NowUnix(),
	}
	e.persist(ctx, exec, true)
	e.registry.Emit(EventQueued, *exec)

	job := &Job{
		ID:       exec.ID,
		Priority: opts.Priority,
		Timeout:  e.jobDeadline(),
		NoRetry:  true, // runAttempts owns the retry loop
		Run: func(jctx context.Context) error {
			e.runAttempts(jctx, def, params, exec, opts)
			return nil
		},
	}
	if err := e.queue.Enqueue(ctx, job); err != nil {
		exec.Status = ExecFailed
		exec.Error = err.Error()
		exec.ErrorCode = CodeOf(err)
		e.persist(ctx, exec, false)
		return *exec, err
	}
	if err := job.Wait(ctx); err != nil {
		// Caller gave up; the job keeps running to its own deadline.
		return *exec, err
	}
	return *exec, nil
}

// CancelExecution cancels a queued or running execution.
func (e *Executor) CancelExecution(id string) error {
	return e.queue.Cancel(id)
}

// jobDeadline is the queue-level ceiling on the whole retry loop. It is
// anchored to the system default, not the per-attempt timeout, so a tool
// with a short attempt timeout still has room for backoff between attempts.
func (e *Executor) jobDeadline() time.Duration {
	return 2 * e.defaultTimeout
}

func (e *Executor) attemptTimeout(def ToolDefinition, opts ExecuteOptions) time.Duration {
	d := e.defaultTimeout
	if cfg := time.Duration(def.Config.TimeoutMs) * time.Millisecond; cfg > 0 && cfg < d {
		d = cfg
	}
	if opts.Timeout > 0 && opts.Timeout < d {
		d = opts.Timeout
	}
	return d
}

// runAttempts drives the RUNNING/RETRYING loop to a terminal state. The
// terminal record is persisted and its event emitted before returning.
func (e *Executor) runAttempts(ctx context.Context, def ToolDefinition, params map[string]any, exec *ToolExecution, opts ExecuteOptions) {
	maxRetries := e.maxRetries
	if def.Config.MaxRetries > 0 {
		maxRetries = def.Config.MaxRetries
	}
	attemptTimeout := e.attemptTimeout(def, opts)
	start := time.Now()

	exec.Status = ExecRunning
	exec.StartedAt = NowUnix()
	e.persist(ctx, exec, false)
	e.registry.Emit(EventRunning, *exec)

	var lastErr error
	for attempt := 0; ; attempt++ {
		out, err := e.runOnce(ctx, def, params, exec, attemptTimeout)
		if err == nil {
			exec.Result = &out
			if out.Success {
				e.finish(ctx, exec, ExecCompleted, nil, start)
			} else {
				exec.Error = out.Error
				e.finish(ctx, exec, ExecFailed, nil, start)
			}
			return
		}
		lastErr = err

		if ctx.Err() != nil {
			// Job-level ceiling hit: a deadline is a timeout, an explicit
			// cancel is a cancellation.
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				if CodeOf(lastErr) != CodeTimeout {
					lastErr = WrapErr(CodeTimeout, ctx.Err())
				}
				e.finish(ctx, exec, ExecTimeout, lastErr, start)
			} else {
				e.finish(ctx, exec, ExecCancelled, lastErr, start)
			}
			return
		}
		if CodeOf(err) == CodeCancelled {
			e.finish(ctx, exec, ExecCancelled, lastErr, start)
			return
		}
		if attempt >= maxRetries || !e.retryable(def, err) {
			status := ExecFailed
			if CodeOf(err) == CodeTimeout {
				status = ExecTimeout
			}
			e.finish(ctx, exec, status, lastErr, start)
			return
		}

		exec.Retries = attempt + 1
		exec.Status = ExecRetrying
		e.persist(ctx, exec, false)
		e.registry.Emit(EventRetrying, *exec)
		e.logger.Warn("tool execution retrying",
			"execution_id", exec.ID, "tool", def.Name, "attempt", attempt+1, "error", err)

		timer := time.NewTimer(retryDelay(e.baseDelay, attempt, err))
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				e.finish(ctx, exec, ExecTimeout, WrapErr(CodeTimeout, ctx.Err()), start)
			} else {
				e.finish(ctx, exec, ExecCancelled, WrapErr(CodeCancelled, ctx.Err()), start)
			}
			return
		case <-timer.C:
		}
		exec.Status = ExecRunning
		e.persist(ctx, exec, false)
	}
}

// runOnce performs a single attempt under its own deadline with the
// resource sampler watching.
func (e *Executor) runOnce(ctx context.Context, def ToolDefinition, params map[string]any, exec *ToolExecution, timeout time.Duration) (ToolOutput, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	buf := &logBuffer{max: maxExecLogLines}
	actx = context.WithValue(actx, execLogKey{}, buf)

	state := &sampleState{}
	stopSampler := e.watchResources(actx, def, state, cancel)
	defer stopSampler()

	out, err := invokeHandler(actx, def.Handler, params)
	exec.Logs = buf.Lines()

	mem, cpu, limErr := state.snapshot()
	if mem > exec.Metrics.MemoryMB {
		exec.Metrics.MemoryMB = mem
	}
	if cpu > exec.Metrics.CPUPercent {
		exec.Metrics.CPUPercent = cpu
	}
	if limErr != nil {
		return ToolOutput{}, limErr
	}
	if err != nil {
		if actx.Err() != nil && ctx.Err() == nil {
			return ToolOutput{}, Errf(CodeTimeout, "tool %q exceeded %s", def.Name, timeout)
		}
		return ToolOutput{}, err
	}
	if !out.Success && out.Error == "" {
		return ToolOutput{}, Errf(CodeInvalidResult, "tool %q returned failure without error", def.Name)
	}
	return out, nil
}

// sampleState is the sampler goroutine's shared view of one attempt.
type sampleState struct {
	mu       sync.Mutex
	peakMem  float64
	peakCPU  float64
	limitErr error
}

func (s *sampleState) record(mem, cpu float64) {
	s.mu.Lock()
	if mem > s.peakMem {
		s.peakMem = mem
	}
	if cpu > s.peakCPU {
		s.peakCPU = cpu
	}
	s.mu.Unlock()
}

func (s *sampleState) setLimit(err error) {
	s.mu.Lock()
	if s.limitErr == nil {
		s.limitErr = err
	}
	s.mu.Unlock()
}

func (s *sampleState) snapshot() (mem, cpu float64, limitErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peakMem, s.peakCPU, s.limitErr
}

// watchResources samples memory/cpu each second and aborts the attempt when
// a cap is exceeded. Returns a stop func.
func (e *Executor) watchResources(ctx context.Context, def ToolDefinition, state *sampleState, abort context.CancelFunc) func() {
	memCap := def.Config.MaxMemoryMB
	if memCap == 0 {
		memCap = e.maxMemoryMB
	}
	cpuCap := def.Config.MaxCPUPercent
	if cpuCap == 0 {
		cpuCap = e.maxCPUPercent
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(samplePeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				mem, cpu := e.sampler.Sample()
				state.record(mem, cpu)
				if memCap > 0 && mem > float64(memCap) {
					state.setLimit(Errf(CodeMemoryLimit, "memory %.0fMB exceeds cap %dMB", mem, memCap))
					abort()
					return
				}
				if cpuCap > 0 && cpu > float64(cpuCap) {
					state.setLimit(Errf(CodeCPULimit, "cpu %.0f%% exceeds cap %d%%", cpu, cpuCap))
					abort()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (e *Executor) retryable(def ToolDefinition, err error) bool {
	code := CodeOf(err)
	for _, c := range def.Config.NonRetryableErrors {
		if c == code {
			return false
		}
	}
	for _, c := range defaultRetryable {
		if c == code {
			return true
		}
	}
	for _, c := range def.Config.RetryableErrorCodes {
		if c == code {
			return true
		}
	}
	return false
}

// finish writes the terminal state, records usage, and emits the matching
// event. Terminal states are written exactly once.
func (e *Executor) finish(ctx context.Context, exec *ToolExecution, status ExecStatus, err error, start time.Time) {
	if exec.Status.Terminal() {
		return
	}
	exec.Status = status
	exec.CompletedAt = NowUnix()
	exec.DurationMs = time.Since(start).Milliseconds()
	exec.Metrics.DurationMs = exec.DurationMs
	if err != nil {
		exec.Error = err.Error()
		exec.ErrorCode = CodeOf(err)
	}
	e.persist(context.WithoutCancel(ctx), exec, false)

	if e.usage != nil {
		e.usage.Record(context.WithoutCancel(ctx), UsageRecord{
			TenantID:  exec.TenantID,
			Metric:    MetricToolExecution,
			Value:     1,
			Timestamp: NowUnix(),
			Metadata: map[string]string{
				"tool":        exec.ToolName,
				"status":      string(status),
				"duration_ms": fmt.Sprintf("%d", exec.DurationMs),
			},
		})
	}

	switch status {
	case ExecCompleted:
		e.registry.Emit(EventCompleted, *exec)
	case ExecTimeout:
		e.registry.Emit(EventTimeout, *exec)
	case ExecCancelled:
		e.registry.Emit(EventCancelled, *exec)
	default:
		e.registry.Emit(EventFailed, *exec)
	}
}

func (e *Executor) persist(ctx context.Context, exec *ToolExecution, create bool) {
	if e.store == nil {
		return
	}
	var err error
	if create {
		err = e.store.StoreToolExecution(ctx, *exec)
	} else {
		err = e.store.UpdateToolExecution(ctx, *exec)
	}
	if err != nil {
		e.logger.Warn("tool execution persist failed", "execution_id", exec.ID, "error", err)
	}
}

// validateParams checks params against the tool's schema and fills schema
// defaults for absent properties.
func (e *Executor) validateParams(def ToolDefinition, params map[string]any) (map[string]any, error) {
	if params == nil {
		params = map[string]any{}
	}
	params = applySchemaDefaults(def.ParameterSchema, params)

	schema, ok := e.registry.Schema(def.Name)
	if !ok {
		return nil, Errf(CodeToolNotFound, "tool %q not registered", def.Name)
	}
	// Round-trip through JSON so the validator sees canonical types.
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, WrapErr(CodeInvalidParams, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, WrapErr(CodeInvalidParams, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, WrapErr(CodeInvalidParams, err)
	}
	if m, ok := doc.(map[string]any); ok {
		return m, nil
	}
	return params, nil
}

// applySchemaDefaults fills top-level properties carrying a "default" that
// the caller omitted.
func applySchemaDefaults(rawSchema json.RawMessage, params map[string]any) map[string]any {
	if len(rawSchema) == 0 {
		return params
	}
	var doc struct {
		Properties map[string]struct {
			Default json.RawMessage `json:"default"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(rawSchema, &doc); err != nil {
		return params
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	for name, prop := range doc.Properties {
		if _, set := out[name]; set || len(prop.Default) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(prop.Default, &v); err == nil {
			out[name] = v
		}
	}
	return out
}

// invokeHandler calls the handler, converting a panic into a failure.
func invokeHandler(ctx context.Context, h ToolHandler, params map[string]any) (out ToolOutput, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = Errf(CodeInternal, "tool handler panic: %v", rec)
		}
	}()
	return h(ctx, params)
}

// --- execution-scoped log capture ---

type execLogKey struct{}

type logBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func (b *logBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
}

func (b *logBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}

// ExecLog appends a line to the current execution's retained log. A no-op
// outside an execution context.
func ExecLog(ctx context.Context, format string, args ...any) {
	b, ok := ctx.Value(execLogKey{}).(*logBuffer)
	if !ok {
		return
	}
	b.Append(fmt.Sprintf(format, args...))
}
