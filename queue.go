package penny

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobStatus is the execution job state machine.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// JobFunc is the unit of work. A retryable error reschedules the job with
// backoff until its retry budget runs out.
type JobFunc func(ctx context.Context) error

// Job is one queued unit. Lower Priority runs first; equal priorities run
// in enqueue order.
type Job struct {
	ID       string
	Priority int
	Timeout  time.Duration // 0 = queue default
	NoRetry  bool          // the run function owns its own retry policy
	Run      JobFunc

	status   JobStatus
	attempts int
	seq      uint64
	readyAt  time.Time
	cancel   context.CancelFunc
	err      error
	done     chan struct{}
}

// Err returns the job's terminal error, valid after Wait.
func (j *Job) Err() error { return j.err }

// Wait blocks until the job reaches a terminal state or ctx expires.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return WrapErr(CodeCancelled, ctx.Err())
	}
}

// jobHeap orders by priority, then enqueue sequence for FIFO ties.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)        { *h = append(*h, x.(*Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

// Queue is a bounded priority queue with a fixed worker pool, an
// interval-capped start rate, per-job timeouts, and retry with exponential
// backoff. At most one worker owns a given job ID at a time; enqueueing a
// duplicate of a live job is a CONFLICT.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	heap    jobHeap
	delayed []*Job // retries waiting out their backoff
	live    map[string]*Job
	seq     uint64

	concurrency int
	capacity    int
	interval    time.Duration
	intervalCap int
	timeout     time.Duration
	maxRetries  int
	baseDelay   time.Duration

	starts      int
	windowStart time.Time

	closed   bool
	draining bool
	wg       sync.WaitGroup
	baseCtx  context.Context
	stopAll  context.CancelFunc
	logger   *slog.Logger
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// QueueConcurrency sets the worker count (default 10).
func QueueConcurrency(n int) QueueOption {
	return func(q *Queue) { q.concurrency = n }
}

// QueueCapacity bounds the number of queued jobs (default 1024). Admission
// past capacity blocks briefly, then rejects with QUEUE_FULL.
func QueueCapacity(n int) QueueOption {
	return func(q *Queue) { q.capacity = n }
}

// QueueInterval and QueueIntervalCap bound job starts per window
// (defaults 1s, 20).
func QueueInterval(d time.Duration) QueueOption {
	return func(q *Queue) { q.interval = d }
}

func QueueIntervalCap(n int) QueueOption {
	return func(q *Queue) { q.intervalCap = n }
}

// QueueTimeout sets the default hard ceiling on a single job (default 60s).
func QueueTimeout(d time.Duration) QueueOption {
	return func(q *Queue) { q.timeout = d }
}

// QueueMaxRetries sets the retry budget for retryable failures (default 3).
func QueueMaxRetries(n int) QueueOption {
	return func(q *Queue) { q.maxRetries = n }
}

// QueueBaseDelay sets the initial retry backoff (default 1s).
func QueueBaseDelay(d time.Duration) QueueOption {
	return func(q *Queue) { q.baseDelay = d }
}

// QueueLogger sets the structured logger.
func QueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// NewQueue builds the queue and starts its workers.
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		live:        make(map[string]*Job),
		concurrency: 10,
		capacity:    1024,
		interval:    time.Second,
		intervalCap: 20,
		timeout:     60 * time.Second,
		maxRetries:  3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = nopLogger
	}
	q.cond = sync.NewCond(&q.mu)
	q.baseCtx, q.stopAll = context.WithCancel(context.Background())
	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue admits a job. When the queue is saturated the call blocks until
// space frees or ctx expires, then rejects with QUEUE_FULL.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = NewID()
	}
	if job.Run == nil {
		return Errf(CodeInvalidParams, "job %s has no run function", job.ID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Errf(CodeUnavailable, "queue is shut down")
	}
	if _, dup := q.live[job.ID]; dup {
		return Errf(CodeConflict, "job %s already queued or running", job.ID)
	}
	for len(q.heap)+len(q.delayed) >= q.capacity {
		if q.closed {
			return Errf(CodeUnavailable, "queue shut down while waiting for capacity")
		}
		if ctx.Err() != nil {
			return Errf(CodeQueueFull, "queue at capacity (%d)", q.capacity)
		}
		// Poll rather than wait on the condvar: admission has its own
		// deadline in ctx and must observe it.
		q.mu.Unlock()
		select {
		case <-ctx.Done():
		case <-time.After(10 * time.Millisecond):
		}
		q.mu.Lock()
	}
	if q.closed {
		return Errf(CodeUnavailable, "queue shut down while waiting for capacity")
	}

	q.seq++
	job.seq = q.seq
	job.status = JobQueued
	job.done = make(chan struct{})
	q.live[job.ID] = job
	heap.Push(&q.heap, job)
	q.cond.Broadcast()
	return nil
}

// Cancel transitions a QUEUED job to CANCELLED synchronously; a RUNNING job
// gets its context cancelled and finishes on its own. Unknown IDs are a
// NOT_FOUND error.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.live[id]
	if !ok {
		return Errf(CodeNotFound, "job %s not found", id)
	}
	switch job.status {
	case JobQueued:
		job.status = JobCancelled
		job.err = Errf(CodeCancelled, "job %s cancelled", id)
		q.removeQueuedLocked(job)
		delete(q.live, id)
		close(job.done)
	case JobRunning:
		if job.cancel != nil {
			job.cancel()
		}
	}
	return nil
}

// Status reports a live job's state.
func (q *Queue) Status(id string) (JobStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.live[id]
	if !ok {
		return "", false
	}
	return job.status, true
}

// Len reports queued (not running) jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap) + len(q.delayed)
}

// Shutdown pauses admission, gives in-flight jobs up to the grace period to
// drain, then cancels the rest. Blocks until all workers exit.
func (q *Queue) Shutdown(grace time.Duration) {
	q.mu.Lock()
	q.closed = true
	q.draining = true
	// Queued jobs never start once draining; fail them now.
	for _, job := range q.heap {
		job.status = JobCancelled
		job.err = Errf(CodeCancelled, "queue shutting down")
		delete(q.live, job.ID)
		close(job.done)
	}
	q.heap = q.heap[:0]
	for _, job := range q.delayed {
		job.status = JobCancelled
		job.err = Errf(CodeCancelled, "queue shutting down")
		delete(q.live, job.ID)
		close(job.done)
	}
	q.delayed = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		q.stopAll()
		<-done
	}
	q.stopAll()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		job := q.next()
		if job == nil {
			return
		}
		q.execute(job)
	}
}

// next blocks until a job is startable under the interval cap, or the
// queue closes with nothing left to run.
func (q *Queue) next() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		q.promoteDelayedLocked()
		if len(q.heap) > 0 {
			if wait := q.intervalWaitLocked(); wait > 0 {
				q.mu.Unlock()
				time.Sleep(wait)
				q.mu.Lock()
				continue
			}
			job := heap.Pop(&q.heap).(*Job)
			job.status = JobRunning
			q.starts++
			return job
		}
		if q.closed {
			return nil
		}
		if len(q.delayed) > 0 {
			// Poll for the nearest backoff expiry.
			q.mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			q.mu.Lock()
			continue
		}
		q.cond.Wait()
	}
}

// intervalWaitLocked enforces intervalCap starts per interval window.
func (q *Queue) intervalWaitLocked() time.Duration {
	if q.intervalCap <= 0 || q.interval <= 0 {
		return 0
	}
	now := time.Now()
	if now.Sub(q.windowStart) >= q.interval {
		q.windowStart = now
		q.starts = 0
	}
	if q.starts < q.intervalCap {
		return 0
	}
	return q.windowStart.Add(q.interval).Sub(now)
}

func (q *Queue) promoteDelayedLocked() {
	now := time.Now()
	kept := q.delayed[:0]
	for _, job := range q.delayed {
		if !job.readyAt.After(now) {
			job.status = JobQueued
			heap.Push(&q.heap, job)
		} else {
			kept = append(kept, job)
		}
	}
	q.delayed = kept
}

func (q *Queue) execute(job *Job) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = q.timeout
	}
	ctx, cancel := context.WithTimeout(q.baseCtx, timeout)

	q.mu.Lock()
	job.cancel = cancel
	q.mu.Unlock()

	err := runJob(ctx, job)
	cancel()

	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case err == nil:
		job.status = JobCompleted
	case CodeOf(err) == CodeCancelled:
		job.status = JobCancelled
		job.err = err
	case IsRetryable(err) && !job.NoRetry && job.attempts < q.maxRetries && !q.draining:
		job.attempts++
		job.status = JobQueued
		job.readyAt = time.Now().Add(retryDelay(q.baseDelay, job.attempts-1, err))
		q.logger.Warn("job retrying", "job_id", job.ID, "attempt", job.attempts, "error", err)
		q.delayed = append(q.delayed, job)
		q.cond.Broadcast()
		return
	default:
		job.status = JobFailed
		job.err = err
	}
	delete(q.live, job.ID)
	close(job.done)
	q.cond.Broadcast()
}

// runJob invokes the job function, converting a deadline hit on an
// otherwise-successful return into a TIMEOUT error and recovering panics.
func runJob(ctx context.Context, job *Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = Errf(CodeInternal, "job panic: %v", rec)
		}
	}()
	err = job.Run(ctx)
	if err == nil && ctx.Err() != nil {
		err = WrapErr(CodeOf(ctx.Err()), ctx.Err())
	}
	return err
}

func (q *Queue) removeQueuedLocked(job *Job) {
	for i, j := range q.heap {
		if j == job {
			heap.Remove(&q.heap, i)
			return
		}
	}
	for i, j := range q.delayed {
		if j == job {
			q.delayed = append(q.delayed[:i], q.delayed[i+1:]...)
			return
		}
	}
}
