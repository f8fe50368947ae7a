// Package scheduler implements the fixed-size worker pool job scheduler
// (spec.md §4.6): submit/info/try_get_result/cancel/stats over opaque
// tasks, with Queued→Running→{Done|Failed} transitions, and Cancelled
// reachable only from Queued or Running. Job bookkeeping is grounded on the teacher's
// PipelineRegistry (`internal/server/registry.go`): a mutex-guarded map of
// job state keyed by id, with a Status() snapshot method, adapted from
// one-pipeline-per-registration to one-task-submission-per-job. The
// result payload is opaque per spec.md §4.6, so it is carried as
// msgpack-encoded bytes rather than a typed Go value, the same way a
// scheduler with no knowledge of task semantics would have to.
package scheduler

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/danshapiro/mbt/internal/clock"
)

// Status is a job's lifecycle state (spec.md §3 Job).
type Status string

const (
	Queued    Status = "Queued"
	Running   Status = "Running"
	Done      Status = "Done"
	Failed    Status = "Failed"
	Cancelled Status = "Cancelled"
	Unknown   Status = "Unknown"
)

// Task is an opaque unit of work. Run receives a cancellation flag it is
// expected to check at safe points (spec.md §5 "workers are expected to
// check it at safe points; finalisation is best-effort") and returns a
// value to be msgpack-encoded into the job's result payload, or an error.
type Task func(cancelled func() bool) (any, error)

// Request is a scheduler submission.
type Request struct {
	TaskName  string
	TimeoutMs int64 // 0 means no timeout
	Run       Task
}

// JobInfo is the host-visible snapshot of a job (spec.md §3 Job).
type JobInfo struct {
	ID            string
	TaskName      string
	Status        Status
	SubmittedAt   time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
	ResultPayload []byte
	ErrorText     string
}

// Stats are process-wide scheduler counters (spec.md "SUPPLEMENTED
// FEATURES" scheduler stats; spec.md §4.6 stats()).
type Stats struct {
	Queued    int64
	Running   int64
	Done      int64
	Failed    int64
	Cancelled int64

	latencySumMs int64
	latencyCount int64
	latencyMaxMs int64
}

// MeanLatencyMs returns the mean queued-to-finished latency across Done
// and Failed jobs (cancelled jobs are not counted), or 0 if none have
// finished yet.
func (s Stats) MeanLatencyMs() float64 {
	if s.latencyCount == 0 {
		return 0
	}
	return float64(s.latencySumMs) / float64(s.latencyCount)
}

// MaxLatencyMs returns the largest observed queued-to-finished latency,
// used as a cheap stand-in for a P99 without needing a full histogram.
func (s Stats) MaxLatencyMs() int64 { return s.latencyMaxMs }

type job struct {
	info      JobInfo
	cancelled bool
}

// Scheduler is a fixed-size worker pool (spec.md §4.6). The public API is
// thread-safe (spec.md §5 "the public API is thread-safe"); the job table
// is guarded by an internal mutex, matching PipelineRegistry's shape.
type Scheduler struct {
	clk    clock.Clock
	work   chan workItem
	wg     sync.WaitGroup
	stopCh chan struct{}

	mu    sync.Mutex
	jobs  map[string]*job
	stats Stats
}

type workItem struct {
	id      string
	req     Request
	timeout int64
}

// New starts a Scheduler with workerCount workers (spec.md §4.6 "fixed
// size W (default = host cores, minimum 1)"). Callers own the returned
// Scheduler's lifecycle and should call Stop when done.
func New(workerCount int, clk clock.Clock) *Scheduler {
	if workerCount < 1 {
		workerCount = runtime.NumCPU()
	}
	if workerCount < 1 {
		workerCount = 1
	}
	s := &Scheduler{
		clk:    clk,
		work:   make(chan workItem, 4096),
		stopCh: make(chan struct{}),
		jobs:   make(map[string]*job),
	}
	for i := 0; i < workerCount; i++ {
		s.wg.Add(1)
		go s.workerLoop()
	}
	return s
}

// Stop signals all workers to exit once their current task completes and
// waits for them to drain. Queued-but-unstarted tasks are left Queued.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Submit enqueues req and returns its monotonic, never-reused job id
// (spec.md §4.6).
func (s *Scheduler) Submit(req Request) string {
	id := ulid.Make().String()
	now := s.clk.NowMS()
	s.mu.Lock()
	s.jobs[id] = &job{info: JobInfo{
		ID:          id,
		TaskName:    req.TaskName,
		Status:      Queued,
		SubmittedAt: msToTime(now),
	}}
	s.stats.Queued++
	s.mu.Unlock()

	select {
	case s.work <- workItem{id: id, req: req, timeout: req.TimeoutMs}:
	default:
		// Pool's internal queue is full; run it inline from a fresh
		// goroutine rather than blocking the submitter.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runJob(id, req)
		}()
	}
	return id
}

// Info returns a job's current snapshot, or false if id is unknown.
func (s *Scheduler) Info(id string) (JobInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return JobInfo{}, false
	}
	return j.info, true
}

// TryGetResult returns and clears a terminal job's result payload. It is
// consuming: a second call after the first successful retrieval returns
// false (spec.md §4.6 "try_get_result(job_id) → Option<Payload> (consuming)").
func (s *Scheduler) TryGetResult(id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.info.Status != Done || j.info.ResultPayload == nil {
		return nil, false
	}
	payload := j.info.ResultPayload
	j.info.ResultPayload = nil
	return payload, true
}

// Cancel requests cancellation of id. Returns true if the job transitioned
// from Queued/Running to Cancelled (spec.md §4.6). Cancellation is
// fire-and-forget (spec.md §5): a Running job's worker is only asked to
// check a flag, never interrupted.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false
	}
	switch j.info.Status {
	case Queued:
		j.info.Status = Cancelled
		j.info.FinishedAt = msToTime(s.clk.NowMS())
		s.stats.Queued--
		s.stats.Cancelled++
		return true
	case Running:
		j.cancelled = true
		// The worker observes Cancelled once it checks the flag and exits;
		// here we only record the request was accepted.
		j.info.Status = Cancelled
		j.info.FinishedAt = msToTime(s.clk.NowMS())
		s.stats.Running--
		s.stats.Cancelled++
		return true
	default:
		return false
	}
}

// Stats returns a snapshot of process-wide scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) workerLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case item := <-s.work:
			s.runJob(item.id, item.req)
		}
	}
}

func (s *Scheduler) runJob(id string, req Request) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || j.info.Status == Cancelled {
		s.mu.Unlock()
		return
	}
	s.stats.Queued--
	s.stats.Running++
	j.info.Status = Running
	j.info.StartedAt = msToTime(s.clk.NowMS())
	timeoutMs := req.TimeoutMs
	started := s.clk.NowMS()
	s.mu.Unlock()

	done := make(chan struct{})
	var result any
	var runErr error
	go func() {
		defer close(done)
		result, runErr = req.Run(func() bool {
			s.mu.Lock()
			c := j.cancelled
			s.mu.Unlock()
			return c
		})
	}()

	if timeoutMs > 0 {
		select {
		case <-done:
		case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
			s.finish(id, nil, fmt.Errorf("timeout"))
			return
		}
	} else {
		<-done
	}

	_ = started
	if runErr != nil {
		s.finish(id, nil, runErr)
		return
	}
	payload, err := msgpack.Marshal(result)
	if err != nil {
		s.finish(id, nil, fmt.Errorf("encode result: %w", err))
		return
	}
	s.finish(id, payload, nil)
}

func (s *Scheduler) finish(id string, payload []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.info.Status == Cancelled {
		return
	}
	now := msToTime(s.clk.NowMS())
	j.info.FinishedAt = now
	s.stats.Running--
	if err != nil {
		j.info.Status = Failed
		j.info.ErrorText = err.Error()
		s.stats.Failed++
	} else {
		j.info.Status = Done
		j.info.ResultPayload = payload
		s.stats.Done++
	}
	latency := j.info.FinishedAt.Sub(j.info.SubmittedAt).Milliseconds()
	s.stats.latencySumMs += latency
	s.stats.latencyCount++
	if latency > s.stats.latencyMaxMs {
		s.stats.latencyMaxMs = latency
	}
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
