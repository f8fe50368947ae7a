// Package vla implements the VLA (Vision-Language-Action) capability
// service (spec.md §4.6): it wraps internal/scheduler with request
// validation, capability-glob matching, request-hash computation, and
// JSON-lines job record emission. Content hashing is grounded on
// `internal/attractor/engine/cxdb_sink.go`'s use of blake3 for
// content-addressed blob storage, adapted here from file bytes to a
// canonical request serialization. Capability matching uses doublestar, a
// direct but previously-unwired teacher dependency, the same way a build
// system matches file globs against a pattern set.
package vla

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"

	"github.com/danshapiro/mbt/internal/clock"
	"github.com/danshapiro/mbt/internal/scheduler"
)

// ActionSpaceKind tags the shape of an action space (spec.md §3 VLA request).
type ActionSpaceKind string

const (
	Continuous ActionSpaceKind = "Continuous"
	Discrete   ActionSpaceKind = "Discrete"
)

// ActionSpace describes the bounds a VLA response must respect.
type ActionSpace struct {
	Kind   ActionSpaceKind
	Dims   int
	Bounds [][2]float64 // per-dim [min,max], length == Dims for Continuous
}

// Observation is the perception snapshot accompanying a request.
type Observation struct {
	State       []float64
	TimestampMs int64
	FrameID     string
}

// Constraints bound a VLA response (spec.md §3 VLA request).
type Constraints struct {
	MaxAbsValue float64
	MaxDelta    float64 // relative to the previous action in the same session
}

// ModelRef names a VLA model (spec.md §3 VLA request).
type ModelRef struct {
	Name    string
	Version string
}

// Request is a VLA job submission (spec.md §3 VLA request).
type Request struct {
	TaskID      string
	Instruction string
	Capability  string
	Observation Observation
	ActionSpace ActionSpace
	Constraints Constraints
	Model       ModelRef
	DeadlineMs  int64
	Seed        int64

	// PreviousAction, if non-nil, is clamped against by MaxDelta. Supplied
	// by the caller; the vla-request BT leaf leaves it nil.
	PreviousAction []float64
}

// PollStatus is the lifecycle status surfaced to a polling BT leaf
// (spec.md §4.6 poll()).
type PollStatus string

const (
	PollQueued    PollStatus = "queued"
	PollRunning   PollStatus = "running"
	PollStreaming PollStatus = "streaming"
	PollDone      PollStatus = "done"
	PollError     PollStatus = "error"
	PollTimeout   PollStatus = "timeout"
	PollCancelled PollStatus = "cancelled"
)

// FinalResult is the terminal payload of a successful job (spec.md §4.6
// "final = {status: :ok, action: {u: vector}, metadata}").
type FinalResult struct {
	Status   string
	Action   []float64
	Metadata map[string]any
}

// PollResult is what poll() returns (spec.md §4.6 point 4).
type PollResult struct {
	Status  PollStatus
	Partial *FinalResult
	Final   *FinalResult
}

// Model is a named VLA inference stub (host-supplied, akin to the planner
// model registry in spirit but producing one action from one instruction).
type Model interface {
	Infer(req Request) ([]float64, error)
}

// Capability registers a glob pattern describing which task names/request
// kinds a model can serve (spec.md "DOMAIN STACK" doublestar entry).
type Capability struct {
	Pattern string
	Model   Model
}

// JobRecord is one stable-field job-lifecycle entry (spec.md §6 "Job
// records are JSON Lines with a stable field set").
type JobRecord struct {
	TSMs         int64  `json:"ts_ms"`
	RunID        string `json:"run_id"`
	TickIndex    int64  `json:"tick_index"`
	NodeName     string `json:"node_name"`
	TaskID       string `json:"task_id"`
	Capability   string `json:"capability"`
	ModelName    string `json:"model_name"`
	ModelVersion string `json:"model_version"`
	RequestHash  string `json:"request_hash"`
	Status       string `json:"status"`
	LatencyMs    int64  `json:"latency_ms"`
	CacheHit     bool   `json:"cache_hit"`
	ReplayHit    bool   `json:"replay_hit"`
	Superseded   bool   `json:"superseded"`
	Response     any    `json:"response,omitempty"`
}

// Service wraps a Scheduler with VLA-specific validation and record
// emission (spec.md §4.6 "VLA service").
type Service struct {
	sched *scheduler.Scheduler
	clk   clock.Clock
	runID string

	mu           sync.Mutex
	capabilities []Capability
	hashCache    map[string]string // request_hash -> job id; written on submit, not read back
	records      []JobRecord
}

// NewService returns a VLA service dispatching work through sched.
func NewService(sched *scheduler.Scheduler, clk clock.Clock, runID string) *Service {
	return &Service{
		sched:     sched,
		clk:       clk,
		runID:     runID,
		hashCache: make(map[string]string),
	}
}

// RegisterCapability associates a glob pattern with a model.
func (s *Service) RegisterCapability(pattern string, model Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capabilities = append(s.capabilities, Capability{Pattern: pattern, Model: model})
}

func (s *Service) matchCapability(name string) (Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.capabilities {
		ok, err := doublestar.Match(c.Pattern, name)
		if err == nil && ok {
			return c.Model, nil
		}
	}
	return nil, fmt.Errorf("vla: no capability pattern matches %q", name)
}

// validate checks request shape eagerly (spec.md §4.6 point 1).
func validate(req Request) error {
	if req.Instruction == "" {
		return fmt.Errorf("vla: instruction must not be empty")
	}
	if req.Capability == "" {
		return fmt.Errorf("vla: capability must not be empty")
	}
	if req.ActionSpace.Kind == Continuous && len(req.ActionSpace.Bounds) != req.ActionSpace.Dims {
		return fmt.Errorf("vla: continuous action space requires %d bounds, got %d", req.ActionSpace.Dims, len(req.ActionSpace.Bounds))
	}
	if req.ActionSpace.Dims <= 0 {
		return fmt.Errorf("vla: action space dims must be positive")
	}
	return nil
}

// requestHash computes blake3 over a canonical JSON serialization of req,
// for deduplication/replay (spec.md §4.6 point 2).
func requestHash(req Request) (string, error) {
	canon, err := canonicalize(req)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(canon)
	return fmt.Sprintf("%x", sum), nil
}

// canonicalize produces a stable byte serialization: a request with the
// same field values always hashes the same, regardless of map iteration
// order elsewhere in the process.
func canonicalize(req Request) ([]byte, error) {
	type canonForm struct {
		TaskID         string
		Instruction    string
		Capability     string
		State          []float64
		TimestampMs    int64
		FrameID        string
		ActionKind     ActionSpaceKind
		Dims           int
		Bounds         [][2]float64
		MaxAbsValue    float64
		MaxDelta       float64
		ModelName      string
		ModelVersion   string
		DeadlineMs     int64
		Seed           int64
		PreviousAction []float64
	}
	cf := canonForm{
		TaskID: req.TaskID, Instruction: req.Instruction, Capability: req.Capability,
		State: req.Observation.State, TimestampMs: req.Observation.TimestampMs, FrameID: req.Observation.FrameID,
		ActionKind: req.ActionSpace.Kind, Dims: req.ActionSpace.Dims, Bounds: req.ActionSpace.Bounds,
		MaxAbsValue: req.Constraints.MaxAbsValue, MaxDelta: req.Constraints.MaxDelta,
		ModelName: req.Model.Name, ModelVersion: req.Model.Version,
		DeadlineMs: req.DeadlineMs, Seed: req.Seed, PreviousAction: req.PreviousAction,
	}
	return json.Marshal(cf)
}

// Submit validates req, hashes it, and enqueues a worker task that invokes
// the matched model and clamps its output to the declared action space
// (spec.md §4.6 point 1-3). It always returns a job id; a validation
// failure still returns an id, whose poll() yields an immediate :error
// without ever having enqueued work.
func (s *Service) Submit(req Request) string {
	start := s.clk.NowMS()

	if err := validate(req); err != nil {
		id := ulid.Make().String()
		s.recordError(id, req, err, start)
		return invalidJobPrefix + id
	}

	hash, err := requestHash(req)
	if err != nil {
		id := ulid.Make().String()
		s.recordError(id, req, err, start)
		return invalidJobPrefix + id
	}

	model, err := s.matchCapability(req.Capability)
	if err != nil {
		id := ulid.Make().String()
		s.recordError(id, req, err, start)
		return invalidJobPrefix + id
	}

	jobID := s.sched.Submit(scheduler.Request{
		TaskName:  req.Capability,
		TimeoutMs: req.DeadlineMs,
		Run: func(cancelled func() bool) (any, error) {
			action, err := model.Infer(req)
			if err != nil {
				return nil, err
			}
			clamped := clampAction(action, req.ActionSpace, req.Constraints, req.PreviousAction)
			return map[string]any{"u": clamped}, nil
		},
	})

	s.mu.Lock()
	s.hashCache[hash] = jobID
	s.records = append(s.records, JobRecord{
		TSMs: start, RunID: s.runID, TaskID: req.TaskID, Capability: req.Capability,
		ModelName: req.Model.Name, ModelVersion: req.Model.Version,
		RequestHash: hash, Status: "queued",
	})
	s.mu.Unlock()

	return jobID
}

const invalidJobPrefix = "invalid:"

func (s *Service) recordError(id string, req Request, err error, start int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, JobRecord{
		TSMs: start, RunID: s.runID, TaskID: req.TaskID, Capability: req.Capability,
		ModelName: req.Model.Name, ModelVersion: req.Model.Version,
		Status: "error", Response: err.Error(),
	})
}

// Poll returns a job's current state (spec.md §4.6 point 4).
func (s *Service) Poll(jobID string) PollResult {
	if _, ok := trimInvalidPrefix(jobID); ok {
		return PollResult{Status: PollError}
	}

	info, ok := s.sched.Info(jobID)
	if !ok {
		return PollResult{Status: PollError}
	}
	switch info.Status {
	case scheduler.Queued:
		return PollResult{Status: PollQueued}
	case scheduler.Running:
		return PollResult{Status: PollRunning}
	case scheduler.Cancelled:
		return PollResult{Status: PollCancelled}
	case scheduler.Failed:
		if info.ErrorText == "timeout" {
			return PollResult{Status: PollTimeout}
		}
		return PollResult{Status: PollError}
	case scheduler.Done:
		payload, ok := s.sched.TryGetResult(jobID)
		if !ok {
			// Already consumed by a previous poll; still report done with no
			// payload attached.
			return PollResult{Status: PollDone}
		}
		var decoded map[string]any
		if err := msgpack.Unmarshal(payload, &decoded); err != nil {
			return PollResult{Status: PollError}
		}
		final := &FinalResult{Status: "ok", Metadata: map[string]any{}}
		if u, ok := decoded["u"].([]any); ok {
			vec := make([]float64, 0, len(u))
			for _, v := range u {
				if f, ok := toFloat64(v); ok {
					vec = append(vec, f)
				}
			}
			final.Action = vec
		}
		return PollResult{Status: PollDone, Final: final}
	default:
		return PollResult{Status: PollError}
	}
}

// Cancel asks the underlying job to stop (spec.md §4.6 "cancel(job_id) → bool").
func (s *Service) Cancel(jobID string) bool {
	if _, ok := trimInvalidPrefix(jobID); ok {
		return false
	}
	return s.sched.Cancel(jobID)
}

// Records returns a snapshot of JSON-lines job records emitted so far
// (spec.md §6).
func (s *Service) Records() []JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobRecord, len(s.records))
	copy(out, s.records)
	return out
}

// DumpJSONLines renders the records as newline-delimited JSON (spec.md §6
// "Dumps").
func (s *Service) DumpJSONLines() (string, error) {
	recs := s.Records()
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].TSMs < recs[j].TSMs })
	out := ""
	for _, r := range recs {
		b, err := json.Marshal(r)
		if err != nil {
			return "", err
		}
		out += string(b) + "\n"
	}
	return out, nil
}

func trimInvalidPrefix(jobID string) (string, bool) {
	if len(jobID) > len(invalidJobPrefix) && jobID[:len(invalidJobPrefix)] == invalidJobPrefix {
		return jobID[len(invalidJobPrefix):], true
	}
	return "", false
}

// clampAction enforces action_space bounds and constraints.max_delta
// relative to the previous action in the same session (spec.md §4.6
// point 3).
func clampAction(action []float64, space ActionSpace, c Constraints, prev []float64) []float64 {
	out := make([]float64, len(action))
	copy(out, action)
	for i := range out {
		if space.Kind == Continuous && i < len(space.Bounds) {
			lo, hi := space.Bounds[i][0], space.Bounds[i][1]
			if out[i] < lo {
				out[i] = lo
			}
			if out[i] > hi {
				out[i] = hi
			}
		}
		if c.MaxAbsValue > 0 {
			if out[i] > c.MaxAbsValue {
				out[i] = c.MaxAbsValue
			}
			if out[i] < -c.MaxAbsValue {
				out[i] = -c.MaxAbsValue
			}
		}
		if c.MaxDelta > 0 && i < len(prev) {
			delta := out[i] - prev[i]
			if delta > c.MaxDelta {
				out[i] = prev[i] + c.MaxDelta
			} else if delta < -c.MaxDelta {
				out[i] = prev[i] - c.MaxDelta
			}
		}
	}
	return out
}

func toFloat64(v any) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case float32:
		return float64(f), true
	default:
		return 0, false
	}
}
