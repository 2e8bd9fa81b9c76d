package statestore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/groblegark/oddjobs/internal/wal"
)

// Store is the in-memory authoritative StateStore. Callers append to the
// WAL first, then call Apply with the resulting record; Apply itself
// never touches disk.
type Store struct {
	mu sync.RWMutex

	Jobs    map[string]*JobRun
	Steps   map[string]*StepRun
	Agents  map[string]*AgentRun
	Queue   map[string]map[uint64]*QueueItem // queue name -> item id -> item
	Workers map[string]*WorkerState
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		Jobs:    make(map[string]*JobRun),
		Steps:   make(map[string]*StepRun),
		Agents:  make(map[string]*AgentRun),
		Queue:   make(map[string]map[uint64]*QueueItem),
		Workers: make(map[string]*WorkerState),
	}
}

// Image is the gob-encodable full snapshot shape written by wal.Snapshotter.
type Image struct {
	Jobs    map[string]*JobRun
	Steps   map[string]*StepRun
	Agents  map[string]*AgentRun
	Queue   map[string]map[uint64]*QueueItem
	Workers map[string]*WorkerState
}

// Snapshot returns a deep-enough copy of the store suitable for gob
// encoding or for a read-only caller (status RPC) that must not observe
// future mutation.
func (s *Store) Snapshot() Image {
	s.mu.RLock()
	defer s.mu.RUnlock()

	img := Image{
		Jobs:    make(map[string]*JobRun, len(s.Jobs)),
		Steps:   make(map[string]*StepRun, len(s.Steps)),
		Agents:  make(map[string]*AgentRun, len(s.Agents)),
		Queue:   make(map[string]map[uint64]*QueueItem, len(s.Queue)),
		Workers: make(map[string]*WorkerState, len(s.Workers)),
	}
	for k, v := range s.Jobs {
		cp := *v
		img.Jobs[k] = &cp
	}
	for k, v := range s.Steps {
		cp := *v
		img.Steps[k] = &cp
	}
	for k, v := range s.Agents {
		cp := *v
		img.Agents[k] = &cp
	}
	for qn, items := range s.Queue {
		m := make(map[uint64]*QueueItem, len(items))
		for id, it := range items {
			cp := *it
			m[id] = &cp
		}
		img.Queue[qn] = m
	}
	for k, v := range s.Workers {
		cp := *v
		img.Workers[k] = &cp
	}
	return img
}

// LoadImage replaces the store's contents with img (used after loading a
// snapshot file during recovery).
func (s *Store) LoadImage(img Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Jobs = img.Jobs
	s.Steps = img.Steps
	s.Agents = img.Agents
	s.Queue = img.Queue
	s.Workers = img.Workers
	if s.Jobs == nil {
		s.Jobs = make(map[string]*JobRun)
	}
	if s.Steps == nil {
		s.Steps = make(map[string]*StepRun)
	}
	if s.Agents == nil {
		s.Agents = make(map[string]*AgentRun)
	}
	if s.Queue == nil {
		s.Queue = make(map[string]map[uint64]*QueueItem)
	}
	if s.Workers == nil {
		s.Workers = make(map[string]*WorkerState)
	}
}

// QueueNextID returns the next monotonically increasing item id for a
// named queue, computed under the read lock so it never races Apply's
// map writes from a concurrent queue_push.
func (s *Store) QueueNextID(name string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max uint64
	for id := range s.Queue[name] {
		if id > max {
			max = id
		}
	}
	return max + 1
}

// QueueTakeCandidate returns the oldest non-in-flight item in a named
// queue, or ok=false if none is ready. The selection itself runs under
// the read lock so it never races Apply's map writes from a concurrent
// queue_push/ack/nack; the returned *QueueItem still aliases the live
// record, matching every other Store read (StepRuns, JobRuns) callers
// are already trusted not to mutate outside Apply.
func (s *Store) QueueTakeCandidate(name string) (item *QueueItem, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.Queue[name]
	var ids []uint64
	for id, it := range items {
		if !it.InFlight {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, false
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return items[ids[0]], true
}

// QueueLen reports the number of items currently in a named queue,
// under the read lock.
func (s *Store) QueueLen(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Queue[name])
}

// Evict removes a terminal JobRun and its StepRuns from memory, for the
// archive's retain-in-memory pruning. It is a no-op if the job is absent
// or not yet terminal, so callers never need to check first.
func (s *Store) Evict(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jr, ok := s.Jobs[jobID]
	if !ok || !jr.Status.Terminal() {
		return
	}
	delete(s.Jobs, jobID)
	for id, st := range s.Steps {
		if st.JobID == jobID {
			delete(s.Steps, id)
		}
	}
}

// Apply mutates the store according to rec.Kind/rec.Fields. It is the
// single source of truth for how a WAL record maps onto an in-memory
// state change — both the live commit path and recovery replay route
// through this function, which is what guarantees spec.md invariant 4
// (replay(W) == live application of W).
func (s *Store) Apply(rec wal.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := rec.Fields
	switch rec.Kind {
	case wal.JobCreated:
		id := str(f, "id")
		s.Jobs[id] = &JobRun{
			ID:             id,
			JobName:        str(f, "job_name"),
			Args:           mapAny(f, "args"),
			Item:           mapAny(f, "item"),
			WorkspaceNonce: str(f, "workspace_nonce"),
			RetryCounters:  map[string]int{},
			Status:         StatusPending,
			StartedAt:      rec.Timestamp,
		}

	case wal.JobStatusChanged:
		job, ok := s.Jobs[str(f, "id")]
		if !ok {
			return fmt.Errorf("statestore: JobStatusChanged: unknown job %q", str(f, "id"))
		}
		job.Status = Status(str(f, "status"))
		if reason := str(f, "reason"); reason != "" {
			job.FailureReason = reason
		}
		if job.Status.Terminal() {
			job.EndedAt = rec.Timestamp
		}

	case wal.StepEntered:
		job, ok := s.Jobs[str(f, "job_id")]
		if !ok {
			return fmt.Errorf("statestore: StepEntered: unknown job %q", str(f, "job_id"))
		}
		job.CurrentStep = str(f, "step_name")
		job.CircuitCount++
		job.Status = StatusRunning
		job.TransitionHistory = append(job.TransitionHistory, TransitionEntry{
			Step: str(f, "step_name"), Status: StatusRunning, At: rec.Timestamp,
		})

	case wal.StepAttemptStarted:
		id := str(f, "id")
		attempt := intOf(f, "attempt")
		s.Steps[id] = &StepRun{
			ID:        id,
			JobID:     str(f, "job_id"),
			StepName:  str(f, "step_name"),
			Attempt:   attempt,
			Status:    StatusRunning,
			StartedAt: rec.Timestamp,
		}
		if job, ok := s.Jobs[str(f, "job_id")]; ok {
			if job.RetryCounters == nil {
				job.RetryCounters = map[string]int{}
			}
			job.RetryCounters[str(f, "step_name")] = attempt
		}

	case wal.StepStatusChanged:
		step, ok := s.Steps[str(f, "id")]
		if !ok {
			return fmt.Errorf("statestore: StepStatusChanged: unknown step %q", str(f, "id"))
		}
		step.Status = Status(str(f, "status"))
		if tag := str(f, "failure_tag"); tag != "" {
			step.FailureTag = tag
		}
		if text := str(f, "failure_text"); text != "" {
			step.FailureText = text
		}
		if code, ok := f["exit_code"]; ok {
			c := intVal(code)
			step.ExitCode = &c
		}
		if step.Status.Terminal() {
			step.EndedAt = rec.Timestamp
		}

	case wal.AgentCreated:
		id := str(f, "id")
		s.Agents[id] = &AgentRun{
			ID:             id,
			StepID:         str(f, "step_id"),
			SessionName:    str(f, "session_name"),
			LogPath:        str(f, "log_path"),
			State:          AgentWorking,
			LastProgressAt: rec.Timestamp,
			ReactionBudget: map[string]int{},
			LastNudgeAt:    map[string]time.Time{},
		}
		if step, ok := s.Steps[str(f, "step_id")]; ok {
			step.AgentID = id
		}

	case wal.AgentStateChanged:
		agent, ok := s.Agents[str(f, "id")]
		if !ok {
			return fmt.Errorf("statestore: AgentStateChanged: unknown agent %q", str(f, "id"))
		}
		agent.State = AgentState(str(f, "state"))
		if reason := str(f, "error_reason"); reason != "" {
			agent.ErrorReason = reason
		}
		if agent.State == AgentWorking {
			agent.LastProgressAt = rec.Timestamp
		}
		if budget := mapAny(f, "reaction_budget"); budget != nil {
			for k, v := range budget {
				agent.ReactionBudget[k] = intVal(v)
			}
		}
		if nudgeKey := str(f, "nudge_key"); nudgeKey != "" {
			agent.LastNudgeAt[nudgeKey] = rec.Timestamp
		}

	case wal.AgentReconnected:
		agent, ok := s.Agents[str(f, "id")]
		if !ok {
			return fmt.Errorf("statestore: AgentReconnected: unknown agent %q", str(f, "id"))
		}
		agent.AdapterSessionID = str(f, "adapter_session_id")
		agent.State = AgentWorking
		agent.LastProgressAt = rec.Timestamp

	case wal.QueuePushed:
		qn := str(f, "queue")
		id := uint64(intOf(f, "item_id"))
		if s.Queue[qn] == nil {
			s.Queue[qn] = map[uint64]*QueueItem{}
		}
		s.Queue[qn][id] = &QueueItem{
			QueueName:  qn,
			ItemID:     id,
			Source:     str(f, "source"),
			Vars:       mapAny(f, "vars"),
			Raw:        f["raw"],
			EnqueuedAt: rec.Timestamp,
		}

	case wal.QueueTaken:
		item, err := s.queueItem(f)
		if err != nil {
			return err
		}
		item.InFlight = true
		item.AttemptNum++

	case wal.QueueAcked:
		qn := str(f, "queue")
		id := uint64(intOf(f, "item_id"))
		delete(s.Queue[qn], id)

	case wal.QueueNacked:
		item, err := s.queueItem(f)
		if err != nil {
			return err
		}
		item.InFlight = false

	case wal.QueueDropped:
		qn := str(f, "queue")
		id := uint64(intOf(f, "item_id"))
		delete(s.Queue[qn], id)

	case wal.SnapshotMarker:
		// No state mutation: purely a recovery bookmark.

	default:
		return fmt.Errorf("statestore: unknown record kind %q", rec.Kind)
	}
	return nil
}

func (s *Store) queueItem(f map[string]any) (*QueueItem, error) {
	qn := str(f, "queue")
	id := uint64(intOf(f, "item_id"))
	items, ok := s.Queue[qn]
	if !ok {
		return nil, fmt.Errorf("statestore: unknown queue %q", qn)
	}
	item, ok := items[id]
	if !ok {
		return nil, fmt.Errorf("statestore: unknown queue item %s/%d", qn, id)
	}
	return item, nil
}

func str(f map[string]any, key string) string {
	if f == nil {
		return ""
	}
	if v, ok := f[key].(string); ok {
		return v
	}
	return ""
}

func intOf(f map[string]any, key string) int {
	if f == nil {
		return 0
	}
	v, ok := f[key]
	if !ok {
		return 0
	}
	return intVal(v)
}

func intVal(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case uint64:
		return int(n)
	default:
		return 0
	}
}

func mapAny(f map[string]any, key string) map[string]any {
	if f == nil {
		return nil
	}
	if v, ok := f[key].(map[string]any); ok {
		return v
	}
	return nil
}
