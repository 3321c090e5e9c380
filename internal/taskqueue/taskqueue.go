// Package taskqueue implements the per-engine, in-process priority queue:
// deduplicated adds, deterministic ordering, retry-with-cap, stuck-task
// recovery, plus the dirty-at timestamp used to trigger eager persistence.
package taskqueue

import (
	"sort"
	"sync"
	"time"

	"github.com/harlowdev/questkeeper/internal/domain"
)

const (
	// DefaultMaxRetries is applied to tasks that don't specify their own cap.
	DefaultMaxRetries = 3

	// MaxRunningAge is how long a task may sit in `running` before stuck
	// recovery assumes its host died mid-execution.
	MaxRunningAge = 2 * time.Minute

	// RecoveryCheckInterval throttles how often GetNext triggers a stuck
	// scan.
	RecoveryCheckInterval = 30 * time.Second

	// TerminalTTL is how long a completed/failed task survives before
	// eager eviction.
	TerminalTTL = 10 * time.Minute
)

// nowFunc is overridable in tests.
var nowFunc = time.Now

// Queue is one engine's task queue. The zero value is not ready for use;
// create instances with New.
type Queue struct {
	mu       sync.Mutex
	tasks    map[int64]*domain.Task
	nextID   int64
	dirtyAt  time.Time
	lastScan time.Time // last stuck-recovery scan time
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{tasks: make(map[int64]*domain.Task)}
}

func (q *Queue) markDirtyLocked() { q.dirtyAt = nowFunc() }

// DirtyAt returns the timestamp of the most recent mutation, or the zero
// time if the queue is clean.
func (q *Queue) DirtyAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dirtyAt
}

// MarkClean zeroes the dirty-at timestamp. Callers must only do this
// immediately after a successful persistence flush.
func (q *Queue) MarkClean() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dirtyAt = time.Time{}
}

// nonTerminalDedupMatch reports whether any non-terminal task already
// occupies dedupKey.
func (q *Queue) nonTerminalDedupMatch(dedupKey string) bool {
	if dedupKey == "" {
		return false
	}
	for _, t := range q.tasks {
		if t.IsTerminal() {
			continue
		}
		if t.DedupKey() == dedupKey {
			return true
		}
	}
	return false
}

// Add enqueues a new task unless a non-terminal duplicate already exists
// for its dedup key, in which case it returns (0, false) and the caller is
// expected to treat that as a silent no-op rather than a failure.
func (q *Queue) Add(typ domain.TaskType, params []byte, priority int, villageID string, scheduledFor time.Time) (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	candidate := &domain.Task{Type: typ, Params: params, VillageID: villageID}
	if dk := candidate.DedupKey(); dk != "" && q.nonTerminalDedupMatch(dk) {
		return 0, false
	}

	q.nextID++
	id := q.nextID
	now := nowFunc()
	if scheduledFor.IsZero() {
		scheduledFor = now
	}
	t := &domain.Task{
		ID:           id,
		Type:         typ,
		Params:       params,
		Priority:     priority,
		VillageID:    villageID,
		Status:       domain.TaskPending,
		CreatedAt:    now,
		ScheduledFor: scheduledFor,
		MaxRetries:   DefaultMaxRetries,
	}
	q.tasks[id] = t
	q.markDirtyLocked()
	return id, true
}

// Remove deletes a task regardless of status.
func (q *Queue) Remove(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.tasks[id]; !ok {
		return false
	}
	delete(q.tasks, id)
	q.markDirtyLocked()
	return true
}

// recoverStuckLocked requeues or fails tasks stuck in running past
// MaxRunningAge, throttled to once per RecoveryCheckInterval.
func (q *Queue) recoverStuckLocked() {
	now := nowFunc()
	if now.Sub(q.lastScan) < RecoveryCheckInterval {
		return
	}
	q.lastScan = now

	for _, t := range q.tasks {
		if t.Status != domain.TaskRunning {
			continue
		}
		if now.Sub(t.StartedAt) <= MaxRunningAge {
			continue
		}
		t.Retries++
		if t.Retries >= t.MaxRetries {
			t.Status = domain.TaskFailed
			t.Error = "stuck"
		} else {
			t.Status = domain.TaskPending
		}
		q.markDirtyLocked()
	}
}

// GetNext runs stuck-task recovery, then returns the lowest-(priority,
// createdAt) ready pending task, transitioning it to running. A task that
// this call's recovery returned to pending is not picked by the same call.
// Returns nil if no task is ready.
func (q *Queue) GetNext() *domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	wasRunning := make(map[int64]bool)
	for id, t := range q.tasks {
		if t.Status == domain.TaskRunning {
			wasRunning[id] = true
		}
	}
	q.recoverStuckLocked()

	now := nowFunc()
	var candidates []*domain.Task
	for _, t := range q.tasks {
		if t.Status != domain.TaskPending || wasRunning[t.ID] {
			continue
		}
		if t.ScheduledFor.After(now) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	next := candidates[0]
	next.Status = domain.TaskRunning
	next.StartedAt = now
	q.markDirtyLocked()

	cp := *next
	return &cp
}

// Peek returns the task GetNext would currently pick, without mutating it.
func (q *Queue) Peek() *domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := nowFunc()
	var best *domain.Task
	for _, t := range q.tasks {
		if t.Status != domain.TaskPending || t.ScheduledFor.After(now) {
			continue
		}
		if best == nil || t.Priority < best.Priority ||
			(t.Priority == best.Priority && t.CreatedAt.Before(best.CreatedAt)) {
			best = t
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

// Update applies patch to task id via fn, returning false if id is absent.
func (q *Queue) Update(id int64, fn func(*domain.Task)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return false
	}
	fn(t)
	q.markDirtyLocked()
	return true
}

// evictTerminalLocked drops terminal tasks past TerminalTTL, called after
// every MarkCompleted/MarkFailed.
func (q *Queue) evictTerminalLocked() {
	now := nowFunc()
	for id, t := range q.tasks {
		if t.IsTerminal() && now.Sub(t.CreatedAt) > TerminalTTL {
			delete(q.tasks, id)
		}
	}
}

// MarkCompleted transitions id to completed and evicts aged terminal tasks.
func (q *Queue) MarkCompleted(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return false
	}
	t.Status = domain.TaskCompleted
	q.markDirtyLocked()
	q.evictTerminalLocked()
	return true
}

// MarkFailed increments retries and either requeues to pending or, at the
// retry cap, transitions to failed with errMsg recorded.
func (q *Queue) MarkFailed(id int64, errMsg string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return false
	}
	t.Retries++
	t.Error = errMsg
	if t.Retries >= t.MaxRetries {
		t.Status = domain.TaskFailed
	} else {
		t.Status = domain.TaskPending
	}
	q.markDirtyLocked()
	q.evictTerminalLocked()
	return true
}

// ForceMaxRetries immediately exhausts retries and marks the task failed.
// Used for hopeless failure reasons where retrying is pointless.
func (q *Queue) ForceMaxRetries(id int64, errMsg string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return false
	}
	t.Retries = t.MaxRetries
	t.Status = domain.TaskFailed
	t.Error = errMsg
	q.markDirtyLocked()
	q.evictTerminalLocked()
	return true
}

// GetAll returns a snapshot copy of every task currently in the queue.
func (q *Queue) GetAll() []domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Size returns the total task count (all statuses).
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Clear drops every task.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = make(map[int64]*domain.Task)
	q.markDirtyLocked()
}

// ClearCompleted drops every terminal task regardless of age.
func (q *Queue) ClearCompleted() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, t := range q.tasks {
		if t.IsTerminal() {
			delete(q.tasks, id)
		}
	}
	q.markDirtyLocked()
}

// HasTaskOfType reports whether a non-terminal task of typ exists for
// villageID specifically.
func (q *Queue) HasTaskOfType(typ domain.TaskType, villageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.Type == typ && t.VillageID == villageID && !t.IsTerminal() {
			return true
		}
	}
	return false
}

// HasAnyTaskOfType reports whether a non-terminal task of typ exists in
// any village.
func (q *Queue) HasAnyTaskOfType(typ domain.TaskType) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.Type == typ && !t.IsTerminal() {
			return true
		}
	}
	return false
}

// Snapshot is the serializable form of a Queue embedded in the per-server
// persisted run state.
type Snapshot struct {
	NextID int64         `json:"nextId"`
	Tasks  []domain.Task `json:"tasks"`
}

// TakeSnapshot captures the queue for persistence.
func (q *Queue) TakeSnapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := make([]domain.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		tasks = append(tasks, *t)
	}
	return Snapshot{NextID: q.nextID, Tasks: tasks}
}

// Restore replaces the queue's contents with snap, resetting any `running`
// task back to `pending`; a restored task's previous host is gone, so its
// execution cannot still be in flight. The dirty-at timestamp is left clean,
// since restoring from a just-read snapshot is not itself a mutation that
// needs re-flushing.
func (q *Queue) Restore(snap Snapshot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = make(map[int64]*domain.Task, len(snap.Tasks))
	q.nextID = snap.NextID
	for i := range snap.Tasks {
		t := snap.Tasks[i]
		if t.Status == domain.TaskRunning {
			t.Status = domain.TaskPending
		}
		q.tasks[t.ID] = &t
	}
}
