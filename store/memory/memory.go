// Package memory provides in-memory store implementations used by tests and
// by dev-mode deployments that run without external services.
package memory

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/corpusworks/corpus/engine/history"
	"github.com/corpusworks/corpus/store"
)

// Store bundles one in-memory implementation of each persistence contract.
type Store struct {
	Executions *ExecutionStore
	Histories  *HistoryStore
	Tasks      *TaskStore
	Timers     *TimerStore
	Attributes *AttributeStore
	Inboxes    *InboxStore
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		Executions: NewExecutionStore(),
		Histories:  NewHistoryStore(),
		Tasks:      NewTaskStore(),
		Timers:     NewTimerStore(),
		Attributes: NewAttributeStore(),
		Inboxes:    NewInboxStore(),
	}
}

// ExecutionStore keeps execution records in a map keyed by
// workflow ID and run ID.
type ExecutionStore struct {
	mu     sync.Mutex
	recs   map[string]store.ExecutionRecord
	latest map[string]string // workflowID -> latest runID
}

var _ store.ExecutionStore = (*ExecutionStore)(nil)

// NewExecutionStore returns an empty ExecutionStore.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{
		recs:   make(map[string]store.ExecutionRecord),
		latest: make(map[string]string),
	}
}

func execKey(workflowID, runID string) string { return workflowID + "/" + runID }

// Create inserts a new execution and marks it the latest run of its
// workflow ID.
func (s *ExecutionStore) Create(_ context.Context, rec store.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := execKey(rec.WorkflowID, rec.RunID)
	if _, ok := s.recs[key]; ok {
		return store.ErrAlreadyExists
	}
	if prev, ok := s.latest[rec.WorkflowID]; ok {
		pk := execKey(rec.WorkflowID, prev)
		p := s.recs[pk]
		p.Latest = false
		s.recs[pk] = p
	}
	rec.Latest = true
	s.recs[key] = rec
	s.latest[rec.WorkflowID] = rec.RunID
	return nil
}

// Get loads an execution, resolving an empty runID to the latest run.
func (s *ExecutionStore) Get(_ context.Context, workflowID, runID string) (store.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if runID == "" {
		var ok bool
		if runID, ok = s.latest[workflowID]; !ok {
			return store.ExecutionRecord{}, store.ErrNotFound
		}
	}
	rec, ok := s.recs[execKey(workflowID, runID)]
	if !ok {
		return store.ExecutionRecord{}, store.ErrNotFound
	}
	return rec, nil
}

// Update overwrites an existing execution record. The Latest flag is owned by
// the store and preserved across updates.
func (s *ExecutionStore) Update(_ context.Context, rec store.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := execKey(rec.WorkflowID, rec.RunID)
	cur, ok := s.recs[key]
	if !ok {
		return store.ErrNotFound
	}
	rec.Latest = cur.Latest
	s.recs[key] = rec
	return nil
}

// List returns executions matching the filter, newest first.
func (s *ExecutionStore) List(_ context.Context, f store.ExecutionFilter) ([]store.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ExecutionRecord
	for _, rec := range s.recs {
		if f.TenantID != "" && rec.TenantID != f.TenantID {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.WorkflowType != "" && rec.WorkflowType != f.WorkflowType {
			continue
		}
		if f.LatestOnly && !rec.Latest {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// HistoryStore keeps per-run event slices.
type HistoryStore struct {
	mu   sync.Mutex
	evs  map[string][]history.Event
	size map[string]int64
}

var _ store.HistoryStore = (*HistoryStore)(nil)

// NewHistoryStore returns an empty HistoryStore.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{
		evs:  make(map[string][]history.Event),
		size: make(map[string]int64),
	}
}

// Append appends events under optimistic concurrency control.
func (s *HistoryStore) Append(_ context.Context, runID string, expectedNext int64, events []history.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.evs[runID]
	next := int64(len(evs)) + 1
	if next != expectedNext {
		return next, store.ErrConflict
	}
	for i, ev := range events {
		if want := expectedNext + int64(i); ev.ID != want {
			return next, fmt.Errorf("event ID %d out of sequence, want %d", ev.ID, want)
		}
	}
	s.evs[runID] = append(evs, events...)
	s.size[runID] += history.TotalSize(events)
	return next + int64(len(events)), nil
}

// Load returns events with ID >= fromID in order.
func (s *HistoryStore) Load(_ context.Context, runID string, fromID int64) ([]history.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.evs[runID]
	if fromID < 1 {
		fromID = 1
	}
	if fromID > int64(len(evs)) {
		return nil, nil
	}
	out := make([]history.Event, len(evs)-int(fromID-1))
	copy(out, evs[fromID-1:])
	return out, nil
}

// NextEventID returns the ID the next appended event will receive.
func (s *HistoryStore) NextEventID(_ context.Context, runID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.evs[runID])) + 1, nil
}

// TaskStore keeps activity tasks and implements lease semantics.
type TaskStore struct {
	mu   sync.Mutex
	recs map[string]store.TaskRecord
	seq  int64
}

var _ store.TaskStore = (*TaskStore)(nil)

// NewTaskStore returns an empty TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{recs: make(map[string]store.TaskRecord)}
}

// Create inserts a new task and assigns its queue sequence.
func (s *TaskStore) Create(_ context.Context, rec store.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.TaskID]; ok {
		return store.ErrAlreadyExists
	}
	s.seq++
	rec.Seq = s.seq
	if rec.State == "" {
		rec.State = store.TaskStateScheduled
	}
	s.recs[rec.TaskID] = rec
	return nil
}

// Claim leases the oldest visible task on the queue.
func (s *TaskStore) Claim(_ context.Context, queue, workerID string, now, leaseUntil time.Time) (store.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  store.TaskRecord
		found bool
	)
	for _, rec := range s.recs {
		if rec.Queue != queue || !rec.State.Pending() || rec.VisibleAt.After(now) {
			continue
		}
		if !found || rec.Seq < best.Seq {
			best, found = rec, true
		}
	}
	if !found {
		return store.TaskRecord{}, store.ErrNoTask
	}
	best.State = store.TaskStateLeased
	best.WorkerID = workerID
	best.LeaseDeadline = leaseUntil
	s.recs[best.TaskID] = best
	return best, nil
}

// Get loads a task by ID.
func (s *TaskStore) Get(_ context.Context, taskID string) (store.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[taskID]
	if !ok {
		return store.TaskRecord{}, store.ErrNotFound
	}
	return rec, nil
}

// Update overwrites a task record.
func (s *TaskStore) Update(_ context.Context, rec store.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.TaskID]; !ok {
		return store.ErrNotFound
	}
	s.recs[rec.TaskID] = rec
	return nil
}

// Delete removes a task. Deleting an absent task is a no-op.
func (s *TaskStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, taskID)
	return nil
}

// Expired returns tasks whose lease, schedule, or close deadline passed.
func (s *TaskStore) Expired(_ context.Context, now time.Time, limit int) ([]store.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.TaskRecord
	for _, rec := range s.recs {
		expired := rec.State == store.TaskStateLeased && !rec.LeaseDeadline.After(now)
		expired = expired || rec.State.Pending() && !rec.ScheduleDeadline.IsZero() && !rec.ScheduleDeadline.After(now)
		expired = expired || !rec.CloseDeadline.IsZero() && !rec.CloseDeadline.After(now)
		if expired {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListByRun returns the tasks of a run ordered by sequence.
func (s *TaskStore) ListByRun(_ context.Context, runID string) ([]store.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.TaskRecord
	for _, rec := range s.recs {
		if rec.RunID == runID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Depths reports the number of claimable tasks per queue.
func (s *TaskStore) Depths(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for _, rec := range s.recs {
		if rec.State.Pending() {
			out[rec.Queue]++
		}
	}
	return out, nil
}

// TimerStore keeps durable timers.
type TimerStore struct {
	mu   sync.Mutex
	recs map[string]store.TimerRecord
}

var _ store.TimerStore = (*TimerStore)(nil)

// NewTimerStore returns an empty TimerStore.
func NewTimerStore() *TimerStore {
	return &TimerStore{recs: make(map[string]store.TimerRecord)}
}

// Create inserts a durable timer.
func (s *TimerStore) Create(_ context.Context, rec store.TimerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.TimerID]; ok {
		return store.ErrAlreadyExists
	}
	s.recs[rec.TimerID] = rec
	return nil
}

// Due returns timers with FireAt <= now, oldest first.
func (s *TimerStore) Due(_ context.Context, now time.Time, limit int) ([]store.TimerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.TimerRecord
	for _, rec := range s.recs {
		if !rec.FireAt.After(now) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].TimerID < out[j].TimerID
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete removes a timer. Deleting an absent timer is a no-op.
func (s *TimerStore) Delete(_ context.Context, timerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, timerID)
	return nil
}

// DeleteByRun removes all timers of a run.
func (s *TimerStore) DeleteByRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.recs {
		if rec.RunID == runID {
			delete(s.recs, id)
		}
	}
	return nil
}

// AttributeStore keeps the search-attribute index.
type AttributeStore struct {
	mu   sync.Mutex
	recs map[string]store.AttributeRecord // runID
}

var _ store.AttributeStore = (*AttributeStore)(nil)

// NewAttributeStore returns an empty AttributeStore.
func NewAttributeStore() *AttributeStore {
	return &AttributeStore{recs: make(map[string]store.AttributeRecord)}
}

// Upsert merges attributes into the run's record.
func (s *AttributeStore) Upsert(_ context.Context, rec store.AttributeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.recs[rec.RunID]
	if !ok {
		cur = rec
		cur.Attributes = make(map[string]any, len(rec.Attributes))
	}
	cur.WorkflowID = rec.WorkflowID
	cur.WorkflowType = rec.WorkflowType
	cur.TenantID = rec.TenantID
	if rec.Status != "" {
		cur.Status = rec.Status
	}
	cur.UpdatedAt = rec.UpdatedAt
	for k, v := range rec.Attributes {
		cur.Attributes[k] = v
	}
	s.recs[rec.RunID] = cur
	return nil
}

// Query returns records matching all predicates, most recently updated first.
func (s *AttributeStore) Query(_ context.Context, q store.AttributeQuery) ([]store.AttributeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.AttributeRecord
	for _, rec := range s.recs {
		if !matches(rec, q) {
			continue
		}
		out = append(out, cloneAttrs(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Get loads the record of one run.
func (s *AttributeStore) Get(_ context.Context, runID string) (store.AttributeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[runID]
	if !ok {
		return store.AttributeRecord{}, store.ErrNotFound
	}
	return cloneAttrs(rec), nil
}

func matches(rec store.AttributeRecord, q store.AttributeQuery) bool {
	if q.TenantID != "" && rec.TenantID != q.TenantID {
		return false
	}
	if q.Status != "" && rec.Status != q.Status {
		return false
	}
	for k, want := range q.Equals {
		got, ok := rec.Attributes[k]
		if !ok || !attrEqual(got, want) {
			return false
		}
	}
	if !q.DueBefore.IsZero() {
		due, ok := attrTime(rec.Attributes["DueAt"])
		if !ok || !due.Before(q.DueBefore) {
			return false
		}
	}
	return true
}

// attrEqual compares attribute values, normalizing numeric types so values
// decoded from JSON (float64) match values written by workflow code (int).
func attrEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func attrTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}

func cloneAttrs(rec store.AttributeRecord) store.AttributeRecord {
	out := rec
	out.Attributes = make(map[string]any, len(rec.Attributes))
	for k, v := range rec.Attributes {
		out.Attributes[k] = v
	}
	return out
}

// InboxStore keeps per-principal ordered inboxes.
type InboxStore struct {
	mu   sync.Mutex
	recs map[string][]store.InboxRecord // ascending sequence
	seq  map[string]int64
}

var _ store.InboxStore = (*InboxStore)(nil)

// NewInboxStore returns an empty InboxStore.
func NewInboxStore() *InboxStore {
	return &InboxStore{
		recs: make(map[string][]store.InboxRecord),
		seq:  make(map[string]int64),
	}
}

// Append stores a signal and returns its allocated sequence.
func (s *InboxStore) Append(_ context.Context, rec store.InboxRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.seq[rec.Principal] + 1
	s.seq[rec.Principal] = seq
	rec.Sequence = seq
	s.recs[rec.Principal] = append(s.recs[rec.Principal], rec)
	return seq, nil
}

// List returns signals ordered by descending sequence.
func (s *InboxStore) List(_ context.Context, principal string, limit, offset int) ([]store.InboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.recs[principal]
	var out []store.InboxRecord
	for i := len(recs) - 1 - offset; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, recs[i])
	}
	return out, nil
}

// MarkRead sets the read timestamp of one signal.
func (s *InboxStore) MarkRead(_ context.Context, principal string, sequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.recs[principal]
	for i, rec := range recs {
		if rec.Sequence != sequence {
			continue
		}
		if rec.ReadAt.IsZero() {
			recs[i].ReadAt = time.Now().UTC()
		}
		return nil
	}
	return store.ErrNotFound
}

// UnreadCount reports the number of unread signals.
func (s *InboxStore) UnreadCount(_ context.Context, principal string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.recs[principal] {
		if rec.ReadAt.IsZero() {
			n++
		}
	}
	return n, nil
}

// Unread returns unread signals ordered by ascending sequence.
func (s *InboxStore) Unread(_ context.Context, principal string, limit int) ([]store.InboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.InboxRecord
	for _, rec := range s.recs[principal] {
		if !rec.ReadAt.IsZero() {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}
