// Package taskstore holds every manager's task list behind a single mutex and
// persists the whole registry as one JSON document after each mutation.
package taskstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/kolabd/internal/clock"
	"pkt.systems/kolabd/internal/protocol"
	"pkt.systems/kolabd/internal/storage"
	"pkt.systems/kolabd/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultKey names the snapshot document when Config.Key is empty.
const DefaultKey = "tasks.json"

var (
	// ErrNotFound reports that no task matched the requested name.
	ErrNotFound = errors.New("taskstore: task not found")
	// ErrInvalidTask reports a missing manager, task name or employee.
	ErrInvalidTask = errors.New("taskstore: invalid task")
)

// ErrorRecorder receives persistence failures, typically the audit trail.
type ErrorRecorder interface {
	Error(where string, err error)
}

type discardErrors struct{}

func (discardErrors) Error(string, error) {}

// Config wires a Store to its snapshot backend.
type Config struct {
	Backend storage.Backend
	Key     string
	Logger  pslog.Logger
	Clock   clock.Clock

	// Errors, when set, also receives persist failures.
	Errors ErrorRecorder
}

// Store is the in-memory manager registry. All methods are safe for
// concurrent use; each runs under the store-wide lock, persistence included.
type Store struct {
	mu       sync.Mutex
	managers map[string][]protocol.Task
	order    []string

	backend  storage.Backend
	key      string
	logger   pslog.Logger
	clock    clock.Clock
	tracer   trace.Tracer
	metrics  *storeMetrics
	failures ErrorRecorder
}

// Open builds a store and loads the snapshot from cfg.Backend. A missing,
// empty or unreadable snapshot yields an empty store; the failure is logged
// and not returned.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("taskstore: backend required")
	}
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = DefaultKey
	}
	if err := storage.ValidateKey(key); err != nil {
		return nil, fmt.Errorf("taskstore: %w", err)
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "taskstore")
	s := &Store{
		managers: make(map[string][]protocol.Task),
		backend:  cfg.Backend,
		key:      key,
		logger:   logger,
		clock:    clock.OrReal(cfg.Clock),
		tracer:   otel.Tracer("pkt.systems/kolabd/taskstore"),
		failures: cfg.Errors,
	}
	if s.failures == nil {
		s.failures = discardErrors{}
	}
	s.metrics = newStoreMetrics(logger, s)
	s.load(ctx)
	return s, nil
}

func (s *Store) load(ctx context.Context) {
	data, _, err := storage.ReadAll(ctx, s.backend, s.key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.logger.Info("taskstore.load.missing", "key", s.key)
		return
	case err != nil:
		s.logger.Warn("taskstore.load.error", "key", s.key, "error", err)
		return
	}
	if len(bytes.TrimSpace(data)) == 0 {
		s.logger.Info("taskstore.load.empty", "key", s.key)
		return
	}
	names, doc, err := decodeDocument(data)
	if err != nil {
		s.logger.Warn("taskstore.load.corrupt", "key", s.key, "error", err)
		return
	}
	tasks := 0
	for _, name := range names {
		s.managers[name] = doc[name]
		s.order = append(s.order, name)
		tasks += len(doc[name])
	}
	s.logger.Info("taskstore.load.success",
		"key", s.key,
		"managers", len(names),
		"tasks", tasks,
		"size", humanize.Bytes(uint64(len(data))),
	)
}

func (s *Store) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "kolabd.taskstore."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("kolabd.taskstore.operation", op)),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ensureLocked inserts an empty collection for manager and reports whether it
// was created.
func (s *Store) ensureLocked(manager string) bool {
	if _, ok := s.managers[manager]; ok {
		return false
	}
	s.managers[manager] = []protocol.Task{}
	s.order = append(s.order, manager)
	return true
}

// EnsureManager registers manager with an empty task list. Blank names and
// existing managers are no-ops.
func (s *Store) EnsureManager(ctx context.Context, manager string) {
	manager = strings.TrimSpace(manager)
	if manager == "" {
		return
	}
	ctx, span := s.startSpan(ctx, "ensure_manager")
	defer endSpan(span, nil)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ensureLocked(manager) {
		return
	}
	s.logger.Info("taskstore.manager.created", "manager", manager)
	s.metrics.recordMutation(ctx, "ensure_manager", "ok")
	s.persistLocked(ctx)
}

// AddTask appends task to manager's list. The stored task is always pending
// with an empty comment.
func (s *Store) AddTask(ctx context.Context, manager string, task protocol.Task) (protocol.Task, error) {
	ctx, span := s.startSpan(ctx, "add_task")
	manager = strings.TrimSpace(manager)
	if manager == "" || strings.TrimSpace(task.Name) == "" || strings.TrimSpace(task.Employee) == "" {
		s.metrics.recordMutation(ctx, "add_task", "invalid")
		endSpan(span, ErrInvalidTask)
		return protocol.Task{}, ErrInvalidTask
	}
	defer endSpan(span, nil)
	task.Status = protocol.StatusPending
	task.Comment = ""
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(manager)
	s.managers[manager] = append(s.managers[manager], task)
	s.logger.Info("taskstore.task.added",
		"manager", manager,
		"task", task.Name,
		"employee", task.Employee,
		"priority", task.Priority,
		"deadline", task.Deadline.String(),
	)
	s.metrics.recordMutation(ctx, "add_task", "ok")
	s.persistLocked(ctx)
	return task, nil
}

// ChangePriority overwrites the priority of taskName within manager's list.
func (s *Store) ChangePriority(ctx context.Context, manager, taskName string, priority int) error {
	ctx, span := s.startSpan(ctx, "change_priority")
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := indexOf(s.managers[strings.TrimSpace(manager)], taskName)
	if idx < 0 {
		s.metrics.recordMutation(ctx, "change_priority", "not_found")
		endSpan(span, ErrNotFound)
		return ErrNotFound
	}
	defer endSpan(span, nil)
	list := s.managers[strings.TrimSpace(manager)]
	previous := list[idx].Priority
	list[idx].Priority = priority
	s.logger.Info("taskstore.task.priority_changed",
		"manager", manager,
		"task", list[idx].Name,
		"from", previous,
		"to", priority,
	)
	s.metrics.recordMutation(ctx, "change_priority", "ok")
	s.persistLocked(ctx)
	return nil
}

// SetStatus sets the status of the first task named taskName across all
// managers. Any transition is accepted.
func (s *Store) SetStatus(ctx context.Context, taskName string, status protocol.Status) error {
	if !status.Valid() {
		return ErrInvalidTask
	}
	ctx, span := s.startSpan(ctx, "set_status")
	s.mu.Lock()
	defer s.mu.Unlock()
	manager, idx := s.findLocked(taskName)
	if idx < 0 {
		s.metrics.recordMutation(ctx, "set_status", "not_found")
		endSpan(span, ErrNotFound)
		return ErrNotFound
	}
	defer endSpan(span, nil)
	task := &s.managers[manager][idx]
	previous := task.Status
	task.Status = status
	s.logger.Info("taskstore.task.status_changed",
		"manager", manager,
		"task", task.Name,
		"from", previous.String(),
		"to", status.String(),
	)
	s.metrics.recordMutation(ctx, "set_status", "ok")
	s.persistLocked(ctx)
	return nil
}

// CompleteTask marks the first task named taskName as done and stores the
// trimmed comment.
func (s *Store) CompleteTask(ctx context.Context, taskName, comment string) error {
	ctx, span := s.startSpan(ctx, "complete_task")
	s.mu.Lock()
	defer s.mu.Unlock()
	manager, idx := s.findLocked(taskName)
	if idx < 0 {
		s.metrics.recordMutation(ctx, "complete_task", "not_found")
		endSpan(span, ErrNotFound)
		return ErrNotFound
	}
	defer endSpan(span, nil)
	task := &s.managers[manager][idx]
	task.Status = protocol.StatusDone
	task.Comment = strings.TrimSpace(comment)
	s.logger.Info("taskstore.task.completed",
		"manager", manager,
		"task", task.Name,
		"comment", task.Comment,
	)
	s.metrics.recordMutation(ctx, "complete_task", "ok")
	s.persistLocked(ctx)
	return nil
}

// TasksForEmployee returns every task assigned to employee ordered by status
// rank, priority, deadline and case-insensitive name.
func (s *Store) TasksForEmployee(employee string) []protocol.Assignment {
	employee = strings.TrimSpace(employee)
	if employee == "" {
		return nil
	}
	s.mu.Lock()
	var out []protocol.Assignment
	for _, manager := range s.order {
		for _, task := range s.managers[manager] {
			if strings.EqualFold(task.Employee, employee) {
				out = append(out, protocol.Assignment{Manager: manager, Task: task})
			}
		}
	}
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Task, out[j].Task
		if ra, rb := a.Status.Rank(), b.Status.Rank(); ra != rb {
			return ra < rb
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if c := a.Deadline.Compare(b.Deadline); c != 0 {
			return c < 0
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
	return out
}

// AllTasksForManager returns in-progress then pending tasks by ascending
// priority, followed by done tasks in insertion order.
func (s *Store) AllTasksForManager(manager string) []protocol.Task {
	manager = strings.TrimSpace(manager)
	if manager == "" {
		return nil
	}
	s.mu.Lock()
	out := append([]protocol.Task(nil), s.managers[manager]...)
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ra, rb := a.Status.Rank(), b.Status.Rank(); ra != rb {
			return ra < rb
		}
		if a.Status == protocol.StatusDone {
			return false
		}
		return a.Priority < b.Priority
	})
	return out
}

// Snapshot returns a deep copy of the registry.
func (s *Store) Snapshot() map[string][]protocol.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]protocol.Task, len(s.managers))
	for name, list := range s.managers {
		out[name] = append([]protocol.Task{}, list...)
	}
	return out
}

func (s *Store) counts() (managers, tasks int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.managers {
		tasks += int64(len(list))
	}
	return int64(len(s.managers)), tasks
}

func (s *Store) findLocked(taskName string) (string, int) {
	if strings.TrimSpace(taskName) == "" {
		return "", -1
	}
	for _, manager := range s.order {
		if idx := indexOf(s.managers[manager], taskName); idx >= 0 {
			return manager, idx
		}
	}
	return "", -1
}

func indexOf(list []protocol.Task, taskName string) int {
	taskName = strings.TrimSpace(taskName)
	if taskName == "" {
		return -1
	}
	for i := range list {
		if strings.EqualFold(list[i].Name, taskName) {
			return i
		}
	}
	return -1
}

// persistLocked writes the whole registry. Failures are logged and counted;
// the in-memory state stands and the next mutation rewrites the document.
func (s *Store) persistLocked(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	begin := s.clock.Now()
	data, err := encodeDocument(s.order, s.managers)
	if err != nil {
		s.logger.Error("taskstore.persist.encode_error", "error", err)
		s.failures.Error("taskstore.persist.encode", err)
		s.metrics.recordPersist(ctx, "encode_error", 0, 0)
		return
	}
	_, err = s.backend.PutObject(ctx, s.key, bytes.NewReader(data), storage.PutObjectOptions{ContentType: storage.ContentTypeJSON})
	elapsed := s.clock.Now().Sub(begin)
	if err != nil {
		s.logger.Error("taskstore.persist.error", "key", s.key, "error", err, "elapsed", elapsed)
		s.failures.Error("taskstore.persist", err)
		s.metrics.recordPersist(ctx, "error", elapsed, len(data))
		return
	}
	s.logger.Debug("taskstore.persist.success",
		"key", s.key,
		"size", humanize.Bytes(uint64(len(data))),
		"elapsed", elapsed,
	)
	s.metrics.recordPersist(ctx, "ok", elapsed, len(data))
}

