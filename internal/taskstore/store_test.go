package taskstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"reflect"
	"strings"
	"sync"
	"testing"

	"pkt.systems/kolabd/internal/protocol"
	"pkt.systems/kolabd/internal/storage"
	"pkt.systems/kolabd/internal/storage/disk"
	"pkt.systems/kolabd/internal/storage/memory"
)

type countingBackend struct {
	storage.Backend
	mu      sync.Mutex
	puts    int
	failPut error
}

func (c *countingBackend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	c.mu.Lock()
	c.puts++
	fail := c.failPut
	c.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	return c.Backend.PutObject(ctx, key, body, opts)
}

func (c *countingBackend) putCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puts
}

func openStore(t *testing.T, backend storage.Backend) *Store {
	t.Helper()
	store, err := Open(context.Background(), Config{Backend: backend})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return store
}

func date(t *testing.T, raw string) protocol.Date {
	t.Helper()
	d, err := protocol.ParseDate(raw)
	if err != nil {
		t.Fatalf("parse date: %v", err)
	}
	return d
}

func TestOpenRequiresBackend(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatal("expected error without backend")
	}
	if _, err := Open(context.Background(), Config{Backend: memory.New(), Key: "../x"}); !errors.Is(err, storage.ErrInvalidKey) {
		t.Fatalf("expected invalid key, got %v", err)
	}
}

func TestAddTaskForcesPendingAndEmptyComment(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, memory.New())
	for _, status := range []protocol.Status{protocol.StatusPending, protocol.StatusInProgress, protocol.StatusDone} {
		name := fmt.Sprintf("task-%d", status)
		got, err := store.AddTask(ctx, "alice", protocol.Task{Name: name, Employee: "bob", Status: status, Comment: "preset"})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if got.Status != protocol.StatusPending || got.Comment != "" {
			t.Fatalf("returned task not normalised: %+v", got)
		}
	}
	for _, task := range store.Snapshot()["alice"] {
		if task.Status != protocol.StatusPending || task.Comment != "" {
			t.Fatalf("stored task not normalised: %+v", task)
		}
	}
}

func TestAddTaskValidation(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, memory.New())
	cases := []struct {
		manager string
		task    protocol.Task
	}{
		{manager: "", task: protocol.Task{Name: "a", Employee: "b"}},
		{manager: "alice", task: protocol.Task{Name: " ", Employee: "b"}},
		{manager: "alice", task: protocol.Task{Name: "a", Employee: ""}},
	}
	for _, tc := range cases {
		if _, err := store.AddTask(ctx, tc.manager, tc.task); !errors.Is(err, ErrInvalidTask) {
			t.Fatalf("AddTask(%q, %+v) expected ErrInvalidTask, got %v", tc.manager, tc.task, err)
		}
	}
	if len(store.Snapshot()) != 0 {
		t.Fatal("invalid adds must not register managers")
	}
}

func TestEnsureManagerIsIdempotent(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{Backend: memory.New()}
	store := openStore(t, backend)
	for i := 0; i < 5; i++ {
		store.EnsureManager(ctx, "alice")
	}
	store.EnsureManager(ctx, "   ")
	snap := store.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected one manager, got %v", snap)
	}
	if list, ok := snap["alice"]; !ok || len(list) != 0 {
		t.Fatalf("expected empty list for alice, got %v", list)
	}
	if backend.putCount() != 1 {
		t.Fatalf("expected a single persist, got %d", backend.putCount())
	}
	if _, err := store.AddTask(ctx, "alice", protocol.Task{Name: "a", Employee: "b"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	store.EnsureManager(ctx, "alice")
	if n := len(store.Snapshot()["alice"]); n != 1 {
		t.Fatalf("EnsureManager must not reset existing tasks, got %d", n)
	}
}

func TestTasksForEmployeeOrdering(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, memory.New())
	add := func(manager, name string, prio int, deadline string) {
		t.Helper()
		if _, err := store.AddTask(ctx, manager, protocol.Task{Name: name, Employee: "Bob", Priority: prio, Deadline: date(t, deadline)}); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	add("alice", "zeta", 2, "2024-01-10")
	add("alice", "Alpha", 2, "2024-01-10")
	add("carol", "beta", 1, "2024-03-01")
	add("carol", "gamma", 2, "2024-01-05")
	add("alice", "done-first", 1, "2024-01-01")
	add("carol", "active", 9, "2024-12-31")
	if _, err := store.AddTask(ctx, "alice", protocol.Task{Name: "other", Employee: "dave"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.CompleteTask(ctx, "done-first", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.SetStatus(ctx, "ACTIVE", protocol.StatusInProgress); err != nil {
		t.Fatalf("set status: %v", err)
	}

	got := store.TasksForEmployee("bob")
	var names []string
	for _, a := range got {
		names = append(names, a.Manager+"/"+a.Task.Name)
	}
	want := []string{"carol/active", "carol/beta", "carol/gamma", "alice/Alpha", "alice/zeta", "alice/done-first"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("unexpected order\n got %v\nwant %v", names, want)
	}
	if store.TasksForEmployee("  ") != nil {
		t.Fatal("blank employee returns nothing")
	}
}

func TestTasksForEmployeeTotalOrderProperty(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	deadlines := []string{"2024-01-01", "2024-01-02", "2024-01-03"}
	for round := 0; round < 20; round++ {
		store := openStore(t, memory.New())
		for i := 0; i < 30; i++ {
			manager := fmt.Sprintf("m%d", rng.Intn(3))
			name := fmt.Sprintf("T%02d-%d", rng.Intn(10), i)
			task := protocol.Task{Name: name, Employee: "bob", Priority: rng.Intn(3), Deadline: date(t, deadlines[rng.Intn(len(deadlines))])}
			if _, err := store.AddTask(ctx, manager, task); err != nil {
				t.Fatalf("add: %v", err)
			}
			switch rng.Intn(3) {
			case 1:
				_ = store.SetStatus(ctx, name, protocol.StatusInProgress)
			case 2:
				_ = store.CompleteTask(ctx, name, "x")
			}
		}
		got := store.TasksForEmployee("BOB")
		if len(got) != 30 {
			t.Fatalf("expected 30 assignments, got %d", len(got))
		}
		for i := 1; i < len(got); i++ {
			a, b := got[i-1].Task, got[i].Task
			key := func(x protocol.Task) string {
				return fmt.Sprintf("%d|%04d|%s|%s", x.Status.Rank(), x.Priority, x.Deadline, strings.ToLower(x.Name))
			}
			if key(a) > key(b) {
				t.Fatalf("round %d: order violated at %d: %s > %s", round, i, key(a), key(b))
			}
		}
	}
}

func TestAllTasksForManagerGroupsByStatus(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, memory.New())
	for _, spec := range []struct {
		name string
		prio int
	}{{"p3", 3}, {"d-late", 1}, {"p1", 1}, {"i5", 5}, {"d-early", 9}, {"i2", 2}} {
		if _, err := store.AddTask(ctx, "alice", protocol.Task{Name: spec.name, Employee: "bob", Priority: spec.prio}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	for _, name := range []string{"i5", "i2"} {
		if err := store.SetStatus(ctx, name, protocol.StatusInProgress); err != nil {
			t.Fatalf("set status: %v", err)
		}
	}
	for _, name := range []string{"d-late", "d-early"} {
		if err := store.CompleteTask(ctx, name, ""); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	var names []string
	for _, task := range store.AllTasksForManager("alice") {
		names = append(names, task.Name)
	}
	want := []string{"i2", "i5", "p1", "p3", "d-late", "d-early"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("unexpected order\n got %v\nwant %v", names, want)
	}
	if got := store.AllTasksForManager("nobody"); len(got) != 0 {
		t.Fatalf("unknown manager returns nothing, got %v", got)
	}
}

func TestChangePriorityUnknownLeavesStoreUnchanged(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{Backend: memory.New()}
	store := openStore(t, backend)
	if _, err := store.AddTask(ctx, "alice", protocol.Task{Name: "Report", Employee: "bob", Priority: 3}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := store.AddTask(ctx, "carol", protocol.Task{Name: "Budget", Employee: "bob", Priority: 3}); err != nil {
		t.Fatalf("add: %v", err)
	}
	before := store.Snapshot()
	puts := backend.putCount()
	for _, name := range []string{"missing", "MISSING", "Budget", "", "  "} {
		if err := store.ChangePriority(ctx, "alice", name, 9); !errors.Is(err, ErrNotFound) {
			t.Fatalf("ChangePriority(%q) expected ErrNotFound, got %v", name, err)
		}
	}
	if err := store.ChangePriority(ctx, "ghost", "Report", 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown manager expected ErrNotFound, got %v", err)
	}
	if !reflect.DeepEqual(before, store.Snapshot()) {
		t.Fatal("store changed after failed priority change")
	}
	if backend.putCount() != puts {
		t.Fatal("failed lookups must not persist")
	}
	if err := store.ChangePriority(ctx, "alice", "rEpOrT", 1); err != nil {
		t.Fatalf("case-insensitive change: %v", err)
	}
	if store.Snapshot()["alice"][0].Priority != 1 {
		t.Fatal("priority not updated")
	}
}

func TestSetStatusAndCompleteLookups(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, memory.New())
	if _, err := store.AddTask(ctx, "alice", protocol.Task{Name: "Report", Employee: "bob"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := store.AddTask(ctx, "carol", protocol.Task{Name: "report", Employee: "dave"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.SetStatus(ctx, "REPORT", protocol.StatusInProgress); err != nil {
		t.Fatalf("set status: %v", err)
	}
	snap := store.Snapshot()
	if snap["alice"][0].Status != protocol.StatusInProgress || snap["carol"][0].Status != protocol.StatusPending {
		t.Fatalf("first match in registry order must win: %+v", snap)
	}
	if err := store.SetStatus(ctx, "", protocol.StatusDone); !errors.Is(err, ErrNotFound) {
		t.Fatalf("blank name expected ErrNotFound, got %v", err)
	}
	if err := store.CompleteTask(ctx, "nope", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.CompleteTask(ctx, "Report", "  looks good \n"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	done := store.Snapshot()["alice"][0]
	if done.Status != protocol.StatusDone || done.Comment != "looks good" {
		t.Fatalf("unexpected completed task %+v", done)
	}
	// No transition guard: a done task can be taken again.
	if err := store.SetStatus(ctx, "Report", protocol.StatusPending); err != nil {
		t.Fatalf("reopen: %v", err)
	}
}

func TestReturnedTasksAreCopies(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, memory.New())
	if _, err := store.AddTask(ctx, "alice", protocol.Task{Name: "Report", Employee: "bob", Priority: 3}); err != nil {
		t.Fatalf("add: %v", err)
	}
	list := store.AllTasksForManager("alice")
	list[0].Priority = 99
	snap := store.Snapshot()
	snap["alice"][0].Name = "mutated"
	assigned := store.TasksForEmployee("bob")
	assigned[0].Task.Comment = "mutated"
	got := store.Snapshot()["alice"][0]
	if got.Priority != 3 || got.Name != "Report" || got.Comment != "" {
		t.Fatalf("store aliased caller memory: %+v", got)
	}
}

func TestPersistReloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend, err := disk.New(disk.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("disk: %v", err)
	}
	store := openStore(t, backend)
	store.EnsureManager(ctx, "zoe")
	for i, name := range []string{"c", "a", "b"} {
		if _, err := store.AddTask(ctx, "alice", protocol.Task{Name: name, Employee: "bob", Priority: i, Deadline: date(t, "2024-01-10")}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := store.CompleteTask(ctx, "a", "fine"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	reloaded := openStore(t, backend)
	if !reflect.DeepEqual(store.Snapshot(), reloaded.Snapshot()) {
		t.Fatalf("reload mismatch\n got %+v\nwant %+v", reloaded.Snapshot(), store.Snapshot())
	}
	if got := managerOrder(reloaded); !reflect.DeepEqual(got, []string{"zoe", "alice"}) {
		t.Fatalf("reloaded managers must keep insertion order, got %v", got)
	}
	data, _, err := storage.ReadAll(ctx, backend, DefaultKey)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	text := string(data)
	if !strings.HasPrefix(text, "{\n  \"zoe\": [],\n  \"alice\": [") {
		t.Fatalf("unexpected snapshot layout:\n%s", text)
	}
	if !strings.Contains(text, "\"status\": \"Zavrsen\"") || !strings.Contains(text, "\"rok\": \"2024-01-10\"") {
		t.Fatalf("snapshot must carry wire names:\n%s", text)
	}
}

func TestFirstMatchStableAcrossReload(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	store := openStore(t, backend)
	if _, err := store.AddTask(ctx, "zed", protocol.Task{Name: "Report", Employee: "bob"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := store.AddTask(ctx, "alice", protocol.Task{Name: "report", Employee: "dave"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	reloaded := openStore(t, backend)
	if got := managerOrder(reloaded); !reflect.DeepEqual(got, []string{"zed", "alice"}) {
		t.Fatalf("unexpected manager order after reload: %v", got)
	}
	for name, s := range map[string]*Store{"live": store, "reloaded": reloaded} {
		if err := s.SetStatus(ctx, "REPORT", protocol.StatusInProgress); err != nil {
			t.Fatalf("%s: set status: %v", name, err)
		}
		snap := s.Snapshot()
		if snap["zed"][0].Status != protocol.StatusInProgress || snap["alice"][0].Status != protocol.StatusPending {
			t.Fatalf("%s: first match must be zed's task: %+v", name, snap)
		}
	}
}

func TestDecodeDocumentKeepsFileOrder(t *testing.T) {
	doc := `{"m3":[],"m1":null,"m2":[{"naziv":"x","zaposleni":"y"}],"m1":[]}`
	order, managers, err := decodeDocument([]byte(doc))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(order, []string{"m3", "m1", "m2"}) {
		t.Fatalf("unexpected order %v", order)
	}
	if len(managers["m2"]) != 1 || managers["m1"] == nil {
		t.Fatalf("unexpected managers %+v", managers)
	}
	if _, _, err := decodeDocument([]byte(`{"m1":[]`)); err == nil {
		t.Fatal("truncated document must fail")
	}
	order, managers, err = decodeDocument([]byte("null"))
	if err != nil || len(order) != 0 || len(managers) != 0 {
		t.Fatalf("null document must decode empty: %v %v %v", order, managers, err)
	}
}

func TestLoadToleratesBadSnapshots(t *testing.T) {
	ctx := context.Background()
	for name, payload := range map[string]string{
		"empty":   "",
		"spaces":  "  \n",
		"corrupt": "{not json",
		"wrong":   `["a","b"]`,
	} {
		t.Run(name, func(t *testing.T) {
			backend := memory.New()
			if _, err := backend.PutObject(ctx, DefaultKey, strings.NewReader(payload), storage.PutObjectOptions{}); err != nil {
				t.Fatalf("seed: %v", err)
			}
			store := openStore(t, backend)
			if len(store.Snapshot()) != 0 {
				t.Fatalf("expected empty store, got %v", store.Snapshot())
			}
			store.EnsureManager(ctx, "alice")
			if !hasManager(store, "alice") {
				t.Fatal("store must remain usable")
			}
		})
	}
}

func TestLoadAcceptsLegacyTimestampsAndOrdinals(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	doc := `{"alice":[{"naziv":"Report","zaposleni":"bob","rok":"2024-01-10T00:00:00","prioritet":3,"status":1,"komentar":""}],"bob":null}`
	if _, err := backend.PutObject(ctx, DefaultKey, strings.NewReader(doc), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	store := openStore(t, backend)
	snap := store.Snapshot()
	if len(snap["alice"]) != 1 || snap["alice"][0].Status != protocol.StatusInProgress || snap["alice"][0].Deadline.String() != "2024-01-10" {
		t.Fatalf("unexpected load %+v", snap)
	}
	if list, ok := snap["bob"]; !ok || list == nil || len(list) != 0 {
		t.Fatalf("null list must load as empty, got %#v", list)
	}
}

func TestPersistFailureIsNotSurfaced(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{Backend: memory.New(), failPut: errors.New("disk full")}
	store := openStore(t, backend)
	if _, err := store.AddTask(ctx, "alice", protocol.Task{Name: "Report", Employee: "bob"}); err != nil {
		t.Fatalf("persist failure leaked: %v", err)
	}
	if err := store.SetStatus(ctx, "Report", protocol.StatusInProgress); err != nil {
		t.Fatalf("persist failure leaked: %v", err)
	}
	if store.Snapshot()["alice"][0].Status != protocol.StatusInProgress {
		t.Fatal("in-memory mutation must stand")
	}
	backend.mu.Lock()
	backend.failPut = nil
	backend.mu.Unlock()
	if err := store.ChangePriority(ctx, "alice", "Report", 2); err != nil {
		t.Fatalf("change priority: %v", err)
	}
	reloaded := openStore(t, backend.Backend)
	if !reflect.DeepEqual(store.Snapshot(), reloaded.Snapshot()) {
		t.Fatal("next successful write must rewrite the whole document")
	}
}

type recordedFailure struct {
	where string
	err   error
}

type failureRecorder struct {
	mu       sync.Mutex
	failures []recordedFailure
}

func (r *failureRecorder) Error(where string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, recordedFailure{where: where, err: err})
}

func TestPersistFailureReachesRecorder(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")
	recorder := &failureRecorder{}
	store, err := Open(ctx, Config{Backend: &countingBackend{Backend: memory.New(), failPut: boom}, Errors: recorder})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store.EnsureManager(ctx, "alice")
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.failures) != 1 || recorder.failures[0].where != "taskstore.persist" || !errors.Is(recorder.failures[0].err, boom) {
		t.Fatalf("unexpected recorded failures %+v", recorder.failures)
	}
}

func TestConcurrentMutations(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, memory.New())
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				name := fmt.Sprintf("w%d-%d", w, i)
				if _, err := store.AddTask(ctx, fmt.Sprintf("m%d", w%3), protocol.Task{Name: name, Employee: "bob", Priority: i}); err != nil {
					t.Errorf("add: %v", err)
					return
				}
				if err := store.SetStatus(ctx, name, protocol.StatusInProgress); err != nil {
					t.Errorf("set status: %v", err)
					return
				}
				_ = store.TasksForEmployee("bob")
			}
		}(w)
	}
	wg.Wait()
	if got := len(store.TasksForEmployee("bob")); got != 200 {
		t.Fatalf("expected 200 tasks, got %d", got)
	}
}

func hasManager(store *Store, name string) bool {
	_, ok := store.Snapshot()[name]
	return ok
}

func managerOrder(store *Store) []string {
	store.mu.Lock()
	defer store.mu.Unlock()
	return append([]string(nil), store.order...)
}
