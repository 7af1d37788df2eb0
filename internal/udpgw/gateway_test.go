package udpgw

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/kolabd/internal/audit"
	"pkt.systems/kolabd/internal/protocol"
	"pkt.systems/kolabd/internal/storage/memory"
	"pkt.systems/kolabd/internal/taskstore"
)

type harness struct {
	store     *taskstore.Store
	auditPath string
	addr      string
	cancel    context.CancelFunc
	done      chan error
}

func startGateway(t *testing.T, store Store) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{cancel: cancel, done: make(chan error, 1)}
	if store == nil {
		ts, err := taskstore.Open(ctx, taskstore.Config{Backend: memory.New()})
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		h.store = ts
		store = ts
	}
	h.auditPath = filepath.Join(t.TempDir(), "pracenje.txt")
	auditLog, err := audit.New(audit.Config{Path: h.auditPath})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	gw, err := New(Config{
		Conn:    conn,
		TCPPort: 50005,
		Store:   store,
		Audit:   auditLog,
		Timeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	h.addr = gw.Addr().String()
	go func() { h.done <- gw.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Errorf("gateway did not stop")
		}
		_ = conn.Close()
		_ = auditLog.Close()
	})
	return h
}

func (h *harness) roundTrip(t *testing.T, msg string) string {
	t.Helper()
	conn, err := net.Dial("udp", h.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, DefaultMaxDatagram)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read reply to %q: %v", msg, err)
	}
	return string(buf[:n])
}

func (h *harness) addTask(t *testing.T, manager, name string, priority int, status protocol.Status) {
	t.Helper()
	ctx := context.Background()
	deadline, err := protocol.ParseDate("2024-02-01")
	if err != nil {
		t.Fatalf("date: %v", err)
	}
	if _, err := h.store.AddTask(ctx, manager, protocol.Task{Name: name, Employee: "bob", Deadline: deadline, Priority: priority}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if status != protocol.StatusPending {
		if err := h.store.SetStatus(ctx, name, status); err != nil {
			t.Fatalf("status: %v", err)
		}
	}
}

func TestLoginRepliesWithTCPPort(t *testing.T) {
	h := startGateway(t, nil)
	if got := h.roundTrip(t, "MENADZER:alice\n"); got != "TCP:50005" {
		t.Fatalf("manager login reply %q", got)
	}
	if !hasManager(h.store, "alice") {
		t.Fatalf("manager login must register alice")
	}
	if got := h.roundTrip(t, "ZAPOSLENI:bob"); got != "TCP:50005" {
		t.Fatalf("employee login reply %q", got)
	}
	if hasManager(h.store, "bob") {
		t.Fatalf("employee login must not register a manager")
	}
}

func TestAllTasksReplyOrderAndAuditDedup(t *testing.T) {
	h := startGateway(t, nil)
	h.addTask(t, "alice", "p3", 3, protocol.StatusPending)
	h.addTask(t, "alice", "d1", 1, protocol.StatusDone)
	h.addTask(t, "alice", "i2", 2, protocol.StatusInProgress)
	h.addTask(t, "alice", "p1", 1, protocol.StatusPending)

	var first string
	for i := 0; i < 10; i++ {
		reply := h.roundTrip(t, "SVI:alice")
		if i == 0 {
			first = reply
		} else if reply != first {
			t.Fatalf("repeated query changed reply: %q vs %q", reply, first)
		}
	}
	payload, ok := strings.CutPrefix(first, protocol.PrefixTasks)
	if !ok {
		t.Fatalf("expected TASKS: prefix, got %q", first)
	}
	tasks, err := protocol.DecodeTasks(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var names []string
	for _, task := range tasks {
		names = append(names, task.Name)
	}
	if strings.Join(names, ",") != "i2,p1,p3,d1" {
		t.Fatalf("unexpected order %v", names)
	}

	data, err := os.ReadFile(h.auditPath)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if n := strings.Count(string(data), "ALL_TASKS alice"); n != 1 {
		t.Fatalf("expected one delivery line, got %d:\n%s", n, data)
	}

	if got := h.roundTrip(t, "SVI:nobody"); got != "TASKS:[]" {
		t.Fatalf("unknown manager reply %q", got)
	}
}

func TestPriorityDatagrams(t *testing.T) {
	h := startGateway(t, nil)
	h.addTask(t, "alice", "Q3 Report", 4, protocol.StatusPending)

	cases := []struct {
		name string
		msg  string
		want string
	}{
		{"ok", protocol.EncodePriorityDatagram("alice", "Q3 Report", 2), "OK"},
		{"case insensitive", "PRIORITY:alice:q3+report:3", "OK"},
		{"too few fields", "PRIORITY:alice:Q3", "ERR:BAD_FORMAT"},
		{"too many fields", "PRIORITY:alice:a:b:1", "ERR:BAD_FORMAT"},
		{"bad escape", "PRIORITY:alice:%zz:1", "ERR:BAD_TASKNAME"},
		{"bad priority", "PRIORITY:alice:Q3+Report:high", "ERR:BAD_PRIORITY"},
		{"unknown task", "PRIORITY:alice:nope:1", "ERR:NOT_FOUND"},
		{"other manager", "PRIORITY:carol:Q3+Report:1", "ERR:NOT_FOUND"},
		{"unknown request", "HELLO", "ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := h.roundTrip(t, tc.msg); got != tc.want {
				t.Fatalf("%q: got %q want %q", tc.msg, got, tc.want)
			}
		})
	}

	if got := h.roundTrip(t, "PRIORITY:alice:Q3+Report:-4"); got != "OK" {
		t.Fatalf("clamped priority reply %q", got)
	}
	tasks := h.store.AllTasksForManager("alice")
	if len(tasks) != 1 || tasks[0].Priority != 1 {
		t.Fatalf("expected priority clamped to 1, got %+v", tasks)
	}
}

type panickyStore struct {
	mu    sync.Mutex
	calls int
}

func (p *panickyStore) EnsureManager(context.Context, string) {}

func (p *panickyStore) AllTasksForManager(string) []protocol.Task {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	panic("boom")
}

func (p *panickyStore) ChangePriority(context.Context, string, string, int) error { return nil }

func TestHandlerPanicKeepsLoopAlive(t *testing.T) {
	store := &panickyStore{}
	h := startGateway(t, store)

	conn, err := net.Dial("udp", h.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write([]byte("SVI:alice")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.Close()

	if got := h.roundTrip(t, "ZAPOSLENI:bob"); got != "TCP:50005" {
		t.Fatalf("loop did not survive panic, got %q", got)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.calls != 1 {
		t.Fatalf("expected one panicking call, got %d", store.calls)
	}
	data, err := os.ReadFile(h.auditPath)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if !strings.Contains(string(data), "ERROR @ udp.handler: panic: boom") {
		t.Fatalf("panic not recorded in audit trail:\n%s", data)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()
	store := &panickyStore{}
	cases := []Config{
		{Store: store, TCPPort: 1},
		{Conn: conn, TCPPort: 1},
		{Conn: conn, Store: store},
		{Conn: conn, Store: store, TCPPort: 70000},
	}
	for i, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestServeStopsOnClosedSocket(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	gw, err := New(Config{Conn: conn, TCPPort: 1, Store: &panickyStore{}, Timeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- gw.Serve(context.Background()) }()
	_ = conn.Close()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected error when the socket closes underneath")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not return")
	}
}

func hasManager(store *taskstore.Store, name string) bool {
	_, ok := store.Snapshot()[name]
	return ok
}
