package client_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/kolabd"
	"pkt.systems/kolabd/client"
	"pkt.systems/kolabd/internal/protocol"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func identified(t *testing.T, ts *kolabd.TestServer, role protocol.Role, user string) *client.Session {
	t.Helper()
	ctx := testContext(t)
	sess, err := ts.Dial(ctx, client.WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	if err := sess.Identify(ctx, role, user); err != nil {
		t.Fatalf("identify %s %s: %v", role, user, err)
	}
	if sess.Role() != role || sess.User() != user {
		t.Fatalf("session identity = %s/%s", sess.Role(), sess.User())
	}
	return sess
}

func TestUDPLoginReturnsSessionPort(t *testing.T) {
	ts := kolabd.StartTestServer(t)
	ctx := testContext(t)
	port, err := ts.UDP.Login(ctx, protocol.RoleManager, "alice")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if want := ts.Server.TCPInfo(); protocol.TCPInfoReply(port) != want {
		t.Fatalf("login port %d, server advertises %s", port, want)
	}
	if _, err := ts.UDP.Login(ctx, protocol.RoleNone, "x"); err == nil {
		t.Fatal("expected error for login without a role")
	}
}

func TestManagerEmployeeRoundTrip(t *testing.T) {
	ts := kolabd.StartTestServer(t)
	ctx := testContext(t)
	manager := identified(t, ts, protocol.RoleManager, "alice")
	employee := identified(t, ts, protocol.RoleEmployee, "bob")

	for _, task := range []protocol.Task{
		{Name: "Report", Employee: "bob", Priority: 3},
		{Name: "Audit", Employee: "bob", Priority: 1},
		{Name: "Other", Employee: "carol", Priority: 2},
	} {
		if err := manager.Send(ctx, task); err != nil {
			t.Fatalf("send %s: %v", task.Name, err)
		}
	}
	if err := manager.ChangePriority(ctx, "Report", 0); err != nil {
		t.Fatalf("change priority: %v", err)
	}

	tasks, err := employee.ListJSON(ctx)
	if err != nil {
		t.Fatalf("list json: %v", err)
	}
	if len(tasks) != 2 || tasks[0].Task.Name != "Report" || tasks[1].Task.Name != "Audit" {
		t.Fatalf("unexpected employee list %+v", tasks)
	}
	if tasks[0].Manager != "alice" || tasks[0].Task.Status != protocol.StatusPending {
		t.Fatalf("unexpected first assignment %+v", tasks[0])
	}

	if err := employee.Take(ctx, "Audit"); err != nil {
		t.Fatalf("take: %v", err)
	}
	if err := employee.Finish(ctx, "Report", "shipped"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	legacy, err := employee.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(legacy) != 2 {
		t.Fatalf("expected 2 legacy rows, got %+v", legacy)
	}
	if legacy[0].Task.Name != "Audit" || legacy[0].Task.Status != protocol.StatusInProgress {
		t.Fatalf("expected in-progress Audit first, got %+v", legacy[0])
	}
	if legacy[1].Task.Status != protocol.StatusDone || legacy[1].Task.Comment != "shipped" {
		t.Fatalf("expected done Report with comment, got %+v", legacy[1])
	}

	all, err := ts.UDP.AllTasks(ctx, "alice")
	if err != nil {
		t.Fatalf("all tasks: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %+v", all)
	}
	if all[0].Name != "Audit" || all[2].Name != "Report" {
		t.Fatalf("unexpected manager order %+v", all)
	}
}

func TestUDPChangePriority(t *testing.T) {
	ts := kolabd.StartTestServer(t)
	ctx := testContext(t)
	manager := identified(t, ts, protocol.RoleManager, "alice")
	if err := manager.Send(ctx, protocol.Task{Name: "Fix: login", Employee: "bob", Priority: 4}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := ts.UDP.ChangePriority(ctx, "alice", "Fix: login", -3); err != nil {
		t.Fatalf("udp priority: %v", err)
	}
	tasks, err := ts.UDP.AllTasks(ctx, "alice")
	if err != nil {
		t.Fatalf("all tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Priority != 1 {
		t.Fatalf("expected clamped priority 1, got %+v", tasks)
	}
	if err := ts.UDP.ChangePriority(ctx, "alice", "missing", 2); !errors.Is(err, client.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	reply, err := ts.UDP.Raw(ctx, "HELLO")
	if err != nil {
		t.Fatalf("raw: %v", err)
	}
	if reply != protocol.ReplyError {
		t.Fatalf("expected ERROR, got %q", reply)
	}
}

func TestSessionErrors(t *testing.T) {
	ts := kolabd.StartTestServer(t)
	ctx := testContext(t)

	anon, err := ts.Dial(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer anon.Close()
	if _, err := anon.ListJSON(ctx); !errors.Is(err, client.ErrNotIdentified) {
		t.Fatalf("expected ErrNotIdentified, got %v", err)
	}
	if _, err := anon.Raw(ctx, "LIST\nLIST"); err == nil {
		t.Fatal("expected error for embedded newline")
	}

	manager := identified(t, ts, protocol.RoleManager, "alice")
	if err := manager.ChangePriority(ctx, "missing", 3); !errors.Is(err, client.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	err = manager.Send(ctx, protocol.Task{Name: " ", Employee: "bob"})
	var replyErr *client.ReplyError
	if !errors.As(err, &replyErr) || replyErr.Code != protocol.ErrSendFormat {
		t.Fatalf("expected ERR_SEND_FORMAT, got %v", err)
	}

	employee := identified(t, ts, protocol.RoleEmployee, "bob")
	if err := employee.Take(ctx, "missing"); !errors.Is(err, client.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := employee.List(ctx); err != nil {
		t.Fatalf("empty list: %v", err)
	}
	reply, err := employee.Raw(ctx, `{"type":"employee_action","action":"archive","taskName":"x"}`)
	if err != nil {
		t.Fatalf("raw: %v", err)
	}
	if reply != protocol.ErrUnknownAction {
		t.Fatalf("expected ERR_UNKNOWN_ACTION, got %q", reply)
	}
}

func TestRequestTimeout(t *testing.T) {
	udp := client.NewUDP("127.0.0.1:9", client.WithTimeout(50*time.Millisecond))
	start := time.Now()
	if _, err := udp.AllTasks(context.Background(), "alice"); err == nil {
		t.Fatal("expected error without a server")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("request took %s", elapsed)
	}
}
