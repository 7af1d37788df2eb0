package main

import (
	"encoding/json"
	"net"
	"strings"
	"testing"

	"pkt.systems/kolabd"
	"pkt.systems/kolabd/internal/protocol"
)

func runClient(t *testing.T, ts *kolabd.TestServer, args ...string) (string, error) {
	t.Helper()
	_, port, err := net.SplitHostPort(ts.UDPAddr())
	if err != nil {
		t.Fatalf("split udp addr: %v", err)
	}
	full := append([]string{"client", "--server", "127.0.0.1", "--udp", port, "--timeout", "2s"}, args...)
	stdout, _, err := executeRootCommand(t, full...)
	return stdout, err
}

func TestClientCommandsEndToEnd(t *testing.T) {
	ts := kolabd.StartTestServer(t)

	out, err := runClient(t, ts, "login", "manager", "alice")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	_, tcpPort, _ := net.SplitHostPort(ts.TCPAddr())
	if strings.TrimSpace(out) != tcpPort {
		t.Fatalf("login printed %q, want %s", out, tcpPort)
	}

	if _, err := runClient(t, ts, "send", "--manager", "alice", "--employee", "bob", "--priority", "2", "--deadline", "2030-05-01", "Report"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := runClient(t, ts, "priority", "alice", "Report", "4"); err != nil {
		t.Fatalf("priority: %v", err)
	}
	if _, err := runClient(t, ts, "priority", "--tcp", "alice", "Report", "3"); err != nil {
		t.Fatalf("priority over tcp: %v", err)
	}
	if _, err := runClient(t, ts, "take", "bob", "Report"); err != nil {
		t.Fatalf("take: %v", err)
	}

	out, err = runClient(t, ts, "list", "bob")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var listed []protocol.AssignedTask
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		t.Fatalf("decode list: %v\n%s", err, out)
	}
	if len(listed) != 1 || listed[0].Manager != "alice" || listed[0].Status != protocol.StatusInProgress || listed[0].Priority != 3 {
		t.Fatalf("unexpected list %+v", listed)
	}
	if listed[0].Deadline.String() != "2030-05-01" {
		t.Fatalf("unexpected deadline %s", listed[0].Deadline)
	}

	if _, err := runClient(t, ts, "finish", "--comment", "done early", "bob", "Report"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	out, err = runClient(t, ts, "tasks", "alice")
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	var tasks []protocol.Task
	if err := json.Unmarshal([]byte(out), &tasks); err != nil {
		t.Fatalf("decode tasks: %v\n%s", err, out)
	}
	if len(tasks) != 1 || tasks[0].Status != protocol.StatusDone || tasks[0].Comment != "done early" {
		t.Fatalf("unexpected tasks %+v", tasks)
	}

	out, err = runClient(t, ts, "list", "--legacy", "bob")
	if err != nil {
		t.Fatalf("legacy list: %v", err)
	}
	if err := json.Unmarshal([]byte(out), &listed); err != nil || len(listed) != 1 {
		t.Fatalf("unexpected legacy list %q: %v", out, err)
	}
}

func TestClientCommandErrors(t *testing.T) {
	ts := kolabd.StartTestServer(t)
	cases := []struct {
		name string
		args []string
		want string
	}{
		{name: "bad role", args: []string{"login", "boss", "alice"}, want: "unknown role"},
		{name: "bad priority", args: []string{"priority", "alice", "Report", "high"}, want: "invalid priority"},
		{name: "missing task", args: []string{"priority", "alice", "Report", "2"}, want: "not found"},
		{name: "send without employee", args: []string{"send", "--manager", "alice", "Report"}, want: "required"},
		{name: "take missing", args: []string{"take", "bob", "Nothing"}, want: "not found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := runClient(t, ts, tc.args...)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestClientTasksEmptyManager(t *testing.T) {
	ts := kolabd.StartTestServer(t)
	out, err := runClient(t, ts, "tasks", "nobody")
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Fatalf("expected empty array, got %q", out)
	}
}
