package protocol

import (
	"reflect"
	"strings"
	"testing"
)

func mustDate(t *testing.T, raw string) Date {
	t.Helper()
	d, err := ParseDate(raw)
	if err != nil {
		t.Fatalf("parse date: %v", err)
	}
	return d
}

func TestLegacyListFormat(t *testing.T) {
	assignments := []Assignment{
		{Manager: "alice", Task: Task{Name: "Report", Employee: "bob", Deadline: mustDate(t, "2024-01-10"), Priority: 3, Status: StatusPending}},
		{Manager: "carol", Task: Task{Name: "Deploy", Employee: "bob", Deadline: mustDate(t, "2024-01-12"), Priority: 1, Status: StatusDone, Comment: "looks good"}},
	}
	got := EmployeeListReplyLegacy(assignments)
	want := "Report|alice|2024-01-10|3|NaCekanju^Deploy|carol|2024-01-12|1|Zavrsen|looks good"
	if got != want {
		t.Fatalf("unexpected legacy reply\n got %s\nwant %s", got, want)
	}
	if EmployeeListReplyLegacy(nil) != ReplyNoTasks {
		t.Fatal("empty list must reply NO_TASKS")
	}
	decoded := DecodeEmployeeListLegacy(got)
	if len(decoded) != 2 || decoded[1].Task.Comment != "looks good" || decoded[0].Manager != "alice" {
		t.Fatalf("unexpected decode %+v", decoded)
	}
	if DecodeEmployeeListLegacy(ReplyNoTasks) != nil {
		t.Fatal("NO_TASKS decodes to nil")
	}
}

func TestEmployeeListReplyJSON(t *testing.T) {
	assignments := []Assignment{{Manager: "alice", Task: Task{Name: "Report", Employee: "bob", Deadline: mustDate(t, "2024-01-10"), Priority: 3}}}
	got, err := EmployeeListReplyJSON(assignments)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.HasPrefix(got, `{"type":"employee_list_reply","tasks":[{"naziv":"Report"`) {
		t.Fatalf("unexpected envelope %s", got)
	}
	if !strings.Contains(got, `"menadzer":"alice"`) {
		t.Fatalf("expected manager field in %s", got)
	}
	decoded, err := DecodeEmployeeListReply(got)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(decoded, assignments) {
		t.Fatalf("decode mismatch %+v", decoded)
	}
	empty, err := EmployeeListReplyJSON(nil)
	if err != nil {
		t.Fatalf("encode empty: %v", err)
	}
	if empty != `{"type":"employee_list_reply","tasks":[]}` {
		t.Fatalf("unexpected empty envelope %s", empty)
	}
}

func TestTasksReply(t *testing.T) {
	reply, err := TasksReply(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if reply != "TASKS:[]" {
		t.Fatalf("unexpected reply %q", reply)
	}
	tasks := []Task{{Name: "Report", Employee: "bob", Deadline: mustDate(t, "2024-01-10"), Priority: 1, Status: StatusInProgress}}
	reply, err = TasksReply(tasks)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeTasks(strings.TrimPrefix(reply, PrefixTasks))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(decoded, tasks) {
		t.Fatalf("decode mismatch %+v", decoded)
	}
}

func TestParseTCPInfoReply(t *testing.T) {
	if port, err := ParseTCPInfoReply(TCPInfoReply(50005)); err != nil || port != 50005 {
		t.Fatalf("got %d %v", port, err)
	}
	for _, bad := range []string{"ERROR", "TCP:", "TCP:0", "TCP:abc"} {
		if _, err := ParseTCPInfoReply(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
