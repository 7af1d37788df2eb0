package audit

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/kolabd/internal/clock"
)

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "pracenje.txt")
	clk := clock.NewManual(time.Date(2024, 1, 10, 9, 30, 0, 0, time.Local))
	l, err := New(Config{Path: path, Clock: clk})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

type row struct {
	Name     string `json:"naziv"`
	Priority int    `json:"prioritet"`
}

func TestDeliveryDedupPerPrincipal(t *testing.T) {
	l, path := newTestLog(t)
	result := []row{{Name: "Report", Priority: 3}}
	for i := 0; i < 10; i++ {
		logged := l.Delivery("alice", KindAllTasks, []string{"Report"}, result)
		if logged != (i == 0) {
			t.Fatalf("iteration %d logged=%v", i, logged)
		}
	}
	if !l.Delivery("bob", KindAllTasks, []string{"Report"}, result) {
		t.Fatal("other principal must get its own first line")
	}
	if !l.Delivery("alice", KindEmployeeList, []string{"Report"}, result) {
		t.Fatal("other kind must get its own first line")
	}
	result[0].Priority = 1
	if !l.Delivery("alice", KindAllTasks, []string{"Report"}, result) {
		t.Fatal("changed content must be logged")
	}
	if l.Delivery("ALICE", KindAllTasks, []string{"Report"}, result) {
		t.Fatal("principal keys are case-insensitive")
	}
	lines := readLines(t, path)
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d: %v", len(lines), lines)
	}
	if lines[0] != "[2024-01-10 09:30:00] ALL_TASKS alice: 1 task(s) [Report]" {
		t.Fatalf("unexpected line %q", lines[0])
	}
}

func TestDeliveryAtMostOncePerHashUnderConcurrency(t *testing.T) {
	l, path := newTestLog(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Delivery("bob", KindEmployeeList, []string{"a", "b"}, []string{"a", "b"})
		}()
	}
	wg.Wait()
	if lines := readLines(t, path); len(lines) != 1 {
		t.Fatalf("expected one line, got %v", lines)
	}
}

func TestInfoAndErrorAlwaysWrite(t *testing.T) {
	l, path := newTestLog(t)
	l.Info("SEND alice -> bob: Report")
	l.Info("SEND alice -> bob: Report")
	l.Error("tcp.read", errors.New("reset"))
	lines := readLines(t, path)
	want := []string{
		"[2024-01-10 09:30:00] SEND alice -> bob: Report",
		"[2024-01-10 09:30:00] SEND alice -> bob: Report",
		"[2024-01-10 09:30:00] ERROR @ tcp.read: reset",
	}
	if strings.Join(lines, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected lines\n got %q\nwant %q", lines, want)
	}
}

func TestPreview(t *testing.T) {
	if got := Preview(nil); got != "" {
		t.Fatalf("got %q", got)
	}
	if got := Preview([]string{"a", "b", "c", "d", "e"}); got != "a, b, c, +2 more" {
		t.Fatalf("got %q", got)
	}
	long := Preview([]string{strings.Repeat("x", 200)})
	if len([]rune(long)) != previewWidth || !strings.HasSuffix(long, "...") {
		t.Fatalf("expected truncated preview, got %d runes", len([]rune(long)))
	}
}

func TestDisabledFileSink(t *testing.T) {
	l, err := New(Config{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if l.Path() != "" {
		t.Fatal("expected disabled sink")
	}
	l.Info("ignored")
	if !l.Delivery("alice", KindAllTasks, nil, []string{}) {
		t.Fatal("dedup still tracks without a file")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	var nilLog *Log
	nilLog.Info("no panic")
	if nilLog.Delivery("a", KindAllTasks, nil, nil) {
		t.Fatal("nil log never logs")
	}
}
