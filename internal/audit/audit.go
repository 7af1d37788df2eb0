// Package audit writes the human-readable activity trail. Deliveries of task
// lists are gated on a content hash so clients that poll do not flood the
// trail; mutations are always written.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pkt.systems/kolabd/internal/clock"
	"pkt.systems/kolabd/internal/svcfields"
	"pkt.systems/pslog"
)

// Delivery kinds.
const (
	KindAllTasks     = "all_tasks"
	KindEmployeeList = "employee_list"
)

const (
	timeLayout   = "2006-01-02 15:04:05"
	previewNames = 3
	previewWidth = 80
)

// Config configures a Log.
type Config struct {
	// Path of the append-only trail file. Empty disables the file sink.
	Path   string
	Logger pslog.Logger
	Clock  clock.Clock
}

type signatureKey struct {
	principal string
	kind      string
}

// Log is safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	hashes map[signatureKey]string
	out    io.WriteCloser
	path   string
	logger pslog.Logger
	clock  clock.Clock
}

// New opens the trail file (creating parent directories) when cfg.Path is set.
func New(cfg Config) (*Log, error) {
	l := &Log{
		hashes: make(map[signatureKey]string),
		path:   cfg.Path,
		logger: svcfields.WithSubsystem(cfg.Logger, "audit"),
		clock:  clock.OrReal(cfg.Clock),
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return l, nil
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: prepare directory %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", cfg.Path, err)
	}
	l.out = f
	return l, nil
}

// Path returns the trail file path, or "" when the file sink is disabled.
func (l *Log) Path() string {
	if l == nil || l.out == nil {
		return ""
	}
	return l.path
}

// Close closes the trail file.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return nil
	}
	err := l.out.Close()
	l.out = nil
	return err
}

// Info writes line unconditionally.
func (l *Log) Info(line string) {
	if l == nil {
		return
	}
	l.logger.Info("audit.event", "line", line)
	l.write(line)
}

// Error records a failure at where.
func (l *Log) Error(where string, err error) {
	if l == nil || err == nil {
		return
	}
	l.logger.Error("audit.error", "where", where, "error", err)
	l.write(fmt.Sprintf("ERROR @ %s: %v", where, err))
}

// Delivery logs that result was delivered to principal, but only when its
// canonical JSON differs from the last delivery of the same kind to the same
// principal. names feeds the preview. It reports whether a line was written.
func (l *Log) Delivery(principal, kind string, names []string, result any) bool {
	if l == nil {
		return false
	}
	sig, err := Signature(result)
	if err != nil {
		l.logger.Warn("audit.signature_error", "principal", principal, "kind", kind, "error", err)
		return false
	}
	key := signatureKey{principal: strings.ToLower(principal), kind: kind}
	l.mu.Lock()
	if l.hashes[key] == sig {
		l.mu.Unlock()
		l.logger.Trace("audit.delivery.unchanged", "principal", principal, "kind", kind)
		return false
	}
	l.hashes[key] = sig
	l.mu.Unlock()

	preview := Preview(names)
	l.logger.Info("audit.delivery",
		"principal", principal,
		"kind", kind,
		"count", len(names),
		"preview", preview,
		"signature", sig[:12],
	)
	l.write(fmt.Sprintf("%s %s: %d task(s) [%s]", strings.ToUpper(kind), principal, len(names), preview))
	return true
}

// Signature returns the hex sha256 of v's JSON encoding.
func Signature(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("audit: encode signature: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Preview joins up to three names and truncates the result.
func Preview(names []string) string {
	if len(names) == 0 {
		return ""
	}
	shown := names
	if len(shown) > previewNames {
		shown = shown[:previewNames]
	}
	out := strings.Join(shown, ", ")
	if extra := len(names) - len(shown); extra > 0 {
		out += fmt.Sprintf(", +%d more", extra)
	}
	if r := []rune(out); len(r) > previewWidth {
		out = string(r[:previewWidth-3]) + "..."
	}
	return out
}

func (l *Log) write(line string) {
	stamp := l.clock.Now().Format(timeLayout)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return
	}
	if _, err := fmt.Fprintf(l.out, "[%s] %s\n", stamp, line); err != nil {
		l.logger.Debug("audit.write_error", "error", err)
	}
}
