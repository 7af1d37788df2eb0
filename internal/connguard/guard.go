// Package connguard blocks TCP remotes that repeatedly misbehave on the
// session port.
package connguard

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/kolabd/internal/clock"
	"pkt.systems/kolabd/internal/svcfields"
	"pkt.systems/pslog"
)

// Report reasons.
const (
	ReasonOverlongLine = "overlong_line"
	ReasonZeroConnect  = "zero_connect"
)

// Config controls connection-level protection applied before sessions start.
type Config struct {
	// Enabled toggles guard enforcement.
	Enabled bool
	// FailureThreshold is the number of suspicious events before blocking.
	FailureThreshold int
	// FailureWindow defines the period for counting suspicious events.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked host remains blocked.
	BlockDuration time.Duration
	// ProbeTimeout, when positive, requires a first byte within this window.
	ProbeTimeout time.Duration
}

// DefaultConfig returns the defaults used by the server.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		FailureThreshold: 5,
		FailureWindow:    30 * time.Second,
		BlockDuration:    5 * time.Minute,
	}
}

type hostState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard stores per-host suspicious-event state and can wrap a listener.
type Guard struct {
	cfg     Config
	logger  pslog.Logger
	clock   clock.Clock
	mu      sync.Mutex
	hosts   map[string]*hostState
	events  metric.Int64Counter
	rejects metric.Int64Counter
}

// New constructs a guard. A nil clock uses wall time.
func New(cfg Config, logger pslog.Logger, clk clock.Clock) *Guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	if cfg.ProbeTimeout < 0 {
		cfg.ProbeTimeout = 0
	}
	logger = svcfields.WithSubsystem(logger, "control.connguard")
	g := &Guard{
		cfg:    cfg,
		logger: logger,
		clock:  clock.OrReal(clk),
		hosts:  make(map[string]*hostState),
	}
	meter := otel.Meter("pkt.systems/kolabd/connguard")
	var err error
	g.events, err = meter.Int64Counter("kolabd.connguard.events",
		metric.WithDescription("Suspicious connection events by reason"))
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "kolabd.connguard.events", "error", err)
	}
	g.rejects, err = meter.Int64Counter("kolabd.connguard.rejected",
		metric.WithDescription("Connections rejected from blocked hosts"))
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "kolabd.connguard.rejected", "error", err)
	}
	return g
}

// Enabled reports whether the guard enforces anything.
func (g *Guard) Enabled() bool {
	return g != nil && g.cfg.Enabled
}

// WrapListener returns a listener that drops connections from blocked hosts.
func (g *Guard) WrapListener(ln net.Listener) net.Listener {
	if !g.Enabled() || ln == nil {
		return ln
	}
	return &guardedListener{Listener: ln, guard: g}
}

// Report records a suspicious event for remote and reports whether the host
// is now blocked.
func (g *Guard) Report(remote, reason string) bool {
	if !g.Enabled() || g.cfg.FailureThreshold <= 0 {
		return false
	}
	host := normalizeRemoteAddr(remote)
	if host == "" {
		return false
	}
	if g.events != nil {
		g.events.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.hosts[host]
	if state == nil {
		state = &hostState{}
		g.hosts[host] = state
	}
	if !state.blockedUntil.IsZero() && state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(state.failures) > 0 && state.failures[0].Before(cutoff) {
		state.failures = state.failures[1:]
	}
	state.failures = append(state.failures, now)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Warn("connguard.suspicious",
			"remote", host,
			"reason", reason,
			"count", len(state.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}

	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	state.failures = nil
	g.logger.Warn("connguard.engaged",
		"remote", host,
		"threshold", g.cfg.FailureThreshold,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration,
		"reason", reason)
	return true
}

// Blocked reports whether remote is currently blocked.
func (g *Guard) Blocked(remote string) bool {
	if !g.Enabled() {
		return false
	}
	host := normalizeRemoteAddr(remote)
	if host == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.hosts[host]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	g.logger.Info("connguard.disengaged", "remote", host)
	if len(state.failures) == 0 {
		delete(g.hosts, host)
	}
	return false
}

// normalizeRemoteAddr extracts the host so port rotation does not evade a block.
func normalizeRemoteAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(raw)
	if err == nil {
		return host
	}
	return raw
}

type guardedListener struct {
	net.Listener
	guard *Guard
}

func (l *guardedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		accepted, err := l.admit(conn)
		if err == nil {
			return accepted, nil
		}
		_ = conn.Close()
	}
}

var errBlocked = errors.New("connguard: remote blocked")

func (l *guardedListener) admit(conn net.Conn) (net.Conn, error) {
	remote := remoteAddress(conn)
	if l.guard.Blocked(remote) {
		if l.guard.rejects != nil {
			l.guard.rejects.Add(context.Background(), 1)
		}
		l.guard.logger.Warn("connguard.rejected", "remote", remote, "reason", "blocked")
		return nil, errBlocked
	}
	if l.guard.cfg.ProbeTimeout <= 0 {
		return conn, nil
	}
	return l.probe(conn, remote)
}

func (l *guardedListener) probe(conn net.Conn, remote string) (net.Conn, error) {
	deadline := time.Now().Add(l.guard.cfg.ProbeTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		l.guard.logger.Warn("connguard.deadline", "remote", remote, "error", err)
		return conn, nil
	}
	buffer := make([]byte, 1)
	n, err := conn.Read(buffer)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		l.guard.Report(remote, ReasonZeroConnect)
		return nil, err
	}
	if n == 0 {
		l.guard.Report(remote, ReasonZeroConnect)
		return nil, io.EOF
	}
	return &prefixedConn{Conn: conn, prefix: buffer[:n]}, nil
}

func remoteAddress(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}

// prefixedConn replays the probe byte before reading from the socket.
type prefixedConn struct {
	net.Conn
	prefix []byte
	used   int
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) > c.used {
		n := copy(p, c.prefix[c.used:])
		c.used += n
		if n < len(p) {
			next, err := c.Conn.Read(p[n:])
			n += next
			return n, err
		}
		return n, nil
	}
	return c.Conn.Read(p)
}
