// Package tcpserver runs the stateful side of the protocol: one goroutine per
// connection, newline framing with an idle flush for legacy clients, and a
// per-session role state machine.
package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/kolabd/internal/clock"
	"pkt.systems/kolabd/internal/connguard"
	"pkt.systems/kolabd/internal/protocol"
	"pkt.systems/kolabd/internal/svcfields"
	"pkt.systems/pslog"
)

// Defaults applied by New.
const (
	DefaultIdleFlush = 250 * time.Millisecond
	DefaultMaxLine   = 64 * 1024
)

// Store is the subset of the task store sessions use.
type Store interface {
	EnsureManager(ctx context.Context, manager string)
	AddTask(ctx context.Context, manager string, task protocol.Task) (protocol.Task, error)
	ChangePriority(ctx context.Context, manager, taskName string, priority int) error
	SetStatus(ctx context.Context, taskName string, status protocol.Status) error
	CompleteTask(ctx context.Context, taskName, comment string) error
	TasksForEmployee(employee string) []protocol.Assignment
}

// Auditor receives delivery and mutation records.
type Auditor interface {
	Delivery(principal, kind string, names []string, result any) bool
	Info(line string)
}

// Config wires a Server.
type Config struct {
	Listener net.Listener
	Store    Store
	Audit    Auditor
	Guard    *connguard.Guard
	Logger   pslog.Logger
	Clock    clock.Clock
	// IdleFlush is how long a partial line may sit before it is treated as
	// a complete message.
	IdleFlush time.Duration
	// MaxLine bounds the accumulation buffer.
	MaxLine int
}

// SessionInfo is a point-in-time view of a connection.
type SessionInfo struct {
	ID          string
	Remote      string
	ConnectedAt time.Time
	Identified  bool
	Role        protocol.Role
	Username    string
}

type session struct {
	info SessionInfo
	conn net.Conn
}

// Server accepts TCP sessions.
type Server struct {
	listener  net.Listener
	store     Store
	audit     Auditor
	guard     *connguard.Guard
	logger    pslog.Logger
	clock     clock.Clock
	idleFlush time.Duration
	maxLine   int
	metrics   *serverMetrics

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// New validates cfg. The listener is wrapped by cfg.Guard when enabled.
func New(cfg Config) (*Server, error) {
	if cfg.Listener == nil {
		return nil, errors.New("tcpserver: listener required")
	}
	if cfg.Store == nil {
		return nil, errors.New("tcpserver: store required")
	}
	if cfg.IdleFlush <= 0 {
		cfg.IdleFlush = DefaultIdleFlush
	}
	if cfg.MaxLine <= 0 {
		cfg.MaxLine = DefaultMaxLine
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "server.tcp")
	s := &Server{
		listener:  cfg.Guard.WrapListener(cfg.Listener),
		store:     cfg.Store,
		audit:     cfg.Audit,
		guard:     cfg.Guard,
		logger:    logger,
		clock:     clock.OrReal(cfg.Clock),
		idleFlush: cfg.IdleFlush,
		maxLine:   cfg.MaxLine,
		sessions:  make(map[string]*session),
	}
	s.metrics = newServerMetrics(logger, s)
	return s, nil
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is canceled or the listener fails.
// Cancellation closes the listener and every open session; in-flight
// commands are not drained.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("tcp.listen", "addr", s.listener.Addr().String())
	stop := context.AfterFunc(ctx, func() {
		_ = s.listener.Close()
		s.closeSessions()
	})
	defer stop()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				s.logger.Info("tcp.stopped")
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Warn("tcp.accept_timeout", "error", err)
				continue
			}
			return fmt.Errorf("tcpserver: accept: %w", err)
		}
		sess := s.register(conn)
		if sess == nil {
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, sess)
		}()
	}
}

// Sessions returns the open sessions ordered by connect time.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func (s *Server) register(conn net.Conn) *session {
	sess := &session{
		info: SessionInfo{
			ID:          xid.New().String(),
			Remote:      conn.RemoteAddr().String(),
			ConnectedAt: s.clock.Now(),
		},
		conn: conn,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.sessions[sess.info.ID] = sess
	return sess
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.info.ID)
	s.mu.Unlock()
}

func (s *Server) identify(sess *session, role protocol.Role, username string) {
	s.mu.Lock()
	sess.info.Identified = true
	sess.info.Role = role
	sess.info.Username = username
	s.mu.Unlock()
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, sess := range s.sessions {
		_ = sess.conn.Close()
	}
}

func (s *Server) activeSessions() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.sessions))
}
