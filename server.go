package kolabd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"pkt.systems/kolabd/internal/audit"
	"pkt.systems/kolabd/internal/clock"
	"pkt.systems/kolabd/internal/connguard"
	"pkt.systems/kolabd/internal/protocol"
	"pkt.systems/kolabd/internal/storage"
	"pkt.systems/kolabd/internal/svcfields"
	"pkt.systems/kolabd/internal/taskstore"
	"pkt.systems/kolabd/internal/tcpserver"
	"pkt.systems/kolabd/internal/udpgw"
	"pkt.systems/pslog"
)

// Server wires the task store, the UDP gateway and the TCP session server.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	backend   storage.Backend
	store     *taskstore.Store
	audit     *audit.Log
	guard     *connguard.Guard
	telemetry *telemetry

	udpConn net.PacketConn
	tcpLn   net.Listener
	udp     *udpgw.Gateway
	tcp     *tcpserver.Server

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	serveErr  error
	started   bool
	shutdown  bool
	readyCh   chan struct{}
	readyOnce sync.Once
}

// Option configures server instances.
type Option func(*options)

type options struct {
	logger   pslog.Logger
	backend  storage.Backend
	clock    clock.Clock
	udpConn  net.PacketConn
	listener net.Listener
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBackend injects a pre-built snapshot backend (useful for tests).
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithPacketConn serves UDP on an already bound socket instead of Config.UDPAddr.
func WithPacketConn(conn net.PacketConn) Option {
	return func(o *options) { o.udpConn = conn }
}

// WithListener serves TCP on an already bound listener instead of Config.TCPAddr.
func WithListener(ln net.Listener) Option {
	return func(o *options) { o.listener = ln }
}

// NewServer validates cfg, opens the snapshot backend, loads the task store
// and prepares the audit trail. Sockets are bound by Start.
//
//	srv, err := kolabd.NewServer(kolabd.Config{Store: "disk:///var/lib/kolabd"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := svcfields.Ensure(o.logger)
	serverClock := clock.OrReal(o.clock)
	ctx := pslog.ContextWithLogger(context.Background(), logger)

	tel, err := setupTelemetry(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}

	backend := o.backend
	if backend == nil {
		backend, err = openBackend(ctx, cfg, logger, serverClock)
		if err != nil {
			cleanup()
			return nil, err
		}
	}
	auditLog, err := audit.New(audit.Config{Path: cfg.AuditLog, Logger: logger, Clock: serverClock})
	if err != nil {
		_ = backend.Close()
		cleanup()
		return nil, err
	}
	store, err := taskstore.Open(ctx, taskstore.Config{
		Backend: backend,
		Key:     cfg.StoreKey,
		Logger:  logger,
		Clock:   serverClock,
		Errors:  auditLog,
	})
	if err != nil {
		_ = auditLog.Close()
		_ = backend.Close()
		cleanup()
		return nil, err
	}
	guard := connguard.New(connguard.Config{
		Enabled:          cfg.ConnguardEnabled,
		FailureThreshold: cfg.ConnguardFailureThreshold,
		FailureWindow:    cfg.ConnguardFailureWindow,
		BlockDuration:    cfg.ConnguardBlockDuration,
		ProbeTimeout:     cfg.ConnguardProbeTimeout,
	}, logger, serverClock)

	logger.Info("server.configured",
		"store", cfg.Store,
		"store_key", cfg.StoreKey,
		"audit_log", auditLog.Path(),
		"max_line", cfg.MaxLineHuman(),
		"timeout", cfg.Timeout,
		"connguard", guard.Enabled(),
	)
	return &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, "server"),
		clock:     serverClock,
		backend:   backend,
		store:     store,
		audit:     auditLog,
		guard:     guard,
		telemetry: tel,
		udpConn:   o.udpConn,
		tcpLn:     o.listener,
		readyCh:   make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Store exposes the task store, mainly for diagnostics and tests.
func (s *Server) Store() *taskstore.Store {
	return s.store
}

// Sessions lists the open TCP sessions.
func (s *Server) Sessions() []tcpserver.SessionInfo {
	s.mu.Lock()
	tcp := s.tcp
	s.mu.Unlock()
	if tcp == nil {
		return nil
	}
	return tcp.Sessions()
}

// Start binds both listeners and serves until Shutdown or a fatal listener
// error. Bind failures are returned immediately.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started || s.shutdown {
		s.mu.Unlock()
		return fmt.Errorf("kolabd: server already started")
	}
	s.started = true
	s.mu.Unlock()
	defer close(s.done)

	if err := s.bind(); err != nil {
		s.recordServeErr(err)
		return err
	}
	tcpPort := s.tcpLn.Addr().(*net.TCPAddr).Port
	udp, err := udpgw.New(udpgw.Config{
		Conn:    s.udpConn,
		TCPPort: tcpPort,
		Store:   s.store,
		Audit:   s.audit,
		Logger:  s.logger,
		Timeout: s.cfg.Timeout,
	})
	if err != nil {
		s.closeSockets()
		return err
	}
	tcp, err := tcpserver.New(tcpserver.Config{
		Listener:  s.tcpLn,
		Store:     s.store,
		Audit:     s.audit,
		Guard:     s.guard,
		Logger:    s.logger,
		Clock:     s.clock,
		IdleFlush: s.cfg.Timeout,
		MaxLine:   s.cfg.MaxLineBytes,
	})
	if err != nil {
		s.closeSockets()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.udp = udp
	s.tcp = tcp
	s.cancel = cancel
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("server.listening", "udp", s.udpConn.LocalAddr().String(), "tcp", s.tcpLn.Addr().String())

	errCh := make(chan error, 2)
	go func() { errCh <- udp.Serve(ctx) }()
	go func() { errCh <- tcp.Serve(ctx) }()
	first := <-errCh
	cancel()
	second := <-errCh
	s.closeSockets()
	err = errors.Join(first, second)
	s.recordServeErr(err)
	return err
}

func (s *Server) bind() error {
	if s.udpConn == nil {
		conn, err := net.ListenPacket("udp", s.cfg.UDPAddr())
		if err != nil {
			return fmt.Errorf("listen (udp %s): %w", s.cfg.UDPAddr(), err)
		}
		s.udpConn = conn
	}
	if s.tcpLn == nil {
		ln, err := net.Listen("tcp", s.cfg.TCPAddr())
		if err != nil {
			_ = s.udpConn.Close()
			return fmt.Errorf("listen (tcp %s): %w", s.cfg.TCPAddr(), err)
		}
		s.tcpLn = ln
	}
	return nil
}

func (s *Server) closeSockets() {
	if s.udpConn != nil {
		_ = s.udpConn.Close()
	}
	if s.tcpLn != nil {
		_ = s.tcpLn.Close()
	}
}

// Shutdown stops both listeners, closes open sessions, then releases the
// audit trail, backend and telemetry. In-flight commands are not drained.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	started := s.started
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !started {
		s.closeSockets()
	} else {
		select {
		case <-s.done:
		case <-ctx.Done():
			s.closeSockets()
			return fmt.Errorf("kolabd: shutdown: %w", ctx.Err())
		}
	}
	var errs []error
	if err := s.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("audit close: %w", err))
	}
	if err := s.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("backend close: %w", err))
	}
	telemetryCtx := ctx
	if telemetryCtx.Err() != nil {
		var cancelTelemetry context.CancelFunc
		telemetryCtx, cancelTelemetry = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelTelemetry()
	}
	if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("server.shutdown.complete")
	return errors.Join(errs...)
}

// Close shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() { close(s.readyCh) })
}

// WaitUntilReady blocks until both listeners are bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-s.done:
		if err := s.LastServeError(); err != nil {
			return err
		}
		return fmt.Errorf("kolabd: server stopped before ready")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UDPAddr returns the bound UDP address once ready.
func (s *Server) UDPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udp == nil {
		return nil
	}
	return s.udp.Addr()
}

// TCPAddr returns the bound TCP address once ready.
func (s *Server) TCPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

// TCPInfo is the reply a UDP login receives from this server.
func (s *Server) TCPInfo() string {
	addr, ok := s.TCPAddr().(*net.TCPAddr)
	if !ok {
		return ""
	}
	return protocol.TCPInfoReply(addr.Port)
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.serveErr = err
	s.mu.Unlock()
}

// LastServeError returns the error that ended Start, if any.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

// StartServer starts a server in a background goroutine and waits until it
// is ready. It returns the running server and a stop function.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	go func() {
		if err := srv.Start(); err != nil {
			srv.logger.Error("server.serve_error", "error", err)
		}
	}()
	if err := srv.WaitUntilReady(ctx); err != nil {
		_ = srv.Close()
		return nil, nil, err
	}
	return srv, srv.Shutdown, nil
}
