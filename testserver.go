package kolabd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/kolabd/client"
	"pkt.systems/kolabd/internal/clock"
	"pkt.systems/kolabd/internal/storage"
	"pkt.systems/kolabd/internal/storage/memory"
	"pkt.systems/pslog"
)

// TestServer wraps a running kolabd.Server bound to loopback sockets.
type TestServer struct {
	Server *Server
	Config Config
	UDP    *client.UDPClient

	stop    func(context.Context) error
	backend storage.Backend
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					if strings.Contains(fmt.Sprint(r), "Log in goroutine after") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a structured logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	logger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("KOLABD_TEST_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: level}),
		pslog.WithEnvWriter(writer),
	)
	return logger.With("app", "testserver")
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

// UDPAddr returns the gateway address.
func (ts *TestServer) UDPAddr() string {
	if ts == nil || ts.Server == nil || ts.Server.UDPAddr() == nil {
		return ""
	}
	return ts.Server.UDPAddr().String()
}

// TCPAddr returns the session listener address.
func (ts *TestServer) TCPAddr() string {
	if ts == nil || ts.Server == nil || ts.Server.TCPAddr() == nil {
		return ""
	}
	return ts.Server.TCPAddr().String()
}

// Backend exposes the snapshot backend used by the server.
func (ts *TestServer) Backend() storage.Backend {
	if ts == nil {
		return nil
	}
	return ts.backend
}

// Dial opens a TCP session against the server.
func (ts *TestServer) Dial(ctx context.Context, opts ...client.Option) (*client.Session, error) {
	if ts == nil {
		return nil, fmt.Errorf("nil test server")
	}
	return client.Dial(ctx, ts.TCPAddr(), opts...)
}

type testServerOptions struct {
	cfg          Config
	mutators     []func(*Config)
	backend      storage.Backend
	clock        clock.Clock
	logger       pslog.Logger
	startTimeout time.Duration
	testTB       testing.TB
	testLogLevel pslog.Level
}

// TestServerOption customises NewTestServer/StartTestServer behaviour.
type TestServerOption func(*testServerOptions)

// WithTestConfigFunc applies a mutation to the server configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestStore sets the storage URL.
func WithTestStore(store string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.Store = store
	})
}

// WithTestBackend injects a pre-built backend (shared between servers if desired).
func WithTestBackend(backend storage.Backend) TestServerOption {
	return func(o *testServerOptions) {
		o.backend = backend
	}
}

// WithTestClock injects a clock.
func WithTestClock(clk clock.Clock) TestServerOption {
	return func(o *testServerOptions) {
		o.clock = clk
	}
}

// WithTestLogger supplies a custom logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestLoggerFromTB routes server logs to the provided testing logger at the supplied level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.testTB = t
		o.testLogLevel = level
	}
}

// WithTestStartTimeout overrides the wait timeout when starting the server.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.startTimeout = d
	}
}

// NewTestServer starts a kolabd server on ephemeral loopback ports backed by
// an in-memory store unless a backend is injected. Call Stop to clean up.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{
		cfg: Config{
			Bind:             "127.0.0.1",
			Store:            "mem://",
			AuditLogSet:      true,
			ConnguardEnabled: true,
			Timeout:          50 * time.Millisecond,
		},
		startTimeout: 5 * time.Second,
		testLogLevel: pslog.DebugLevel,
	}
	for _, opt := range opts {
		opt(&options)
	}
	cfg := options.cfg
	for _, mut := range options.mutators {
		mut(&cfg)
	}

	logger := options.logger
	if logger == nil {
		if options.testTB != nil {
			logger = NewTestingLogger(options.testTB, options.testLogLevel)
		} else {
			logger = pslog.NoopLogger()
		}
	}
	backend := options.backend
	if backend == nil && strings.HasPrefix(cfg.Store, "mem://") {
		backend = memory.New()
	}

	udpConn, err := net.ListenPacket("udp", net.JoinHostPort(bindOrLoopback(cfg.Bind), "0"))
	if err != nil {
		return nil, fmt.Errorf("test server: listen udp: %w", err)
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(bindOrLoopback(cfg.Bind), "0"))
	if err != nil {
		_ = udpConn.Close()
		return nil, fmt.Errorf("test server: listen tcp: %w", err)
	}

	startOpts := []Option{WithLogger(logger), WithPacketConn(udpConn), WithListener(ln)}
	if backend != nil {
		startOpts = append(startOpts, WithBackend(backend))
	}
	if options.clock != nil {
		startOpts = append(startOpts, WithClock(options.clock))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	startCtx := ctx
	if options.startTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, options.startTimeout)
		defer cancel()
	}
	srv, stop, err := StartServer(startCtx, cfg, startOpts...)
	if err != nil {
		_ = udpConn.Close()
		_ = ln.Close()
		return nil, err
	}
	return &TestServer{
		Server:  srv,
		Config:  srv.cfg,
		UDP:     client.NewUDP(srv.UDPAddr().String(), client.WithTimeout(2*time.Second)),
		stop:    stop,
		backend: srv.backend,
	}, nil
}

// StartTestServer starts a server and registers its shutdown with t.Cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ts.Stop(ctx); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

func bindOrLoopback(bind string) string {
	bind = strings.TrimSpace(bind)
	if bind == "" || bind == DefaultBind {
		return "127.0.0.1"
	}
	return bind
}
