// Package udpgw answers the connectionless side of the protocol: logins that
// hand out the TCP port, the manager task query and priority changes.
package udpgw

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"pkt.systems/kolabd/internal/audit"
	"pkt.systems/kolabd/internal/correlation"
	"pkt.systems/kolabd/internal/protocol"
	"pkt.systems/kolabd/internal/svcfields"
	"pkt.systems/kolabd/internal/taskstore"
	"pkt.systems/pslog"
)

// DefaultMaxDatagram bounds a single request.
const DefaultMaxDatagram = 64 * 1024

// Store is the subset of the task store the gateway uses.
type Store interface {
	EnsureManager(ctx context.Context, manager string)
	AllTasksForManager(manager string) []protocol.Task
	ChangePriority(ctx context.Context, manager, taskName string, priority int) error
}

// Auditor receives delivery and mutation records.
type Auditor interface {
	Delivery(principal, kind string, names []string, result any) bool
	Info(line string)
	Error(where string, err error)
}

// Config wires a Gateway.
type Config struct {
	Conn    net.PacketConn
	TCPPort int
	Store   Store
	Audit   Auditor
	Logger  pslog.Logger
	// Timeout is the read deadline used to observe context cancellation.
	Timeout     time.Duration
	MaxDatagram int
}

// Gateway serves UDP requests one datagram at a time.
type Gateway struct {
	conn        net.PacketConn
	tcpPort     int
	store       Store
	audit       Auditor
	logger      pslog.Logger
	timeout     time.Duration
	maxDatagram int
	metrics     *gatewayMetrics
}

// New validates cfg and returns a gateway bound to cfg.Conn.
func New(cfg Config) (*Gateway, error) {
	if cfg.Conn == nil {
		return nil, errors.New("udpgw: packet conn required")
	}
	if cfg.Store == nil {
		return nil, errors.New("udpgw: store required")
	}
	if cfg.TCPPort <= 0 || cfg.TCPPort > 65535 {
		return nil, fmt.Errorf("udpgw: invalid tcp port %d", cfg.TCPPort)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 250 * time.Millisecond
	}
	if cfg.MaxDatagram <= 0 {
		cfg.MaxDatagram = DefaultMaxDatagram
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "server.udp")
	return &Gateway{
		conn:        cfg.Conn,
		tcpPort:     cfg.TCPPort,
		store:       cfg.Store,
		audit:       cfg.Audit,
		logger:      logger,
		timeout:     cfg.Timeout,
		maxDatagram: cfg.MaxDatagram,
		metrics:     newGatewayMetrics(logger),
	}, nil
}

// Addr returns the local address of the gateway socket.
func (g *Gateway) Addr() net.Addr {
	return g.conn.LocalAddr()
}

// Serve reads datagrams until ctx is canceled or the socket is closed. It
// returns nil when stopped through ctx.
func (g *Gateway) Serve(ctx context.Context) error {
	g.logger.Info("udp.listen", "addr", g.conn.LocalAddr().String(), "tcp_port", g.tcpPort)
	buf := make([]byte, g.maxDatagram)
	for {
		if ctx.Err() != nil {
			g.logger.Info("udp.stopped")
			return nil
		}
		if err := g.conn.SetReadDeadline(time.Now().Add(g.timeout)); err != nil {
			g.logger.Debug("udp.deadline_error", "error", err)
		}
		n, addr, err := g.conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				if ctx.Err() != nil {
					g.logger.Info("udp.stopped")
					return nil
				}
				return fmt.Errorf("udpgw: read: %w", err)
			}
			g.logger.Warn("udp.read_error", "error", err)
			continue
		}
		g.serveDatagram(ctx, addr, string(buf[:n]))
	}
}

func (g *Gateway) serveDatagram(ctx context.Context, addr net.Addr, msg string) {
	cid := correlation.New()
	logger := g.logger.With("cid", cid, "remote", addr.String())
	ctx = pslog.ContextWithLogger(correlation.With(ctx, cid), logger)
	begin := time.Now()
	kind := "invalid"
	defer func() {
		if r := recover(); r != nil {
			logger.Error("udp.handler_panic", "panic", fmt.Sprint(r))
			if g.audit != nil {
				g.audit.Error("udp.handler", fmt.Errorf("panic: %v", r))
			}
			g.metrics.record(ctx, kind, "panic", time.Since(begin))
		}
	}()

	cmd := protocol.ParseDatagram(msg)
	kind = commandKind(cmd)
	logger.Trace("udp.request", "kind", kind, "size", len(msg))
	reply := g.Handle(ctx, cmd)
	if _, err := g.conn.WriteTo([]byte(reply), addr); err != nil {
		logger.Warn("udp.write_error", "kind", kind, "error", err)
		g.metrics.record(ctx, kind, "write_error", time.Since(begin))
		return
	}
	g.metrics.record(ctx, kind, resultOf(reply), time.Since(begin))
}

// Handle computes the reply for a parsed datagram.
func (g *Gateway) Handle(ctx context.Context, cmd protocol.Command) string {
	logger := g.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	switch c := cmd.(type) {
	case protocol.Identify:
		if c.Role == protocol.RoleManager {
			g.store.EnsureManager(ctx, c.Username)
		}
		logger.Info("udp.login", "role", c.Role.String(), "user", c.Username)
		g.auditInfo(fmt.Sprintf("UDP LOGIN %s %s", c.Role, c.Username))
		return protocol.TCPInfoReply(g.tcpPort)
	case protocol.AllTasks:
		tasks := g.store.AllTasksForManager(c.Manager)
		reply, err := protocol.TasksReply(tasks)
		if err != nil {
			logger.Error("udp.encode_error", "manager", c.Manager, "error", err)
			return protocol.ReplyError
		}
		if g.audit != nil {
			g.audit.Delivery(c.Manager, audit.KindAllTasks, taskNames(tasks), tasks)
		}
		return reply
	case protocol.ChangePriority:
		err := g.store.ChangePriority(ctx, c.Manager, c.TaskName, c.Priority)
		switch {
		case errors.Is(err, taskstore.ErrNotFound):
			return protocol.UDPErrNotFound
		case err != nil:
			logger.Warn("udp.priority_error", "manager", c.Manager, "task", c.TaskName, "error", err)
			return protocol.UDPErrNotFound
		}
		logger.Info("udp.priority_changed", "manager", c.Manager, "task", c.TaskName, "priority", c.Priority)
		g.auditInfo(fmt.Sprintf("UDP PRIORITY %s: %s -> %d", c.Manager, c.TaskName, c.Priority))
		return protocol.ReplyOK
	case protocol.Invalid:
		return c.Reply
	default:
		return protocol.ReplyError
	}
}

func (g *Gateway) auditInfo(line string) {
	if g.audit != nil {
		g.audit.Info(line)
	}
}

func taskNames(tasks []protocol.Task) []string {
	names := make([]string, len(tasks))
	for i, task := range tasks {
		names[i] = task.Name
	}
	return names
}

func commandKind(cmd protocol.Command) string {
	switch c := cmd.(type) {
	case protocol.Identify:
		return "login_" + c.Role.String()
	case protocol.AllTasks:
		return "all_tasks"
	case protocol.ChangePriority:
		return "priority"
	default:
		return "invalid"
	}
}

func resultOf(reply string) string {
	switch reply {
	case protocol.ReplyError, protocol.UDPErrBadFormat, protocol.UDPErrBadTaskName,
		protocol.UDPErrBadPriority, protocol.UDPErrNotFound:
		return "error"
	default:
		return "ok"
	}
}
