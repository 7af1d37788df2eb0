package tcpserver

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/kolabd/internal/protocol"
	"pkt.systems/pslog"
)

type serverMetrics struct {
	sessions   metric.Int64Counter
	active     metric.Int64ObservableGauge
	commands   metric.Int64Counter
	latency    metric.Float64Histogram
	violations metric.Int64Counter
}

func newServerMetrics(logger pslog.Logger, srv *Server) *serverMetrics {
	meter := otel.Meter("pkt.systems/kolabd/tcpserver")
	m := &serverMetrics{}
	var err error

	m.sessions, err = meter.Int64Counter(
		"kolabd.tcp.sessions",
		metric.WithDescription("TCP sessions opened and closed"),
	)
	logMetricInitError(logger, "kolabd.tcp.sessions", err)

	m.active, err = meter.Int64ObservableGauge(
		"kolabd.tcp.sessions.active",
		metric.WithDescription("Open TCP sessions"),
	)
	logMetricInitError(logger, "kolabd.tcp.sessions.active", err)

	m.commands, err = meter.Int64Counter(
		"kolabd.tcp.commands",
		metric.WithDescription("Session commands by role, kind and result"),
	)
	logMetricInitError(logger, "kolabd.tcp.commands", err)

	m.latency, err = meter.Float64Histogram(
		"kolabd.tcp.command.duration",
		metric.WithDescription("Time spent handling one command line"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "kolabd.tcp.command.duration", err)

	m.violations, err = meter.Int64Counter(
		"kolabd.tcp.framing_violations",
		metric.WithDescription("Connections closed for exceeding the line limit"),
	)
	logMetricInitError(logger, "kolabd.tcp.framing_violations", err)

	if m.active != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.active, srv.activeSessions())
			return nil
		}, m.active); err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "kolabd.tcp.sessions.active", "error", err)
		}
	}
	return m
}

func (m *serverMetrics) sessionOpened(ctx context.Context) {
	if m.sessions != nil {
		m.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "open")))
	}
}

func (m *serverMetrics) sessionClosed(ctx context.Context) {
	if m.sessions != nil {
		m.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "close")))
	}
}

func (m *serverMetrics) command(ctx context.Context, role protocol.Role, kind, result string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("role", role.String()),
		attribute.String("kind", kind),
		attribute.String("result", result),
	)
	if m.commands != nil {
		m.commands.Add(ctx, 1, attrs)
	}
	if m.latency != nil {
		m.latency.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func (m *serverMetrics) framingViolation(ctx context.Context) {
	if m.violations != nil {
		m.violations.Add(ctx, 1)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
