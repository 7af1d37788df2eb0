package udpgw

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type gatewayMetrics struct {
	datagrams metric.Int64Counter
	latency   metric.Float64Histogram
}

func newGatewayMetrics(logger pslog.Logger) *gatewayMetrics {
	meter := otel.Meter("pkt.systems/kolabd/udpgw")
	m := &gatewayMetrics{}
	var err error
	m.datagrams, err = meter.Int64Counter(
		"kolabd.udp.datagrams",
		metric.WithDescription("UDP requests by kind and result"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "kolabd.udp.datagrams", "error", err)
	}
	m.latency, err = meter.Float64Histogram(
		"kolabd.udp.handle.duration",
		metric.WithDescription("Time from datagram receipt to reply"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "kolabd.udp.handle.duration", "error", err)
	}
	return m
}

func (m *gatewayMetrics) record(ctx context.Context, kind, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	)
	if m.datagrams != nil {
		m.datagrams.Add(ctx, 1, attrs)
	}
	if m.latency != nil {
		m.latency.Record(ctx, elapsed.Seconds(), attrs)
	}
}
