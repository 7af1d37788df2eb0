package taskstore

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type storeMetrics struct {
	mutations       metric.Int64Counter
	persists        metric.Int64Counter
	persistDuration metric.Int64Histogram
	snapshotBytes   metric.Int64Histogram
	managers        metric.Int64ObservableGauge
	tasks           metric.Int64ObservableGauge
}

func newStoreMetrics(logger pslog.Logger, store *Store) *storeMetrics {
	meter := otel.Meter("pkt.systems/kolabd/taskstore")
	m := &storeMetrics{}
	var err error

	m.mutations, err = meter.Int64Counter(
		"kolabd.taskstore.mutations",
		metric.WithDescription("Task store mutations by operation and result"),
	)
	logMetricInitError(logger, "kolabd.taskstore.mutations", err)

	m.persists, err = meter.Int64Counter(
		"kolabd.taskstore.persist",
		metric.WithDescription("Snapshot writes by result"),
	)
	logMetricInitError(logger, "kolabd.taskstore.persist", err)

	m.persistDuration, err = meter.Int64Histogram(
		"kolabd.taskstore.persist.duration_ms",
		metric.WithDescription("Time spent writing the snapshot"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "kolabd.taskstore.persist.duration_ms", err)

	m.snapshotBytes, err = meter.Int64Histogram(
		"kolabd.taskstore.snapshot.bytes",
		metric.WithDescription("Encoded snapshot size"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "kolabd.taskstore.snapshot.bytes", err)

	m.managers, err = meter.Int64ObservableGauge(
		"kolabd.taskstore.managers",
		metric.WithDescription("Registered managers"),
	)
	logMetricInitError(logger, "kolabd.taskstore.managers", err)

	m.tasks, err = meter.Int64ObservableGauge(
		"kolabd.taskstore.tasks",
		metric.WithDescription("Stored tasks"),
	)
	logMetricInitError(logger, "kolabd.taskstore.tasks", err)

	if m.managers != nil && m.tasks != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			managers, tasks := store.counts()
			o.ObserveInt64(m.managers, managers)
			o.ObserveInt64(m.tasks, tasks)
			return nil
		}, m.managers, m.tasks); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "kolabd.taskstore.tasks", "error", err)
		}
	}
	return m
}

func (m *storeMetrics) recordMutation(ctx context.Context, op, result string) {
	if m == nil || m.mutations == nil {
		return
	}
	m.mutations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kolabd.taskstore.operation", op),
		attribute.String("kolabd.taskstore.result", result),
	))
}

func (m *storeMetrics) recordPersist(ctx context.Context, result string, elapsed time.Duration, size int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kolabd.taskstore.result", result))
	if m.persists != nil {
		m.persists.Add(ctx, 1, attrs)
	}
	if m.persistDuration != nil && elapsed > 0 {
		m.persistDuration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
	if m.snapshotBytes != nil && size > 0 {
		m.snapshotBytes.Record(ctx, int64(size), attrs)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
