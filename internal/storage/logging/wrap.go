// Package logging decorates a storage.Backend with spans and debug logs.
package logging

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/kolabd/internal/correlation"
	"pkt.systems/kolabd/internal/storage"
	"pkt.systems/kolabd/internal/svcfields"
	"pkt.systems/pslog"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	kind   string
}

// Wrap decorates inner with trace/debug logging. kind names the backend
// (disk, s3, ...) on spans.
func Wrap(inner storage.Backend, logger pslog.Logger, kind string) storage.Backend {
	return &backend{
		inner:  inner,
		logger: svcfields.Ensure(logger),
		tracer: otel.Tracer("pkt.systems/kolabd/storage"),
		kind:   kind,
	}
}

func (b *backend) start(ctx context.Context, op, key string) (context.Context, trace.Span, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "kolabd.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("kolabd.storage.operation", op),
		attribute.String("kolabd.storage.backend", b.kind),
		attribute.String("kolabd.storage.key", key),
	)
	logger := b.logger
	if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
		span.SetAttributes(attribute.String("kolabd.correlation_id", corr))
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	logger.Trace("storage."+op+".begin", "key", key)
	return ctx, span, logger, func(err error) {
		elapsed := time.Since(begin)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", "key", key, "error", err, "elapsed", elapsed)
			return
		}
		span.SetStatus(codes.Ok, "")
		logger.Debug("storage."+op+".success", "key", key, "elapsed", elapsed)
	}
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	ctx, span, _, finish := b.start(ctx, "get_object", key)
	defer span.End()
	result, err := b.inner.GetObject(ctx, key)
	if err == nil && result.Info != nil {
		span.SetAttributes(attribute.Int64("kolabd.storage.object_size", result.Info.Size))
	}
	finish(err)
	return result, err
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, span, _, finish := b.start(ctx, "put_object", key)
	defer span.End()
	info, err := b.inner.PutObject(ctx, key, body, opts)
	if err == nil && info != nil {
		span.SetAttributes(
			attribute.Int64("kolabd.storage.object_size", info.Size),
			attribute.Bool("kolabd.storage.has_etag", info.ETag != ""),
		)
	}
	finish(err)
	return info, err
}

func (b *backend) Close() error {
	return b.inner.Close()
}
