// Package retry wraps a storage.Backend and retries operations that failed
// with a transient error.
package retry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"pkt.systems/kolabd/internal/clock"
	"pkt.systems/kolabd/internal/storage"
	"pkt.systems/kolabd/internal/svcfields"
	"pkt.systems/pslog"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	return &backend{
		inner:  inner,
		logger: svcfields.Ensure(logger),
		clock:  clock.OrReal(clk),
		cfg:    cfg,
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	var result storage.GetObjectResult
	err := b.withRetry(ctx, "get_object", key, func(ctx context.Context) error {
		var err error
		result, err = b.inner.GetObject(ctx, key)
		return err
	})
	return result, err
}

// PutObject buffers body once so every attempt uploads the same bytes.
func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("retry: buffer body for %q: %w", key, err)
	}
	var info *storage.ObjectInfo
	err = b.withRetry(ctx, "put_object", key, func(ctx context.Context) error {
		var err error
		info, err = b.inner.PutObject(ctx, key, bytes.NewReader(payload), opts)
		return err
	})
	return info, err
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) withRetry(ctx context.Context, op, key string, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		b.logger.Warn("storage.retry.transient_error",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.clock.Sleep(delay)
			next := time.Duration(float64(delay) * b.cfg.Multiplier)
			if b.cfg.MaxDelay > 0 && next > b.cfg.MaxDelay {
				next = b.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}
