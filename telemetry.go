package kolabd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/kolabd/internal/svcfields"
	"pkt.systems/kolabd/internal/version"
	"pkt.systems/pslog"
)

// telemetry owns the optional tracing, metrics and pprof surfaces.
type telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	servers        []*http.Server
	listeners      []net.Listener
	metricsAddr    net.Addr
	pprofAddr      net.Addr
	logger         pslog.Logger
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

type otlpTarget struct {
	protocol string
	endpoint string
	path     string
	insecure bool
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

// setupTelemetry returns nil when every surface is disabled.
func setupTelemetry(ctx context.Context, cfg Config, logger pslog.Logger) (*telemetry, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	metricsListen := strings.TrimSpace(cfg.MetricsListen)
	pprofListen := strings.TrimSpace(cfg.PprofListen)
	if endpoint == "" && metricsListen == "" && pprofListen == "" && !cfg.EnableProfilingMetrics {
		return nil, nil
	}
	if cfg.EnableProfilingMetrics && metricsListen == "" {
		return nil, fmt.Errorf("telemetry: profiling metrics require a metrics listen address")
	}
	logger = svcfields.WithSubsystem(logger, "telemetry")
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName("kolabd"),
			semconv.ServiceVersion(version.Current()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	t := &telemetry{logger: logger}
	fail := func(err error) (*telemetry, error) {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = t.Shutdown(shutdownCtx)
		return nil, err
	}

	if endpoint != "" {
		target, err := resolveOTLPTarget(endpoint)
		if err != nil {
			return nil, err
		}
		var exporter sdktrace.SpanExporter
		switch target.protocol {
		case "grpc":
			exporter, err = grpcTraceExporter(ctx, target)
		default:
			exporter, err = httpTraceExporter(ctx, target)
		}
		if err != nil {
			return nil, err
		}
		t.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
			sdktrace.WithBatcher(exporter),
		)
		otel.SetTracerProvider(t.tracerProvider)
		logger.Info("telemetry.tracing.enabled",
			"protocol", target.protocol,
			"endpoint", target.endpoint,
			"path", target.path,
			"insecure", target.insecure,
		)
	}

	if metricsListen != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
		if cfg.EnableProfilingMetrics {
			opts = append(opts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(opts...)
		if err != nil {
			return fail(fmt.Errorf("telemetry: start prometheus exporter: %w", err))
		}
		t.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(t.meterProvider)
		if cfg.EnableProfilingMetrics {
			runtimeMetricsOnce.Do(func() {
				runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(t.meterProvider))
			})
			if runtimeMetricsErr != nil {
				return fail(fmt.Errorf("telemetry: runtime metrics: %w", runtimeMetricsErr))
			}
			logger.Info("profiling.metrics.enabled")
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", otelhttp.NewHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), "metrics"))
		addr, err := t.serve("metrics", metricsListen, mux)
		if err != nil {
			return fail(err)
		}
		t.metricsAddr = addr
		logger.Info("telemetry.metrics.enabled", "listen", addr.String())
	}

	if pprofListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		addr, err := t.serve("pprof", pprofListen, otelhttp.NewHandler(mux, "pprof"))
		if err != nil {
			return fail(err)
		}
		t.pprofAddr = addr
		logger.Info("profiling.pprof.enabled", "listen", addr.String())
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(otelErrorHandler{logger: logger})
	return t, nil
}

func (t *telemetry) serve(name, addr string, handler http.Handler) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %s listen: %w", name, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	t.servers = append(t.servers, srv)
	t.listeners = append(t.listeners, ln)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry.serve_error", "server", name, "error", err)
		}
	}()
	return ln.Addr(), nil
}

// Shutdown stops the HTTP surfaces and flushes the providers.
func (t *telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for _, srv := range t.servers {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	for _, ln := range t.listeners {
		_ = ln.Close()
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric shutdown: %w", err))
		}
	}
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace shutdown: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		t.logger.Warn("telemetry.shutdown.error", "error", err)
		return err
	}
	t.logger.Info("telemetry.shutdown.complete")
	return nil
}

func grpcTraceExporter(ctx context.Context, target otlpTarget) (sdktrace.SpanExporter, error) {
	creds := credentials.NewClientTLSFromCert(nil, "")
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(target.endpoint),
		otlptracegrpc.WithTimeout(10 * time.Second),
	}
	if target.insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
		opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	} else {
		opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)))
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: start trace exporter (grpc): %w", err)
	}
	return exporter, nil
}

func httpTraceExporter(ctx context.Context, target otlpTarget) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(target.endpoint),
		otlptracehttp.WithTimeout(10 * time.Second),
	}
	if target.insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if target.path != "" && target.path != "/" {
		opts = append(opts, otlptracehttp.WithURLPath(target.path))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: start trace exporter (http): %w", err)
	}
	return exporter, nil
}

// resolveOTLPTarget accepts host[:port] (gRPC, insecure) or a
// grpc://, grpcs://, http:// or https:// URL.
func resolveOTLPTarget(raw string) (otlpTarget, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		return otlpTarget{protocol: "grpc", endpoint: withDefaultPort(raw, "4317"), insecure: true}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	target := otlpTarget{endpoint: u.Host, path: strings.TrimSuffix(u.Path, "/")}
	switch strings.ToLower(u.Scheme) {
	case "grpc", "grpcs":
		target.protocol = "grpc"
		target.insecure = strings.EqualFold(u.Scheme, "grpc")
		target.endpoint = withDefaultPort(target.endpoint, "4317")
	case "http", "https":
		target.protocol = "http"
		target.insecure = strings.EqualFold(u.Scheme, "http")
		target.endpoint = withDefaultPort(target.endpoint, "4318")
	default:
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: missing endpoint host")
	}
	return target, nil
}

func withDefaultPort(hostport, port string) string {
	if hostport == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(hostport); err == nil {
		return hostport
	}
	return net.JoinHostPort(hostport, port)
}
