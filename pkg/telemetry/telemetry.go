// Package telemetry wires up Prometheus + OpenTelemetry exporters used across
// the project.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"mailproof/pkg/config"
	"mailproof/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Telemetry holds telemetry providers and exporters
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	tracerProvider     trace.TracerProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds all application metrics
type Metrics struct {
	// Validation metrics
	ChecksTotal   metric.Int64Counter
	ChecksPassed  metric.Int64Counter
	CheckDuration metric.Float64Histogram
	DNSTimeouts   metric.Int64Counter

	// Lifecycle metrics
	Promotions metric.Int64Counter
	Expiries   metric.Int64Counter
	JobsQueued metric.Int64Counter

	// Edge metrics
	RateLimited metric.Int64Counter

	// Mail metrics
	MailsSent   metric.Int64Counter
	MailsFailed metric.Int64Counter
}

// New creates a new telemetry instance
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:            cfg,
			meterProvider:  noop.NewMeterProvider(),
			tracerProvider: tracenoop.NewTracerProvider(),
			logger:         logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}
	t.tracerProvider = tracenoop.NewTracerProvider()

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
	)
	return t, nil
}

// setupMetrics initializes the metrics provider
func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = noop.NewMeterProvider()
		return nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	t.prometheusExporter = exporter

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	if err := t.startPrometheusServer(); err != nil {
		return fmt.Errorf("failed to start prometheus server: %w", err)
	}

	t.logger.Info("Prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	return nil
}

// startPrometheusServer starts the Prometheus metrics HTTP server
func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()
	return nil
}

// InitMetrics initializes and returns all application metrics
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("mailproof")

	checksTotal, err := meter.Int64Counter(
		"checks.total",
		metric.WithDescription("Total number of validation cycles run"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create checks counter: %w", err)
	}

	checksPassed, err := meter.Int64Counter(
		"checks.passed",
		metric.WithDescription("Validation cycles where every requirement matched"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create checks passed counter: %w", err)
	}

	checkDuration, err := meter.Float64Histogram(
		"check.duration",
		metric.WithDescription("Validation cycle duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create check duration histogram: %w", err)
	}

	dnsTimeouts, err := meter.Int64Counter(
		"dns.timeouts",
		metric.WithDescription("DNS lookups that hit the configured deadline"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dns timeouts counter: %w", err)
	}

	promotions, err := meter.Int64Counter(
		"requests.promoted",
		metric.WithDescription("Requests promoted from PENDING to ACTIVE"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create promotions counter: %w", err)
	}

	expiries, err := meter.Int64Counter(
		"requests.expired",
		metric.WithDescription("Requests that ran out their time budget"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create expiries counter: %w", err)
	}

	jobsQueued, err := meter.Int64Counter(
		"jobs.queued",
		metric.WithDescription("Job starts deferred because the cap was reached"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create jobs queued counter: %w", err)
	}

	rateLimited, err := meter.Int64Counter(
		"rate_limit.violations",
		metric.WithDescription("Requests rejected by the per-IP rate limiter"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit counter: %w", err)
	}

	mailsSent, err := meter.Int64Counter(
		"mails.sent",
		metric.WithDescription("Notification mails delivered to SMTP"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mails sent counter: %w", err)
	}

	mailsFailed, err := meter.Int64Counter(
		"mails.failed",
		metric.WithDescription("Notification mails that failed to send"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mails failed counter: %w", err)
	}

	return &Metrics{
		ChecksTotal:   checksTotal,
		ChecksPassed:  checksPassed,
		CheckDuration: checkDuration,
		DNSTimeouts:   dnsTimeouts,
		Promotions:    promotions,
		Expiries:      expiries,
		JobsQueued:    jobsQueued,
		RateLimited:   rateLimited,
		MailsSent:     mailsSent,
		MailsFailed:   mailsFailed,
	}, nil
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// TracerProvider returns the tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	t.logger.Info("Telemetry shut down")
	return nil
}

// Nil-safe recording helpers. A nil *Metrics is valid everywhere, so
// components never need to branch on whether telemetry is wired.

func (m *Metrics) AddCheck(ctx context.Context, passed bool) {
	if m == nil {
		return
	}
	if m.ChecksTotal != nil {
		m.ChecksTotal.Add(ctx, 1)
	}
	if passed && m.ChecksPassed != nil {
		m.ChecksPassed.Add(ctx, 1)
	}
}

func (m *Metrics) RecordCheckDuration(ctx context.Context, d time.Duration) {
	if m != nil && m.CheckDuration != nil {
		m.CheckDuration.Record(ctx, float64(d.Milliseconds()))
	}
}

func (m *Metrics) AddDNSTimeout(ctx context.Context) {
	if m != nil && m.DNSTimeouts != nil {
		m.DNSTimeouts.Add(ctx, 1)
	}
}

func (m *Metrics) AddPromotion(ctx context.Context) {
	if m != nil && m.Promotions != nil {
		m.Promotions.Add(ctx, 1)
	}
}

func (m *Metrics) AddExpiry(ctx context.Context) {
	if m != nil && m.Expiries != nil {
		m.Expiries.Add(ctx, 1)
	}
}

func (m *Metrics) AddJobQueued(ctx context.Context) {
	if m != nil && m.JobsQueued != nil {
		m.JobsQueued.Add(ctx, 1)
	}
}

func (m *Metrics) AddRateLimited(ctx context.Context) {
	if m != nil && m.RateLimited != nil {
		m.RateLimited.Add(ctx, 1)
	}
}

func (m *Metrics) AddMailSent(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	if ok {
		if m.MailsSent != nil {
			m.MailsSent.Add(ctx, 1)
		}
		return
	}
	if m.MailsFailed != nil {
		m.MailsFailed.Add(ctx, 1)
	}
}
