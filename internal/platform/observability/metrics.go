package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/hanko-field/reconciler/internal/platform/config"
)

const meterName = "github.com/hanko-field/reconciler"

// Metrics holds the instruments recorded by middleware, auth and the services.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	httpRequests      metric.Int64Counter
	httpDuration      metric.Float64Histogram
	serviceEvents     metric.Int64Counter
	authVerifications metric.Int64Counter
}

// NewMetrics builds a meter provider. Without an OTLP endpoint instruments are still created but
// nothing is exported.
func NewMetrics(ctx context.Context, cfg config.ObservabilityConfig) (*Metrics, error) {
	var opts []sdkmetric.Option
	if cfg.OTLPEndpoint != "" {
		exporter, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetrichttp.WithURLPath("/v1/metrics"),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create otlp metric exporter: %w", err)
		}
		interval := cfg.MetricsInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))))
	}
	return newMetrics(ctx, cfg, opts...)
}

func newMetrics(ctx context.Context, cfg config.ObservabilityConfig, opts ...sdkmetric.Option) (*Metrics, error) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build metric resource: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(append([]sdkmetric.Option{sdkmetric.WithResource(res)}, opts...)...)
	meter := provider.Meter(meterName)

	m := &Metrics{provider: provider}
	if m.httpRequests, err = meter.Int64Counter("http.server.requests",
		metric.WithDescription("HTTP requests served"), metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if m.httpDuration, err = meter.Float64Histogram("http.server.duration",
		metric.WithDescription("HTTP request latency"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.serviceEvents, err = meter.Int64Counter("reconciler.events",
		metric.WithDescription("Domain events emitted by services"), metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if m.authVerifications, err = meter.Int64Counter("reconciler.auth.verifications",
		metric.WithDescription("Credential verification outcomes"), metric.WithUnit("{verification}")); err != nil {
		return nil, err
	}
	return m, nil
}

// Shutdown flushes pending exports.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordServiceEvent counts one service event.
func (m *Metrics) RecordServiceEvent(ctx context.Context, event string) {
	if m == nil {
		return
	}
	m.serviceEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordVerification implements auth.MetricsRecorder.
func (m *Metrics) RecordVerification(ctx context.Context, kind string, success bool, reason string, _ time.Duration) {
	if m == nil {
		return
	}
	m.authVerifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
		attribute.String("reason", reason),
	))
}

// MetricsMiddleware records request counts and latency by route pattern and status.
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			attrs := metric.WithAttributes(
				semconv.HTTPRequestMethodKey.String(SanitizeMethod(r.Method)),
				semconv.HTTPRoute(SanitizeRoute(routePattern(r))),
				semconv.HTTPResponseStatusCode(statusOf(ww)),
			)
			m.httpRequests.Add(r.Context(), 1, attrs)
			m.httpDuration.Record(r.Context(), float64(time.Since(start).Microseconds())/1000, attrs)
		})
	}
}
