// Package telemetry provides OpenTelemetry meter initialization with support
// for stdout (development) and OTLP/HTTP (production) exporters, plus the
// instruments recorded by the coordinator and dispatcher.
//
//	mp, err := telemetry.InitMeter(ctx, "tasktrack", telemetry.ExporterStdout, "")
//	defer mp.Shutdown(ctx)
//
//	metrics, err := telemetry.NewMetrics(mp)
//	metrics.RecordRequest(ctx, "create_task", "", time.Since(start))
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Supported exporters.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

const meterName = "github.com/ldi/tasktrack"

// Attribute keys for metric labels.
var (
	AttrOp     = attribute.Key("tasktrack.op")
	AttrResult = attribute.Key("result")
)

// Metrics holds pre-registered OpenTelemetry metric instruments.
// A nil *Metrics records nothing.
type Metrics struct {
	RequestTotal    metric.Int64Counter
	RequestDuration metric.Float64Histogram
	LockWait        metric.Float64Histogram
}

// InitMeter creates and registers a global MeterProvider.
//
// The exporter parameter selects the metric exporter: "otlp" uses OTLP/HTTP
// with the given endpoint and "stdout" writes to standard output.
//
// The returned MeterProvider must be shut down when the application exits.
func InitMeter(ctx context.Context, serviceName, exporter, endpoint string) (*sdkmetric.MeterProvider, error) {
	res, err := newResource(serviceName)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	metricExporter, err := newMetricExporter(ctx, exporter, endpoint)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)

	return mp, nil
}

// NewMetrics creates and registers all metric instruments using the given MeterProvider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)

	total, err := meter.Int64Counter(
		"tasktrack.request.total",
		metric.WithDescription("Total number of dispatched requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating tasktrack.request.total: %w", err)
	}

	duration, err := meter.Float64Histogram(
		"tasktrack.request.duration",
		metric.WithDescription("Duration of dispatched requests"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating tasktrack.request.duration: %w", err)
	}

	lockWait, err := meter.Float64Histogram(
		"tasktrack.lock.wait",
		metric.WithDescription("Time spent waiting for a project lock"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating tasktrack.lock.wait: %w", err)
	}

	return &Metrics{
		RequestTotal:    total,
		RequestDuration: duration,
		LockWait:        lockWait,
	}, nil
}

// RecordRequest counts one dispatched request. result is the error kind, or
// "ok" when empty.
func (m *Metrics) RecordRequest(ctx context.Context, op, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if result == "" {
		result = "ok"
	}
	attrs := metric.WithAttributes(AttrOp.String(op), AttrResult.String(result))
	m.RequestTotal.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordLockWait records how long an operation waited for its project lock.
func (m *Metrics) RecordLockWait(ctx context.Context, op string, waited time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.Record(ctx, waited.Seconds(), metric.WithAttributes(AttrOp.String(op)))
}

func newResource(serviceName string) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
}

func newMetricExporter(ctx context.Context, exporter, endpoint string) (sdkmetric.Exporter, error) {
	switch exporter {
	case ExporterOTLP:
		if endpoint == "" {
			return nil, errors.New("otlp exporter requires an endpoint")
		}
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(hostPort(endpoint))}
		if !isHTTPS(endpoint) {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)
	case ExporterStdout:
		return stdoutmetric.New()
	default:
		return nil, fmt.Errorf("unsupported exporter %q", exporter)
	}
}

// hostPort extracts the host:port from a URL string
// (e.g., "http://otel-collector:4318" -> "otel-collector:4318").
func hostPort(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	return u.Host
}

// isHTTPS returns true if the endpoint URL uses the https scheme.
func isHTTPS(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	return u.Scheme == "https"
}
