// Package metrics exposes controller metrics through an OpenTelemetry meter
// backed by a Prometheus exporter.
package metrics

import (
	"context"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/me/calcjob/pkg/model"
)

// Metrics holds the controller instruments.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	TicksTotal          metric.Int64Counter
	TransitionsTotal    metric.Int64Counter
	TerminalTotal       metric.Int64Counter
	TickDuration        metric.Float64Histogram
	ContractViolations  metric.Int64Counter
	JobsSubmittedTotal  metric.Int64Counter
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram
}

// New creates the instruments on a private Prometheus registry and returns
// the scrape handler for it.
func New() (*Metrics, http.Handler, error) {
	reg := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("calcjob")
	m := &Metrics{provider: provider}

	m.TicksTotal, err = meter.Int64Counter(
		"calcjob_ticks_total",
		metric.WithDescription("Total number of job ticks"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TransitionsTotal, err = meter.Int64Counter(
		"calcjob_transitions_total",
		metric.WithDescription("State transitions by source and target state"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TerminalTotal, err = meter.Int64Counter(
		"calcjob_terminal_total",
		metric.WithDescription("Jobs sealed by terminal state and failure kind"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TickDuration, err = meter.Float64Histogram(
		"calcjob_tick_duration_seconds",
		metric.WithDescription("Latency of a single job tick in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ContractViolations, err = meter.Int64Counter(
		"calcjob_contract_violations_total",
		metric.WithDescription("Ticks that failed with a caller bug such as a sealed record"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsSubmittedTotal, err = meter.Int64Counter(
		"calcjob_jobs_created_total",
		metric.WithDescription("Jobs created through the controller"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"calcjob_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"calcjob_http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

// RecordTick records one tick of a job on a computer.
func (m *Metrics) RecordTick(ctx context.Context, computer string, durationSeconds float64) {
	attrs := metric.WithAttributes(attribute.String("computer", computer))
	m.TicksTotal.Add(ctx, 1, attrs)
	m.TickDuration.Record(ctx, durationSeconds, attrs)
}

// RecordTransition records a state change and, for terminal states, the outcome.
func (m *Metrics) RecordTransition(ctx context.Context, from, to model.JobState, kind model.FailureKind) {
	m.TransitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
	if to.IsTerminal() {
		m.TerminalTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("state", string(to)),
			attribute.String("failure_kind", string(kind)),
		))
	}
}

// RecordContractViolation records a tick rejected as a caller bug.
func (m *Metrics) RecordContractViolation(ctx context.Context, state model.JobState) {
	m.ContractViolations.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(state))))
}

// RecordJobCreated records a job handed to the controller.
func (m *Metrics) RecordJobCreated(ctx context.Context, computer string) {
	m.JobsSubmittedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("computer", computer)))
}

// RecordHTTPRequest records an API request. route is the matched route
// pattern, not the raw path.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", statusClass(statusCode)),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
