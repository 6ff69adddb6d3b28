// Package observe provides application-wide observability primitives for
// Podium: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to a Prometheus registry scraped at /metrics. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to
// avoid cross-test pollution.
package observe

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Podium metrics.
const meterName = "github.com/MrWong99/podium"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// UploadDuration tracks the wall time of a whole upload, retries
	// included. Use with attribute.String("outcome", ...).
	UploadDuration metric.Float64Histogram

	// UploadAttempts counts individual upload attempts. Use with
	// attribute.String("outcome", "success"|"retriable"|"permanent").
	UploadAttempts metric.Int64Counter

	// PollQueries counts status queries. Use with
	// attribute.String("status", ...) where "error" marks a failed query.
	PollQueries metric.Int64Counter

	// FeedbackLatency tracks the time from upload success to a terminal
	// processing status.
	FeedbackLatency metric.Float64Histogram

	// Bells counts rung bells. Use with attribute.String("dings", ...) and
	// attribute.Bool("manual", ...).
	Bells metric.Int64Counter

	// ActiveUploads tracks in-flight uploads.
	ActiveUploads metric.Int64UpDownCounter

	// ActivePolls tracks running poll loops.
	ActivePolls metric.Int64UpDownCounter

	// ActiveSessions tracks debate sessions with a running clock driver.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time by route
	// pattern and status code.
	HTTPRequestDuration metric.Float64Histogram
}

// uploadBuckets covers uploads from a short reply speech on a fast link to a
// full speech over a poor connection with retries.
var uploadBuckets = []float64{
	0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// feedbackBuckets covers AI feedback generation up to the poll timeout.
var feedbackBuckets = []float64{
	5, 10, 20, 30, 60, 90, 120, 180, 240, 330,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.UploadDuration, err = m.Float64Histogram("podium.upload.duration",
		metric.WithDescription("Wall time of a speech upload including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(uploadBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FeedbackLatency, err = m.Float64Histogram("podium.feedback.latency",
		metric.WithDescription("Time from upload success to terminal processing status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(feedbackBuckets...),
	); err != nil {
		return nil, err
	}

	if met.UploadAttempts, err = m.Int64Counter("podium.upload.attempts",
		metric.WithDescription("Upload attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.PollQueries, err = m.Int64Counter("podium.poll.queries",
		metric.WithDescription("Processing status queries by reported status."),
	); err != nil {
		return nil, err
	}
	if met.Bells, err = m.Int64Counter("podium.bells",
		metric.WithDescription("Bells rung by ding count and trigger."),
	); err != nil {
		return nil, err
	}

	if met.ActiveUploads, err = m.Int64UpDownCounter("podium.active_uploads",
		metric.WithDescription("Number of in-flight speech uploads."),
	); err != nil {
		return nil, err
	}
	if met.ActivePolls, err = m.Int64UpDownCounter("podium.active_polls",
		metric.WithDescription("Number of running feedback poll loops."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("podium.active_sessions",
		metric.WithDescription("Number of debate sessions with a running clock."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("podium.http.request.duration",
		metric.WithDescription("HTTP request latency by route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordUploadAttempt increments the attempt counter for outcome.
func (m *Metrics) RecordUploadAttempt(ctx context.Context, outcome string) {
	m.UploadAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordPollQuery increments the query counter for the reported status.
func (m *Metrics) RecordPollQuery(ctx context.Context, status string) {
	m.PollQueries.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordBell increments the bell counter.
func (m *Metrics) RecordBell(ctx context.Context, dings int, manual bool) {
	m.Bells.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dings", strconv.Itoa(dings)),
		attribute.Bool("manual", manual),
	))
}
