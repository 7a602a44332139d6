// Package observe provides application-wide observability primitives for
// Huddle: OpenTelemetry metrics and the Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Huddle metrics.
const meterName = "github.com/MrWong99/huddle"

// Metrics holds all OpenTelemetry metric instruments for the server.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Control plane ---

	// ActiveSessions tracks the number of logged-in control sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ChatMessages counts chat deliveries. Use with attribute:
	//   attribute.String("kind", "chat"|"broadcast"|"unicast")
	ChatMessages metric.Int64Counter

	// MailboxDrops counts outbound frames dropped from slow-consumer
	// mailboxes.
	MailboxDrops metric.Int64Counter

	// ProtocolErrors counts malformed, oversize, and unknown-type frames.
	// Use with attribute: attribute.String("reason", ...)
	ProtocolErrors metric.Int64Counter

	// --- File transfers ---

	// TransferBytes counts transferred bytes. Use with attribute:
	//   attribute.String("direction", "upload"|"download")
	TransferBytes metric.Int64Counter

	// TransferDuration tracks transfer wall time. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("status", ...)
	TransferDuration metric.Float64Histogram

	// --- Audio ---

	// AudioDatagrams counts inbound audio datagrams, including dropped
	// ones. Use with attribute:
	//   attribute.String("status", "ok"|"late"|"invalid"|"unknown")
	AudioDatagrams metric.Int64Counter

	// MixTickDuration tracks the time one 40 ms mixer tick takes.
	MixTickDuration metric.Float64Histogram

	// ActiveSpeakers tracks participants with a live jitter slot.
	ActiveSpeakers metric.Int64UpDownCounter

	// --- Video ---

	// VideoFramesAssembled counts fully reassembled frames. Use with
	// attribute: attribute.String("kind", "webcam"|"screen")
	VideoFramesAssembled metric.Int64Counter

	// VideoFramesExpired counts partial frames discarded by age or window.
	// Same "kind" attribute.
	VideoFramesExpired metric.Int64Counter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// media ticks on the low end and file transfers on the high end.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 5, 30, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("huddle.sessions.active",
		metric.WithDescription("Number of logged-in control sessions."),
	); err != nil {
		return nil, err
	}
	if met.ChatMessages, err = m.Int64Counter("huddle.chat.messages",
		metric.WithDescription("Total chat deliveries by kind."),
	); err != nil {
		return nil, err
	}
	if met.MailboxDrops, err = m.Int64Counter("huddle.session.mailbox_drops",
		metric.WithDescription("Outbound frames dropped from slow-consumer mailboxes."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("huddle.control.protocol_errors",
		metric.WithDescription("Malformed, oversize and unknown-type control frames by reason."),
	); err != nil {
		return nil, err
	}

	if met.TransferBytes, err = m.Int64Counter("huddle.transfer.bytes",
		metric.WithDescription("Bytes moved through ephemeral transfer listeners by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.TransferDuration, err = m.Float64Histogram("huddle.transfer.duration",
		metric.WithDescription("File transfer wall time by direction and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.AudioDatagrams, err = m.Int64Counter("huddle.audio.datagrams",
		metric.WithDescription("Inbound audio datagrams by status."),
	); err != nil {
		return nil, err
	}
	if met.MixTickDuration, err = m.Float64Histogram("huddle.audio.tick.duration",
		metric.WithDescription("Duration of one audio mix tick."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSpeakers, err = m.Int64UpDownCounter("huddle.audio.speakers.active",
		metric.WithDescription("Participants with a live jitter slot."),
	); err != nil {
		return nil, err
	}

	if met.VideoFramesAssembled, err = m.Int64Counter("huddle.video.frames.assembled",
		metric.WithDescription("Fully reassembled video frames by stream kind."),
	); err != nil {
		return nil, err
	}
	if met.VideoFramesExpired, err = m.Int64Counter("huddle.video.frames.expired",
		metric.WithDescription("Partial frames discarded by age or window by stream kind."),
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

// RecordChat increments the chat counter for one delivery kind.
func (m *Metrics) RecordChat(ctx context.Context, kind string) {
	m.ChatMessages.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordTransfer records a finished transfer attempt with its byte count and
// wall time.
func (m *Metrics) RecordTransfer(ctx context.Context, direction, status string, bytes int64, seconds float64) {
	attrs := metric.WithAttributes(Attr("direction", direction), Attr("status", status))
	if bytes > 0 {
		m.TransferBytes.Add(ctx, bytes, metric.WithAttributes(Attr("direction", direction)))
	}
	m.TransferDuration.Record(ctx, seconds, attrs)
}
