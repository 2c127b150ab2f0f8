package shared

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/telemetry"
)

// VenueMetrics instruments one venue adapter: request counts and latency,
// stream traffic, reconnects and which source served each read.
type VenueMetrics struct {
	environment string
	venue       string

	requests       metric.Int64Counter
	requestLatency metric.Float64Histogram
	streamMessages metric.Int64Counter
	streamBytes    metric.Int64Histogram
	reconnects     metric.Int64Counter
	reads          metric.Int64Counter
	bookResyncs    metric.Int64Counter
}

// NewVenueMetrics registers the venue's instruments on the global meter.
func NewVenueMetrics(venue string) *VenueMetrics {
	meter := otel.Meter("adapter." + venue)
	m := &VenueMetrics{
		environment: telemetry.Environment(),
		venue:       venue,
	}

	m.requests, _ = meter.Int64Counter("mpdex_venue_requests",
		metric.WithDescription("REST requests issued to the venue"),
		metric.WithUnit("{request}"))

	m.requestLatency, _ = meter.Float64Histogram("mpdex_venue_request_latency",
		metric.WithDescription("REST request latency"),
		metric.WithUnit("ms"))

	m.streamMessages, _ = meter.Int64Counter("mpdex_venue_stream_messages",
		metric.WithDescription("Stream messages received from the venue"),
		metric.WithUnit("{message}"))

	m.streamBytes, _ = meter.Int64Histogram("mpdex_venue_stream_message_bytes",
		metric.WithDescription("Size of stream messages received from the venue"),
		metric.WithUnit("By"))

	m.reconnects, _ = meter.Int64Counter("mpdex_venue_stream_reconnects",
		metric.WithDescription("Stream reconnect attempts"),
		metric.WithUnit("{reconnect}"))

	m.reads, _ = meter.Int64Counter("mpdex_venue_reads",
		metric.WithDescription("Read operations served, labeled by source"),
		metric.WithUnit("{read}"))

	m.bookResyncs, _ = meter.Int64Counter("mpdex_venue_book_resyncs",
		metric.WithDescription("Order book snapshot resyncs triggered by sequence gaps"),
		metric.WithUnit("{resync}"))

	return m
}

// RecordRequest counts one REST call and its latency.
func (m *VenueMetrics) RecordRequest(ctx context.Context, operation, result string, latency time.Duration) {
	if m == nil || m.requests == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := telemetry.RequestAttributes(m.environment, m.venue, operation, result)
	m.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	if latency < 0 {
		latency = 0
	}
	m.requestLatency.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordStreamMessage counts one inbound frame on channel.
func (m *VenueMetrics) RecordStreamMessage(ctx context.Context, channel string, size int) {
	if m == nil || m.streamMessages == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := telemetry.StreamAttributes(m.environment, m.venue, channel)
	m.streamMessages.Add(ctx, 1, metric.WithAttributes(attrs...))
	if size > 0 {
		m.streamBytes.Record(ctx, int64(size), metric.WithAttributes(attrs...))
	}
}

// RecordReconnect counts one reconnect attempt.
func (m *VenueMetrics) RecordReconnect(ctx context.Context, channel string) {
	if m == nil || m.reconnects == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := telemetry.StreamAttributes(m.environment, m.venue, channel)
	m.reconnects.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRead counts one read, labeled with the source that served it.
func (m *VenueMetrics) RecordRead(ctx context.Context, operation, source string) {
	if m == nil || m.reads == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := telemetry.ReadAttributes(m.environment, m.venue, operation, source)
	m.reads.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBookResync counts one gap-triggered snapshot refetch.
func (m *VenueMetrics) RecordBookResync(ctx context.Context, symbol string) {
	if m == nil || m.bookResyncs == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := telemetry.StreamAttributes(m.environment, m.venue, "book")
	attrs = append(attrs, telemetry.AttrSymbol.String(symbol))
	m.bookResyncs.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
