// Package telemetry provides semantic conventions for mpdex observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared across adapter metrics.
const (
	AttrVenue       = attribute.Key("venue")
	AttrSymbol      = attribute.Key("symbol")
	AttrOperation   = attribute.Key("operation")
	AttrResult      = attribute.Key("result")
	AttrEnvironment = attribute.Key("environment")
	AttrChannel     = attribute.Key("channel")
	AttrReason      = attribute.Key("reason")
	AttrSource      = attribute.Key("source")
	AttrHTTPStatus  = attribute.Key("http.status")
)

// Source values distinguishing where a read was served from.
const (
	SourceStream = "stream"
	SourceREST   = "rest"
)

// RequestAttributes returns common attributes for REST request metrics.
func RequestAttributes(environment, venue, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrVenue.String(venue),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// StreamAttributes returns common attributes for stream metrics.
func StreamAttributes(environment, venue, channel string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrVenue.String(venue),
		AttrChannel.String(channel),
	}
}

// ReadAttributes labels a cache/REST read with the source that served it.
func ReadAttributes(environment, venue, operation, source string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrVenue.String(venue),
		AttrOperation.String(operation),
		AttrSource.String(source),
	}
}
