package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for bus telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// Subscriber attributes
	AttrConsumer = attribute.Key("consumer")
	AttrStream   = attribute.Key("stream")

	// Operation attributes
	AttrOperation = attribute.Key("operation")
	AttrResult    = attribute.Key("result")

	// Environment attribute
	AttrEnvironment = attribute.Key("environment")

	// Error attributes
	AttrErrorType = attribute.Key("error.type")
)

// Stream values
const (
	StreamAll    = "all"
	StreamReplay = "replay"
)

// StreamAttributes returns attributes for publish, slot and subscriber metrics.
func StreamAttributes(environment, stream string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStream.String(stream),
	}
}

// FailureAttributes returns attributes for delivery failure counters.
func FailureAttributes(environment, consumer, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrConsumer.String(consumer),
		AttrErrorType.String(errorType),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
