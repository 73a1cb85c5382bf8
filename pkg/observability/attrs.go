// Domain-specific instrumentation attributes.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// Stream attributes
	AttrStreamID  = attribute.Key("paystream.stream.id")
	AttrRound     = attribute.Key("paystream.stream.round")
	AttrPaidUntil = attribute.Key("paystream.stream.paid_until")

	// Party attributes
	AttrPayer     = attribute.Key("paystream.party.payer")
	AttrRecipient = attribute.Key("paystream.party.recipient")
	AttrProcessor = attribute.Key("paystream.party.processor")

	// Command attributes
	AttrCommandID = attribute.Key("paystream.command.id")
	AttrChoice    = attribute.Key("paystream.command.choice")

	// Failure attributes
	AttrFaultClass = attribute.Key("paystream.fault.class")
	AttrFaultCode  = attribute.Key("paystream.fault.code")
)

// StreamOperation creates attributes for per-stream settlement operations.
func StreamOperation(streamID, choice string, round int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrStreamID.String(streamID),
		AttrChoice.String(choice),
		AttrRound.Int64(round),
	}
}

// SubmissionOperation creates attributes for gateway submissions.
func SubmissionOperation(commandID, choice, actAs string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCommandID.String(commandID),
		AttrChoice.String(choice),
		AttrProcessor.String(actAs),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
