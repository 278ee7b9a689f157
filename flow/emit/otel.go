package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns every event into an OpenTelemetry span.
//
// Each span carries the run, node and unit identity as attributes plus all
// Meta fields. Events are points in time, so spans are ended immediately;
// the span processor's batching keeps the overhead off the hot path.
//
// Usage:
//
//	tracer := otel.Tracer("dataflow-go")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter backed by the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and immediately ends one span named after the event kind.
// Failure events get an error status and a recorded error.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Kind)
	defer span.End()

	attrs := []attribute.KeyValue{
		attribute.String("flow.run_id", event.RunID),
		attribute.String("flow.workflow", event.Workflow),
	}
	if event.Node != "" {
		attrs = append(attrs, attribute.String("flow.node", event.Node))
	}
	if event.Unit != "" {
		attrs = append(attrs, attribute.String("flow.unit", event.Unit))
	}
	for k, v := range event.Meta {
		attrs = append(attrs, metaAttribute("flow.meta."+k, v))
	}
	span.SetAttributes(attrs...)

	if event.Err != "" {
		span.SetStatus(codes.Error, event.Err)
		span.RecordError(fmt.Errorf("%s", event.Err))
	}
}

func metaAttribute(key string, v any) attribute.KeyValue {
	switch t := v.(type) {
	case string:
		return attribute.String(key, t)
	case bool:
		return attribute.Bool(key, t)
	case int:
		return attribute.Int(key, t)
	case int64:
		return attribute.Int64(key, t)
	case float64:
		return attribute.Float64(key, t)
	}
	return attribute.String(key, fmt.Sprintf("%v", v))
}
