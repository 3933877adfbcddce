package utils

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// LogFields returns the request correlation id and the active span ids, when
// present, for attaching to log entries.
func LogFields(ctx context.Context) logrus.Fields {
	fields := logrus.Fields{}
	if cid, ok := GetCorrelationIdFromContext(ctx); ok && cid != "" {
		fields["correlation_id"] = cid
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	return fields
}
