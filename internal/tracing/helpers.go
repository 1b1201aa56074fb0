package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/onnwee/gatekeeper"

// DBOperation names the kind of storage call.
type DBOperation string

const (
	DBOperationQuery  DBOperation = "query"
	DBOperationInsert DBOperation = "insert"
	DBOperationUpdate DBOperation = "update"
	DBOperationDelete DBOperation = "delete"
	DBOperationExec   DBOperation = "exec"
)

// Storage systems reported in db.system.
const (
	SystemPostgres = "postgresql"
	SystemRedis    = "redis"
)

// StartStorageSpan starts a client span "<operation> <target>" for a call to
// an external store. The returned func ends the span, recording err if set.
//
//	ctx, end := tracing.StartStorageSpan(ctx, tracing.SystemRedis, "rate_window", tracing.DBOperationExec)
//	defer func() { end(err) }()
func StartStorageSpan(ctx context.Context, system, target string, op DBOperation) (context.Context, func(error)) {
	name := string(op)
	attrs := []attribute.KeyValue{
		attribute.String("db.system", system),
		attribute.String("db.operation", string(op)),
	}
	if target != "" {
		name += " " + target
		attrs = append(attrs, attribute.String("db.sql.table", target))
	}
	ctx, span := otel.Tracer(instrumentationName+"/storage").Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return ctx, endFunc(span)
}

// StartDBSpan starts a Postgres span on table.
func StartDBSpan(ctx context.Context, table string, op DBOperation) (context.Context, func(error)) {
	return StartStorageSpan(ctx, SystemPostgres, table, op)
}

// StartSpan starts an internal span such as "gatekeeper.check".
func StartSpan(ctx context.Context, name string) (context.Context, func(error)) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, name)
	return ctx, endFunc(span)
}

func endFunc(span trace.Span) func(error) {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// AddEvent adds an event to the span in ctx.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes sets attributes on the span in ctx.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
