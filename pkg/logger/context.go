package logger

import "context"

type ctxKey int

const (
	requestIDKey ctxKey = iota
	patientIDKey
	runIDKey
)

// WithRequestID stores the request id on ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// WithPatientID stores the patient id on ctx.
func WithPatientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, patientIDKey, id)
}

// WithRunID stores the pipeline run id on ctx.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// RequestID returns the request id stored on ctx, if any.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// FromContext decorates l with the identifiers carried by ctx.
func FromContext(ctx context.Context, l Logger) Logger {
	fields := make([]Field, 0, 3)
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		fields = append(fields, String("requestId", v))
	}
	if v, ok := ctx.Value(patientIDKey).(string); ok && v != "" {
		fields = append(fields, String("patientId", v))
	}
	if v, ok := ctx.Value(runIDKey).(string); ok && v != "" {
		fields = append(fields, String("runId", v))
	}
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}
