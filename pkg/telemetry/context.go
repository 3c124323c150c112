package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry combines logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Nop returns telemetry that records nothing. Every component is usable.
func Nop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Events.Enabled = false
	metrics, _ := NewMetrics(cfg.Metrics)
	events, _ := NewEventPublisher(cfg.Events)
	return &Telemetry{
		Logger:  NopLogger(),
		Tracer:  NopTracer(),
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown flushes spans, drains events and writes the metrics textfile.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.Events.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if t.Config != nil {
		if err := t.Metrics.WriteTextfile(t.Config.Metrics.TextfilePath); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InstrumentedContext bundles a span, a logger and a timer for one unit of work.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented unit of work with logging, tracing and timing.
func StartOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Span:   trace.SpanFromContext(ctx),
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, name, attrs...)

	logger := FromContext(ctx).WithField("span", name)
	if span.SpanContext().IsValid() {
		logger = logger.WithField("trace_id", span.SpanContext().TraceID().String())
	}

	return &InstrumentedContext{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the unit of work, recording success or failure on the span.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span == nil {
		return
	}
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}

type operationScopeKey struct{}

type scope struct {
	span  trace.Span
	timer *Timer
}

// WithOperationContext opens the telemetry scope for an orchestrator
// operation: a span, a logger carrying the environment and operation, the
// active-operation gauge and a started event.
func WithOperationContext(ctx context.Context, environment, operation string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartOperationSpan(ctx, environment, operation)

	logger := tel.Logger.WithEnvironment(environment).WithOperation(operation)
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.RecordOperationStarted()
	_ = tel.Events.PublishOperationStarted(environment, operation)

	return context.WithValue(spanCtx, operationScopeKey{}, &scope{span: span, timer: NewTimer()})
}

// EndOperationContext closes the scope opened by WithOperationContext.
// kind and class describe err and are ignored when err is nil.
func EndOperationContext(ctx context.Context, environment, operation, status string, err error, kind, class string) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	sc, ok := ctx.Value(operationScopeKey{}).(*scope)
	if !ok {
		return
	}
	duration := sc.timer.Duration()

	if err != nil {
		sc.span.SetAttributes(AttrErrorKind.String(kind), AttrErrorClass.String(class))
		RecordError(sc.span, err)
		tel.Metrics.RecordError(kind, class)
		_ = tel.Events.PublishOperationFailed(environment, operation, err.Error())
	} else {
		RecordSuccess(sc.span)
		_ = tel.Events.PublishOperationCompleted(environment, operation, duration)
	}
	sc.span.End()

	tel.Metrics.RecordOperationCompleted(operation, status, duration)
}

type actionScopeKey struct{}

// WithActionContext opens the telemetry scope for one plan action.
func WithActionContext(ctx context.Context, environment, planID, action string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartActionSpan(ctx, environment, planID, action)

	logger := FromContext(ctx).WithPlanID(planID).WithAction(action)
	spanCtx = logger.WithContext(spanCtx)

	_ = tel.Events.PublishActionStarted(environment, planID, action)

	return context.WithValue(spanCtx, actionScopeKey{}, &scope{span: span, timer: NewTimer()})
}

// EndActionContext closes the scope opened by WithActionContext.
func EndActionContext(ctx context.Context, environment, planID, action, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	sc, ok := ctx.Value(actionScopeKey{}).(*scope)
	if !ok {
		return
	}
	duration := sc.timer.Duration()

	if err != nil {
		RecordError(sc.span, err)
		_ = tel.Events.PublishActionFailed(environment, planID, action, err.Error())
	} else {
		RecordSuccess(sc.span)
		_ = tel.Events.PublishActionCompleted(environment, planID, action, duration)
	}
	sc.span.End()

	tel.Metrics.RecordAction(action, status, duration)
}
