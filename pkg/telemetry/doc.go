// Package telemetry provides logging, tracing, metrics and lifecycle events
// for devenv.
//
// It integrates structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and an in-process event publisher behind one
// Telemetry value that travels in a context.Context.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// Code that receives such a context pulls the logger with FromContext.
// Without telemetry in the context every helper degrades to a no-op, so
// library code can instrument unconditionally.
//
// # Scopes
//
// The orchestrator opens one scope per operation and the executor one per
// plan action:
//
//	ctx = telemetry.WithOperationContext(ctx, "api", "up")
//	defer telemetry.EndOperationContext(ctx, "api", "up", status, err, kind, class)
//
//	actx := telemetry.WithActionContext(ctx, "api", plan.ID, "build_image")
//	telemetry.EndActionContext(actx, "api", plan.ID, "build_image", status, err)
//
// Each scope starts a span, derives a logger with environment, operation,
// plan and action fields, publishes started and finished events and records
// counters and durations.
//
// # Metrics
//
// A CLI process lives for seconds, so scraping is rarely practical. Metrics
// are instead written to MetricsConfig.TextfilePath on Shutdown in the node
// exporter textfile format. Long-running commands such as watch can also
// serve them over HTTP with StartMetricsServer.
//
// Key metrics:
//
//   - devenv_operations_total{operation,status}
//   - devenv_operation_duration_seconds{operation}
//   - devenv_plans_total{operation,reason}
//   - devenv_actions_total{action,status}
//   - devenv_action_duration_seconds{action}
//   - devenv_lock_contention_total{environment}
//   - devenv_errors_total{kind,class}
//   - devenv_environments{status}
//
// # Events
//
// Events are delivered synchronously by default. Subscribers run in
// subscription order and see events in publication order.
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Environment)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
