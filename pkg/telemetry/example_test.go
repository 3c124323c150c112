package telemetry_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/devenv/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	logger := telemetry.FromContext(ctx)
	logger.Info("devenv started")

	// Output can vary, so we don't specify output for this example
}

// Example_eventPublishing demonstrates synchronous, ordered event delivery.
func Example_eventPublishing() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("%s %s\n", event.Type, event.Environment)
	}, nil)

	_ = tel.Events.PublishOperationStarted("api", "up")
	_ = tel.Events.PublishActionStarted("api", "plan-1", "build_image")
	_ = tel.Events.PublishActionCompleted("api", "plan-1", "build_image", 2*time.Second)
	_ = tel.Events.PublishOperationCompleted("api", "up", 3*time.Second)

	// Output:
	// operation.started api
	// action.started api
	// action.completed api
	// operation.completed api
}

// Example_eventFiltering demonstrates event filtering.
func Example_eventFiltering() {
	tel, _ := telemetry.NewTelemetry(telemetry.DefaultConfig())
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("Important event: %s\n", event.Type)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	_ = tel.Events.PublishOperationStarted("api", "up")
	_ = tel.Events.PublishLockContended("api", "up (pid 42 on laptop)")
	_ = tel.Events.PublishOperationFailed("api", "up", "[LockContention] environment is locked")

	// Output:
	// Important event: lock.contended
	// Important event: operation.failed
}

// Example_operationScope demonstrates instrumenting an operation and its actions.
func Example_operationScope() {
	tel, _ := telemetry.NewTelemetry(telemetry.DefaultConfig())
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	ctx = telemetry.WithOperationContext(ctx, "api", "up")

	actx := telemetry.WithActionContext(ctx, "api", "plan-1", "start_container")
	telemetry.FromContext(actx).Info("starting container")
	telemetry.EndActionContext(actx, "api", "plan-1", "start_container", "succeeded", nil)

	telemetry.EndOperationContext(ctx, "api", "up", "succeeded", nil, "", "")

	fmt.Println("operation instrumented")
	// Output: operation instrumented
}

// Example_instrumentedOperation demonstrates using the InstrumentedContext helper.
func Example_instrumentedOperation() {
	tel, _ := telemetry.NewTelemetry(telemetry.DevelopmentConfig())
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	ic := telemetry.StartOperation(ctx, "spec.load",
		attribute.String("spec.path", "/home/dev/.config/devenv/envs/api.cue"),
	)
	ic.Logger.Debug("loading spec")
	ic.End(nil)

	fmt.Println("spec loaded")
	// Output: spec loaded
}

// Example_errorRecording demonstrates recording a failed operation.
func Example_errorRecording() {
	tel, _ := telemetry.NewTelemetry(telemetry.DefaultConfig())
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	ctx = telemetry.WithOperationContext(ctx, "api", "up")

	err := errors.New("port is already allocated")
	telemetry.EndOperationContext(ctx, "api", "up", "failed", err, "StartFailed", "permanent")

	fmt.Println("failure recorded")
	// Output: failure recorded
}
