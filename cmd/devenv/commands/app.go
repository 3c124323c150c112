package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/openfroyo/devenv/pkg/config"
	"github.com/openfroyo/devenv/pkg/engine"
	"github.com/openfroyo/devenv/pkg/policy"
	"github.com/openfroyo/devenv/pkg/runtime/docker"
	"github.com/openfroyo/devenv/pkg/stores"
	"github.com/openfroyo/devenv/pkg/telemetry"
)

// app bundles the collaborators a command needs. Fields beyond cfg are
// only set by the constructor that needs them.
type app struct {
	cfg     *config.AppConfig
	tel     *telemetry.Telemetry
	catalog *config.SpecCatalog
	policy  *policy.Engine
	store   *stores.SQLiteStore
	runtime *docker.Client
	orch    *engine.Orchestrator

	// pinned is the environment declared by --file.
	pinned string
	json   bool
}

func (o *rootOptions) loadConfig() (*config.AppConfig, error) {
	path := o.configPath
	required := path != ""
	if path == "" {
		path = config.ConfigPath()
	}

	cfg, err := config.LoadAppConfig(path, required)
	if err != nil {
		return nil, err
	}
	if o.verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// newSpecApp wires config, telemetry, the spec catalog and the policy
// engine. It touches neither the state store nor the runtime.
func (o *rootOptions) newSpecApp(ctx context.Context) (*app, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(o.version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialise telemetry: %w", err)
	}
	a := &app{cfg: cfg, tel: tel, json: o.jsonOutput}

	a.catalog = config.NewSpecCatalog(cfg.SpecDir, config.NewSpecParser())
	if o.specFile != "" {
		name, err := a.catalog.Pin(o.specFile)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.pinned = name
	}

	a.policy, err = policy.NewEngine(ctx, *tel.Logger.NewComponentLogger("policy").Zerolog(), policy.Options{
		DisableBuiltins: cfg.DisableBuiltinPolicies,
		Paths:           cfg.PolicyPaths,
		Events:          tel.Events,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// openStore opens the state database without the rest of the app.
func (o *rootOptions) openStore(ctx context.Context) (*config.AppConfig, *stores.SQLiteStore, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := stores.Open(ctx, stores.Config{Path: cfg.StatePath()})
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

// newApp wires everything including the orchestrator.
func (o *rootOptions) newApp(ctx context.Context) (*app, error) {
	a, err := o.newSpecApp(ctx)
	if err != nil {
		return nil, err
	}

	a.store, err = stores.Open(ctx, stores.Config{Path: a.cfg.StatePath()})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	dockerOpts := []docker.Option{docker.WithBuildOutput(os.Stderr)}
	if a.cfg.DockerHost != "" {
		dockerOpts = append(dockerOpts, docker.WithHost(a.cfg.DockerHost))
	}
	a.runtime, err = docker.New(dockerOpts...)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	ec := a.cfg.EngineConfig()
	ec.Runtime = a.runtime
	ec.Store = a.store
	ec.Specs = a.catalog
	ec.Checker = a.policy
	ec.Telemetry = a.tel
	a.orch, err = engine.NewOrchestrator(ec)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// resolveName picks the environment from the arguments or --file.
func (a *app) resolveName(args []string) (string, error) {
	switch {
	case len(args) > 0:
		return args[0], nil
	case a.pinned != "":
		return a.pinned, nil
	default:
		return "", fmt.Errorf("environment name required (or pass --file)")
	}
}

// Close releases every collaborator and flushes telemetry.
func (a *app) Close() error {
	var errs []error
	if a.runtime != nil {
		errs = append(errs, a.runtime.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, a.tel.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
