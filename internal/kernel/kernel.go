// Package kernel wires the shared infrastructure of an rlm process: storage,
// tools, the model runner, metrics, event fan-out, the session manager and
// the HTTP API. Every CLI command builds one kernel and stops it on exit.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"rlm/pkg/api"
	"rlm/pkg/checkpoint"
	"rlm/pkg/config"
	"rlm/pkg/events"
	"rlm/pkg/llm/providers"
	"rlm/pkg/logx"
	"rlm/pkg/metrics"
	"rlm/pkg/persistence"
	"rlm/pkg/proto"
	"rlm/pkg/runner"
	"rlm/pkg/session"
	"rlm/pkg/shutdown"
	"rlm/pkg/tools"
	"rlm/pkg/utils"
	"rlm/pkg/workflow"
)

const (
	httpShutdownTimeout = 5 * time.Second
	closeTimeout        = 5 * time.Second
)

// Options customise kernel construction.
type Options struct {
	// Runner replaces the LLM-backed runner. Tests use it to avoid providers.
	Runner workflow.Runner
	// Keys resolves provider credentials. Defaults to config.GetAPIKey.
	Keys providers.KeyFunc
	// WatchConfig reloads the config file on change while the kernel runs.
	WatchConfig bool
}

// Kernel owns the process-wide components.
type Kernel struct {
	Config config.Config
	Logger *logx.Logger

	Store     *checkpoint.Store
	Registry  *persistence.Registry
	Tools     *tools.Registry
	Router    *tools.Router
	Metrics   *prometheus.Registry
	Recorder  *metrics.PrometheusRecorder
	Publisher *events.MultiPublisher
	Sessions  *session.Manager
	Server    *api.Server

	shutdown   *shutdown.Manager
	projectDir string
	opts       Options

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New builds a kernel for cfg. Nothing is started and no provider is
// contacted until a session runs.
func New(cfg config.Config, projectDir string, opts Options) (*Kernel, error) {
	k := &Kernel{
		Config:     cfg,
		Logger:     logx.NewLogger("kernel"),
		shutdown:   shutdown.NewManager(),
		projectDir: projectDir,
		opts:       opts,
	}
	if err := k.initializeServices(); err != nil {
		// Release whatever was opened before the failure.
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = k.shutdown.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize kernel services: %w", err)
	}
	return k, nil
}

// initializeServices creates every component and registers it for shutdown.
// Components registered later are stopped first.
func (k *Kernel) initializeServices() error {
	var err error

	k.Store, err = checkpoint.NewStore(k.Config.Checkpoint.Dir)
	if err != nil {
		return err
	}

	k.Registry, err = persistence.Open(k.Config.Session.DatabasePath)
	if err != nil {
		return err
	}
	k.shutdown.Register(shutdown.Closer(k.Registry.Name(), k.Registry), closeTimeout)

	if err := k.initializeTools(); err != nil {
		return err
	}

	k.Metrics = prometheus.NewRegistry()
	k.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	k.Recorder = metrics.NewPrometheusRecorder(k.Metrics)

	if err := k.initializeEvents(); err != nil {
		return err
	}

	run := k.opts.Runner
	if run == nil {
		run = k.lazyRunner()
	}
	k.Sessions, err = session.NewManager(session.Dependencies{
		Runner:    run,
		Router:    k.Router,
		Store:     k.Store,
		Registry:  k.Registry,
		Recorder:  k.Recorder,
		Publisher: k.Publisher,
	}, k.sessionSettings())
	if err != nil {
		return err
	}
	k.shutdown.Register(shutdown.Func(k.Sessions.Name(), func(ctx context.Context) error {
		report := k.Sessions.Shutdown(ctx)
		if len(report.Failed) > 0 || report.TimedOut {
			return fmt.Errorf("%d session(s) not persisted (timed out: %v)", len(report.Failed), report.TimedOut)
		}
		return nil
	}), k.Config.Session.ShutdownTimeout.Std()+time.Second)

	k.Server = api.NewServer(k.Sessions, k.Metrics)
	k.shutdown.Register(k.Server, httpShutdownTimeout)

	k.Logger.Info("Kernel services initialized (checkpoints: %s)", k.Store.Dir())
	return nil
}

// initializeTools loads the tool catalog, registers the built-in tools and
// declares catalog-only tools so the model can see them.
func (k *Kernel) initializeTools() error {
	catalog := tools.DefaultCatalog
	var declared []tools.ToolDefinition
	if path := k.Config.Tools.CatalogPath; path != "" {
		var err error
		catalog, declared, err = tools.LoadCatalog(path)
		if err != nil {
			return err
		}
	}

	router, err := tools.NewRouter(catalog, k.Config.Tools.Deny)
	if err != nil {
		return err
	}
	k.Router = router

	k.Tools = tools.NewRegistry()
	if err := tools.RegisterBuiltins(k.Tools, k.projectDir); err != nil {
		return fmt.Errorf("failed to register built-in tools: %w", err)
	}
	for _, def := range declared {
		k.Tools.Declare(def)
	}
	return nil
}

// initializeEvents connects the optional NATS publisher.
func (k *Kernel) initializeEvents() error {
	var publishers []events.Publisher
	if url := k.Config.Events.NATSURL; url != "" {
		nats, err := events.NewNATSPublisher(url, k.Config.Events.NATSSubjectPrefix)
		if err != nil {
			return err
		}
		publishers = append(publishers, nats)
	}
	k.Publisher = events.NewMultiPublisher(publishers...)
	k.shutdown.Register(shutdown.Closer("event-publishers", k.Publisher), closeTimeout)
	return nil
}

// sessionSettings reads the live config for each new session so a reload
// reaches sessions started after it. Running sessions keep their settings.
func (k *Kernel) sessionSettings() session.Settings {
	settings := session.SettingsFromConfig(&k.Config)
	snapshot := settings.Workflow
	settings.Workflow = func(sessionID string) workflow.Config {
		if cfg, err := config.GetConfig(); err == nil {
			return workflow.ConfigFromSettings(&cfg, sessionID)
		}
		return snapshot(sessionID)
	}
	settings.Tokens = utils.DefaultTokenCounter()
	return settings
}

// lazyRunner defers provider construction to the first turn, so commands
// that never run a workflow need no credentials.
func (k *Kernel) lazyRunner() workflow.Runner {
	var (
		once sync.Once
		r    workflow.Runner
		err  error
	)
	return workflow.RunnerFunc(func(ctx context.Context, wctx *proto.WorkflowContext, allowed []string, phase proto.Phase) (workflow.Result, error) {
		once.Do(func() { r, err = k.newLLMRunner() })
		if err != nil {
			return workflow.Result{}, err
		}
		return r.Run(ctx, wctx, allowed, phase)
	})
}

func (k *Kernel) newLLMRunner() (workflow.Runner, error) {
	cfg := k.Config.Runner
	if live, err := config.GetConfig(); err == nil {
		cfg = live.Runner
	}
	client, err := providers.New(cfg, k.opts.Keys)
	if err != nil {
		return nil, err
	}
	k.Logger.Info("Using %s model %s", cfg.Provider, client.GetModelName())
	return runner.New(client, k.Tools, nil, runner.Options{
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Recorder:    k.Recorder,
		Tokens:      utils.DefaultTokenCounter(),
	})
}

// Start restores persisted sessions and, when requested, begins watching the
// config file. The kernel context ends at Stop.
func (k *Kernel) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return errors.New("kernel already running")
	}

	if err := k.Sessions.Initialize(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	k.cancel = cancel
	if k.opts.WatchConfig {
		err := config.WatchConfig(ctx, func(cfg config.Config) {
			k.Logger.Info("🔄 Config reloaded; new sessions use provider %s", cfg.Runner.Provider)
		})
		if err != nil {
			k.Logger.Warn("Config hot reload disabled: %v", err)
		}
	}

	k.running = true
	k.Logger.Info("Kernel started with %d session(s)", len(k.Sessions.ListSessions()))
	return nil
}

// StartServer serves the HTTP API on addr, or the configured address when
// addr is empty.
func (k *Kernel) StartServer(addr string) {
	if addr == "" {
		addr = k.Config.Server.Addr
	}
	k.Server.Start(addr)
}

// Stop shuts every component down in reverse order: HTTP server, session
// flush, event publishers, then the database.
func (k *Kernel) Stop(ctx context.Context) error {
	k.mu.Lock()
	if k.cancel != nil {
		k.cancel()
	}
	k.running = false
	k.mu.Unlock()
	return k.shutdown.Shutdown(ctx)
}

// ProjectDir returns the project directory path.
func (k *Kernel) ProjectDir() string {
	return k.projectDir
}
