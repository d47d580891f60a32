package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/convoy/internal/config"
	"github.com/harun/convoy/internal/logger"
	"github.com/harun/convoy/internal/observability"
	"github.com/harun/convoy/internal/telegram"
	"github.com/harun/convoy/internal/tracing"
	"github.com/harun/convoy/pkg/agent"
	"github.com/harun/convoy/pkg/channels"
	"github.com/harun/convoy/pkg/commandqueue"
	"github.com/harun/convoy/pkg/confirmation"
	"github.com/harun/convoy/pkg/gateway"
	"github.com/harun/convoy/pkg/prompt"
	"github.com/harun/convoy/pkg/session"
	"github.com/harun/convoy/pkg/skills"
	"github.com/harun/convoy/pkg/skills/builtin"
	"go.opentelemetry.io/otel/attribute"
)

const retryBaseDelay = time.Second

// Daemon represents the convoy service: the agent loop, its stores and
// every enabled channel.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	in  io.Reader
	out io.Writer

	// Core modules
	queue         *commandqueue.CommandQueue
	sessionMgr    *session.Manager
	janitor       *session.Janitor
	confirmations *confirmation.Manager
	confirmRouter *confirmation.Router
	skills        *skills.Registry
	loop          *agent.Loop

	// Channels
	channelRegistry *channels.Registry
	cliChannel      *channels.CLIChannel
	telegramBot     *telegram.Bot
	gatewayServer   *gateway.Server
	metricsServer   *http.Server
	metricsAddr     string

	// Internal
	eventLoop *EventLoop
	router    *Router
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
	version        string
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithIO replaces the terminal used by the cli channel and cli confirmations.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(d *Daemon) {
		d.in = in
		d.out = out
	}
}

// WithVersion sets the service version reported on traces.
func WithVersion(version string) Option {
	return func(d *Daemon) { d.version = version }
}

var (
	newModelClient = agent.NewClient
	newTelegramBot = telegram.New
)

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config: cfg,
		logger: log,
		in:     os.Stdin,
		out:    os.Stdout,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry(d.telemetry()); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initializeCoreModules(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeChannels(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize channels: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// abort releases what New acquired before failing.
func (d *Daemon) abort() {
	d.cancel()
	if d.queue != nil {
		d.queue.Close()
	}
	if d.confirmations != nil {
		d.confirmations.Close()
	}
	if d.sessionMgr != nil {
		_ = d.sessionMgr.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// telemetry describes this deployment on every span.
func (d *Daemon) telemetry() tracing.Telemetry {
	cfg := d.config
	var enabled []string
	if cfg.Channels.CLI.Enabled {
		enabled = append(enabled, "cli")
	}
	if cfg.Channels.Telegram.Enabled {
		enabled = append(enabled, "telegram")
	}
	if cfg.Channels.Gateway.Enabled {
		enabled = append(enabled, "gateway")
	}
	return tracing.Telemetry{
		ServiceName:    "convoy",
		ServiceVersion: d.version,
		SampleRatio:    cfg.Metrics.TraceSampleRatio,
		Attributes: []attribute.KeyValue{
			attribute.String("convoy.session.backend", cfg.Sessions.Backend),
			attribute.String("convoy.confirmation.handler", cfg.Confirmation.Handler),
			attribute.String("convoy.agent.model", cfg.Agent.Model),
			attribute.StringSlice("convoy.channels", enabled),
		},
	}
}

func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	d.queue = commandqueue.New(commandqueue.Options{
		WarnAfter: 30 * time.Second,
		DedupTTL:  10 * time.Minute,
	})

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, audit events are discarded")
		} else {
			d.logger.Info().Str("path", cfg.Logging.AuditFile).Msg("Audit logger initialized")
		}
	}

	store, err := session.OpenStore(session.Backend(cfg.Sessions.Backend), cfg.Sessions.Dir)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	d.sessionMgr = session.NewManager(store, session.ManagerOptions{Logger: &zl})
	d.logger.Info().Str("backend", d.sessionMgr.Backend()).Msg("Session manager initialized")

	// Channels add their routes once they exist.
	d.confirmRouter = confirmation.NewRouter()
	handler, err := confirmation.NewHandler(confirmation.Kind(cfg.Confirmation.Handler), confirmation.HandlerDeps{
		In:        d.in,
		Out:       d.out,
		Forwarder: d.confirmRouter,
	})
	if err != nil {
		return fmt.Errorf("failed to create confirmation handler: %w", err)
	}
	d.confirmations = confirmation.NewManager(handler, confirmation.Options{
		DefaultTimeout: cfg.ConfirmationTimeout(),
		Logger:         &zl,
	})
	d.logger.Info().Str("handler", string(handler.Kind())).Msg("Confirmation manager initialized")

	d.janitor = session.NewJanitor(d.sessionMgr, session.JanitorConfig{
		Schedule: cfg.Sessions.CleanupSchedule,
		MaxIdle:  cfg.MaxIdle(),
		Pruners:  []session.Pruner{d.confirmations},
	})

	builder := skills.NewBuilder()
	if err := builtin.Register(builder, builtin.Options{
		Workspace:  cfg.WorkspacePath,
		EnableExec: cfg.Tools.Exec,
		Timeout:    cfg.ToolTimeout(),
	}); err != nil {
		return fmt.Errorf("failed to register builtin tools: %w", err)
	}
	d.skills, err = builder.Build()
	if err != nil {
		return fmt.Errorf("failed to build tool registry: %w", err)
	}
	d.logger.Info().Strs("tools", d.skills.Names()).Msg("Tool registry initialized")

	client, err := d.buildModelClient()
	if err != nil {
		return err
	}

	d.loop, err = agent.NewLoop(agent.Config{
		Sessions:      d.sessionMgr,
		Confirmations: d.confirmations,
		Skills:        d.skills,
		Client:        client,
		Queue:         d.queue,
		Builder: prompt.NewBuilder(prompt.TrimPolicy{
			MaxTurns: cfg.Sessions.MaxTurns,
			MaxCost:  cfg.Sessions.MaxContextTokens,
		}),
		Gate: agent.NewStaticGatePolicy(cfg.Confirmation.GatedTools, d.skills),
		Settings: agent.Settings{
			Model:               cfg.Agent.Model,
			Temperature:         cfg.Agent.Temperature,
			MaxTokens:           cfg.Agent.MaxTokens,
			SystemPrompt:        cfg.Agent.SystemPrompt,
			MaxIterations:       cfg.Agent.MaxIterations,
			ConfirmationTimeout: cfg.ConfirmationTimeout(),
		},
		Logger: &zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent loop: %w", err)
	}
	d.router = NewRouter(d)
	d.logger.Info().Str("model", cfg.Agent.Model).Msg("Agent loop initialized")

	return nil
}

// buildModelClient wraps every provider profile in retries and orders them
// for failover.
func (d *Daemon) buildModelClient() (agent.ModelClient, error) {
	profiles := make([]agent.Profile, 0, len(d.config.Providers))
	for _, p := range d.config.Providers {
		profiles = append(profiles, agent.Profile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Priority: p.Priority,
		})
	}

	maxRetries := d.config.Agent.MaxRetries
	client, err := agent.NewFailoverClient(profiles, func(p agent.Profile) (agent.ModelClient, error) {
		inner, err := newModelClient(p)
		if err != nil {
			return nil, err
		}
		return agent.NewRetryingClient(inner, maxRetries, retryBaseDelay), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}
	return client, nil
}

// Start starts every channel, the janitor and the event loop.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	log := tracing.LoggerFromContext(tracing.NewRequestContext(d.ctx), d.logger.GetZerolog())
	log.Info().Msg("Starting convoy daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.startMetricsServer(); err != nil {
		d.setStopped()
		_ = d.lifecycle.Stop()
		return err
	}

	if err := d.channelRegistry.StartAll(d.ctx); err != nil {
		d.setStopped()
		_ = d.channelRegistry.StopAll(context.Background())
		d.stopMetricsServer()
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to start channels: %w", err)
	}
	log.Info().Strs("channels", d.channelRegistry.Names()).Msg("Channels started")

	if err := d.janitor.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start session janitor")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	log.Info().Msg("Daemon started")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

func (d *Daemon) startMetricsServer() error {
	// The gateway serves /metrics itself.
	if !d.config.Metrics.Enabled || d.gatewayServer != nil {
		return nil
	}
	listener, err := net.Listen("tcp", d.config.Metrics.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	d.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	d.metricsAddr = listener.Addr().String()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	d.logger.Info().Str("addr", d.metricsAddr).Msg("Metrics server started")
	return nil
}

func (d *Daemon) stopMetricsServer() {
	if d.metricsServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.metricsServer.Shutdown(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop metrics server")
	}
}

// Stop stops channels first so no new work arrives, then cancels what is
// still pending and closes the stores.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	log := tracing.LoggerFromContext(tracing.NewRequestContext(d.ctx), d.logger.GetZerolog())
	log.Info().Msg("Stopping convoy daemon")

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStop()

	if err := d.channelRegistry.StopAll(stopCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop channels")
	}

	d.janitor.Stop()

	// Blocked iterations observe cancellation and finish their turns.
	d.confirmations.Close()
	if err := d.channelRegistry.Wait(stopCtx); err != nil {
		log.Warn().Err(err).Msg("Timeout waiting for in-flight messages")
	}
	d.queue.Close()

	d.stopMetricsServer()
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if err := d.sessionMgr.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close session manager")
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close audit logger")
	}

	log.Info().Msg("Daemon stopped")
	return nil
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Channels  []string
}

// Status returns current daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Channels: d.channelRegistry.Names(),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until a termination signal, ctx ends, or, when the terminal
// is the only channel, its input closes. It then stops the daemon.
func (d *Daemon) Wait(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var inputDone <-chan struct{}
	if d.cliChannel != nil && len(d.channelRegistry.Names()) == 1 {
		inputDone = d.cliChannel.Done()
	}

	select {
	case sig := <-sigChan:
		d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-inputDone:
		d.logger.Info().Msg("Terminal input closed")
	case <-ctx.Done():
	}

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetSessionManager returns the session manager
func (d *Daemon) GetSessionManager() *session.Manager {
	return d.sessionMgr
}

// GetConfirmationManager returns the confirmation manager
func (d *Daemon) GetConfirmationManager() *confirmation.Manager {
	return d.confirmations
}

// GetLoop returns the agent loop
func (d *Daemon) GetLoop() *agent.Loop {
	return d.loop
}

// GetChannelRegistry returns the channel registry
func (d *Daemon) GetChannelRegistry() *channels.Registry {
	return d.channelRegistry
}

// GetGatewayServer returns the gateway, or nil when it is disabled.
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// MetricsAddr is the bound address of the standalone metrics listener.
func (d *Daemon) MetricsAddr() string {
	return d.metricsAddr
}
