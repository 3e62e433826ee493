// ABOUTME: Gateway orchestrator that wires the machine registry to the HTTP server
// ABOUTME: Manages probes, the task journal, metrics, the refresh loop and listener lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/wol-gateway/internal/auth"
	"github.com/2389/wol-gateway/internal/config"
	"github.com/2389/wol-gateway/internal/dedupe"
	"github.com/2389/wol-gateway/internal/machine"
	"github.com/2389/wol-gateway/internal/metrics"
	"github.com/2389/wol-gateway/internal/probe"
	"github.com/2389/wol-gateway/internal/session"
	"github.com/2389/wol-gateway/internal/store"
	"github.com/2389/wol-gateway/internal/watch"
)

// ShellDialer opens an interactive shell on a machine.
type ShellDialer interface {
	Dial(ctx context.Context, addr string, creds auth.Credentials) (session.Shell, error)
}

// Gateway orchestrates the wol-gateway server components.
type Gateway struct {
	config      *config.Config
	registry    *machine.Registry
	store       store.Store
	hub         *watch.Hub[[]machine.Info]
	metrics     *metrics.Collector
	shells      ShellDialer
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// unknownAgents throttles logs about agents naming unconfigured machines
	unknownAgents *dedupe.Cache
}

// Option overrides a collaborator built by New.
type Option func(*options)

type options struct {
	waker    machine.WakeSender
	pinger   machine.Pinger
	executor machine.Executor
	shells   ShellDialer
}

// WithProbes replaces the network probes used by the registry.
func WithProbes(waker machine.WakeSender, pinger machine.Pinger, executor machine.Executor) Option {
	return func(o *options) {
		o.waker = waker
		o.pinger = pinger
		o.executor = executor
	}
}

// WithShellDialer replaces the dialer used by browser terminal sessions.
func WithShellDialer(d ShellDialer) Option {
	return func(o *options) { o.shells = d }
}

// initStore creates the in-memory task-run journal.
func initStore(logger *slog.Logger) (store.Store, error) {
	s, err := store.NewSQLiteStore()
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	logger.Info("task journal ready")
	return s, nil
}

// buildProbes creates the production probes from config.
func buildProbes(cfg *config.Config, o *options) error {
	if o.waker == nil {
		o.waker = &probe.WOLSender{BroadcastAddr: cfg.Lifecycle.BroadcastAddr}
	}
	if o.pinger == nil {
		o.pinger = &probe.ICMPPinger{
			Timeout:    cfg.Lifecycle.PingTimeout,
			Privileged: cfg.Lifecycle.PingPrivileged,
		}
	}

	if o.executor != nil && o.shells != nil {
		return nil
	}
	hostKeys, err := auth.HostKeyCallback(cfg.SSH.KnownHostsFile)
	if err != nil {
		return err
	}
	if o.executor == nil {
		o.executor = &probe.SSHExecutor{
			Keys:           auth.NewKeyRing(),
			HostKeys:       hostKeys,
			ConnectTimeout: cfg.SSH.ConnectTimeout,
		}
	}
	if o.shells == nil {
		o.shells = &session.Dialer{
			HostKeys: hostKeys,
			Timeout:  cfg.SSH.ConnectTimeout,
		}
	}
	return nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := buildProbes(cfg, &o); err != nil {
		return nil, err
	}

	s, err := initStore(logger)
	if err != nil {
		return nil, err
	}

	hub := watch.NewHub[[]machine.Info](machine.EqualInfos, logger)
	collector := metrics.New()

	registry, err := machine.NewRegistry(machine.SpecsFromConfig(cfg), machine.Options{
		Waker:           o.waker,
		Pinger:          o.pinger,
		Executor:        o.executor,
		Journal:         s,
		Observer:        collector,
		Hub:             hub,
		RefreshInterval: cfg.Lifecycle.RefreshInterval,
		WakeTimeout:     cfg.Lifecycle.WakeTimeout,
		ExecTimeout:     cfg.Lifecycle.ExecTimeout,
		Logger:          logger,
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("building machine registry: %w", err)
	}
	for _, info := range registry.List() {
		collector.InitMachine(info.Name, info.State)
	}

	gw := &Gateway{
		config:        cfg,
		registry:      registry,
		store:         s,
		hub:           hub,
		metrics:       collector,
		shells:        o.shells,
		logger:        logger.With("component", "gateway"),
		unknownAgents: dedupe.New(5*time.Minute, 1024),
	}

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	gw.registerAPIRoutes(mux)

	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, collector.Handler())
		logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving every route.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Registry returns the machine registry.
func (g *Gateway) Registry() *machine.Registry {
	return g.registry
}

// setupListener creates the HTTP listener on the tailnet or a TCP address.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// Run starts the HTTP server and the refresh loop and blocks until ctx is
// canceled or the server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	grp.Go(func() error {
		return g.registry.Run(gctx)
	})

	grp.Go(func() error {
		<-gctx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return grp.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The run context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "wol-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	g.hub.Close()
	g.registry.Close()
	g.unknownAgents.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the first refresh tick has probed every machine.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.registry.Refreshed() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("machines not probed yet"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d machines)", len(g.registry.Names()))
}
