package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"golang.org/x/sync/errgroup"

	"gatehouse/internal/config"
	"gatehouse/internal/logging"
	"gatehouse/internal/proxy"
	"gatehouse/internal/router"
	"gatehouse/internal/server"
)

// Options lets callers (tests, mostly) observe the running listeners.
type Options struct {
	// ConfigPath is only reported in the startup log.
	ConfigPath config.ResolvedConfigPath
	// OnListening, if set, is called once every listener is bound.
	OnListening func(addrs []net.Addr, sessions *proxy.SessionRegistry)
}

// Run resolves and loads the configuration, then serves every configured
// listener until ctx is cancelled or one of them fails.
func Run(ctx context.Context, configPath string) error {
	return RunWithOptions(ctx, configPath, Options{})
}

func RunWithOptions(ctx context.Context, configPath string, opts Options) error {
	resolved, err := config.ResolveConfigPath(configPath)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	cfg, err := resolved.Provider().Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logrt, err := logging.NewRuntime(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = logrt.Close() }()
	slog.SetDefault(logrt.Logger())
	logger := slog.Default()

	opts.ConfigPath = resolved
	return Serve(ctx, cfg, logger, opts)
}

// Serve runs cfg with an already configured logger.
func Serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) error {
	if logger == nil {
		logger = slog.Default()
	}
	table, err := cfg.Table()
	if err != nil {
		return fmt.Errorf("build routing table: %w", err)
	}

	logStartup(logger, cfg, table, opts.ConfigPath)

	sessions := proxy.NewSessionRegistry()
	dialer := proxy.NewNetDialer()
	pool := proxy.NewSyncPoolBufferPool(cfg.BufferSize)

	// Listener topology is frozen at startup.
	servers := make([]*server.TCPServer, 0, len(cfg.Listeners))
	for _, l := range cfg.Listeners {
		port, err := config.ListenPort(l.ListenAddr)
		if err != nil {
			return fmt.Errorf("listener %q: %w", l.ListenAddr, err)
		}
		h := proxy.NewSessionHandler(proxy.SessionHandlerOptions{
			Resolver:            table,
			Dialer:              dialer,
			Sessions:            sessions,
			Logger:              logger,
			BufferPool:          pool,
			ListenPort:          port,
			InjectProxyProtoV2:  cfg.ProxyProtocolV2,
			UpstreamDialTimeout: cfg.UpstreamDialTimeout,
			Timeouts:            cfg.Timeouts,
		})
		servers = append(servers, server.NewTCPServer(l.ListenAddr, h, logger))
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		srv := srv
		addr := cfg.Listeners[i].ListenAddr
		g.Go(func() error {
			if err := srv.ListenAndServe(gctx); err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			// A listener that stops on its own takes the process down with it.
			if gctx.Err() == nil {
				return errors.New("listener stopped unexpectedly")
			}
			return nil
		})
	}

	if opts.OnListening != nil {
		g.Go(func() error {
			addrs := make([]net.Addr, 0, len(servers))
			for _, srv := range servers {
				select {
				case <-srv.Ready():
				case <-gctx.Done():
					return nil
				}
				if a := srv.Addr(); a != nil {
					addrs = append(addrs, a)
				}
			}
			if len(addrs) == len(servers) {
				opts.OnListening(addrs, sessions)
			}
			return nil
		})
	}

	err = g.Wait()
	sessions.CloseAll()
	if err != nil {
		logger.Error("gatehouse: stopped", "err", err)
		return err
	}
	logger.Info("gatehouse: exited")
	return nil
}

func logStartup(logger *slog.Logger, cfg *config.Config, table *router.Table, resolved config.ResolvedConfigPath) {
	listeners := make([]string, 0, len(cfg.Listeners))
	for _, l := range cfg.Listeners {
		listeners = append(listeners, l.ListenAddr)
	}
	services := make([]string, 0, len(table.Services()))
	for _, name := range table.Services() {
		ep, _ := table.Endpoint(name)
		services = append(services, name+"="+ep.Addr())
	}
	ports := table.Ports()
	portMap := make([]string, 0, len(ports))
	for _, p := range cfg.SortedPorts() {
		if svc, ok := ports[p]; ok {
			portMap = append(portMap, fmt.Sprintf("%d=%s", p, svc))
		}
	}

	logger.Info("gatehouse: starting",
		"config", resolved.Path,
		"config_source", string(resolved.Source),
		"listeners", strings.Join(listeners, ","),
		"services", strings.Join(services, ","),
		"ports", strings.Join(portMap, ","),
		"rules", table.RuleCount(),
		"default_service", table.DefaultService(),
		"buffer_size", cfg.BufferSize,
		"proxy_protocol_v2", cfg.ProxyProtocolV2,
	)
}
