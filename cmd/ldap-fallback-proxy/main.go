// Command ldap-fallback-proxy accepts LDAP/LDAPS client connections,
// enforces the bind-map firewall, forwards authorized traffic to a
// single upstream directory, and serves cached search results when the
// upstream is unreachable.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pires/go-proxyproto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/jimlambrt/ldap-fallback-proxy/internal/cache"
	"github.com/jimlambrt/ldap-fallback-proxy/internal/config"
	"github.com/jimlambrt/ldap-fallback-proxy/internal/session"
	"github.com/jimlambrt/ldap-fallback-proxy/internal/tlsutil"
	"github.com/jimlambrt/ldap-fallback-proxy/internal/upstream"
)

// shutdownGracePeriod bounds how long run() waits for in-flight sessions
// to finish on their own after SIGINT/SIGTERM before forcing their
// connections closed.
const shutdownGracePeriod = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := pflag.String("config", "", "path to TOML configuration file")
	debug := pflag.Bool("debug", false, "enable debug logging")
	metricsAddr := pflag.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	pflag.Parse()

	level := hclog.Info
	if *debug {
		level = hclog.Debug
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "ldap-fallback-proxy",
		Level: level,
	})

	if *configPath == "" {
		logger.Error("missing required -config flag")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("loading configuration", "err", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		return 1
	}

	bindMap, err := cfg.BuildBindMap()
	if err != nil {
		logger.Error("building bind-map", "err", err)
		return 1
	}

	cacheBackend, err := buildCache(cfg, logger)
	if err != nil {
		logger.Error("building cache backend", "err", err)
		return 1
	}

	upstreamTLS, err := tlsutil.UpstreamConfig(cfg.LDAPCA)
	if err != nil {
		logger.Error("loading upstream ca bundle", "err", err)
		return 1
	}
	upstreamClient, err := upstream.New(upstream.Config{
		URL:           cfg.LDAPURL,
		TLSConfig:     upstreamTLS,
		MaxFrameBytes: cfg.MaxProxyBERSize,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("configuring upstream client", "err", err)
		return 1
	}
	defer upstreamClient.Close()

	listener, err := buildListener(cfg, logger)
	if err != nil {
		logger.Error("starting listener", "err", err)
		return 1
	}
	defer listener.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *metricsAddr != "" {
		go serveMetrics(ctx, *metricsAddr, logger)
	}

	deps := session.Deps{
		Policy:         bindMap,
		Cache:          cacheBackend,
		Upstream:       upstreamClient,
		MaxIncomingBER: cfg.MaxIncomingBERSize,
		Logger:         logger,
	}

	tracker := newConnTracker()
	var connWg sync.WaitGroup

	logger.Info("listening", "addr", cfg.Bind)
	go acceptLoop(ctx, listener, deps, logger, &connWg, tracker)

	<-ctx.Done()
	logger.Info("shutting down, draining in-flight connections")
	_ = listener.Close() // stop acceptLoop from admitting new connections

	drained := make(chan struct{})
	go func() {
		connWg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		logger.Info("all connections drained")
	case <-time.After(shutdownGracePeriod):
		logger.Warn("shutdown grace period expired, closing remaining connections", "grace_period", shutdownGracePeriod)
		tracker.closeAll()
		<-drained
	}
	return 0
}

// connTracker records the sockets acceptLoop currently has a session
// running against, so run() can force them closed if a session hasn't
// finished on its own by the end of the shutdown grace period. Sessions
// don't watch ctx while blocked in a read from their own client, so
// canceling ctx alone can't unblock them.
type connTracker struct {
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func newConnTracker() *connTracker {
	return &connTracker{conns: make(map[net.Conn]struct{})}
}

func (t *connTracker) add(c net.Conn) {
	t.mu.Lock()
	t.conns[c] = struct{}{}
	t.mu.Unlock()
}

func (t *connTracker) remove(c net.Conn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}

func (t *connTracker) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for c := range t.conns {
		_ = c.Close()
	}
}

// buildCache wires the memory backend directly, or fronts the Redis
// backend with an in-memory L1 (internal/cache.Tiered) when Redis is
// selected, matching the reference proxy's tiered memory-then-Redis
// cache rather than sending every fallback lookup straight to the
// network.
func buildCache(cfg *config.Config, logger hclog.Logger) (cache.Cache, error) {
	switch cfg.Cache.Type {
	case config.CacheTypeRedis:
		redisBackend, err := cache.NewRedisWithURL(cfg.Cache.URL, cfg.Cache.KeyPrefix, cfg.Cache.TTLSeconds, logger)
		if err != nil {
			return nil, err
		}
		l1 := cache.NewMemory(cfg.Cache.SizeBytes)
		return cache.NewTiered(l1, redisBackend, logger), nil
	default:
		return cache.NewMemory(cfg.Cache.SizeBytes), nil
	}
}

func buildListener(cfg *config.Config, logger hclog.Logger) (net.Listener, error) {
	var tlsConfig *tls.Config
	if cfg.TLSChain != "" && cfg.TLSKey != "" {
		var err error
		tlsConfig, err = tlsutil.ListenerConfig(cfg.TLSChain, cfg.TLSKey)
		if err != nil {
			return nil, err
		}
	}

	raw, err := net.Listen("tcp", cfg.Bind)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Bind, err)
	}

	var listener net.Listener = raw
	if cfg.RemoteIPAddrInfo == config.RemoteIPProxyV2 {
		listener = &proxyproto.Listener{
			Listener: raw,
			ConnPolicy: func(proxyproto.ConnPolicyOptions) (proxyproto.Policy, error) {
				return proxyproto.REQUIRE, nil
			},
		}
		logger.Info("proxy protocol v2 required on listener")
	}

	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}
	return listener, nil
}

func acceptLoop(ctx context.Context, listener net.Listener, deps session.Deps, logger hclog.Logger, wg *sync.WaitGroup, tracker *connTracker) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Error("accept failed", "err", err)
				return
			}
		}
		tracker.add(conn)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer tracker.remove(conn)
			session.New(conn, deps).Run(ctx)
		}()
	}
}

func serveMetrics(ctx context.Context, addr string, logger hclog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", "err", err)
	}
}
