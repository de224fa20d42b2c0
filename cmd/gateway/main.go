package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/portcullis-proxy/portcullis/internal/admin"
	"github.com/portcullis-proxy/portcullis/internal/auth"
	"github.com/portcullis-proxy/portcullis/internal/circuitbreaker"
	"github.com/portcullis-proxy/portcullis/internal/clientinfo"
	"github.com/portcullis-proxy/portcullis/internal/config"
	"github.com/portcullis-proxy/portcullis/internal/gateway"
	"github.com/portcullis-proxy/portcullis/internal/health"
	"github.com/portcullis-proxy/portcullis/internal/loadbalancer"
	"github.com/portcullis-proxy/portcullis/internal/logging"
	"github.com/portcullis-proxy/portcullis/internal/metrics"
	"github.com/portcullis-proxy/portcullis/internal/proxy"
	"github.com/portcullis-proxy/portcullis/internal/ratelimit"
	"github.com/portcullis-proxy/portcullis/internal/registry"
	"github.com/portcullis-proxy/portcullis/internal/route"
	"github.com/portcullis-proxy/portcullis/internal/router"
	"github.com/portcullis-proxy/portcullis/internal/trace"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("portcullis %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	defer logging.Sync()

	logging.Info("starting gateway",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("registry", cfg.Registry.Type))
	logging.Debug("configuration loaded", zap.Any("config", cfg.Redacted()))

	if err := run(cfg); err != nil {
		logging.Error("gateway exited", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	collector := metrics.NewCollector()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	limiter := ratelimit.New(cfg.RateLimit, cfg.Redis, rdb, collector)
	defer limiter.Close()

	validator, err := auth.NewJWTValidator(cfg.Security.JWT)
	if err != nil {
		return fmt.Errorf("jwt validator: %w", err)
	}
	revocations := auth.NewRedisRevocationSet(rdb, cfg.Security.RevocationKey, cfg.Redis.Timeout)
	verifier, err := auth.New(cfg.Security, auth.Options{
		Validator:   validator,
		Revocations: revocations,
	})
	if err != nil {
		return fmt.Errorf("auth verifier: %w", err)
	}

	identifier, err := clientinfo.New(clientinfo.Config{
		TrustedCIDRs: cfg.Security.Whitelist.CIDRs,
		TrustedIPs:   cfg.Security.Whitelist.IPs,
	})
	if err != nil {
		return fmt.Errorf("client identifier: %w", err)
	}

	// Route table with hot reload from the routes file.
	store := route.NewStore()
	source, err := route.NewFileSource(store, cfg.RouteStore.Path, cfg.RouteStore.RefreshInterval)
	if err != nil {
		return fmt.Errorf("route store: %w", err)
	}
	if err := source.Start(); err != nil {
		return fmt.Errorf("route store: %w", err)
	}
	defer source.Stop()

	// Registry, balancers, and health loop. The registry cache feeds both
	// the balancer manager and the health checker; the health loop feeds
	// balancer health back.
	var regSource registry.Source
	switch cfg.Registry.Type {
	case "consul":
		regSource, err = registry.NewConsulSource(cfg.Registry.Consul)
		if err != nil {
			return fmt.Errorf("consul registry: %w", err)
		}
	default:
		regSource = registry.NewStaticSource(cfg.Registry.Static)
	}
	cache := registry.NewCache(regSource, cfg.Registry.StaleAfter, cfg.Registry.WatchInterval)

	balancers := loadbalancer.NewManager(cfg.LoadBalancer)

	checker := health.NewChecker(cfg.HealthCheck, func(service, addr string, healthy bool) {
		balancers.SetHealth(service, addr, healthy)
		collector.SetInstanceHealthy(service, addr, healthy)
	})

	cache.OnUpdate(func(service string, instances []*registry.Instance) {
		balancers.UpdateInstances(service, instances)
		checker.SetInstances(service, instances)
		for _, inst := range instances {
			collector.SetInstanceHealthy(service, inst.Addr(), true)
		}
	})

	// Track every service the route table references, now and on reload.
	trackServices := func(snap *route.Snapshot) {
		for _, rt := range snap.Routes {
			if rt.Service == "" {
				continue
			}
			if err := cache.Track(context.Background(), rt.Service); err != nil {
				logging.Warn("service discovery failed",
					zap.String("service", rt.Service), zap.Error(err))
			}
		}
	}
	store.OnChange(trackServices)
	trackServices(store.Snapshot())

	cache.Start()
	defer cache.Stop()
	checker.Start()
	defer checker.Stop()

	breakers := circuitbreaker.NewRegistry(cfg.Breaker)
	breakers.OnTransition(func(routeID string, to circuitbreaker.State) {
		logging.Warn("breaker state changed",
			zap.String("route", routeID), zap.String("state", to.String()))
		collector.RecordBreakerTransition(routeID, to.String())
		collector.SetBreakerState(routeID, int(to))
	})

	resolver := router.New(store, balancers, cache)
	pool := proxy.NewTransportPool(cfg.Timeouts)
	defer pool.CloseIdleConnections()
	forwarder := proxy.New(resolver, pool, collector, cfg.Timeouts, cfg.Retry)

	var sink trace.Sink = trace.LogSink{}
	if cfg.Trace.Sink == "file" {
		fileSink, err := trace.NewFileSink(cfg.Trace.SinkPath)
		if err != nil {
			return fmt.Errorf("trace sink: %w", err)
		}
		defer fileSink.Close()
		sink = fileSink
	}
	recorder := trace.NewRecorder(cfg.Trace, sink)

	gw := gateway.New(gateway.Options{
		Identifier:   identifier,
		Limiter:      limiter,
		Verifier:     verifier,
		Breakers:     breakers,
		Resolver:     resolver,
		Forwarder:    forwarder,
		Recorder:     recorder,
		Collector:    collector,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})

	ingress := gateway.NewServer(cfg.Server, gw)
	adminSrv := admin.NewServer(cfg.Server, admin.Options{
		Routes:    store,
		Breakers:  breakers,
		Checker:   checker,
		Recorder:  recorder,
		Collector: collector,
		Revoker:   revocations,
	})

	errCh := make(chan error, 2)
	go func() {
		if err := ingress.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("ingress: %w", err)
		}
	}()
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("admin: %w", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logging.Info("received signal, draining", zap.String("signal", sig.String()))
	}

	shutdownCtx := context.Background()
	if err := ingress.Shutdown(shutdownCtx); err != nil {
		logging.Warn("ingress shutdown incomplete", zap.Error(err))
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("admin shutdown incomplete", zap.Error(err))
	}
	return nil
}
