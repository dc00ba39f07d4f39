// Command runtimeserver is the strategy runtime's process entrypoint: it
// wires the Chain Gateway, AMM/Swap Adapters, Retry Coordinator, Strategy
// Manager, Strategy Scheduler, Event Bus, Telemetry Broadcaster, Health
// Checker, and inbound HTTP surface together and serves them until an
// interrupt signal arrives.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clmmrun/strategy-runtime/infrastructure/logging"
	"github.com/clmmrun/strategy-runtime/infrastructure/metrics"
	"github.com/clmmrun/strategy-runtime/infrastructure/middleware"
	"github.com/clmmrun/strategy-runtime/infrastructure/ratelimit"
	"github.com/clmmrun/strategy-runtime/infrastructure/resilience"
	"github.com/clmmrun/strategy-runtime/internal/amm"
	"github.com/clmmrun/strategy-runtime/internal/broadcaster"
	"github.com/clmmrun/strategy-runtime/internal/chain"
	"github.com/clmmrun/strategy-runtime/internal/config"
	"github.com/clmmrun/strategy-runtime/internal/domain"
	"github.com/clmmrun/strategy-runtime/internal/eventbus"
	"github.com/clmmrun/strategy-runtime/internal/healthcheck"
	"github.com/clmmrun/strategy-runtime/internal/httpapi"
	"github.com/clmmrun/strategy-runtime/internal/manager"
	"github.com/clmmrun/strategy-runtime/internal/retrycoord"
	"github.com/clmmrun/strategy-runtime/internal/scheduler"
	"github.com/clmmrun/strategy-runtime/internal/storage"
	"github.com/clmmrun/strategy-runtime/internal/strategy"
	"github.com/clmmrun/strategy-runtime/internal/strategy/chainposition"
	"github.com/clmmrun/strategy-runtime/internal/strategy/simpley"
	"github.com/clmmrun/strategy-runtime/internal/swap"
	"github.com/clmmrun/strategy-runtime/system/framework/lifecycle"
)

const serviceName = "strategy-runtime"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := logging.New(serviceName, cfg.LogLevel, cfg.LogFormat)
	metricsInstance := metrics.New(serviceName)
	metricsInstance.SetServiceInfo(serviceName, "0.1.0", string(cfg.Env))

	hooks := lifecycle.NewHooks()
	startedAt := time.Now()
	rootCtx, stopRoot := context.WithCancel(context.Background())
	defer stopRoot()

	probeClient := ratelimit.NewRateLimitedClient(&http.Client{Timeout: 5 * time.Second}, ratelimit.RateLimitConfig{
		RequestsPerSecond: 5,
		Burst:             10,
	})
	gateway, err := chain.NewGateway(chain.Config{
		Endpoints:    cfg.ChainRPCEndpoints,
		CooldownBase: cfg.EndpointCooldownMin,
		CooldownMax:  cfg.EndpointCooldownMax,
		Probe:        getBlockCountProbe(probeClient),
	})
	if err != nil {
		log.Fatalf("chain gateway: %v", err)
	}
	probeCtx, stopProbes := context.WithCancel(rootCtx)
	go runHealthProbeLoop(probeCtx, gateway, 30*time.Second)
	hooks.OnPostStopNamed("chain-gateway", func(ctx context.Context) error {
		stopProbes()
		return nil
	})

	// Concrete AMM/Swap wire clients are out of scope: the
	// ChainReader/ChainWriter/Aggregator interfaces are satisfied here by an
	// unconfigured stub that fails closed until a real SDK client is dropped
	// in at this seam.
	ammAdapter := amm.NewAdapter(unconfiguredChainReader{}, unconfiguredChainWriter{})
	swapAdapter := swap.NewAdapter(unconfiguredAggregator{})
	hooks.OnPostStopNamed("adapters", func(ctx context.Context) error { return nil })

	retry := retrycoord.New(nil)

	store, err := storage.NewFileBackend(cfg.StorageDir)
	if err != nil {
		log.Fatalf("storage backend: %v", err)
	}
	instanceStore := storage.NewInstanceStore(store)

	sched := scheduler.New(scheduler.Config{
		MaxConcurrentTicks: cfg.SchedulerMaxConcurrentTicks,
		Logger:             logger,
		Metrics:            metricsInstance,
	})

	bus := eventbus.New()

	executors := map[domain.InstanceType]strategy.Executor{
		domain.TypeSimpleY:       simpley.New(ammAdapter, swapAdapter, retry, nil, nil),
		domain.TypeChainPosition: chainposition.New(ammAdapter, swapAdapter, retry, nil, nil),
	}

	mgr := manager.New(manager.Config{
		Store:           instanceStore,
		Scheduler:       sched,
		Bus:             bus,
		Logger:          logger,
		Executors:       executors,
		DefaultInterval: cfg.DefaultMonitoringInterval,
	})
	hooks.OnPostStopNamed("manager", func(ctx context.Context) error {
		// The scheduler hook registered below runs before this one and halts
		// every in-flight tick; the Manager itself holds no further resources
		// to release at shutdown.
		return nil
	})
	hooks.OnPostStopNamed("scheduler", func(ctx context.Context) error {
		sched.Shutdown()
		return nil
	})

	recoverErr := resilience.Retry(rootCtx, resilience.DefaultRetryConfig(), func() error {
		return mgr.Recover(rootCtx)
	})
	if recoverErr != nil {
		logger.WithError(recoverErr).Warn("boot recovery: failed to rehydrate instances after retries")
	}

	bcast := broadcaster.New(bus, logger)
	bcast.Start()
	hooks.OnPostStopNamed("broadcaster", func(ctx context.Context) error {
		return bcast.Shutdown(ctx)
	})

	checker := healthcheck.New(healthcheck.Config{
		Interval: cfg.DefaultMonitoringInterval,
		View:     mgr,
		Bus:      bus,
		Logger:   logger,
	})
	healthSchedule := fmt.Sprintf("@every %s", cfg.HealthCheckInterval.String())
	if err := checker.Start(rootCtx, healthSchedule); err != nil {
		log.Fatalf("health checker: %v", err)
	}
	hooks.OnPostStopNamed("health-checker", func(ctx context.Context) error {
		checker.Stop()
		return nil
	})

	server := httpapi.NewServer(httpapi.Config{
		Name:         serviceName,
		Version:      "0.1.0",
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Logger:       logger,
		Metrics:      metricsInstance,
		CORS:         &middleware.CORSConfig{AllowedOrigins: cfg.CORSOrigins},
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	httpapi.RegisterRoutes(server, httpapi.RouteConfig{
		Manager: mgr,
		Health: func(ctx context.Context) interface{} {
			return map[string]interface{}{
				"findings":  checker.RunOnce(ctx),
				"endpoints": gateway.Endpoints(),
			}
		},
		WS:        bcast,
		Templates: httpapi.DefaultTemplates(),
		StartedAt: startedAt,
		Version:   "0.1.0",
	})
	if cfg.MetricsEnabled {
		server.Router().Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	hooks.OnPostStopNamed("http-server", func(ctx context.Context) error {
		return server.Stop(ctx)
	})

	errCh := server.Start()
	logger.WithFields(map[string]interface{}{"port": cfg.HTTPPort}).Info("strategy runtime listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.WithFields(map[string]interface{}{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	// Reverse-teardown order: broadcaster -> scheduler ->
	// manager -> adapters -> gateway. RunPostStop replays registered hooks
	// in LIFO order, so registration above happened in construction order.
	if err := hooks.RunPostStop(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown: hook failure")
	}
	stopRoot()
}

// httpDoer is the subset of *http.Client that both it and
// ratelimit.RateLimitedClient satisfy.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// getBlockCountProbe returns a chain.Probe that issues a neo-go JSON-RPC
// getblockcount request as a cheap liveness check. client is rate-limited
// so a flapping endpoint can't be hammered by the probe loop.
func getBlockCountProbe(client httpDoer) chain.Probe {
	body := []byte(`{"jsonrpc":"2.0","method":"getblockcount","params":[],"id":1}`)

	return func(ctx context.Context, url string) (time.Duration, error) {
		start := time.Now()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		latency := time.Since(start)
		if resp.StatusCode != http.StatusOK {
			return latency, fmt.Errorf("getblockcount: unexpected status %d", resp.StatusCode)
		}

		var decoded struct {
			Result json.Number `json:"result"`
			Error  interface{} `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return latency, fmt.Errorf("getblockcount: decode response: %w", err)
		}
		if decoded.Error != nil {
			return latency, fmt.Errorf("getblockcount: rpc error: %v", decoded.Error)
		}
		return latency, nil
	}
}

func runHealthProbeLoop(ctx context.Context, gateway *chain.Gateway, interval time.Duration) {
	gateway.RunHealthChecks(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gateway.RunHealthChecks(ctx)
		}
	}
}

// unconfiguredChainReader/Writer and unconfiguredAggregator fail closed
// until a real AMM/swap SDK client is wired in at this seam.

type unconfiguredChainReader struct{}

func (unconfiguredChainReader) GetPool(ctx context.Context, poolAddress string) (domain.Pool, error) {
	return domain.Pool{}, errUnconfigured("amm.ChainReader.GetPool")
}

func (unconfiguredChainReader) GetActiveBin(ctx context.Context, poolAddress string) (int, error) {
	return 0, errUnconfigured("amm.ChainReader.GetActiveBin")
}

func (unconfiguredChainReader) GetPositionsForOwner(ctx context.Context, poolAddress, owner string) ([]domain.Position, error) {
	return nil, errUnconfigured("amm.ChainReader.GetPositionsForOwner")
}

type unconfiguredChainWriter struct{}

func (unconfiguredChainWriter) OpenPosition(ctx context.Context, poolAddress string, lowerBin, upperBin int, side domain.Side, amountX, amountY string, slippageBps int) (string, string, error) {
	return "", "", errUnconfigured("amm.ChainWriter.OpenPosition")
}

func (unconfiguredChainWriter) ClosePosition(ctx context.Context, positionAddress string, slippageBps int) (string, string, string, string, string, error) {
	return "", "", "", "", "", errUnconfigured("amm.ChainWriter.ClosePosition")
}

func (unconfiguredChainWriter) HarvestFees(ctx context.Context, positionAddress string) (string, string, string, error) {
	return "", "", "", errUnconfigured("amm.ChainWriter.HarvestFees")
}

type unconfiguredAggregator struct{}

func (unconfiguredAggregator) Quote(ctx context.Context, inputMint, outputMint, amountRaw string, slippageBps int, flags swap.ProtectionFlags) (swap.Quote, error) {
	return swap.Quote{}, errUnconfigured("swap.Aggregator.Quote")
}

func (unconfiguredAggregator) Execute(ctx context.Context, route interface{}, wallet string) (swap.Result, error) {
	return swap.Result{}, errUnconfigured("swap.Aggregator.Execute")
}

func errUnconfigured(op string) error {
	return fmt.Errorf("%s: no wire client configured; drop in a real SDK implementation at cmd/runtimeserver/main.go", op)
}
