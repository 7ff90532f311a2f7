// Command gateway is the pay-per-request API gateway's entry point: it
// wires configuration, logging, the optional Redis rate-limit mirror, the
// route table, the payment facilitator, the optional reputation oracle, and
// the HTTP router, then serves with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentmeter/paygate/internal/admin"
	"github.com/agentmeter/paygate/internal/clock"
	"github.com/agentmeter/paygate/internal/config"
	"github.com/agentmeter/paygate/internal/ledger"
	"github.com/agentmeter/paygate/internal/logger"
	"github.com/agentmeter/paygate/internal/mandate"
	"github.com/agentmeter/paygate/internal/metrics"
	"github.com/agentmeter/paygate/internal/middleware"
	"github.com/agentmeter/paygate/internal/payment"
	"github.com/agentmeter/paygate/internal/pipeline"
	"github.com/agentmeter/paygate/internal/policy"
	"github.com/agentmeter/paygate/internal/receipt"
	"github.com/agentmeter/paygate/internal/redisclient"
	"github.com/agentmeter/paygate/internal/replay"
	"github.com/agentmeter/paygate/internal/route"
	"github.com/agentmeter/paygate/internal/router"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	log := logger.New(cfg)
	log.Info().Str("env", cfg.Env).Msg("paygate starting")

	if cfg.PayToAddress == "" {
		log.Error().Msg("PAY_TO_ADDRESS is required")
		return 1
	}

	routes, err := route.LoadFile(cfg.RoutesFile)
	if err != nil {
		log.Error().Err(err).Str("file", cfg.RoutesFile).Msg("failed to load routes file")
		return 1
	}
	log.Info().Int("routes", len(routes.List())).Msg("route table loaded")

	var rateMirror middleware.Mirror
	if cfg.RedisURL != "" {
		rc, err := redisclient.New(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis init failed — continuing with in-memory rate limiting only")
		} else {
			rateMirror = rc
			defer rc.Close()
			log.Info().Msg("redis connected for rate-limit mirroring")
		}
	}
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimitPerMin, rateMirror)

	clk := clock.Real{}

	degraded := true
	var facilitator payment.Facilitator
	if cfg.FacilitatorURL != "" {
		hf := payment.NewHTTPFacilitator(cfg.FacilitatorURL)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := hf.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("facilitator unreachable at startup — payment gate degrading to pass-through")
		} else {
			facilitator = hf
			degraded = false
			log.Info().Str("url", cfg.FacilitatorURL).Msg("facilitator reachable")
		}
	} else {
		log.Warn().Msg("no FACILITATOR_URL configured — payment gate running in pass-through mode")
	}
	gate := payment.NewGate(facilitator, cfg.FacilitatorScheme, cfg.BaseNetwork, cfg.PayToAddress, degraded)

	policyEngine := &policy.Engine{
		Blacklist: policy.NewBlacklist(),
		MinScore:  cfg.ReputationMinScore,
	}
	if cfg.ReputationEnabled() {
		oracle, err := policy.NewEthReputationOracle(cfg.ReputationRPCURL, cfg.ReputationContract, 60*time.Second, clk)
		if err != nil {
			log.Warn().Err(err).Msg("reputation oracle init failed — reputation checks disabled")
		} else {
			policyEngine.Reputation = oracle
			log.Info().Str("contract", cfg.ReputationContract).Msg("reputation oracle enabled")
		}
	}

	receipts := receipt.NewStore(100_000)

	var registry *prometheus.Registry
	var metricsCollectors *metrics.Collectors
	if !cfg.MetricsDisabled {
		registry = prometheus.NewRegistry()
		metricsCollectors = metrics.New(registry)
	}

	p := &pipeline.Pipeline{
		Routes: routes,
		Replay: replay.New(clk),
		Ledgers: mandate.Ledgers{
			Daily:    ledger.NewDaily(clk),
			Lifetime: ledger.NewLifetime(),
		},
		Gate:            gate,
		Policy:          policyEngine,
		Upstream:        http.DefaultClient,
		Receipts:        receipts,
		Metrics:         metricsCollectors,
		Clock:           clk,
		Log:             log,
		ReplayTTL:       cfg.ReplayTTL,
		RequestDeadline: cfg.RequestDeadline,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		GatewayDomain:   cfg.GatewayDomain,
		Chain:           cfg.BaseNetwork,
	}

	adminHandler := &admin.Handler{
		Config:    cfg,
		Routes:    routes,
		Receipts:  receipts,
		Blacklist: policyEngine.Blacklist,
		Ledgers:   p.Ledgers,
		Upstream:  http.DefaultClient,
		Clock:     clk,
		StartedAt: clk.Now(),
		Persist: func(rules []*route.Rule) error {
			return route.SaveFile(cfg.RoutesFile, rules)
		},
	}

	handler := router.New(router.Deps{
		Config:      cfg,
		Pipeline:    p,
		Admin:       adminHandler,
		RateLimiter: rateLimiter,
		Registry:    registry,
		Logger:      log,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestDeadline + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		log.Error().Err(err).Msg("server failed to start")
		return 1
	case <-done:
		log.Info().Msg("shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
		return 1
	}
	log.Info().Msg("gateway stopped gracefully")
	return 0
}
