package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"

	"github.com/sandboxws/isotope/flow/pkg/engine"
	"github.com/sandboxws/isotope/flow/pkg/metrics"
	"github.com/sandboxws/isotope/flow/pkg/plan"
	"github.com/sandboxws/isotope/flow/pkg/registry"
)

const metricsShutdownTimeout = 5 * time.Second

func run(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}
	logger := newLogger(os.Stderr, cfg)
	slog.SetDefault(logger)

	p, err := loadPlan(cfg, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr, reg)
		srvErr := srv.Start()
		go func() {
			if err := <-srvErr; err != nil {
				logger.Error("metrics server failed", "error", err)
				cancel()
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer scancel()
			if err := srv.Shutdown(sctx); err != nil {
				logger.Warn("metrics server shutdown failed", "error", err)
			}
		}()
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	builder := &registry.Registry{Stdout: os.Stdout}
	eng := engine.NewEngine(p, memory.DefaultAllocator, builder.Build,
		engine.WithMetrics(m),
		engine.WithLogger(logger),
		engine.WithChannelBuffer(cfg.ChannelBuffer),
	)
	logger.Info("starting engine", "run_id", eng.RunID())

	if err := engine.RunWithGracefulShutdown(ctx, eng, cfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("pipeline %s failed: %w", p.PipelineName, err)
	}
	return nil
}

func validate(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}
	logger := newLogger(os.Stderr, cfg)

	p, err := loadPlan(cfg, logger)
	if err != nil {
		return err
	}
	if err := (&registry.Registry{}).Check(p); err != nil {
		return fmt.Errorf("invalid operator options: %w", err)
	}
	logger.Info("plan is valid", "pipeline", p.PipelineName)
	return nil
}

// loadPlan reads and validates the plan named by cfg.
func loadPlan(cfg *Config, logger *slog.Logger) (*plan.ExecutionPlan, error) {
	p, err := plan.Load(cfg.PlanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan %s: %w", cfg.PlanPath, err)
	}
	logger.Info("loaded execution plan",
		"pipeline", p.PipelineName,
		"operators", len(p.Operators),
		"edges", len(p.Edges),
	)
	return p, nil
}
