package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/urfave/cli/v2"
)

// Config holds the settings of one isotope-flow invocation.
type Config struct {
	PlanPath        string
	Verbose         bool
	LogFormat       string
	MetricsAddr     string
	ShutdownTimeout time.Duration
	ChannelBuffer   int
}

func buildConfig(c *cli.Context) (*Config, error) {
	cfg := &Config{
		PlanPath:        c.String("plan"),
		Verbose:         c.Bool("verbose"),
		LogFormat:       c.String("log-format"),
		MetricsAddr:     c.String("metrics-addr"),
		ShutdownTimeout: c.Duration("shutdown-timeout"),
		ChannelBuffer:   c.Int("channel-buffer"),
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("log-format must be text or json, got %q", cfg.LogFormat)
	}
	if cfg.ChannelBuffer < 0 {
		return nil, fmt.Errorf("channel-buffer must not be negative, got %d", cfg.ChannelBuffer)
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg *Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
