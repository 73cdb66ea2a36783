package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

// Config holds the producer settings.
type Config struct {
	Brokers             string
	Topic               string
	Partitions          int
	Rate                int64
	BatchSize           int
	Skew                time.Duration
	OutOfOrderness      time.Duration
	IdlePartitions      int
	IdleAfter           time.Duration
	WatermarkInterval   time.Duration
	Duration            time.Duration
	EndWithMaxWatermark bool
	Seed                uint64
}

func buildConfig(c *cli.Context) (*Config, error) {
	cfg := &Config{
		Brokers:             c.String("brokers"),
		Topic:               c.String("topic"),
		Partitions:          c.Int("partitions"),
		Rate:                c.Int64("rate"),
		BatchSize:           c.Int("batch-size"),
		Skew:                c.Duration("skew"),
		OutOfOrderness:      c.Duration("out-of-orderness"),
		IdlePartitions:      c.Int("idle-partitions"),
		IdleAfter:           c.Duration("idle-after"),
		WatermarkInterval:   c.Duration("watermark-interval"),
		Duration:            c.Duration("duration"),
		EndWithMaxWatermark: c.Bool("end-with-max-watermark"),
		Seed:                c.Uint64("seed"),
	}
	return cfg, cfg.validate()
}

func (cfg *Config) validate() error {
	var errs []error
	if cfg.Topic == "" {
		errs = append(errs, errors.New("topic is required"))
	}
	if cfg.Partitions <= 0 {
		errs = append(errs, fmt.Errorf("partitions must be positive, got %d", cfg.Partitions))
	}
	if cfg.Rate <= 0 {
		errs = append(errs, fmt.Errorf("rate must be positive, got %d", cfg.Rate))
	}
	if cfg.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch-size must be positive, got %d", cfg.BatchSize))
	}
	if cfg.IdlePartitions < 0 || cfg.IdlePartitions > cfg.Partitions {
		errs = append(errs, fmt.Errorf("idle-partitions must be between 0 and %d, got %d", cfg.Partitions, cfg.IdlePartitions))
	}
	if cfg.Skew < 0 || cfg.OutOfOrderness < 0 {
		errs = append(errs, errors.New("skew and out-of-orderness must not be negative"))
	}
	return errors.Join(errs...)
}

// tickInterval is the time between two batches of one partition.
func (cfg *Config) tickInterval() time.Duration {
	return time.Duration(float64(time.Second) * float64(cfg.BatchSize) / float64(cfg.Rate))
}
