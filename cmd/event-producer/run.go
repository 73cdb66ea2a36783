package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/urfave/cli/v2"
)

const flushTimeoutOnClose = 15 * time.Second

func run(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	slog.Info("starting event producer",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"partitions", cfg.Partitions,
		"rate", cfg.Rate,
		"skew", cfg.Skew,
		"idle_partitions", cfg.IdlePartitions,
		"watermark_interval", cfg.WatermarkInterval,
	)

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
		kgo.ProducerBatchMaxBytes(1024*1024),
		kgo.MaxBufferedRecords(100_000),
		kgo.ProducerLinger(10*time.Millisecond),
	)
	if err != nil {
		return fmt.Errorf("failed to create Kafka client: %w", err)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	var sent, failed atomic.Int64
	produce := func(records []*kgo.Record) {
		for _, rec := range records {
			client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
				if err != nil {
					failed.Add(1)
					return
				}
				sent.Add(1)
			})
		}
	}

	p := newProducer(cfg, time.Now())
	batches := time.NewTicker(cfg.tickInterval())
	defer batches.Stop()
	report := time.NewTicker(time.Second)
	defer report.Stop()

	var watermarks <-chan time.Time
	if cfg.WatermarkInterval > 0 {
		t := time.NewTicker(cfg.WatermarkInterval)
		defer t.Stop()
		watermarks = t.C
	}

	var lastSent int64
	for {
		select {
		case <-ctx.Done():
			return shutdown(client, p, cfg, sent.Load(), failed.Load())
		case now := <-batches.C:
			records, err := p.batch(now)
			if err != nil {
				return err
			}
			produce(records)
		case <-watermarks:
			records, err := p.watermarks()
			if err != nil {
				return err
			}
			produce(records)
		case <-report.C:
			current := sent.Load()
			slog.Info("producer throughput", "records/sec", current-lastSent, "total", current, "failed", failed.Load())
			lastSent = current
		}
	}
}

// shutdown writes the final watermarks and flushes buffered records.
func shutdown(client *kgo.Client, p *producer, cfg *Config, sent, failed int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeoutOnClose)
	defer cancel()

	if cfg.EndWithMaxWatermark {
		records, err := p.finish()
		if err != nil {
			return err
		}
		if err := client.ProduceSync(ctx, records...).FirstErr(); err != nil {
			return fmt.Errorf("failed to write final watermarks: %w", err)
		}
	}
	if err := client.Flush(ctx); err != nil {
		slog.Warn("flush error", "error", err)
	}
	slog.Info("event producer stopped", "sent", sent, "failed", failed)
	return nil
}
