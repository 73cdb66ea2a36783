package main

import (
	"time"

	"github.com/urfave/cli/v2"
)

func producerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "brokers",
			Aliases: []string{"b"},
			Usage:   "Kafka bootstrap servers",
			EnvVars: []string{"KAFKA_BOOTSTRAP_SERVERS"},
			Value:   "localhost:9092",
		},
		&cli.StringFlag{
			Name:    "topic",
			Aliases: []string{"t"},
			Usage:   "Kafka topic to produce to",
			EnvVars: []string{"KAFKA_TOPIC"},
			Value:   "events",
		},
		&cli.IntFlag{
			Name:    "partitions",
			Usage:   "Number of partitions to write; must match the topic",
			EnvVars: []string{"KAFKA_PARTITIONS"},
			Value:   4,
		},
		&cli.Int64Flag{
			Name:    "rate",
			Aliases: []string{"r"},
			Usage:   "Events per second per partition",
			EnvVars: []string{"RATE"},
			Value:   1000,
		},
		&cli.IntFlag{
			Name:    "batch-size",
			Usage:   "Events per partition per tick",
			EnvVars: []string{"BATCH_SIZE"},
			Value:   100,
		},
		&cli.DurationFlag{
			Name:    "skew",
			Usage:   "Event-time lag added per partition index",
			EnvVars: []string{"SKEW"},
			Value:   time.Second,
		},
		&cli.DurationFlag{
			Name:    "out-of-orderness",
			Usage:   "Maximum random lateness of an event within its partition",
			EnvVars: []string{"OUT_OF_ORDERNESS"},
			Value:   200 * time.Millisecond,
		},
		&cli.IntFlag{
			Name:    "idle-partitions",
			Usage:   "Number of highest partitions that stop producing after --idle-after",
			EnvVars: []string{"IDLE_PARTITIONS"},
		},
		&cli.DurationFlag{
			Name:    "idle-after",
			Usage:   "When idle partitions stop producing",
			EnvVars: []string{"IDLE_AFTER"},
			Value:   10 * time.Second,
		},
		&cli.DurationFlag{
			Name:    "watermark-interval",
			Usage:   "Interval between watermark control records; 0 disables them",
			EnvVars: []string{"WATERMARK_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "duration",
			Aliases: []string{"d"},
			Usage:   "How long to produce; 0 runs until a signal arrives",
			EnvVars: []string{"DURATION"},
		},
		&cli.BoolFlag{
			Name:    "end-with-max-watermark",
			Usage:   "Write a MAX watermark to every active partition on exit",
			EnvVars: []string{"END_WITH_MAX_WATERMARK"},
		},
		&cli.Uint64Flag{
			Name:    "seed",
			Usage:   "Random seed for event payloads and lateness",
			EnvVars: []string{"SEED"},
			Value:   42,
		},
	}
}
