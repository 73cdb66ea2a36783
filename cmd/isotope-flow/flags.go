package main

import (
	"time"

	"github.com/urfave/cli/v2"
)

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "plan",
			Aliases:  []string{"p"},
			Usage:    "Path to the YAML execution plan",
			EnvVars:  []string{"ISOTOPE_PLAN"},
			Required: true,
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable debug logging",
			EnvVars: []string{"ISOTOPE_VERBOSE"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log output format: text or json",
			EnvVars: []string{"ISOTOPE_LOG_FORMAT"},
			Value:   "text",
		},
	}
}

func runFlags() []cli.Flag {
	return append(commonFlags(),
		&cli.StringFlag{
			Name:    "metrics-addr",
			Aliases: []string{"m"},
			Usage:   "Address for the Prometheus metrics server; empty disables it",
			EnvVars: []string{"ISOTOPE_METRICS_ADDR"},
			Value:   ":9090",
		},
		&cli.DurationFlag{
			Name:    "shutdown-timeout",
			Usage:   "How long to wait for the pipeline to drain after a signal",
			EnvVars: []string{"ISOTOPE_SHUTDOWN_TIMEOUT"},
			Value:   30 * time.Second,
		},
		&cli.IntFlag{
			Name:    "channel-buffer",
			Usage:   "Capacity of the channels between stages",
			EnvVars: []string{"ISOTOPE_CHANNEL_BUFFER"},
			Value:   16,
		},
	)
}

func validateFlags() []cli.Flag {
	return commonFlags()
}
