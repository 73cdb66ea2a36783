// Command event-producer writes synthetic JSON events to the partitions of a
// Kafka topic, with a configurable event-time skew per partition. It can
// mark partitions idle and interleave watermark control records that the
// kafka_source connector understands.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:   "event-producer",
		Usage:  "Produce skewed event-time data for isotope-flow pipelines",
		Flags:  producerFlags(),
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
