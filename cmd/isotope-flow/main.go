// Command isotope-flow loads a YAML execution plan and runs it.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "isotope-flow",
		Usage: "Run watermark-aware streaming pipelines",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run an execution plan until its sources finish or a signal arrives",
				Flags:  runFlags(),
				Action: run,
			},
			{
				Name:   "validate",
				Usage:  "Check an execution plan and its operator options without running it",
				Flags:  validateFlags(),
				Action: validate,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
