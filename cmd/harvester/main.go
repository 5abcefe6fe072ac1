package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "harvester: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "harvester",
		Usage: "crawl problem sources, extract candidates and route them through review",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "path to a .env file",
				Value: ".env",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API and the scheduler loop",
				Action: serveAction,
			},
			{
				Name:   "tick",
				Usage:  "claim one due batch and wait for it to finish",
				Action: tickAction,
			},
			{
				Name:  "test-crawl",
				Usage: "check robots.txt and fetch a single page",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "source-id", Usage: "registered source to test"},
					&cli.StringFlag{Name: "url", Usage: "raw URL to test"},
				},
				Action: testCrawlAction,
			},
			{
				Name:  "purge-logs",
				Usage: "delete log entries older than the retention window",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "older-than-days", Usage: "retention window; defaults to logs.retention_days"},
				},
				Action: purgeLogsAction,
			},
			{
				Name:  "sources",
				Usage: "source registry commands",
				Commands: []*cli.Command{
					{
						Name:      "import",
						Usage:     "create sources from a YAML seed file",
						ArgsUsage: "<seed.yaml>",
						Action:    sourcesImportAction,
					},
				},
			},
		},
	}
}
