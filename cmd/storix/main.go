package main

import (
	"os"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/urfave/cli/v2"
)

var version = "0.3.0"

func main() {
	logger := log.NewLogger()

	app := &cli.App{
		Name:    "storix",
		Usage:   "Upload and download files through the Storix control plane",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "api-url",
				Usage:   "control plane base URL",
				EnvVars: []string{"STORIX_API_URL"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "control plane access token",
				EnvVars: []string{"STORIX_TOKEN"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "enable debug logging",
				EnvVars: []string{"STORIX_DEBUG"},
			},
		},
		Before: func(c *cli.Context) error {
			logger.EnableDebugLog(c.Bool("debug"))
			return nil
		},
		Commands: []*cli.Command{
			uploadCommand(logger),
			downloadCommand(logger),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}
