package main

import (
	"fmt"
	"path"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/pranavkale07/storix/upload/network"
	"github.com/urfave/cli/v2"
)

func downloadCommand(logger log.Logger) *cli.Command {
	return &cli.Command{
		Name:      "download",
		Usage:     "Download one object",
		ArgsUsage: "KEY",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Usage:   "destination path, defaults to the key's base name",
			},
			&cli.StringFlag{
				Name:  "bucket",
				Usage: "download straight from this S3 bucket instead of going through the control plane",
			},
			&cli.StringFlag{
				Name:  "region",
				Usage: "bucket region, direct mode only",
			},
		},
		Action: func(c *cli.Context) error {
			return runDownload(c, logger)
		},
	}
}

func runDownload(c *cli.Context, logger log.Logger) error {
	if c.NArg() != 1 {
		return fmt.Errorf("pass exactly one object key")
	}
	key := c.Args().First()

	out := c.String("out")
	if out == "" {
		out = path.Base(key)
	}

	if bucket := c.String("bucket"); bucket != "" {
		envRepo := env.NewRepository()
		err := network.DownloadFromS3(c.Context, network.S3DownloadParams{
			Key:             key,
			DownloadPath:    out,
			Region:          c.String("region"),
			Bucket:          bucket,
			AccessKeyID:     envRepo.Get("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: envRepo.Get("AWS_SECRET_ACCESS_KEY"),
		}, logger)
		if err != nil {
			return err
		}
		logger.Donef("Downloaded %s to %s", key, out)
		return nil
	}

	apiURL, token := c.String("api-url"), c.String("token")
	if apiURL == "" || token == "" {
		return fmt.Errorf("--api-url and --token are required (or STORIX_API_URL / STORIX_TOKEN)")
	}

	err := network.Download(c.Context, network.DownloadParams{
		APIBaseURL:   apiURL,
		Token:        token,
		Key:          key,
		DownloadPath: out,
	}, logger)
	if err != nil {
		return err
	}

	logger.Donef("Downloaded %s to %s", key, out)
	return nil
}
