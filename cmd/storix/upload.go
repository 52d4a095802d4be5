package main

import (
	"fmt"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/pranavkale07/storix/upload"
	"github.com/pranavkale07/storix/upload/network"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"
)

func uploadCommand(logger log.Logger) *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Upload files or directories",
		ArgsUsage: "PATH [PATH...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "prefix",
				Usage: "destination key prefix",
			},
			&cli.StringSliceFlag{
				Name:  "ignore",
				Usage: "glob pattern of files to skip, may be repeated",
			},
			&cli.StringFlag{
				Name:  "chunk-size",
				Value: "10MiB",
				Usage: "chunk size, also the threshold above which files are sent in parts",
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Value: 4,
				Usage: "parts in flight per file",
			},
			&cli.IntFlag{
				Name:  "max-files",
				Usage: "cap on files uploading at once, 0 for no cap",
			},
			&cli.StringFlag{
				Name:  "bucket",
				Usage: "upload straight to this S3 bucket instead of going through the control plane",
			},
			&cli.StringFlag{
				Name:  "region",
				Usage: "bucket region, direct mode only",
			},
		},
		Action: func(c *cli.Context) error {
			return runUpload(c, logger)
		},
	}
}

func runUpload(c *cli.Context, logger log.Logger) error {
	if c.NArg() == 0 {
		return fmt.Errorf("nothing to upload, pass at least one path")
	}

	entries, err := collectArgs(c.Args().Slice(), c.StringSlice("ignore"))
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		logger.Warnf("No files matched")
		return nil
	}

	if bucket := c.String("bucket"); bucket != "" {
		return uploadDirect(c, entries, bucket, logger)
	}

	apiURL, token := c.String("api-url"), c.String("token")
	if apiURL == "" || token == "" {
		return fmt.Errorf("--api-url and --token are required (or STORIX_API_URL / STORIX_TOKEN)")
	}

	chunkSize, err := units.RAMInBytes(c.String("chunk-size"))
	if err != nil {
		return fmt.Errorf("parse chunk size: %w", err)
	}

	uploader := upload.New(upload.Config{
		APIBaseURL:         apiURL,
		AccessToken:        token,
		Prefix:             c.String("prefix"),
		ChunkSize:          chunkSize,
		PartConcurrency:    c.Int("concurrency"),
		MaxConcurrentFiles: c.Int("max-files"),
		Linger:             time.Minute,
	}, nil, nil, logger)

	uploader.SubmitBatch(c.Context, entries)
	return renderProgress(uploader, entries, logger)
}

// collectArgs expands each argument into upload entries: directories are
// walked recursively, plain files become a single entry keyed by base name.
func collectArgs(paths []string, ignorePatterns []string) ([]upload.Entry, error) {
	var entries []upload.Entry
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}

		if info.IsDir() {
			dirEntries, err := upload.CollectDir(p, ignorePatterns)
			if err != nil {
				return nil, err
			}
			entries = append(entries, dirEntries...)
			continue
		}

		entry, err := upload.CollectFile(p)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// uploadDirect bypasses the control plane and writes into the user's own
// bucket with locally held AWS credentials.
func uploadDirect(c *cli.Context, entries []upload.Entry, bucket string, logger log.Logger) error {
	envRepo := env.NewRepository()
	prefix := c.String("prefix")

	for _, entry := range entries {
		key := entry.RelativePath
		if prefix != "" {
			key = path.Join(prefix, key)
		}

		logger.Printf("Uploading %s", key)
		err := network.UploadToS3(c.Context, network.S3UploadParams{
			LocalPath:       entry.Path,
			Key:             key,
			ContentType:     entry.ContentType,
			Region:          c.String("region"),
			Bucket:          bucket,
			AccessKeyID:     envRepo.Get("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: envRepo.Get("AWS_SECRET_ACCESS_KEY"),
		}, logger)
		if err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
	}

	logger.Donef("Uploaded %d files to %s", len(entries), bucket)
	return nil
}

// renderProgress draws one bar per file and polls the uploader's snapshot
// until every task reaches a terminal state.
func renderProgress(uploader *upload.Uploader, entries []upload.Entry, logger log.Logger) error {
	names := lo.Uniq(lo.Map(entries, func(entry upload.Entry, _ int) string {
		return entry.RelativePath
	}))
	sort.Strings(names)

	var speeds sync.Map
	p := mpb.New(mpb.WithWidth(60))
	bars := make(map[string]*mpb.Bar, len(names))
	for _, name := range names {
		name := name
		bars[name] = p.New(100,
			mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("]"),
			mpb.PrependDecorators(
				decor.Name(name, decor.WC{W: len(name) + 2, C: decor.DidentRight}),
			),
			mpb.AppendDecorators(
				decor.Percentage(),
				decor.Any(func(decor.Statistics) string {
					v, ok := speeds.Load(name)
					if !ok {
						return ""
					}
					speed := v.(float64)
					if speed <= 0 {
						return ""
					}
					return fmt.Sprintf("%s/s", units.HumanSize(speed))
				}, decor.WCSyncSpace),
			),
		)
	}

	apply := func(statuses map[string]upload.Status) {
		for name, bar := range bars {
			status, ok := statuses[name]
			if !ok {
				continue
			}
			speeds.Store(name, status.BytesPerSecond)
			if status.Err != nil {
				bar.Abort(false)
				continue
			}
			bar.SetCurrent(int64(status.Percent))
		}
	}

	for uploader.Uploading() {
		apply(uploader.Snapshot())
		time.Sleep(120 * time.Millisecond)
	}
	final := uploader.Snapshot()
	apply(final)
	p.Wait()

	failed := 0
	for _, name := range names {
		if status, ok := final[name]; ok && status.Err != nil {
			logger.Errorf("%s: %s", name, status.Err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed to upload", failed, len(names))
	}

	logger.Donef("Uploaded %d files", len(names))
	return nil
}
