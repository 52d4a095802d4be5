// Package multipart drives every part of one file's upload to completion,
// or fails the whole file, while bounding concurrent network usage.
package multipart

import (
	"context"
	"errors"
	"io"
	"sort"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/pranavkale07/storix/upload/chunk"
	"github.com/pranavkale07/storix/upload/network"
	"github.com/pranavkale07/storix/upload/progress"
)

// Config holds per-file scheduling parameters.
type Config struct {
	// ChunkSize is the byte length of each part except possibly the last.
	// Default: chunk.DefaultSize (10 MiB).
	ChunkSize int64

	// Concurrency is the maximum number of parts in flight for one file.
	// Files in a batch each get their own window. Default: 4.
	Concurrency int

	// MaxAttempts is the total presign+upload attempts per part, first
	// attempt included. Retries are immediate and each one fetches a fresh
	// presigned URL. Default: 5.
	MaxAttempts int

	// PartTimeout bounds a single presign+upload attempt. A timed-out
	// attempt counts against MaxAttempts. 0 disables the deadline.
	// Default: 5 minutes.
	PartTimeout time.Duration
}

// DefaultConfig returns the default scheduling parameters.
func DefaultConfig() Config {
	return Config{
		ChunkSize:   chunk.DefaultSize,
		Concurrency: 4,
		MaxAttempts: 5,
		PartTimeout: 5 * time.Minute,
	}
}

// ControlPlane is the subset of the control-plane client the scheduler needs.
type ControlPlane interface {
	PresignChunk(ctx context.Context, key, uploadID string, partNumber int32) (string, error)
	CompleteUpload(ctx context.Context, key, uploadID string, parts []network.Part) (network.ObjectMetadata, error)
}

// PartPutter uploads one chunk's bytes to a presigned URL and returns the
// entity tag.
type PartPutter interface {
	UploadPart(ctx context.Context, presignedURL, contentType string, partNumber int32, body io.ReadSeeker, size int64, onProgress network.ProgressFunc) (string, error)
}

// Scheduler runs the part pipeline for single files. Safe for concurrent
// use across files; each Run call owns its own state.
type Scheduler struct {
	config Config
	api    ControlPlane
	putter PartPutter
	logger log.Logger
}

// NewScheduler ...
func NewScheduler(config Config, api ControlPlane, putter PartPutter, logger log.Logger) *Scheduler {
	defaults := DefaultConfig()
	if config.ChunkSize <= 0 {
		config.ChunkSize = defaults.ChunkSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}

	return &Scheduler{
		config: config,
		api:    api,
		putter: putter,
		logger: logger,
	}
}

type partResult struct {
	part network.Part
	err  error
}

// Run uploads every chunk of content, retrying each part up to the attempt
// budget, then finalizes the session with parts sorted ascending by part
// number. The first part to exhaust its budget fails the file: no new parts
// are scheduled and in-flight attempts are cancelled. Completion failure is
// terminal and not retried. On success the tracker is marked complete.
func (s *Scheduler) Run(ctx context.Context, key, uploadID, contentType string, content io.ReaderAt, fileSize int64, tracker *progress.Tracker) (network.ObjectMetadata, error) {
	chunks := chunk.Plan(fileSize, s.config.ChunkSize)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan partResult, len(chunks))
	semaphore := make(chan struct{}, s.config.Concurrency)

	for _, c := range chunks {
		go func(c chunk.Chunk) {
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			if err := runCtx.Err(); err != nil {
				results <- partResult{err: err}
				return
			}

			etag, err := s.uploadPartWithRetry(runCtx, key, uploadID, contentType, c, content, tracker)
			results <- partResult{
				part: network.Part{PartNumber: c.PartNumber, ETag: etag},
				err:  err,
			}
		}(c)
	}

	parts := make([]network.Part, 0, len(chunks))
	var firstErr error
	for range chunks {
		result := <-results
		if result.err != nil {
			if firstErr == nil && !errors.Is(result.err, context.Canceled) {
				firstErr = result.err
			}
			// Fail fast: pending parts see the cancelled context before
			// their first attempt, in-flight attempts abort.
			cancel()
			continue
		}
		parts = append(parts, result.part)
	}

	if firstErr == nil && len(parts) != len(chunks) {
		if firstErr = ctx.Err(); firstErr == nil {
			firstErr = context.Canceled
		}
	}
	if firstErr != nil {
		return network.ObjectMetadata{}, firstErr
	}

	sort.Slice(parts, func(i, j int) bool {
		return parts[i].PartNumber < parts[j].PartNumber
	})

	metadata, err := s.api.CompleteUpload(ctx, key, uploadID, parts)
	if err != nil {
		return network.ObjectMetadata{}, err
	}

	tracker.Complete()
	return metadata, nil
}

// uploadPartWithRetry performs presign+upload attempt pairs for one part.
// Every attempt fetches a fresh presigned URL: URLs may have expired or be
// single-use. Quota rejections and context cancellation abort the budget.
func (s *Scheduler) uploadPartWithRetry(ctx context.Context, key, uploadID, contentType string, c chunk.Chunk, content io.ReaderAt, tracker *progress.Tracker) (string, error) {
	var etag string
	err := retry.Times(uint(s.config.MaxAttempts-1)).Wait(0).TryWithAbort(func(attempt uint) (error, bool) {
		if err := ctx.Err(); err != nil {
			return err, true
		}

		attemptCtx := ctx
		cancelAttempt := func() {}
		if s.config.PartTimeout > 0 {
			attemptCtx, cancelAttempt = context.WithTimeout(ctx, s.config.PartTimeout)
		}
		defer cancelAttempt()

		// A restarted attempt replaces this part's prior progress.
		tracker.Update(c.PartNumber, 0)

		url, err := s.api.PresignChunk(attemptCtx, key, uploadID, c.PartNumber)
		if err != nil {
			if isAbortError(ctx, err) {
				return err, true
			}
			s.logger.Warnf("Part %d attempt %d: presign failed: %s", c.PartNumber, attempt+1, err)
			return err, false
		}

		body := io.NewSectionReader(content, c.Offset, c.Length)
		etag, err = s.putter.UploadPart(attemptCtx, url, contentType, c.PartNumber, body, c.Length, func(loaded int64) {
			tracker.Update(c.PartNumber, loaded)
		})
		if err != nil {
			if isAbortError(ctx, err) {
				return err, true
			}
			s.logger.Warnf("Part %d attempt %d failed: %s", c.PartNumber, attempt+1, err)
			return err, false
		}

		tracker.Update(c.PartNumber, c.Length)
		return nil, false
	})

	return etag, err
}

func isAbortError(ctx context.Context, err error) bool {
	var quotaErr *network.QuotaError
	if errors.As(err, &quotaErr) {
		return true
	}
	return ctx.Err() != nil
}
