// Package upload orchestrates direct-to-storage transfers: it accepts a
// batch of files, picks a single-PUT or multipart strategy per file based
// on size, runs all files concurrently with per-file failure isolation, and
// exposes a consolidated progress read model to consumers.
package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"
	"github.com/pranavkale07/storix/upload/chunk"
	"github.com/pranavkale07/storix/upload/multipart"
	"github.com/pranavkale07/storix/upload/network"
	"github.com/pranavkale07/storix/upload/progress"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// Entry is one file queued for transfer. RelativePath is the unique key
// within a batch and the external progress key; the destination object key
// is the configured prefix joined with it.
type Entry struct {
	Path         string
	RelativePath string
	Size         int64
	ContentType  string
}

// Config ...
type Config struct {
	// APIBaseURL and AccessToken authenticate against the control plane.
	APIBaseURL  string
	AccessToken string

	// Prefix is the destination key prefix prepended to each entry's
	// relative path.
	Prefix string

	// ChunkSize is both the multipart chunk size and the strategy
	// threshold: files larger than this use the multipart path.
	// Default: 10 MiB.
	ChunkSize int64

	// PartConcurrency is the per-file window of parts in flight. Files do
	// not share a window. Default: 4.
	PartConcurrency int

	// MaxAttempts is the total presign+upload attempts per part. Default: 5.
	MaxAttempts int

	// PartTimeout bounds one part upload attempt. Default: 5 minutes.
	PartTimeout time.Duration

	// MaxConcurrentFiles caps how many files of a batch upload at once.
	// 0 means unbounded, matching the per-file-window-only backpressure of
	// the original design.
	MaxConcurrentFiles int

	// Linger is how long terminal task state stays visible in snapshots
	// after the batch finishes, so consumers can render the final state.
	// Default: 2 seconds.
	Linger time.Duration

	// OnBatchUploaded fires after a batch in which every task succeeded,
	// signalling listing caches to refresh. It is suppressed if any task
	// failed, so a stale listing never appears to omit a failed file.
	OnBatchUploaded func()
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = chunk.DefaultSize
	}
	if c.PartConcurrency <= 0 {
		c.PartConcurrency = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.PartTimeout == 0 {
		c.PartTimeout = 5 * time.Minute
	}
	if c.Linger == 0 {
		c.Linger = 2 * time.Second
	}
	return c
}

// ControlPlane is the control-plane surface the orchestrator depends on.
// *network.Client implements it.
type ControlPlane interface {
	StartUpload(ctx context.Context, key, contentType string) (network.StartUploadResponse, error)
	PresignUpload(ctx context.Context, key, contentType string) (string, error)
	PresignChunk(ctx context.Context, key, uploadID string, partNumber int32) (string, error)
	CompleteUpload(ctx context.Context, key, uploadID string, parts []network.Part) (network.ObjectMetadata, error)
}

// Uploader is the orchestration façade. One Uploader owns the live state of
// its submitted batches; consumers observe it through Snapshot.
type Uploader struct {
	config    Config
	api       ControlPlane
	putter    multipart.PartPutter
	scheduler *multipart.Scheduler
	logger    log.Logger

	mu    sync.Mutex
	tasks map[string]*task
}

// New creates an Uploader. api and putter may be nil, unless you want to
// provide custom implementations (e.g. for tests).
func New(config Config, api ControlPlane, putter multipart.PartPutter, logger log.Logger) *Uploader {
	config = config.withDefaults()

	if logger == nil {
		logger = log.NewLogger()
	}
	if api == nil {
		api = network.NewClient(retryhttp.NewClient(logger), config.APIBaseURL, config.AccessToken, logger)
	}
	if putter == nil {
		putter = network.NewPartUploader(nil, logger)
	}

	scheduler := multipart.NewScheduler(multipart.Config{
		ChunkSize:   config.ChunkSize,
		Concurrency: config.PartConcurrency,
		MaxAttempts: config.MaxAttempts,
		PartTimeout: config.PartTimeout,
	}, api, putter, logger)

	return &Uploader{
		config:    config,
		api:       api,
		putter:    putter,
		scheduler: scheduler,
		logger:    logger,
		tasks:     map[string]*task{},
	}
}

// SubmitBatch queues entries for upload and returns immediately; progress
// is observed via Snapshot and Uploading. An entry whose relative path is
// still uploading is skipped, so rapid repeated submissions cannot
// duplicate work; a path whose previous task already finished or failed is
// admitted again, even while that state still lingers in snapshots. One
// file's failure never cancels or blocks its siblings.
func (u *Uploader) SubmitBatch(ctx context.Context, entries []Entry) {
	accepted, owned := u.admit(entries)
	if len(accepted) == 0 {
		return
	}

	go u.runBatch(ctx, accepted, owned)
}

// admit registers pending tasks, dropping entries that duplicate an
// in-flight relative path. Terminal tasks lingering for display are
// replaced by a fresh task. The returned map holds the tasks this batch
// created, so the deferred state clear cannot touch a later batch's task
// for the same path.
func (u *Uploader) admit(entries []Entry) ([]Entry, map[string]*task) {
	u.mu.Lock()
	defer u.mu.Unlock()

	owned := map[string]*task{}
	accepted := lo.Filter(entries, func(entry Entry, _ int) bool {
		if existing, exists := u.tasks[entry.RelativePath]; exists && !existing.terminal() {
			u.logger.Debugf("Skipping %s: already uploading", entry.RelativePath)
			return false
		}
		t := &task{tracker: progress.NewTracker(entry.Size)}
		u.tasks[entry.RelativePath] = t
		owned[entry.RelativePath] = t
		return true
	})
	return accepted, owned
}

func (u *Uploader) runBatch(ctx context.Context, entries []Entry, owned map[string]*task) {
	var group errgroup.Group
	if u.config.MaxConcurrentFiles > 0 {
		group.SetLimit(u.config.MaxConcurrentFiles)
	}

	for _, entry := range entries {
		entry := entry
		t := owned[entry.RelativePath]
		group.Go(func() error {
			if err := u.uploadOne(ctx, entry, t.tracker); err != nil {
				u.failTask(t, err)
				u.logger.Errorf("Upload failed for %s: %s", entry.RelativePath, err)
			} else {
				u.finishTask(t)
			}
			// Task errors land in the batch state, never at the group:
			// sibling uploads run to their own terminal state.
			return nil
		})
	}
	_ = group.Wait()

	if !u.anyFailed(owned) {
		u.logger.Donef("Batch of %d files uploaded", len(entries))
		if u.config.OnBatchUploaded != nil {
			u.config.OnBatchUploaded()
		}
	}

	time.AfterFunc(u.config.Linger, func() {
		u.clearTasks(owned)
	})
}

func (u *Uploader) uploadOne(ctx context.Context, entry Entry, tracker *progress.Tracker) error {
	key := objectKey(u.config.Prefix, entry.RelativePath)

	contentType := entry.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	file, err := os.Open(entry.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", entry.Path, err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			u.logger.Warnf("failed to close %s: %s", entry.Path, err)
		}
	}()

	u.logger.Debugf("Uploading %s (%s) to %s",
		entry.RelativePath, units.HumanSizeWithPrecision(float64(entry.Size), 3), key)

	if entry.Size > u.config.ChunkSize {
		return u.uploadMultipart(ctx, key, contentType, file, entry.Size, tracker)
	}
	return u.uploadSingle(ctx, key, contentType, file, entry.Size, tracker)
}

func (u *Uploader) uploadMultipart(ctx context.Context, key, contentType string, file *os.File, size int64, tracker *progress.Tracker) error {
	started, err := u.api.StartUpload(ctx, key, contentType)
	if err != nil {
		return err
	}

	metadata, err := u.scheduler.Run(ctx, key, started.UploadID, contentType, file, size, tracker)
	if err != nil {
		return err
	}

	u.logger.Debugf("Uploaded %s (etag %s)", key, metadata.ETag)
	return nil
}

// uploadSingle is the degenerate one-part case: presign once, PUT once,
// same progress tracking. Failures are surfaced directly, without the
// multipart retry budget.
func (u *Uploader) uploadSingle(ctx context.Context, key, contentType string, file *os.File, size int64, tracker *progress.Tracker) error {
	url, err := u.api.PresignUpload(ctx, key, contentType)
	if err != nil {
		return err
	}

	body := io.NewSectionReader(file, 0, size)
	if _, err := u.putter.UploadPart(ctx, url, contentType, 1, body, size, func(loaded int64) {
		tracker.Update(1, loaded)
	}); err != nil {
		return err
	}

	tracker.Complete()
	return nil
}

func objectKey(prefix, relativePath string) string {
	if prefix == "" {
		return relativePath
	}
	return path.Join(prefix, relativePath)
}
