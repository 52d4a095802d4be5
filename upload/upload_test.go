package upload

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestUploader uses a tiny chunk size so multipart behavior is exercised
// without multi-megabyte fixtures: 1 KiB chunks mirror the production
// 10 MiB threshold at test scale.
func newTestUploader(t *testing.T, backend *fakeBackend, config Config) *Uploader {
	t.Helper()

	config.APIBaseURL = backend.controlPlane.URL
	config.AccessToken = "test-token"
	if config.ChunkSize == 0 {
		config.ChunkSize = 1024
	}
	if config.Linger == 0 {
		config.Linger = 50 * time.Millisecond
	}
	return New(config, nil, nil, log.NewLogger())
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func waitForBatch(t *testing.T, uploader *Uploader) {
	t.Helper()

	deadline := time.After(10 * time.Second)
	for uploader.Uploading() {
		select {
		case <-deadline:
			t.Fatal("batch did not finish in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestUploader_MultipartFile(t *testing.T) {
	backend := newFakeBackend()
	defer backend.Close()

	// 2.5 chunks -> parts of 1024, 1024 and 512 bytes
	data := bytes.Repeat([]byte{7}, 2560)
	dir := t.TempDir()
	path := writeFile(t, dir, "big.bin", data)

	uploader := newTestUploader(t, backend, Config{Prefix: "docs"})
	uploader.SubmitBatch(context.Background(), []Entry{{
		Path:         path,
		RelativePath: "big.bin",
		Size:         2560,
		ContentType:  "application/octet-stream",
	}})

	waitForBatch(t, uploader)

	status := uploader.Snapshot()["big.bin"]
	require.NoError(t, status.Err)
	assert.True(t, status.Done)
	assert.Equal(t, 100, status.Percent)
	assert.Zero(t, status.BytesPerSecond)

	parts := backend.partsFor("docs/big.bin")
	require.Len(t, parts, 3)
	for i, part := range parts {
		assert.Equal(t, int32(i+1), part.PartNumber)
		assert.NotEmpty(t, part.ETag)
	}

	// the exact byte ranges landed in storage
	assert.Equal(t, data[:1024], backend.objectBytes("/docs/big.bin/part-1"))
	assert.Equal(t, data[1024:2048], backend.objectBytes("/docs/big.bin/part-2"))
	assert.Equal(t, data[2048:], backend.objectBytes("/docs/big.bin/part-3"))
}

func TestUploader_SmallFileTakesSinglePut(t *testing.T) {
	backend := newFakeBackend()
	defer backend.Close()

	data := []byte("small payload")
	dir := t.TempDir()
	path := writeFile(t, dir, "note.txt", data)

	uploader := newTestUploader(t, backend, Config{})
	uploader.SubmitBatch(context.Background(), []Entry{{
		Path:         path,
		RelativePath: "note.txt",
		Size:         int64(len(data)),
		ContentType:  "text/plain",
	}})

	waitForBatch(t, uploader)

	status := uploader.Snapshot()["note.txt"]
	require.NoError(t, status.Err)
	assert.Equal(t, 100, status.Percent)

	assert.Zero(t, backend.startCallsFor("note.txt"), "single-PUT path must not initiate multipart")
	assert.Equal(t, data, backend.objectBytes("/note.txt/whole"))
}

func TestUploader_ZeroByteFile(t *testing.T) {
	backend := newFakeBackend()
	defer backend.Close()

	dir := t.TempDir()
	path := writeFile(t, dir, "empty", nil)

	uploader := newTestUploader(t, backend, Config{})
	uploader.SubmitBatch(context.Background(), []Entry{{
		Path:         path,
		RelativePath: "empty",
		Size:         0,
	}})

	waitForBatch(t, uploader)

	status := uploader.Snapshot()["empty"]
	require.NoError(t, status.Err)
	assert.Equal(t, 100, status.Percent)
	assert.Zero(t, backend.startCallsFor("empty"))
}

func TestUploader_QuotaFailureOnInitiation(t *testing.T) {
	backend := newFakeBackend()
	backend.quotaOnStart = true
	defer backend.Close()

	dir := t.TempDir()
	path := writeFile(t, dir, "big.bin", bytes.Repeat([]byte{1}, 4096))

	var refreshed bool
	uploader := newTestUploader(t, backend, Config{
		OnBatchUploaded: func() { refreshed = true },
	})
	uploader.SubmitBatch(context.Background(), []Entry{{
		Path:         path,
		RelativePath: "big.bin",
		Size:         4096,
	}})

	waitForBatch(t, uploader)

	status := uploader.Snapshot()["big.bin"]
	require.Error(t, status.Err)
	assert.Contains(t, status.Err.Error(), "quota exceeded")

	assert.Zero(t, backend.presignChunkCalls(), "no chunking work after a failed initiation")
	assert.False(t, refreshed, "listing refresh must be suppressed when a task failed")
}

func TestUploader_BatchIsolation(t *testing.T) {
	backend := newFakeBackend()
	backend.failPartPath = "/bad.bin/part-2" // file 2's part 2 permanently fails
	defer backend.Close()

	dir := t.TempDir()
	data := bytes.Repeat([]byte{3}, 2100)
	pathA := writeFile(t, dir, "a.bin", data)
	pathB := writeFile(t, dir, "bad.bin", data)
	pathC := writeFile(t, dir, "c.bin", data)

	var refreshed bool
	uploader := newTestUploader(t, backend, Config{
		OnBatchUploaded: func() { refreshed = true },
	})
	uploader.SubmitBatch(context.Background(), []Entry{
		{Path: pathA, RelativePath: "a.bin", Size: 2100},
		{Path: pathB, RelativePath: "bad.bin", Size: 2100},
		{Path: pathC, RelativePath: "c.bin", Size: 2100},
	})

	waitForBatch(t, uploader)

	snapshot := uploader.Snapshot()
	require.NoError(t, snapshot["a.bin"].Err)
	require.NoError(t, snapshot["c.bin"].Err)
	assert.True(t, snapshot["a.bin"].Done)
	assert.True(t, snapshot["c.bin"].Done)
	require.Error(t, snapshot["bad.bin"].Err)
	assert.Zero(t, snapshot["bad.bin"].BytesPerSecond, "failed task must not report a stale rate")

	// siblings of the failed file are fully persisted
	assert.Len(t, backend.partsFor("a.bin"), 3)
	assert.Len(t, backend.partsFor("c.bin"), 3)
	assert.Empty(t, backend.partsFor("bad.bin"), "failed file must not be assembled")

	assert.False(t, refreshed, "one failed task suppresses the batch refresh")
}

func TestUploader_RefreshFiredOnCleanBatch(t *testing.T) {
	backend := newFakeBackend()
	defer backend.Close()

	dir := t.TempDir()
	path := writeFile(t, dir, "ok.txt", []byte("fine"))

	refreshed := make(chan struct{}, 1)
	uploader := newTestUploader(t, backend, Config{
		OnBatchUploaded: func() { refreshed <- struct{}{} },
	})
	uploader.SubmitBatch(context.Background(), []Entry{{
		Path: path, RelativePath: "ok.txt", Size: 4,
	}})

	select {
	case <-refreshed:
	case <-time.After(5 * time.Second):
		t.Fatal("expected the refresh signal after a clean batch")
	}
}

func TestUploader_DeduplicatesInFlightPaths(t *testing.T) {
	backend := newFakeBackend()
	defer backend.Close()

	dir := t.TempDir()
	path := writeFile(t, dir, "dup.txt", []byte("payload"))
	entry := Entry{Path: path, RelativePath: "dup.txt", Size: 7}

	uploader := newTestUploader(t, backend, Config{Linger: time.Minute})
	uploader.SubmitBatch(context.Background(), []Entry{entry})
	uploader.SubmitBatch(context.Background(), []Entry{entry}) // rapid re-drop

	waitForBatch(t, uploader)

	backend.mu.Lock()
	presigns := backend.presignUpload
	backend.mu.Unlock()
	assert.Equal(t, 1, presigns, "duplicate relative path must be skipped")
}

func TestUploader_ResubmitDuringLinger(t *testing.T) {
	backend := newFakeBackend()
	defer backend.Close()

	dir := t.TempDir()
	path := writeFile(t, dir, "again.txt", []byte("payload"))
	entry := Entry{Path: path, RelativePath: "again.txt", Size: 7}

	uploader := newTestUploader(t, backend, Config{Linger: 2 * time.Second})
	uploader.SubmitBatch(context.Background(), []Entry{entry})
	waitForBatch(t, uploader)
	require.True(t, uploader.Snapshot()["again.txt"].Done)

	// re-drop the same file while its finished state still lingers
	uploader.SubmitBatch(context.Background(), []Entry{entry})
	waitForBatch(t, uploader)

	backend.mu.Lock()
	presigns := backend.presignUpload
	backend.mu.Unlock()
	assert.Equal(t, 2, presigns, "a finished path must be uploadable again during the linger window")
	assert.True(t, uploader.Snapshot()["again.txt"].Done)
}

func TestUploader_StaleLingerClearKeepsReplacedTask(t *testing.T) {
	backend := newFakeBackend()
	defer backend.Close()

	uploader := newTestUploader(t, backend, Config{})
	entry := Entry{Path: "unused", RelativePath: "replay.txt", Size: 3}

	first, firstOwned := uploader.admit([]Entry{entry})
	require.Len(t, first, 1)
	uploader.finishTask(firstOwned["replay.txt"])

	second, secondOwned := uploader.admit([]Entry{entry})
	require.Len(t, second, 1, "a terminal lingering task must not block readmission")

	// the first batch's deferred clear fires after the path was readmitted
	uploader.clearTasks(firstOwned)
	require.Contains(t, uploader.Snapshot(), "replay.txt", "a stale clear must not delete the replacement task")

	uploader.clearTasks(secondOwned)
	assert.NotContains(t, uploader.Snapshot(), "replay.txt")
}

func TestUploader_StateClearsAfterLinger(t *testing.T) {
	backend := newFakeBackend()
	defer backend.Close()

	dir := t.TempDir()
	path := writeFile(t, dir, "short.txt", []byte("x"))

	uploader := newTestUploader(t, backend, Config{Linger: 30 * time.Millisecond})
	uploader.SubmitBatch(context.Background(), []Entry{{
		Path: path, RelativePath: "short.txt", Size: 1,
	}})

	waitForBatch(t, uploader)
	require.Contains(t, uploader.Snapshot(), "short.txt", "terminal state lingers for rendering")

	assert.Eventually(t, func() bool {
		_, present := uploader.Snapshot()["short.txt"]
		return !present
	}, 2*time.Second, 10*time.Millisecond, "state clears after the linger window")
}

func Test_objectKey(t *testing.T) {
	assert.Equal(t, "a/b.txt", objectKey("", "a/b.txt"))
	assert.Equal(t, "prefix/a/b.txt", objectKey("prefix", "a/b.txt"))
	assert.Equal(t, "prefix/nested/a.txt", objectKey("prefix/", "nested/a.txt"))
}
