package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// ProgressFunc receives the number of bytes handed to the transport so far
// during one upload attempt. Counts are monotonically increasing within an
// attempt; a retried attempt starts again from zero.
type ProgressFunc func(bytesLoaded int64)

// PartUploader PUTs chunk bytes to presigned URLs. It never talks to the
// control plane: the URL already embeds the authorization for exactly one
// operation on one byte range.
type PartUploader struct {
	httpClient *http.Client
	logger     log.Logger
}

// NewPartUploader creates a part uploader. A nil client gets replaced with
// DefaultHTTPClient.
func NewPartUploader(client *http.Client, logger log.Logger) *PartUploader {
	if client == nil {
		client = DefaultHTTPClient()
	}

	return &PartUploader{
		httpClient: client,
		logger:     logger,
	}
}

// DefaultHTTPClient creates an HTTP client tuned for many concurrent part
// uploads. Per-attempt timeouts are handled via context, not a client-wide
// deadline.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// UploadPart PUTs exactly size bytes from body to the presigned URL and
// returns the storage backend's entity tag, unquoted. A 2xx response
// without an entity tag is a protocol violation and reported as a failure:
// completion cannot proceed without the tag. onProgress may be nil.
func (u *PartUploader) UploadPart(ctx context.Context, presignedURL, contentType string, partNumber int32, body io.ReadSeeker, size int64, onProgress ProgressFunc) (string, error) {
	etag, err := u.put(ctx, presignedURL, contentType, body, size, onProgress)
	if err != nil {
		return "", &PartUploadError{PartNumber: partNumber, Err: err}
	}

	return etag, nil
}

func (u *PartUploader) put(ctx context.Context, presignedURL, contentType string, body io.ReadSeeker, size int64, onProgress ProgressFunc) (string, error) {
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind chunk: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, presignedURL, &progressReader{reader: body, onProgress: onProgress})
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = size

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			u.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody := make([]byte, 1024)
		n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
		return "", fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, errorBody[:n])
	}

	etag := strings.Trim(resp.Header.Get("ETag"), `"`)
	if etag == "" {
		return "", fmt.Errorf("no ETag in response")
	}

	return etag, nil
}

// progressReader counts bytes as the transport consumes the request body.
type progressReader struct {
	reader     io.Reader
	loaded     int64
	onProgress ProgressFunc
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.loaded += int64(n)
		if r.onProgress != nil {
			r.onProgress(r.loaded)
		}
	}
	return n, err
}
