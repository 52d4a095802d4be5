package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

type startUploadRequest struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
}

// StartUploadResponse is the control plane's answer to a multipart
// initiation: the session the client references in every later call.
type StartUploadResponse struct {
	UploadID string `json:"upload_id"`
	Key      string `json:"key"`
}

type presignChunkRequest struct {
	Key        string `json:"key"`
	UploadID   string `json:"upload_id"`
	PartNumber int32  `json:"part_number"`
}

type presignUploadRequest struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
}

type presignDownloadRequest struct {
	Key string `json:"key"`
}

type presignResponse struct {
	PresignedURL string `json:"presigned_url"`
}

// Part is the proof-of-receipt for one uploaded part. The completion call
// requires parts in ascending part-number order.
type Part struct {
	PartNumber int32  `json:"part_number"`
	ETag       string `json:"etag"`
}

type completeUploadRequest struct {
	Key      string `json:"key"`
	UploadID string `json:"upload_id"`
	Parts    []Part `json:"parts"`
}

// ObjectMetadata describes the finalized object as reported by the control
// plane after a completed upload.
type ObjectMetadata struct {
	Key          string `json:"key"`
	Size         int64  `json:"size"`
	ETag         string `json:"etag"`
	LastModified string `json:"last_modified"`
}

// Client wraps the control-plane HTTP API. It transmits metadata only;
// file bytes travel exclusively through the presigned URLs it hands out,
// straight to the storage provider.
//
// Presign issuance goes through the retrying HTTP client (a lost or
// transiently failed presign is safe to reissue). Initiation and completion
// use the underlying plain client: whether to retry them is the caller's
// decision, and a repeated completion may be rejected by storage as
// already-completed.
type Client struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewClient creates a control-plane client. The retryable client is used
// as-is for presign calls; its embedded standard client for everything else.
func NewClient(client *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) *Client {
	return &Client{
		httpClient:  client,
		baseURL:     baseURL,
		accessToken: accessToken,
		logger:      logger,
	}
}

// StartUpload creates a multipart session for the given object key.
func (c *Client) StartUpload(ctx context.Context, key, contentType string) (StartUploadResponse, error) {
	var response StartUploadResponse
	err := c.postJSON(ctx, "start_upload", startUploadRequest{Key: key, ContentType: contentType}, &response, false)
	if err != nil {
		return StartUploadResponse{}, &InitiationError{Key: key, Err: err}
	}

	c.logger.Debugf("Started multipart upload %s for %s", response.UploadID, key)
	return response, nil
}

// PresignChunk issues a fresh presigned URL for one part of a multipart
// session. URLs may expire or be single-use, so callers request a new one
// for every attempt.
func (c *Client) PresignChunk(ctx context.Context, key, uploadID string, partNumber int32) (string, error) {
	var response presignResponse
	request := presignChunkRequest{Key: key, UploadID: uploadID, PartNumber: partNumber}
	if err := c.postJSON(ctx, "presign_chunk", request, &response, true); err != nil {
		return "", &PresignError{Key: key, PartNumber: partNumber, Err: err}
	}

	return response.PresignedURL, nil
}

// CompleteUpload finalizes a multipart session. Parts must be sorted
// ascending by part number and cover every part exactly once.
func (c *Client) CompleteUpload(ctx context.Context, key, uploadID string, parts []Part) (ObjectMetadata, error) {
	var response ObjectMetadata
	request := completeUploadRequest{Key: key, UploadID: uploadID, Parts: parts}
	if err := c.postJSON(ctx, "complete_upload", request, &response, false); err != nil {
		return ObjectMetadata{}, &CompletionError{Key: key, UploadID: uploadID, Err: err}
	}

	c.logger.Debugf("Completed multipart upload %s for %s (%d parts)", uploadID, key, len(parts))
	return response, nil
}

// PresignUpload issues a presigned URL for a single-PUT upload of the whole
// object, used for files below the multipart threshold.
func (c *Client) PresignUpload(ctx context.Context, key, contentType string) (string, error) {
	var response presignResponse
	request := presignUploadRequest{Key: key, ContentType: contentType}
	if err := c.postJSON(ctx, "presign_upload", request, &response, true); err != nil {
		return "", &PresignError{Key: key, Err: err}
	}

	return response.PresignedURL, nil
}

// PresignDownload issues a presigned GET URL for an object.
func (c *Client) PresignDownload(ctx context.Context, key string) (string, error) {
	var response presignResponse
	if err := c.postJSON(ctx, "presign_download", presignDownloadRequest{Key: key}, &response, true); err != nil {
		return "", &PresignError{Key: key, Err: err}
	}

	return response.PresignedURL, nil
}

func (c *Client) postJSON(ctx context.Context, route string, requestBody, responseBody interface{}, retryable bool) error {
	url := fmt.Sprintf("%s/files/%s", c.baseURL, route)

	body, err := json.Marshal(requestBody)
	if err != nil {
		return err
	}

	var resp *http.Response
	if retryable {
		req, err := retryablehttp.NewRequest(http.MethodPost, url, body)
		if err != nil {
			return err
		}
		c.setHeaders(req.Header)
		resp, err = c.httpClient.Do(req.WithContext(ctx))
		if err != nil {
			return err
		}
	} else {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		c.setHeaders(req.Header)
		resp, err = c.httpClient.HTTPClient.Do(req)
		if err != nil {
			return err
		}
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}

	return json.NewDecoder(resp.Body).Decode(responseBody)
}

func (c *Client) setHeaders(header http.Header) {
	header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	header.Set("Content-Type", "application/json")
}
