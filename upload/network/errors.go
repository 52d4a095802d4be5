package network

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// The control plane marks storage-quota rejections with this error type in
// its JSON error envelope. Quota failures are surfaced verbatim and never
// retried.
const quotaErrorType = "bucket_usage_limit_exceeded"

// errorEnvelope is the JSON body of non-2xx control-plane responses.
type errorEnvelope struct {
	Error   string `json:"error"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
}

// QuotaError reports that the bucket's usage limit was exceeded. It carries
// the server's message unmodified.
type QuotaError struct {
	Message string
}

func (e *QuotaError) Error() string {
	return e.Message
}

// InitiationError reports that a multipart session could not be created.
// It is not retried; the file fails before any chunking work starts.
type InitiationError struct {
	Key string
	Err error
}

func (e *InitiationError) Error() string {
	return fmt.Sprintf("start upload for %s: %s", e.Key, e.Err)
}

func (e *InitiationError) Unwrap() error {
	return e.Err
}

// PresignError reports that the control plane refused or failed to issue a
// presigned URL. Part presigns are retried by the scheduler; single-object
// presign failures are surfaced directly. PartNumber is 0 for the
// single-object and download presign calls.
type PresignError struct {
	Key        string
	PartNumber int32
	Err        error
}

func (e *PresignError) Error() string {
	if e.PartNumber > 0 {
		return fmt.Sprintf("presign part %d of %s: %s", e.PartNumber, e.Key, e.Err)
	}
	return fmt.Sprintf("presign %s: %s", e.Key, e.Err)
}

func (e *PresignError) Unwrap() error {
	return e.Err
}

// PartUploadError reports a failed PUT to storage: a network failure, a
// non-2xx status, or a 2xx response without an entity tag.
type PartUploadError struct {
	PartNumber int32
	Err        error
}

func (e *PartUploadError) Error() string {
	return fmt.Sprintf("upload part %d: %s", e.PartNumber, e.Err)
}

func (e *PartUploadError) Unwrap() error {
	return e.Err
}

// CompletionError reports that the final assembly call failed after every
// part was transferred. It is terminal: a second completion call with the
// same upload ID may be rejected by the storage backend.
type CompletionError struct {
	Key      string
	UploadID string
	Err      error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("complete upload %s for %s: %s", e.UploadID, e.Key, e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

// unwrapError converts a non-2xx control-plane response into an error,
// recognizing the quota envelope.
func unwrapError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("HTTP %d: read error body: %w", resp.StatusCode, err)
	}

	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Type == quotaErrorType {
		message := envelope.Message
		if message == "" {
			message = envelope.Error
		}
		return &QuotaError{Message: message}
	}

	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
}
