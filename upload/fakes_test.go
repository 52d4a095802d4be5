package upload

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// fakeBackend is an httptest-backed control plane plus storage provider.
// The control plane endpoints issue presigned URLs pointing at the storage
// half, which accepts PUTs and hands out etags, so the full privacy split
// (metadata vs bytes) is exercised.
type fakeBackend struct {
	controlPlane *httptest.Server
	storage      *httptest.Server

	mu              sync.Mutex
	startCalls      []string // keys
	presignChunk    int
	presignUpload   int
	completeCalls   int
	completedParts  map[string][]partPayload // key -> parts
	objects         map[string][]byte        // storage path -> bytes
	failPartPath    string                   // storage path suffix that always 500s
	quotaOnStart    bool
	uploadIDCounter int
}

type partPayload struct {
	PartNumber int32  `json:"part_number"`
	ETag       string `json:"etag"`
}

func newFakeBackend() *fakeBackend {
	b := &fakeBackend{
		completedParts: map[string][]partPayload{},
		objects:        map[string][]byte{},
	}

	b.storage = httptest.NewServer(http.HandlerFunc(b.handleStorage))
	b.controlPlane = httptest.NewServer(http.HandlerFunc(b.handleControlPlane))
	return b
}

func (b *fakeBackend) Close() {
	b.controlPlane.Close()
	b.storage.Close()
}

func (b *fakeBackend) handleControlPlane(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&body)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch r.URL.Path {
	case "/files/start_upload":
		key, _ := body["key"].(string)
		if b.quotaOnStart {
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "quota exceeded",
				"type":  "bucket_usage_limit_exceeded",
			})
			return
		}
		b.startCalls = append(b.startCalls, key)
		b.uploadIDCounter++
		_ = json.NewEncoder(w).Encode(map[string]string{
			"upload_id": fmt.Sprintf("upload-%d", b.uploadIDCounter),
			"key":       key,
		})

	case "/files/presign_chunk":
		b.presignChunk++
		key, _ := body["key"].(string)
		part := int32(body["part_number"].(float64))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"presigned_url": fmt.Sprintf("%s/%s/part-%d", b.storage.URL, key, part),
		})

	case "/files/presign_upload":
		b.presignUpload++
		key, _ := body["key"].(string)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"presigned_url": fmt.Sprintf("%s/%s/whole", b.storage.URL, key),
		})

	case "/files/complete_upload":
		b.completeCalls++
		key, _ := body["key"].(string)
		raw, _ := json.Marshal(body["parts"])
		var parts []partPayload
		_ = json.Unmarshal(raw, &parts)
		b.completedParts[key] = parts
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"key": key, "etag": "assembled", "size": 0,
		})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (b *fakeBackend) handleStorage(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)

	b.mu.Lock()
	failPath := b.failPartPath
	b.mu.Unlock()

	if failPath != "" && strings.HasSuffix(r.URL.Path, failPath) {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	b.mu.Lock()
	b.objects[r.URL.Path] = data
	b.mu.Unlock()

	w.Header().Set("ETag", fmt.Sprintf(`"etag%s"`, strings.ReplaceAll(r.URL.Path, "/", "-")))
	w.WriteHeader(http.StatusOK)
}

func (b *fakeBackend) startCallsFor(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, k := range b.startCalls {
		if k == key {
			count++
		}
	}
	return count
}

func (b *fakeBackend) partsFor(key string) []partPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completedParts[key]
}

func (b *fakeBackend) objectBytes(path string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.objects[path]
}

func (b *fakeBackend) presignChunkCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.presignChunk
}
