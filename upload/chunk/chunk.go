// Package chunk plans the byte ranges of a multipart upload.
package chunk

// DefaultSize is the fixed chunk size used for multipart uploads.
// Files at or below this size take the single-PUT path instead.
const DefaultSize int64 = 10 * 1024 * 1024

// Chunk is one byte range of a file, identified by its 1-based part number.
type Chunk struct {
	PartNumber int32
	Offset     int64
	Length     int64
}

// Plan splits a file of fileSize bytes into contiguous chunks of chunkSize
// bytes, the last one truncated to the remainder. Part numbers are assigned
// by ascending byte offset, starting at 1. A zero-byte file still yields a
// single empty chunk so that a forced multipart upload has at least one part.
func Plan(fileSize, chunkSize int64) []Chunk {
	count := (fileSize + chunkSize - 1) / chunkSize
	if count == 0 {
		count = 1
	}

	chunks := make([]Chunk, 0, count)
	for i := int64(0); i < count; i++ {
		offset := i * chunkSize
		length := chunkSize
		if offset+length > fileSize {
			length = fileSize - offset
		}
		chunks = append(chunks, Chunk{
			PartNumber: int32(i + 1),
			Offset:     offset,
			Length:     length,
		})
	}

	return chunks
}
