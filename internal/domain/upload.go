package domain

import "time"

// UploadStatus represents the state of a resumable upload session
type UploadStatus string

const (
	UploadUploading UploadStatus = "UPLOADING"
	UploadCompleted UploadStatus = "COMPLETED"
	UploadFailed    UploadStatus = "FAILED"
	UploadCancelled UploadStatus = "CANCELLED"
)

// UploadSession represents one resumable chunked upload
type UploadSession struct {
	UploadID    string       `json:"upload_id"`
	FileName    string       `json:"file_name"`
	FileHash    string       `json:"file_hash"`
	TotalChunks int          `json:"total_chunks"`
	TotalSize   int64        `json:"total_size"`
	OwnerID     string       `json:"owner_id,omitempty"`
	Status      UploadStatus `json:"status"`
	FileRef     string       `json:"file_ref,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

// Chunk is one received piece of an upload, keyed by (UploadID, Number).
type Chunk struct {
	UploadID   string    `json:"upload_id"`
	Number     int       `json:"number"`
	Hash       string    `json:"hash"`
	Size       int64     `json:"size"`
	Ref        string    `json:"ref"`
	ReceivedAt time.Time `json:"received_at"`
}
