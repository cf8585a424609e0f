package proto

import (
	"encoding/json"
	"time"
)

type GetJobRequest struct {
	JobID string `json:"jobId"`
}

// Job mirrors the REST job view.
type Job struct {
	JobID        string          `json:"jobId"`
	Status       string          `json:"status"`
	FileName     string          `json:"fileName"`
	FileHash     string          `json:"fileHash"`
	FileSize     int64           `json:"fileSize"`
	RetryCount   int             `json:"retryCount"`
	CreatedAt    time.Time       `json:"createdAt"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

type GetUploadStatusRequest struct {
	SessionID string `json:"sessionId"`
}

type UploadStatus struct {
	SessionID      string    `json:"sessionId"`
	FileName       string    `json:"fileName"`
	UploadedChunks int       `json:"uploadedChunks"`
	TotalChunks    int       `json:"totalChunks"`
	Progress       float64   `json:"progress"`
	MissingChunks  []int     `json:"missingChunks"`
	Completed      bool      `json:"completed"`
	JobID          string    `json:"jobId,omitempty"`
	ExpiresAt      time.Time `json:"expiresAt"`
}
