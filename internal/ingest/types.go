// Package ingest defines the wire types of the chunked upload API served by
// contentd and the Kafka events published when an upload ends.
package ingest

import "time"

// Event types published on the upload events topic.
const (
	EventCompleted = "upload.completed"
	EventAborted   = "upload.aborted"
)

// ChunkResponse acknowledges a chunk. Offset is the number of bytes the
// server holds for the upload after the chunk.
type ChunkResponse struct {
	UploadID  string `json:"upload_id"`
	Offset    int64  `json:"offset"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// FinalizeRequest is the JSON body of POST /api/v1/uploads/{id}/finalize.
type FinalizeRequest struct {
	Size     int64             `json:"size"`
	RepoID   string            `json:"repo_id,omitempty"`
	UnitType string            `json:"unit_type"`
	UnitKey  map[string]string `json:"unit_key"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// FinalizeResponse reports the unit the upload was imported as.
type FinalizeResponse struct {
	UploadID string `json:"upload_id"`
	UnitID   string `json:"unit_id"`
	Size     int64  `json:"size"`
}

// StatusResponse is returned by GET /api/v1/uploads/{id}.
type StatusResponse struct {
	UploadID string `json:"upload_id"`
	Offset   int64  `json:"offset"`
	State    string `json:"state"`
}

// Upload states reported in StatusResponse.
const (
	StatePartial  = "partial"
	StateComplete = "complete"
)

// UploadEvent is the Kafka payload for upload lifecycle events.
type UploadEvent struct {
	Type     string    `json:"type"`
	UploadID string    `json:"upload_id"`
	UnitID   string    `json:"unit_id,omitempty"`
	UnitType string    `json:"unit_type,omitempty"`
	RepoID   string    `json:"repo_id,omitempty"`
	Size     int64     `json:"size"`
	Location string    `json:"location,omitempty"`
	At       time.Time `json:"at"`
}
