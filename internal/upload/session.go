// Package upload coordinates chunked uploads of local files to a remote
// ingestion endpoint. Each upload is a Session whose progress is persisted in
// a per-content-kind working directory, so an interrupted upload can be
// resumed by a later process from its last acknowledged offset.
package upload

import (
	"maps"
	"time"
)

// recordVersion is the persisted Session format version.
const recordVersion = 1

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusCreated   Status = "created"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Active reports whether the session may still make progress.
func (s Status) Active() bool {
	return s == StatusCreated || s == StatusUploading
}

// Terminal reports whether the session has reached an end state.
func (s Status) Terminal() bool {
	return !s.Active()
}

// Session is one in-progress transfer of a single local file. Offset is the
// number of bytes the remote side has acknowledged; it only moves forward.
type Session struct {
	Version       int               `json:"version"`
	ID            string            `json:"id"`
	SourcePath    string            `json:"source_path"`
	ChunkSize     int               `json:"chunk_size"`
	Offset        int64             `json:"offset"`
	Size          int64             `json:"size"`
	SourceModTime time.Time         `json:"source_mod_time"`
	Status        Status            `json:"status"`
	FailureReason string            `json:"failure_reason,omitempty"`
	ContentKind   string            `json:"content_kind"`
	RepoID        string            `json:"repo_id,omitempty"`
	UnitType      string            `json:"unit_type,omitempty"`
	UnitKey       map[string]string `json:"unit_key,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// NextChunk returns the index of the first unacknowledged chunk.
func (s *Session) NextChunk() int64 {
	return s.Offset / int64(s.ChunkSize)
}

// TotalChunks returns how many chunk submissions the whole file takes.
func (s *Session) TotalChunks() int64 {
	cs := int64(s.ChunkSize)
	return (s.Size + cs - 1) / cs
}

// Remaining returns the number of bytes not yet acknowledged.
func (s *Session) Remaining() int64 {
	return s.Size - s.Offset
}

// Progress returns the acknowledged fraction in [0, 1].
func (s *Session) Progress() float64 {
	if s.Size == 0 {
		if s.Status == StatusCompleted {
			return 1
		}
		return 0
	}
	return float64(s.Offset) / float64(s.Size)
}

func (s *Session) clone() *Session {
	c := *s
	c.UnitKey = maps.Clone(s.UnitKey)
	c.Metadata = maps.Clone(s.Metadata)
	return &c
}

// StartOption sets optional attributes on a new Session.
type StartOption func(*Session)

// WithRepo names the repository the uploaded unit is imported into.
func WithRepo(repoID string) StartOption {
	return func(s *Session) { s.RepoID = repoID }
}

// WithUnit sets the unit type and unit key the server imports the file as.
func WithUnit(unitType string, key map[string]string) StartOption {
	return func(s *Session) {
		s.UnitType = unitType
		s.UnitKey = maps.Clone(key)
	}
}

// WithMetadata attaches free-form unit metadata.
func WithMetadata(md map[string]string) StartOption {
	return func(s *Session) { s.Metadata = maps.Clone(md) }
}
