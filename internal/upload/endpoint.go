package upload

import "context"

// Ack is the remote acknowledgement of a chunk. Offset is the total number
// of bytes the remote now holds for the session.
type Ack struct {
	Offset int64 `json:"offset"`
}

// Endpoint is the remote ingestion side of the protocol. SubmitChunk must be
// idempotent for a repeated (sessionID, offset) pair, because a crash between
// the remote ack and the local save replays the last chunk on resume.
//
// Errors matching apperrors.ErrRemoteRejection fail the session; anything
// else is treated as transient.
type Endpoint interface {
	SubmitChunk(ctx context.Context, sessionID string, offset int64, data []byte) (Ack, error)
	AbortSession(ctx context.Context, sessionID string) error
}

// Finalizer is implemented by endpoints that need an explicit import step
// once every byte has been acknowledged.
type Finalizer interface {
	FinalizeSession(ctx context.Context, s *Session) error
}
