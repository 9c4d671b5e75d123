// Package service implements the content service: searching the units of a
// repository, changing repository associations and importing finished
// uploads as units. PostgresService is the server side; RPCClient reaches it
// over pkg/grpc.
package service

import (
	"context"

	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/content"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/proto"
)

// Service is the content service contract shared by the Postgres
// implementation and the RPC client.
type Service interface {
	content.Searcher
	// RemoveUnits disassociates ids from repoID and returns how many
	// associations existed.
	RemoveUnits(ctx context.Context, repoID string, ids []string) (int, error)
	// CopyUnits associates the given units of srcRepo with dstRepo and
	// returns how many associations are new.
	CopyUnits(ctx context.Context, srcRepo, dstRepo string, ids []string) (int, error)
	// AddUnits creates units that do not exist yet and associates all of
	// them with repoID.
	AddUnits(ctx context.Context, repoID string, units []content.Unit) (int, error)
	// ImportUpload creates the unit for a completed upload. Repeating the
	// call for the same upload returns the unit created the first time.
	ImportUpload(ctx context.Context, req proto.ImportUploadRequest) (content.Unit, error)
}
