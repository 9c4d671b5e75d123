// Package publisher completes and aborts uploads: it finalizes the stored
// file, imports it through the content service and publishes lifecycle
// events to Kafka for downstream consumers.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/content"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/ingest"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/ingest/store"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/proto"
)

// Importer turns a finalized upload into a unit.
type Importer interface {
	ImportUpload(ctx context.Context, req proto.ImportUploadRequest) (content.Unit, error)
}

// Publisher coordinates the upload store, the content service and the
// event producer.
type Publisher struct {
	store    *store.Store
	importer Importer
	events   kafka.Publisher
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Publisher. events may be nil, in which case nothing is
// published.
func New(st *store.Store, importer Importer, events kafka.Publisher) *Publisher {
	return &Publisher{
		store:    st,
		importer: importer,
		events:   events,
		logger:   slog.Default().With("component", "publisher"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Finalize checks that every byte arrived, imports the upload and publishes
// upload.completed. Each step is idempotent, so a client retrying after a
// lost response gets the same unit back.
func (p *Publisher) Finalize(ctx context.Context, id string, req *ingest.FinalizeRequest) (*ingest.FinalizeResponse, error) {
	path, err := p.store.Finalize(ctx, id, req.Size)
	if err != nil {
		return nil, err
	}
	unit, err := p.importer.ImportUpload(ctx, proto.ImportUploadRequest{
		UploadID: id,
		RepoID:   req.RepoID,
		UnitType: content.UnitType(req.UnitType),
		UnitKey:  req.UnitKey,
		Metadata: req.Metadata,
		Location: path,
		Size:     req.Size,
	})
	if err != nil {
		return nil, fmt.Errorf("importing upload %s: %w", id, err)
	}

	p.publish(ctx, ingest.UploadEvent{
		Type:     ingest.EventCompleted,
		UploadID: id,
		UnitID:   unit.ID,
		UnitType: req.UnitType,
		RepoID:   req.RepoID,
		Size:     req.Size,
		Location: path,
		At:       p.now(),
	})
	return &ingest.FinalizeResponse{UploadID: id, UnitID: unit.ID, Size: req.Size}, nil
}

// Abort discards a partial upload and publishes upload.aborted.
func (p *Publisher) Abort(ctx context.Context, id string) error {
	info, err := p.store.Status(ctx, id)
	if err != nil {
		return err
	}
	if err := p.store.Abort(ctx, id); err != nil {
		return err
	}
	p.publish(ctx, ingest.UploadEvent{
		Type:     ingest.EventAborted,
		UploadID: id,
		Size:     info.Offset,
		At:       p.now(),
	})
	return nil
}

// publish logs rather than fails: the upload itself already succeeded.
func (p *Publisher) publish(ctx context.Context, ev ingest.UploadEvent) {
	if p.events == nil {
		return
	}
	if err := p.events.Publish(ctx, kafka.Event{Key: ev.UploadID, Type: ev.Type, Value: ev}); err != nil {
		p.logger.Error("failed to publish upload event",
			"type", ev.Type,
			"upload_id", ev.UploadID,
			"error", err,
		)
	}
}
