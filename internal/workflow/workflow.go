// Package workflow runs bulk content operations page by page. Each page is
// handed to the content service as one request; the first failing page stops
// the run and nothing is retried.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/content"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/content/service"
	apperrors "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/paginate"
)

// Result summarises a run. Pages and Records count fully handled pages only;
// Changed is what the service reported for them.
type Result struct {
	Pages   int `json:"pages"`
	Records int `json:"records"`
	Changed int `json:"changed"`
}

// Runner drives workflows against a content service.
type Runner struct {
	svc      service.Service
	pageSize int
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Runner. mt may be nil.
func New(svc service.Service, pageSize int, mt *metrics.Metrics) (*Runner, error) {
	if pageSize <= 0 {
		return nil, apperrors.Configf("page size must be positive, got %d", pageSize)
	}
	if svc == nil {
		return nil, apperrors.Configf("workflow runner requires a content service")
	}
	return &Runner{
		svc:      svc,
		pageSize: pageSize,
		metrics:  mt,
		logger:   slog.Default().With("component", "workflow"),
	}, nil
}

// Remove disassociates every unit matching c from c.RepoID.
func (r *Runner) Remove(ctx context.Context, c content.Criteria) (Result, error) {
	return r.run(ctx, "remove", c, func(page []content.Unit) (int, error) {
		return r.svc.RemoveUnits(ctx, c.RepoID, content.IDs(page))
	})
}

// Copy associates every unit matching c with destRepo.
func (r *Runner) Copy(ctx context.Context, c content.Criteria, destRepo string) (Result, error) {
	if destRepo == "" {
		return Result{}, apperrors.New(apperrors.ErrInvalidInput, 0, "copy requires a destination repository")
	}
	if destRepo == c.RepoID {
		return Result{}, apperrors.Newf(apperrors.ErrInvalidInput, 0, "cannot copy %s onto itself", destRepo)
	}
	return r.run(ctx, "copy", c, func(page []content.Unit) (int, error) {
		return r.svc.CopyUnits(ctx, c.RepoID, destRepo, content.IDs(page))
	})
}

// Search hands every page of units matching c to fn.
func (r *Runner) Search(ctx context.Context, c content.Criteria, fn func(page []content.Unit) error) (Result, error) {
	return r.run(ctx, "search", c, func(page []content.Unit) (int, error) {
		return 0, fn(page)
	})
}

// Export writes every unit matching c to w as JSON lines. Each page is
// encoded in full before it is written, so w never holds part of a page.
func (r *Runner) Export(ctx context.Context, c content.Criteria, w io.Writer) (Result, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	return r.run(ctx, "export", c, func(page []content.Unit) (int, error) {
		buf.Reset()
		for _, u := range page {
			if err := enc.Encode(u); err != nil {
				return 0, fmt.Errorf("encoding unit %s: %w", u.ID, err)
			}
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			return 0, fmt.Errorf("writing export: %w", err)
		}
		return len(page), nil
	})
}

// Import adds the units src yields to repoID. commit, if set, runs after
// each stored page, so a crash replays at most the page in flight.
func (r *Runner) Import(ctx context.Context, src paginate.Source[content.Unit], repoID string, commit func(ctx context.Context) error) (Result, error) {
	if repoID == "" {
		return Result{}, apperrors.New(apperrors.ErrInvalidInput, 0, "import requires a repository")
	}
	return r.walk(ctx, "import", src, func(page []content.Unit) (int, error) {
		n, err := r.svc.AddUnits(ctx, repoID, page)
		if err != nil {
			return 0, err
		}
		if commit != nil {
			if err := commit(ctx); err != nil {
				return n, fmt.Errorf("committing feed offsets: %w", err)
			}
		}
		return n, nil
	})
}

func (r *Runner) run(ctx context.Context, name string, c content.Criteria, action func([]content.Unit) (int, error)) (Result, error) {
	src, err := content.NewSearchSource(r.svc, c, r.pageSize)
	if err != nil {
		return Result{}, err
	}
	return r.walk(ctx, name, src, action)
}

func (r *Runner) walk(ctx context.Context, name string, src paginate.Source[content.Unit], action func([]content.Unit) (int, error)) (Result, error) {
	log := r.logger.With("workflow", name)
	var res Result
	err := paginate.Paginate(ctx, src, r.pageSize, func(page []content.Unit) error {
		n, err := action(page)
		r.metrics.ObservePage(name, len(page), err)
		if err != nil {
			return fmt.Errorf("%s page %d: %w", name, res.Pages+1, err)
		}
		res.Pages++
		res.Records += len(page)
		res.Changed += n
		log.Debug("page processed", "page", res.Pages, "records", len(page), "changed", n)
		return nil
	})
	if err != nil {
		log.Error("workflow stopped", "pages", res.Pages, "records", res.Records, "error", err)
		return res, err
	}
	log.Info("workflow finished", "pages", res.Pages, "records", res.Records, "changed", res.Changed)
	return res, nil
}
