package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"maps"
	"path/filepath"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/content"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/upload"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/upload/httpendpoint"
	apperrors "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/resilience"
	"golang.org/x/sync/errgroup"
)

// uploader bundles a ready Manager with the endpoint behind it.
type uploader struct {
	*upload.Manager
	endpoint *httpendpoint.Client
	retry    resilience.RetryConfig
	close    func()
	mu       sync.Mutex
	a        *app
}

func (a *app) uploader(ctx context.Context) (*uploader, error) {
	ep, err := httpendpoint.New(a.cfg.Remote, a.metrics)
	if err != nil {
		return nil, err
	}
	dir, err := a.cfg.UploadWorkingDir()
	if err != nil {
		return nil, err
	}
	opts := []upload.Option{
		upload.WithContentKind(a.cfg.Upload.ContentKind),
		upload.WithMetrics(a.metrics),
	}
	closeFn := func() {}
	if a.cfg.Upload.Store == "redis" {
		rc, err := redis.NewClient(a.cfg.Redis)
		if err != nil {
			return nil, apperrors.Configf("upload.store is redis but %v", err)
		}
		opts = append(opts, upload.WithStore(upload.NewRedisStore(rc, a.cfg.Redis.KeyPrefix, a.cfg.Upload.ContentKind)))
		closeFn = func() { rc.Close() }
	}
	m := upload.NewManager(dir, ep, a.cfg.Upload.ChunkSize, opts...)
	if err := m.Initialize(ctx); err != nil {
		closeFn()
		return nil, err
	}
	return &uploader{
		Manager:  m,
		endpoint: ep,
		retry: resilience.RetryConfig{
			MaxAttempts:  a.cfg.Remote.RetryAttempts,
			InitialDelay: a.cfg.Remote.RetryInitialDelay,
		},
		close: closeFn,
		a:     a,
	}, nil
}

func (u *uploader) printf(format string, args ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintf(u.a.out, format, args...)
}

// drive uploads chunks until the session completes. Transient failures are
// retried with backoff; when retries run out the session stays resumable.
func (u *uploader) drive(ctx context.Context, id string, quiet bool) (*upload.Session, error) {
	for {
		var s *upload.Session
		err := resilience.Retry(ctx, "upload-chunk", u.retry, func() error {
			var err error
			s, err = u.UploadNextChunk(ctx, id)
			return err
		})
		if err != nil || s.Status == upload.StatusCompleted {
			return u.finish(id, s, err)
		}
		if !quiet {
			u.progress(s)
		}
	}
}

// resume continues a stored session through Manager.Resume, which picks up
// at the first unacknowledged chunk. A transient failure is retried by
// resuming again.
func (u *uploader) resume(ctx context.Context, id string, quiet bool) (*upload.Session, error) {
	var s *upload.Session
	err := resilience.Retry(ctx, "upload-resume", u.retry, func() error {
		var err error
		s, err = u.Resume(ctx, id, func(s *upload.Session) {
			if !quiet && s.Status != upload.StatusCompleted {
				u.progress(s)
			}
		})
		return err
	})
	return u.finish(id, s, err)
}

// label names a session by its file, or by its unit when it has none.
func label(s *upload.Session) string {
	if s.SourcePath == "" {
		return fmt.Sprintf("%s %v", s.UnitType, s.UnitKey)
	}
	return filepath.Base(s.SourcePath)
}

func (u *uploader) progress(s *upload.Session) {
	u.printf("%s  %5.1f%%  chunk %d/%d\n", s.ID, s.Progress()*100, s.NextChunk(), s.TotalChunks())
}

func (u *uploader) finish(id string, s *upload.Session, err error) (*upload.Session, error) {
	if err != nil {
		if s != nil && s.Status.Active() {
			return s, fmt.Errorf("%w (resume with: rpmctl resume %s)", err, id)
		}
		return s, err
	}
	u.printf("%s  completed  %s (%d bytes)\n", id, label(s), s.Size)
	return s, nil
}

// each runs fn for every item with the configured parallelism and joins the
// failures, so one bad file does not stop the others.
func (u *uploader) each(ctx context.Context, items []string, fn func(ctx context.Context, item string) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(max(u.a.cfg.Upload.Parallelism, 1))
	for _, item := range items {
		g.Go(func() error {
			if err := fn(ctx, item); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", item, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func runUpload(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	repo := fs.String("repo", "", "repository to import the uploaded units into")
	unitType := fs.String("type", string(content.TypeRPM), "unit type of the uploaded files")
	chunkSize := fs.Int("chunk-size", 0, "chunk size in bytes (default from config)")
	quiet := fs.Bool("q", false, "only report completed uploads")
	var keyPairs, metaPairs pairList
	fs.Var(&keyPairs, "key", "unit key field as key=value, overriding what the file name gives (repeatable)")
	fs.Var(&metaPairs, "meta", "unit metadata as key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	t, err := content.ParseUnitType(*unitType)
	if err != nil {
		return err
	}
	if fs.NArg() == 0 && t.CarriesFile() {
		return apperrors.New(apperrors.ErrInvalidInput, 0, "no files given")
	}
	explicit, err := content.ParseFilters(keyPairs)
	if err != nil {
		return err
	}
	metadata, err := content.ParseFilters(metaPairs)
	if err != nil {
		return err
	}

	u, err := a.uploader(ctx)
	if err != nil {
		return err
	}
	defer u.close()
	size := *chunkSize
	if size <= 0 {
		size = u.ChunkSize()
	}

	if fs.NArg() == 0 {
		if err := t.ValidateKey(explicit); err != nil {
			return err
		}
		s, err := u.StartUnit(ctx,
			upload.WithRepo(*repo),
			upload.WithUnit(string(t), explicit),
			upload.WithMetadata(metadata),
		)
		if err != nil {
			return err
		}
		_, err = u.drive(ctx, s.ID, *quiet)
		return err
	}

	return u.each(ctx, fs.Args(), func(ctx context.Context, path string) error {
		key, err := unitKey(t, path, explicit)
		if err != nil {
			return err
		}
		s, err := u.Start(ctx, path, size,
			upload.WithRepo(*repo),
			upload.WithUnit(string(t), key),
			upload.WithMetadata(metadata),
		)
		if err != nil {
			return err
		}
		if !*quiet {
			u.printf("%s  started    %s (%d bytes, %d chunks)\n", s.ID, filepath.Base(path), s.Size, s.TotalChunks())
		}
		_, err = u.drive(ctx, s.ID, *quiet)
		return err
	})
}

// unitKey derives the key from the file name where the type allows it and
// lays explicit fields over it.
func unitKey(t content.UnitType, path string, explicit map[string]string) (map[string]string, error) {
	key, err := content.KeyFromFilename(t, path)
	if err != nil {
		if len(explicit) == 0 {
			return nil, err
		}
		key = make(map[string]string, len(explicit))
	}
	maps.Copy(key, explicit)
	if err := t.ValidateKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

func runResume(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	all := fs.Bool("all", false, "resume every upload that can still make progress")
	quiet := fs.Bool("q", false, "only report completed uploads")
	if err := fs.Parse(args); err != nil {
		return err
	}
	u, err := a.uploader(ctx)
	if err != nil {
		return err
	}
	defer u.close()

	ids := fs.Args()
	if *all {
		sessions, err := u.List(ctx)
		if err != nil {
			return err
		}
		for _, s := range sessions {
			ids = append(ids, s.ID)
		}
	}
	if len(ids) == 0 {
		return apperrors.New(apperrors.ErrInvalidInput, 0, "no uploads to resume")
	}
	return u.each(ctx, ids, func(ctx context.Context, id string) error {
		if !*quiet {
			s, err := u.Get(ctx, id)
			if err != nil {
				return err
			}
			u.printf("%s  resumed    %s at %d/%d bytes\n", id, label(s), s.Offset, s.Size)
		}
		_, err := u.resume(ctx, id, *quiet)
		return err
	})
}

func runCancel(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return apperrors.New(apperrors.ErrInvalidInput, 0, "no upload ids given")
	}
	u, err := a.uploader(ctx)
	if err != nil {
		return err
	}
	defer u.close()

	var errs []error
	for _, id := range fs.Args() {
		if _, err := u.Cancel(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		u.printf("%s  cancelled\n", id)
	}
	return errors.Join(errs...)
}

func runList(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	u, err := a.uploader(ctx)
	if err != nil {
		return err
	}
	defer u.close()

	sessions, err := u.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tSIZE\tUPDATED\tSOURCE")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%.1f%%\t%d\t%s\t%s\n",
			s.ID, s.Status, s.Progress()*100, s.Size, s.UpdatedAt.Local().Format(time.DateTime), s.SourcePath)
	}
	return tw.Flush()
}

func runStatus(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return apperrors.New(apperrors.ErrInvalidInput, 0, "status takes exactly one upload id")
	}
	id := fs.Arg(0)
	u, err := a.uploader(ctx)
	if err != nil {
		return err
	}
	defer u.close()

	s, err := u.Get(ctx, id)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id:\t%s\n", s.ID)
	fmt.Fprintf(tw, "source:\t%s\n", s.SourcePath)
	fmt.Fprintf(tw, "status:\t%s\n", s.Status)
	if s.FailureReason != "" {
		fmt.Fprintf(tw, "failure:\t%s\n", s.FailureReason)
	}
	fmt.Fprintf(tw, "acknowledged:\t%d of %d bytes (chunk %d of %d)\n", s.Offset, s.Size, s.NextChunk(), s.TotalChunks())
	fmt.Fprintf(tw, "unit:\t%s %v\n", s.UnitType, s.UnitKey)
	if s.RepoID != "" {
		fmt.Fprintf(tw, "repository:\t%s\n", s.RepoID)
	}
	remote, err := u.endpoint.Status(ctx, id)
	switch {
	case err == nil:
		fmt.Fprintf(tw, "server:\t%s, %d bytes held\n", remote.State, remote.Offset)
	case errors.Is(err, apperrors.ErrRemoteRejection):
		fmt.Fprintf(tw, "server:\tno data yet\n")
	default:
		fmt.Fprintf(tw, "server:\tunreachable (%v)\n", err)
	}
	fmt.Fprintf(tw, "circuit:\t%s\n", u.endpoint.BreakerState())
	return tw.Flush()
}
