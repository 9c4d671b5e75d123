package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/paginate"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Manager drives upload sessions against an Endpoint. Chunks of one session
// are submitted strictly in order under a per-session lock; different
// sessions may be driven concurrently from different goroutines.
//
// The persisted offset is only advanced after the remote acknowledgement, so
// the record is the sole source of truth on resume.
type Manager struct {
	workingDir  string
	contentKind string
	chunkSize   int
	endpoint    Endpoint
	store       Store
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time

	initialized atomic.Bool
	mu          sync.Mutex
	locks       map[string]*sessionLock
	resumes     singleflight.Group
}

// Option customises a Manager.
type Option func(*Manager)

// WithStore replaces the default FileStore rooted at the working directory.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithMetrics records chunk and session metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithContentKind labels sessions with the kind of content they carry.
func WithContentKind(kind string) Option {
	return func(m *Manager) { m.contentKind = kind }
}

// NewManager creates a Manager whose sessions live in workingDir. chunkSize
// is the default used by the CLI; Start takes the size explicitly.
func NewManager(workingDir string, endpoint Endpoint, chunkSize int, opts ...Option) *Manager {
	m := &Manager{
		workingDir: workingDir,
		chunkSize:  chunkSize,
		endpoint:   endpoint,
		logger:     slog.Default().With("component", "upload-manager"),
		now:        func() time.Time { return time.Now().UTC() },
		locks:      make(map[string]*sessionLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = NewFileStore(workingDir)
	}
	return m
}

// ChunkSize returns the configured default chunk size.
func (m *Manager) ChunkSize() int {
	return m.chunkSize
}

// Initialize prepares the working directory. It must succeed before any
// other operation.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.workingDir == "" {
		return apperrors.Configf("upload working directory is not set")
	}
	if m.chunkSize <= 0 {
		return apperrors.Configf("chunk size must be positive, got %d", m.chunkSize)
	}
	if m.endpoint == nil {
		return apperrors.Configf("upload manager requires an ingestion endpoint")
	}
	if err := m.store.Init(ctx); err != nil {
		return err
	}
	m.initialized.Store(true)
	m.logger.Info("upload manager initialized", "working_dir", m.workingDir, "chunk_size", m.chunkSize)
	return nil
}

func (m *Manager) ready() error {
	if !m.initialized.Load() {
		return apperrors.Configf("upload manager used before Initialize")
	}
	return nil
}

// Start registers a new upload of sourcePath and persists its initial
// record. The session is returned in the created state; the first
// UploadNextChunk moves it to uploading.
func (m *Manager) Start(ctx context.Context, sourcePath string, chunkSize int, opts ...StartOption) (*Session, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		return nil, apperrors.Configf("chunk size must be positive, got %d", chunkSize)
	}
	abs, err := filepath.Abs(sourcePath)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, 0, "resolving %s: %v", sourcePath, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, 0, "source file %s: %v", abs, err)
	}
	if !info.Mode().IsRegular() {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, 0, "source %s is not a regular file", abs)
	}

	return m.create(ctx, &Session{
		SourcePath:    abs,
		ChunkSize:     chunkSize,
		Size:          info.Size(),
		SourceModTime: info.ModTime().UTC(),
	}, opts)
}

// StartUnit registers an upload that carries a unit key and metadata but no
// file, such as an erratum or a package group. The remote receives no chunk;
// the first UploadNextChunk finalizes it.
func (m *Manager) StartUnit(ctx context.Context, opts ...StartOption) (*Session, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	return m.create(ctx, &Session{ChunkSize: m.chunkSize}, opts)
}

func (m *Manager) create(ctx context.Context, s *Session, opts []StartOption) (*Session, error) {
	now := m.now()
	s.Version = recordVersion
	s.ID = uuid.NewString()
	s.Status = StatusCreated
	s.ContentKind = m.contentKind
	s.CreatedAt = now
	s.UpdatedAt = now
	for _, opt := range opts {
		opt(s)
	}
	if s.SourcePath == "" && s.UnitType == "" {
		return nil, apperrors.New(apperrors.ErrInvalidInput, 0, "an upload without a file needs a unit type")
	}
	if err := m.store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("persisting new session: %w", err)
	}
	m.metrics.SessionTransition(string(StatusCreated), false)
	logger.FromContext(logger.WithSessionID(ctx, s.ID)).Info("upload session created",
		"source", s.SourcePath,
		"size", s.Size,
		"chunk_size", s.ChunkSize,
		"chunks", s.TotalChunks(),
		"unit_type", s.UnitType,
	)
	return s.clone(), nil
}

// UploadNextChunk submits the first unacknowledged chunk of the session and
// persists the new offset once the remote acknowledges it. When every byte is
// acknowledged the session is finalized, its record removed, and the
// returned session is completed.
//
// A transient failure leaves the record untouched so the same chunk is sent
// again on the next call. A rejection marks the session failed.
func (m *Manager) UploadNextChunk(ctx context.Context, id string) (*Session, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	unlock := m.lock(id)
	defer unlock()

	s, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.checkActive(ctx, s); err != nil {
		return s.clone(), err
	}
	if s.Offset >= s.Size {
		return m.complete(ctx, s)
	}

	chunk, err := m.readChunk(ctx, s)
	if errors.Is(err, paginate.Done) {
		return m.complete(ctx, s)
	}
	if err != nil {
		return s.clone(), err
	}

	if s.Status == StatusCreated {
		s.Status = StatusUploading
		s.UpdatedAt = m.now()
		if err := m.store.Save(ctx, s); err != nil {
			return s.clone(), fmt.Errorf("persisting session %s: %w", s.ID, err)
		}
		m.metrics.SessionTransition(string(StatusUploading), false)
	}

	log := logger.FromContext(logger.WithSessionID(ctx, s.ID))
	started := time.Now()
	ack, err := m.endpoint.SubmitChunk(ctx, s.ID, s.Offset, chunk)
	elapsed := time.Since(started).Seconds()
	if err != nil {
		if errors.Is(err, apperrors.ErrRemoteRejection) {
			m.metrics.ObserveChunk("rejected", len(chunk), elapsed)
			return m.fail(ctx, s, err)
		}
		m.metrics.ObserveChunk("transient", len(chunk), elapsed)
		log.Warn("chunk submission failed, session kept for retry", "offset", s.Offset, "error", err)
		if !errors.Is(err, apperrors.ErrTransientTransport) {
			err = fmt.Errorf("%w: %w", apperrors.ErrTransientTransport, err)
		}
		return s.clone(), fmt.Errorf("submitting chunk %d of session %s: %w", s.NextChunk(), s.ID, err)
	}
	if want := s.Offset + int64(len(chunk)); ack.Offset != want {
		m.metrics.ObserveChunk("rejected", len(chunk), elapsed)
		return m.fail(ctx, s, apperrors.Newf(apperrors.ErrRemoteRejection, 0,
			"remote acknowledged offset %d, expected %d", ack.Offset, want))
	}
	m.metrics.ObserveChunk("acked", len(chunk), elapsed)

	s.Offset = ack.Offset
	s.UpdatedAt = m.now()
	if err := m.store.Save(ctx, s); err != nil {
		// The remote holds the chunk; it is resent and deduplicated on resume.
		return s.clone(), fmt.Errorf("persisting offset %d for session %s: %w", s.Offset, s.ID, err)
	}
	log.Debug("chunk acknowledged", "offset", s.Offset, "size", s.Size)

	if s.Offset >= s.Size {
		return m.complete(ctx, s)
	}
	return s.clone(), nil
}

// UploadAll calls UploadNextChunk until the session completes or an error
// occurs. progress, if set, sees the session after every acknowledged chunk.
func (m *Manager) UploadAll(ctx context.Context, id string, progress func(*Session)) (*Session, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := m.UploadNextChunk(ctx, id)
		if err != nil {
			return s, err
		}
		if progress != nil {
			progress(s)
		}
		if s.Status == StatusCompleted {
			return s, nil
		}
	}
}

// Resume reloads a persisted session, for instance after the process that
// started it exited, checks it can continue, and uploads from the first
// unacknowledged chunk until it completes, as UploadAll does. A transient
// failure leaves the session resumable and the next Resume retries the same
// chunk.
//
// Concurrent Resume calls for one id share a single run; progress is only
// called for the caller that drives it.
func (m *Manager) Resume(ctx context.Context, id string, progress func(*Session)) (*Session, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	v, err, _ := m.resumes.Do(id, func() (any, error) {
		s, err := m.reload(ctx, id)
		if err != nil {
			return s, err
		}
		logger.FromContext(logger.WithSessionID(ctx, id)).Info("upload session resumed",
			"offset", s.Offset,
			"size", s.Size,
			"next_chunk", s.NextChunk(),
		)
		return m.UploadAll(ctx, id, progress)
	})
	if s, ok := v.(*Session); ok && s != nil {
		return s.clone(), err
	}
	return nil, err
}

func (m *Manager) reload(ctx context.Context, id string) (*Session, error) {
	unlock := m.lock(id)
	defer unlock()
	s, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.checkActive(ctx, s); err != nil {
		return s, err
	}
	return s, nil
}

// Cancel aborts a session: the remote is told to discard its partial data
// (best effort) and the local record is removed. Later calls for the same id
// fail with ErrSessionNotFound.
func (m *Manager) Cancel(ctx context.Context, id string) (*Session, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	unlock := m.lock(id)
	defer unlock()

	s, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(logger.WithSessionID(ctx, id))
	if err := m.endpoint.AbortSession(ctx, id); err != nil {
		log.Warn("remote abort failed, discarding local state anyway", "error", err)
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return s.clone(), fmt.Errorf("removing session %s: %w", id, err)
	}
	if s.Status.Active() {
		m.metrics.SessionTransition(string(StatusCancelled), true)
	}
	s.Status = StatusCancelled
	s.UpdatedAt = m.now()
	log.Info("upload session cancelled", "offset", s.Offset, "size", s.Size)
	return s.clone(), nil
}

// List returns the sessions that can still make progress, oldest first.
func (m *Manager) List(ctx context.Context) ([]*Session, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	all, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]*Session, 0, len(all))
	for _, s := range all {
		if s.Status.Active() {
			active = append(active, s)
		}
	}
	return active, nil
}

// Get returns any persisted session, including failed ones.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	return m.store.Load(ctx, id)
}

// checkActive refuses sessions that cannot progress and fails sessions whose
// source file changed underneath them.
func (m *Manager) checkActive(ctx context.Context, s *Session) error {
	if s.Status == StatusFailed {
		return apperrors.Newf(apperrors.ErrSessionClosed, 0, "session %s failed: %s", s.ID, s.FailureReason)
	}
	if !s.Status.Active() {
		return apperrors.Newf(apperrors.ErrSessionClosed, 0, "session %s is %s", s.ID, s.Status)
	}
	if s.SourcePath == "" {
		return nil
	}
	info, err := os.Stat(s.SourcePath)
	if err != nil {
		_, ferr := m.fail(ctx, s, apperrors.Newf(apperrors.ErrSourceChanged, 0, "source %s: %v", s.SourcePath, err))
		return ferr
	}
	if info.Size() != s.Size || !info.ModTime().UTC().Equal(s.SourceModTime) {
		_, ferr := m.fail(ctx, s, apperrors.Newf(apperrors.ErrSourceChanged, 0,
			"source %s now has size %d, expected %d", s.SourcePath, info.Size(), s.Size))
		return ferr
	}
	return nil
}

// readChunk reads the chunk starting at the acknowledged offset using the
// paginate chunking discipline.
func (m *Manager) readChunk(ctx context.Context, s *Session) ([]byte, error) {
	f, err := os.Open(s.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", s.SourcePath, err)
	}
	defer f.Close()
	if _, err := f.Seek(s.Offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking %s to %d: %w", s.SourcePath, s.Offset, err)
	}
	chunker, err := paginate.NewChunker(io.LimitReader(f, s.Remaining()), s.ChunkSize)
	if err != nil {
		return nil, err
	}
	return chunker.Next(ctx)
}

// complete finalizes a fully acknowledged session and removes its record.
func (m *Manager) complete(ctx context.Context, s *Session) (*Session, error) {
	log := logger.FromContext(logger.WithSessionID(ctx, s.ID))
	if f, ok := m.endpoint.(Finalizer); ok {
		if err := f.FinalizeSession(ctx, s.clone()); err != nil {
			if errors.Is(err, apperrors.ErrRemoteRejection) {
				return m.fail(ctx, s, err)
			}
			log.Warn("finalize failed, session kept for retry", "error", err)
			return s.clone(), fmt.Errorf("finalizing session %s: %w", s.ID, err)
		}
	}
	if err := m.store.Delete(ctx, s.ID); err != nil && !errors.Is(err, apperrors.ErrSessionNotFound) {
		return s.clone(), fmt.Errorf("removing completed session %s: %w", s.ID, err)
	}
	s.Status = StatusCompleted
	s.UpdatedAt = m.now()
	m.metrics.SessionTransition(string(StatusCompleted), true)
	log.Info("upload session completed", "size", s.Size, "chunks", s.TotalChunks())
	return s.clone(), nil
}

// fail persists the failed state and returns cause.
func (m *Manager) fail(ctx context.Context, s *Session, cause error) (*Session, error) {
	s.Status = StatusFailed
	s.FailureReason = cause.Error()
	s.UpdatedAt = m.now()
	if err := m.store.Save(ctx, s); err != nil {
		return s.clone(), fmt.Errorf("persisting failure of session %s (%v): %w", s.ID, cause, err)
	}
	m.metrics.SessionTransition(string(StatusFailed), true)
	logger.FromContext(logger.WithSessionID(ctx, s.ID)).Error("upload session failed",
		"offset", s.Offset,
		"error", cause,
	)
	return s.clone(), cause
}

// sessionLock serialises work on one session. refs counts holders and
// waiters; the entry leaves the map when the last of them unlocks.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func (m *Manager) lock(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sessionLock{}
		m.locks[id] = l
	}
	l.refs++
	m.mu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
}
