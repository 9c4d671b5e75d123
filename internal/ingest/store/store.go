// Package store keeps the bytes of in-flight uploads on local disk. Each
// upload is one file whose length is the acknowledged offset, so chunk
// deduplication needs no extra bookkeeping: a chunk is either already inside
// the file, starts exactly at its end, or is refused.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	apperrors "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/errors"
	"github.com/google/uuid"
)

const (
	partialDir  = "partial"
	completeDir = "complete"
)

// WriteResult describes an accepted chunk.
type WriteResult struct {
	Offset    int64
	Duplicate bool
	Written   int
}

// Info is the server-side view of one upload.
type Info struct {
	ID       string
	Offset   int64
	Complete bool
}

// Store manages upload files under a data directory.
type Store struct {
	dir    string
	mu     sync.Mutex
	locks  map[string]*idLock
	logger *slog.Logger
}

// New creates a Store rooted at dir. Call Init before use.
func New(dir string) *Store {
	return &Store{
		dir:    dir,
		locks:  make(map[string]*idLock),
		logger: slog.Default().With("component", "ingest-store", "dir", dir),
	}
}

// Init creates the data directories.
func (s *Store) Init() error {
	for _, sub := range []string{partialDir, completeDir} {
		if err := os.MkdirAll(filepath.Join(s.dir, sub), 0o750); err != nil {
			return apperrors.Configf("creating ingest directory %s: %v", filepath.Join(s.dir, sub), err)
		}
	}
	return nil
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.dir
}

// WriteChunk applies a chunk at offset. Bytes the file already holds must
// match; a chunk past the end of the file is a gap and is refused.
func (s *Store) WriteChunk(ctx context.Context, id string, offset int64, data []byte) (WriteResult, error) {
	if err := checkID(id); err != nil {
		return WriteResult{}, err
	}
	if offset < 0 {
		return WriteResult{}, apperrors.Newf(apperrors.ErrInvalidInput, 0, "negative offset %d", offset)
	}
	if len(data) == 0 {
		return WriteResult{}, apperrors.New(apperrors.ErrInvalidInput, 0, "empty chunk")
	}
	unlock := s.lock(id)
	defer unlock()

	end := offset + int64(len(data))
	path := s.partialPath(id)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if info, err := os.Stat(s.completePath(id)); err == nil {
			// Only replays of bytes already held are acceptable after finalize.
			if end > info.Size() {
				return WriteResult{}, apperrors.Newf(apperrors.ErrSessionClosed, 0, "upload %s is already finalized", id)
			}
			if err := s.compare(s.completePath(id), offset, data); err != nil {
				return WriteResult{}, err
			}
			return WriteResult{Offset: end, Duplicate: true}, nil
		}
	}

	flags := os.O_RDWR
	if offset == 0 {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o640)
	if errors.Is(err, os.ErrNotExist) {
		return WriteResult{}, apperrors.Newf(apperrors.ErrConflict, 0,
			"chunk at offset %d leaves a gap, upload %s holds 0 bytes", offset, id)
	}
	if err != nil {
		return WriteResult{}, fmt.Errorf("opening upload %s: %w", id, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return WriteResult{}, fmt.Errorf("stat upload %s: %w", id, err)
	}
	current := info.Size()

	if offset > current {
		return WriteResult{}, apperrors.Newf(apperrors.ErrConflict, 0,
			"chunk at offset %d leaves a gap, upload %s holds %d bytes", offset, id, current)
	}
	overlap := min(end, current) - offset
	if overlap > 0 {
		held := make([]byte, overlap)
		if _, err := f.ReadAt(held, offset); err != nil {
			return WriteResult{}, fmt.Errorf("reading upload %s: %w", id, err)
		}
		if !bytes.Equal(held, data[:overlap]) {
			return WriteResult{}, apperrors.Newf(apperrors.ErrConflict, 0,
				"chunk at offset %d differs from bytes already held for upload %s", offset, id)
		}
	}
	if end <= current {
		return WriteResult{Offset: end, Duplicate: true}, nil
	}

	tail := data[overlap:]
	if _, err := f.WriteAt(tail, current); err != nil {
		// Drop whatever part of the tail landed so the file length stays an
		// acknowledged offset.
		f.Truncate(current)
		return WriteResult{}, fmt.Errorf("writing upload %s: %w", id, err)
	}
	if err := f.Sync(); err != nil {
		f.Truncate(current)
		return WriteResult{}, fmt.Errorf("syncing upload %s: %w", id, err)
	}
	return WriteResult{Offset: end, Written: len(tail)}, nil
}

func (s *Store) compare(path string, offset int64, data []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	held := make([]byte, len(data))
	if _, err := f.ReadAt(held, offset); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if !bytes.Equal(held, data) {
		return apperrors.Newf(apperrors.ErrConflict, 0, "chunk at offset %d differs from finalized upload", offset)
	}
	return nil
}

// Status reports how much of an upload is held.
func (s *Store) Status(ctx context.Context, id string) (Info, error) {
	if err := checkID(id); err != nil {
		return Info{}, err
	}
	if info, err := os.Stat(s.partialPath(id)); err == nil {
		return Info{ID: id, Offset: info.Size()}, nil
	}
	if info, err := os.Stat(s.completePath(id)); err == nil {
		return Info{ID: id, Offset: info.Size(), Complete: true}, nil
	}
	return Info{}, apperrors.Newf(apperrors.ErrSessionNotFound, 0, "no upload %s", id)
}

// Finalize moves a fully received upload out of the partial area and
// returns its final path. It is idempotent, and a zero-byte upload that never
// sent a chunk is finalized as an empty file.
func (s *Store) Finalize(ctx context.Context, id string, size int64) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	if size < 0 {
		return "", apperrors.Newf(apperrors.ErrInvalidInput, 0, "negative size %d", size)
	}
	unlock := s.lock(id)
	defer unlock()

	partial, complete := s.partialPath(id), s.completePath(id)
	info, err := os.Stat(partial)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if done, err := os.Stat(complete); err == nil {
			if done.Size() != size {
				return "", apperrors.Newf(apperrors.ErrConflict, 0, "upload %s was finalized with %d bytes, not %d", id, done.Size(), size)
			}
			return complete, nil
		}
		if size != 0 {
			return "", apperrors.Newf(apperrors.ErrSessionNotFound, 0, "no upload %s", id)
		}
		if err := os.WriteFile(complete, nil, 0o640); err != nil {
			return "", fmt.Errorf("creating empty upload %s: %w", id, err)
		}
		return complete, nil
	case err != nil:
		return "", fmt.Errorf("stat upload %s: %w", id, err)
	}
	if info.Size() != size {
		return "", apperrors.Newf(apperrors.ErrConflict, 0, "upload %s holds %d bytes, expected %d", id, info.Size(), size)
	}
	if err := os.Rename(partial, complete); err != nil {
		return "", fmt.Errorf("finalizing upload %s: %w", id, err)
	}
	s.syncDir(filepath.Join(s.dir, completeDir))
	s.logger.Info("upload finalized", "upload_id", id, "size", size)
	return complete, nil
}

// Abort discards the partial data of an upload.
func (s *Store) Abort(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	unlock := s.lock(id)
	defer unlock()
	if err := os.Remove(s.partialPath(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return apperrors.Newf(apperrors.ErrSessionNotFound, 0, "no partial upload %s", id)
		}
		return fmt.Errorf("removing upload %s: %w", id, err)
	}
	s.logger.Info("upload aborted", "upload_id", id)
	return nil
}

// Writable checks that new upload files can be created, for health checks.
func (s *Store) Writable() error {
	f, err := os.CreateTemp(filepath.Join(s.dir, partialDir), ".probe-*")
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(f.Name())
}

func (s *Store) partialPath(id string) string {
	return filepath.Join(s.dir, partialDir, id)
}

func (s *Store) completePath(id string) string {
	return filepath.Join(s.dir, completeDir, id)
}

func (s *Store) syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		s.logger.Debug("directory sync failed", "dir", dir, "error", err)
	}
}

// idLock serialises writes to one upload; the map entry goes away once no
// request holds or waits for it.
type idLock struct {
	mu   sync.Mutex
	refs int
}

func (s *Store) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &idLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// checkID accepts canonical UUIDs only, so ids are safe as file names.
func checkID(id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.String() != id {
		return apperrors.Newf(apperrors.ErrInvalidInput, 0, "malformed upload id %q", id)
	}
	return nil
}
