package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/errors"
	"github.com/google/uuid"
)

const recordExt = ".json"

// Store persists session records. Save must replace the previous record
// atomically; Load and Delete return apperrors.ErrSessionNotFound for an
// unknown id.
type Store interface {
	Init(ctx context.Context) error
	Save(ctx context.Context, s *Session) error
	Load(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Session, error)
}

// FileStore keeps one JSON record per session in a directory.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore creates a FileStore rooted at dir. Call Init before use.
func NewFileStore(dir string) *FileStore {
	return &FileStore{
		dir:    dir,
		logger: slog.Default().With("component", "upload-file-store", "dir", dir),
	}
}

// Dir returns the directory records are written to.
func (st *FileStore) Dir() string {
	return st.dir
}

// Init creates the directory and proves it is writable.
func (st *FileStore) Init(ctx context.Context) error {
	if err := os.MkdirAll(st.dir, 0o700); err != nil {
		return apperrors.Configf("creating upload working directory %s: %v", st.dir, err)
	}
	probe, err := os.CreateTemp(st.dir, ".probe-*")
	if err != nil {
		return apperrors.Configf("upload working directory %s is not writable: %v", st.dir, err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

// Save writes the record to a temp file, syncs it and renames it over the
// previous record, so a crash leaves either the old or the new record.
func (st *FileStore) Save(ctx context.Context, s *Session) error {
	path, err := st.path(s.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session %s: %w", s.ID, err)
	}
	tmp, err := os.CreateTemp(st.dir, s.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp record for %s: %w", s.ID, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing record for %s: %w", s.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing record for %s: %w", s.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing record for %s: %w", s.ID, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replacing record for %s: %w", s.ID, err)
	}
	st.syncDir()
	return nil
}

// Load reads a single record.
func (st *FileStore) Load(ctx context.Context, id string) (*Session, error) {
	path, err := st.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperrors.Newf(apperrors.ErrSessionNotFound, 0, "no upload session %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading record for %s: %w", id, err)
	}
	return decodeRecord(id, data)
}

// Delete removes a record.
func (st *FileStore) Delete(ctx context.Context, id string) error {
	path, err := st.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return apperrors.Newf(apperrors.ErrSessionNotFound, 0, "no upload session %s", id)
		}
		return fmt.Errorf("removing record for %s: %w", id, err)
	}
	st.syncDir()
	return nil
}

// List returns every readable record, oldest first. Unreadable records are
// logged and skipped so one bad file cannot hide the rest.
func (st *FileStore) List(ctx context.Context) ([]*Session, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", st.dir, err)
	}
	sessions := make([]*Session, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}
		s, err := st.Load(ctx, strings.TrimSuffix(e.Name(), recordExt))
		if err != nil {
			st.logger.Warn("skipping unreadable session record", "file", e.Name(), "error", err)
			continue
		}
		sessions = append(sessions, s)
	}
	sortSessions(sessions)
	return sessions, nil
}

func (st *FileStore) path(id string) (string, error) {
	if !validID(id) {
		return "", apperrors.Newf(apperrors.ErrSessionNotFound, 0, "malformed session id %q", id)
	}
	return filepath.Join(st.dir, id+recordExt), nil
}

// syncDir flushes the directory entry after a rename or unlink. Failure only
// weakens durability, so it is logged rather than returned.
func (st *FileStore) syncDir() {
	d, err := os.Open(st.dir)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		st.logger.Debug("directory sync failed", "error", err)
	}
}

// validID accepts only canonical lowercase UUIDs, which keeps ids safe to
// use as file names and key suffixes.
func validID(id string) bool {
	parsed, err := uuid.Parse(id)
	return err == nil && parsed.String() == id
}

// decodeRecord parses the record stored under id and rejects records no
// Manager could have written.
func decodeRecord(id string, data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding session record %s: %w", id, err)
	}
	if s.Version != recordVersion {
		return nil, fmt.Errorf("session %s: unsupported record version %d", id, s.Version)
	}
	switch {
	case s.ID != id:
		return nil, fmt.Errorf("session record %s holds id %q", id, s.ID)
	case s.ChunkSize <= 0:
		return nil, fmt.Errorf("session %s: invalid chunk size %d", id, s.ChunkSize)
	case s.Size < 0 || s.Offset < 0 || s.Offset > s.Size:
		return nil, fmt.Errorf("session %s: offset %d outside source of %d bytes", id, s.Offset, s.Size)
	}
	switch s.Status {
	case StatusCreated, StatusUploading, StatusFailed:
	default:
		return nil, fmt.Errorf("session %s: invalid persisted status %q", id, s.Status)
	}
	return &s, nil
}

func sortSessions(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}
