package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir())
	require.NoError(t, s.Init())
	return s
}

func TestAppendAndDeduplicate(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	id := uuid.NewString()

	res, err := s.WriteChunk(ctx, id, 0, []byte("hello "))
	require.NoError(t, err)
	assert.Equal(t, WriteResult{Offset: 6, Written: 6}, res)

	res, err = s.WriteChunk(ctx, id, 6, []byte("world"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), res.Offset)

	// Replay of the last chunk after a lost acknowledgement.
	res, err = s.WriteChunk(ctx, id, 6, []byte("world"))
	require.NoError(t, err)
	assert.Equal(t, WriteResult{Offset: 11, Duplicate: true}, res)

	info, err := s.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Info{ID: id, Offset: 11}, info)
}

func TestRejectsGapsAndMismatches(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	id := uuid.NewString()

	_, err := s.WriteChunk(ctx, id, 4, []byte("late"))
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	_, err = s.Status(ctx, id)
	assert.ErrorIs(t, err, apperrors.ErrSessionNotFound, "a refused first chunk must not leave a partial file")
	entries, err := os.ReadDir(filepath.Join(s.Dir(), "partial"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = s.WriteChunk(ctx, id, 0, []byte("abcd"))
	require.NoError(t, err)
	_, err = s.WriteChunk(ctx, id, 0, []byte("abXd"))
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	_, err = s.WriteChunk(ctx, id, 2, []byte("Xdef"))
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	info, err := s.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.Offset)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.locks)
}

func TestOverlappingChunkAppendsTail(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	id := uuid.NewString()

	_, err := s.WriteChunk(ctx, id, 0, []byte("abcd"))
	require.NoError(t, err)
	res, err := s.WriteChunk(ctx, id, 2, []byte("cdef"))
	require.NoError(t, err)
	assert.Equal(t, WriteResult{Offset: 6, Written: 2}, res)
}

func TestRejectsBadInput(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.WriteChunk(ctx, "../../etc/passwd", 0, []byte("x"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	_, err = s.WriteChunk(ctx, uuid.NewString(), -1, []byte("x"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	_, err = s.WriteChunk(ctx, uuid.NewString(), 0, nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestFinalize(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	id := uuid.NewString()

	_, err := s.WriteChunk(ctx, id, 0, []byte("payload"))
	require.NoError(t, err)

	_, err = s.Finalize(ctx, id, 100)
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	path, err := s.Finalize(ctx, id, 7)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir(), "complete", id), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	again, err := s.Finalize(ctx, id, 7)
	require.NoError(t, err)
	assert.Equal(t, path, again)

	info, err := s.Status(ctx, id)
	require.NoError(t, err)
	assert.True(t, info.Complete)

	res, err := s.WriteChunk(ctx, id, 0, []byte("payload"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	_, err = s.WriteChunk(ctx, id, 7, []byte("more"))
	assert.ErrorIs(t, err, apperrors.ErrSessionClosed)
}

func TestFinalizeEmptyUpload(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	path, err := s.Finalize(ctx, uuid.NewString(), 0)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	_, err = s.Finalize(ctx, uuid.NewString(), 5)
	assert.ErrorIs(t, err, apperrors.ErrSessionNotFound)
}

func TestAbort(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	id := uuid.NewString()

	_, err := s.WriteChunk(ctx, id, 0, []byte("partial"))
	require.NoError(t, err)
	require.NoError(t, s.Abort(ctx, id))

	_, err = s.Status(ctx, id)
	assert.ErrorIs(t, err, apperrors.ErrSessionNotFound)
	assert.ErrorIs(t, s.Abort(ctx, id), apperrors.ErrSessionNotFound)
	assert.NoError(t, s.Writable())
}
