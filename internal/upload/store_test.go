package upload

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(created time.Time) *Session {
	return &Session{
		Version:     recordVersion,
		ID:          uuid.NewString(),
		SourcePath:  "/srv/pkgs/walrus-5.21-1.noarch.rpm",
		ChunkSize:   1024,
		Size:        4096,
		Status:      StatusUploading,
		ContentKind: "rpm",
		UnitKey:     map[string]string{"name": "walrus"},
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func storeContract(t *testing.T, st Store) {
	ctx := context.Background()
	require.NoError(t, st.Init(ctx))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	older := newSession(base)
	newer := newSession(base.Add(time.Minute))
	require.NoError(t, st.Save(ctx, newer))
	require.NoError(t, st.Save(ctx, older))

	older.Offset = 2048
	require.NoError(t, st.Save(ctx, older))

	got, err := st.Load(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), got.Offset)
	assert.Equal(t, "walrus", got.UnitKey["name"])
	assert.True(t, got.CreatedAt.Equal(base))

	all, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, older.ID, all[0].ID)
	assert.Equal(t, newer.ID, all[1].ID)

	require.NoError(t, st.Delete(ctx, older.ID))
	_, err = st.Load(ctx, older.ID)
	assert.ErrorIs(t, err, apperrors.ErrSessionNotFound)
	assert.ErrorIs(t, st.Delete(ctx, older.ID), apperrors.ErrSessionNotFound)

	all, err = st.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, newer.ID, all[0].ID)
}

func TestFileStore(t *testing.T) {
	storeContract(t, NewFileStore(filepath.Join(t.TempDir(), "rpm")))
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	st := NewFileStore(dir)
	ctx := context.Background()
	require.NoError(t, st.Init(ctx))

	s := newSession(time.Now().UTC())
	for i := 0; i < 5; i++ {
		s.Offset = int64(i * 1024)
		require.NoError(t, st.Save(ctx, s))
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, s.ID+".json", entries[0].Name())
}

func TestFileStoreSkipsCorruptRecords(t *testing.T) {
	dir := t.TempDir()
	st := NewFileStore(dir)
	ctx := context.Background()
	require.NoError(t, st.Init(ctx))

	good := newSession(time.Now().UTC())
	require.NoError(t, st.Save(ctx, good))
	require.NoError(t, os.WriteFile(filepath.Join(dir, uuid.NewString()+".json"), []byte("{not json"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o600))

	stale := newSession(time.Now().UTC())
	stale.Version = 99
	require.NoError(t, st.Save(ctx, stale))

	all, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, good.ID, all[0].ID)
}

func TestFileStoreRejectsInconsistentRecords(t *testing.T) {
	dir := t.TempDir()
	st := NewFileStore(dir)
	ctx := context.Background()
	require.NoError(t, st.Init(ctx))

	tests := []struct {
		name   string
		mutate func(s *Session)
	}{
		{"zero chunk size", func(s *Session) { s.ChunkSize = 0 }},
		{"negative offset", func(s *Session) { s.Offset = -1 }},
		{"offset past size", func(s *Session) { s.Offset = s.Size + 1 }},
		{"unknown status", func(s *Session) { s.Status = "paused" }},
		{"completed status", func(s *Session) { s.Status = StatusCompleted }},
		{"id mismatch", func(s *Session) { s.ID = uuid.NewString() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := uuid.NewString()
			s := newSession(time.Now().UTC())
			s.ID = id
			tt.mutate(s)
			raw, err := json.Marshal(s)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), raw, 0o600))

			_, err = st.Load(ctx, id)
			assert.Error(t, err)
			assert.NotErrorIs(t, err, apperrors.ErrSessionNotFound)
		})
	}

	good := newSession(time.Now().UTC())
	require.NoError(t, st.Save(ctx, good))
	all, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, good.ID, all[0].ID)
}

func TestFileStoreRejectsMalformedIDs(t *testing.T) {
	st := NewFileStore(t.TempDir())
	ctx := context.Background()
	require.NoError(t, st.Init(ctx))

	for _, id := range []string{"", "../escape", "5F0C7A8E-1F7E-4A55-9D43-2D6F3F4F8D11", "{5f0c7a8e-1f7e-4a55-9d43-2d6f3f4f8d11}"} {
		_, err := st.Load(ctx, id)
		assert.ErrorIs(t, err, apperrors.ErrSessionNotFound, id)
	}
}

func TestKindsUseSeparateDirectories(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	rpm := NewFileStore(filepath.Join(root, "rpm"))
	srpm := NewFileStore(filepath.Join(root, "srpm"))
	require.NoError(t, rpm.Init(ctx))
	require.NoError(t, srpm.Init(ctx))

	require.NoError(t, rpm.Save(ctx, newSession(time.Now().UTC())))

	others, err := srpm.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, others)
}

// memRedis is an in-memory RedisClient.
type memRedis struct {
	mu   sync.Mutex
	kv   map[string]string
	sets map[string]map[string]struct{}
}

func newMemRedis() *memRedis {
	return &memRedis{kv: make(map[string]string), sets: make(map[string]map[string]struct{})}
}

func (r *memRedis) Get(ctx context.Context, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.kv[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (r *memRedis) PutIndexed(ctx context.Context, key string, value any, index, member string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kv[key] = string(value.([]byte))
	if r.sets[index] == nil {
		r.sets[index] = make(map[string]struct{})
	}
	r.sets[index][member] = struct{}{}
	return nil
}

func (r *memRedis) DeleteIndexed(ctx context.Context, key, index, member string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.kv[key]
	delete(r.kv, key)
	delete(r.sets[index], member)
	return ok, nil
}

func (r *memRedis) Members(ctx context.Context, index string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sets[index]))
	for m := range r.sets[index] {
		out = append(out, m)
	}
	return out, nil
}

func (r *memRedis) MGet(ctx context.Context, keys ...string) ([]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, len(keys))
	for i, k := range keys {
		if v, ok := r.kv[k]; ok {
			out[i] = v
		}
	}
	return out, nil
}

func (r *memRedis) Ping(ctx context.Context) error { return nil }

func TestRedisStore(t *testing.T) {
	storeContract(t, NewRedisStore(newMemRedis(), "rpmtransfer", "rpm"))
}

func TestRedisStoreNamespacesByKind(t *testing.T) {
	ctx := context.Background()
	client := newMemRedis()
	rpm := NewRedisStore(client, "rpmtransfer", "rpm")
	srpm := NewRedisStore(client, "rpmtransfer", "srpm")

	s := newSession(time.Now().UTC())
	require.NoError(t, rpm.Save(ctx, s))

	_, err := srpm.Load(ctx, s.ID)
	assert.ErrorIs(t, err, apperrors.ErrSessionNotFound)
	others, err := srpm.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, others)
	assert.Contains(t, client.kv, "rpmtransfer:rpm:session:"+s.ID)
}

func TestManagerOverRedisStore(t *testing.T) {
	dir := t.TempDir()
	ep := newFakeEndpoint()
	ctx := context.Background()
	store := NewRedisStore(newMemRedis(), "rpmtransfer", "rpm")
	path, _ := writeSource(t, dir, 3000)

	m := NewManager(dir, ep, 1024, WithStore(store))
	require.NoError(t, m.Initialize(ctx))
	s, err := m.Start(ctx, path, 1024)
	require.NoError(t, err)
	_, err = m.UploadNextChunk(ctx, s.ID)
	require.NoError(t, err)

	other := NewManager(dir, ep, 1024, WithStore(store))
	require.NoError(t, other.Initialize(ctx))
	done, err := other.Resume(ctx, s.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, []int64{0, 1024, 2048}, ep.submitted(s.ID))
}
