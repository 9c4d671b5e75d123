package service

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/content"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/grpc"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/proto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memService is an in-memory Service.
type memService struct {
	mu      sync.Mutex
	units   map[string]content.Unit
	assoc   map[string]map[string]bool
	uploads map[string]string
}

func newMemService() *memService {
	return &memService{
		units:   make(map[string]content.Unit),
		assoc:   make(map[string]map[string]bool),
		uploads: make(map[string]string),
	}
}

func (m *memService) Search(ctx context.Context, c content.Criteria, afterID string, limit int) ([]content.Unit, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.assoc[c.RepoID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []content.Unit
	for _, id := range ids {
		u := m.units[id]
		u.RepoID = c.RepoID
		if id > afterID && c.Matches(u) {
			out = append(out, u)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memService) RemoveUnits(ctx context.Context, repoID string, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if m.assoc[repoID][id] {
			delete(m.assoc[repoID], id)
			n++
		}
	}
	return n, nil
}

func (m *memService) CopyUnits(ctx context.Context, srcRepo, dstRepo string, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if m.assoc[srcRepo][id] && !m.assoc[dstRepo][id] {
			m.associate(dstRepo, id)
			n++
		}
	}
	return n, nil
}

func (m *memService) AddUnits(ctx context.Context, repoID string, units []content.Unit) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, u := range units {
		if err := u.Type.ValidateKey(u.Key); err != nil {
			return n, err
		}
		if _, ok := m.units[u.ID]; !ok {
			m.units[u.ID] = u
		}
		if !m.assoc[repoID][u.ID] {
			m.associate(repoID, u.ID)
			n++
		}
	}
	return n, nil
}

func (m *memService) ImportUpload(ctx context.Context, req proto.ImportUploadRequest) (content.Unit, error) {
	if err := req.UnitType.ValidateKey(req.UnitKey); err != nil {
		return content.Unit{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.uploads[req.UploadID]; ok {
		return m.units[id], nil
	}
	u := content.Unit{ID: uuid.NewString(), Type: req.UnitType, Key: req.UnitKey, RepoID: req.RepoID, UploadID: req.UploadID}
	m.units[u.ID] = u
	m.uploads[req.UploadID] = u.ID
	if req.RepoID != "" {
		m.associate(req.RepoID, u.ID)
	}
	return u, nil
}

func (m *memService) associate(repoID, id string) {
	if m.assoc[repoID] == nil {
		m.assoc[repoID] = make(map[string]bool)
	}
	m.assoc[repoID][id] = true
}

func rpmUnit(i int) content.Unit {
	return content.Unit{
		ID:   fmt.Sprintf("unit-%03d", i),
		Type: content.TypeRPM,
		Key: map[string]string{
			"name": fmt.Sprintf("pkg%d", i), "epoch": "0", "version": "1.0", "release": "1", "arch": "noarch",
		},
	}
}

func dialService(t *testing.T, svc Service) *RPCClient {
	t.Helper()
	srv := grpc.NewServer()
	Register(srv, svc)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.ServeListener(ln)
	t.Cleanup(srv.Stop)

	c, err := grpc.Dial(ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return NewRPCClient(c)
}

func TestRPCClientRoundTrip(t *testing.T) {
	mem := newMemService()
	client := dialService(t, mem)
	ctx := context.Background()

	units := []content.Unit{rpmUnit(1), rpmUnit(2), rpmUnit(3)}
	n, err := client.AddUnits(ctx, "zoo", units)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	page, err := client.Search(ctx, content.Criteria{RepoID: "zoo"}, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "unit-001", page[0].ID)
	assert.Equal(t, "pkg1", page[0].Key["name"])

	page, err = client.Search(ctx, content.Criteria{RepoID: "zoo"}, page[1].ID, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)

	n, err = client.CopyUnits(ctx, "zoo", "ark", []string{"unit-001", "unit-003", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = client.RemoveUnits(ctx, "zoo", []string{"unit-001", "unit-002"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	req := proto.ImportUploadRequest{UploadID: "up-1", RepoID: "ark", UnitType: content.TypeRPM, UnitKey: rpmUnit(9).Key}
	first, err := client.ImportUpload(ctx, req)
	require.NoError(t, err)
	again, err := client.ImportUpload(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
}

func TestRPCClientKeepsErrorClass(t *testing.T) {
	client := dialService(t, newMemService())
	ctx := context.Background()

	_, err := client.Search(ctx, content.Criteria{}, "", 10)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = client.ImportUpload(ctx, proto.ImportUploadRequest{UploadID: "x", UnitType: content.TypeRPM})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestSearchSourceOverRPC(t *testing.T) {
	mem := newMemService()
	client := dialService(t, mem)
	ctx := context.Background()

	var units []content.Unit
	for i := 0; i < 7; i++ {
		units = append(units, rpmUnit(i))
	}
	_, err := client.AddUnits(ctx, "zoo", units)
	require.NoError(t, err)

	src, err := content.NewSearchSource(client, content.Criteria{RepoID: "zoo"}, 3)
	require.NoError(t, err)
	count := 0
	for {
		_, err := src.Next(ctx)
		if err != nil {
			break
		}
		count++
	}
	assert.Equal(t, 7, count)
}

// skipIfNoPostgres skips the test when PostgreSQL is unavailable.
func skipIfNoPostgres(t *testing.T) *postgres.Client {
	t.Helper()
	port, _ := strconv.Atoi(envOrDefault("TEST_POSTGRES_PORT", "5432"))
	db, err := postgres.New(config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            port,
		Database:        envOrDefault("TEST_POSTGRES_DB", "rpmtransfer_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "rpmtransfer"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		t.Skipf("skipping integration test: postgres unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func TestPostgresService(t *testing.T) {
	db := skipIfNoPostgres(t)
	svc := NewPostgresService(db)
	ctx := context.Background()

	repo := "zoo-" + uuid.NewString()
	dest := "ark-" + uuid.NewString()
	var units []content.Unit
	for i := 0; i < 5; i++ {
		u := rpmUnit(i)
		u.ID = uuid.NewString()
		units = append(units, u)
	}
	n, err := svc.AddUnits(ctx, repo, units)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	src, err := content.NewSearchSource(svc, content.Criteria{RepoID: repo, Types: []content.UnitType{content.TypeRPM}}, 2)
	require.NoError(t, err)
	var found []content.Unit
	for {
		u, err := src.Next(ctx)
		if err != nil {
			break
		}
		found = append(found, u)
	}
	require.Len(t, found, 5)

	filtered, err := svc.Search(ctx, content.Criteria{RepoID: repo, Filters: map[string]string{"name": "pkg3"}}, "", 10)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "pkg3", filtered[0].Key["name"])

	n, err = svc.CopyUnits(ctx, repo, dest, content.IDs(found[:3]))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = svc.CopyUnits(ctx, repo, dest, content.IDs(found[:3]))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = svc.RemoveUnits(ctx, repo, content.IDs(found))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	req := proto.ImportUploadRequest{
		UploadID: uuid.NewString(),
		RepoID:   dest,
		UnitType: content.TypeRPM,
		UnitKey:  rpmUnit(42).Key,
		Location: "/var/lib/contentd/uploads/x",
		Size:     1024,
	}
	first, err := svc.ImportUpload(ctx, req)
	require.NoError(t, err)
	again, err := svc.ImportUpload(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
}
