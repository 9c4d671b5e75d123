package httpendpoint

import (
	"bytes"
	"context"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/content"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/ingest"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/ingest/handler"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/ingest/publisher"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/ingest/store"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/upload"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/proto"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/resilience"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memImporter struct {
	mu    sync.Mutex
	units map[string]content.Unit
}

func (m *memImporter) ImportUpload(ctx context.Context, req proto.ImportUploadRequest) (content.Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.units[req.UploadID]; ok {
		return u, nil
	}
	u := content.Unit{ID: uuid.NewString(), Type: req.UnitType, Key: req.UnitKey, RepoID: req.RepoID, UploadID: req.UploadID}
	m.units[req.UploadID] = u
	return u, nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []ingest.UploadEvent
}

func (r *recordingEvents) Publish(ctx context.Context, ev kafka.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev.Value.(ingest.UploadEvent))
	return nil
}

type server struct {
	*httptest.Server
	store    *store.Store
	importer *memImporter
	events   *recordingEvents
}

func newServer(t *testing.T) *server {
	t.Helper()
	st := store.New(t.TempDir())
	require.NoError(t, st.Init())
	imp := &memImporter{units: make(map[string]content.Unit)}
	ev := &recordingEvents{}
	h := handler.New(st, publisher.New(st, imp, ev), 1<<20, nil)
	mux := http.NewServeMux()
	h.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &server{Server: srv, store: st, importer: imp, events: ev}
}

func remoteConfig(url string) config.RemoteConfig {
	return config.RemoteConfig{
		IngestionURL:     url,
		RequestTimeout:   2 * time.Second,
		BreakerThreshold: 2,
		BreakerReset:     time.Minute,
	}
}

func rpmKey() map[string]string {
	return map[string]string{"name": "walrus", "epoch": "0", "version": "5.21", "release": "1", "arch": "noarch"}
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(config.RemoteConfig{IngestionURL: "not a url"}, nil)
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}

func TestUploadEndToEnd(t *testing.T) {
	srv := newServer(t)
	client, err := New(remoteConfig(srv.URL), nil)
	require.NoError(t, err)

	dir := t.TempDir()
	data := make([]byte, 5*1024/2)
	_, err = rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(dir, "walrus-5.21-1.noarch.rpm")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	ctx := context.Background()
	m := upload.NewManager(filepath.Join(dir, "state", "rpm"), client, 1024)
	require.NoError(t, m.Initialize(ctx))
	s, err := m.Start(ctx, path, 1024, upload.WithRepo("zoo"), upload.WithUnit("rpm", rpmKey()))
	require.NoError(t, err)

	_, err = m.UploadNextChunk(ctx, s.ID)
	require.NoError(t, err)

	// Replaying an acknowledged chunk is answered without a second write.
	ack, err := client.SubmitChunk(ctx, s.ID, 0, data[:1024])
	require.NoError(t, err)
	assert.Equal(t, int64(1024), ack.Offset)

	done, err := m.UploadAll(ctx, s.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, upload.StatusCompleted, done.Status)

	status, err := client.Status(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ingest.StateComplete, status.State)
	assert.Equal(t, int64(len(data)), status.Offset)

	stored, err := os.ReadFile(filepath.Join(srv.store.Dir(), "complete", s.ID))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, stored))

	require.Len(t, srv.events.events, 1)
	ev := srv.events.events[0]
	assert.Equal(t, ingest.EventCompleted, ev.Type)
	assert.Equal(t, "zoo", ev.RepoID)
	assert.Equal(t, srv.importer.units[s.ID].ID, ev.UnitID)
}

func TestEmptyFileUpload(t *testing.T) {
	srv := newServer(t)
	client, err := New(remoteConfig(srv.URL), nil)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "empty.rpm")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	ctx := context.Background()
	m := upload.NewManager(filepath.Join(dir, "state"), client, 1024)
	require.NoError(t, m.Initialize(ctx))
	s, err := m.Start(ctx, path, 1024, upload.WithUnit("rpm", rpmKey()))
	require.NoError(t, err)

	done, err := m.UploadNextChunk(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, upload.StatusCompleted, done.Status)
	assert.Contains(t, srv.importer.units, s.ID)
}

func TestCancelAbortsRemote(t *testing.T) {
	srv := newServer(t)
	client, err := New(remoteConfig(srv.URL), nil)
	require.NoError(t, err)
	ctx := context.Background()
	id := uuid.NewString()

	_, err = client.SubmitChunk(ctx, id, 0, []byte("partial"))
	require.NoError(t, err)
	require.NoError(t, client.AbortSession(ctx, id))

	_, err = client.Status(ctx, id)
	assert.ErrorIs(t, err, apperrors.ErrRemoteRejection)

	// Aborting an upload the server never saw is not an error.
	require.NoError(t, client.AbortSession(ctx, id))

	require.Len(t, srv.events.events, 1)
	assert.Equal(t, ingest.EventAborted, srv.events.events[0].Type)
	assert.Equal(t, int64(7), srv.events.events[0].Size)
}

func TestGapIsRejected(t *testing.T) {
	srv := newServer(t)
	client, err := New(remoteConfig(srv.URL), nil)
	require.NoError(t, err)

	_, err = client.SubmitChunk(context.Background(), uuid.NewString(), 1024, []byte("x"))
	assert.ErrorIs(t, err, apperrors.ErrRemoteRejection)
	assert.Contains(t, err.Error(), "gap")
	assert.Equal(t, resilience.StateClosed, client.BreakerState())
}

func TestFinalizeValidation(t *testing.T) {
	srv := newServer(t)
	client, err := New(remoteConfig(srv.URL), nil)
	require.NoError(t, err)

	err = client.FinalizeSession(context.Background(), &upload.Session{ID: uuid.NewString(), UnitType: "iso"})
	assert.ErrorIs(t, err, apperrors.ErrRemoteRejection)
}

func TestServerErrorsTripBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error":"database unavailable"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	client, err := New(remoteConfig(srv.URL), mt)
	require.NoError(t, err)
	ctx := context.Background()
	id := uuid.NewString()

	for i := 0; i < 2; i++ {
		_, err = client.SubmitChunk(ctx, id, 0, []byte("x"))
		require.ErrorIs(t, err, apperrors.ErrTransientTransport)
		assert.Contains(t, err.Error(), "database unavailable")
	}
	assert.Equal(t, resilience.StateOpen, client.BreakerState())
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.CircuitBreakerState.WithLabelValues("ingestion")))

	_, err = client.SubmitChunk(ctx, id, 0, []byte("x"))
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.ErrorIs(t, err, apperrors.ErrTransientTransport)
	assert.Equal(t, int32(2), hits.Load())
}

func TestSlowServerIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := remoteConfig(srv.URL)
	cfg.RequestTimeout = 50 * time.Millisecond
	client, err := New(cfg, nil)
	require.NoError(t, err)

	_, err = client.SubmitChunk(context.Background(), uuid.NewString(), 0, []byte("x"))
	assert.ErrorIs(t, err, apperrors.ErrTransientTransport)
}
