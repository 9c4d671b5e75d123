package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(ctx context.Context) error { return nil }

func TestRunAggregatesWorstStatus(t *testing.T) {
	c := NewChecker(time.Second)
	c.Register("postgres", PingCheck(ok))
	report := c.Run(context.Background())
	assert.Equal(t, StatusUp, report.Status)

	c.Register("kafka", DegradedCheck(func(ctx context.Context) error { return errors.New("no brokers") }))
	report = c.Run(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, "no brokers", report.Components["kafka"].Message)

	c.Register("disk", PingCheck(func(ctx context.Context) error { return errors.New("read-only") }))
	report = c.Run(context.Background())
	assert.Equal(t, StatusDown, report.Status)
	assert.Len(t, report.Components, 3)
	assert.NotEmpty(t, report.Components["postgres"].Latency)
}

func TestReadyHandler(t *testing.T) {
	c := NewChecker(50 * time.Millisecond)
	c.Register("postgres", PingCheck(ok))

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	c.Register("slow", PingCheck(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	rec = httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, StatusDown, report.Components["slow"].Status)
}

func TestLiveHandlerIgnoresChecks(t *testing.T) {
	c := NewChecker(0)
	c.Register("broken", PingCheck(func(ctx context.Context) error { return errors.New("x") }))
	rec := httptest.NewRecorder()
	c.LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
