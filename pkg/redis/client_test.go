package redis

import (
	"context"
	"os"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/config"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	c, err := NewClient(config.RedisConfig{Addr: addr, PoolSize: 2})
	if err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestIndexedRecords(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	ns := "rpmtransfer-test:" + uuid.NewString()
	index := ns + ":sessions"
	t.Cleanup(func() { c.Del(context.Background(), index, ns+":a", ns+":b") })

	require.NoError(t, c.PutIndexed(ctx, ns+":a", `{"id":"a"}`, index, "a"))
	require.NoError(t, c.PutIndexed(ctx, ns+":b", `{"id":"b"}`, index, "b"))

	members, err := c.Members(ctx, index)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	vals, err := c.MGet(ctx, ns+":a", ns+":missing")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"a"}`, vals[0])
	assert.Nil(t, vals[1])

	existed, err := c.DeleteIndexed(ctx, ns+":a", index, "a")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = c.DeleteIndexed(ctx, ns+":a", index, "a")
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = c.Get(ctx, ns+":a")
	assert.True(t, IsNilError(err))
}
