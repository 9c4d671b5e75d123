package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	apperrors "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/errors"
	pkgredis "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/redis"
)

// RedisClient is the subset of pkg/redis.Client the store needs.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	PutIndexed(ctx context.Context, key string, value any, index, member string) error
	DeleteIndexed(ctx context.Context, key, index, member string) (bool, error)
	Members(ctx context.Context, index string) ([]string, error)
	MGet(ctx context.Context, keys ...string) ([]any, error)
	Ping(ctx context.Context) error
}

// RedisStore keeps session records in Redis so several hosts can share
// them. Keys are namespaced by content kind, so uploads of different kinds
// sharing one Redis never see each other:
//
//	<prefix>:<kind>:session:<id>   JSON record
//	<prefix>:<kind>:sessions       set of ids
type RedisStore struct {
	client RedisClient
	ns     string
	logger *slog.Logger
}

// NewRedisStore creates a store under prefix:kind.
func NewRedisStore(client RedisClient, prefix, kind string) *RedisStore {
	return &RedisStore{
		client: client,
		ns:     prefix + ":" + kind,
		logger: slog.Default().With("component", "upload-redis-store", "namespace", prefix+":"+kind),
	}
}

func (rs *RedisStore) key(id string) string { return rs.ns + ":session:" + id }
func (rs *RedisStore) index() string       { return rs.ns + ":sessions" }

// Init checks that Redis is reachable.
func (rs *RedisStore) Init(ctx context.Context) error {
	if err := rs.client.Ping(ctx); err != nil {
		return apperrors.Configf("redis session store unreachable: %v", err)
	}
	return nil
}

// Save replaces the record and index membership in one transaction.
func (rs *RedisStore) Save(ctx context.Context, s *Session) error {
	if !validID(s.ID) {
		return apperrors.Newf(apperrors.ErrInvalidInput, 0, "malformed session id %q", s.ID)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling session %s: %w", s.ID, err)
	}
	return rs.client.PutIndexed(ctx, rs.key(s.ID), data, rs.index(), s.ID)
}

// Load fetches one record.
func (rs *RedisStore) Load(ctx context.Context, id string) (*Session, error) {
	data, err := rs.client.Get(ctx, rs.key(id))
	if pkgredis.IsNilError(err) {
		return nil, apperrors.Newf(apperrors.ErrSessionNotFound, 0, "no upload session %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	return decodeRecord(id, []byte(data))
}

// Delete drops the record and its index entry.
func (rs *RedisStore) Delete(ctx context.Context, id string) error {
	existed, err := rs.client.DeleteIndexed(ctx, rs.key(id), rs.index(), id)
	if err != nil {
		return err
	}
	if !existed {
		return apperrors.Newf(apperrors.ErrSessionNotFound, 0, "no upload session %s", id)
	}
	return nil
}

// List returns every indexed record, oldest first. Index entries whose record
// vanished are skipped.
func (rs *RedisStore) List(ctx context.Context) ([]*Session, error) {
	ids, err := rs.client.Members(ctx, rs.index())
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = rs.key(id)
	}
	values, err := rs.client.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("loading sessions: %w", err)
	}
	sessions := make([]*Session, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		s, err := decodeRecord(ids[i], []byte(raw))
		if err != nil {
			rs.logger.Warn("skipping unreadable session record", "session_id", ids[i], "error", err)
			continue
		}
		sessions = append(sessions, s)
	}
	sortSessions(sessions)
	return sessions, nil
}
