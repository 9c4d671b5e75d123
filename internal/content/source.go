package content

import (
	"context"
	"errors"
	"log/slog"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/paginate"
)

// Searcher returns up to limit units matching c whose id sorts after
// afterID, in id order. c.Limit is ignored; sources apply it.
type Searcher interface {
	Search(ctx context.Context, c Criteria, afterID string, limit int) ([]Unit, error)
}

// SearchSource is a keyset cursor over a Searcher. It fetches batch units
// at a time and hands them out one by one, so units removed behind the
// cursor never shift the ones ahead of it.
type SearchSource struct {
	searcher  Searcher
	criteria  Criteria
	batch     int
	buf       []Unit
	after     string
	emitted   int
	exhausted bool
}

var _ paginate.Source[Unit] = (*SearchSource)(nil)

// NewSearchSource creates a cursor for c.
func NewSearchSource(s Searcher, c Criteria, batch int) (*SearchSource, error) {
	if batch <= 0 {
		return nil, apperrors.Configf("search batch size must be positive, got %d", batch)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &SearchSource{searcher: s, criteria: c, batch: batch}, nil
}

// Next returns the next matching unit or paginate.Done.
func (s *SearchSource) Next(ctx context.Context) (Unit, error) {
	if s.criteria.Limit > 0 && s.emitted >= s.criteria.Limit {
		return Unit{}, paginate.Done
	}
	if len(s.buf) == 0 {
		if s.exhausted {
			return Unit{}, paginate.Done
		}
		n := s.batch
		if s.criteria.Limit > 0 && s.criteria.Limit-s.emitted < n {
			n = s.criteria.Limit - s.emitted
		}
		units, err := s.searcher.Search(ctx, s.criteria, s.after, n)
		if err != nil {
			return Unit{}, err
		}
		if len(units) < n {
			s.exhausted = true
		}
		if len(units) == 0 {
			return Unit{}, paginate.Done
		}
		s.buf = units
		s.after = units[len(units)-1].ID
	}
	u := s.buf[0]
	s.buf = s.buf[1:]
	s.emitted++
	return u, nil
}

// FeedReader is the subset of pkg/kafka.Reader the feed source needs.
type FeedReader interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSource yields units published on the unit feed topic. With a zero
// idle timeout it never ends on its own; otherwise it returns paginate.Done
// once no message arrives for that long.
//
// Fetched messages stay pending until Commit. The reader's position moves
// past them on fetch, so after a failed page the caller calls Rewind and the
// same source hands the uncommitted messages out again before fetching more.
type KafkaSource struct {
	reader  FeedReader
	idle    time.Duration
	pending []kafka.Message
	replay  []kafka.Message
	logger  *slog.Logger
}

var _ paginate.Source[Unit] = (*KafkaSource)(nil)

// NewKafkaSource creates a feed source over r.
func NewKafkaSource(r FeedReader, idle time.Duration) *KafkaSource {
	return &KafkaSource{
		reader: r,
		idle:   idle,
		logger: slog.Default().With("component", "unit-feed"),
	}
}

// Next blocks for the next decodable unit. Undecodable messages are logged,
// skipped and committed with the page they arrived in.
func (k *KafkaSource) Next(ctx context.Context) (Unit, error) {
	for {
		msg, err := k.next(ctx)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return Unit{}, paginate.Done
			}
			return Unit{}, err
		}
		k.pending = append(k.pending, msg)
		u, err := kafka.DecodeJSON[Unit](msg.Value)
		if err != nil {
			k.logger.Warn("skipping undecodable unit", "partition", msg.Partition, "offset", msg.Offset, "error", err)
			continue
		}
		return u, nil
	}
}

func (k *KafkaSource) next(ctx context.Context) (kafka.Message, error) {
	if len(k.replay) > 0 {
		if err := ctx.Err(); err != nil {
			return kafka.Message{}, err
		}
		msg := k.replay[0]
		k.replay = k.replay[1:]
		return msg, nil
	}
	if k.idle <= 0 {
		return k.reader.Fetch(ctx)
	}
	fetchCtx, cancel := context.WithTimeout(ctx, k.idle)
	defer cancel()
	return k.reader.Fetch(fetchCtx)
}

// Pending returns how many fetched messages await Commit.
func (k *KafkaSource) Pending() int {
	return len(k.pending)
}

// Rewind queues every uncommitted message for redelivery, ahead of anything
// not yet fetched.
func (k *KafkaSource) Rewind() {
	if len(k.pending) == 0 {
		return
	}
	k.replay = append(append([]kafka.Message(nil), k.pending...), k.replay...)
	k.pending = nil
}

// Commit acknowledges every message fetched so far.
func (k *KafkaSource) Commit(ctx context.Context) error {
	if len(k.pending) == 0 {
		return nil
	}
	if err := k.reader.Commit(ctx, k.pending...); err != nil {
		return err
	}
	k.pending = nil
	return nil
}
