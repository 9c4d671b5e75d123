package paginate

import (
	"context"
	"errors"
	"fmt"
	"io"

	apperrors "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/errors"
)

// Chunker applies the paging discipline to a byte stream: every chunk is
// exactly chunkSize bytes except possibly the last, and an empty read at EOF
// ends the sequence without producing an empty chunk.
type Chunker struct {
	r         io.Reader
	chunkSize int
	offset    int64
	done      bool
}

// NewChunker creates a Chunker reading from r. A non-positive chunkSize is a
// configuration error.
func NewChunker(r io.Reader, chunkSize int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, apperrors.Configf("chunk size must be positive, got %d", chunkSize)
	}
	return &Chunker{r: r, chunkSize: chunkSize}, nil
}

// Next returns the next chunk or Done. On a read error the partially filled
// chunk is discarded.
func (c *Chunker) Next(ctx context.Context) ([]byte, error) {
	if c.done {
		return nil, Done
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := make([]byte, c.chunkSize)
	n, err := io.ReadFull(c.r, buf)
	switch {
	case errors.Is(err, io.EOF):
		c.done = true
		return nil, Done
	case errors.Is(err, io.ErrUnexpectedEOF):
		c.done = true
	case err != nil:
		c.done = true
		return nil, fmt.Errorf("reading chunk at offset %d: %w", c.offset, err)
	}
	c.offset += int64(n)
	return buf[:n], nil
}

var _ Source[[]byte] = (*Chunker)(nil)
