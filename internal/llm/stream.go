package llm

import (
	"context"
	"io"
)

type streamItem struct {
	chunk Chunk
	err   error
}

type channelStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	items  <-chan streamItem
}

// emitFunc sends a chunk to the consumer. It returns false once the stream
// context is done and the producer should stop.
type emitFunc func(Chunk) bool

// newChunkStream runs a producer in its own goroutine and exposes its chunks
// as a Stream. A non-nil error from run is delivered after all chunks.
func newChunkStream(ctx context.Context, run func(context.Context, emitFunc) error) Stream {
	streamCtx, cancel := context.WithCancel(ctx)
	ch := make(chan streamItem, 16)

	emit := func(c Chunk) bool {
		select {
		case ch <- streamItem{chunk: c}:
			return true
		case <-streamCtx.Done():
			return false
		}
	}

	go func() {
		defer close(ch)
		if err := run(streamCtx, emit); err != nil {
			select {
			case ch <- streamItem{err: err}:
			case <-streamCtx.Done():
			}
		}
	}()
	return &channelStream{ctx: streamCtx, cancel: cancel, items: ch}
}

func (s *channelStream) Recv() (Chunk, error) {
	// drain buffered items first so a finish chunk is not lost to a racing cancel
	select {
	case item, ok := <-s.items:
		return s.unpack(item, ok)
	default:
	}

	select {
	case <-s.ctx.Done():
		return Chunk{}, s.ctx.Err()
	case item, ok := <-s.items:
		return s.unpack(item, ok)
	}
}

func (s *channelStream) unpack(item streamItem, ok bool) (Chunk, error) {
	if !ok {
		return Chunk{}, io.EOF
	}
	if item.err != nil {
		return Chunk{}, item.err
	}
	return item.chunk, nil
}

func (s *channelStream) Close() error {
	s.cancel()
	return nil
}
