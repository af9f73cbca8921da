package session

import (
	"context"

	"ai-speech-stream/internal/service/chunk"

	"golang.org/x/time/rate"
)

// Stream sends every chunk enc yields and then end_stream. With
// ChunkInterval set, chunks are paced to real time. It stops at the first
// failed send.
func (s *Session) Stream(ctx context.Context, enc *chunk.Encoder) error {
	var limiter *rate.Limiter
	if s.cfg.ChunkInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(s.cfg.ChunkInterval), 1)
	}

	wctx, release := s.bind(ctx)
	defer release()

	for c := range enc.All() {
		if limiter != nil {
			if err := limiter.Wait(wctx); err != nil {
				if ctx.Err() == nil && s.ctx.Err() != nil {
					return s.endedErr()
				}
				return err
			}
		}
		if err := s.SendChunk(ctx, c); err != nil {
			return err
		}
	}
	return s.EndStream(ctx)
}

// StreamSamples chunks samples with the session's ChunkSize and streams
// them.
func (s *Session) StreamSamples(ctx context.Context, samples []int) error {
	return s.Stream(ctx, chunk.NewEncoder(s.id, samples, s.cfg.ChunkSize))
}
