package streamapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"ai-speech-stream/internal/models"
	"ai-speech-stream/internal/service/stt"
)

// MaxFallbackBody bounds the POST body.
const MaxFallbackBody = 16 << 20

// Fallback serves POST {"audio":[byte...]} with a single recognition pass.
func (s *Server) Fallback(w http.ResponseWriter, r *http.Request) {
	var req models.FallbackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxFallbackBody)).Decode(&req); err != nil {
		s.fallbackError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid request body: %w", err))
		return
	}
	if len(req.Audio) == 0 {
		s.fallbackError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("no audio provided"))
		return
	}
	pcm := make([]byte, len(req.Audio))
	for i, v := range req.Audio {
		if v < 0 || v > 255 {
			s.fallbackError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("audio[%d]=%d is not a byte", i, v))
			return
		}
		pcm[i] = byte(v)
	}

	ctx := r.Context()
	if s.cfg.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ProcessTimeout)
		defer cancel()
	}
	res, err := stt.Transcribe(ctx, s.recognize, pcm)
	if err != nil {
		s.log.Error().Err(err).Int("audioBytes", len(pcm)).Msg("Fallback recognition failed")
		s.fallbackError(w, http.StatusBadGateway, "error", fmt.Errorf("recognition failed: %w", err))
		return
	}

	s.metrics.RecordFallbackRequest("ok")
	writeJSON(w, http.StatusOK, models.FallbackResponse{
		Response:   models.FallbackText{Text: res.Text},
		Method:     http.MethodPost,
		Source:     "request",
		AudioBytes: len(pcm),
	})
}

func (s *Server) fallbackError(w http.ResponseWriter, status int, label string, err error) {
	s.metrics.RecordFallbackRequest(label)
	writeJSON(w, status, models.ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
