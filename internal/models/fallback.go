package models

// FallbackRequest is the body of the non-streaming POST. Audio holds raw
// LINEAR16 bytes, one integer per byte.
type FallbackRequest struct {
	Audio []int `json:"audio"`
}

// FallbackText wraps the recognized text.
type FallbackText struct {
	Text string `json:"text"`
}

// FallbackResponse answers a FallbackRequest.
type FallbackResponse struct {
	Response   FallbackText `json:"response"`
	Method     string       `json:"method"`
	Source     string       `json:"source"`
	AudioBytes int          `json:"audio_bytes"`
}

// ErrorResponse is returned with non-2xx fallback statuses.
type ErrorResponse struct {
	Error string `json:"error"`
}
