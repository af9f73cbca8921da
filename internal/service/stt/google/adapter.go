// Package google provides a Google Cloud Speech-to-Text adapter.
package google

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"

	"ai-speech-stream/internal/service/stt"
)

// Config holds recognition settings sent as the first streaming request.
type Config struct {
	LanguageCode   string
	SampleRateHz   int32
	InterimResults bool
	AudioEncoding  string
}

// DefaultConfig matches the 16kHz LINEAR16 audio the stream endpoint buffers.
func DefaultConfig() Config {
	return Config{
		LanguageCode:   "en-US",
		SampleRateHz:   16000,
		InterimResults: true,
		AudioEncoding:  "LINEAR16",
	}
}

func parseAudioEncoding(s string) speechpb.RecognitionConfig_AudioEncoding {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// configRequest is the first message of every recognition stream.
func (c Config) configRequest() *speechpb.StreamingRecognizeRequest {
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        parseAudioEncoding(c.AudioEncoding),
					SampleRateHertz: c.SampleRateHz,
					LanguageCode:    c.LanguageCode,
				},
				InterimResults: c.InterimResults,
			},
		},
	}
}

// Recognizer owns the Speech client shared by every adapter it creates.
type Recognizer struct {
	client *speech.Client
	cfg    Config
}

// NewRecognizer creates the Speech client.
// Requires GOOGLE_APPLICATION_CREDENTIALS environment variable to be set.
func NewRecognizer(ctx context.Context, cfg Config) (*Recognizer, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &Recognizer{client: c, cfg: cfg}, nil
}

// Factory returns an stt.Factory producing one adapter per recognition pass.
func (r *Recognizer) Factory() stt.Factory {
	return func(ctx context.Context) (stt.Adapter, error) {
		return &Adapter{client: r.client, cfg: r.cfg}, nil
	}
}

// Close releases the Speech client.
func (r *Recognizer) Close() error {
	return r.client.Close()
}

// Adapter implements stt.Adapter using Google Cloud Speech-to-Text.
type Adapter struct {
	client *speech.Client
	cfg    Config

	sendMu sync.Mutex
	stream speechpb.Speech_StreamingRecognizeClient
	cb     stt.Callback
}

// Start opens a streaming recognition session, sends the initial config and
// starts delivering results to cb.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	stream, err := a.client.StreamingRecognize(ctx)
	if err != nil {
		return err
	}
	a.stream = stream
	a.cb = cb

	if err := stream.Send(a.cfg.configRequest()); err != nil {
		return err
	}

	go a.listen()
	return nil
}

// SendAudio sends audio bytes to Google Speech-to-Text.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	return a.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
}

// Close half-closes the stream; the listener reports OnEnd once Google has
// returned the remaining results.
func (a *Adapter) Close() error {
	if a.stream == nil {
		return nil
	}
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	return a.stream.CloseSend()
}

func (a *Adapter) listen() {
	defer a.cb.OnEnd()
	for {
		resp, err := a.stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			a.cb.OnError(err)
			return
		}

		deliver(a.cb, resp)
	}
}

// deliver reports the top alternative of each result.
func deliver(cb stt.Callback, resp *speechpb.StreamingRecognizeResponse) {
	for _, r := range resp.GetResults() {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		if r.IsFinal {
			cb.OnFinal(alt.Transcript, float64(alt.Confidence))
		} else {
			cb.OnPartial(alt.Transcript)
		}
	}
}
