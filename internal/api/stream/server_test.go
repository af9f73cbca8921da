package streamapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-speech-stream/internal/fallback"
	"ai-speech-stream/internal/models"
	"ai-speech-stream/internal/protocol"
	"ai-speech-stream/internal/service/audio"
	"ai-speech-stream/internal/service/reply"
	"ai-speech-stream/internal/service/session"
	"ai-speech-stream/internal/service/stt/mock"
	"ai-speech-stream/internal/transport/wsconn"
)

var testUtterance = mock.SimulatedUtterance{
	Partials:   []string{"where is"},
	Final:      "where is my order",
	Confidence: 0.9,
}

func newTestServer(t *testing.T, cfg audio.Config, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(mock.Factory(testUtterance), reply.New(), cfg, opts...)
	mux := http.NewServeMux()
	mux.Handle("/ws", s)
	mux.HandleFunc("/", s.Fallback)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		srv.Close()
	})
	return s, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialer(url string) session.Dialer {
	return func(ctx context.Context) (session.Transport, error) {
		c, err := wsconn.Dial(ctx, wsconn.Config{URL: url})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func TestEndToEnd_StreamCompletes(t *testing.T) {
	_, srv := newTestServer(t, audio.Config{Limits: audio.DefaultLimits()})

	cfg := session.DefaultConfig()
	cfg.TrailingGrace = 300 * time.Millisecond
	cfg.MaxInFlight = 2
	client := session.NewClient(dialer(wsURL(srv)), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := client.Open(ctx, "call-e2e")
	require.NoError(t, err)
	defer s.Close()

	var events []session.Event
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for ev := range s.Events() {
			events = append(events, ev)
		}
	}()

	require.NoError(t, s.StreamSamples(ctx, make([]int, 3350)))
	state, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.StateCompleted, state)
	assert.Equal(t, uint64(3), s.NextSequence())

	select {
	case <-collected:
	case <-time.After(3 * time.Second):
		t.Fatal("events channel did not close after the trailing grace")
	}

	var kinds []session.EventKind
	var transcript, response string
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
		switch ev.Kind {
		case session.EventTranscription:
			transcript = ev.Text
		case session.EventResponseText:
			response = ev.Text
		}
	}
	assert.Equal(t, "where is my order", transcript)
	assert.NotEmpty(t, response, "expected the trailing response_text, got %v", kinds)
	assert.Equal(t, 0, s.Outstanding(), "every chunk should have been acknowledged")
}

func TestEndToEnd_BinaryFrames(t *testing.T) {
	_, srv := newTestServer(t, audio.Config{Limits: audio.DefaultLimits()})

	cfg := session.DefaultConfig()
	cfg.BinaryAudio = true
	cfg.TrailingGrace = -1
	client := session.NewClient(dialer(wsURL(srv)), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := client.Open(ctx, "")
	require.NoError(t, err)
	defer s.Close()
	go func() {
		for range s.Events() {
		}
	}()

	require.NoError(t, s.StreamSamples(ctx, []int{100, -100, 200, -200}))
	state, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.StateCompleted, state)
}

func TestEndToEnd_EmptyInputIsRemoteError(t *testing.T) {
	_, srv := newTestServer(t, audio.Config{Limits: audio.DefaultLimits()})
	client := session.NewClient(dialer(wsURL(srv)), session.DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := client.Open(ctx, "call-empty")
	require.NoError(t, err)
	defer s.Close()
	go func() {
		for range s.Events() {
		}
	}()

	require.NoError(t, s.StreamSamples(ctx, nil))
	state, err := s.Wait(ctx)
	assert.Equal(t, session.StateErrored, state)
	require.ErrorIs(t, err, session.ErrRemote)

	var remote *session.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, audio.MsgNoAudio, remote.Message)
}

func TestServer_IdleConnectionIsClosed(t *testing.T) {
	cfg := audio.Config{Limits: audio.DefaultLimits()}
	cfg.IdleTimeout = 50 * time.Millisecond
	s, srv := newTestServer(t, cfg)

	c, err := wsconn.Dial(context.Background(), wsconn.Config{URL: wsURL(srv)})
	require.NoError(t, err)
	defer c.Close()

	f, err := c.Receive(context.Background())
	require.NoError(t, err)
	msg, err := protocol.Decode(f.Data)
	require.NoError(t, err)
	assert.Equal(t, protocol.SessionClosed{Reason: audio.ReasonIdleTimeout}, msg)

	_, err = c.Receive(context.Background())
	assert.ErrorIs(t, err, wsconn.ErrClosed)

	assert.Eventually(t, func() bool { return s.Active() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServer_ShutdownClosesConnections(t *testing.T) {
	s, srv := newTestServer(t, audio.Config{Limits: audio.DefaultLimits()})

	c, err := wsconn.Dial(context.Background(), wsconn.Config{URL: wsURL(srv)})
	require.NoError(t, err)
	defer c.Close()
	assert.Eventually(t, func() bool { return s.Active() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	_, err = c.Receive(context.Background())
	assert.ErrorIs(t, err, wsconn.ErrClosed)
	assert.Equal(t, 0, s.Active())

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func postFallback(t *testing.T, srv *httptest.Server, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestFallback_Transcribes(t *testing.T) {
	_, srv := newTestServer(t, audio.Config{Limits: audio.DefaultLimits()})

	resp, body := postFallback(t, srv, `{"audio":[1,0,255,127]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got models.FallbackResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "where is my order", got.Response.Text)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "request", got.Source)
	assert.Equal(t, 4, got.AudioBytes)
}

func TestFallback_Client(t *testing.T) {
	_, srv := newTestServer(t, audio.Config{Limits: audio.DefaultLimits()})

	resp, err := fallback.New(srv.URL+"/", nil).Transcribe(context.Background(), []byte{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, "where is my order", resp.Response.Text)
	assert.Equal(t, 6, resp.AudioBytes)
}

func TestFallback_BadRequests(t *testing.T) {
	_, srv := newTestServer(t, audio.Config{Limits: audio.DefaultLimits()})

	tests := []struct {
		name string
		body string
	}{
		{"not json", `audio`},
		{"no audio", `{}`},
		{"empty audio", `{"audio":[]}`},
		{"not a byte", `{"audio":[1,256]}`},
		{"negative", `{"audio":[-1]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := postFallback(t, srv, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var e models.ErrorResponse
			require.NoError(t, json.Unmarshal(body, &e))
			assert.NotEmpty(t, e.Error)
		})
	}
}

func TestCloseReason(t *testing.T) {
	assert.Equal(t, audio.ReasonIdleTimeout, closeReason(nil))
	assert.Equal(t, "peer_closed", closeReason(wsconn.ErrClosed))
	assert.Equal(t, "shutdown", closeReason(context.Canceled))
	assert.Equal(t, "error", closeReason(assert.AnError))
}
