package mock

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// testCallback implements stt.Callback for testing
type testCallback struct {
	mu       sync.Mutex
	partials []string
	finals   []finalResult
	errors   []error
	ends     int
}

type finalResult struct {
	text       string
	confidence float64
}

func (c *testCallback) OnPartial(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partials = append(c.partials, text)
}

func (c *testCallback) OnFinal(text string, confidence float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finals = append(c.finals, finalResult{text, confidence})
}

func (c *testCallback) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, err)
}

func (c *testCallback) OnEnd() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ends++
}

var testUtterance = SimulatedUtterance{
	Partials:   []string{"hello", "hello there"},
	Final:      "hello there friend",
	Confidence: 0.9,
}

func TestAdapter_PartialsThenFinalOnClose(t *testing.T) {
	adapter := NewWithUtterance(testUtterance)
	cb := &testCallback{}
	if err := adapter.Start(context.Background(), cb); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 4; i++ {
		if err := adapter.SendAudio(context.Background(), []byte{1, 2}); err != nil {
			t.Fatalf("send %d: unexpected error: %v", i, err)
		}
	}
	if len(cb.finals) != 0 {
		t.Fatalf("expected no final before Close, got %v", cb.finals)
	}
	if len(cb.partials) != 2 || cb.partials[1] != "hello there" {
		t.Errorf("expected both partials in order, got %v", cb.partials)
	}

	adapter.Close()
	if len(cb.finals) != 1 {
		t.Fatalf("expected exactly one final, got %d", len(cb.finals))
	}
	if cb.finals[0].text != "hello there friend" || cb.finals[0].confidence != 0.9 {
		t.Errorf("unexpected final: %+v", cb.finals[0])
	}
	if cb.ends != 1 {
		t.Errorf("expected one OnEnd, got %d", cb.ends)
	}
}

func TestAdapter_CloseWithoutAudio(t *testing.T) {
	adapter := NewWithUtterance(testUtterance)
	cb := &testCallback{}
	adapter.Start(context.Background(), cb)

	adapter.Close()
	if len(cb.finals) != 0 {
		t.Errorf("expected no final without audio, got %v", cb.finals)
	}
	if cb.ends != 1 {
		t.Errorf("expected OnEnd, got %d", cb.ends)
	}
}

func TestAdapter_Close_Idempotent(t *testing.T) {
	adapter := NewWithUtterance(testUtterance)
	cb := &testCallback{}
	adapter.Start(context.Background(), cb)
	adapter.SendAudio(context.Background(), []byte{1})

	adapter.Close()
	adapter.Close()
	if len(cb.finals) != 1 || cb.ends != 1 {
		t.Errorf("expected one final and one end, got %d and %d", len(cb.finals), cb.ends)
	}
}

func TestAdapter_SendAudio_AfterClose(t *testing.T) {
	adapter := NewWithUtterance(testUtterance)
	cb := &testCallback{}
	adapter.Start(context.Background(), cb)
	adapter.Close()

	if err := adapter.SendAudio(context.Background(), []byte{1}); err != nil {
		t.Errorf("expected nil error after close, got %v", err)
	}
	if len(cb.partials) != 0 {
		t.Errorf("expected no partials after close, got %v", cb.partials)
	}
}

func TestAdapter_SendAudio_NotStarted(t *testing.T) {
	adapter := NewWithUtterance(testUtterance)
	if err := adapter.SendAudio(context.Background(), []byte{1}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}

func TestAdapter_EmptyFrameSkipsPartial(t *testing.T) {
	adapter := NewWithUtterance(testUtterance)
	cb := &testCallback{}
	adapter.Start(context.Background(), cb)

	adapter.SendAudio(context.Background(), nil)
	if len(cb.partials) != 0 {
		t.Errorf("expected no partial for an empty frame, got %v", cb.partials)
	}
}

func TestAdapter_CyclesThroughUtterances(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < len(DefaultUtterances); i++ {
		seen[New().utterance.Final] = true
	}
	if len(seen) != len(DefaultUtterances) {
		t.Errorf("expected %d distinct utterances, got %d", len(DefaultUtterances), len(seen))
	}
}

func TestDefaultUtterances(t *testing.T) {
	for i, u := range DefaultUtterances {
		if u.Final == "" {
			t.Errorf("utterance %d has empty final", i)
		}
		if u.Confidence <= 0 || u.Confidence > 1 {
			t.Errorf("utterance %d has invalid confidence %f", i, u.Confidence)
		}
	}
}

func TestFactory(t *testing.T) {
	a, err := Factory(testUtterance)(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.(*Adapter).utterance.Final != testUtterance.Final {
		t.Errorf("expected factory utterance, got %q", a.(*Adapter).utterance.Final)
	}
}

func TestCyclingFactory(t *testing.T) {
	f := CyclingFactory()
	a, err := f(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := f(context.Background())
	if a.(*Adapter) == b.(*Adapter) {
		t.Error("expected a fresh adapter per call")
	}
	if a.(*Adapter).utterance.Final == b.(*Adapter).utterance.Final {
		t.Error("expected consecutive adapters to use different utterances")
	}
}
