package session

import (
	"fmt"
	"sync"
	"time"

	"ai-speech-stream/internal/service/dispatch"
)

// EventKind identifies what an Event carries.
type EventKind int

const (
	// EventTranscription carries the transcription text. Received after
	// end_stream it completes the session; earlier ones are advisory.
	EventTranscription EventKind = iota
	// EventResponseText carries generated text.
	EventResponseText
	// EventResponseAudio carries synthesized audio bytes.
	EventResponseAudio
	// EventRemoteError carries the endpoint's error; it is followed by an
	// EventTerminal in StateErrored.
	EventRemoteError
	// EventDiagnostic reports an undecodable or unexpected inbound frame.
	EventDiagnostic
	// EventStall reports a receive wait that exceeded ReceiveTimeout.
	EventStall
	// EventUnacknowledged reports a chunk whose ack timed out.
	EventUnacknowledged
	// EventTerminal reports the transition to COMPLETED or ERRORED.
	EventTerminal
)

func (k EventKind) String() string {
	switch k {
	case EventTranscription:
		return "transcription"
	case EventResponseText:
		return "response_text"
	case EventResponseAudio:
		return "response_audio"
	case EventRemoteError:
		return "remote_error"
	case EventDiagnostic:
		return "diagnostic"
	case EventStall:
		return "stall"
	case EventUnacknowledged:
		return "unacknowledged"
	case EventTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is delivered on Session.Events. Fields not relevant to Kind are
// zero.
type Event struct {
	Kind      EventKind
	SessionID string
	At        time.Time

	Text      string
	Audio     []int
	Timestamp float64

	// Sequence is set for EventUnacknowledged.
	Sequence uint64

	// State is the session state when the event was produced.
	State State
	Err   error

	// Diagnostic is set for EventDiagnostic.
	Diagnostic *dispatch.Diagnostic
}

// eventQueue decouples producers from the consumer: pushes never block,
// and the pump delivers in push order.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	sealed bool
	wake   chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{}, 1)}
}

// push appends ev. Returns false once the queue is sealed.
func (q *eventQueue) push(ev Event) bool {
	q.mu.Lock()
	if q.sealed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.signal()
	return true
}

// seal rejects further pushes. Items already queued are still delivered.
func (q *eventQueue) seal() {
	q.mu.Lock()
	q.sealed = true
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) pop() (ev Event, ok, sealed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Event{}, false, q.sealed
	}
	ev = q.items[0]
	q.items[0] = Event{}
	q.items = q.items[1:]
	return ev, true, q.sealed
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pump moves queued events to out until the queue is sealed and drained,
// then closes out. Once abandon is closed it only delivers what fits in
// out's buffer.
func (q *eventQueue) pump(out chan<- Event, abandon <-chan struct{}) {
	defer close(out)
	for {
		ev, ok, sealed := q.pop()
		if !ok {
			if sealed {
				return
			}
			select {
			case <-q.wake:
			case <-abandon:
				q.drainTo(out)
				return
			}
			continue
		}
		select {
		case out <- ev:
		case <-abandon:
			select {
			case out <- ev:
			default:
			}
			q.drainTo(out)
			return
		}
	}
}

func (q *eventQueue) drainTo(out chan<- Event) {
	for {
		ev, ok, _ := q.pop()
		if !ok {
			return
		}
		select {
		case out <- ev:
		default:
			return
		}
	}
}
