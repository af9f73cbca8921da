// Package dispatch classifies inbound messages and routes each one to
// exactly one Handler method, in receive order.
package dispatch

import (
	"fmt"

	"ai-speech-stream/internal/protocol"
)

// Handler receives routed messages. Implementations are called from a single
// receive goroutine and must not block for long.
type Handler interface {
	OnAck(protocol.ChunkReceived)
	OnTranscription(protocol.Transcription)
	OnResponseText(protocol.ResponseText)
	OnResponseAudio(protocol.ResponseAudio)
	OnRemoteError(protocol.Error)
	OnPong(protocol.Pong)
	OnSessionClosed(protocol.SessionClosed)
	OnDiagnostic(Diagnostic)
}

// DiagnosticKind says why a frame ended up as a diagnostic.
type DiagnosticKind int

const (
	// DiagnosticDecode is a frame that failed to decode.
	DiagnosticDecode DiagnosticKind = iota
	// DiagnosticDebug is a processing_debug snapshot from the endpoint.
	DiagnosticDebug
	// DiagnosticUnexpected is a well-formed message that never travels
	// server to client.
	DiagnosticUnexpected
)

func (k DiagnosticKind) String() string {
	switch k {
	case DiagnosticDecode:
		return "decode"
	case DiagnosticDebug:
		return "debug"
	case DiagnosticUnexpected:
		return "unexpected"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Diagnostic is anything inbound that is not part of the session's result
// stream.
type Diagnostic struct {
	Kind    DiagnosticKind
	Err     error
	Raw     []byte
	Message protocol.Message
}

// Dispatcher decodes frames and routes them to a Handler.
type Dispatcher struct {
	h Handler
}

func New(h Handler) *Dispatcher {
	return &Dispatcher{h: h}
}

// Dispatch decodes one frame and routes it. Decode failures are surfaced
// as DiagnosticDecode and never stop the caller.
func (d *Dispatcher) Dispatch(f protocol.Frame) {
	msg, err := protocol.DecodeFrame(f)
	if err != nil {
		d.h.OnDiagnostic(Diagnostic{Kind: DiagnosticDecode, Err: err, Raw: f.Data})
		return
	}
	d.Route(msg)
}

// Route sends an already decoded message to its Handler method.
func (d *Dispatcher) Route(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.ChunkReceived:
		d.h.OnAck(m)
	case protocol.Transcription:
		d.h.OnTranscription(m)
	case protocol.ResponseText:
		d.h.OnResponseText(m)
	case protocol.ResponseAudio:
		d.h.OnResponseAudio(m)
	case protocol.Error:
		d.h.OnRemoteError(m)
	case protocol.Pong:
		d.h.OnPong(m)
	case protocol.SessionClosed:
		d.h.OnSessionClosed(m)
	case protocol.ProcessingDebug:
		d.h.OnDiagnostic(Diagnostic{Kind: DiagnosticDebug, Message: m})
	default:
		d.h.OnDiagnostic(Diagnostic{Kind: DiagnosticUnexpected, Message: m})
	}
}
