// Package sse serializes stream events into Server-Sent-Events wire frames.
// The encoder holds no conversation state; it is a transport adapter between
// session events and bytes on a long-lived HTTP response.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush,
// which would break per-frame delivery.
var ErrStreamingUnsupported = errors.New("sse: response writer does not support flushing")

// Event names on the wire.
const (
	EventMessage  = "message"
	EventComplete = "complete"
	EventError    = "error"
)

type chunkPayload struct {
	Content string `json:"content"`
	Type    string `json:"type"`
}

type completePayload struct {
	Type      string  `json:"type"`
	MessageID int64   `json:"message_id"`
	Cost      float64 `json:"cost"`
}

type errorPayload struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Encoder writes SSE frames to an HTTP response, flushing after every frame
// so the client sees each event without transport batching.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder prepares the response for event streaming and returns an
// encoder bound to it. It sets the SSE headers; the caller must not have
// written a status yet.
func NewEncoder(w http.ResponseWriter) (*Encoder, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &Encoder{w: w, flusher: flusher}, nil
}

// Chunk emits one content delta frame.
func (e *Encoder) Chunk(content string) error {
	return e.writeEvent(EventMessage, chunkPayload{Content: content, Type: "chunk"})
}

// Complete emits the terminal success frame.
func (e *Encoder) Complete(messageID int64, cost float64) error {
	return e.writeEvent(EventComplete, completePayload{Type: "complete", MessageID: messageID, Cost: cost})
}

// Error emits the terminal failure frame.
func (e *Encoder) Error(message string) error {
	return e.writeEvent(EventError, errorPayload{Type: "error", Error: message})
}

func (e *Encoder) writeEvent(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sse: marshal %s payload: %w", name, err)
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return fmt.Errorf("sse: write frame: %w", err)
	}
	e.flusher.Flush()
	return nil
}
