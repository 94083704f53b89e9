// Package sse provides Server-Sent Events response writing for the
// Anthropic-compatible streaming endpoint.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Writer wraps an http.ResponseWriter for SSE streaming. Every WriteEvent
// flushes immediately so the client sees tokens as they arrive rather than
// buffered behind Go's default response buffering.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter builds a Writer, failing if w does not support flushing.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("sse: streaming not supported by response writer")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// SetHeaders sets the SSE response headers. Must be called before the first
// write and after the status code is committed.
func (sw *Writer) SetHeaders() {
	sw.w.Header().Set("Content-Type", "text/event-stream")
	sw.w.Header().Set("Cache-Control", "no-cache")
	sw.w.Header().Set("Connection", "keep-alive")
	sw.w.Header().Set("X-Accel-Buffering", "no")
}

// WriteEvent marshals data as JSON and writes it as an SSE event of the
// given type, flushing immediately.
func (sw *Writer) WriteEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// WriteError writes an Anthropic-shaped error event.
func (sw *Writer) WriteError(errorType, message string) error {
	return sw.WriteEvent("error", map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    errorType,
			"message": message,
		},
	})
}

// Flush flushes any buffered data without writing a new event.
func (sw *Writer) Flush() {
	sw.flusher.Flush()
}
