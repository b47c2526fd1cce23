// Package realtime bridges SQLite's preupdate hook to per-record and
// per-table server-sent-event streams.
package realtime

import (
	"bytes"
	"encoding/json"
)

// DbEvent is the tagged union delivered to subscribers. Exactly one field
// is set.
type DbEvent struct {
	Insert any    `json:"Insert,omitempty"`
	Update any    `json:"Update,omitempty"`
	Delete any    `json:"Delete,omitempty"`
	Error  string `json:"Error,omitempty"`
}

// Event is one encoded subscription event ready for SSE framing.
type Event struct {
	Data []byte
}

// NewEvent encodes a DbEvent.
func NewEvent(ev DbEvent) (Event, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Event{}, err
	}
	return Event{Data: data}, nil
}

// Frame renders the SSE wire form: a single data line terminated by a
// blank line.
func (e Event) Frame() []byte {
	var buf bytes.Buffer
	buf.Grow(len(e.Data) + 8)
	buf.WriteString("data: ")
	buf.Write(e.Data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

// KeepAliveFrame is the comment line written on the keep-alive interval.
var KeepAliveFrame = []byte(": keep-alive\n\n")
