// Package proto defines the framed wire protocol for a session's duplex
// stream. Frames travel as JSON text messages over the websocket transport.
// Data frames carry raw bytes in either direction; control frames carry
// typed events. Data payloads are base64-encoded by the JSON codec so that
// arbitrary terminal bytes survive the trip intact.
package proto

import (
	"encoding/json"
	"fmt"
)

// FrameType distinguishes data frames from the typed control frames.
type FrameType string

const (
	// FrameData carries raw bytes, either direction, no interpretation.
	FrameData FrameType = "data"

	// FrameResize changes terminal dimensions (client -> server). It is
	// applied before any data frame that follows it from the same
	// direction.
	FrameResize FrameType = "resize"

	// FrameHeartbeat is emitted by the server at a fixed interval.
	FrameHeartbeat FrameType = "heartbeat"

	// FrameExit reports process termination (server -> client).
	FrameExit FrameType = "exit"

	// FrameError reports a typed error (server -> client).
	FrameError FrameType = "error"

	// FrameWelcome is the server's handshake reply, indicating the offset
	// the retained-buffer replay starts from.
	FrameWelcome FrameType = "welcome"
)

// Error kinds carried by FrameError.
const (
	ErrKindNotFound     = "not_found"
	ErrKindAlreadyBound = "already_bound"
	ErrKindTerminated   = "terminated"
	ErrKindInternal     = "internal"
)

// Frame is a single protocol unit.
type Frame struct {
	Type FrameType `json:"type"`

	// Data frame payload.
	Data []byte `json:"data,omitempty"`

	// Resize payload.
	Rows uint16 `json:"rows,omitempty"`
	Cols uint16 `json:"cols,omitempty"`

	// Exit payload.
	Code *int `json:"code,omitempty"`

	// Error payload.
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`

	// Welcome payload: absolute offset the buffered replay starts from.
	BufferedFrom *int64 `json:"bufferedFrom,omitempty"`
}

// Data builds a data frame around raw bytes.
func Data(p []byte) Frame {
	return Frame{Type: FrameData, Data: p}
}

// Resize builds a resize control frame.
func Resize(rows, cols uint16) Frame {
	return Frame{Type: FrameResize, Rows: rows, Cols: cols}
}

// Heartbeat builds a heartbeat control frame.
func Heartbeat() Frame {
	return Frame{Type: FrameHeartbeat}
}

// Exit builds an exit control frame.
func Exit(code int) Frame {
	return Frame{Type: FrameExit, Code: &code}
}

// Error builds an error control frame.
func Error(kind, message string) Frame {
	return Frame{Type: FrameError, Kind: kind, Message: message}
}

// Welcome builds the handshake reply frame.
func Welcome(bufferedFrom int64) Frame {
	return Frame{Type: FrameWelcome, BufferedFrom: &bufferedFrom}
}

// Encode serializes the frame for the wire.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

// Decode parses a frame off the wire.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("frame missing type")
	}
	return f, nil
}
