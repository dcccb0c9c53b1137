// Package telephony adapts the Twilio surface: the media-stream WebSocket,
// the call webhooks, TwiML responses, and the REST call-control client.
package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// Event is one inbound media-stream message. At most one payload field is
// populated depending on Type; stop events carry none.
type Event struct {
	Type string // "start", "media", "stop", "mark"

	// StreamSID is set on start events.
	StreamSID string

	// Media is the decoded μ-law payload of a media event.
	Media []byte

	// Mark is the mark name echoed back by the provider.
	Mark string
}

// wire message shapes for the Twilio media-stream protocol.
type inboundMessage struct {
	Event string `json:"event"`
	Start *struct {
		StreamSID string `json:"streamSid"`
	} `json:"start,omitempty"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type outboundMark struct {
	Event     string   `json:"event"`
	StreamSID string   `json:"streamSid"`
	Mark      markName `json:"mark"`
}

type markName struct {
	Name string `json:"name"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// Stream wraps one accepted media-stream WebSocket. Reads happen from a
// single goroutine; writes are serialized by an internal mutex.
type Stream struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
}

// NewStream wraps an accepted WebSocket connection.
func NewStream(conn *websocket.Conn) *Stream {
	return &Stream{conn: conn}
}

// Read blocks for the next media-stream event. Unknown event types and
// malformed JSON are skipped (protocol errors drop the specific message).
func (s *Stream) Read(ctx context.Context) (*Event, error) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("telephony: read: %w", err)
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Event {
		case "start":
			evt := &Event{Type: "start"}
			if msg.Start != nil {
				evt.StreamSID = msg.Start.StreamSID
			}
			return evt, nil
		case "media":
			if msg.Media == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			return &Event{Type: "media", Media: payload}, nil
		case "stop":
			return &Event{Type: "stop"}, nil
		case "mark":
			evt := &Event{Type: "mark"}
			if msg.Mark != nil {
				evt.Mark = msg.Mark.Name
			}
			return evt, nil
		}
	}
}

// SendMedia emits one outbound media frame of μ-law bytes.
func (s *Stream) SendMedia(streamSID string, mulaw []byte) error {
	return s.writeJSON(outboundMedia{
		Event:     "media",
		StreamSID: streamSID,
		Media:     mediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})
}

// SendMark emits a named mark; the provider echoes it back once all
// preceding audio has played to the caller.
func (s *Stream) SendMark(streamSID, name string) error {
	return s.writeJSON(outboundMark{
		Event:     "mark",
		StreamSID: streamSID,
		Mark:      markName{Name: name},
	})
}

// SendClear asks the provider to flush any audio it has buffered.
func (s *Stream) SendClear(streamSID string) error {
	return s.writeJSON(outboundClear{Event: "clear", StreamSID: streamSID})
}

// Close closes the WebSocket. Idempotent.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.conn.Close(websocket.StatusNormalClosure, "call ended")
	})
	return nil
}

func (s *Stream) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("telephony: marshal: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		return fmt.Errorf("telephony: write: %w", err)
	}
	return nil
}
