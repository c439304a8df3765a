// ABOUTME: JSON wire shapes exchanged with agents and the packet boundary adapter
// ABOUTME: DecodePacket validates inbound frames and normalizes legacy field names

package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// OutboundMessage is the frame sent to an agent for one user message.
type OutboundMessage struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	SessionID string    `json:"sessionId"`
	AgentID   string    `json:"agentId"`
	Timestamp time.Time `json:"timestamp"`
}

// OutboundTypeMessage is the only outbound frame type.
const OutboundTypeMessage = "message"

// Packet is one inbound frame from an agent.
type Packet struct {
	Message      *string `json:"message,omitempty"`
	TurnComplete bool    `json:"turn_complete,omitempty"`
	Error        *string `json:"error,omitempty"`
	MessageUUID  string  `json:"message_uuid,omitempty"`
	Ack          string  `json:"ack,omitempty"`
}

// Content returns the packet's content and whether it is non-empty.
func (p Packet) Content() (string, bool) {
	if p.Message == nil || *p.Message == "" {
		return "", false
	}
	return *p.Message, true
}

// ErrorText returns the packet's error and whether one is present.
func (p Packet) ErrorText() (string, bool) {
	if p.Error == nil {
		return "", false
	}
	return *p.Error, true
}

// IsAckOnly reports whether the packet only acknowledges an outbound message.
func (p Packet) IsAckOnly() bool {
	return p.Ack != "" && p.Message == nil && p.Error == nil && !p.TurnComplete
}

// ErrMalformedPacket matches every *MalformedPacketError.
var ErrMalformedPacket = errors.New("malformed packet")

// MalformedPacketError reports an inbound frame that failed to parse or validate.
type MalformedPacketError struct {
	Reason string
	Raw    []byte
}

func (e *MalformedPacketError) Error() string {
	return fmt.Sprintf("malformed packet: %s", e.Reason)
}

// Is lets errors.Is match ErrMalformedPacket.
func (e *MalformedPacketError) Is(target error) bool {
	return target == ErrMalformedPacket
}

// maxRawInError bounds how much of a bad frame is kept for logging.
const maxRawInError = 256

func malformed(raw []byte, format string, args ...any) *MalformedPacketError {
	if len(raw) > maxRawInError {
		raw = raw[:maxRawInError]
	}
	return &MalformedPacketError{Reason: fmt.Sprintf(format, args...), Raw: raw}
}

// DecodePacket parses one inbound frame. Legacy agents send "content" or
// "text" instead of "message" and "done" instead of "turn_complete"; both
// spellings are accepted.
func DecodePacket(raw []byte) (Packet, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Packet{}, malformed(raw, "invalid json: %v", err)
	}
	if fields == nil {
		return Packet{}, malformed(raw, "packet is not an object")
	}

	var pkt Packet
	var err error

	for _, key := range []string{"message", "content", "text"} {
		if v, ok := fields[key]; ok && !isNull(v) {
			var s string
			if err = json.Unmarshal(v, &s); err != nil {
				return Packet{}, malformed(raw, "field %q must be a string", key)
			}
			pkt.Message = &s
			break
		}
	}

	for _, key := range []string{"turn_complete", "done"} {
		if v, ok := fields[key]; ok && !isNull(v) {
			var b bool
			if err = json.Unmarshal(v, &b); err != nil {
				return Packet{}, malformed(raw, "field %q must be a boolean", key)
			}
			pkt.TurnComplete = pkt.TurnComplete || b
		}
	}

	if v, ok := fields["error"]; ok && !isNull(v) {
		var s string
		if err = json.Unmarshal(v, &s); err != nil {
			return Packet{}, malformed(raw, "field \"error\" must be a string")
		}
		pkt.Error = &s
	}

	if pkt.MessageUUID, err = optionalString(fields, "message_uuid"); err != nil {
		return Packet{}, malformed(raw, "%v", err)
	}
	if pkt.Ack, err = optionalString(fields, "ack"); err != nil {
		return Packet{}, malformed(raw, "%v", err)
	}

	if pkt.Message == nil && pkt.Error == nil && !pkt.TurnComplete && pkt.Ack == "" {
		return Packet{}, malformed(raw, "packet carries no message, turn_complete, error or ack")
	}
	return pkt, nil
}

func optionalString(fields map[string]json.RawMessage, key string) (string, error) {
	v, ok := fields[key]
	if !ok || isNull(v) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", fmt.Errorf("field %q must be a string", key)
	}
	return s, nil
}

func isNull(v json.RawMessage) bool {
	return string(v) == "null"
}

// EncodePacket serializes a packet; agents and tests use it to build frames.
func EncodePacket(p Packet) ([]byte, error) {
	return json.Marshal(p)
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
