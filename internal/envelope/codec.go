// ABOUTME: JSON wire codec for envelopes, one JSON object per frame.
// ABOUTME: Decode validates required fields and reports ErrInvalid for malformed frames.

package envelope

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// ErrInvalid is returned when a frame is not a well-formed envelope.
var ErrInvalid = errors.New("invalid envelope")

// ErrIncompatible is returned when a frame carries a protocol tag from another
// protocol family or major version.
var ErrIncompatible = errors.New("incompatible protocol")

var codec = sonic.ConfigStd

// timestamp layouts accepted on decode, most precise first
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

type wireEnvelope struct {
	MessageID   string         `json:"message_id"`
	MessageType string         `json:"message_type"`
	SenderID    string         `json:"sender_id"`
	ReceiverID  string         `json:"receiver_id"`
	Content     map[string]any `json:"content"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Protocol    string         `json:"protocol,omitempty"`
}

// Encode serializes e into a single wire frame.
func Encode(e *Envelope) ([]byte, error) {
	w := wireEnvelope{
		MessageID:   e.ID,
		MessageType: string(e.Type),
		SenderID:    e.Sender,
		ReceiverID:  e.Receiver,
		Content:     e.Content,
		Protocol:    e.Protocol,
	}
	if w.Content == nil {
		w.Content = map[string]any{}
	}
	if !e.Timestamp.IsZero() {
		w.Timestamp = e.Timestamp.Format(time.RFC3339Nano)
	}
	data, err := codec.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope %s: %w", e.ID, err)
	}
	return data, nil
}

// Decode parses and validates a wire frame.
func Decode(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := codec.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	switch {
	case w.MessageID == "":
		return nil, fmt.Errorf("%w: message_id is required", ErrInvalid)
	case w.MessageType == "":
		return nil, fmt.Errorf("%w: message_type is required", ErrInvalid)
	case w.SenderID == "":
		return nil, fmt.Errorf("%w: sender_id is required", ErrInvalid)
	case w.ReceiverID == "":
		return nil, fmt.Errorf("%w: receiver_id is required", ErrInvalid)
	case w.Content == nil:
		return nil, fmt.Errorf("%w: content is required", ErrInvalid)
	}

	if err := CheckProtocol(w.Protocol); err != nil {
		return nil, err
	}

	return &Envelope{
		ID:        w.MessageID,
		Type:      Type(w.MessageType),
		Sender:    w.SenderID,
		Receiver:  w.ReceiverID,
		Content:   w.Content,
		Timestamp: parseTimestamp(w.Timestamp),
		Protocol:  w.Protocol,
	}, nil
}

// CheckProtocol accepts an empty tag (legacy peers) or any tag with the same
// family and major version as Protocol.
func CheckProtocol(tag string) error {
	if tag == "" || tag == Protocol {
		return nil
	}
	family, major, ok := splitProtocol(tag)
	wantFamily, wantMajor, _ := splitProtocol(Protocol)
	if !ok || family != wantFamily || major != wantMajor {
		return fmt.Errorf("%w: %q (want %s)", ErrIncompatible, tag, Protocol)
	}
	return nil
}

func splitProtocol(tag string) (family string, major int, ok bool) {
	family, version, found := strings.Cut(tag, "/")
	if !found {
		return "", 0, false
	}
	majorStr, _, _ := strings.Cut(version, ".")
	major, err := strconv.Atoi(majorStr)
	if err != nil {
		return "", 0, false
	}
	return family, major, true
}

// parseTimestamp is lenient: the timestamp is informational only.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
