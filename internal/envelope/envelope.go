// ABOUTME: Envelope is the typed message unit exchanged between agent nodes.
// ABOUTME: Provides constructors for the standard message types and content accessors.

package envelope

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Protocol is the version tag stamped on every envelope this package creates.
const Protocol = "MCP/1.0"

// Type selects the handler an envelope is dispatched to.
type Type string

// Standard message types. Handlers may be registered for any other string.
const (
	TypeText    Type = "text"
	TypeImage   Type = "image"
	TypeAudio   Type = "audio"
	TypeCommand Type = "command"
	TypeStatus  Type = "status"
)

// Status values carried in content.status of status envelopes.
const (
	StatusConnected    = "connected"
	StatusAccepted     = "accepted"
	StatusDisconnected = "disconnected"
)

// Envelope is a single message. Once handed to a connection it must not be
// mutated; use Clone to derive a variant.
type Envelope struct {
	ID        string
	Type      Type
	Sender    string
	Receiver  string
	Content   map[string]any
	Timestamp time.Time
	Protocol  string
}

// Payload is the sender-agnostic part of an envelope: what to say, not who says it.
type Payload struct {
	Type    Type
	Content map[string]any
}

// New creates an envelope with a fresh ID and the current time.
func New(typ Type, sender, receiver string, content map[string]any) *Envelope {
	if content == nil {
		content = map[string]any{}
	}
	return &Envelope{
		ID:        newID(),
		Type:      typ,
		Sender:    sender,
		Receiver:  receiver,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Protocol:  Protocol,
	}
}

// FromPayload creates a fresh envelope carrying p.
func FromPayload(sender, receiver string, p Payload) *Envelope {
	return New(p.Type, sender, receiver, maps.Clone(p.Content))
}

// Text builds a text envelope.
func Text(sender, receiver, text string) *Envelope {
	return New(TypeText, sender, receiver, map[string]any{"text": text})
}

// Image builds an image envelope. personName is omitted when empty.
func Image(sender, receiver, data, format, personName string) *Envelope {
	if format == "" {
		format = "base64"
	}
	content := map[string]any{"image_data": data, "format": format}
	if personName != "" {
		content["person_name"] = personName
	}
	return New(TypeImage, sender, receiver, content)
}

// Audio builds an audio envelope. Transcribed speech travels in content.text.
func Audio(sender, receiver, data, format string) *Envelope {
	if format == "" {
		format = "base64"
	}
	return New(TypeAudio, sender, receiver, map[string]any{"audio_data": data, "format": format})
}

// Command builds a command envelope.
func Command(sender, receiver, command string, params map[string]any) *Envelope {
	if params == nil {
		params = map[string]any{}
	}
	return New(TypeCommand, sender, receiver, map[string]any{"command": command, "params": params})
}

// Status builds a status envelope.
func Status(sender, receiver, status string, details map[string]any) *Envelope {
	if details == nil {
		details = map[string]any{}
	}
	return New(TypeStatus, sender, receiver, map[string]any{"status": status, "details": details})
}

// Clone returns a copy whose content map can be modified without touching e.
// Nested values are shared.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Content = maps.Clone(e.Content)
	return &c
}

// String returns content[key] when it is a string.
func (e *Envelope) String(key string) string {
	s, _ := e.Content[key].(string)
	return s
}

// Text returns content.text.
func (e *Envelope) Text() string {
	return e.String("text")
}

// Status returns content.status.
func (e *Envelope) Status() string {
	return e.String("status")
}

// Details returns content.details, or nil when absent.
func (e *Envelope) Details() map[string]any {
	d, _ := e.Content["details"].(map[string]any)
	return d
}

// IsStatus reports whether e is a status envelope carrying the given status.
func (e *Envelope) IsStatus(status string) bool {
	return e.Type == TypeStatus && e.Status() == status
}

func (e *Envelope) GoString() string {
	return fmt.Sprintf("Envelope{ID: %s, Type: %s, Sender: %s, Receiver: %s}", e.ID, e.Type, e.Sender, e.Receiver)
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
