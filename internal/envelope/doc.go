// Package envelope defines the message unit exchanged between agent nodes and
// its wire encoding.
//
// # Wire Format
//
// Each envelope travels as one JSON object per frame:
//
//	{
//	  "message_id":   "0190f5c2-...",
//	  "message_type": "text",
//	  "sender_id":    "ear",
//	  "receiver_id":  "brain",
//	  "content":      {"text": "hello"},
//	  "timestamp":    "2025-01-02T15:04:05.123Z",
//	  "protocol":     "MCP/1.0"
//	}
//
// The shape of content is defined by message_type and is not validated here
// beyond its presence. Decode rejects frames missing any identifying field or
// carrying a protocol tag of another family or major version.
//
// # Builders
//
// Text, Image, Audio, Command and Status return fresh envelopes with a new ID:
//
//	env := envelope.Text("ear", "brain", "hello")
//
// Handshake and courtesy messages are status envelopes whose content is
// {"status": "connected"|"accepted"|"disconnected", "details": {...}}.
package envelope
