package core

import (
	"encoding/json"
	"strings"
)

// Message is a message from the hosting application to a controller.
type Message string

// MessageSkipWaiting asks a waiting controller to activate now.
const MessageSkipWaiting Message = "SKIP_WAITING"

// legacy text form sent by existing pages
const legacySkipWaiting = "skipWaiting"

// ParseMessage decodes a message body.
// Accepted forms are plain text, a JSON string and a JSON object with a "type" field.
func ParseMessage(body []byte) Message {
	text := strings.TrimSpace(string(body))
	var s string
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(text), &s); err == nil {
		text = s
	} else if err := json.Unmarshal([]byte(text), &obj); err == nil {
		text = obj.Type
	}
	text = strings.TrimSpace(text)
	if text == legacySkipWaiting {
		return MessageSkipWaiting
	}
	return Message(text)
}
