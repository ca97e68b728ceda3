// Package payload converts channel message values to and from text. Both
// directions degrade instead of failing: a value that cannot be JSON encoded
// is sent as its fmt text, and text that is not JSON is delivered raw.
package payload

import (
	"encoding/json"
	"fmt"
)

// Kind tells which variant a Payload holds.
type Kind int

const (
	// Parsed payloads carry the JSON-decoded value in Value.
	Parsed Kind = iota + 1
	// Raw payloads carry only Text; it was not valid JSON.
	Raw
)

func (k Kind) String() string {
	switch k {
	case Parsed:
		return "parsed"
	case Raw:
		return "raw"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Payload is a received message.
type Payload struct {
	Kind Kind
	// Text is the message exactly as received.
	Text string
	// Value is the decoded JSON value when Kind is Parsed.
	Value any
}

// Decode parses text as JSON, falling back to a Raw payload.
func Decode(text string) Payload {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return Payload{Kind: Raw, Text: text}
	}
	return Payload{Kind: Parsed, Text: text, Value: v}
}

// Into decodes a Parsed payload's text into dst.
func (p Payload) Into(dst any) error {
	if p.Kind != Parsed {
		return fmt.Errorf("payload is %s, not JSON", p.Kind)
	}
	return json.Unmarshal([]byte(p.Text), dst)
}

// Encode renders v as JSON text. The second result is false when v could not
// be marshalled and the text is its fmt representation instead.
func Encode(v any) (string, bool) {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v), false
	}
	return string(b), true
}
