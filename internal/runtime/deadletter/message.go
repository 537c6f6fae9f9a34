package deadletter

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	jsoncodec "github.com/drblury/eventpipe/internal/runtime/jsoncodec"
)

// EncodingString marks an original body that was not JSON and was embedded
// as a JSON string instead.
const EncodingString = "string"

// EncodingBase64 marks an original body that was not valid UTF-8 and was
// embedded as a base64 JSON string.
const EncodingBase64 = "base64"

// Message is the body published to the dead-letter destination.
type Message struct {
	OriginalMessage  json.RawMessage `json:"originalMessage"`
	OriginalEncoding string          `json:"originalEncoding,omitempty"`
	Reason           string          `json:"reason"`
	CorrelationID    string          `json:"correlationId"`
	DeadLetteredAt   time.Time       `json:"deadLetteredAt"`
	Errors           []string        `json:"errors,omitempty"`
	EventType        string          `json:"eventType,omitempty"`
	EventID          string          `json:"eventId,omitempty"`
	RoutingKey       string          `json:"routingKey,omitempty"`
	Attempts         int             `json:"attempts,omitempty"`
	SourceQueue      string          `json:"sourceQueue,omitempty"`
}

// annotations is Message without the original body. It is encoded on its own
// so the original bytes can be spliced in untouched.
type annotations struct {
	OriginalEncoding string   `json:"originalEncoding,omitempty"`
	Reason           string   `json:"reason"`
	CorrelationID    string   `json:"correlationId"`
	DeadLetteredAt   string   `json:"deadLetteredAt"`
	Errors           []string `json:"errors,omitempty"`
	EventType        string   `json:"eventType,omitempty"`
	EventID          string   `json:"eventId,omitempty"`
	RoutingKey       string   `json:"routingKey,omitempty"`
	Attempts         int      `json:"attempts,omitempty"`
	SourceQueue      string   `json:"sourceQueue,omitempty"`
}

// newMessage embeds body verbatim when it is valid JSON, as a JSON string when
// it is other UTF-8 text and as base64 otherwise. Bytes that are not UTF-8
// never go through a JSON string, which would replace them with U+FFFD.
func newMessage(body []byte) (Message, error) {
	if !utf8.Valid(body) {
		quoted, err := jsoncodec.Marshal(base64.StdEncoding.EncodeToString(body))
		if err != nil {
			return Message{}, err
		}
		return Message{OriginalMessage: quoted, OriginalEncoding: EncodingBase64}, nil
	}
	if len(body) > 0 && jsoncodec.Valid(body) {
		return Message{OriginalMessage: append(json.RawMessage(nil), body...)}, nil
	}
	quoted, err := jsoncodec.Marshal(string(body))
	if err != nil {
		return Message{}, err
	}
	return Message{OriginalMessage: quoted, OriginalEncoding: EncodingString}, nil
}

// MarshalJSON writes originalMessage exactly as stored. JSON encoders compact
// raw messages, which would change the original bytes.
func (m Message) MarshalJSON() ([]byte, error) {
	original := m.OriginalMessage
	if len(original) == 0 {
		original = json.RawMessage("null")
	}
	rest, err := jsoncodec.Marshal(annotations{
		OriginalEncoding: m.OriginalEncoding,
		Reason:           m.Reason,
		CorrelationID:    m.CorrelationID,
		DeadLetteredAt:   m.DeadLetteredAt.UTC().Format(time.RFC3339Nano),
		Errors:           m.Errors,
		EventType:        m.EventType,
		EventID:          m.EventID,
		RoutingKey:       m.RoutingKey,
		Attempts:         m.Attempts,
		SourceQueue:      m.SourceQueue,
	})
	if err != nil {
		return nil, err
	}
	if len(rest) < 2 || rest[0] != '{' {
		return nil, fmt.Errorf("unexpected dead-letter annotation encoding %q", rest)
	}

	var buf bytes.Buffer
	buf.Grow(len(original) + len(rest) + 24)
	buf.WriteString(`{"originalMessage":`)
	buf.Write(original)
	if len(rest) > 2 {
		buf.WriteByte(',')
	}
	buf.Write(rest[1:])
	return buf.Bytes(), nil
}

// OriginalBody returns the original broker body.
func (m Message) OriginalBody() ([]byte, error) {
	switch m.OriginalEncoding {
	case EncodingString, EncodingBase64:
	default:
		return []byte(m.OriginalMessage), nil
	}
	var s string
	if err := jsoncodec.Unmarshal(m.OriginalMessage, &s); err != nil {
		return nil, err
	}
	if m.OriginalEncoding == EncodingBase64 {
		return base64.StdEncoding.DecodeString(s)
	}
	return []byte(s), nil
}

// DecodeMessage parses a dead-letter body.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := jsoncodec.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode dead-letter message: %w", err)
	}
	return m, nil
}
