// Package relay carries the messages the embedding host application
// receives once onboarding finishes: session signatures, the wallet
// address, the email, the decrypted key and the login flag.
package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
)

type MessageType string

const (
	TypeAuthSuccess   MessageType = "AUTH_SUCCESS"
	TypeAuthError     MessageType = "AUTH_ERROR"
	TypeAddress       MessageType = "SOLANA_ADDRESS"
	TypeAddressError  MessageType = "SOLANA_ADDRESS_ERROR"
	TypePrivateKey    MessageType = "PRIVATE_KEY"
	TypePrivateKeyErr MessageType = "SOLANA_PKEY_ERROR"
	TypeEmail         MessageType = "EMAIL_ADDRESS"
	TypeEmailError    MessageType = "EMAIL_ADDRESS_ERROR"
	TypeIsLogin       MessageType = "IS_LOGIN"
	TypeLoginError    MessageType = "LOGIN_ERROR"
)

// Sensitive reports whether messages of this type carry key or session material
func (t MessageType) Sensitive() bool {
	return t == TypeAuthSuccess || t == TypePrivateKey
}

// Message is the flat {type, ...payload} object posted to the host.
// Every payload value is a string.
type Message struct {
	Type   MessageType
	Fields map[string]string
}

// NewMessage builds a message, turning every payload value into a string.
// Strings pass through, nil values are dropped, anything else is JSON encoded.
func NewMessage(t MessageType, payload map[string]interface{}) (Message, error) {
	m := Message{Type: t, Fields: make(map[string]string, len(payload))}
	for k, v := range payload {
		if k == "type" {
			return Message{}, fmt.Errorf("payload field %q is reserved", k)
		}
		switch val := v.(type) {
		case nil:
			continue
		case string:
			m.Fields[k] = val
		default:
			raw, err := json.Marshal(val)
			if err != nil {
				return Message{}, fmt.Errorf("encode %s field %q: %w", t, k, err)
			}
			m.Fields[k] = string(raw)
		}
	}
	return m, nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	flat := make(map[string]string, len(m.Fields)+1)
	for k, v := range m.Fields {
		flat[k] = v
	}
	flat["type"] = string(m.Type)
	return json.Marshal(flat)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var flat map[string]string
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	m.Type = MessageType(flat["type"])
	delete(flat, "type")
	m.Fields = flat
	return nil
}

// Envelope is a queued message addressed to one flow
type Envelope struct {
	ID        string    `json:"id"`
	FlowID    string    `json:"flow_id"`
	Message   Message   `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func NewEnvelope(flowID string, m Message) Envelope {
	id := ksuid.New()
	return Envelope{ID: id.String(), FlowID: flowID, Message: m, CreatedAt: id.Time()}
}
