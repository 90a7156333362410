package model

import (
	"encoding/json"
	"time"
)

// Stream topics consumed by the pipeline. Unknown types on the wire are
// ignored upstream, never errors.
const (
	TopicTransactionNew = "transaction:new"
	TopicAlert          = "alert"
	TopicAny            = "*"
)

// StreamFrame is the raw wire shape of every inbound streaming message.
type StreamFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// InboundEnvelope is a decoded inbound message. Immutable once constructed;
// only the connection manager produces these.
type InboundEnvelope struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}
