package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Message is the unit of communication between deployments. Timestamps are
// unix milliseconds; ExpiresAt of zero means the message never expires.
type Message struct {
	MessageID   string          `json:"message_id"`
	From        DeploymentID    `json:"from"`
	To          DeploymentID    `json:"to"`
	Type        MessageType     `json:"type"`
	Timestamp   int64           `json:"timestamp"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    Priority        `json:"priority"`
	RequiresAck bool            `json:"requires_ack,omitempty"`
	ExpiresAt   int64           `json:"expires_at,omitempty"`
}

type Options struct {
	Priority    Priority
	RequiresAck bool
	TTL         time.Duration
}

func New(from DeploymentID, to DeploymentID, msgType MessageType, payload any, opts Options) (Message, error) {
	if !ValidDeployment(from) {
		return Message{}, fmt.Errorf("invalid origin deployment %q", from)
	}
	if !ValidDeployment(to) && to != Broadcast {
		return Message{}, fmt.Errorf("invalid destination %q", to)
	}
	if !ValidMessageType(msgType) {
		return Message{}, fmt.Errorf("invalid message type %q", msgType)
	}
	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	if !ValidPriority(priority) {
		return Message{}, fmt.Errorf("invalid priority %q", priority)
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode payload: %w", err)
		}
		raw = b
	}

	now := time.Now().UTC()
	msg := Message{
		MessageID:   newMessageID(from, now),
		From:        from,
		To:          to,
		Type:        msgType,
		Timestamp:   now.UnixMilli(),
		Payload:     raw,
		Priority:    priority,
		RequiresAck: opts.RequiresAck,
	}
	if opts.TTL > 0 {
		msg.ExpiresAt = now.Add(opts.TTL).UnixMilli()
	}
	return msg, nil
}

// Expired reports whether the message's expiry has passed. A message without
// an expiry never expires.
func (m Message) Expired(now time.Time) bool {
	return m.ExpiresAt > 0 && now.UnixMilli() > m.ExpiresAt
}

// DecodePayload unmarshals the payload into dst.
func (m Message) DecodePayload(dst any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.MessageID)
	}
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Less is the queue ordering: higher priority first, then earlier timestamp,
// then message id as a deterministic tiebreak. It is a strict weak ordering
// suitable for sort.Slice.
func Less(a Message, b Message) bool {
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() > b.Priority.Rank()
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.MessageID < b.MessageID
}

func newMessageID(from DeploymentID, now time.Time) string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%s-%d", from, now.UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", from, now.UnixMilli(), hex.EncodeToString(b[:]))
}
