package protocol

import (
	"sort"
	"strings"
)

// MaxContentLength bounds a message body in bytes. Sealing and wrapping
// grow the payload, so the body that actually fits a gift wrap is smaller
// (about 40 KB of plain ASCII); senders check the built wrap as well.
const MaxContentLength = 65535

// Status of a message from the local point of view.
type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Message is a decrypted direct message as the application sees it.
type Message struct {
	ID             string `json:"id"`
	Sender         string `json:"sender"`
	Recipient      string `json:"recipient"`
	Peer           string `json:"peer"`
	ConversationID string `json:"conversation"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"created_at"`
	Mine           bool   `json:"mine"`
	Status         Status `json:"status"`
}

// ConversationID is the sorted, lowercased join of both participant keys.
func ConversationID(a, b string) string {
	pair := []string{strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

// Less orders messages by (CreatedAt, ID).
func (m Message) Less(other Message) bool {
	if m.CreatedAt != other.CreatedAt {
		return m.CreatedAt < other.CreatedAt
	}
	return m.ID < other.ID
}

// MessageFromRumor builds the local record of an outgoing rumor.
func MessageFromRumor(rumor Event, recipient string, status Status) Message {
	return Message{
		ID:             rumor.ID,
		Sender:         rumor.PubKey,
		Recipient:      recipient,
		Peer:           recipient,
		ConversationID: ConversationID(rumor.PubKey, recipient),
		Content:        rumor.Content,
		CreatedAt:      rumor.CreatedAt,
		Mine:           true,
		Status:         status,
	}
}

// RumorFromMessage rebuilds the rumor an outgoing message was made from.
// The result carries the same id as long as the rumor had no extra tags.
func RumorFromMessage(m Message) Event {
	rumor := Event{
		PubKey:    m.Sender,
		CreatedAt: m.CreatedAt,
		Kind:      KindDirectMessage,
		Tags:      Tags{{"p", m.Recipient}},
		Content:   m.Content,
	}
	rumor.ID = rumor.ComputeID()
	return rumor
}
