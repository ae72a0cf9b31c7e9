// Package models holds the shared data model for the chat synchronization
// engine: messages, chats, and the confirmation/status payloads exchanged
// with the server.
package models

// Status is the delivery state of a message as seen by this client.
type Status string

const (
	// StatusPending is a locally created message awaiting server confirmation.
	StatusPending Status = "pending"

	// StatusSent means the server accepted the message and assigned it a
	// server id and timestamp.
	StatusSent Status = "sent"

	// StatusDelivered means the server reported delivery to the recipient(s).
	StatusDelivered Status = "delivered"

	// StatusRead means the server reported the message was read.
	StatusRead Status = "read"

	// StatusFailed means delivery failed. The content is preserved so the
	// user can retry with the same correlation id.
	StatusFailed Status = "failed"
)

// statusRank orders statuses by progression. Merges never move a message
// backwards: a Read message stays Read when an older Sent confirmation for
// the same server id is re-applied.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusFailed:    0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Rank returns the progression rank of a status. Unknown statuses rank
// lowest so they never overwrite known state.
func (s Status) Rank() int {
	return statusRank[s]
}

// ChatKind distinguishes one-to-one chats from group chats.
type ChatKind string

const (
	ChatDirect ChatKind = "direct"
	ChatGroup  ChatKind = "group"
)

// Chat is the per-conversation record. LastServerTimestamp is the resync
// watermark: history older than or equal to it has already been merged.
type Chat struct {
	ID                  string   `json:"id"`
	Kind                ChatKind `json:"kind"`
	Participants        []string `json:"participants,omitempty"`
	LastServerTimestamp int64    `json:"lastServerTimestamp"`
}

// Message is a single chat message. A message carries exactly one active
// identity at a time: LocalID while it is a client-side placeholder, and
// ServerID once the server has confirmed it. On confirmation the local id
// is discarded.
//
// CreatedAtLocal (client clock) orders unconfirmed messages among
// themselves. CreatedAtServer (authoritative) orders confirmed messages
// and is zero until confirmation.
type Message struct {
	LocalID         string `json:"localId,omitempty"`
	ServerID        string `json:"serverId,omitempty"`
	ChatID          string `json:"chatId"`
	SenderID        string `json:"senderId"`
	Text            string `json:"text,omitempty"`
	AttachmentRef   string `json:"attachmentRef,omitempty"`
	CreatedAtLocal  int64  `json:"createdAtLocal"`
	CreatedAtServer int64  `json:"createdAtServer,omitempty"`
	Status          Status `json:"status"`
}

// Confirmed reports whether the server has accepted this message.
func (m Message) Confirmed() bool {
	return m.ServerID != ""
}

// Key returns the active identity of the message: the server id once
// confirmed, otherwise the local correlation id.
func (m Message) Key() string {
	if m.ServerID != "" {
		return m.ServerID
	}

	return m.LocalID
}

// Less defines the canonical display order: all confirmed messages first,
// by server timestamp (server id as tiebreaker for stability), then all
// Pending/Failed messages by local creation time.
func Less(a, b Message) bool {
	if a.Confirmed() != b.Confirmed() {
		return a.Confirmed()
	}

	if a.Confirmed() {
		if a.CreatedAtServer != b.CreatedAtServer {
			return a.CreatedAtServer < b.CreatedAtServer
		}

		return a.ServerID < b.ServerID
	}

	if a.CreatedAtLocal != b.CreatedAtLocal {
		return a.CreatedAtLocal < b.CreatedAtLocal
	}

	return a.LocalID < b.LocalID
}

// Confirmation is a server-accepted message record, arriving either as a
// direct response to a send, as a live-channel broadcast, or in a history
// fetch. LocalID echoes the client correlation id when the server has it;
// some broadcast paths omit it.
type Confirmation struct {
	ServerID        string `json:"serverId"`
	LocalID         string `json:"localId,omitempty"`
	ChatID          string `json:"chatId"`
	SenderID        string `json:"senderId"`
	Text            string `json:"text,omitempty"`
	AttachmentRef   string `json:"attachmentRef,omitempty"`
	CreatedAtServer int64  `json:"createdAtServer"`
	Status          Status `json:"status,omitempty"`
}

// Message converts a confirmation into the confirmed message record it
// represents. The local id is dropped: a confirmed message carries only
// its server identity.
func (c Confirmation) Message() Message {
	status := c.Status
	if status == "" || status == StatusPending {
		status = StatusSent
	}

	return Message{
		ServerID:        c.ServerID,
		ChatID:          c.ChatID,
		SenderID:        c.SenderID,
		Text:            c.Text,
		AttachmentRef:   c.AttachmentRef,
		CreatedAtServer: c.CreatedAtServer,
		Status:          status,
	}
}

// StatusUpdate is a server-driven delivery/read state change for an
// already-confirmed message. A server id is always present.
type StatusUpdate struct {
	ServerID string `json:"serverId"`
	ChatID   string `json:"chatId"`
	Status   Status `json:"status"`
	At       int64  `json:"at,omitempty"`
}
