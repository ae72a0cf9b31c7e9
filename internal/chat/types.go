package chat

import "github.com/alexjbarnes/chat-sync/internal/models"

// InitMessage is the first frame sent after dialing the live channel.
type InitMessage struct {
	Op     string `json:"op"`
	Token  string `json:"token"`
	Sender string `json:"sender"`
	Device string `json:"device"`
}

// InitResponse is the server's reply to init.
type InitResponse struct {
	Res string `json:"res"`
	Msg string `json:"msg,omitempty"`
}

// GenericMessage is used to peek at the op field of an inbound frame
// before full decoding.
type GenericMessage struct {
	Op  string `json:"op"`
	Res string `json:"res,omitempty"`
	Err string `json:"err,omitempty"`
}

// JoinMessage subscribes the connection to a chat room. Joining a room the
// connection is already in is a no-op server-side, which is what makes
// resubscription after reconnect safe.
type JoinMessage struct {
	Op     string `json:"op"`
	ChatID string `json:"chatId"`
}

// ClientSendMessage carries an outbound message over the live channel.
// LocalID is the correlation id the server echoes back in the ack and, on
// most paths, in the broadcast.
type ClientSendMessage struct {
	Op             string `json:"op"`
	ChatID         string `json:"chatId"`
	LocalID        string `json:"localId"`
	SenderID       string `json:"senderId"`
	Text           string `json:"text,omitempty"`
	AttachmentRef  string `json:"attachmentRef,omitempty"`
	CreatedAtLocal int64  `json:"createdAtLocal"`
}

// AckMessage is the server's direct reply to a send or join on the live
// channel. For sends it carries the confirmed message record.
type AckMessage struct {
	Op      string               `json:"op"`
	Err     string               `json:"err,omitempty"`
	Message *models.Confirmation `json:"message,omitempty"`
}

// BroadcastMessage is a server push of a confirmed message to every
// subscriber of a room, including (on some paths) the original sender.
type BroadcastMessage struct {
	Op      string              `json:"op"`
	Message models.Confirmation `json:"message"`
}

// StatusMessage is a server push of a delivered/read state change.
type StatusMessage struct {
	Op     string              `json:"op"`
	Update models.StatusUpdate `json:"update"`
}
