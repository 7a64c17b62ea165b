// Package chat is the narrow surface the request pipeline needs from a chat
// platform: a stream of inbound messages, attachment download, and replies.
package chat

import (
	"context"
	"io"
)

// Attachment is a file carried by an inbound message. URL is platform
// specific and only meaningful to the gateway that produced it.
type Attachment struct {
	ID          string
	Filename    string
	ContentType string
	URL         string
	Size        int64
}

// Message is an inbound chat message. Addressed is set by the gateway when the
// bot was mentioned (or triggered some other platform-specific way).
type Message struct {
	Platform    string
	ID          string
	ChannelID   string
	GuildID     string
	AuthorID    string
	AuthorName  string
	Text        string
	Addressed   bool
	Attachments []Attachment
}

// Upload is a local file to send back as a reply.
type Upload struct {
	Name        string
	ContentType string
	Path        string
}

type Gateway interface {
	Name() string
	// Listen starts receiving and returns the message stream. The channel is
	// closed when ctx is done or the connection is lost for good.
	Listen(ctx context.Context) (<-chan Message, error)
	Fetch(ctx context.Context, a Attachment) (io.ReadCloser, error)
	// Reply posts the upload as a reply to msg.
	Reply(ctx context.Context, msg Message, up Upload) error
	// Notify posts a short text reply to msg.
	Notify(ctx context.Context, msg Message, text string) error
	Typing(ctx context.Context, msg Message) error
}
