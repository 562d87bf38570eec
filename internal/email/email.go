package email

import "context"

type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Sender is the fire-and-forget email transport collaborator. A non-nil
// error means the message must be treated as not sent: callers never
// persist reminder progress on a failed send.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}
