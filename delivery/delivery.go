// Package delivery is the side-channel boundary: one-time codes and magic
// links leave the engine only through a [Sender]. The engine treats delivery
// as best-effort; a failed send never invalidates the secret it carried.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Channel selects the transport for a message.
type Channel string

const (
	// ChannelEmail delivers over SMTP or an email API.
	ChannelEmail Channel = "email"
	// ChannelSMS delivers over an SMS provider.
	ChannelSMS Channel = "sms"
)

// ErrSendFailed wraps transport failures from a sender.
var ErrSendFailed = errors.New("delivery: send failed")

// Message is one outbound notification.
type Message struct {
	Channel Channel
	// To is the destination: a mailbox for email, a number for SMS.
	To      string
	Subject string
	Body    string
	// HTMLBody, when set, is sent as the rich alternative for email.
	HTMLBody string
}

// Receipt reports a completed send.
type Receipt struct {
	// ProviderID is the transport's message identifier, when it has one.
	ProviderID string
	SentAt     time.Time
}

// Sender delivers messages. Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, msg Message) (*Receipt, error)
}

// Func adapts a plain function to [Sender].
type Func func(ctx context.Context, msg Message) (*Receipt, error)

// Send implements [Sender].
func (f Func) Send(ctx context.Context, msg Message) (*Receipt, error) {
	return f(ctx, msg)
}

// Capture is a [Sender] that records every message, for tests and local
// development.
type Capture struct {
	mu       sync.Mutex
	messages []Message
	// Err, when set, is returned by Send instead of recording.
	Err error
}

// Send implements [Sender].
func (c *Capture) Send(_ context.Context, msg Message) (*Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	c.messages = append(c.messages, msg)
	return &Receipt{SentAt: time.Now()}, nil
}

// Messages returns a copy of everything sent so far.
func (c *Capture) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Last returns the most recent message, or false when nothing was sent.
func (c *Capture) Last() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}
