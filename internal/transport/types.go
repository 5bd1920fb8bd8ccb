package transport

import "context"

// ChatTarget addresses an outbound message: a chat plus an optional
// forum topic thread (0 if none).
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef is an opaque handle to a previously sent message.
// It is the only thing an edit needs.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

func (r MessageRef) IsZero() bool { return r.ChatID == 0 && r.MessageID == 0 }

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// ChatInfo describes a group/supergroup chat the bot was spoken to in.
// Used to register notification targets without hand-editing chat ids.
type ChatInfo struct {
	ChatID   int64
	Title    string
	Username string
	Type     string // "group" or "supergroup"
	IsForum  bool
	ThreadID int
}

// Gateway sends and edits messages in the destination channel.
//
// Both calls are blocking I/O; failures (network, 4xx/5xx) are returned
// to the caller and are never retried here.
type Gateway interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
}

// ChatRecorder receives chat registrations observed by the poller.
type ChatRecorder interface {
	RecordChat(ctx context.Context, info ChatInfo) error
}
