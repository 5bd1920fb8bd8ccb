package storage

import (
	"errors"
	"time"

	"gitrelay/internal/render"
	"gitrelay/internal/transport"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the sqlite backing file.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// EventRecord is one normalized webhook delivery, kept for audit.
// Keep it compact and schema-stable.
type EventRecord struct {
	DeliveryID  string // uuid assigned at intake
	At          time.Time
	Kind        string
	Project     string
	Branch      string
	Status      string
	Actor       string
	ActorID     int64
	DurationSec *int64
	Payload     string // raw payload JSON
}

// Project is the per-project routing target plus display preferences.
// Projects are created on first sight of their name; an operator then
// points them at a chat.
type Project struct {
	ID        int64
	Name      string
	ChatID    int64
	ThreadID  int
	Prefs     render.Prefs
	CreatedAt time.Time
}

// Routed reports whether the project has a destination chat configured.
func (p Project) Routed() bool { return p.ChatID != 0 }

func (p Project) Target() transport.ChatTarget {
	return transport.ChatTarget{ChatID: p.ChatID, ThreadID: p.ThreadID}
}

// UserMapping ties a project's GitLab username to a Telegram account, so
// the rendered User line can be a clickable mention instead of plain text.
type UserMapping struct {
	ProjectID      int64
	GitlabUsername string
	TelegramID     int64
}

// ChatLink is a group/supergroup the bot has seen, registered so projects
// can be pointed at it by name instead of raw chat id.
type ChatLink struct {
	ChatID    int64
	Title     string
	Username  string
	Type      string
	IsForum   bool
	ThreadID  int
	UpdatedAt time.Time
}
