package storage

import (
	"context"
	"time"

	"gitrelay/internal/transport"
	logx "gitrelay/pkg/logx"
)

// Store is the persistence API used by the server and the sweeper.
type Store interface {
	AppendEvent(ctx context.Context, e EventRecord) error
	PruneEvents(ctx context.Context, olderThan time.Time) (int64, error)

	GetOrCreateProject(ctx context.Context, name string) (Project, error)
	UpdateProject(ctx context.Context, p Project) error
	ListProjects(ctx context.Context) ([]Project, error)

	MapUser(ctx context.Context, m UserMapping) error
	TelegramUserID(ctx context.Context, projectID int64, gitlabUsername string) (int64, bool, error)
	ListUserMappings(ctx context.Context, projectID int64) ([]UserMapping, error)

	RecordChat(ctx context.Context, info transport.ChatInfo) error
	ListChats(ctx context.Context) ([]ChatLink, error)

	Close() error
}

// Open initializes the sqlite store at cfg.Path.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
