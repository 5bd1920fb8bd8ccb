package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"gitrelay/internal/render"
	"gitrelay/internal/transport"
	logx "gitrelay/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendEvent(ctx context.Context, e EventRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	var dur any
	if e.DurationSec != nil {
		dur = *e.DurationSec
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(delivery_id, at, kind, project, branch, status, actor, actor_id, duration_s, payload)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.DeliveryID, e.At.Format(time.RFC3339Nano), e.Kind, e.Project,
		nullStr(e.Branch), nullStr(e.Status), nullStr(e.Actor), e.ActorID, dur, nullStr(e.Payload),
	)
	return err
}

func (s *sqliteStore) PruneEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE at < ?`, olderThan.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqliteStore) GetOrCreateProject(ctx context.Context, name string) (Project, error) {
	if s == nil || s.db == nil {
		return Project{}, ErrDisabled
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Project{}, errors.New("project name is empty")
	}

	// First sight of a project registers it unrouted; an operator assigns
	// the chat later. ON CONFLICT keeps concurrent first deliveries safe.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects(name, created_at) VALUES(?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		name, time.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return Project{}, err
	}
	return s.getProject(ctx, name)
}

func (s *sqliteStore) getProject(ctx context.Context, name string) (Project, error) {
	var (
		p    Project
		at   string
		show [5]bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, chat_id, thread_id, show_project, show_status, show_branch, show_user, show_duration, created_at
		 FROM projects WHERE name = ?`, name,
	).Scan(&p.ID, &p.Name, &p.ChatID, &p.ThreadID, &show[0], &show[1], &show[2], &show[3], &show[4], &at)
	if err != nil {
		return Project{}, err
	}
	p.Prefs = render.Prefs{
		ShowProject:  show[0],
		ShowStatus:   show[1],
		ShowBranch:   show[2],
		ShowUser:     show[3],
		ShowDuration: show[4],
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, at)
	return p, nil
}

func (s *sqliteStore) UpdateProject(ctx context.Context, p Project) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET chat_id=?, thread_id=?, show_project=?, show_status=?, show_branch=?, show_user=?, show_duration=?
		 WHERE name=?`,
		p.ChatID, p.ThreadID,
		p.Prefs.ShowProject, p.Prefs.ShowStatus, p.Prefs.ShowBranch, p.Prefs.ShowUser, p.Prefs.ShowDuration,
		p.Name,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %q not found", p.Name)
	}
	return nil
}

func (s *sqliteStore) ListProjects(ctx context.Context) ([]Project, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM projects ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Project
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, name := range names {
		p, err := s.getProject(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *sqliteStore) MapUser(ctx context.Context, m UserMapping) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	username := strings.TrimSpace(m.GitlabUsername)
	if username == "" {
		return errors.New("gitlab username is empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(project_id, gitlab_username, telegram_id) VALUES(?,?,?)
		 ON CONFLICT(project_id, gitlab_username) DO UPDATE SET telegram_id=excluded.telegram_id`,
		m.ProjectID, username, m.TelegramID,
	)
	return err
}

func (s *sqliteStore) TelegramUserID(ctx context.Context, projectID int64, gitlabUsername string) (int64, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, ErrDisabled
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT telegram_id FROM users WHERE project_id = ? AND gitlab_username = ?`,
		projectID, gitlabUsername,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (s *sqliteStore) ListUserMappings(ctx context.Context, projectID int64) ([]UserMapping, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, gitlab_username, telegram_id FROM users
		 WHERE project_id = ? ORDER BY gitlab_username`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserMapping
	for rows.Next() {
		var m UserMapping
		if err := rows.Scan(&m.ProjectID, &m.GitlabUsername, &m.TelegramID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecordChat(ctx context.Context, info transport.ChatInfo) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats(chat_id, title, username, type, is_forum, thread_id, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   title=excluded.title, username=excluded.username, type=excluded.type,
		   is_forum=excluded.is_forum, thread_id=excluded.thread_id, updated_at=excluded.updated_at`,
		info.ChatID, nullStr(info.Title), nullStr(info.Username), nullStr(info.Type),
		info.IsForum, info.ThreadID, time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) ListChats(ctx context.Context) ([]ChatLink, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, COALESCE(title,''), COALESCE(username,''), COALESCE(type,''), is_forum, thread_id, updated_at
		 FROM chats ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatLink
	for rows.Next() {
		var (
			c  ChatLink
			at string
		)
		if err := rows.Scan(&c.ChatID, &c.Title, &c.Username, &c.Type, &c.IsForum, &c.ThreadID, &at); err != nil {
			return nil, err
		}
		c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
