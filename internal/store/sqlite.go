package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "notifybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the sqlite-backed persistence layer.
//
// A single pooled connection serializes all reads and writes, so a due-scan
// never observes a half-applied create or remove.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Tasks ----

const taskCols = "seq, id, owner_id, body, buttons, interval_ms, next_fire, enabled, created_at"

// CreateTask persists a fully-formed draft and returns the stored task.
// The id is fresh; ErrDuplicateID only occurs if the id generator misbehaves.
func (s *Store) CreateTask(ctx context.Context, d Draft) (Task, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	btns, err := json.Marshal(d.Buttons)
	if err != nil {
		return Task{}, fmt.Errorf("marshal buttons: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, owner_id, body, buttons, interval_ms, next_fire, enabled, created_at)
		 VALUES(?,?,?,?,?,?,1,?)`,
		id, d.Owner, d.Text, string(btns), d.Interval.Milliseconds(),
		d.NextFire.UnixMilli(), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return Task{}, ErrDuplicateID
		}
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Task{}, fmt.Errorf("task seq: %w", err)
	}

	return Task{
		ID:        id,
		Seq:       seq,
		Owner:     d.Owner,
		Text:      d.Text,
		Buttons:   append([]Button(nil), d.Buttons...),
		Interval:  d.Interval,
		NextFire:  d.NextFire,
		Enabled:   true,
		CreatedAt: now,
	}, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	return t, err
}

// ListTasks returns all tasks in creation (insertion) order.
func (s *Store) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM tasks ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *Store) RemoveTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// AdvanceDue atomically updates exactly the next_fire field.
// Returns ErrTaskNotFound if the task was removed concurrently.
func (s *Store) AdvanceDue(ctx context.Context, id string, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET next_fire = ? WHERE id = ?`, next.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("advance due: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *Store) SetTaskEnabled(ctx context.Context, id string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET enabled = ? WHERE id = ?`, v, id)
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// DueBefore returns enabled tasks with next_fire <= now, ordered by
// next_fire then creation order so a tick processes them deterministically.
func (s *Store) DueBefore(ctx context.Context, now time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM tasks
		 WHERE enabled = 1 AND next_fire <= ?
		 ORDER BY next_fire ASC, seq ASC`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (Task, error) {
	var (
		t          Task
		buttons    string
		intervalMS int64
		nextFire   int64
		enabled    int
		createdAt  string
	)
	if err := r.Scan(&t.Seq, &t.ID, &t.Owner, &t.Text, &buttons, &intervalMS, &nextFire, &enabled, &createdAt); err != nil {
		return Task{}, err
	}
	if err := json.Unmarshal([]byte(buttons), &t.Buttons); err != nil {
		return Task{}, fmt.Errorf("task %s: decode buttons: %w", t.ID, err)
	}
	t.Interval = time.Duration(intervalMS) * time.Millisecond
	t.NextFire = time.UnixMilli(nextFire)
	t.Enabled = enabled != 0
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		t.CreatedAt = ts
	}
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---- Whitelist (admins / groups) ----

func (s *Store) AddAdmin(ctx context.Context, userID, addedBy int64) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO admins(user_id, added_by, added_at) VALUES(?,?,?)
		 ON CONFLICT(user_id) DO NOTHING`,
		userID, addedBy, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("add admin: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAdminExists
	}
	return nil
}

func (s *Store) RemoveAdmin(ctx context.Context, userID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM admins WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("remove admin: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAdminNotFound
	}
	return nil
}

func (s *Store) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM admins WHERE user_id = ?`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ListAdmins(ctx context.Context) ([]int64, error) {
	return s.listIDs(ctx, `SELECT user_id FROM admins ORDER BY user_id ASC`)
}

func (s *Store) AddGroup(ctx context.Context, chatID, addedBy int64) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO groups(chat_id, added_by, added_at) VALUES(?,?,?)
		 ON CONFLICT(chat_id) DO NOTHING`,
		chatID, addedBy, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("add group: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrGroupExists
	}
	return nil
}

func (s *Store) RemoveGroup(ctx context.Context, chatID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE chat_id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("remove group: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrGroupNotFound
	}
	return nil
}

func (s *Store) ListGroups(ctx context.Context) ([]int64, error) {
	return s.listIDs(ctx, `SELECT chat_id FROM groups ORDER BY chat_id ASC`)
}

func (s *Store) listIDs(ctx context.Context, query string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
