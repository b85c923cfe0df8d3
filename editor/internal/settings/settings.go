// Package settings persists user settings in SQLite and serves them to the
// editor core through the hostcall bus.
package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/canvasync/dbopen"
	"github.com/hazyhaar/canvasync/hostcall"
	"github.com/hazyhaar/canvasync/watch"
)

// Schema for the user_settings table.
const Schema = `
CREATE TABLE IF NOT EXISTS user_settings (
	key         TEXT PRIMARY KEY,
	value       TEXT NOT NULL,
	updated_at  INTEGER NOT NULL
);
`

const keyIdeType = "ide_type"

// UserSettings is the payload of get-user-settings and update-user-settings.
// Empty fields are unset.
type UserSettings struct {
	IdeType string `json:"ideType,omitempty"`
}

// Ack is the update-user-settings response.
type Ack struct {
	OK bool `json:"ok"`
}

// Store is the settings database handle.
type Store struct {
	DB     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the settings database at path.
func Open(path string, logger *slog.Logger, opts ...dbopen.Option) (*Store, error) {
	all := append([]dbopen.Option{dbopen.WithMkdirAll(), dbopen.WithSchema(Schema)}, opts...)
	db, err := dbopen.Open(path, all...)
	if err != nil {
		return nil, err
	}
	return New(db, logger), nil
}

// New wraps an already opened database. The schema must be applied.
func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{DB: db, logger: logger}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Get reads the persisted settings. Missing keys leave fields empty.
func (s *Store) Get(ctx context.Context) (UserSettings, error) {
	var out UserSettings
	rows, err := s.DB.QueryContext(ctx, `SELECT key, value FROM user_settings`)
	if err != nil {
		return out, fmt.Errorf("settings: get: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return out, fmt.Errorf("settings: get: %w", err)
		}
		if k == keyIdeType {
			out.IdeType = v
		}
	}
	return out, rows.Err()
}

// Update writes every non-empty field of u. Other keys are untouched.
func (s *Store) Update(ctx context.Context, u UserSettings) error {
	if u.IdeType == "" {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO user_settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		keyIdeType, u.IdeType, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("settings: update: %w", err)
	}
	s.logger.DebugContext(ctx, "settings: updated", "ide_type", u.IdeType)
	return nil
}

// HandleGet is the get-user-settings hostcall handler.
func (s *Store) HandleGet(ctx context.Context, _ []byte) ([]byte, error) {
	u, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(u)
}

// HandleUpdate is the update-user-settings hostcall handler.
func (s *Store) HandleUpdate(ctx context.Context, payload []byte) ([]byte, error) {
	var u UserSettings
	if err := json.Unmarshal(payload, &u); err != nil {
		return nil, fmt.Errorf("settings: update: decode: %w", err)
	}
	if err := s.Update(ctx, u); err != nil {
		return nil, err
	}
	return json.Marshal(Ack{OK: true})
}

// Register binds both handlers on bus.
func (s *Store) Register(bus *hostcall.Router) {
	bus.RegisterLocal(hostcall.GetUserSettings, s.HandleGet)
	bus.RegisterLocal(hostcall.UpdateUserSettings, s.HandleUpdate)
}

// Watcher returns a watcher that fires when any process writes a setting.
func (s *Store) Watcher(interval time.Duration) *watch.Watcher {
	return watch.New(s.DB, watch.Options{
		Interval: interval,
		Debounce: 100 * time.Millisecond,
		Detector: watch.MaxColumnDetector("user_settings", "updated_at"),
		Logger:   s.logger,
	})
}
