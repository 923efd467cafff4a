package store

import (
	"context"
	"fmt"
	"time"

	"github.com/televibe/televibe/internal/common/sqlite"
)

// GetPreferences returns a user's preferences, or sensible defaults when the
// user has never saved any.
func (s *Store) GetPreferences(ctx context.Context, userID int64) (*UserPreferences, error) {
	var row struct {
		UserID           int64     `db:"user_id"`
		ModelID          string    `db:"model_id"`
		ModelProvider    string    `db:"model_provider"`
		ActiveSessionID  string    `db:"active_session_id"`
		Notify           int       `db:"notify"`
		TrackerPreset    string    `db:"tracker_preset"`
		TrackerOverrides string    `db:"tracker_overrides"`
		UpdatedAt        time.Time `db:"updated_at"`
	}
	err := s.pool.Reader().GetContext(ctx, &row,
		`SELECT * FROM user_preferences WHERE user_id = ?`, userID)
	if isNoRows(err) {
		return &UserPreferences{
			UserID:           userID,
			Notify:           true,
			TrackerPreset:    "normal",
			TrackerOverrides: "{}",
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	return &UserPreferences{
		UserID:           row.UserID,
		ModelID:          row.ModelID,
		ModelProvider:    row.ModelProvider,
		ActiveSessionID:  row.ActiveSessionID,
		Notify:           row.Notify != 0,
		TrackerPreset:    row.TrackerPreset,
		TrackerOverrides: row.TrackerOverrides,
		UpdatedAt:        row.UpdatedAt,
	}, nil
}

// SavePreferences inserts or replaces a user's preferences.
func (s *Store) SavePreferences(ctx context.Context, p *UserPreferences) error {
	p.UpdatedAt = time.Now().UTC()
	if p.TrackerOverrides == "" {
		p.TrackerOverrides = "{}"
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, model_id, model_provider, active_session_id,
			notify, tracker_preset, tracker_overrides, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			model_id = excluded.model_id,
			model_provider = excluded.model_provider,
			active_session_id = excluded.active_session_id,
			notify = excluded.notify,
			tracker_preset = excluded.tracker_preset,
			tracker_overrides = excluded.tracker_overrides,
			updated_at = excluded.updated_at`,
		p.UserID, p.ModelID, p.ModelProvider, p.ActiveSessionID,
		sqlite.BoolToInt(p.Notify), p.TrackerPreset, p.TrackerOverrides,
		isoTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}
