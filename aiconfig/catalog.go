package aiconfig

import (
	"context"
	"time"

	"github.com/m4xw311/fuzz/errors"
	"github.com/rs/zerolog/log"
)

// AddModel inserts a catalogue entry, or refreshes it when the provider and
// model id already exist.
func (s *Store) AddModel(ctx context.Context, m Model) (int64, error) {
	if m.DisplayName == "" {
		m.DisplayName = m.ModelID
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO ai_models
		(provider, model_id, display_name, is_custom, capabilities, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, model_id) DO UPDATE SET
			display_name = excluded.display_name,
			capabilities = excluded.capabilities`,
		m.Provider.String(), m.ModelID, m.DisplayName, m.IsCustom, int(m.Capabilities), s.now().UnixMilli())
	if err != nil {
		return 0, errors.Wrapf(err, "insert model %s", m.ModelID)
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM ai_models WHERE provider = ? AND model_id = ?`,
		m.Provider.String(), m.ModelID).Scan(&id)
	return id, errors.Wrapf(err, "read model id %s", m.ModelID)
}

func (s *Store) DeleteModel(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ai_models WHERE id = ?`, id)
	return errors.Wrapf(err, "delete model %d", id)
}

// ModelFilter narrows ListModels. Zero values match everything.
type ModelFilter struct {
	Provider   *Provider
	Capability Capability
}

func (s *Store) ListModels(ctx context.Context, f ModelFilter) ([]Model, error) {
	query := `SELECT id, provider, model_id, display_name, is_custom, capabilities, created_at FROM ai_models WHERE 1 = 1`
	var args []any
	if f.Provider != nil {
		query += ` AND provider = ?`
		args = append(args, f.Provider.String())
	}
	if f.Capability != 0 {
		query += ` AND (capabilities & ?) = ?`
		args = append(args, int(f.Capability), int(f.Capability))
	}
	query += ` ORDER BY provider, display_name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "list models")
	}
	defer rows.Close()

	var out []Model
	for rows.Next() {
		var (
			m         Model
			provider  string
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &provider, &m.ModelID, &m.DisplayName, &m.IsCustom, &m.Capabilities, &createdAt); err != nil {
			return nil, errors.Wrapf(err, "scan model")
		}
		if m.Provider, err = ParseProvider(provider); err != nil {
			return nil, err
		}
		m.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// SyncLocalModels adds or refreshes a catalogue entry for every model the
// local server at apiBase reports. A server that cannot be reached yields
// zero models, not an error.
func (s *Store) SyncLocalModels(ctx context.Context, lister ModelLister, apiBase string) (int, error) {
	discovered, err := lister.ListModels(ctx, apiBase)
	if err != nil {
		log.Warn().Err(err).Str("api_base", apiBase).Msg("local model discovery failed")
		return 0, nil
	}
	for _, d := range discovered {
		if _, err := s.AddModel(ctx, Model{
			Provider:     ProviderLocal,
			ModelID:      d.Name,
			DisplayName:  d.Name + " (Local)",
			Capabilities: DetectCapabilities(d),
		}); err != nil {
			return 0, err
		}
	}
	log.Info().Int("models", len(discovered)).Str("api_base", apiBase).Msg("local models synchronised")
	return len(discovered), nil
}

// CleanupMissingLocalModels removes local catalogue entries and userID's
// local configurations whose model is no longer served at apiBase. Nothing is
// removed when the server cannot be listed.
func (s *Store) CleanupMissingLocalModels(ctx context.Context, userID string, lister ModelLister, apiBase string) (int, error) {
	discovered, err := lister.ListModels(ctx, apiBase)
	if err != nil {
		return 0, errors.WrapKind(errors.KindBackend, err, "local model server unreachable")
	}
	served := make(map[string]bool, len(discovered))
	for _, d := range discovered {
		served[d.Name] = true
	}

	local := ProviderLocal
	models, err := s.ListModels(ctx, ModelFilter{Provider: &local})
	if err != nil {
		return 0, err
	}
	configs, err := s.ListConfigs(ctx, userID)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, m := range models {
		if m.IsCustom || served[m.ModelID] {
			continue
		}
		if err := s.DeleteModel(ctx, m.ID); err != nil {
			return removed, err
		}
		removed++
	}
	for _, c := range configs {
		if c.Provider != ProviderLocal || served[c.ModelID] {
			continue
		}
		if err := s.DeleteConfig(ctx, userID, c.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// SaveSQLLog appends an audit row.
func (s *Store) SaveSQLLog(ctx context.Context, l SQLLog) error {
	created := l.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO sql_logs (user_id, input_text, generated_sql, created_at)
		VALUES (?, ?, ?, ?)`, l.UserID, l.InputText, l.GeneratedSQL, created.UnixMilli())
	return errors.Wrapf(err, "save sql log")
}

// ListSQLLogs returns the newest audit rows of userID first. limit <= 0 means no limit.
func (s *Store) ListSQLLogs(ctx context.Context, userID string, limit int) ([]SQLLog, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, input_text, generated_sql, created_at
		FROM sql_logs WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "list sql logs")
	}
	defer rows.Close()

	var out []SQLLog
	for rows.Next() {
		var (
			l         SQLLog
			createdAt int64
		)
		if err := rows.Scan(&l.ID, &l.UserID, &l.InputText, &l.GeneratedSQL, &createdAt); err != nil {
			return nil, errors.Wrapf(err, "scan sql log")
		}
		l.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, l)
	}
	return out, rows.Err()
}
