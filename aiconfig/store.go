package aiconfig

import (
	"context"
	"database/sql"
	"time"

	"github.com/m4xw311/fuzz/errors"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a configuration does not exist for the user.
var ErrNotFound = errors.E(errors.KindConfigurationMissing, "configuration not found")

// Store persists configurations in SQLite. It is safe for concurrent use;
// activation changes run inside a transaction.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a configuration store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrapf(err, "migrate config store")
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS ai_configs (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id      TEXT    NOT NULL,
			provider     TEXT    NOT NULL,
			api_key      TEXT    NOT NULL DEFAULT '',
			model_id     TEXT    NOT NULL DEFAULT '',
			api_base     TEXT    NOT NULL DEFAULT '',
			capabilities INTEGER NOT NULL,
			is_active    INTEGER NOT NULL DEFAULT 0,
			updated_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_ai_configs_user ON ai_configs (user_id, is_active);
		CREATE TABLE IF NOT EXISTS ai_parameters (
			config_id         INTEGER PRIMARY KEY,
			temperature       REAL    NOT NULL,
			max_tokens        INTEGER NOT NULL,
			top_p             REAL    NOT NULL,
			frequency_penalty REAL    NOT NULL,
			presence_penalty  REAL    NOT NULL
		);
		CREATE TABLE IF NOT EXISTS ai_models (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			provider     TEXT    NOT NULL,
			model_id     TEXT    NOT NULL,
			display_name TEXT    NOT NULL DEFAULT '',
			is_custom    INTEGER NOT NULL DEFAULT 0,
			capabilities INTEGER NOT NULL,
			created_at   INTEGER NOT NULL,
			UNIQUE (provider, model_id)
		);
		CREATE TABLE IF NOT EXISTS sql_logs (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id       TEXT    NOT NULL,
			input_text    TEXT    NOT NULL,
			generated_sql TEXT    NOT NULL,
			created_at    INTEGER NOT NULL
		);
	`)
	return err
}

const configColumns = `c.id, c.user_id, c.provider, c.api_key, c.model_id, c.api_base, c.capabilities, c.is_active, c.updated_at,
	p.temperature, p.max_tokens, p.top_p, p.frequency_penalty, p.presence_penalty`

const configFrom = ` FROM ai_configs c LEFT JOIN ai_parameters p ON p.config_id = c.id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*Configuration, error) {
	var (
		c         Configuration
		provider  string
		updatedAt int64
		temp, top sql.NullFloat64
		freq, pre sql.NullFloat64
		maxTokens sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.UserID, &provider, &c.APIKey, &c.ModelID, &c.APIBase, &c.Capabilities,
		&c.IsActive, &updatedAt, &temp, &maxTokens, &top, &freq, &pre); err != nil {
		return nil, err
	}
	p, err := ParseProvider(provider)
	if err != nil {
		return nil, err
	}
	c.Provider = p
	c.UpdatedAt = time.UnixMilli(updatedAt)
	if maxTokens.Valid {
		c.Parameters = &Parameters{
			Temperature:      temp.Float64,
			MaxTokens:        int(maxTokens.Int64),
			TopP:             top.Float64,
			FrequencyPenalty: freq.Float64,
			PresencePenalty:  pre.Float64,
		}
	}
	return &c, nil
}

// ActiveConfig returns the active configuration of userID whose capability
// mask covers every bit of capability, or nil when there is none.
func (s *Store) ActiveConfig(ctx context.Context, userID string, capability Capability) (*Configuration, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+configColumns+configFrom+`
		WHERE c.user_id = ? AND c.is_active = 1 AND (c.capabilities & ?) = ?
		ORDER BY c.updated_at DESC LIMIT 1`, userID, int(capability), int(capability))
	c, err := scanConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query active config")
	}
	return c, nil
}

// ActiveConfigFor is ActiveConfig restricted to one provider.
func (s *Store) ActiveConfigFor(ctx context.Context, userID string, provider Provider, capability Capability) (*Configuration, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+configColumns+configFrom+`
		WHERE c.user_id = ? AND c.provider = ? AND c.is_active = 1 AND (c.capabilities & ?) = ?
		ORDER BY c.updated_at DESC LIMIT 1`, userID, provider.String(), int(capability), int(capability))
	c, err := scanConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query active config")
	}
	return c, nil
}

// Config loads one configuration owned by userID.
func (s *Store) Config(ctx context.Context, userID string, id int64) (*Configuration, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+configColumns+configFrom+` WHERE c.id = ? AND c.user_id = ?`, id, userID)
	c, err := scanConfig(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query config %d", id)
	}
	return c, nil
}

// ListConfigs returns the configurations of userID, active ones first.
func (s *Store) ListConfigs(ctx context.Context, userID string) ([]Configuration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+configColumns+configFrom+`
		WHERE c.user_id = ? ORDER BY c.is_active DESC, c.provider ASC, c.id ASC`, userID)
	if err != nil {
		return nil, errors.Wrapf(err, "list configs")
	}
	defer rows.Close()

	var out []Configuration
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, errors.Wrapf(err, "scan config")
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// AddConfig stores a new configuration and returns its id. An active
// configuration is activated through the same path as SetActive.
func (s *Store) AddConfig(ctx context.Context, c Configuration) (int64, error) {
	if c.Capabilities == 0 {
		return 0, errors.E(errors.KindValidation, "configuration needs at least one capability")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "begin")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO ai_configs
		(user_id, provider, api_key, model_id, api_base, capabilities, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		c.UserID, c.Provider.String(), c.APIKey, c.ModelID, c.APIBase, int(c.Capabilities), s.now().UnixMilli())
	if err != nil {
		return 0, errors.Wrapf(err, "insert config")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrapf(err, "insert config id")
	}
	if c.Parameters != nil {
		if err := saveParameters(ctx, tx, id, *c.Parameters); err != nil {
			return 0, err
		}
	}
	if c.IsActive {
		if err := s.activate(ctx, tx, c.UserID, id); err != nil {
			return 0, err
		}
	}
	return id, tx.Commit()
}

// UpdateConfig rewrites the editable fields of a configuration. An active
// configuration is re-activated so a widened mask still holds the invariant.
func (s *Store) UpdateConfig(ctx context.Context, c Configuration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "begin")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE ai_configs
		SET provider = ?, api_key = ?, model_id = ?, api_base = ?, capabilities = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		c.Provider.String(), c.APIKey, c.ModelID, c.APIBase, int(c.Capabilities), s.now().UnixMilli(), c.ID, c.UserID)
	if err != nil {
		return errors.Wrapf(err, "update config %d", c.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	var active bool
	if err := tx.QueryRowContext(ctx, `SELECT is_active FROM ai_configs WHERE id = ?`, c.ID).Scan(&active); err != nil {
		return errors.Wrapf(err, "read config %d", c.ID)
	}
	if active {
		if err := s.activate(ctx, tx, c.UserID, c.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteConfig removes a configuration and its parameters.
func (s *Store) DeleteConfig(ctx context.Context, userID string, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "begin")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM ai_configs WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return errors.Wrapf(err, "delete config %d", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ai_parameters WHERE config_id = ?`, id); err != nil {
		return errors.Wrapf(err, "delete parameters %d", id)
	}
	return tx.Commit()
}

// SetActive activates configuration id and deactivates every other
// configuration of userID that shares at least one capability bit with it.
func (s *Store) SetActive(ctx context.Context, userID string, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "begin")
	}
	defer tx.Rollback()

	if err := s.activate(ctx, tx, userID, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) activate(ctx context.Context, tx *sql.Tx, userID string, id int64) error {
	var mask int
	err := tx.QueryRowContext(ctx, `SELECT capabilities FROM ai_configs WHERE id = ? AND user_id = ?`, id, userID).Scan(&mask)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrapf(err, "read config %d", id)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE ai_configs SET is_active = 0
		WHERE user_id = ? AND id != ? AND (capabilities & ?) != 0`, userID, id, mask); err != nil {
		return errors.Wrapf(err, "deactivate overlapping configs")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE ai_configs SET is_active = 1, updated_at = ? WHERE id = ?`,
		s.now().UnixMilli(), id); err != nil {
		return errors.Wrapf(err, "activate config %d", id)
	}
	log.Debug().Str("user", userID).Int64("config", id).Str("capability", Capability(mask).String()).Msg("configuration activated")
	return nil
}

// Parameters returns the stored parameters of a configuration, or nil.
func (s *Store) Parameters(ctx context.Context, configID int64) (*Parameters, error) {
	var p Parameters
	err := s.db.QueryRowContext(ctx, `SELECT temperature, max_tokens, top_p, frequency_penalty, presence_penalty
		FROM ai_parameters WHERE config_id = ?`, configID).
		Scan(&p.Temperature, &p.MaxTokens, &p.TopP, &p.FrequencyPenalty, &p.PresencePenalty)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query parameters %d", configID)
	}
	return &p, nil
}

// SaveParameters inserts or replaces the parameters of a configuration.
func (s *Store) SaveParameters(ctx context.Context, configID int64, p Parameters) error {
	return saveParameters(ctx, s.db, configID, p)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveParameters(ctx context.Context, db execer, configID int64, p Parameters) error {
	_, err := db.ExecContext(ctx, `INSERT INTO ai_parameters
		(config_id, temperature, max_tokens, top_p, frequency_penalty, presence_penalty)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (config_id) DO UPDATE SET
			temperature = excluded.temperature,
			max_tokens = excluded.max_tokens,
			top_p = excluded.top_p,
			frequency_penalty = excluded.frequency_penalty,
			presence_penalty = excluded.presence_penalty`,
		configID, p.Temperature, p.MaxTokens, p.TopP, p.FrequencyPenalty, p.PresencePenalty)
	return errors.Wrapf(err, "save parameters %d", configID)
}
