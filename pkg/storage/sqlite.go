package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tokenmeter/tokenmeter/pkg/model"

	_ "modernc.org/sqlite"
)

const appConfigKey = "app_config"

// SQLite implements the Storage interface using an SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates an SQLite database at the given path.
func NewSQLite(dbPath string) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

const providerColumns = `id, name, enabled, fetch_command, transform_script, env, last_fetched_at, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(row rowScanner) (*model.Provider, error) {
	var (
		p         model.Provider
		env       string
		fetchedAt sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Enabled, &p.FetchCommand, &p.TransformScript,
		&env, &fetchedAt, &p.LastError); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(env), &p.Env); err != nil {
		return nil, fmt.Errorf("decode env of provider %q: %w", p.ID, err)
	}
	if fetchedAt.Valid {
		t := fetchedAt.Time
		p.LastFetchedAt = &t
	}
	return &p, nil
}

func (s *SQLite) ListProviders(ctx context.Context) ([]model.Provider, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+providerColumns+" FROM providers ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var providers []model.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider row: %w", err)
		}
		providers = append(providers, *p)
	}
	return providers, rows.Err()
}

func (s *SQLite) GetProvider(ctx context.Context, id string) (*model.Provider, error) {
	p, err := scanProvider(s.db.QueryRowContext(ctx, "SELECT "+providerColumns+" FROM providers WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("provider %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}
	return p, nil
}

func (s *SQLite) SaveProvider(ctx context.Context, p *model.Provider) error {
	env := p.Env
	if env == nil {
		env = map[string]string{}
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode env: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO providers (id, name, enabled, fetch_command, transform_script, env, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   enabled = excluded.enabled,
		   fetch_command = excluded.fetch_command,
		   transform_script = excluded.transform_script,
		   env = excluded.env,
		   updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Enabled, p.FetchCommand, p.TransformScript, string(envJSON), now, now,
	)
	if err != nil {
		return fmt.Errorf("save provider: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateProviderStatus(ctx context.Context, id string, fetchedAt *time.Time, lastError string) error {
	var at any
	if fetchedAt != nil {
		at = fetchedAt.UTC()
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE providers SET last_fetched_at = COALESCE(?, last_fetched_at), last_error = ?, updated_at = ? WHERE id = ?`,
		at, lastError, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update provider status: %w", err)
	}
	return requireRow(result, "provider", id)
}

func (s *SQLite) DeleteProvider(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, "DELETE FROM providers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	if err := requireRow(result, "provider", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM provider_snapshots WHERE provider_id = ?", id); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) SaveSnapshot(ctx context.Context, snap *model.ProviderSnapshot) error {
	records, err := json.Marshal(snap.Records)
	if err != nil {
		return fmt.Errorf("encode snapshot records: %w", err)
	}
	var quota any
	if snap.Quota != nil {
		q, err := json.Marshal(snap.Quota)
		if err != nil {
			return fmt.Errorf("encode snapshot quota: %w", err)
		}
		quota = string(q)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO provider_snapshots (provider_id, records, quota, fetched_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(provider_id) DO UPDATE SET
		   records = excluded.records,
		   quota = excluded.quota,
		   fetched_at = excluded.fetched_at`,
		snap.ProviderID, string(records), quota, snap.FetchedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *SQLite) GetSnapshot(ctx context.Context, providerID string) (*model.ProviderSnapshot, error) {
	var (
		snap    = model.ProviderSnapshot{ProviderID: providerID}
		records string
		quota   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT records, quota, fetched_at FROM provider_snapshots WHERE provider_id = ?`, providerID,
	).Scan(&records, &quota, &snap.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %q: %w", providerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(records), &snap.Records); err != nil {
		return nil, fmt.Errorf("decode snapshot records: %w", err)
	}
	if quota.Valid {
		snap.Quota = &model.Quota{}
		if err := json.Unmarshal([]byte(quota.String), snap.Quota); err != nil {
			return nil, fmt.Errorf("decode snapshot quota: %w", err)
		}
	}
	return &snap, nil
}

func (s *SQLite) LoadHistory(ctx context.Context, source string) ([]model.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM usage_history WHERE source = ? ORDER BY date`, source)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var records []model.UsageRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		var r model.UsageRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode history record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLite) MergeHistory(ctx context.Context, source string, records []model.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history merge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO usage_history (source, date, record, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(source, date) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare history merge: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, r := range records {
		raw, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode history record: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, source, r.Date, string(raw), now); err != nil {
			return fmt.Errorf("merge history %s: %w", r.Date, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) DeleteHistory(ctx context.Context, source string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM usage_history WHERE source = ?", source); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	return nil
}

func (s *SQLite) GetAppConfig(ctx context.Context) (model.AppConfig, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, appConfigKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultAppConfig(), nil
	}
	if err != nil {
		return model.AppConfig{}, fmt.Errorf("get app config: %w", err)
	}

	cfg := model.DefaultAppConfig()
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return model.AppConfig{}, fmt.Errorf("decode app config: %w", err)
	}
	return cfg, nil
}

func (s *SQLite) SaveAppConfig(ctx context.Context, cfg model.AppConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode app config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		appConfigKey, string(raw), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save app config: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func requireRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	return nil
}
