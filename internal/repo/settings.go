package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"dtaflow/internal/config"
)

// UpsertSiteConfig validates and stores the site config as the settings row.
func (r Repo) UpsertSiteConfig(ctx context.Context, siteID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Site.ID = siteID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO site_settings(site_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(site_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, siteID, string(payload), now, now)
	return err
}

// GetSiteConfig loads the stored config for a site.
func (r Repo) GetSiteConfig(ctx context.Context, siteID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM site_settings WHERE site_id=?`, siteID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Site.ID == "" {
		cfg.Site.ID = siteID
	}
	return &cfg, cfg.Validate()
}

// SingleSiteConfig returns the only stored site config. Most deployments run
// one site per workspace.
func (r Repo) SingleSiteConfig(ctx context.Context) (string, *config.Config, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT site_id FROM site_settings`)
	if err != nil {
		return "", nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", nil, err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return "", nil, ErrNotFound
	}
	if len(ids) > 1 {
		return "", nil, fmt.Errorf("multiple sites configured; specify --site")
	}
	cfg, err := r.GetSiteConfig(ctx, ids[0])
	return ids[0], cfg, err
}
