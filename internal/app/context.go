package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dtaflow/internal/config"
	"dtaflow/internal/domain"
	"dtaflow/internal/repo"
)

// ResolveSiteAndConfig picks the active site and ensures its settings row
// exists, seeding defaults if missing. It prefers the override, then the
// single configured site. A dtaflow.yml in the workspace seeds a fresh site.
func ResolveSiteAndConfig(ctx context.Context, workspace, siteOverride, actorEmail string, r repo.Repo) (string, *config.Config, error) {
	seed, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	siteID := siteOverride
	if siteID == "" {
		if id, cfg, err := r.SingleSiteConfig(ctx); err == nil {
			return id, cfg, nil
		} else if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		} else if seed != nil {
			siteID = seed.Site.ID
		} else {
			siteID = "default-site"
		}
	}
	cfg, err := r.GetSiteConfig(ctx, siteID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = seed
		if cfg == nil || cfg.Site.ID != siteID {
			cfg = config.Default(siteID)
		}
		if err := r.UpsertSiteConfig(ctx, siteID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed site config: %w", err)
		}
		if err := seedAdminUser(ctx, r, actorEmail); err != nil {
			return "", nil, err
		}
	}
	cfg.Site.ID = siteID
	return siteID, cfg, nil
}

// seedAdminUser makes sure a fresh workspace has at least one active DTA so
// the CLI is usable before any user management happens.
func seedAdminUser(ctx context.Context, r repo.Repo, email string) error {
	if email == "" {
		email = "local-dta@localhost"
	}
	if _, err := r.GetUserByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	u := domain.User{
		ID:        uuid.NewString(),
		Email:     email,
		Role:      domain.RoleDTA,
		Active:    true,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.InsertUser(ctx, u); err != nil {
		return fmt.Errorf("seed dta user: %w", err)
	}
	return nil
}
