package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"dtaflow/internal/domain"
	"dtaflow/internal/repo"
)

// ForbiddenError indicates the caller lacks a required role.
type ForbiddenError struct {
	Role string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s required", e.Role)
}

// InactiveUserError indicates a known but deactivated account.
type InactiveUserError struct {
	Email string
}

func (e InactiveUserError) Error() string {
	return fmt.Sprintf("account %s is deactivated", e.Email)
}

// Service resolves portal users and checks roles, backed by SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) UserByEmail(ctx context.Context, email string) (domain.User, error) {
	if email == "" {
		return domain.User{}, errors.New("actor email required")
	}
	r := repo.Repo{DB: s.DB}
	return r.GetUserByEmail(ctx, email)
}

// RequireRole resolves the acting user and verifies they hold one of the
// given roles and are active.
func (s Service) RequireRole(ctx context.Context, email string, roles ...string) (domain.User, error) {
	u, err := s.UserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, err
	}
	if !u.Active {
		return domain.User{}, InactiveUserError{Email: email}
	}
	for _, role := range roles {
		if u.Role == role {
			return u, nil
		}
	}
	return domain.User{}, ForbiddenError{Role: strings.Join(roles, "|")}
}
