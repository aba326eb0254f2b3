// Package secrets stores key value secrets referenced by task environment
// variables. Values are materialized into container env at spawn time and
// never leave the database otherwise.
package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

// SecretDoesNotExistError reports an operation against an unknown secret key.
type SecretDoesNotExistError struct {
	Key string
}

func (e *SecretDoesNotExistError) Error() string {
	return fmt.Sprintf("secret %s does not exist", e.Key)
}

// SecretAlreadyExistsError reports a create against a key already stored.
type SecretAlreadyExistsError struct {
	Key string
}

func (e *SecretAlreadyExistsError) Error() string {
	return fmt.Sprintf("secret %s already exists", e.Key)
}

// Store is the secrets table CRUD surface.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore returns a store backed by db.
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

const uniqueViolationCode = "23505"

// Create stores a new secret. The key must not already exist.
func (s *Store) Create(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (secret_key, secret_value) VALUES ($1, $2)`, key, value)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return &SecretAlreadyExistsError{Key: key}
		}
		s.logger.Error("unable to create secret", "key", key, "error", err)
		return fmt.Errorf("create secret: %w", err)
	}

	return nil
}

// Update replaces the value of an existing secret.
func (s *Store) Update(ctx context.Context, key, value string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE secrets SET secret_value = $2 WHERE secret_key = $1`, key, value)
	if err != nil {
		s.logger.Error("unable to update secret", "key", key, "error", err)
		return fmt.Errorf("update secret: %w", err)
	}

	return s.requireRow(result, key)
}

// Delete removes a secret.
func (s *Store) Delete(ctx context.Context, key string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM secrets WHERE secret_key = $1`, key)
	if err != nil {
		s.logger.Error("unable to delete secret", "key", key, "error", err)
		return fmt.Errorf("delete secret: %w", err)
	}

	return s.requireRow(result, key)
}

// Get returns the value stored for key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value,
		`SELECT secret_value FROM secrets WHERE secret_key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &SecretDoesNotExistError{Key: key}
	}
	if err != nil {
		s.logger.Error("unable to fetch secret", "key", key, "error", err)
		return "", fmt.Errorf("get secret: %w", err)
	}

	return value, nil
}

func (s *Store) requireRow(result sql.Result, key string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("secret rows affected: %w", err)
	}
	if affected == 0 {
		return &SecretDoesNotExistError{Key: key}
	}

	return nil
}
