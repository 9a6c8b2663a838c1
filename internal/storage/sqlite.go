package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"flowdeck-auth/internal/auth"
	"flowdeck-auth/internal/models"

	"github.com/mattn/go-sqlite3"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

// SQLiteStorage is the user directory backed by SQLite. Refresh tokens are
// encrypted before they touch disk.
type SQLiteStorage struct {
	db     *sql.DB
	cipher *TokenCipher
	now    func() time.Time
}

// NewSQLiteStorage wraps an open database. Call Migrate before use.
func NewSQLiteStorage(db *sql.DB, encryptionKey []byte) (*SQLiteStorage, error) {
	c, err := NewTokenCipher(encryptionKey)
	if err != nil {
		return nil, err
	}
	return &SQLiteStorage{db: db, cipher: c, now: time.Now}, nil
}

// Ping checks the database connection.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const userColumns = `id, email, full_name, role, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	u := &models.User{}
	if err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.Role, &u.CreatedAt); err != nil {
		return nil, err
	}
	return u, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// userByEmail looks a user up by email, ignoring case.
func userByEmail(ctx context.Context, q queryRower, email string) (*models.User, error) {
	u, err := scanUser(q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, strings.TrimSpace(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %w with email %s", ErrNotFound, auth.ErrUserNotFound, email)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// FindOrCreateFromGoogle resolves a Google profile to a user, keyed by email.
// An existing user gets a missing google subject or full name filled in and
// the login refresh token replaced when a new one is supplied.
func (s *SQLiteStorage) FindOrCreateFromGoogle(ctx context.Context, profile models.GoogleProfile, refreshToken string) (*models.User, bool, error) {
	email := strings.TrimSpace(profile.Email)
	if email == "" {
		return nil, false, fmt.Errorf("%w: email cannot be empty", ErrInvalidInput)
	}

	var sealed, nonce []byte
	if strings.TrimSpace(refreshToken) != "" {
		var err error
		if sealed, nonce, err = s.cipher.Seal(refreshToken); err != nil {
			return nil, false, err
		}
	}

	user, created, err := s.findOrCreate(ctx, email, profile, sealed, nonce)
	if isUniqueViolation(err) {
		// Lost a race with a concurrent first login for the same email.
		user, created, err = s.findOrCreate(ctx, email, profile, sealed, nonce)
	}
	return user, created, err
}

func (s *SQLiteStorage) findOrCreate(ctx context.Context, email string, profile models.GoogleProfile, sealed, nonce []byte) (user *models.User, created bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UTC()

		existing, err := userByEmail(ctx, tx, email)
		switch {
		case errors.Is(err, ErrNotFound):
			res, err := tx.ExecContext(ctx, `
				INSERT INTO users (
					email, full_name, role, google_sub,
					google_refresh_token, google_refresh_nonce,
					created_at, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				email, profile.FullName, models.DefaultRole, nullIfBlank(profile.Subject),
				sealed, nonce, now, now)
			if err != nil {
				return fmt.Errorf("failed to create user: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("failed to read user id: %w", err)
			}
			user = &models.User{
				ID:        id,
				Email:     email,
				FullName:  profile.FullName,
				Role:      models.DefaultRole,
				CreatedAt: now,
			}
			created = true
			return nil
		case err != nil:
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE users SET
				google_sub = CASE WHEN google_sub IS NULL OR google_sub = '' THEN ? ELSE google_sub END,
				full_name = CASE WHEN trim(full_name) = '' THEN ? ELSE full_name END,
				google_refresh_token = COALESCE(?, google_refresh_token),
				google_refresh_nonce = COALESCE(?, google_refresh_nonce),
				updated_at = ?
			WHERE id = ?`,
			nullIfBlank(profile.Subject), profile.FullName, sealed, nonce, now, existing.ID)
		if err != nil {
			return fmt.Errorf("failed to update user: %w", err)
		}
		if strings.TrimSpace(existing.FullName) == "" {
			existing.FullName = profile.FullName
		}
		user = existing
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return user, created, nil
}

// GetCalendarRefreshToken returns the decrypted calendar refresh token.
func (s *SQLiteStorage) GetCalendarRefreshToken(ctx context.Context, userID int64) (string, error) {
	var sealed, nonce []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT calendar_refresh_token, calendar_refresh_nonce FROM users WHERE id = ?`,
		userID).Scan(&sealed, &nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: user %d", auth.ErrUserNotFound, userID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get calendar token: %w", err)
	}
	if len(sealed) == 0 {
		return "", auth.ErrNotLinked
	}

	token, err := s.cipher.Open(sealed, nonce)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt calendar token for user %d: %w", userID, err)
	}
	if strings.TrimSpace(token) == "" {
		return "", auth.ErrNotLinked
	}
	return token, nil
}

// UpdateCalendarRefreshToken links a calendar refresh token to a user.
func (s *SQLiteStorage) UpdateCalendarRefreshToken(ctx context.Context, userID int64, refreshToken string) error {
	if strings.TrimSpace(refreshToken) == "" {
		return fmt.Errorf("%w: refresh token cannot be empty", ErrInvalidInput)
	}
	sealed, nonce, err := s.cipher.Seal(refreshToken)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET calendar_refresh_token = ?, calendar_refresh_nonce = ?, updated_at = ?
		WHERE id = ?`,
		sealed, nonce, s.now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to update calendar token: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: user %d", auth.ErrUserNotFound, userID)
	}
	return nil
}

func nullIfBlank(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
