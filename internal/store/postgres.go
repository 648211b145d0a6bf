package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) InsertGuide(ctx context.Context, item Guide) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guides (id, character_id, character_name, submitter_name, title, description, image_path, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, item.ID, item.CharacterID, item.CharacterName, item.SubmitterName, item.Title, item.Description, item.ImagePath, item.State, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert guide: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetGuide(ctx context.Context, guideID string) (Guide, error) {
	var item Guide
	err := s.db.QueryRowContext(ctx, `
		SELECT id, character_id, character_name, submitter_name, title, description, image_path, state, created_at
		FROM guides
		WHERE id=$1
	`, guideID).Scan(
		&item.ID,
		&item.CharacterID,
		&item.CharacterName,
		&item.SubmitterName,
		&item.Title,
		&item.Description,
		&item.ImagePath,
		&item.State,
		&item.CreatedAt,
	)
	if err != nil {
		return Guide{}, err
	}
	return item, nil
}

// ListGuidesByState returns guides in the given state ordered newest first.
// The created_at DESC, id DESC ordering is a contract: pagination offsets
// depend on it being a strict total order.
func (s *PostgresStore) ListGuidesByState(ctx context.Context, state, characterID string, limit, offset int) ([]Guide, error) {
	query := `
		SELECT id, character_id, character_name, submitter_name, title, description, image_path, state, created_at
		FROM guides
		WHERE state=$1
	`
	args := []any{state}
	if characterID != "" {
		query += ` AND character_id=$2`
		args = append(args, characterID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list guides: %w", err)
	}
	defer rows.Close()

	items := make([]Guide, 0)
	for rows.Next() {
		var item Guide
		if err := rows.Scan(
			&item.ID,
			&item.CharacterID,
			&item.CharacterName,
			&item.SubmitterName,
			&item.Title,
			&item.Description,
			&item.ImagePath,
			&item.State,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan guide: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate guides: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountGuidesByState(ctx context.Context, state, characterID string) (int, error) {
	query := `SELECT COUNT(*) FROM guides WHERE state=$1`
	args := []any{state}
	if characterID != "" {
		query += ` AND character_id=$2`
		args = append(args, characterID)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count guides: %w", err)
	}
	return count, nil
}

// TransitionGuide performs the check-and-set in a single conditional UPDATE.
// The row lock taken by the UPDATE serializes concurrent callers: of two
// simultaneous transitions on the same id, exactly one matches the state
// predicate. sql.ErrNoRows covers both not-found and wrong-state.
func (s *PostgresStore) TransitionGuide(ctx context.Context, guideID, from, to string) (Guide, error) {
	var item Guide
	err := s.db.QueryRowContext(ctx, `
		UPDATE guides
		SET state=$3
		WHERE id=$1 AND state=$2
		RETURNING id, character_id, character_name, submitter_name, title, description, image_path, state, created_at
	`, guideID, from, to).Scan(
		&item.ID,
		&item.CharacterID,
		&item.CharacterName,
		&item.SubmitterName,
		&item.Title,
		&item.Description,
		&item.ImagePath,
		&item.State,
		&item.CreatedAt,
	)
	if err != nil {
		return Guide{}, err
	}
	return item, nil
}

// DeleteGuide removes a guide only while it is still in fromState. Returns
// false when no row matched, which callers treat the same as a failed
// transition.
func (s *PostgresStore) DeleteGuide(ctx context.Context, guideID, fromState string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM guides WHERE id=$1 AND state=$2`, guideID, fromState)
	if err != nil {
		return false, fmt.Errorf("delete guide: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete guide rows affected: %w", err)
	}
	return affected == 1, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, display_name, role FROM users WHERE LOWER(email)=LOWER($1)
	`, email).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.DisplayName, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, display_name, role FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.DisplayName, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpsertUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, display_name, role)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email) DO UPDATE SET password_hash=EXCLUDED.password_hash, display_name=EXCLUDED.display_name, role=EXCLUDED.role, updated_at=NOW()
	`, user.ID, user.Email, user.PasswordHash, user.DisplayName, user.Role)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.email, u.display_name, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Email, &user.DisplayName, &user.Role)
	if err != nil {
		return User{}, err
	}
	if user.Role == "" {
		user.Role = "viewer"
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IsNotFound reports whether err is the driver's no-rows sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
