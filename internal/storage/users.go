package storage

import (
	"context"

	"postbot/internal/domain"
)

type userRow struct {
	ID        int64  `db:"id"`
	Username  string `db:"username"`
	Timezone  string `db:"timezone"`
	Language  string `db:"language"`
	Tariff    string `db:"tariff"`
	CreatedAt int64  `db:"created_at"`
}

func (r userRow) toDomain() domain.User {
	return domain.User{
		ID:        r.ID,
		Username:  r.Username,
		Timezone:  r.Timezone,
		Language:  r.Language,
		Tariff:    r.Tariff,
		CreatedAt: fromUnix(r.CreatedAt),
	}
}

// EnsureUser creates the user on first contact and refreshes the username.
func (s *Store) EnsureUser(ctx context.Context, id int64, username string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users(id, username, created_at) VALUES(?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET username = excluded.username
		WHERE excluded.username <> ''`,
		id, username, s.now().Unix())
	return err
}

func (s *Store) GetUser(ctx context.Context, id int64) (domain.User, error) {
	var r userRow
	err := s.db.GetContext(ctx, &r, `SELECT id, username, timezone, language, tariff, created_at FROM users WHERE id = ?`, id)
	if err != nil {
		return domain.User{}, notFound(err)
	}
	return r.toDomain(), nil
}

func (s *Store) SetUserTimezone(ctx context.Context, id int64, tz string) error {
	return s.updateUser(ctx, `UPDATE users SET timezone = ? WHERE id = ?`, tz, id)
}

func (s *Store) SetUserTariff(ctx context.Context, id int64, tariff string) error {
	return s.updateUser(ctx, `UPDATE users SET tariff = ? WHERE id = ?`, tariff, id)
}

func (s *Store) SetUserLanguage(ctx context.Context, id int64, lang string) error {
	return s.updateUser(ctx, `UPDATE users SET language = ? WHERE id = ?`, lang, id)
}

func (s *Store) updateUser(ctx context.Context, q string, v any, id int64) error {
	res, err := s.db.ExecContext(ctx, q, v, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
