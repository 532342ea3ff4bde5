package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"postbot/internal/domain"
)

type channelRow struct {
	ID        int64  `db:"id"`
	OwnerID   int64  `db:"owner_id"`
	Title     string `db:"title"`
	Username  string `db:"username"`
	Active    bool   `db:"is_active"`
	CreatedAt int64  `db:"created_at"`
}

func (r channelRow) toDomain() domain.Channel {
	return domain.Channel{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Title:     r.Title,
		Username:  r.Username,
		Active:    r.Active,
		CreatedAt: fromUnix(r.CreatedAt),
	}
}

const channelCols = `id, owner_id, title, username, is_active, created_at`

// RegisterChannel claims a channel for ch.OwnerID. A channel that is active under
// another owner cannot be taken over.
func (s *Store) RegisterChannel(ctx context.Context, ch domain.Channel) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var cur channelRow
		err := tx.GetContext(ctx, &cur, `SELECT `+channelCols+` FROM channels WHERE id = ?`, ch.ID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case cur.Active && cur.OwnerID != ch.OwnerID:
			return ErrChannelClaimed
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO channels(id, owner_id, title, username, is_active, created_at)
			VALUES(?, ?, ?, ?, 1, ?)
			ON CONFLICT(id) DO UPDATE SET
				owner_id = excluded.owner_id,
				title = excluded.title,
				username = excluded.username,
				is_active = 1`,
			ch.ID, ch.OwnerID, ch.Title, ch.Username, s.now().Unix())
		return err
	})
}

func (s *Store) GetChannel(ctx context.Context, id int64) (domain.Channel, error) {
	var r channelRow
	if err := s.db.GetContext(ctx, &r, `SELECT `+channelCols+` FROM channels WHERE id = ?`, id); err != nil {
		return domain.Channel{}, notFound(err)
	}
	return r.toDomain(), nil
}

// ListUserChannels returns the owner's active channels.
func (s *Store) ListUserChannels(ctx context.Context, ownerID int64) ([]domain.Channel, error) {
	var rows []channelRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+channelCols+` FROM channels WHERE owner_id = ? AND is_active = 1 ORDER BY title, id`, ownerID)
	if err != nil {
		return nil, err
	}
	return channelsToDomain(rows), nil
}

func (s *Store) CountUserChannels(ctx context.Context, ownerID int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM channels WHERE owner_id = ? AND is_active = 1`, ownerID)
	return n, err
}

// DeactivateChannel soft-deletes the channel and unlinks it from every task.
// It returns the ids of the tasks that lost the link.
func (s *Store) DeactivateChannel(ctx context.Context, id int64) ([]int64, error) {
	var taskIDs []int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &taskIDs, `SELECT task_id FROM task_channels WHERE channel_id = ? ORDER BY task_id`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_channels WHERE channel_id = ?`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE channels SET is_active = 0 WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return taskIDs, nil
}

// ToggleTaskChannel links or unlinks a channel. linked reports the new state.
func (s *Store) ToggleTaskChannel(ctx context.Context, taskID, channelID int64) (linked bool, err error) {
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM task_channels WHERE task_id = ? AND channel_id = ?`, taskID, channelID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			linked = false
			return nil
		}
		var active bool
		if err := tx.GetContext(ctx, &active, `SELECT is_active FROM channels WHERE id = ?`, channelID); err != nil {
			return notFound(err)
		}
		if !active {
			return ErrChannelGone
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO task_channels(task_id, channel_id) VALUES(?, ?)`, taskID, channelID); err != nil {
			return err
		}
		linked = true
		return nil
	})
	return linked, err
}

// ListTaskChannels returns the active channels linked to a task.
func (s *Store) ListTaskChannels(ctx context.Context, taskID int64) ([]domain.Channel, error) {
	var rows []channelRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT c.id, c.owner_id, c.title, c.username, c.is_active, c.created_at
		FROM task_channels tc JOIN channels c ON c.id = tc.channel_id
		WHERE tc.task_id = ? AND c.is_active = 1
		ORDER BY c.id`, taskID)
	if err != nil {
		return nil, err
	}
	return channelsToDomain(rows), nil
}

func channelsToDomain(rows []channelRow) []domain.Channel {
	out := make([]domain.Channel, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}
