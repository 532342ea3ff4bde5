package storage

import (
	"context"
	"fmt"
	"time"

	"postbot/internal/domain"
	logx "postbot/pkg/logx"
)

type taskRow struct {
	ID              int64   `db:"id"`
	OwnerID         int64   `db:"owner_id"`
	Name            string  `db:"name"`
	Content         string  `db:"content"`
	PostType        string  `db:"post_type"`
	Status          string  `db:"status"`
	PinHours        float64 `db:"pin_hours"`
	PinNotify       bool    `db:"pin_notify"`
	AutoDeleteHours float64 `db:"auto_delete_hours"`
	ReportEnabled   bool    `db:"report_enabled"`
	AdvertiserID    int64   `db:"advertiser_id"`
	CreatedAt       int64   `db:"created_at"`
	UpdatedAt       int64   `db:"updated_at"`
}

const taskCols = `id, owner_id, name, content, post_type, status, pin_hours, pin_notify,
	auto_delete_hours, report_enabled, advertiser_id, created_at, updated_at`

func taskToRow(t domain.Task) (taskRow, error) {
	content, err := t.Content.Encode()
	if err != nil {
		return taskRow{}, err
	}
	pt := t.PostType
	if pt == "" {
		pt = domain.PostFromBot
	}
	st := t.Status
	if st == "" {
		st = domain.TaskInactive
	}
	return taskRow{
		ID:              t.ID,
		OwnerID:         t.OwnerID,
		Name:            t.Name,
		Content:         content,
		PostType:        string(pt),
		Status:          string(st),
		PinHours:        t.PinHours,
		PinNotify:       t.PinNotify,
		AutoDeleteHours: t.AutoDeleteHours,
		ReportEnabled:   t.ReportEnabled,
		AdvertiserID:    t.AdvertiserID,
		CreatedAt:       unix(t.CreatedAt),
		UpdatedAt:       unix(t.UpdatedAt),
	}, nil
}

func (r taskRow) toDomain() (domain.Task, error) {
	c, err := domain.DecodeContent(r.Content)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %d: %w", r.ID, err)
	}
	return domain.Task{
		ID:              r.ID,
		OwnerID:         r.OwnerID,
		Name:            r.Name,
		Content:         c,
		PostType:        domain.PostType(r.PostType),
		Status:          domain.TaskStatus(r.Status),
		PinHours:        r.PinHours,
		PinNotify:       r.PinNotify,
		AutoDeleteHours: r.AutoDeleteHours,
		ReportEnabled:   r.ReportEnabled,
		AdvertiserID:    r.AdvertiserID,
		CreatedAt:       fromUnix(r.CreatedAt),
		UpdatedAt:       fromUnix(r.UpdatedAt),
	}, nil
}

func tasksToDomain(rows []taskRow) ([]domain.Task, error) {
	out := make([]domain.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// CreateTask inserts a new task (always inactive) and returns its id.
func (s *Store) CreateTask(ctx context.Context, t domain.Task) (int64, error) {
	now := s.now()
	t.Status = domain.TaskInactive
	t.CreatedAt, t.UpdatedAt = now, now
	row, err := taskToRow(t)
	if err != nil {
		return 0, err
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO tasks(owner_id, name, content, post_type, status, pin_hours, pin_notify,
			auto_delete_hours, report_enabled, advertiser_id, created_at, updated_at)
		VALUES(:owner_id, :name, :content, :post_type, :status, :pin_hours, :pin_notify,
			:auto_delete_hours, :report_enabled, :advertiser_id, :created_at, :updated_at)`, row)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	var r taskRow
	if err := s.db.GetContext(ctx, &r, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id); err != nil {
		return domain.Task{}, notFound(err)
	}
	return r.toDomain()
}

// SaveTask writes every editable column of t. Status is changed only by SetTaskStatus.
func (s *Store) SaveTask(ctx context.Context, t domain.Task) error {
	t.UpdatedAt = s.now()
	row, err := taskToRow(t)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE tasks SET
			name = :name, content = :content, post_type = :post_type,
			pin_hours = :pin_hours, pin_notify = :pin_notify,
			auto_delete_hours = :auto_delete_hours, report_enabled = :report_enabled,
			advertiser_id = :advertiser_id, updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetTaskStatus(ctx context.Context, id int64, st domain.TaskStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, string(st), s.now().Unix(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListUserTasks(ctx context.Context, ownerID int64) ([]domain.Task, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+taskCols+` FROM tasks WHERE owner_id = ? ORDER BY id`, ownerID); err != nil {
		return nil, err
	}
	return tasksToDomain(rows)
}

// ListActiveTasks returns every active task. Rows that cannot be decoded are
// logged and counted in skipped.
func (s *Store) ListActiveTasks(ctx context.Context) (tasks []domain.Task, skipped int, err error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+taskCols+` FROM tasks WHERE status = ? ORDER BY id`, string(domain.TaskActive)); err != nil {
		return nil, 0, err
	}
	tasks = make([]domain.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.toDomain()
		if err != nil {
			skipped++
			s.log.Error("task row skipped", logx.Task(r.ID), logx.Err(err))
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, skipped, nil
}

func (s *Store) CountUserTasks(ctx context.Context, ownerID int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM tasks WHERE owner_id = ?`, ownerID)
	return n, err
}

// DeleteTask removes the task; schedules, links and jobs cascade.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteStaleTasks removes inactive tasks untouched since before.
func (s *Store) DeleteStaleTasks(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE status = ? AND updated_at < ?`,
		string(domain.TaskInactive), before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
