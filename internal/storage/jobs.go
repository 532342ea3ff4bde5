package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"postbot/internal/domain"
	logx "postbot/pkg/logx"
)

type jobRow struct {
	ID              int64   `db:"id"`
	TaskID          int64   `db:"task_id"`
	UserID          int64   `db:"user_id"`
	ChannelID       int64   `db:"channel_id"`
	ScheduledAt     int64   `db:"scheduled_at"`
	Status          string  `db:"status"`
	TaskName        string  `db:"task_name"`
	Content         string  `db:"content"`
	PostType        string  `db:"post_type"`
	PinHours        float64 `db:"pin_hours"`
	PinNotify       bool    `db:"pin_notify"`
	AutoDeleteHours float64 `db:"auto_delete_hours"`
	ReportEnabled   bool    `db:"report_enabled"`
	AdvertiserID    int64   `db:"advertiser_id"`
	RuleKind        string  `db:"rule_kind"`
	RuleDate        string  `db:"rule_date"`
	RuleWeekday     int     `db:"rule_weekday"`
	RuleTime        string  `db:"rule_time"`
	PublishedAt     int64   `db:"published_at"`
	MessageIDs      string  `db:"message_ids"`
	Handle          string  `db:"handle"`
	UnpinnedAt      int64   `db:"unpinned_at"`
	Error           string  `db:"error"`
	CreatedAt       int64   `db:"created_at"`
}

const jobCols = `id, task_id, user_id, channel_id, scheduled_at, status, task_name, content, post_type,
	pin_hours, pin_notify, auto_delete_hours, report_enabled, advertiser_id,
	rule_kind, rule_date, rule_weekday, rule_time,
	published_at, message_ids, handle, unpinned_at, error, created_at`

func jobToRow(j domain.Job) (jobRow, error) {
	content, err := j.Snapshot.Content.Encode()
	if err != nil {
		return jobRow{}, err
	}
	ids, err := encodeIDs(j.MessageIDs)
	if err != nil {
		return jobRow{}, err
	}
	weekday := domain.NoWeekday
	if j.Rule.Kind == domain.RecurWeekday {
		weekday = j.Rule.Weekday
	}
	return jobRow{
		ID:              j.ID,
		TaskID:          j.TaskID,
		UserID:          j.UserID,
		ChannelID:       j.ChannelID,
		ScheduledAt:     unix(j.ScheduledAt),
		Status:          string(j.Status),
		TaskName:        j.Snapshot.TaskName,
		Content:         content,
		PostType:        string(j.Snapshot.PostType),
		PinHours:        j.Snapshot.PinHours,
		PinNotify:       j.Snapshot.PinNotify,
		AutoDeleteHours: j.Snapshot.AutoDeleteHours,
		ReportEnabled:   j.Snapshot.ReportEnabled,
		AdvertiserID:    j.Snapshot.AdvertiserID,
		RuleKind:        string(j.Rule.Kind),
		RuleDate:        j.Rule.Date,
		RuleWeekday:     weekday,
		RuleTime:        j.Rule.Time,
		PublishedAt:     unix(j.PublishedAt),
		MessageIDs:      ids,
		Handle:          j.Handle,
		UnpinnedAt:      unix(j.UnpinnedAt),
		Error:           j.Error,
		CreatedAt:       unix(j.CreatedAt),
	}, nil
}

func (r jobRow) toDomain() (domain.Job, error) {
	c, err := domain.DecodeContent(r.Content)
	if err != nil {
		return domain.Job{}, fmt.Errorf("job %d: %w", r.ID, err)
	}
	var ids []int
	if r.MessageIDs != "" {
		if err := json.Unmarshal([]byte(r.MessageIDs), &ids); err != nil {
			return domain.Job{}, fmt.Errorf("job %d message ids: %w", r.ID, err)
		}
	}
	return domain.Job{
		ID:          r.ID,
		TaskID:      r.TaskID,
		UserID:      r.UserID,
		ChannelID:   r.ChannelID,
		ScheduledAt: fromUnix(r.ScheduledAt),
		Status:      domain.JobStatus(r.Status),
		Snapshot: domain.JobSnapshot{
			TaskName:        r.TaskName,
			Content:         c,
			PostType:        domain.PostType(r.PostType),
			PinHours:        r.PinHours,
			PinNotify:       r.PinNotify,
			AutoDeleteHours: r.AutoDeleteHours,
			ReportEnabled:   r.ReportEnabled,
			AdvertiserID:    r.AdvertiserID,
		},
		Rule: domain.Recurrence{
			Kind:    domain.RecurrenceKind(r.RuleKind),
			Date:    r.RuleDate,
			Weekday: r.RuleWeekday,
			Time:    r.RuleTime,
		},
		PublishedAt: fromUnix(r.PublishedAt),
		MessageIDs:  ids,
		Handle:      r.Handle,
		UnpinnedAt:  fromUnix(r.UnpinnedAt),
		Error:       r.Error,
		CreatedAt:   fromUnix(r.CreatedAt),
	}, nil
}

func jobsToDomain(rows []jobRow) ([]domain.Job, error) {
	out := make([]domain.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// decodeJobsLenient converts rows one at a time. Rows that fail to decode are
// logged and counted instead of failing the whole list.
func (s *Store) decodeJobsLenient(rows []jobRow) ([]domain.Job, int) {
	out := make([]domain.Job, 0, len(rows))
	skipped := 0
	for _, r := range rows {
		j, err := r.toDomain()
		if err != nil {
			skipped++
			s.log.Error("job row skipped", logx.Job(r.ID), logx.Err(err))
			continue
		}
		out = append(out, j)
	}
	return out, skipped
}

func encodeIDs(ids []int) (string, error) {
	if len(ids) == 0 {
		return "", nil
	}
	b, err := json.Marshal(ids)
	return string(b), err
}

// InsertJob stores j as scheduled unless a scheduled job already exists for the same
// (task, channel, instant). It returns the id of the stored or existing job.
func (s *Store) InsertJob(ctx context.Context, j domain.Job) (id int64, created bool, err error) {
	j.Status = domain.JobScheduled
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.now()
	}
	row, err := jobToRow(j)
	if err != nil {
		return 0, false, err
	}
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &id, `
			SELECT id FROM jobs
			WHERE task_id = ? AND channel_id = ? AND scheduled_at = ? AND status = 'scheduled'`,
			row.TaskID, row.ChannelID, row.ScheduledAt)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		res, err := tx.NamedExecContext(ctx, `
			INSERT INTO jobs(task_id, user_id, channel_id, scheduled_at, status, task_name, content, post_type,
				pin_hours, pin_notify, auto_delete_hours, report_enabled, advertiser_id,
				rule_kind, rule_date, rule_weekday, rule_time, created_at)
			VALUES(:task_id, :user_id, :channel_id, :scheduled_at, :status, :task_name, :content, :post_type,
				:pin_hours, :pin_notify, :auto_delete_hours, :report_enabled, :advertiser_id,
				:rule_kind, :rule_date, :rule_weekday, :rule_time, :created_at)`, row)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		created = true
		return err
	})
	return id, created, err
}

func (s *Store) GetJob(ctx context.Context, id int64) (domain.Job, error) {
	var r jobRow
	if err := s.db.GetContext(ctx, &r, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id); err != nil {
		return domain.Job{}, notFound(err)
	}
	return r.toDomain()
}

func (s *Store) SetJobHandle(ctx context.Context, id int64, handle string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET handle = ? WHERE id = ?`, handle, id)
	return err
}

// MarkPublished moves a scheduled job to published. ok is false when the job was
// no longer scheduled.
func (s *Store) MarkPublished(ctx context.Context, id int64, at time.Time, messageIDs []int) (ok bool, err error) {
	ids, err := encodeIDs(messageIDs)
	if err != nil {
		return false, err
	}
	return s.transition(ctx, `UPDATE jobs SET status = 'published', published_at = ?, message_ids = ?, error = ''
		WHERE id = ? AND status = 'scheduled'`, at.Unix(), ids, id)
}

func (s *Store) MarkFailed(ctx context.Context, id int64, reason string) (ok bool, err error) {
	return s.transition(ctx, `UPDATE jobs SET status = 'failed', error = ? WHERE id = ? AND status = 'scheduled'`, reason, id)
}

// MarkDeleted records that the posted messages were removed.
func (s *Store) MarkDeleted(ctx context.Context, id int64) (ok bool, err error) {
	return s.transition(ctx, `UPDATE jobs SET status = 'deleted' WHERE id = ? AND status = 'published'`, id)
}

func (s *Store) MarkUnpinned(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET unpinned_at = ? WHERE id = ? AND unpinned_at = 0`, at.Unix(), id)
	return err
}

func (s *Store) transition(ctx context.Context, q string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) ListScheduledJobs(ctx context.Context, taskID int64) ([]domain.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobCols+` FROM jobs WHERE task_id = ? AND status = 'scheduled' ORDER BY scheduled_at, channel_id`, taskID)
	if err != nil {
		return nil, err
	}
	return jobsToDomain(rows)
}

// ListLiveJobs returns the task's scheduled or published jobs at or after since.
func (s *Store) ListLiveJobs(ctx context.Context, taskID int64, since time.Time) ([]domain.Job, error) {
	q, args, err := sqlx.In(`SELECT `+jobCols+` FROM jobs
		WHERE task_id = ? AND scheduled_at >= ? AND status IN (?) ORDER BY scheduled_at, channel_id`,
		taskID, since.Unix(), []string{string(domain.JobScheduled), string(domain.JobPublished)})
	if err != nil {
		return nil, err
	}
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	return jobsToDomain(rows)
}

// ListPendingActions returns published jobs that still owe an unpin or a
// delete. Rows that cannot be decoded are skipped and counted.
func (s *Store) ListPendingActions(ctx context.Context) (jobs []domain.Job, skipped int, err error) {
	var rows []jobRow
	err = s.db.SelectContext(ctx, &rows, `SELECT `+jobCols+` FROM jobs
		WHERE status = 'published' AND message_ids <> ''
		  AND ((pin_hours > 0 AND unpinned_at = 0) OR auto_delete_hours > 0)
		ORDER BY published_at, id`)
	if err != nil {
		return nil, 0, err
	}
	jobs, skipped = s.decodeJobsLenient(rows)
	return jobs, skipped, nil
}

// CancelScheduledJobs marks every scheduled job of the task cancelled.
func (s *Store) CancelScheduledJobs(ctx context.Context, taskID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'cancelled' WHERE task_id = ? AND status = 'scheduled'`, taskID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CancelJob cancels one scheduled job.
func (s *Store) CancelJob(ctx context.Context, id int64) (bool, error) {
	return s.transition(ctx, `UPDATE jobs SET status = 'cancelled' WHERE id = ? AND status = 'scheduled'`, id)
}

// CancelAllScheduled cancels every scheduled job. Used once at startup.
func (s *Store) CancelAllScheduled(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'cancelled' WHERE status = 'scheduled'`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CountScheduledJobs(ctx context.Context, taskID int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM jobs WHERE task_id = ? AND status = 'scheduled'`, taskID)
	return n, err
}

func (s *Store) CountJobsByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM jobs GROUP BY status`); err != nil {
		return nil, err
	}
	out := make(map[domain.JobStatus]int, len(rows))
	for _, r := range rows {
		out[domain.JobStatus(r.Status)] = r.N
	}
	return out, nil
}
