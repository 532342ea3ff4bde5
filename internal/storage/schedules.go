package storage

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"postbot/internal/domain"
)

type scheduleRow struct {
	ID      int64          `db:"id"`
	TaskID  int64          `db:"task_id"`
	Date    sql.NullString `db:"schedule_date"`
	Weekday sql.NullInt64  `db:"schedule_weekday"`
	Time    sql.NullString `db:"schedule_time"`
}

func (r scheduleRow) toDomain() domain.ScheduleRule {
	out := domain.ScheduleRule{ID: r.ID, TaskID: r.TaskID, Weekday: domain.NoWeekday}
	if r.Date.Valid {
		out.Date = r.Date.String
	}
	if r.Weekday.Valid {
		out.Weekday = int(r.Weekday.Int64)
	}
	if r.Time.Valid {
		out.Time = r.Time.String
	}
	return out
}

func ruleToRow(r domain.ScheduleRule) scheduleRow {
	return scheduleRow{
		TaskID:  r.TaskID,
		Date:    sql.NullString{String: r.Date, Valid: r.HasDate()},
		Weekday: sql.NullInt64{Int64: int64(r.Weekday), Valid: r.HasWeekday()},
		Time:    sql.NullString{String: r.Time, Valid: r.HasTime()},
	}
}

func (s *Store) ListSchedules(ctx context.Context, taskID int64) ([]domain.ScheduleRule, error) {
	var rows []scheduleRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, task_id, schedule_date, schedule_weekday, schedule_time
		FROM schedules WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ScheduleRule, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// ToggleDate adds or removes a date for the task. Adding a date removes every
// weekday row; bound times are kept.
func (s *Store) ToggleDate(ctx context.Context, taskID int64, date string) (added bool, err error) {
	err = s.editSchedule(ctx, taskID, func(set *domain.ScheduleSet) { added = set.ToggleDate(date) })
	return added, err
}

// ToggleWeekday adds or removes a weekday (Monday=0). Adding one removes every date row.
func (s *Store) ToggleWeekday(ctx context.Context, taskID int64, weekday int) (added bool, err error) {
	err = s.editSchedule(ctx, taskID, func(set *domain.ScheduleSet) { added = set.ToggleWeekday(weekday) })
	return added, err
}

func (s *Store) ToggleTime(ctx context.Context, taskID int64, clock string) (added bool, err error) {
	err = s.editSchedule(ctx, taskID, func(set *domain.ScheduleSet) { added = set.ToggleTime(clock) })
	return added, err
}

// ScheduleSet returns the task's rows folded into sets.
func (s *Store) ScheduleSet(ctx context.Context, taskID int64) (domain.ScheduleSet, error) {
	rules, err := s.ListSchedules(ctx, taskID)
	if err != nil {
		return domain.ScheduleSet{}, err
	}
	return domain.ScheduleSetFromRules(rules), nil
}

func (s *Store) editSchedule(ctx context.Context, taskID int64, edit func(*domain.ScheduleSet)) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var exists int
		if err := tx.GetContext(ctx, &exists, `SELECT 1 FROM tasks WHERE id = ?`, taskID); err != nil {
			return notFound(err)
		}
		var rows []scheduleRow
		if err := tx.SelectContext(ctx, &rows, `
			SELECT id, task_id, schedule_date, schedule_weekday, schedule_time
			FROM schedules WHERE task_id = ?`, taskID); err != nil {
			return err
		}
		rules := make([]domain.ScheduleRule, 0, len(rows))
		for _, r := range rows {
			rules = append(rules, r.toDomain())
		}
		set := domain.ScheduleSetFromRules(rules)
		edit(&set)

		if _, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE task_id = ?`, taskID); err != nil {
			return err
		}
		for _, r := range set.Rows(taskID) {
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO schedules(task_id, schedule_date, schedule_weekday, schedule_time)
				VALUES(:task_id, :schedule_date, :schedule_weekday, :schedule_time)`, ruleToRow(r)); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `UPDATE tasks SET updated_at = ? WHERE id = ?`, s.now().Unix(), taskID)
		return err
	})
}
