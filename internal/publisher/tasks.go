package publisher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"postbot/internal/domain"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

var ErrPastDate = errors.New("date is in the past")

// EnsureUser records a user on first contact.
func (s *Service) EnsureUser(ctx context.Context, id int64, username string) error {
	return s.store.EnsureUser(ctx, id, username)
}

// CreateTask starts a new inactive task for owner.
func (s *Service) CreateTask(ctx context.Context, ownerID int64, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Post " + s.now().In(s.location(s.user(ctx, ownerID))).Format("2006-01-02 15:04")
	}
	if err := (domain.SetName{Name: name}).Validate(); err != nil {
		return 0, err
	}
	tariff := s.tariffOf(s.user(ctx, ownerID))
	n, err := s.store.CountUserTasks(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	if !domain.Allows(tariff.MaxTasks, n) {
		return 0, &LimitError{What: "tasks", Limit: tariff.MaxTasks}
	}
	id, err := s.store.CreateTask(ctx, domain.Task{OwnerID: ownerID, Name: name, PostType: domain.PostFromBot})
	if err != nil {
		return 0, fmt.Errorf("create task: %w", err)
	}
	s.log.Info("task created", logx.Task(id), logx.Int64("owner", ownerID))
	return id, nil
}

// Task returns the task if ownerID owns it.
func (s *Service) Task(ctx context.Context, ownerID, taskID int64) (domain.Task, error) {
	t, err := s.getTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.OwnerID != ownerID {
		return domain.Task{}, ErrNotOwner
	}
	return t, nil
}

func (s *Service) ListTasks(ctx context.Context, ownerID int64) ([]domain.Task, error) {
	return s.store.ListUserTasks(ctx, ownerID)
}

// TaskJobs lists the task's pending jobs.
func (s *Service) TaskJobs(ctx context.Context, taskID int64) ([]domain.Job, error) {
	return s.store.ListScheduledJobs(ctx, taskID)
}

// ScheduleSet returns the task's current dates, weekdays and times.
func (s *Service) ScheduleSet(ctx context.Context, taskID int64) (domain.ScheduleSet, error) {
	return s.store.ScheduleSet(ctx, taskID)
}

// UpdateTask validates and applies one field edit, then hot-reloads.
func (s *Service) UpdateTask(ctx context.Context, taskID int64, u domain.TaskUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}
	unlock := s.lockTask(taskID)
	t, err := s.getTask(ctx, taskID)
	if err == nil {
		u.Apply(&t)
		err = s.store.SaveTask(ctx, t)
	}
	unlock()
	if err != nil {
		return err
	}
	s.log.Debug("task updated", logx.Task(taskID), logx.String("field", u.Field()))
	s.reloadAfterEdit(ctx, taskID)
	return nil
}

// ToggleDate adds or removes a YYYY-MM-DD date. Adding a date drops the
// weekday rules.
func (s *Service) ToggleDate(ctx context.Context, taskID int64, date string) (bool, error) {
	date, err := domain.NormalizeDate(date)
	if err != nil {
		return false, err
	}
	task, set, tariff, err := s.scheduleContext(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !slices.Contains(set.Dates, date) {
		loc := s.location(s.user(ctx, task.OwnerID))
		today := s.now().In(loc).Format(domain.DateLayout)
		if date < today {
			return false, ErrPastDate
		}
		if !domain.Allows(tariff.MaxDateSlots, len(set.Dates)) {
			return false, &LimitError{What: "dates", Limit: tariff.MaxDateSlots}
		}
	}
	added, err := s.store.ToggleDate(ctx, taskID, date)
	if err != nil {
		return false, err
	}
	s.reloadAfterEdit(ctx, taskID)
	return added, nil
}

// ToggleWeekday adds or removes a weekday (Monday=0). Adding one drops the
// date rules.
func (s *Service) ToggleWeekday(ctx context.Context, taskID int64, weekday int) (bool, error) {
	if weekday < 0 || weekday > 6 {
		return false, fmt.Errorf("invalid weekday %d", weekday)
	}
	_, set, tariff, err := s.scheduleContext(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !slices.Contains(set.Weekdays, weekday) {
		limit := min(tariff.MaxWeekdaySlots, 7)
		if !domain.Allows(limit, len(set.Weekdays)) {
			return false, &LimitError{What: "weekdays", Limit: limit}
		}
	}
	added, err := s.store.ToggleWeekday(ctx, taskID, weekday)
	if err != nil {
		return false, err
	}
	s.reloadAfterEdit(ctx, taskID)
	return added, nil
}

// ToggleTime adds or removes an HH:MM time.
func (s *Service) ToggleTime(ctx context.Context, taskID int64, clock string) (bool, error) {
	clock, err := domain.NormalizeClock(clock)
	if err != nil {
		return false, err
	}
	_, set, tariff, err := s.scheduleContext(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !slices.Contains(set.Times, clock) && !domain.Allows(tariff.MaxTimeSlots, len(set.Times)) {
		return false, &LimitError{What: "times", Limit: tariff.MaxTimeSlots}
	}
	added, err := s.store.ToggleTime(ctx, taskID, clock)
	if err != nil {
		return false, err
	}
	s.reloadAfterEdit(ctx, taskID)
	return added, nil
}

func (s *Service) scheduleContext(ctx context.Context, taskID int64) (domain.Task, domain.ScheduleSet, domain.Tariff, error) {
	task, err := s.getTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, domain.ScheduleSet{}, domain.Tariff{}, err
	}
	set, err := s.store.ScheduleSet(ctx, taskID)
	if err != nil {
		return domain.Task{}, domain.ScheduleSet{}, domain.Tariff{}, err
	}
	return task, set, s.tariffOf(s.user(ctx, task.OwnerID)), nil
}

// ToggleChannel links or unlinks one of the owner's channels to the task.
func (s *Service) ToggleChannel(ctx context.Context, taskID, channelID int64) (bool, error) {
	task, err := s.getTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	ch, err := s.store.GetChannel(ctx, channelID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, ErrChannelNotFound
	}
	if err != nil {
		return false, err
	}
	if ch.OwnerID != task.OwnerID {
		return false, ErrNotOwner
	}
	linked, err := s.store.ListTaskChannels(ctx, taskID)
	if err != nil {
		return false, err
	}
	isLinked := slices.ContainsFunc(linked, func(c domain.Channel) bool { return c.ID == channelID })
	if !isLinked {
		tariff := s.tariffOf(s.user(ctx, task.OwnerID))
		if !domain.Allows(tariff.MaxChannels, len(linked)) {
			return false, &LimitError{What: "channels", Limit: tariff.MaxChannels}
		}
	}
	on, err := s.store.ToggleTaskChannel(ctx, taskID, channelID)
	if err != nil {
		return false, err
	}
	s.reloadAfterEdit(ctx, taskID)
	return on, nil
}

// RegisterChannel claims a channel for its owner.
func (s *Service) RegisterChannel(ctx context.Context, ch domain.Channel) error {
	if err := s.store.RegisterChannel(ctx, ch); err != nil {
		return err
	}
	s.log.Info("channel registered", logx.Channel(ch.ID), logx.Int64("owner", ch.OwnerID))
	return nil
}

func (s *Service) ListChannels(ctx context.Context, ownerID int64) ([]domain.Channel, error) {
	return s.store.ListUserChannels(ctx, ownerID)
}

// DeactivateChannel soft-deletes the channel, strips it from every task and
// reloads the affected tasks.
func (s *Service) DeactivateChannel(ctx context.Context, channelID int64) error {
	tasks, err := s.store.DeactivateChannel(ctx, channelID)
	if err != nil {
		return err
	}
	s.log.Info("channel deactivated", logx.Channel(channelID), logx.Int("tasks", len(tasks)))
	for _, id := range tasks {
		s.reloadAfterEdit(ctx, id)
	}
	return nil
}

// DeleteTask cancels the task's jobs and removes it with its rules, links and
// job rows. Pending unpins and deletes of its posts are dropped.
func (s *Service) DeleteTask(ctx context.Context, taskID int64) error {
	unlock := s.lockTask(taskID)
	defer unlock()

	if _, err := s.getTask(ctx, taskID); err != nil {
		return err
	}
	if _, err := s.cancelAllForTask(ctx, taskID); err != nil {
		return err
	}
	live, err := s.store.ListLiveJobs(ctx, taskID, time.Time{})
	if err != nil {
		return err
	}
	for _, j := range live {
		s.timers.Remove(deleteName(j.ID))
		if len(j.MessageIDs) > 0 {
			s.timers.Remove(unpinName(j.ID, j.MessageIDs[0]))
		}
	}
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	s.log.Info("task deleted", logx.Task(taskID))
	return nil
}

// SetTimezone stores the user's zone and reloads their active tasks, whose
// instants depend on it.
func (s *Service) SetTimezone(ctx context.Context, userID int64, tz string) error {
	tz = strings.TrimSpace(tz)
	if _, err := time.LoadLocation(tz); err != nil || tz == "" {
		return fmt.Errorf("unknown timezone %q", tz)
	}
	if err := s.store.SetUserTimezone(ctx, userID, tz); err != nil {
		return err
	}
	tasks, err := s.store.ListUserTasks(ctx, userID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Active() {
			s.reloadAfterEdit(ctx, t.ID)
		}
	}
	return nil
}

// Status reports job counts for operators.
func (s *Service) Status(ctx context.Context) (Status, error) {
	counts, err := s.store.CountJobsByStatus(ctx)
	if err != nil {
		return Status{}, err
	}
	active, _, err := s.store.ListActiveTasks(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{Jobs: counts, ActiveTasks: len(active)}, nil
}
