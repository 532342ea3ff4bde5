package publisher

import (
	"context"
	"errors"
	"fmt"

	"postbot/internal/domain"
	"postbot/internal/eventbus"
	logx "postbot/pkg/logx"
)

// taskState is what validation and expansion read about a task.
type taskState struct {
	task     domain.Task
	rules    []domain.ScheduleRule
	channels []domain.Channel
}

func (s *Service) loadState(ctx context.Context, taskID int64) (taskState, error) {
	task, err := s.getTask(ctx, taskID)
	if err != nil {
		return taskState{}, err
	}
	rules, err := s.store.ListSchedules(ctx, taskID)
	if err != nil {
		return taskState{}, fmt.Errorf("load rules: %w", err)
	}
	chans, err := s.store.ListTaskChannels(ctx, taskID)
	if err != nil {
		return taskState{}, fmt.Errorf("load channels: %w", err)
	}
	return taskState{task: task, rules: rules, channels: chans}, nil
}

// validate reports every missing precondition, or nil.
func validate(st taskState) *ValidationError {
	var probs []Problem
	if st.task.Content.IsEmpty() {
		probs = append(probs, ProblemContent)
	}
	if len(st.channels) == 0 {
		probs = append(probs, ProblemChannels)
	}
	if len(domain.Recurrences(st.rules)) == 0 {
		probs = append(probs, ProblemSchedule)
	}
	if len(probs) == 0 {
		return nil
	}
	return &ValidationError{TaskID: st.task.ID, Problems: probs}
}

// expandLocked creates the next jobs of a valid task. Callers hold the task lock.
func (s *Service) expandLocked(ctx context.Context, st taskState) (int, error) {
	cfg := s.config()
	now := s.now()
	existing, err := s.store.ListLiveJobs(ctx, st.task.ID, now.Add(-cfg.PastTolerance))
	if err != nil {
		return 0, fmt.Errorf("load jobs: %w", err)
	}
	chans := make([]int64, len(st.channels))
	for i, c := range st.channels {
		chans[i] = c.ID
	}
	slots := Expand(ExpandInput{
		Rules:     st.rules,
		Channels:  chans,
		Location:  s.location(s.user(ctx, st.task.OwnerID)),
		Now:       now,
		Tolerance: cfg.PastTolerance,
		Existing:  existing,
	})

	var errs []error
	for _, slot := range slots {
		if _, _, err := s.createJob(ctx, st.task, slot); err != nil {
			errs = append(errs, err)
		}
	}
	n, err := s.store.CountScheduledJobs(ctx, st.task.ID)
	if err != nil {
		errs = append(errs, err)
	}
	return n, errors.Join(errs...)
}

// ActivateTask validates the task, marks it active and schedules its jobs.
// It returns the number of scheduled jobs, or a *ValidationError.
func (s *Service) ActivateTask(ctx context.Context, taskID int64) (int, error) {
	unlock := s.lockTask(taskID)
	defer unlock()

	st, err := s.loadState(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if verr := validate(st); verr != nil {
		return 0, verr
	}
	if _, err := s.cancelAllForTask(ctx, taskID); err != nil {
		return 0, err
	}
	if err := s.store.SetTaskStatus(ctx, taskID, domain.TaskActive); err != nil {
		return 0, fmt.Errorf("activate: %w", err)
	}
	st.task.Status = domain.TaskActive

	n, err := s.expandLocked(ctx, st)
	if n == 0 {
		// Every date already passed.
		s.deactivateLocked(ctx, taskID, "no upcoming slot")
		if err != nil {
			return 0, err
		}
		return 0, &ValidationError{TaskID: taskID, Problems: []Problem{ProblemUpcoming}}
	}
	if err != nil {
		s.log.Warn("task activated with errors", logx.Task(taskID), logx.Err(err))
	}
	s.log.Info("task activated", logx.Task(taskID), logx.Int("jobs", n))
	s.publish(eventbus.TaskReloaded, eventbus.TaskEvent{TaskID: taskID, Jobs: n, Reason: "activated"})
	return n, nil
}

// DeactivateTask cancels every pending job and marks the task inactive.
func (s *Service) DeactivateTask(ctx context.Context, taskID int64) error {
	unlock := s.lockTask(taskID)
	defer unlock()

	if _, err := s.getTask(ctx, taskID); err != nil {
		return err
	}
	if _, err := s.cancelAllForTask(ctx, taskID); err != nil {
		return err
	}
	if err := s.store.SetTaskStatus(ctx, taskID, domain.TaskInactive); err != nil {
		return fmt.Errorf("deactivate: %w", err)
	}
	s.log.Info("task deactivated", logx.Task(taskID))
	s.publish(eventbus.TaskStopped, eventbus.TaskEvent{TaskID: taskID, Reason: "user"})
	return nil
}

func (s *Service) deactivateLocked(ctx context.Context, taskID int64, reason string) {
	if _, err := s.cancelAllForTask(ctx, taskID); err != nil {
		s.log.Warn("cancel before deactivate", logx.Task(taskID), logx.Err(err))
	}
	if err := s.store.SetTaskStatus(ctx, taskID, domain.TaskInactive); err != nil {
		s.log.Error("auto-deactivate failed", logx.Task(taskID), logx.Err(err))
		return
	}
	s.log.Info("task deactivated", logx.Task(taskID), logx.String("reason", reason))
	s.publish(eventbus.TaskStopped, eventbus.TaskEvent{TaskID: taskID, Reason: reason})
}

// OnTaskMutated re-derives the jobs of an active task after any edit. Inactive
// tasks are left alone. An edit that leaves the task invalid deactivates it.
func (s *Service) OnTaskMutated(ctx context.Context, taskID int64) error {
	unlock := s.lockTask(taskID)
	defer unlock()
	return s.reloadLocked(ctx, taskID)
}

// reloadAfterEdit reloads a task whose edit is already stored. A failed
// reload is logged; the edit itself stands.
func (s *Service) reloadAfterEdit(ctx context.Context, taskID int64) {
	if err := s.OnTaskMutated(ctx, taskID); err != nil {
		s.log.Warn("reload after edit failed", logx.Task(taskID), logx.Err(err))
	}
}

func (s *Service) reloadLocked(ctx context.Context, taskID int64) error {
	task, err := s.getTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Active() {
		return nil
	}
	log := s.log.With(logx.Task(taskID))

	// Old jobs go first so stale parameters can never publish.
	if _, err := s.cancelAllForTask(ctx, taskID); err != nil {
		return err
	}
	st, err := s.loadState(ctx, taskID)
	if err != nil {
		return err
	}
	if verr := validate(st); verr != nil {
		log.Info("task invalid after edit", logx.Err(verr))
		s.deactivateLocked(ctx, taskID, verr.Error())
		return nil
	}
	n, err := s.expandLocked(ctx, st)
	if err != nil {
		log.Warn("reload finished with errors", logx.Err(err))
	}
	if n == 0 {
		s.deactivateLocked(ctx, taskID, "no upcoming slot")
		return nil
	}
	log.Debug("task reloaded", logx.Int("jobs", n))
	s.publish(eventbus.TaskReloaded, eventbus.TaskEvent{TaskID: taskID, Jobs: n, Reason: "edit"})
	return nil
}
