package publisher

import (
	"context"
	"fmt"
	"strconv"

	"postbot/internal/domain"
	logx "postbot/pkg/logx"
)

func publishName(jobID int64) string { return "publish:" + strconv.FormatInt(jobID, 10) }

func deleteName(jobID int64) string { return "delete:" + strconv.FormatInt(jobID, 10) }

func unpinName(jobID int64, msgID int) string {
	return fmt.Sprintf("unpin:%d:%d", jobID, msgID)
}

// createJob stores one scheduled job and registers its live callback. A job
// whose callback cannot be registered is marked failed instead of left
// orphaned. created is false when the slot was already held.
func (s *Service) createJob(ctx context.Context, task domain.Task, slot Slot) (id int64, created bool, err error) {
	j := domain.Job{
		TaskID:      task.ID,
		UserID:      task.OwnerID,
		ChannelID:   slot.ChannelID,
		ScheduledAt: slot.At.UTC(),
		Snapshot:    task.Snapshot(),
		Rule:        slot.Rule,
		CreatedAt:   s.now(),
	}
	id, created, err = s.store.InsertJob(ctx, j)
	if err != nil {
		return 0, false, fmt.Errorf("insert job: %w", err)
	}
	if !created {
		return id, false, nil
	}

	log := s.log.With(logx.Job(id), logx.Task(task.ID), logx.Channel(slot.ChannelID))
	handle, err := s.timers.AddOnce(publishName(id), j.ScheduledAt, s.config().ActionTimeout, func(ctx context.Context) error {
		return s.runPublish(ctx, id)
	})
	if err != nil {
		log.Warn("publish callback not registered", logx.Err(err))
		if _, ferr := s.store.MarkFailed(ctx, id, "schedule: "+err.Error()); ferr != nil {
			log.Error("mark failed", logx.Err(ferr))
		}
		return id, false, fmt.Errorf("schedule job %d: %w", id, err)
	}
	if err := s.store.SetJobHandle(ctx, id, handle); err != nil {
		log.Warn("job handle not stored", logx.Err(err))
	}
	log.Debug("job scheduled", logx.Time("at", j.ScheduledAt), logx.String("rule", slot.Rule.String()))
	return id, true, nil
}

// cancelAllForTask removes the live callback of every scheduled job of the
// task, then cancels the rows.
func (s *Service) cancelAllForTask(ctx context.Context, taskID int64) (int64, error) {
	jobs, err := s.store.ListScheduledJobs(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("list scheduled jobs: %w", err)
	}
	for _, j := range jobs {
		name := j.Handle
		if name == "" {
			name = publishName(j.ID)
		}
		s.timers.Remove(name)
	}
	n, err := s.store.CancelScheduledJobs(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs: %w", err)
	}
	if n > 0 {
		s.log.Debug("jobs cancelled", logx.Task(taskID), logx.Int64("count", n))
	}
	return n, nil
}
