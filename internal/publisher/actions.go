package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postbot/internal/domain"
	"postbot/internal/eventbus"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

func (s *Service) addUnpin(job domain.Job, msgID int, at time.Time, log logx.Logger) {
	jobID := job.ID
	_, err := s.timers.AddOnce(unpinName(jobID, msgID), at, s.config().ActionTimeout, func(ctx context.Context) error {
		return s.runUnpin(ctx, jobID, msgID)
	})
	if err != nil {
		log.Warn("unpin not scheduled", logx.Err(err))
		return
	}
	log.Debug("unpin scheduled", logx.Time("at", at))
}

func (s *Service) addDelete(job domain.Job, at time.Time, log logx.Logger) {
	jobID := job.ID
	_, err := s.timers.AddOnce(deleteName(jobID), at, s.config().ActionTimeout, func(ctx context.Context) error {
		return s.runDelete(ctx, jobID)
	})
	if err != nil {
		log.Warn("delete not scheduled", logx.Err(err))
		return
	}
	log.Debug("delete scheduled", logx.Time("at", at), logx.Ints("messages", job.MessageIDs))
}

// runUnpin removes the pin and records it, also when the platform call fails,
// so a restart does not retry an unpin of a message that is gone.
func (s *Service) runUnpin(ctx context.Context, jobID int64, msgID int) error {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %d: %w", jobID, err)
	}
	log := s.log.With(logx.Job(job.ID), logx.Task(job.TaskID), logx.Channel(job.ChannelID))
	if job.Status != domain.JobPublished || !job.UnpinnedAt.IsZero() {
		return nil
	}
	if err := s.msg.Unpin(ctx, job.ChannelID, msgID); err != nil {
		log.Warn("unpin failed", logx.Int("message", msgID), logx.Err(err))
	} else {
		log.Info("post unpinned", logx.Int("message", msgID))
	}
	if err := s.store.MarkUnpinned(ctx, job.ID, s.now()); err != nil {
		return fmt.Errorf("mark unpinned: %w", err)
	}
	return nil
}

// runDelete removes every message of the post and moves the job to deleted.
func (s *Service) runDelete(ctx context.Context, jobID int64) error {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %d: %w", jobID, err)
	}
	log := s.log.With(logx.Job(job.ID), logx.Task(job.TaskID), logx.Channel(job.ChannelID))
	if job.Status != domain.JobPublished {
		return nil
	}
	var failed int
	for _, id := range job.MessageIDs {
		if err := s.msg.Delete(ctx, job.ChannelID, id); err != nil {
			failed++
			log.Warn("delete failed", logx.Int("message", id), logx.Err(err))
		}
	}
	ok, err := s.store.MarkDeleted(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	if ok {
		log.Info("post deleted", logx.Int("messages", len(job.MessageIDs)), logx.Int("failed", failed))
		s.publish(eventbus.JobDeleted, eventbus.JobEvent{
			JobID: job.ID, TaskID: job.TaskID, ChannelID: job.ChannelID, At: s.now(), MessageIDs: job.MessageIDs,
		})
	}
	// Nothing left to unpin once the post is gone.
	if !job.UnpinAt().IsZero() && len(job.MessageIDs) > 0 {
		s.timers.Remove(unpinName(job.ID, job.MessageIDs[0]))
	}
	return nil
}
