package publisher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"postbot/internal/domain"
	"postbot/internal/eventbus"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// runPublish executes one publication job. Publish failures end in a failed
// job and are not returned; only storage failures are.
func (s *Service) runPublish(ctx context.Context, jobID int64) error {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %d: %w", jobID, err)
	}
	unlock := s.lockTask(job.TaskID)
	defer unlock()

	// Reload under the lock: a reload may have cancelled it meanwhile.
	job, err = s.store.GetJob(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %d: %w", jobID, err)
	}
	log := s.log.With(logx.Job(job.ID), logx.Task(job.TaskID), logx.Channel(job.ChannelID))
	if job.Status != domain.JobScheduled {
		log.Debug("job no longer scheduled", logx.String("status", string(job.Status)))
		return nil
	}

	task, err := s.getTask(ctx, job.TaskID)
	if err != nil {
		s.failJob(ctx, job, fmt.Errorf("load task: %w", err), log)
		s.completeDateTask(ctx, job, log)
		return nil
	}
	owner := s.user(ctx, job.UserID)
	tariff := s.tariffOf(owner)

	ch, err := s.store.GetChannel(ctx, job.ChannelID)
	switch {
	case err == nil && !ch.Active:
		err = errors.New("channel is inactive")
	case errors.Is(err, storage.ErrNotFound):
		err = ErrChannelNotFound
	}
	var ids []int
	if err == nil {
		ids, err = s.publishContent(ctx, job, tariff, log)
	}
	if err != nil {
		s.failJob(ctx, job, err, log)
		s.scheduleNext(ctx, task, job, log)
		s.completeDateTask(ctx, job, log)
		return nil
	}

	now := s.now()
	ok, err := s.markPublished(ctx, job.ID, now, ids, log)
	if err != nil {
		// The post is live but unrecorded. Keep the ids findable and end the
		// job so nothing publishes it twice.
		log.Error("published post not recorded", logx.Ints("messages", ids), logx.Err(err))
		reason := fmt.Sprintf("published as messages %v but not recorded: %v", ids, err)
		if _, ferr := s.store.MarkFailed(ctx, job.ID, reason); ferr != nil {
			log.Error("mark failed", logx.Err(ferr))
		}
		return fmt.Errorf("mark published: %w", err)
	}
	if !ok {
		log.Warn("job left scheduled state during publish", logx.Ints("messages", ids))
		return nil
	}
	job.Status = domain.JobPublished
	job.PublishedAt = now
	job.MessageIDs = ids
	log.Info("job published", logx.Ints("messages", ids))

	s.applySignature(ctx, job, tariff, log)
	s.schedulePin(ctx, job, log)
	s.scheduleDelete(job, log)
	if job.Snapshot.ReportEnabled {
		s.reports.add(job, ch)
	}
	s.publish(eventbus.JobPublished, eventbus.JobEvent{
		JobID: job.ID, TaskID: job.TaskID, ChannelID: job.ChannelID, At: now, MessageIDs: ids,
	})

	s.scheduleNext(ctx, task, job, log)
	s.completeDateTask(ctx, job, log)
	return nil
}

// markPublished records the publication, retrying the write once.
func (s *Service) markPublished(ctx context.Context, jobID int64, at time.Time, ids []int, log logx.Logger) (bool, error) {
	ok, err := s.store.MarkPublished(ctx, jobID, at, ids)
	if err == nil {
		return ok, nil
	}
	log.Warn("mark published failed, retrying", logx.Err(err))
	return s.store.MarkPublished(ctx, jobID, at, ids)
}

func (s *Service) failJob(ctx context.Context, job domain.Job, cause error, log logx.Logger) {
	log.Warn("job failed", logx.Err(cause))
	if _, err := s.store.MarkFailed(ctx, job.ID, cause.Error()); err != nil {
		log.Error("mark failed", logx.Err(err))
	}
	s.publish(eventbus.JobFailed, eventbus.JobEvent{
		JobID: job.ID, TaskID: job.TaskID, ChannelID: job.ChannelID, At: s.now(), Error: cause.Error(),
	})
}

// publishContent posts the snapshot content and returns the posted ids.
func (s *Service) publishContent(ctx context.Context, job domain.Job, tariff domain.Tariff, log logx.Logger) ([]int, error) {
	c := job.Snapshot.Content
	if c.IsEmpty() {
		return nil, errors.New("content is empty")
	}
	to := job.ChannelID

	if job.Snapshot.PostType == domain.PostRepost {
		if !c.IsAlbum() {
			id, err := s.msg.Forward(ctx, to, c.SourceChatID, c.MessageID)
			if err != nil {
				return nil, fmt.Errorf("forward: %w", err)
			}
			return []int{id}, nil
		}
		if src := c.MessageIDs(); len(src) == len(c.Album) && c.SourceChatID != 0 {
			ids, err := s.msg.ForwardAlbum(ctx, to, c.SourceChatID, src)
			if err == nil {
				return ids, nil
			}
			log.Warn("album forward rejected; rebuilding from file ids", logx.Err(err))
		}
		ids, err := s.msg.SendAlbum(ctx, to, s.albumItems(c, ""))
		if err != nil {
			return nil, fmt.Errorf("send album: %w", err)
		}
		return ids, nil
	}

	if !c.IsAlbum() {
		id, err := s.msg.Copy(ctx, to, c.SourceChatID, c.MessageID, c.Buttons)
		if err != nil {
			return nil, fmt.Errorf("copy: %w", err)
		}
		return []int{id}, nil
	}
	sig := ""
	if tariff.Free {
		sig = s.config().Signature
	}
	ids, err := s.msg.SendAlbum(ctx, to, s.albumItems(c, sig))
	if err != nil {
		return nil, fmt.Errorf("send album: %w", err)
	}
	return ids, nil
}

// albumItems prepares album parts for sending: captions are cut to the
// caption limit and sig lands on the first caption.
func (s *Service) albumItems(c domain.Content, sig string) []domain.MediaItem {
	limit := s.config().CaptionLimit
	items := make([]domain.MediaItem, len(c.Album))
	for i, it := range c.Album {
		it.Caption = domain.TruncateCaption(it.Caption, limit)
		if i == 0 && sig != "" {
			it.Caption = domain.AppendSignature(it.Caption, sig, limit)
		}
		items[i] = it
	}
	return items
}

// applySignature edits a copied single post to carry the signature. Albums get
// it at send time and reposts never do.
func (s *Service) applySignature(ctx context.Context, job domain.Job, tariff domain.Tariff, log logx.Logger) {
	cfg := s.config()
	c := job.Snapshot.Content
	if !tariff.Free || cfg.Signature == "" || job.Snapshot.PostType == domain.PostRepost || c.IsAlbum() {
		return
	}
	msgID := job.MessageIDs[0]
	text, ents := domain.SignText(c.Text, c.Entities, cfg.Signature, textLimit)
	err := s.msg.EditText(ctx, job.ChannelID, msgID, text, ents, c.Buttons)
	if err == nil {
		return
	}
	caption, ents := domain.SignText(c.Text, c.Entities, cfg.Signature, cfg.CaptionLimit)
	if cerr := s.msg.EditCaption(ctx, job.ChannelID, msgID, caption, ents, c.Buttons); cerr != nil {
		log.Debug("signature skipped", logx.Err(errors.Join(err, cerr)))
	}
}

func (s *Service) schedulePin(ctx context.Context, job domain.Job, log logx.Logger) {
	at := job.UnpinAt()
	if at.IsZero() {
		return
	}
	msgID := job.MessageIDs[0]
	if err := s.msg.Pin(ctx, job.ChannelID, msgID, job.Snapshot.PinNotify); err != nil {
		log.Warn("pin failed", logx.Err(err))
		// Nothing to unpin later, also after a restart.
		if err := s.store.MarkUnpinned(ctx, job.ID, s.now()); err != nil {
			log.Warn("mark unpinned", logx.Err(err))
		}
		return
	}
	s.addUnpin(job, msgID, at, log)
}

func (s *Service) scheduleDelete(job domain.Job, log logx.Logger) {
	at := job.DeleteAt()
	if at.IsZero() {
		return
	}
	s.addDelete(job, at, log)
}

// scheduleNext materializes the following instance of a weekday rule while the
// task still carries that rule and channel.
func (s *Service) scheduleNext(ctx context.Context, task domain.Task, job domain.Job, log logx.Logger) {
	if !job.Rule.Repeats() || !task.Active() {
		return
	}
	rules, err := s.store.ListSchedules(ctx, task.ID)
	if err != nil {
		log.Warn("recurrence skipped: load rules", logx.Err(err))
		return
	}
	if !slices.Contains(domain.Recurrences(rules), job.Rule) {
		return
	}
	chans, err := s.store.ListTaskChannels(ctx, task.ID)
	if err != nil {
		log.Warn("recurrence skipped: load channels", logx.Err(err))
		return
	}
	if !slices.ContainsFunc(chans, func(c domain.Channel) bool { return c.ID == job.ChannelID }) {
		return
	}

	cfg := s.config()
	loc := s.location(s.user(ctx, task.OwnerID))
	now := s.now()
	next, ok := job.Rule.After(job.ScheduledAt, loc)
	if !ok {
		return
	}
	if next.Before(now.Add(-cfg.PastTolerance)) {
		// Fired late by more than a week; skip the backlog.
		if next, ok = job.Rule.Next(now, loc, cfg.PastTolerance); !ok {
			return
		}
	}
	if _, _, err := s.createJob(ctx, task, Slot{ChannelID: job.ChannelID, At: next, Rule: job.Rule}); err != nil {
		log.Warn("next recurrence not created", logx.Err(err))
	}
}

// completeDateTask deactivates a date-only task once its last job has run.
func (s *Service) completeDateTask(ctx context.Context, job domain.Job, log logx.Logger) {
	if job.Rule.Kind != domain.RecurDate {
		return
	}
	n, err := s.store.CountScheduledJobs(ctx, job.TaskID)
	if err != nil || n > 0 {
		return
	}
	rules, err := s.store.ListSchedules(ctx, job.TaskID)
	if err != nil {
		return
	}
	for _, r := range rules {
		if r.HasWeekday() {
			return
		}
	}
	if err := s.store.SetTaskStatus(ctx, job.TaskID, domain.TaskInactive); err != nil {
		log.Warn("date task not completed", logx.Err(err))
		return
	}
	log.Info("date task completed")
	s.publish(eventbus.TaskStopped, eventbus.TaskEvent{TaskID: job.TaskID, Reason: "completed"})
}
