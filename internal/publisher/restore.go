package publisher

import (
	"context"
	"fmt"

	logx "postbot/pkg/logx"
)

// RestoreResult counts what a startup pass rebuilt.
type RestoreResult struct {
	Cancelled int64
	Tasks     int
	Failed    int
	Skipped   int
	Unpins    int
	Deletes   int
	Overdue   int
}

// RestoreOnStartup rebuilds the live callback queue from the database.
// Leftover scheduled jobs are cancelled and every active task is expanded
// afresh. Pending unpins and deletes are re-armed from the original publish
// time; those already due run after the restore delay. A task or job that
// fails to load or restore is logged and skipped; only the bulk cancel and the
// list queries themselves abort the pass.
func (s *Service) RestoreOnStartup(ctx context.Context) (RestoreResult, error) {
	var res RestoreResult
	n, err := s.store.CancelAllScheduled(ctx)
	if err != nil {
		return res, fmt.Errorf("cancel stale jobs: %w", err)
	}
	res.Cancelled = n

	tasks, skipped, err := s.store.ListActiveTasks(ctx)
	if err != nil {
		return res, fmt.Errorf("list active tasks: %w", err)
	}
	res.Skipped += skipped
	for _, t := range tasks {
		if err := s.OnTaskMutated(ctx, t.ID); err != nil {
			res.Failed++
			s.log.Warn("task restore failed", logx.Task(t.ID), logx.Err(err))
			continue
		}
		res.Tasks++
	}

	pending, skipped, err := s.store.ListPendingActions(ctx)
	if err != nil {
		return res, fmt.Errorf("list pending actions: %w", err)
	}
	res.Skipped += skipped
	cfg := s.config()
	now := s.now()
	soon := now.Add(cfg.RestoreDelay)
	for _, j := range pending {
		log := s.log.With(logx.Job(j.ID), logx.Task(j.TaskID), logx.Channel(j.ChannelID))
		if len(j.MessageIDs) == 0 {
			res.Skipped++
			log.Warn("published job has no message ids")
			continue
		}
		if at := j.UnpinAt(); !at.IsZero() && j.UnpinnedAt.IsZero() {
			if !at.After(now) {
				at = soon
				res.Overdue++
			}
			s.addUnpin(j, j.MessageIDs[0], at, log)
			res.Unpins++
		}
		if at := j.DeleteAt(); !at.IsZero() {
			if !at.After(now) {
				at = soon
				res.Overdue++
			}
			s.addDelete(j, at, log)
			res.Deletes++
		}
	}

	s.log.Info("restore finished",
		logx.Int64("cancelled", res.Cancelled),
		logx.Int("tasks", res.Tasks),
		logx.Int("failed", res.Failed),
		logx.Int("skipped", res.Skipped),
		logx.Int("unpins", res.Unpins),
		logx.Int("deletes", res.Deletes),
		logx.Int("overdue", res.Overdue),
	)
	return res, nil
}

// CleanupInactive deletes tasks left inactive longer than the retention.
func (s *Service) CleanupInactive(ctx context.Context) (int64, error) {
	before := s.now().Add(-s.config().InactiveRetention)
	n, err := s.store.DeleteStaleTasks(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	if n > 0 {
		s.log.Info("inactive tasks removed", logx.Int64("count", n), logx.Time("before", before))
	}
	return n, nil
}
