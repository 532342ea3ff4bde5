package publisher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"postbot/internal/domain"
	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type reportEntry struct {
	channel   domain.Channel
	messageID int
}

// reportBatch collects the posts of one task published for the same slot.
type reportBatch struct {
	taskID       int64
	taskName     string
	ownerID      int64
	advertiserID int64
	scheduledAt  time.Time
	entries      []reportEntry
}

// reportBuffer debounces per-channel publish reports into one message per
// batch. Every new entry re-arms the batch timer.
type reportBuffer struct {
	s       *Service
	mu      sync.Mutex
	batches map[string]*reportBatch
}

func newReportBuffer(s *Service) *reportBuffer {
	return &reportBuffer{s: s, batches: map[string]*reportBatch{}}
}

func reportKey(taskID int64, at time.Time) string {
	return fmt.Sprintf("report:%d:%d", taskID, at.Unix())
}

func (b *reportBuffer) add(job domain.Job, ch domain.Channel) {
	key := reportKey(job.TaskID, job.ScheduledAt)
	b.mu.Lock()
	batch := b.batches[key]
	if batch == nil {
		batch = &reportBatch{
			taskID:       job.TaskID,
			taskName:     job.Snapshot.TaskName,
			ownerID:      job.UserID,
			advertiserID: job.Snapshot.AdvertiserID,
			scheduledAt:  job.ScheduledAt,
		}
		b.batches[key] = batch
	}
	batch.entries = append(batch.entries, reportEntry{channel: ch, messageID: job.MessageIDs[0]})
	b.mu.Unlock()

	cfg := b.s.config()
	_, err := b.s.timers.AddOnce(key, b.s.now().Add(cfg.ReportDebounce), cfg.ActionTimeout, func(ctx context.Context) error {
		return b.flush(ctx, key)
	})
	if err != nil {
		b.s.log.Warn("report not scheduled", logx.Task(job.TaskID), logx.Err(err))
	}
}

func (b *reportBuffer) take(key string) *reportBatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.batches[key]
	delete(b.batches, key)
	return batch
}

// flush sends the batch to the owner and the advertiser, each in their own zone.
func (b *reportBuffer) flush(ctx context.Context, key string) error {
	batch := b.take(key)
	if batch == nil || len(batch.entries) == 0 {
		return nil
	}
	recipients := []int64{batch.ownerID}
	if batch.advertiserID != 0 && batch.advertiserID != batch.ownerID {
		recipients = append(recipients, batch.advertiserID)
	}
	for _, uid := range recipients {
		loc := b.s.location(b.s.user(ctx, uid))
		text := formatReport(batch, loc)
		if _, err := b.s.msg.SendText(ctx, transport.ChatTarget{ChatID: uid}, text, &transport.SendOptions{DisablePreview: true}); err != nil {
			b.s.log.Warn("report not delivered", logx.Task(batch.taskID), logx.Int64("user", uid), logx.Err(err))
		}
	}
	return nil
}

func formatReport(batch *reportBatch, loc *time.Location) string {
	entries := append([]reportEntry(nil), batch.entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].channel.DisplayName() < entries[j].channel.DisplayName() })

	var sb strings.Builder
	name := batch.taskName
	if name == "" {
		name = fmt.Sprintf("#%d", batch.taskID)
	}
	fmt.Fprintf(&sb, "Post %q published %s (%s)\n", name, batch.scheduledAt.In(loc).Format("2006-01-02 15:04"), loc.String())
	for _, e := range entries {
		fmt.Fprintf(&sb, "\n• %s: %s", e.channel.DisplayName(), e.channel.PostLink(e.messageID))
	}
	return sb.String()
}
