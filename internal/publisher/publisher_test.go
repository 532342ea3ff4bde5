package publisher

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"postbot/internal/domain"
)

func TestActivateCreatesOneJobPerChannel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	id := f.seed(t, taskSpec{
		tz:       "Europe/Berlin",
		channels: []int64{-1001, -1002},
		dates:    []string{"2026-10-19"},
		times:    []string{"09:00"},
	})

	n, err := f.svc.ActivateTask(context.Background(), id)
	if err != nil {
		t.Fatalf("ActivateTask: %v", err)
	}
	if n != 2 {
		t.Fatalf("jobs = %d, want 2", n)
	}
	want := time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC) // 09:00 CEST
	jobs := f.scheduled(t, id)
	if len(jobs) != 2 {
		t.Fatalf("scheduled = %d, want 2", len(jobs))
	}
	chans := map[int64]bool{}
	for _, j := range jobs {
		if !j.ScheduledAt.Equal(want) {
			t.Fatalf("job at %v, want %v", j.ScheduledAt, want)
		}
		chans[j.ChannelID] = true
		if _, ok := f.timers.get(publishName(j.ID)); !ok {
			t.Fatalf("no live callback for job %d", j.ID)
		}
		if j.Handle != publishName(j.ID) {
			t.Fatalf("handle = %q", j.Handle)
		}
	}
	if !chans[-1001] || !chans[-1002] {
		t.Fatalf("channels = %v", chans)
	}
	if !f.task(t, id).Active() {
		t.Fatal("task not active")
	}
}

func TestEditingTimeOfActiveTaskReschedules(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	id := f.seed(t, taskSpec{
		channels: []int64{-1001, -1002},
		dates:    []string{"2026-10-19"},
		times:    []string{"09:00"},
	})
	if _, err := f.svc.ActivateTask(ctx, id); err != nil {
		t.Fatalf("ActivateTask: %v", err)
	}
	old := f.scheduled(t, id)

	if _, err := f.svc.ToggleTime(ctx, id, "10:00"); err != nil {
		t.Fatalf("ToggleTime add: %v", err)
	}
	if added, err := f.svc.ToggleTime(ctx, id, "09:00"); err != nil || added {
		t.Fatalf("ToggleTime remove = %v, %v", added, err)
	}

	at10 := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	jobs := f.scheduled(t, id)
	if len(jobs) != 2 {
		t.Fatalf("scheduled = %d, want 2", len(jobs))
	}
	for _, j := range jobs {
		if !j.ScheduledAt.Equal(at10) {
			t.Fatalf("job at %v, want %v", j.ScheduledAt, at10)
		}
	}
	for _, j := range old {
		if got := f.job(t, j.ID).Status; got != domain.JobCancelled {
			t.Fatalf("old job %d status = %s", j.ID, got)
		}
		if _, ok := f.timers.get(publishName(j.ID)); ok {
			t.Fatalf("old job %d still has a live callback", j.ID)
		}
	}
	if got := len(f.timers.names("publish:")); got != 2 {
		t.Fatalf("live publish callbacks = %d, want 2", got)
	}
}

func TestReloadTwiceKeepsSameSlots(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	id := f.seed(t, taskSpec{
		channels: []int64{-1001, -1002},
		weekdays: []int{0, 3},
		times:    []string{"09:00", "18:30"},
	})
	if _, err := f.svc.ActivateTask(ctx, id); err != nil {
		t.Fatalf("ActivateTask: %v", err)
	}

	type slot struct {
		ch int64
		at time.Time
	}
	slots := func() []slot {
		var out []slot
		for _, j := range f.scheduled(t, id) {
			out = append(out, slot{j.ChannelID, j.ScheduledAt})
		}
		return out
	}
	first := slots()
	if len(first) != 8 {
		t.Fatalf("slots = %d, want 8", len(first))
	}
	for i := 0; i < 2; i++ {
		if err := f.svc.OnTaskMutated(ctx, id); err != nil {
			t.Fatalf("OnTaskMutated: %v", err)
		}
	}
	if again := slots(); !slices.Equal(first, again) {
		t.Fatalf("slots changed:\n%v\n%v", first, again)
	}
	if got := len(f.timers.names("publish:")); got != 8 {
		t.Fatalf("live publish callbacks = %d, want 8", got)
	}
}

func TestInvalidEditDeactivates(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	id := f.seed(t, taskSpec{
		channels: []int64{-1001},
		dates:    []string{"2026-10-19"},
		times:    []string{"09:00"},
	})
	if _, err := f.svc.ActivateTask(ctx, id); err != nil {
		t.Fatalf("ActivateTask: %v", err)
	}
	if err := f.svc.DeactivateChannel(ctx, -1001); err != nil {
		t.Fatalf("DeactivateChannel: %v", err)
	}
	if f.task(t, id).Active() {
		t.Fatal("task still active without channels")
	}
	if n := len(f.scheduled(t, id)); n != 0 {
		t.Fatalf("scheduled = %d, want 0", n)
	}
	if n := len(f.timers.names("publish:")); n != 0 {
		t.Fatalf("live callbacks = %d, want 0", n)
	}
}

func TestActivateReportsEveryProblem(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	if err := f.svc.EnsureUser(ctx, 7, "owner"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	id, err := f.svc.CreateTask(ctx, 7, "")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	_, err = f.svc.ActivateTask(ctx, id)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("ActivateTask = %v, want ValidationError", err)
	}
	for _, p := range []Problem{ProblemContent, ProblemChannels, ProblemSchedule} {
		if !verr.Has(p) {
			t.Fatalf("missing problem %q in %v", p, verr.Problems)
		}
	}
	if f.task(t, id).Active() {
		t.Fatal("invalid task activated")
	}
}

func TestActivateWithOnlyPastSlots(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	id := f.seed(t, taskSpec{
		channels: []int64{-1001},
		dates:    []string{"2026-10-18"},
		times:    []string{"09:00"}, // three hours ago
	})
	_, err := f.svc.ActivateTask(context.Background(), id)
	var verr *ValidationError
	if !errors.As(err, &verr) || !verr.Has(ProblemUpcoming) {
		t.Fatalf("ActivateTask = %v, want upcoming problem", err)
	}
	if f.task(t, id).Active() {
		t.Fatal("task with no upcoming slot left active")
	}
}

func TestPublishRunsSideEffects(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	id := f.seed(t, taskSpec{
		postType: domain.PostRepost,
		channels: []int64{-1001},
		dates:    []string{"2026-10-19"},
		times:    []string{"09:00"},
		updates: []domain.TaskUpdate{
			domain.SetPinDuration{Hours: 1},
			domain.SetAutoDelete{Hours: 2},
			domain.SetReport{Enabled: true},
			domain.SetAdvertiser{UserID: 99},
		},
	})
	if _, err := f.svc.ActivateTask(ctx, id); err != nil {
		t.Fatalf("ActivateTask: %v", err)
	}
	job := f.scheduled(t, id)[0]

	f.now = job.ScheduledAt
	f.timers.fire(t, publishName(job.ID))

	got := f.job(t, job.ID)
	if got.Status != domain.JobPublished || len(got.MessageIDs) != 1 || !got.PublishedAt.Equal(f.now) {
		t.Fatalf("job after publish = %+v", got)
	}
	msgID := got.MessageIDs[0]
	if calls := f.msg.callList(); !slices.Equal(calls, []string{"forward", "pin"}) {
		t.Fatalf("calls = %v", calls)
	}
	unpin, ok := f.timers.get(unpinName(job.ID, msgID))
	if !ok || !unpin.at.Equal(f.now.Add(time.Hour)) {
		t.Fatalf("unpin timer = %+v, %v", unpin, ok)
	}
	del, ok := f.timers.get(deleteName(job.ID))
	if !ok || !del.at.Equal(f.now.Add(2*time.Hour)) {
		t.Fatalf("delete timer = %+v, %v", del, ok)
	}
	if f.task(t, id).Active() {
		t.Fatal("date-only task should complete after its last job")
	}

	f.timers.fire(t, reportKey(id, job.ScheduledAt))
	if len(f.msg.texts) != 2 {
		t.Fatalf("reports sent = %d, want owner and advertiser", len(f.msg.texts))
	}
	if !strings.Contains(f.msg.texts[0].text, "promo") {
		t.Fatalf("report text = %q", f.msg.texts[0].text)
	}

	f.now = f.now.Add(time.Hour)
	f.timers.fire(t, unpinName(job.ID, msgID))
	if got := f.job(t, job.ID); got.UnpinnedAt.IsZero() {
		t.Fatal("unpin not recorded")
	}

	f.now = f.now.Add(time.Hour)
	f.timers.fire(t, deleteName(job.ID))
	if got := f.job(t, job.ID).Status; got != domain.JobDeleted {
		t.Fatalf("status after delete = %s", got)
	}
	if !slices.Equal(f.msg.deleted, []int{msgID}) {
		t.Fatalf("deleted = %v", f.msg.deleted)
	}
}

func TestReportBatchesChannelsOfOneSlot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	id := f.seed(t, taskSpec{
		channels: []int64{-1001, -1002},
		dates:    []string{"2026-10-19"},
		times:    []string{"09:00"},
		updates:  []domain.TaskUpdate{domain.SetReport{Enabled: true}},
	})
	if _, err := f.svc.ActivateTask(ctx, id); err != nil {
		t.Fatalf("ActivateTask: %v", err)
	}
	jobs := f.scheduled(t, id)
	f.now = jobs[0].ScheduledAt
	for _, j := range jobs {
		f.timers.fire(t, publishName(j.ID))
	}
	if n := len(f.timers.names("report:")); n != 1 {
		t.Fatalf("report timers = %d, want 1", n)
	}
	f.timers.fire(t, reportKey(id, jobs[0].ScheduledAt))
	if len(f.msg.texts) != 1 {
		t.Fatalf("reports = %d, want 1", len(f.msg.texts))
	}
	if n := strings.Count(f.msg.texts[0].text, "https://t.me/c/"); n != 2 {
		t.Fatalf("report lists %d links, want 2: %q", n, f.msg.texts[0].text)
	}
}

func TestRepostAlbumFallsBackToFileIDs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.msg.forwardAlbumErr = errors.New("message to forward not found")
	ctx := context.Background()
	album := domain.Content{
		SourceChatID: 7,
		Forwarded:    true,
		Album: []domain.MediaItem{
			{Kind: domain.MediaPhoto, FileID: "a", Caption: "first", MessageID: 10},
			{Kind: domain.MediaVideo, FileID: "b", Spoiler: true, MessageID: 11},
		},
	}
	id := f.seed(t, taskSpec{
		postType: domain.PostRepost,
		content:  album,
		channels: []int64{-1001},
		dates:    []string{"2026-10-19"},
		times:    []string{"09:00"},
	})
	if _, err := f.svc.ActivateTask(ctx, id); err != nil {
		t.Fatalf("ActivateTask: %v", err)
	}
	job := f.scheduled(t, id)[0]
	f.now = job.ScheduledAt
	f.timers.fire(t, publishName(job.ID))

	if calls := f.msg.callList(); !slices.Equal(calls, []string{"forward_album", "send_album"}) {
		t.Fatalf("calls = %v", calls)
	}
	sent := f.msg.albums[0]
	if len(sent) != 2 || sent[0].FileID != "a" || sent[1].FileID != "b" || !sent[1].Spoiler {
		t.Fatalf("album = %+v", sent)
	}
	if got := f.job(t, job.ID); got.Status != domain.JobPublished || len(got.MessageIDs) != 2 {
		t.Fatalf("job = %+v", got)
	}
}

func TestFreeTierSignature(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Signature:     "via @postbot",
		CaptionLimit:  20,
		Tariffs:       map[string]domain.Tariff{"free": {Free: true}},
		DefaultTariff: "free",
	}

	t.Run("album caption", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, cfg)
		id := f.seed(t, taskSpec{
			content: domain.Content{SourceChatID: 7, Album: []domain.MediaItem{
				{Kind: domain.MediaPhoto, FileID: "a", Caption: "a rather long caption here", MessageID: 1},
				{Kind: domain.MediaPhoto, FileID: "b", MessageID: 2},
			}},
			channels: []int64{-1001},
			dates:    []string{"2026-10-19"},
			times:    []string{"09:00"},
		})
		if _, err := f.svc.ActivateTask(context.Background(), id); err != nil {
			t.Fatalf("ActivateTask: %v", err)
		}
		job := f.scheduled(t, id)[0]
		f.now = job.ScheduledAt
		f.timers.fire(t, publishName(job.ID))
		first := f.msg.albums[0][0].Caption
		if !strings.HasSuffix(first, "via @postbot") || len([]rune(first)) > 20 {
			t.Fatalf("caption = %q", first)
		}
	})

	t.Run("copied caption", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, cfg)
		f.msg.editTextErr = errors.New("message has no text")
		id := f.seed(t, taskSpec{
			channels: []int64{-1001},
			dates:    []string{"2026-10-19"},
			times:    []string{"09:00"},
		})
		if _, err := f.svc.ActivateTask(context.Background(), id); err != nil {
			t.Fatalf("ActivateTask: %v", err)
		}
		job := f.scheduled(t, id)[0]
		f.now = job.ScheduledAt
		f.timers.fire(t, publishName(job.ID))
		if calls := f.msg.callList(); !slices.Equal(calls, []string{"copy", "edit_text", "edit_caption"}) {
			t.Fatalf("calls = %v", calls)
		}
		if got := f.job(t, job.ID).Status; got != domain.JobPublished {
			t.Fatalf("status = %s", got)
		}
	})

	t.Run("copied text keeps buttons and formatting", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, cfg)
		buttons := [][]domain.Button{{{Text: "Buy", URL: "https://example.org"}}}
		id := f.seed(t, taskSpec{
			content: domain.Content{SourceChatID: 7, MessageID: 3, Text: "hello",
				Entities: []domain.Entity{{Type: "bold", Offset: 0, Length: 5}}, Buttons: buttons},
			channels: []int64{-1001},
			dates:    []string{"2026-10-19"},
			times:    []string{"09:00"},
		})
		if _, err := f.svc.ActivateTask(context.Background(), id); err != nil {
			t.Fatalf("ActivateTask: %v", err)
		}
		job := f.scheduled(t, id)[0]
		f.now = job.ScheduledAt
		f.timers.fire(t, publishName(job.ID))
		if len(f.msg.edits) != 1 || f.msg.edits[0] != "hello\n\nvia @postbot" {
			t.Fatalf("edits = %q", f.msg.edits)
		}
		if got := f.msg.editButtons[0]; len(got) != 1 || len(got[0]) != 1 || got[0][0] != buttons[0][0] {
			t.Fatalf("edit buttons = %+v", got)
		}
		if got := f.msg.editEntities[0]; len(got) != 1 || got[0].Type != "bold" || got[0].Length != 5 {
			t.Fatalf("edit entities = %+v", got)
		}
	})

	t.Run("repost untouched", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, cfg)
		id := f.seed(t, taskSpec{
			postType: domain.PostRepost,
			channels: []int64{-1001},
			dates:    []string{"2026-10-19"},
			times:    []string{"09:00"},
		})
		if _, err := f.svc.ActivateTask(context.Background(), id); err != nil {
			t.Fatalf("ActivateTask: %v", err)
		}
		job := f.scheduled(t, id)[0]
		f.now = job.ScheduledAt
		f.timers.fire(t, publishName(job.ID))
		if calls := f.msg.callList(); !slices.Equal(calls, []string{"forward"}) {
			t.Fatalf("calls = %v", calls)
		}
	})
}

func TestCancelledJobNeverPublishes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	id := f.seed(t, taskSpec{
		channels: []int64{-1001},
		dates:    []string{"2026-10-19"},
		times:    []string{"09:00"},
	})
	if _, err := f.svc.ActivateTask(ctx, id); err != nil {
		t.Fatalf("ActivateTask: %v", err)
	}
	job := f.scheduled(t, id)[0]
	late, _ := f.timers.get(publishName(job.ID))

	if err := f.svc.DeactivateTask(ctx, id); err != nil {
		t.Fatalf("DeactivateTask: %v", err)
	}
	// The callback already fired before removal took effect.
	if err := late.job(ctx); err != nil {
		t.Fatalf("late callback: %v", err)
	}
	if calls := f.msg.callList(); len(calls) != 0 {
		t.Fatalf("cancelled job published: %v", calls)
	}
	if got := f.job(t, job.ID).Status; got != domain.JobCancelled {
		t.Fatalf("status = %s", got)
	}
}

func TestPublishFailureMarksFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.msg.publishErr = errors.New("chat write forbidden")
	ctx := context.Background()
	id := f.seed(t, taskSpec{
		channels: []int64{-1001},
		dates:    []string{"2026-10-19"},
		times:    []string{"09:00"},
	})
	if _, err := f.svc.ActivateTask(ctx, id); err != nil {
		t.Fatalf("ActivateTask: %v", err)
	}
	job := f.scheduled(t, id)[0]
	f.now = job.ScheduledAt
	f.timers.fire(t, publishName(job.ID))

	got := f.job(t, job.ID)
	if got.Status != domain.JobFailed || !strings.Contains(got.Error, "forbidden") {
		t.Fatalf("job = %+v", got)
	}
	if n := len(f.timers.names("")); n != 0 {
		t.Fatalf("failed job left callbacks: %v", f.timers.names(""))
	}
	if f.task(t, id).Active() {
		t.Fatal("date task should complete after its last job failed")
	}
}

func TestScheduleFailureMarksJobFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	id := f.seed(t, taskSpec{
		channels: []int64{-1001},
		dates:    []string{"2026-10-19"},
		times:    []string{"09:00"},
	})
	f.timers.addErr = errors.New("scheduler stopped")
	if _, err := f.svc.ActivateTask(ctx, id); err == nil {
		t.Fatal("expected activation to fail")
	}
	if f.task(t, id).Active() {
		t.Fatal("task active without any registered job")
	}
	jobs, err := f.st.ListLiveJobs(ctx, id, time.Time{})
	if err != nil {
		t.Fatalf("ListLiveJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("orphaned live jobs: %+v", jobs)
	}
}

func TestWeekdayJobSchedulesNextWeek(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	id := f.seed(t, taskSpec{
		channels: []int64{-1001},
		weekdays: []int{0}, // Monday
		times:    []string{"09:00"},
	})
	if _, err := f.svc.ActivateTask(ctx, id); err != nil {
		t.Fatalf("ActivateTask: %v", err)
	}
	job := f.scheduled(t, id)[0]
	monday := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	if !job.ScheduledAt.Equal(monday) {
		t.Fatalf("first job at %v, want %v", job.ScheduledAt, monday)
	}

	f.now = monday.Add(20 * time.Second)
	f.timers.fire(t, publishName(job.ID))

	next := f.scheduled(t, id)
	if len(next) != 1 || !next[0].ScheduledAt.Equal(monday.AddDate(0, 0, 7)) {
		t.Fatalf("next jobs = %+v", next)
	}
	if !f.task(t, id).Active() {
		t.Fatal("weekday task deactivated")
	}

	// A reload right after the post must not bring today's slot back.
	if err := f.svc.OnTaskMutated(ctx, id); err != nil {
		t.Fatalf("OnTaskMutated: %v", err)
	}
	again := f.scheduled(t, id)
	if len(again) != 1 || !again[0].ScheduledAt.Equal(monday.AddDate(0, 0, 7)) {
		t.Fatalf("jobs after reload = %+v", again)
	}
}

func TestRestoreRearmsFromPublishTime(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RestoreDelay: 5 * time.Second})
	ctx := context.Background()
	id := f.seed(t, taskSpec{
		channels: []int64{-1001},
		weekdays: []int{0},
		times:    []string{"09:00"},
		updates:  []domain.TaskUpdate{domain.SetAutoDelete{Hours: 2}, domain.SetPinDuration{Hours: 1}},
	})
	if _, err := f.svc.ActivateTask(ctx, id); err != nil {
		t.Fatalf("ActivateTask: %v", err)
	}
	stale := f.scheduled(t, id)[0]
	task := f.task(t, id)

	// A post published five hours ago, before the outage.
	overdue, _, err := f.st.InsertJob(ctx, domain.Job{
		TaskID: id, UserID: task.OwnerID, ChannelID: -1001,
		ScheduledAt: f.now.Add(-5 * time.Hour), Snapshot: task.Snapshot(),
	})
	if err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	if _, err := f.st.MarkPublished(ctx, overdue, f.now.Add(-5*time.Hour), []int{77, 78}); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	// And one published an hour ago: its delete is still ahead.
	recent, _, err := f.st.InsertJob(ctx, domain.Job{
		TaskID: id, UserID: task.OwnerID, ChannelID: -1001,
		ScheduledAt: f.now.Add(-time.Hour), Snapshot: task.Snapshot(),
	})
	if err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	if _, err := f.st.MarkPublished(ctx, recent, f.now.Add(-time.Hour), []int{90}); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	if err := f.st.MarkUnpinned(ctx, recent, f.now.Add(-time.Minute)); err != nil {
		t.Fatalf("MarkUnpinned: %v", err)
	}

	// Restart: fresh callback queue, fresh service, same database.
	f.timers = newFakeTimers()
	svc := f.newService(Config{RestoreDelay: 5 * time.Second})
	f.svc = svc
	res, err := svc.RestoreOnStartup(ctx)
	if err != nil {
		t.Fatalf("RestoreOnStartup: %v", err)
	}
	if res.Cancelled != 1 || res.Tasks != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got := f.job(t, stale.ID).Status; got != domain.JobCancelled {
		t.Fatalf("stale job status = %s", got)
	}
	fresh := f.scheduled(t, id)
	if len(fresh) != 1 || fresh[0].ID == stale.ID || !fresh[0].ScheduledAt.Equal(stale.ScheduledAt) {
		t.Fatalf("restored jobs = %+v", fresh)
	}

	soon := f.now.Add(5 * time.Second)
	if tm, ok := f.timers.get(deleteName(overdue)); !ok || !tm.at.Equal(soon) {
		t.Fatalf("overdue delete = %+v, %v", tm, ok)
	}
	if tm, ok := f.timers.get(unpinName(overdue, 77)); !ok || !tm.at.Equal(soon) {
		t.Fatalf("overdue unpin = %+v, %v", tm, ok)
	}
	if tm, ok := f.timers.get(deleteName(recent)); !ok || !tm.at.Equal(f.now.Add(time.Hour)) {
		t.Fatalf("future delete = %+v, %v", tm, ok)
	}
	if _, ok := f.timers.get(unpinName(recent, 90)); ok {
		t.Fatal("unpin already done before restart was re-armed")
	}

	f.timers.fire(t, deleteName(overdue))
	if !slices.Equal(f.msg.deleted, []int{77, 78}) {
		t.Fatalf("deleted = %v", f.msg.deleted)
	}
}

func TestTariffLimits(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Tariffs: map[string]domain.Tariff{
			"free": {Free: true, MaxTasks: 1, MaxTimeSlots: 1, MaxWeekdaySlots: 9},
		},
		DefaultTariff: "free",
	}
	f := newFixture(t, cfg)
	ctx := context.Background()
	id := f.seed(t, taskSpec{times: []string{"09:00"}})

	var lerr *LimitError
	if _, err := f.svc.ToggleTime(ctx, id, "10:00"); !errors.As(err, &lerr) || lerr.What != "times" {
		t.Fatalf("ToggleTime = %v, want times limit", err)
	}
	if _, err := f.svc.ToggleTime(ctx, id, "09:00"); err != nil {
		t.Fatalf("removing a time must not hit the limit: %v", err)
	}
	if _, err := f.svc.CreateTask(ctx, 7, "second"); !errors.As(err, &lerr) || lerr.What != "tasks" {
		t.Fatalf("CreateTask = %v, want tasks limit", err)
	}
	for w := 0; w < 7; w++ {
		if _, err := f.svc.ToggleWeekday(ctx, id, w); err != nil {
			t.Fatalf("ToggleWeekday(%d): %v", w, err)
		}
	}
	if _, err := f.svc.ToggleDate(ctx, id, "2026-10-17"); !errors.Is(err, ErrPastDate) {
		t.Fatalf("ToggleDate past = %v", err)
	}
}

func TestDeleteTaskDropsCallbacks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	id := f.seed(t, taskSpec{
		channels: []int64{-1001},
		weekdays: []int{0},
		times:    []string{"09:00"},
		updates:  []domain.TaskUpdate{domain.SetAutoDelete{Hours: 1}},
	})
	if _, err := f.svc.ActivateTask(ctx, id); err != nil {
		t.Fatalf("ActivateTask: %v", err)
	}
	job := f.scheduled(t, id)[0]
	f.now = job.ScheduledAt
	f.timers.fire(t, publishName(job.ID))

	if err := f.svc.DeleteTask(ctx, id); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if names := f.timers.names(""); len(names) != 0 {
		t.Fatalf("callbacks left: %v", names)
	}
	if _, err := f.svc.Task(ctx, 7, id); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("Task after delete = %v", err)
	}
}

func TestRestoreSkipsBrokenRows(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RestoreDelay: 5 * time.Second})
	ctx := context.Background()
	spec := taskSpec{
		channels: []int64{-1001},
		weekdays: []int{0},
		times:    []string{"09:00"},
		updates:  []domain.TaskUpdate{domain.SetAutoDelete{Hours: 2}},
	}
	good := f.seed(t, spec)
	broken := f.seed(t, spec)
	for _, id := range []int64{good, broken} {
		if _, err := f.svc.ActivateTask(ctx, id); err != nil {
			t.Fatalf("ActivateTask(%d): %v", id, err)
		}
	}
	task := f.task(t, good)

	var posts []int64
	for i, msgID := range []int{77, 88} {
		id, _, err := f.st.InsertJob(ctx, domain.Job{
			TaskID: good, UserID: task.OwnerID, ChannelID: -1001,
			ScheduledAt: f.now.Add(-time.Duration(5+i) * time.Hour), Snapshot: task.Snapshot(),
		})
		if err != nil {
			t.Fatalf("InsertJob: %v", err)
		}
		if _, err := f.st.MarkPublished(ctx, id, f.now.Add(-5*time.Hour), []int{msgID}); err != nil {
			t.Fatalf("MarkPublished: %v", err)
		}
		posts = append(posts, id)
	}
	f.exec(t, `UPDATE tasks SET content = 'broken' WHERE id = ?`, broken)
	f.exec(t, `UPDATE jobs SET content = 'broken' WHERE id = ?`, posts[0])

	f.timers = newFakeTimers()
	svc := f.newService(Config{RestoreDelay: 5 * time.Second})
	res, err := svc.RestoreOnStartup(ctx)
	if err != nil {
		t.Fatalf("RestoreOnStartup: %v", err)
	}
	if res.Tasks != 1 || res.Skipped != 2 || res.Deletes != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(f.scheduled(t, good)) != 1 {
		t.Fatal("healthy task not re-expanded")
	}
	if _, ok := f.timers.get(deleteName(posts[0])); ok {
		t.Fatal("broken job armed")
	}
	if tm, ok := f.timers.get(deleteName(posts[1])); !ok || !tm.at.Equal(f.now.Add(5*time.Second)) {
		t.Fatalf("healthy delete = %+v, %v", tm, ok)
	}
}

func TestReloadFailureKeepsEdit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	id := f.seed(t, taskSpec{
		channels: []int64{-1001},
		weekdays: []int{1},
		times:    []string{"09:00"},
	})
	if _, err := f.svc.ActivateTask(ctx, id); err != nil {
		t.Fatalf("ActivateTask: %v", err)
	}
	f.exec(t, `CREATE TRIGGER fail_cancel BEFORE UPDATE OF status ON jobs
		WHEN NEW.status = 'cancelled' BEGIN SELECT RAISE(ABORT, 'disk I/O error'); END`)

	added, err := f.svc.ToggleTime(ctx, id, "18:00")
	if err != nil || !added {
		t.Fatalf("ToggleTime = %v, %v; want stored edit", added, err)
	}
	set, err := f.st.ScheduleSet(ctx, id)
	if err != nil {
		t.Fatalf("ScheduleSet: %v", err)
	}
	if !slices.Contains(set.Times, "18:00") {
		t.Fatalf("times = %v", set.Times)
	}
}

func TestPublishWithUnloadableTaskFailsJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	id := f.seed(t, taskSpec{
		channels: []int64{-1001},
		dates:    []string{"2026-10-19"},
		times:    []string{"09:00"},
	})
	if _, err := f.svc.ActivateTask(ctx, id); err != nil {
		t.Fatalf("ActivateTask: %v", err)
	}
	job := f.scheduled(t, id)[0]
	f.exec(t, `UPDATE tasks SET content = 'broken' WHERE id = ?`, id)

	f.now = job.ScheduledAt
	f.timers.fire(t, publishName(job.ID))

	got := f.job(t, job.ID)
	if got.Status != domain.JobFailed || !strings.Contains(got.Error, "load task") {
		t.Fatalf("job = %+v", got)
	}
	if calls := f.msg.callList(); len(calls) != 0 {
		t.Fatalf("calls = %v", calls)
	}
}

func TestUnrecordedPublishEndsJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	id := f.seed(t, taskSpec{
		channels: []int64{-1001},
		dates:    []string{"2026-10-19"},
		times:    []string{"09:00"},
	})
	if _, err := f.svc.ActivateTask(ctx, id); err != nil {
		t.Fatalf("ActivateTask: %v", err)
	}
	job := f.scheduled(t, id)[0]
	f.exec(t, `CREATE TRIGGER fail_publish BEFORE UPDATE OF status ON jobs
		WHEN NEW.status = 'published' BEGIN SELECT RAISE(ABORT, 'disk I/O error'); END`)

	f.now = job.ScheduledAt
	tm, ok := f.timers.get(publishName(job.ID))
	if !ok {
		t.Fatal("publish timer missing")
	}
	err := tm.job(ctx)
	if err == nil || !strings.Contains(err.Error(), "mark published") {
		t.Fatalf("err = %v", err)
	}
	if calls := f.msg.callList(); !slices.Equal(calls, []string{"copy"}) {
		t.Fatalf("calls = %v", calls)
	}
	got := f.job(t, job.ID)
	if got.Status != domain.JobFailed || !strings.Contains(got.Error, "501") {
		t.Fatalf("job = %+v", got)
	}

	// A second run must not post again.
	if err := tm.job(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if n := len(f.msg.callList()); n != 1 {
		t.Fatalf("calls after second run = %v", f.msg.callList())
	}
}

func TestFailedPinOwesNoUnpin(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.msg.pinErr = errors.New("not enough rights to pin")
	ctx := context.Background()
	id := f.seed(t, taskSpec{
		channels: []int64{-1001},
		dates:    []string{"2026-10-19"},
		times:    []string{"09:00"},
		updates:  []domain.TaskUpdate{domain.SetPinDuration{Hours: 1}},
	})
	if _, err := f.svc.ActivateTask(ctx, id); err != nil {
		t.Fatalf("ActivateTask: %v", err)
	}
	job := f.scheduled(t, id)[0]
	f.now = job.ScheduledAt
	f.timers.fire(t, publishName(job.ID))

	got := f.job(t, job.ID)
	if got.Status != domain.JobPublished || got.UnpinnedAt.IsZero() {
		t.Fatalf("job = %+v", got)
	}
	if names := f.timers.names(""); len(names) != 0 {
		t.Fatalf("callbacks left = %v", names)
	}
	pending, _, err := f.st.ListPendingActions(ctx)
	if err != nil {
		t.Fatalf("ListPendingActions: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending = %+v", pending)
	}
}
