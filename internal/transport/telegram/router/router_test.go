package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"postbot/internal/domain"
	"postbot/internal/publisher"
	"postbot/internal/session"
	"postbot/internal/storage"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return kit.MessageRef{}, nil
}

func (f *fakeSender) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

type fakeCore struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]domain.Task

	channels    []domain.Channel
	registered  []domain.Channel
	deactivated []int64
	toggles     []string
	timezones   map[int64]string
	activateErr error
}

func newFakeCore() *fakeCore {
	return &fakeCore{tasks: map[int64]domain.Task{}, timezones: map[int64]string{}}
}

func (f *fakeCore) EnsureUser(context.Context, int64, string) error { return nil }

func (f *fakeCore) SetTimezone(_ context.Context, userID int64, tz string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timezones[userID] = tz
	return nil
}

func (f *fakeCore) CreateTask(_ context.Context, ownerID int64, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.tasks[f.nextID] = domain.Task{ID: f.nextID, OwnerID: ownerID, Name: name, Status: domain.TaskInactive, PostType: domain.PostFromBot}
	return f.nextID, nil
}

func (f *fakeCore) Task(_ context.Context, ownerID, taskID int64) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return domain.Task{}, publisher.ErrTaskNotFound
	}
	if t.OwnerID != ownerID {
		return domain.Task{}, publisher.ErrNotOwner
	}
	return t, nil
}

func (f *fakeCore) ListTasks(_ context.Context, ownerID int64) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Task
	for id := int64(1); id <= f.nextID; id++ {
		if t, ok := f.tasks[id]; ok && t.OwnerID == ownerID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeCore) TaskJobs(context.Context, int64) ([]domain.Job, error) { return nil, nil }

func (f *fakeCore) ScheduleSet(context.Context, int64) (domain.ScheduleSet, error) {
	return domain.ScheduleSet{}, nil
}

func (f *fakeCore) UpdateTask(_ context.Context, taskID int64, u domain.TaskUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return publisher.ErrTaskNotFound
	}
	u.Apply(&t)
	f.tasks[taskID] = t
	return nil
}

func (f *fakeCore) DeleteTask(_ context.Context, taskID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, taskID)
	return nil
}

func (f *fakeCore) toggle(kind, v string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggles = append(f.toggles, kind+":"+v)
	return true, nil
}

func (f *fakeCore) ToggleDate(_ context.Context, _ int64, date string) (bool, error) {
	return f.toggle("date", date)
}

func (f *fakeCore) ToggleWeekday(_ context.Context, _ int64, w int) (bool, error) {
	return f.toggle("weekday", fmt.Sprint(w))
}

func (f *fakeCore) ToggleTime(_ context.Context, _ int64, clock string) (bool, error) {
	return f.toggle("time", clock)
}

func (f *fakeCore) ToggleChannel(_ context.Context, _ int64, channelID int64) (bool, error) {
	return f.toggle("channel", fmt.Sprint(channelID))
}

func (f *fakeCore) RegisterChannel(_ context.Context, ch domain.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, ch)
	return nil
}

func (f *fakeCore) ListChannels(context.Context, int64) ([]domain.Channel, error) {
	return f.channels, nil
}

func (f *fakeCore) DeactivateChannel(_ context.Context, channelID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, channelID)
	return nil
}

func (f *fakeCore) ActivateTask(_ context.Context, taskID int64) (int, error) {
	if f.activateErr != nil {
		return 0, f.activateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[taskID]
	t.Status = domain.TaskActive
	f.tasks[taskID] = t
	return 3, nil
}

func (f *fakeCore) DeactivateTask(context.Context, int64) error { return nil }

func (f *fakeCore) Status(context.Context) (publisher.Status, error) {
	return publisher.Status{Jobs: map[domain.JobStatus]int{domain.JobScheduled: 4}, ActiveTasks: 2}, nil
}

type fakeAlbums struct {
	mu    sync.Mutex
	items []domain.MediaItem
	group string
}

func (f *fakeAlbums) Add(_, _ int64, groupID string, _ bool, item domain.MediaItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.group = groupID
	f.items = append(f.items, item)
}

type fixture struct {
	m      *CommandManager
	core   *fakeCore
	sender *fakeSender
	sess   *session.Memory
	albums *fakeAlbums
}

const (
	ownerID = int64(1)
	userID  = int64(42)
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{core: newFakeCore(), sender: &fakeSender{}, sess: session.NewMemory(time.Hour), albums: &fakeAlbums{}}
	f.m = NewCommandManager(
		logx.Nop(),
		f.sender,
		&Services{Core: f.core, Sessions: f.sess, Albums: f.albums, Supervisors: NewSupervisorRegistry()},
		[]int64{ownerID},
	)
	return f
}

// send routes one private message and runs every queued job.
func (f *fixture) send(t *testing.T, from int64, text string) string {
	t.Helper()
	f.route(kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ID: 100, ChatID: from, FromID: from, Text: text, IsPrivate: true}})
	return f.sender.last()
}

func (f *fixture) route(up kit.Update) {
	f.m.routeUpdate(context.Background(), up)
	for {
		select {
		case job := <-f.m.jobs:
			job()
		default:
			return
		}
	}
}

func TestNewTaskThenContent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if got := f.send(t, userID, `/new "Morning digest"`); !strings.Contains(got, "Task #1 created") {
		t.Fatalf("reply = %q", got)
	}
	s, _ := f.sess.Get(ctx, userID)
	if s.CurrentTaskID != 1 || s.Screen != session.ScreenContent {
		t.Fatalf("session = %+v", s)
	}
	if f.core.tasks[1].Name != "Morning digest" {
		t.Fatalf("name = %q", f.core.tasks[1].Name)
	}

	if got := f.send(t, userID, "hello channel"); !strings.Contains(got, "content saved") {
		t.Fatalf("reply = %q", got)
	}
	c := f.core.tasks[1].Content
	if c.SourceChatID != userID || c.MessageID != 100 || c.Text != "hello channel" {
		t.Fatalf("content = %+v", c)
	}
	s, _ = f.sess.Get(ctx, userID)
	if s.Screen != session.ScreenNone {
		t.Fatalf("screen = %q", s.Screen)
	}
}

func TestCommandReplies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(f *fixture)
		from  int64
		text  string
		want  string
	}{
		{name: "needs task", from: userID, text: "/activate", want: "no task selected"},
		{name: "usage", from: userID, text: "/edit", want: "usage: /edit <task id>"},
		{name: "unknown", from: userID, text: "/nope", want: "unknown command"},
		{name: "owner only", from: userID, text: "/status", want: "unauthorized"},
		{name: "owner status", from: ownerID, text: "/status", want: "Active tasks: 2"},
		{name: "alias", from: userID, text: "/list", want: "no tasks yet"},
		{name: "bot suffix", from: userID, text: "/tasks@postbot", want: "no tasks yet"},
		{
			name: "foreign task",
			setup: func(f *fixture) {
				_, _ = f.core.CreateTask(context.Background(), ownerID, "mine")
			},
			from: userID, text: "/edit 1", want: "task not found",
		},
		{
			name: "validation",
			setup: func(f *fixture) {
				f.core.activateErr = &publisher.ValidationError{TaskID: 1, Problems: []publisher.Problem{publisher.ProblemContent, publisher.ProblemSchedule}}
				_, _ = f.core.CreateTask(context.Background(), userID, "x")
				_ = f.sess.Save(context.Background(), session.Session{UserID: userID, CurrentTaskID: 1})
			},
			from: userID, text: "/activate", want: "content is not set",
		},
		{
			name: "bad date",
			setup: func(f *fixture) {
				_, _ = f.core.CreateTask(context.Background(), userID, "x")
				_ = f.sess.Save(context.Background(), session.Session{UserID: userID, CurrentTaskID: 1})
			},
			from: userID, text: "/date 2026-13-01", want: `bad date "2026-13-01"`,
		},
		{
			name: "invalid hours",
			setup: func(f *fixture) {
				_, _ = f.core.CreateTask(context.Background(), userID, "x")
				_ = f.sess.Save(context.Background(), session.Session{UserID: userID, CurrentTaskID: 1})
			},
			from: userID, text: "/pin 1000", want: "pin duration above",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			if got := f.send(t, tt.from, tt.text); !strings.Contains(got, tt.want) {
				t.Fatalf("reply = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToggleCommandsPassEveryArgument(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, _ = f.core.CreateTask(context.Background(), userID, "x")
	_ = f.sess.Save(context.Background(), session.Session{UserID: userID, CurrentTaskID: 1})

	f.send(t, userID, "/weekday mon fri")
	f.send(t, userID, "/time 09:00 18:30")
	f.send(t, userID, "/channel -1001")

	want := []string{"weekday:0", "weekday:4", "time:09:00", "time:18:30", "channel:-1001"}
	if fmt.Sprint(f.core.toggles) != fmt.Sprint(want) {
		t.Fatalf("toggles = %v, want %v", f.core.toggles, want)
	}
}

func TestActivateAndSideEffectSettings(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, _ = f.core.CreateTask(context.Background(), userID, "x")
	_ = f.sess.Save(context.Background(), session.Session{UserID: userID, CurrentTaskID: 1})

	f.send(t, userID, "/pin 1.5 notify on")
	f.send(t, userID, "/autodelete 24")
	f.send(t, userID, "/report on")
	f.send(t, userID, "/advertiser 77")
	f.send(t, userID, "/posttype repost")
	if got := f.send(t, userID, "/activate"); !strings.Contains(got, "3 posts scheduled") {
		t.Fatalf("activate reply = %q", got)
	}

	task := f.core.tasks[1]
	if task.PinHours != 1.5 || !task.PinNotify || task.AutoDeleteHours != 24 || !task.ReportEnabled || task.AdvertiserID != 77 {
		t.Fatalf("task = %+v", task)
	}
	if task.PostType != domain.PostRepost || !task.Active() {
		t.Fatalf("task = %+v", task)
	}
}

func TestTimezoneScreen(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.send(t, userID, "/tz")
	if got := f.send(t, userID, "Mars/Base"); !strings.Contains(got, "unknown timezone") {
		t.Fatalf("reply = %q", got)
	}
	if got := f.send(t, userID, "Europe/Berlin"); got != "timezone: Europe/Berlin" {
		t.Fatalf("reply = %q", got)
	}
	if f.core.timezones[userID] != "Europe/Berlin" {
		t.Fatalf("timezones = %v", f.core.timezones)
	}
	s, _ := f.sess.Get(context.Background(), userID)
	if s.Screen != session.ScreenNone {
		t.Fatalf("screen = %q", s.Screen)
	}
}

func TestAlbumPartsGoToAggregator(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.route(kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: 5, ChatID: userID, FromID: userID, IsPrivate: true, AlbumID: "g1",
		Media: &kit.MediaPart{Kind: domain.MediaPhoto, FileID: "f1", Caption: "hi"},
	}})
	if f.albums.group != "g1" || len(f.albums.items) != 1 || f.albums.items[0].MessageID != 5 {
		t.Fatalf("albums = %+v", f.albums)
	}
	if len(f.sender.texts) != 0 {
		t.Fatalf("album part got a reply: %v", f.sender.texts)
	}
}

func TestOnAlbumStoresContent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.core.CreateTask(ctx, userID, "x")
	album := domain.Content{SourceChatID: userID, Album: []domain.MediaItem{{Kind: domain.MediaPhoto, FileID: "a"}, {Kind: domain.MediaVideo, FileID: "b"}}}

	if err := f.m.OnAlbum(ctx, userID, album); err != nil {
		t.Fatalf("OnAlbum: %v", err)
	}
	if len(f.core.tasks[1].Content.Album) != 0 {
		t.Fatal("album stored without a content screen")
	}

	_ = f.sess.Save(ctx, session.Session{UserID: userID, CurrentTaskID: 1, Screen: session.ScreenContent})
	if err := f.m.OnAlbum(ctx, userID, album); err != nil {
		t.Fatalf("OnAlbum: %v", err)
	}
	if got := f.core.tasks[1].Content; len(got.Album) != 2 || got.Album[1].FileID != "b" {
		t.Fatalf("content = %+v", got)
	}
	if !strings.Contains(f.sender.last(), "2 items saved") {
		t.Fatalf("reply = %q", f.sender.last())
	}
}

func TestOnAlbumRejectsMixedKinds(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.core.CreateTask(ctx, userID, "x")
	_ = f.sess.Save(ctx, session.Session{UserID: userID, CurrentTaskID: 1, Screen: session.ScreenContent})
	album := domain.Content{SourceChatID: userID, Album: []domain.MediaItem{{Kind: domain.MediaPhoto, FileID: "a"}, {Kind: domain.MediaAnimation, FileID: "b"}}}

	if err := f.m.OnAlbum(ctx, userID, album); err != nil {
		t.Fatalf("OnAlbum: %v", err)
	}
	if len(f.core.tasks[1].Content.Album) != 0 {
		t.Fatal("mixed album stored")
	}
	if !strings.Contains(f.sender.last(), "cannot mix photo and animation") {
		t.Fatalf("reply = %q", f.sender.last())
	}
}

func TestMembershipUpdates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.route(kit.Update{Kind: kit.UpdateMembership, Membership: &kit.Membership{ChatID: -100, Title: "News", ByUserID: userID, Admin: true}})
	if len(f.core.registered) != 1 || f.core.registered[0].OwnerID != userID || !f.core.registered[0].Active {
		t.Fatalf("registered = %+v", f.core.registered)
	}
	if !strings.Contains(f.sender.last(), "News connected") {
		t.Fatalf("reply = %q", f.sender.last())
	}

	f.route(kit.Update{Kind: kit.UpdateMembership, Membership: &kit.Membership{ChatID: -100, ByUserID: userID}})
	if len(f.core.deactivated) != 1 || f.core.deactivated[0] != -100 {
		t.Fatalf("deactivated = %v", f.core.deactivated)
	}
}

func TestGroupMessagesIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.route(kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: -5, FromID: userID, Text: "/tasks"}})
	if len(f.sender.texts) != 0 {
		t.Fatalf("group message answered: %v", f.sender.texts)
	}
}

func TestUserMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{err: &publisher.LimitError{What: "channels", Limit: 2}, want: "at most 2 channels"},
		{err: fmt.Errorf("toggle: %w", publisher.ErrPastDate), want: "already in the past"},
		{err: storage.ErrChannelClaimed, want: "another user"},
		{err: fmt.Errorf("%w: name is empty", domain.ErrInvalidUpdate), want: "name is empty"},
		{err: &publisher.ValidationError{Problems: []publisher.Problem{publisher.ProblemUpcoming}}, want: "already in the past"},
		{err: errors.New("disk on fire"), want: "something went wrong"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			if got := userMessage(tt.err); !strings.Contains(got, tt.want) {
				t.Fatalf("userMessage(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: "/time 09:00  18:00", want: []string{"/time", "09:00", "18:00"}},
		{in: `/new "Weekly promo"`, want: []string{"/new", "Weekly promo"}},
		{in: `/name it\'s`, want: []string{"/name", "it's"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := tokenizeCommandLine(tt.in); fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Fatalf("tokenize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMenuSkipsOwnerCommands(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cmds := f.m.menuCommands()
	if len(cmds) == 0 || cmds[0].Command != "start" {
		t.Fatalf("menu = %+v", cmds)
	}
	for _, c := range cmds {
		if c.Command == "status" {
			t.Fatal("owner-only command in menu")
		}
	}
	if got := sanitizeTelegramCommand("Auto-Delete"); got != "auto_delete" {
		t.Fatalf("sanitize = %q", got)
	}
}

func TestHelpHidesOwnerCommands(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if strings.Contains(f.m.helpText(nil, false), "/status") {
		t.Fatal("status listed for regular user")
	}
	if !strings.Contains(f.m.helpText(nil, true), "/status") {
		t.Fatal("status missing for owner")
	}
	if got := f.m.helpText([]string{"day"}, false); !strings.Contains(got, "Usage: /weekday") {
		t.Fatalf("alias help = %q", got)
	}
}
