package publisher

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	_ "time/tzdata"

	"github.com/jmoiron/sqlx"

	"postbot/internal/domain"
	"postbot/internal/eventbus"
	"postbot/internal/storage"
	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type sentText struct {
	chatID int64
	text   string
}

type fakeMessenger struct {
	mu   sync.Mutex
	next int

	calls    []string
	albums   [][]domain.MediaItem
	edits    []string
	// editButtons and editEntities record what each edit carried.
	editButtons  [][][]domain.Button
	editEntities [][]domain.Entity
	texts    []sentText
	pinned   []int
	unpinned []int
	deleted  []int

	forwardAlbumErr error
	publishErr      error
	editTextErr     error
	pinErr          error
}

func (m *fakeMessenger) newID() int {
	m.next++
	return 500 + m.next
}

func (m *fakeMessenger) record(call string) {
	m.calls = append(m.calls, call)
}

func (m *fakeMessenger) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("send_text")
	m.texts = append(m.texts, sentText{chatID: to.ChatID, text: text})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: m.newID()}, nil
}

func (m *fakeMessenger) Forward(_ context.Context, _, _ int64, _ int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("forward")
	if m.publishErr != nil {
		return 0, m.publishErr
	}
	return m.newID(), nil
}

func (m *fakeMessenger) ForwardAlbum(_ context.Context, _, _ int64, ids []int) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("forward_album")
	if m.forwardAlbumErr != nil {
		return nil, m.forwardAlbumErr
	}
	out := make([]int, len(ids))
	for i := range ids {
		out[i] = m.newID()
	}
	return out, nil
}

func (m *fakeMessenger) Copy(_ context.Context, _, _ int64, _ int, _ [][]domain.Button) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("copy")
	if m.publishErr != nil {
		return 0, m.publishErr
	}
	return m.newID(), nil
}

func (m *fakeMessenger) SendAlbum(_ context.Context, _ int64, items []domain.MediaItem) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("send_album")
	if m.publishErr != nil {
		return nil, m.publishErr
	}
	m.albums = append(m.albums, append([]domain.MediaItem(nil), items...))
	out := make([]int, len(items))
	for i := range items {
		out[i] = m.newID()
	}
	return out, nil
}

func (m *fakeMessenger) EditText(_ context.Context, _ int64, _ int, text string, ents []domain.Entity, buttons [][]domain.Button) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("edit_text")
	if m.editTextErr != nil {
		return m.editTextErr
	}
	m.recordEdit(text, ents, buttons)
	return nil
}

func (m *fakeMessenger) EditCaption(_ context.Context, _ int64, _ int, caption string, ents []domain.Entity, buttons [][]domain.Button) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("edit_caption")
	m.recordEdit(caption, ents, buttons)
	return nil
}

func (m *fakeMessenger) recordEdit(text string, ents []domain.Entity, buttons [][]domain.Button) {
	m.edits = append(m.edits, text)
	m.editEntities = append(m.editEntities, ents)
	m.editButtons = append(m.editButtons, buttons)
}

func (m *fakeMessenger) Pin(_ context.Context, _ int64, id int, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("pin")
	if m.pinErr != nil {
		return m.pinErr
	}
	m.pinned = append(m.pinned, id)
	return nil
}

func (m *fakeMessenger) Unpin(_ context.Context, _ int64, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("unpin")
	m.unpinned = append(m.unpinned, id)
	return nil
}

func (m *fakeMessenger) Delete(_ context.Context, _ int64, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("delete")
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *fakeMessenger) callList() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type fakeTimer struct {
	at  time.Time
	job func(ctx context.Context) error
}

// fakeTimers is a live callback queue the test drives by hand.
type fakeTimers struct {
	mu     sync.Mutex
	m      map[string]fakeTimer
	addErr error
}

func newFakeTimers() *fakeTimers { return &fakeTimers{m: map[string]fakeTimer{}} }

func (f *fakeTimers) AddOnce(name string, at time.Time, _ time.Duration, job func(ctx context.Context) error) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return "", f.addErr
	}
	f.m[name] = fakeTimer{at: at, job: job}
	return name, nil
}

func (f *fakeTimers) Remove(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.m[name]
	delete(f.m, name)
	return ok
}

func (f *fakeTimers) get(name string) (fakeTimer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.m[name]
	return t, ok
}

func (f *fakeTimers) names(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for n := range f.m {
		if strings.HasPrefix(n, prefix) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// fire pops the callback registered under name and runs it.
func (f *fakeTimers) fire(t *testing.T, name string) {
	t.Helper()
	f.mu.Lock()
	tm, ok := f.m[name]
	delete(f.m, name)
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no timer %q; have %v", name, f.names(""))
	}
	if err := tm.job(context.Background()); err != nil {
		t.Fatalf("timer %q: %v", name, err)
	}
}

type fixture struct {
	svc    *Service
	st     *storage.Store
	path   string
	msg    *fakeMessenger
	timers *fakeTimers
	now    time.Time
}

// Sunday noon UTC.
var baseNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "postbot.db")
	st, err := storage.Open(storage.Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	f := &fixture{st: st, path: path, msg: &fakeMessenger{}, timers: newFakeTimers(), now: baseNow}
	f.svc = f.newService(cfg)
	return f
}

// newService builds a second service on the same store, as after a restart.
func (f *fixture) newService(cfg Config) *Service {
	svc := New(cfg, f.st, f.msg, f.timers, eventbus.New(), logx.Nop())
	svc.now = func() time.Time { return f.now }
	return svc
}

type taskSpec struct {
	owner    int64
	tz       string
	channels []int64
	content  domain.Content
	postType domain.PostType
	updates  []domain.TaskUpdate
	dates    []string
	weekdays []int
	times    []string
}

func (f *fixture) seed(t *testing.T, spec taskSpec) int64 {
	t.Helper()
	ctx := context.Background()
	if spec.owner == 0 {
		spec.owner = 7
	}
	if err := f.svc.EnsureUser(ctx, spec.owner, "owner"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if spec.tz != "" {
		if err := f.svc.SetTimezone(ctx, spec.owner, spec.tz); err != nil {
			t.Fatalf("SetTimezone: %v", err)
		}
	}
	id, err := f.svc.CreateTask(ctx, spec.owner, "promo")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if spec.content.IsEmpty() {
		spec.content = domain.Content{SourceChatID: spec.owner, MessageID: 3, Text: "hello"}
	}
	updates := []domain.TaskUpdate{domain.SetContent{Content: spec.content}}
	if spec.postType != "" {
		updates = append(updates, domain.SetPostType{PostType: spec.postType})
	}
	for _, u := range append(updates, spec.updates...) {
		if err := f.svc.UpdateTask(ctx, id, u); err != nil {
			t.Fatalf("UpdateTask(%s): %v", u.Field(), err)
		}
	}
	for _, ch := range spec.channels {
		if err := f.svc.RegisterChannel(ctx, domain.Channel{ID: ch, OwnerID: spec.owner, Title: "chan", Active: true}); err != nil && !errors.Is(err, storage.ErrChannelClaimed) {
			t.Fatalf("RegisterChannel: %v", err)
		}
		if _, err := f.svc.ToggleChannel(ctx, id, ch); err != nil {
			t.Fatalf("ToggleChannel: %v", err)
		}
	}
	for _, d := range spec.dates {
		if _, err := f.svc.ToggleDate(ctx, id, d); err != nil {
			t.Fatalf("ToggleDate: %v", err)
		}
	}
	for _, w := range spec.weekdays {
		if _, err := f.svc.ToggleWeekday(ctx, id, w); err != nil {
			t.Fatalf("ToggleWeekday: %v", err)
		}
	}
	for _, tm := range spec.times {
		if _, err := f.svc.ToggleTime(ctx, id, tm); err != nil {
			t.Fatalf("ToggleTime: %v", err)
		}
	}
	return id
}

// exec runs raw SQL on the fixture database over a second connection.
func (f *fixture) exec(t *testing.T, q string, args ...any) {
	t.Helper()
	db, err := sqlx.Open("sqlite", "file:"+f.path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("sqlx.Open: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(q, args...); err != nil {
		t.Fatalf("exec %q: %v", q, err)
	}
}

func (f *fixture) scheduled(t *testing.T, taskID int64) []domain.Job {
	t.Helper()
	jobs, err := f.st.ListScheduledJobs(context.Background(), taskID)
	if err != nil {
		t.Fatalf("ListScheduledJobs: %v", err)
	}
	return jobs
}

func (f *fixture) job(t *testing.T, id int64) domain.Job {
	t.Helper()
	j, err := f.st.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob(%d): %v", id, err)
	}
	return j
}

func (f *fixture) task(t *testing.T, id int64) domain.Task {
	t.Helper()
	task, err := f.st.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask(%d): %v", id, err)
	}
	return task
}
