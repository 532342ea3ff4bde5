package router

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"postbot/internal/domain"
	"postbot/internal/publisher"
	"postbot/internal/runtime/supervisor"
	"postbot/internal/session"
	"postbot/internal/task/scheduler"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access

	// NeedsTask makes the handler run against the session's current task.
	NeedsTask bool

	Timeout time.Duration // optional per-command override
	Handle  HandlerFunc
}

// Core is the publisher surface the commands drive.
type Core interface {
	EnsureUser(ctx context.Context, id int64, username string) error
	SetTimezone(ctx context.Context, userID int64, tz string) error

	CreateTask(ctx context.Context, ownerID int64, name string) (int64, error)
	Task(ctx context.Context, ownerID, taskID int64) (domain.Task, error)
	ListTasks(ctx context.Context, ownerID int64) ([]domain.Task, error)
	TaskJobs(ctx context.Context, taskID int64) ([]domain.Job, error)
	ScheduleSet(ctx context.Context, taskID int64) (domain.ScheduleSet, error)
	UpdateTask(ctx context.Context, taskID int64, u domain.TaskUpdate) error
	DeleteTask(ctx context.Context, taskID int64) error

	ToggleDate(ctx context.Context, taskID int64, date string) (bool, error)
	ToggleWeekday(ctx context.Context, taskID int64, weekday int) (bool, error)
	ToggleTime(ctx context.Context, taskID int64, clock string) (bool, error)

	ToggleChannel(ctx context.Context, taskID, channelID int64) (bool, error)
	RegisterChannel(ctx context.Context, ch domain.Channel) error
	ListChannels(ctx context.Context, ownerID int64) ([]domain.Channel, error)
	DeactivateChannel(ctx context.Context, channelID int64) error

	ActivateTask(ctx context.Context, taskID int64) (int, error)
	DeactivateTask(ctx context.Context, taskID int64) error

	Status(ctx context.Context) (publisher.Status, error)
}

// AlbumSink buffers the parts of incoming media groups.
type AlbumSink interface {
	Add(userID, chatID int64, groupID string, forwarded bool, item domain.MediaItem)
}

// SchedulerPort exposes the trigger queue state for /status.
type SchedulerPort interface {
	Snapshot() scheduler.Snapshot
}

type Services struct {
	Core      Core
	Sessions  session.Store
	Albums    AlbumSink
	Scheduler SchedulerPort

	// Supervisors exposes subsystem supervisors for /status. May be nil.
	Supervisors *SupervisorRegistry
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string

	// Session is loaded before the handler runs and saved by the handler
	// when it changes.
	Session session.Session
	// Task is set for commands that need the current task.
	Task domain.Task

	usage string

	Sender   kit.TextSender
	Logger   logx.Logger
	Services *Services
}

// Reply sends text back to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string) {
	if _, err := r.Sender.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		r.Logger.Warn("reply failed", logx.Err(err))
	}
}

func (r *Request) saveSession(ctx context.Context) error {
	return r.Services.Sessions.Save(ctx, r.Session)
}

type CommandManager struct {
	mu    sync.RWMutex
	cmds  map[string]Command
	alias map[string]string
	order []string

	owners []int64

	log     logx.Logger
	sender  kit.TextSender
	serv    *Services
	timeout time.Duration

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	jobs chan func()
}

func NewCommandManager(log logx.Logger, sender kit.TextSender, serv *Services, owners []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &CommandManager{
		cmds:    map[string]Command{},
		alias:   map[string]string{},
		owners:  append([]int64(nil), owners...),
		log:     log,
		sender:  sender,
		serv:    serv,
		timeout: 30 * time.Second,
		jobs:    make(chan func(), 256),
	}
	m.SetRegistry(m.builtinCommands())
	return m
}

// Supervisor returns the dispatcher's supervisor (nil if not running).
func (m *CommandManager) Supervisor() *supervisor.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *supervisor.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners updates the operator list. Safe to call during hot-reload.
func (m *CommandManager) SetOwners(owners []int64) {
	ownCopy := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = ownCopy
	m.mu.Unlock()
}

func (m *CommandManager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.owners {
		if o == id {
			return true
		}
	}
	return false
}

func (m *CommandManager) SetRegistry(cmds []Command) {
	byName := make(map[string]Command, len(cmds))
	alias := map[string]string{}
	order := make([]string, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		if _, dup := byName[name]; !dup {
			order = append(order, name)
		}
		byName[name] = c
		for _, a := range c.Aliases {
			if a = sanitizeTelegramCommand(a); a != "" && a != name {
				alias[a] = name
			}
		}
	}
	m.mu.Lock()
	m.cmds = byName
	m.alias = alias
	m.order = order
	m.mu.Unlock()
}

func (m *CommandManager) lookup(word string) (Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.cmds[word]; ok {
		return c, true
	}
	if name, ok := m.alias[word]; ok {
		c, ok := m.cmds[name]
		return c, ok
	}
	return Command{}, false
}

// UpdateMenu publishes the public command list when the adapter supports it.
func (m *CommandManager) UpdateMenu(ctx context.Context) {
	up, ok := m.sender.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := up.UpdateMenuCommands(ctx, m.menuCommands()); err != nil {
		m.log.Warn("menu update failed", logx.Err(err))
	}
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update, workers int) error {
	if workers < 1 {
		workers = 2
	}
	sup := supervisor.New(ctx,
		supervisor.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		supervisor.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	if m.serv.Supervisors != nil {
		m.serv.Supervisors.Set("telegram.router", sup)
	}
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, 200*time.Millisecond, 5*time.Second)
	}

	defer func() {
		m.setSupervisor(sup, false)
		close(m.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		if m.serv.Supervisors != nil {
			m.serv.Supervisors.Delete("telegram.router")
		}
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *CommandManager) routeUpdate(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil && up.Message.IsPrivate {
			m.routeMessage(ctx, up)
		}
	case kit.UpdateMembership:
		if up.Membership != nil {
			mu := *up.Membership
			if !m.tryEnqueue(func() { m.handleMembership(ctx, mu) }) {
				m.log.Warn("membership update dropped", logx.Channel(mu.ChatID))
			}
		}
	}
}

func (m *CommandManager) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	// Album parts bypass the worker queue: the aggregator only buffers them.
	if msg.AlbumID != "" && msg.Media != nil {
		m.serv.Albums.Add(msg.FromID, msg.ChatID, msg.AlbumID, msg.Forwarded, domain.MediaItem{
			Kind:      msg.Media.Kind,
			FileID:    msg.Media.FileID,
			Caption:   msg.Media.Caption,
			Spoiler:   msg.Media.Spoiler,
			MessageID: msg.ID,
		})
		return
	}

	text := strings.TrimSpace(msg.Text)
	if msg.Media != nil || msg.Forwarded || !strings.HasPrefix(text, "/") {
		m.enqueue(ctx, up, Command{Name: "input", Handle: handleInput}, nil)
		return
	}

	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	cmd, ok := m.lookup(word)
	if !ok {
		_, _ = m.sender.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID}, "unknown command. try /help", nil)
		return
	}
	if cmd.Access == AccessOwnerOnly && !m.isOwner(msg.FromID) {
		_, _ = m.sender.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID}, "unauthorized", nil)
		return
	}
	m.enqueue(ctx, up, cmd, parts[1:])
}

func (m *CommandManager) enqueue(ctx context.Context, up kit.Update, cmd Command, args []string) {
	msg := up.Message
	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID},
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		usage:   cmd.Usage,
		Sender:  m.sender,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
		Services: m.serv,
	}

	h := cmd.Handle
	if cmd.NeedsTask {
		h = withCurrentTask(h)
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.timeout
	}
	final := Chain(
		withSession(h),
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
		MWReplyError(),
	)
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.sender.SendText(ctx, req.Chat, "busy, try again", nil)
	}
}

// withSession registers the user and loads their session.
func withSession(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		username := ""
		if req.Update.Message != nil {
			username = req.Update.Message.FromUsername
		}
		if err := req.Services.Core.EnsureUser(ctx, req.FromID, username); err != nil {
			return err
		}
		s, err := req.Services.Sessions.Get(ctx, req.FromID)
		if err != nil {
			return err
		}
		req.Session = s
		return next(ctx, req)
	}
}

// withCurrentTask loads the session's task, checking ownership.
func withCurrentTask(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if req.Session.CurrentTaskID == 0 {
			return errNoTask
		}
		t, err := req.Services.Core.Task(ctx, req.FromID, req.Session.CurrentTaskID)
		if err != nil {
			return err
		}
		req.Task = t
		return next(ctx, req)
	}
}

func (m *CommandManager) handleMembership(ctx context.Context, mu kit.Membership) {
	log := m.log.With(logx.Channel(mu.ChatID), logx.Int64("by", mu.ByUserID))
	core := m.serv.Core
	to := kit.ChatTarget{ChatID: mu.ByUserID}

	if !mu.Admin {
		if err := core.DeactivateChannel(ctx, mu.ChatID); err != nil {
			log.Warn("channel deactivation failed", logx.Err(err))
		}
		return
	}
	if mu.ByUserID == 0 {
		return
	}
	if err := core.EnsureUser(ctx, mu.ByUserID, ""); err != nil {
		log.Warn("user registration failed", logx.Err(err))
		return
	}
	ch := domain.Channel{ID: mu.ChatID, OwnerID: mu.ByUserID, Title: mu.Title, Username: mu.Username, Active: true}
	if err := core.RegisterChannel(ctx, ch); err != nil {
		log.Warn("channel registration failed", logx.Err(err))
		_, _ = m.sender.SendText(ctx, to, userMessage(err), nil)
		return
	}
	_, _ = m.sender.SendText(ctx, to, "Channel "+ch.DisplayName()+" connected. Link it to a task with /channel "+strconv.FormatInt(ch.ID, 10), nil)
}

// OnAlbum stores a complete album as the content of the user's current task.
func (m *CommandManager) OnAlbum(ctx context.Context, userID int64, c domain.Content) error {
	to := kit.ChatTarget{ChatID: userID}
	reply := func(text string) { _, _ = m.sender.SendText(ctx, to, text, nil) }

	s, err := m.serv.Sessions.Get(ctx, userID)
	if err != nil {
		return err
	}
	if s.CurrentTaskID == 0 || s.Screen != session.ScreenContent {
		reply("Album received, but no task is waiting for content. Use /new or /content first.")
		return nil
	}
	if _, err := m.serv.Core.Task(ctx, userID, s.CurrentTaskID); err != nil {
		reply(userMessage(err))
		return nil
	}
	if err := m.serv.Core.UpdateTask(ctx, s.CurrentTaskID, domain.SetContent{Content: c}); err != nil {
		reply(userMessage(err))
		return nil
	}
	s.Screen = session.ScreenNone
	if err := m.serv.Sessions.Save(ctx, s); err != nil {
		return err
	}
	reply("Album with " + strconv.Itoa(len(c.Album)) + " items saved.")
	return nil
}
