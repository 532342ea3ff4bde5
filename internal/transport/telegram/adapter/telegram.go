package adapter

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"postbot/internal/domain"
	rtsup "postbot/internal/runtime/supervisor"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration

	// APIURL points at a self-hosted Bot API server. Empty means api.telegram.org.
	APIURL string

	// SendRatePerSec caps outbound API calls across all chats.
	SendRatePerSec int
}

const defaultSendRate = 25

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter
	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool

	// sup owns adapter internal goroutines (poll loop, drop logger, stop watcher).
	// It is created on Start() and cancelled on Stop().
	sup *rtsup.Supervisor

	// droppedUpdates counts updates dropped because the consumer was slower than the Telegram poll loop.
	// This is logged periodically to avoid per-update log spam.
	droppedUpdates uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:   cfg.APIURL,
		Token: cfg.Token,
		Poller: &tele.LongPoller{
			Timeout:        timeout,
			AllowedUpdates: []string{"message", "my_chat_member"},
		},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.SendRatePerSec
	if rps <= 0 {
		rps = defaultSendRate
	}
	a := &Adapter{cfg: cfg, log: log, bot: b, limiter: rate.NewLimiter(rate.Limit(rps), rps)}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

// SetSendRate changes the outbound limit at runtime.
func (a *Adapter) SetSendRate(rps int) {
	if rps <= 0 {
		rps = defaultSendRate
	}
	a.limiter.SetLimit(rate.Limit(rps))
	a.limiter.SetBurst(rps)
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the CURRENT output channel. Start() may swap it.
	onMessage := func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: toMessage(m)})
		}
		return nil
	}
	for _, ev := range []string{tele.OnText, tele.OnPhoto, tele.OnVideo, tele.OnAnimation, tele.OnDocument, tele.OnAudio} {
		a.bot.Handle(ev, onMessage)
	}

	a.bot.Handle(tele.OnMyChatMember, func(c tele.Context) error {
		if mu := toMembership(c.ChatMember()); mu != nil {
			a.sendUpdate(kit.Update{Kind: kit.UpdateMembership, Membership: mu})
		}
		return nil
	})
}

func toMessage(m *tele.Message) *kit.Message {
	msg := &kit.Message{
		ID:        m.ID,
		Text:      m.Text,
		Forwarded: m.Origin != nil,
		AlbumID:   m.AlbumID,
	}
	if m.Chat != nil {
		msg.ChatID = m.Chat.ID
		msg.IsPrivate = m.Chat.Type == tele.ChatPrivate
	}
	if m.Sender != nil {
		msg.FromID = m.Sender.ID
		msg.FromUsername = m.Sender.Username
	}

	part := &kit.MediaPart{Caption: m.Caption, Spoiler: m.HasMediaSpoiler}
	switch {
	case m.Photo != nil:
		part.Kind, part.FileID = "photo", m.Photo.FileID
	case m.Video != nil:
		part.Kind, part.FileID = "video", m.Video.FileID
	case m.Animation != nil:
		part.Kind, part.FileID = "animation", m.Animation.FileID
	case m.Document != nil:
		part.Kind, part.FileID = "document", m.Document.FileID
	case m.Audio != nil:
		part.Kind, part.FileID = "audio", m.Audio.FileID
	default:
		part = nil
	}
	msg.Media = part
	ents := m.Entities
	if part != nil && msg.Text == "" {
		msg.Text = m.Caption
		ents = m.CaptionEntities
	}
	msg.Entities = fromEntities(ents)
	if m.ReplyMarkup != nil {
		msg.Buttons = urlButtons(m.ReplyMarkup.InlineKeyboard)
	}
	return msg
}

func fromEntities(ents tele.Entities) []domain.Entity {
	if len(ents) == 0 {
		return nil
	}
	out := make([]domain.Entity, len(ents))
	for i, e := range ents {
		out[i] = domain.Entity{Type: string(e.Type), Offset: e.Offset, Length: e.Length, URL: e.URL, Language: e.Language}
	}
	return out
}

// urlButtons keeps the URL buttons of an inline keyboard; callback buttons
// mean nothing outside the bot that made them.
func urlButtons(kb [][]tele.InlineButton) [][]domain.Button {
	var rows [][]domain.Button
	for _, row := range kb {
		var line []domain.Button
		for _, b := range row {
			if b.URL != "" && b.Text != "" {
				line = append(line, domain.Button{Text: b.Text, URL: b.URL})
			}
		}
		if len(line) > 0 {
			rows = append(rows, line)
		}
	}
	return rows
}

func toMembership(u *tele.ChatMemberUpdate) *kit.Membership {
	if u == nil || u.Chat == nil || u.NewChatMember == nil {
		return nil
	}
	if u.Chat.Type != tele.ChatChannel {
		return nil
	}
	mu := &kit.Membership{
		ChatID:   u.Chat.ID,
		Title:    u.Chat.Title,
		Username: u.Chat.Username,
	}
	if u.Sender != nil {
		mu.ByUserID = u.Sender.ID
	}
	switch u.NewChatMember.Role {
	case tele.Administrator, tele.Creator:
		mu.Admin = true
	}
	return mu
}

func (a *Adapter) sendUpdate(up kit.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// adapter errors should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// Periodic summary for dropped updates (avoid noisy per-update logs).
	sup.Go("updates.drop_report", func(c context.Context) error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
				return nil
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
			}
		}
	})

	sup.Go("telebot.stop_on_cancel", func(c context.Context) error {
		<-c.Done()
		a.bot.Stop()
		return nil
	})

	// Telebot's Start() is a long-running loop. In some failure modes it can
	// exit unexpectedly; run it under a restart loop so the adapter self-heals.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop()
		a.log.Info("polling stopped")
		if c.Err() == nil {
			return errors.New("poll loop exited")
		}
		return nil
	}, 500*time.Millisecond, 10*time.Second)

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	// Best-effort graceful stop. Never block shutdown for too long on Telegram long-poll.
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", atomic.LoadUint64(&a.droppedUpdates)))
	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	// telebot Stop is expected to be fast; run it async just in case.
	go a.bot.Stop()

	// Grace window: keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// UpdateMenuCommands publishes the command list (setMyCommands). It only
// calls Telegram when the list changed since the last call.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(d))
		h.Write([]byte{0})
		out = append(out, tele.Command{Text: c.Command, Description: d})
		if len(out) >= 100 {
			break
		}
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := a.wait(ctx); err != nil {
		return err
	}
	if err := a.bot.SetCommands(out); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(out)))
	return nil
}

// wait blocks until the outbound limiter admits one more call.
func (a *Adapter) wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return a.limiter.Wait(ctx)
}
