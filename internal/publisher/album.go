package publisher

import (
	"context"
	"sort"
	"sync"

	"postbot/internal/domain"
	logx "postbot/pkg/logx"
)

// AlbumHandler receives a complete album for the user who sent it.
type AlbumHandler func(ctx context.Context, userID int64, c domain.Content) error

// AlbumAggregator collects the parts of incoming media groups. Each part
// re-arms the group's timer; when the window passes without new parts the
// group is flushed as one album.
type AlbumAggregator struct {
	s *Service

	mu      sync.Mutex
	groups  map[string]*albumGroup
	handler AlbumHandler
}

type albumGroup struct {
	userID    int64
	chatID    int64
	forwarded bool
	items     []domain.MediaItem
}

func newAlbumAggregator(s *Service) *AlbumAggregator {
	return &AlbumAggregator{s: s, groups: map[string]*albumGroup{}}
}

func (a *AlbumAggregator) SetHandler(h AlbumHandler) {
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()
}

// Add buffers one part of media group groupID.
func (a *AlbumAggregator) Add(userID, chatID int64, groupID string, forwarded bool, item domain.MediaItem) {
	key := "album:" + groupID
	a.mu.Lock()
	g := a.groups[key]
	if g == nil {
		g = &albumGroup{userID: userID, chatID: chatID}
		a.groups[key] = g
	}
	g.forwarded = g.forwarded || forwarded
	g.items = append(g.items, item)
	a.mu.Unlock()

	cfg := a.s.config()
	_, err := a.s.timers.AddOnce(key, a.s.now().Add(cfg.AlbumWindow), cfg.ActionTimeout, func(ctx context.Context) error {
		return a.flush(ctx, key)
	})
	if err != nil {
		a.s.log.Warn("album flush not scheduled", logx.String("group", groupID), logx.Err(err))
	}
}

// Pending reports how many groups are still collecting.
func (a *AlbumAggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.groups)
}

func (a *AlbumAggregator) flush(ctx context.Context, key string) error {
	a.mu.Lock()
	g := a.groups[key]
	delete(a.groups, key)
	h := a.handler
	a.mu.Unlock()
	if g == nil || len(g.items) == 0 || h == nil {
		return nil
	}

	items := append([]domain.MediaItem(nil), g.items...)
	sort.SliceStable(items, func(i, j int) bool { return items[i].MessageID < items[j].MessageID })
	c := domain.Content{SourceChatID: g.chatID, Album: items, Forwarded: g.forwarded}
	for _, it := range items {
		if it.Caption != "" {
			c.Text = it.Caption
			break
		}
	}
	return h(ctx, g.userID, c)
}
