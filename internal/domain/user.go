package domain

import (
	"strconv"
	"strings"
	"time"
)

type User struct {
	ID        int64
	Username  string
	Timezone  string
	Language  string
	Tariff    string
	CreatedAt time.Time
}

// Tariff bounds what a user may configure. Zero limits mean unlimited.
type Tariff struct {
	Name            string
	Free            bool
	MaxTasks        int
	MaxChannels     int
	MaxDateSlots    int
	MaxWeekdaySlots int
	MaxTimeSlots    int
}

// Allows reports whether one more item fits under limit.
func Allows(limit, current int) bool { return limit <= 0 || current < limit }

// Channel is a Telegram channel the bot administers on behalf of one owner.
type Channel struct {
	ID        int64
	OwnerID   int64
	Title     string
	Username  string
	Active    bool
	CreatedAt time.Time
}

// PostLink builds a t.me link to a message in the channel.
func (c Channel) PostLink(messageID int) string {
	if u := strings.TrimPrefix(strings.TrimSpace(c.Username), "@"); u != "" {
		return "https://t.me/" + u + "/" + strconv.Itoa(messageID)
	}
	// Private channels: -100xxxxxxxxxx -> xxxxxxxxxx
	id := strconv.FormatInt(c.ID, 10)
	id = strings.TrimPrefix(id, "-100")
	id = strings.TrimPrefix(id, "-")
	return "https://t.me/c/" + id + "/" + strconv.Itoa(messageID)
}

func (c Channel) DisplayName() string {
	if t := strings.TrimSpace(c.Title); t != "" {
		return t
	}
	if c.Username != "" {
		return "@" + strings.TrimPrefix(c.Username, "@")
	}
	return strconv.FormatInt(c.ID, 10)
}
