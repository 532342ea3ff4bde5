package publisher

import (
	"sort"
	"time"

	"postbot/internal/domain"
)

// ExpandInput is everything the expander looks at. Existing holds the task's
// scheduled and recently published jobs.
type ExpandInput struct {
	Rules     []domain.ScheduleRule
	Channels  []int64
	Location  *time.Location
	Now       time.Time
	Tolerance time.Duration
	Existing  []domain.Job
}

// Slot is one job to create.
type Slot struct {
	ChannelID int64
	At        time.Time
	Rule      domain.Recurrence
}

type slotKey struct {
	channel int64
	at      int64
}

// Expand computes the next instance of every complete rule for every channel.
// Slots already held by a scheduled job are skipped. A slot already published
// is skipped for date rules and advanced one week for weekday rules, so a
// reload right after a post never posts it twice.
func Expand(in ExpandInput) []Slot {
	scheduled := make(map[slotKey]bool, len(in.Existing))
	published := make(map[slotKey]bool, len(in.Existing))
	for _, j := range in.Existing {
		k := slotKey{j.ChannelID, j.ScheduledAt.Unix()}
		switch j.Status {
		case domain.JobScheduled:
			scheduled[k] = true
		case domain.JobPublished:
			published[k] = true
		}
	}

	seen := make(map[slotKey]bool)
	var out []Slot
	for _, rec := range domain.Recurrences(in.Rules) {
		first, ok := rec.Next(in.Now, in.Location, in.Tolerance)
		if !ok {
			continue
		}
		for _, ch := range in.Channels {
			at := first
			for published[slotKey{ch, at.Unix()}] {
				next, ok := rec.After(at, in.Location)
				if !ok {
					at = time.Time{}
					break
				}
				at = next
			}
			if at.IsZero() {
				continue
			}
			k := slotKey{ch, at.Unix()}
			if scheduled[k] || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, Slot{ChannelID: ch, At: at, Rule: rec})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].ChannelID < out[j].ChannelID
	})
	return out
}
