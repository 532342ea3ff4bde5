package router

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"postbot/internal/domain"
	"postbot/internal/session"
)

func (m *CommandManager) builtinCommands() []Command {
	return []Command{
		{Name: "start", Description: "Start the bot", Handle: m.handleStart},
		{Name: "help", Description: "Show commands", Usage: "/help [command]", Handle: m.handleHelp},
		{Name: "new", Description: "Create a task", Usage: "/new [name]", Handle: handleNew},
		{Name: "tasks", Aliases: []string{"list"}, Description: "List your tasks", Handle: handleTasks},
		{Name: "edit", Description: "Select a task", Usage: "/edit <task id>", Handle: handleEdit},
		{Name: "show", Description: "Show the selected task", NeedsTask: true, Handle: handleShow},
		{Name: "content", Description: "Set the post content", NeedsTask: true, Handle: handleContent},
		{Name: "name", Description: "Rename the task", Usage: "/name [new name]", NeedsTask: true, Handle: handleName},
		{Name: "posttype", Description: "repost or from_bot", Usage: "/posttype repost|from_bot", NeedsTask: true, Handle: handlePostType},
		{Name: "date", Description: "Toggle a date", Usage: "/date YYYY-MM-DD ...", NeedsTask: true, Handle: handleDate},
		{Name: "weekday", Aliases: []string{"day"}, Description: "Toggle a weekday", Usage: "/weekday mon|tue|... ...", NeedsTask: true, Handle: handleWeekday},
		{Name: "time", Description: "Toggle a time of day", Usage: "/time HH:MM ...", NeedsTask: true, Handle: handleTime},
		{Name: "channel", Aliases: []string{"channels"}, Description: "List or toggle channels", Usage: "/channel [channel id]", Handle: handleChannel},
		{Name: "pin", Description: "Pin duration in hours", Usage: "/pin <hours|off> [notify on|off]", NeedsTask: true, Handle: handlePin},
		{Name: "autodelete", Description: "Auto delete after hours", Usage: "/autodelete <hours|off>", NeedsTask: true, Handle: handleAutoDelete},
		{Name: "report", Description: "Publication report on or off", Usage: "/report on|off", NeedsTask: true, Handle: handleReport},
		{Name: "advertiser", Description: "Also send reports to a user", Usage: "/advertiser <user id|off>", NeedsTask: true, Handle: handleAdvertiser},
		{Name: "activate", Description: "Start publishing", NeedsTask: true, Handle: handleActivate},
		{Name: "deactivate", Description: "Stop publishing", NeedsTask: true, Handle: handleDeactivate},
		{Name: "delete", Description: "Delete the selected task", NeedsTask: true, Handle: handleDelete},
		{Name: "tz", Aliases: []string{"timezone"}, Description: "Set your timezone", Usage: "/tz <Area/City>", Handle: handleTimezone},
		{Name: "cancel", Description: "Cancel the current input", Handle: handleCancel},
		{Name: "status", Description: "Bot status", Access: AccessOwnerOnly, Handle: handleStatus},
	}
}

func (m *CommandManager) handleStart(ctx context.Context, req *Request) error {
	req.Reply(ctx, "Hi! I publish your posts to your channels on a schedule.\n\n"+
		"1. Add me as admin to a channel.\n"+
		"2. /new to create a task and send me the post.\n"+
		"3. Pick channels, dates or weekdays and times.\n"+
		"4. /activate\n\n"+
		"/help lists every command.")
	return nil
}

func (m *CommandManager) handleHelp(ctx context.Context, req *Request) error {
	req.Reply(ctx, m.helpText(req.Args, m.isOwner(req.FromID)))
	return nil
}

func handleNew(ctx context.Context, req *Request) error {
	id, err := req.Services.Core.CreateTask(ctx, req.FromID, strings.Join(req.Args, " "))
	if err != nil {
		return err
	}
	req.Session.CurrentTaskID = id
	req.Session.Screen = session.ScreenContent
	if err := req.saveSession(ctx); err != nil {
		return err
	}
	req.Reply(ctx, fmt.Sprintf("Task #%d created. Send or forward the post (text, media or album).", id))
	return nil
}

func handleTasks(ctx context.Context, req *Request) error {
	tasks, err := req.Services.Core.ListTasks(ctx, req.FromID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		req.Reply(ctx, "no tasks yet. use /new")
		return nil
	}
	lines := make([]string, 0, len(tasks)+1)
	lines = append(lines, "Your tasks:")
	for _, t := range tasks {
		mark := " "
		if t.ID == req.Session.CurrentTaskID {
			mark = "*"
		}
		lines = append(lines, fmt.Sprintf("%s #%d %s [%s]", mark, t.ID, t.Name, t.Status))
	}
	req.Reply(ctx, strings.Join(lines, "\n"))
	return nil
}

func handleEdit(ctx context.Context, req *Request) error {
	id, err := argInt64(req.Args, 0)
	if err != nil {
		return err
	}
	t, err := req.Services.Core.Task(ctx, req.FromID, id)
	if err != nil {
		return err
	}
	req.Session.CurrentTaskID = t.ID
	req.Session.Screen = session.ScreenNone
	if err := req.saveSession(ctx); err != nil {
		return err
	}
	req.Task = t
	return handleShow(ctx, req)
}

func handleShow(ctx context.Context, req *Request) error {
	core := req.Services.Core
	set, err := core.ScheduleSet(ctx, req.Task.ID)
	if err != nil {
		return err
	}
	jobs, err := core.TaskJobs(ctx, req.Task.ID)
	if err != nil {
		return err
	}
	channels, err := core.ListChannels(ctx, req.FromID)
	if err != nil {
		return err
	}
	req.Reply(ctx, renderTask(req.Task, set, jobs, channels))
	return nil
}

func renderTask(t domain.Task, set domain.ScheduleSet, jobs []domain.Job, channels []domain.Channel) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task #%d %s [%s]\n", t.ID, t.Name, t.Status)

	content := "not set"
	switch {
	case t.Content.IsAlbum():
		content = fmt.Sprintf("album, %d items", len(t.Content.Album))
	case !t.Content.IsEmpty():
		content = "message"
	}
	fmt.Fprintf(&b, "Content: %s\n", content)
	fmt.Fprintf(&b, "Post type: %s\n", t.PostType)

	if len(set.Dates) > 0 {
		fmt.Fprintf(&b, "Dates: %s\n", strings.Join(set.Dates, ", "))
	}
	if len(set.Weekdays) > 0 {
		days := make([]string, len(set.Weekdays))
		for i, w := range set.Weekdays {
			days[i] = domain.WeekdayName(w)
		}
		fmt.Fprintf(&b, "Weekdays: %s\n", strings.Join(days, ", "))
	}
	times := "none"
	if len(set.Times) > 0 {
		times = strings.Join(set.Times, ", ")
	}
	fmt.Fprintf(&b, "Times: %s\n", times)

	names := map[int64]string{}
	for _, ch := range channels {
		names[ch.ID] = ch.DisplayName()
	}
	perChannel := map[int64]int{}
	var next time.Time
	for _, j := range jobs {
		perChannel[j.ChannelID]++
		if next.IsZero() || j.ScheduledAt.Before(next) {
			next = j.ScheduledAt
		}
	}

	if t.PinHours > 0 {
		notify := ""
		if t.PinNotify {
			notify = ", with notification"
		}
		fmt.Fprintf(&b, "Pin: %gh%s\n", t.PinHours, notify)
	}
	if t.AutoDeleteHours > 0 {
		fmt.Fprintf(&b, "Auto delete: %gh\n", t.AutoDeleteHours)
	}
	if t.ReportEnabled {
		b.WriteString("Report: on")
		if t.AdvertiserID != 0 {
			fmt.Fprintf(&b, " (+ %d)", t.AdvertiserID)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Pending posts: %d", len(jobs))
	if !next.IsZero() {
		fmt.Fprintf(&b, ", next %s UTC", next.UTC().Format("2006-01-02 15:04"))
	}
	ids := make([]int64, 0, len(perChannel))
	for id := range perChannel {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		name := names[id]
		if name == "" {
			name = strconv.FormatInt(id, 10)
		}
		fmt.Fprintf(&b, "\n  %s: %d", name, perChannel[id])
	}
	return b.String()
}

func handleContent(ctx context.Context, req *Request) error {
	req.Session.Screen = session.ScreenContent
	if err := req.saveSession(ctx); err != nil {
		return err
	}
	req.Reply(ctx, "Send or forward the post (text, media or album). /cancel to stop.")
	return nil
}

func handleName(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		req.Session.Screen = session.ScreenName
		if err := req.saveSession(ctx); err != nil {
			return err
		}
		req.Reply(ctx, "Send the new name.")
		return nil
	}
	if err := req.Services.Core.UpdateTask(ctx, req.Task.ID, domain.SetName{Name: strings.Join(req.Args, " ")}); err != nil {
		return err
	}
	req.Reply(ctx, "name updated")
	return nil
}

func handlePostType(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return errUsage
	}
	pt := domain.PostType(strings.ToLower(req.Args[0]))
	if err := req.Services.Core.UpdateTask(ctx, req.Task.ID, domain.SetPostType{PostType: pt}); err != nil {
		return err
	}
	req.Reply(ctx, "post type: "+string(pt))
	return nil
}

// toggleEach runs toggle for every argument and reports what changed.
func toggleEach(ctx context.Context, req *Request, toggle func(arg string) (bool, error)) error {
	if len(req.Args) == 0 {
		return errUsage
	}
	lines := make([]string, 0, len(req.Args))
	for _, a := range req.Args {
		added, err := toggle(a)
		if err != nil {
			return err
		}
		if added {
			lines = append(lines, "+ "+a)
		} else {
			lines = append(lines, "- "+a)
		}
	}
	req.Reply(ctx, strings.Join(lines, "\n"))
	return nil
}

func handleDate(ctx context.Context, req *Request) error {
	return toggleEach(ctx, req, func(a string) (bool, error) {
		if _, err := domain.NormalizeDate(a); err != nil {
			return false, inputErrorf("bad date %q, use YYYY-MM-DD", a)
		}
		return req.Services.Core.ToggleDate(ctx, req.Task.ID, a)
	})
}

func handleWeekday(ctx context.Context, req *Request) error {
	return toggleEach(ctx, req, func(a string) (bool, error) {
		w, err := domain.ParseWeekday(a)
		if err != nil {
			return false, inputErrorf("bad weekday %q, use mon..sun", a)
		}
		return req.Services.Core.ToggleWeekday(ctx, req.Task.ID, w)
	})
}

func handleTime(ctx context.Context, req *Request) error {
	return toggleEach(ctx, req, func(a string) (bool, error) {
		if _, err := domain.NormalizeClock(a); err != nil {
			return false, inputErrorf("bad time %q, use HH:MM", a)
		}
		return req.Services.Core.ToggleTime(ctx, req.Task.ID, a)
	})
}

func handleChannel(ctx context.Context, req *Request) error {
	core := req.Services.Core
	if len(req.Args) == 0 {
		channels, err := core.ListChannels(ctx, req.FromID)
		if err != nil {
			return err
		}
		if len(channels) == 0 {
			req.Reply(ctx, "no channels yet. add me as admin to a channel")
			return nil
		}
		lines := []string{"Your channels:"}
		for _, ch := range channels {
			state := ""
			if !ch.Active {
				state = " (bot is not admin)"
			}
			lines = append(lines, fmt.Sprintf("%d %s%s", ch.ID, ch.DisplayName(), state))
		}
		lines = append(lines, "", "Toggle one for the selected task with /channel <id>")
		req.Reply(ctx, strings.Join(lines, "\n"))
		return nil
	}

	if req.Session.CurrentTaskID == 0 {
		return errNoTask
	}
	if _, err := core.Task(ctx, req.FromID, req.Session.CurrentTaskID); err != nil {
		return err
	}
	id, err := argInt64(req.Args, 0)
	if err != nil {
		return err
	}
	added, err := core.ToggleChannel(ctx, req.Session.CurrentTaskID, id)
	if err != nil {
		return err
	}
	if added {
		req.Reply(ctx, "channel added")
	} else {
		req.Reply(ctx, "channel removed")
	}
	return nil
}

func handlePin(ctx context.Context, req *Request) error {
	h, err := argHours(req.Args, 0)
	if err != nil {
		return err
	}
	core := req.Services.Core
	if err := core.UpdateTask(ctx, req.Task.ID, domain.SetPinDuration{Hours: h}); err != nil {
		return err
	}
	if len(req.Args) >= 3 && strings.EqualFold(req.Args[1], "notify") {
		notify, err := argBool(req.Args, 2)
		if err != nil {
			return err
		}
		if err := core.UpdateTask(ctx, req.Task.ID, domain.SetPinNotify{Notify: notify}); err != nil {
			return err
		}
	}
	if h == 0 {
		req.Reply(ctx, "pin off")
		return nil
	}
	req.Reply(ctx, fmt.Sprintf("pin for %gh", h))
	return nil
}

func handleAutoDelete(ctx context.Context, req *Request) error {
	h, err := argHours(req.Args, 0)
	if err != nil {
		return err
	}
	if err := req.Services.Core.UpdateTask(ctx, req.Task.ID, domain.SetAutoDelete{Hours: h}); err != nil {
		return err
	}
	if h == 0 {
		req.Reply(ctx, "auto delete off")
		return nil
	}
	req.Reply(ctx, fmt.Sprintf("posts are deleted %gh after publishing", h))
	return nil
}

func handleReport(ctx context.Context, req *Request) error {
	on, err := argBool(req.Args, 0)
	if err != nil {
		return err
	}
	if err := req.Services.Core.UpdateTask(ctx, req.Task.ID, domain.SetReport{Enabled: on}); err != nil {
		return err
	}
	if on {
		req.Reply(ctx, "report on")
	} else {
		req.Reply(ctx, "report off")
	}
	return nil
}

func handleAdvertiser(ctx context.Context, req *Request) error {
	var id int64
	if len(req.Args) == 0 {
		return errUsage
	}
	if !strings.EqualFold(req.Args[0], "off") {
		v, err := argInt64(req.Args, 0)
		if err != nil {
			return err
		}
		id = v
	}
	if err := req.Services.Core.UpdateTask(ctx, req.Task.ID, domain.SetAdvertiser{UserID: id}); err != nil {
		return err
	}
	if id == 0 {
		req.Reply(ctx, "advertiser removed")
	} else {
		req.Reply(ctx, fmt.Sprintf("reports also go to %d", id))
	}
	return nil
}

func handleActivate(ctx context.Context, req *Request) error {
	n, err := req.Services.Core.ActivateTask(ctx, req.Task.ID)
	if err != nil {
		return err
	}
	req.Reply(ctx, fmt.Sprintf("Task #%d is active, %d posts scheduled.", req.Task.ID, n))
	return nil
}

func handleDeactivate(ctx context.Context, req *Request) error {
	if err := req.Services.Core.DeactivateTask(ctx, req.Task.ID); err != nil {
		return err
	}
	req.Reply(ctx, fmt.Sprintf("Task #%d stopped. Pending posts are cancelled.", req.Task.ID))
	return nil
}

func handleDelete(ctx context.Context, req *Request) error {
	if err := req.Services.Core.DeleteTask(ctx, req.Task.ID); err != nil {
		return err
	}
	req.Session.CurrentTaskID = 0
	req.Session.Screen = session.ScreenNone
	if err := req.saveSession(ctx); err != nil {
		return err
	}
	req.Reply(ctx, fmt.Sprintf("Task #%d deleted.", req.Task.ID))
	return nil
}

func handleTimezone(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		req.Session.Screen = session.ScreenTimezone
		if err := req.saveSession(ctx); err != nil {
			return err
		}
		req.Reply(ctx, "Send your timezone, e.g. Europe/Berlin.")
		return nil
	}
	return setTimezone(ctx, req, req.Args[0])
}

func setTimezone(ctx context.Context, req *Request, tz string) error {
	tz = strings.TrimSpace(tz)
	if _, err := time.LoadLocation(tz); err != nil || tz == "" {
		return inputErrorf("unknown timezone %q, use a name like Europe/Berlin", tz)
	}
	if err := req.Services.Core.SetTimezone(ctx, req.FromID, tz); err != nil {
		return err
	}
	req.Reply(ctx, "timezone: "+tz)
	return nil
}

// handleCancel drops the whole session: pending input and the selected task.
func handleCancel(ctx context.Context, req *Request) error {
	if err := req.Services.Sessions.Clear(ctx, req.FromID); err != nil {
		return err
	}
	req.Reply(ctx, "ok")
	return nil
}

func handleStatus(ctx context.Context, req *Request) error {
	st, err := req.Services.Core.Status(ctx)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Active tasks: %d\n", st.ActiveTasks)
	for _, s := range []domain.JobStatus{domain.JobScheduled, domain.JobPublished, domain.JobFailed, domain.JobCancelled, domain.JobDeleted} {
		fmt.Fprintf(&b, "Jobs %s: %d\n", s, st.Jobs[s])
	}

	if sch := req.Services.Scheduler; sch != nil {
		snap := sch.Snapshot()
		fmt.Fprintf(&b, "Timers pending: %d", snap.Pending)
		if !snap.NextOnce.IsZero() {
			fmt.Fprintf(&b, ", next %s", snap.NextOnce.UTC().Format(time.RFC3339))
		}
		e := snap.Engine
		fmt.Fprintf(&b, "\nEngine: workers=%d queue=%d/%d inflight=%d ok=%d failed=%d dropped=%d\n",
			e.Workers, e.QueueLen, e.QueueCap, e.InFlight, e.Completed, e.Failed, e.DroppedQueueFull+e.DroppedStale)
	}

	sups := req.Services.Supervisors.Snapshot()
	names := make([]string, 0, len(sups))
	for n := range sups {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		snap := sups[n]
		restarts, panics := 0, 0
		for _, g := range snap.Goroutines {
			restarts += g.Restarts
			panics += g.Panics
		}
		fmt.Fprintf(&b, "%s: %d goroutines, %d restarts, %d panics\n", n, len(snap.Goroutines), restarts, panics)
	}
	req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
	return nil
}

// handleInput handles non-command messages according to the session screen.
func handleInput(ctx context.Context, req *Request) error {
	msg := req.Update.Message
	switch req.Session.Screen {
	case session.ScreenContent:
		if req.Session.CurrentTaskID == 0 {
			return errNoTask
		}
		if _, err := req.Services.Core.Task(ctx, req.FromID, req.Session.CurrentTaskID); err != nil {
			return err
		}
		c := domain.Content{
			SourceChatID: msg.ChatID,
			MessageID:    msg.ID,
			Text:         msg.Text,
			Forwarded:    msg.Forwarded,
			Entities:     msg.Entities,
			Buttons:      msg.Buttons,
		}
		if err := req.Services.Core.UpdateTask(ctx, req.Session.CurrentTaskID, domain.SetContent{Content: c}); err != nil {
			return err
		}
		req.Session.Screen = session.ScreenNone
		if err := req.saveSession(ctx); err != nil {
			return err
		}
		req.Reply(ctx, "content saved. next: /channel, /date or /weekday, /time")
		return nil

	case session.ScreenName:
		if req.Session.CurrentTaskID == 0 {
			return errNoTask
		}
		if _, err := req.Services.Core.Task(ctx, req.FromID, req.Session.CurrentTaskID); err != nil {
			return err
		}
		if err := req.Services.Core.UpdateTask(ctx, req.Session.CurrentTaskID, domain.SetName{Name: msg.Text}); err != nil {
			return err
		}
		req.Session.Screen = session.ScreenNone
		if err := req.saveSession(ctx); err != nil {
			return err
		}
		req.Reply(ctx, "name updated")
		return nil

	case session.ScreenTimezone:
		if err := setTimezone(ctx, req, msg.Text); err != nil {
			return err
		}
		req.Session.Screen = session.ScreenNone
		return req.saveSession(ctx)
	}
	req.Reply(ctx, "use /new to create a task or /help for commands")
	return nil
}
