package router

import (
	"errors"
	"fmt"
	"strings"

	"postbot/internal/domain"
	"postbot/internal/publisher"
	"postbot/internal/storage"
)

var errNoTask = errors.New("no current task")

var problemText = map[publisher.Problem]string{
	publisher.ProblemContent:  "content is not set (/content)",
	publisher.ProblemChannels: "no channel selected (/channel)",
	publisher.ProblemSchedule: "schedule needs a date or weekday and a time (/date, /weekday, /time)",
	publisher.ProblemUpcoming: "every scheduled slot is already in the past",
}

// userMessage renders an error for the chat. Unknown errors are shown
// generically; their details stay in the log.
func userMessage(err error) string {
	var verr *publisher.ValidationError
	var lerr *publisher.LimitError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		lines := []string{"task cannot be activated:"}
		for _, p := range verr.Problems {
			txt, ok := problemText[p]
			if !ok {
				txt = string(p)
			}
			lines = append(lines, "- "+txt)
		}
		return strings.Join(lines, "\n")
	case errors.As(err, &lerr):
		return fmt.Sprintf("your plan allows at most %d %s", lerr.Limit, lerr.What)
	case errors.Is(err, errNoTask):
		return "no task selected. use /new or /edit <id> first"
	case errors.Is(err, errUsage):
		return "bad arguments. see /help"
	case errors.Is(err, publisher.ErrPastDate):
		return "that date is already in the past"
	case errors.Is(err, publisher.ErrTaskNotFound), errors.Is(err, publisher.ErrNotOwner):
		return "task not found"
	case errors.Is(err, publisher.ErrChannelNotFound):
		return "channel not found. add the bot as admin to the channel first"
	case errors.Is(err, storage.ErrChannelClaimed):
		return "this channel is already connected by another user"
	case errors.Is(err, storage.ErrChannelGone):
		return "the bot is no longer admin in that channel"
	case errors.Is(err, domain.ErrInvalidUpdate):
		return strings.TrimPrefix(err.Error(), domain.ErrInvalidUpdate.Error()+": ")
	case errors.Is(err, errInput):
		return err.Error()
	}
	return "something went wrong, try again later"
}

// errInput marks errors whose text is meant for the user as is.
var errInput = errors.New("input")

func inputErrorf(format string, args ...any) error {
	return &inputError{msg: fmt.Sprintf(format, args...)}
}

type inputError struct{ msg string }

func (e *inputError) Error() string        { return e.msg }
func (e *inputError) Is(target error) bool { return target == errInput }
