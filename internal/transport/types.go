package transport

import (
	"context"

	"postbot/internal/domain"
)

type UpdateKind string

const (
	UpdateMessage    UpdateKind = "message"
	UpdateMembership UpdateKind = "membership"
)

type Update struct {
	Kind       UpdateKind
	Message    *Message
	Membership *Membership
}

// Message is an incoming message in a private chat or group.
// Media is set for photo/video/animation/document/audio messages; AlbumID groups
// the parts of a media group.
type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	IsPrivate    bool
	Forwarded    bool
	AlbumID      string
	Media        *MediaPart

	// Entities format Text (or the caption of Media).
	Entities []domain.Entity
	// Buttons are the URL buttons of the message's inline keyboard.
	Buttons [][]domain.Button
}

type MediaPart struct {
	Kind    string
	FileID  string
	Caption string
	Spoiler bool
}

// Membership reports a change of the bot's own role in a channel.
type Membership struct {
	ChatID   int64
	Title    string
	Username string
	ByUserID int64
	Admin    bool // true when the bot became an administrator, false when it left/was removed
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// TextSender is the minimal outbound surface needed by logging and reports.
type TextSender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish the command
// list to the client's menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

type Adapter interface {
	TextSender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}
