package adapter

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"postbot/internal/domain"
	kit "postbot/internal/transport"
)

const telegramTextLimit = 4000

func stored(chatID int64, msgID int) tele.StoredMessage {
	return tele.StoredMessage{MessageID: strconv.Itoa(msgID), ChatID: chatID}
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := a.wait(ctx); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func (a *Adapter) Forward(ctx context.Context, to, from int64, messageID int) (int, error) {
	if err := a.wait(ctx); err != nil {
		return 0, err
	}
	msg, err := a.bot.Forward(&tele.Chat{ID: to}, stored(from, messageID))
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}

// ForwardAlbum forwards the parts of one album in a single call so they stay grouped.
func (a *Adapter) ForwardAlbum(ctx context.Context, to, from int64, messageIDs []int) ([]int, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	msgs := make([]tele.Editable, len(messageIDs))
	for i, id := range messageIDs {
		msgs[i] = stored(from, id)
	}
	sent, err := a.bot.ForwardMany(&tele.Chat{ID: to}, msgs)
	if err != nil {
		return nil, err
	}
	return messageIDsOf(sent), nil
}

func (a *Adapter) Copy(ctx context.Context, to, from int64, messageID int, buttons [][]domain.Button) (int, error) {
	if err := a.wait(ctx); err != nil {
		return 0, err
	}
	opts := &tele.SendOptions{}
	if rm := inlineMarkup(buttons); rm != nil {
		opts.ReplyMarkup = rm
	}
	msg, err := a.bot.Copy(&tele.Chat{ID: to}, stored(from, messageID), opts)
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}

// SendAlbum rebuilds an album from stored file ids.
func (a *Adapter) SendAlbum(ctx context.Context, to int64, items []domain.MediaItem) ([]int, error) {
	album, err := buildAlbum(items)
	if err != nil {
		return nil, err
	}
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	sent, err := a.bot.SendAlbum(&tele.Chat{ID: to}, album)
	if err != nil {
		return nil, err
	}
	return messageIDsOf(sent), nil
}

func buildAlbum(items []domain.MediaItem) (tele.Album, error) {
	album := make(tele.Album, 0, len(items))
	for _, it := range items {
		f := tele.File{FileID: it.FileID}
		switch it.Kind {
		case domain.MediaPhoto:
			album = append(album, &tele.Photo{File: f, Caption: it.Caption, HasSpoiler: it.Spoiler})
		case domain.MediaVideo:
			album = append(album, &tele.Video{File: f, Caption: it.Caption, HasSpoiler: it.Spoiler})
		case domain.MediaAudio:
			album = append(album, &tele.Audio{File: f, Caption: it.Caption})
		case domain.MediaDocument, domain.MediaAnimation:
			// Albums cannot carry animations; they go out as documents.
			album = append(album, &tele.Document{File: f, Caption: it.Caption})
		default:
			return nil, fmt.Errorf("unsupported album media %q", it.Kind)
		}
	}
	return album, nil
}

func inlineMarkup(rows [][]domain.Button) *tele.ReplyMarkup {
	if len(rows) == 0 {
		return nil
	}
	kb := make([][]tele.InlineButton, 0, len(rows))
	for _, row := range rows {
		line := make([]tele.InlineButton, 0, len(row))
		for _, b := range row {
			if strings.TrimSpace(b.Text) == "" || strings.TrimSpace(b.URL) == "" {
				continue
			}
			line = append(line, tele.InlineButton{Text: b.Text, URL: b.URL})
		}
		if len(line) > 0 {
			kb = append(kb, line)
		}
	}
	if len(kb) == 0 {
		return nil
	}
	return &tele.ReplyMarkup{InlineKeyboard: kb}
}

func messageIDsOf(msgs []tele.Message) []int {
	ids := make([]int, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

// EditText replaces the text of a posted message. Telegram drops the inline
// keyboard and formatting of an edited message unless they are sent again,
// so both travel with the new text.
func (a *Adapter) EditText(ctx context.Context, chatID int64, messageID int, text string, ents []domain.Entity, buttons [][]domain.Button) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	_, err := a.bot.Edit(stored(chatID, messageID), text, editOptions(ents, buttons))
	return err
}

func (a *Adapter) EditCaption(ctx context.Context, chatID int64, messageID int, caption string, ents []domain.Entity, buttons [][]domain.Button) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	_, err := a.bot.EditCaption(stored(chatID, messageID), caption, editOptions(ents, buttons))
	return err
}

func editOptions(ents []domain.Entity, buttons [][]domain.Button) *tele.SendOptions {
	opts := &tele.SendOptions{ReplyMarkup: inlineMarkup(buttons)}
	for _, e := range ents {
		opts.Entities = append(opts.Entities, tele.MessageEntity{
			Type: tele.EntityType(e.Type), Offset: e.Offset, Length: e.Length, URL: e.URL, Language: e.Language,
		})
	}
	return opts
}

func (a *Adapter) Pin(ctx context.Context, chatID int64, messageID int, notify bool) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	if notify {
		return a.bot.Pin(stored(chatID, messageID))
	}
	return a.bot.Pin(stored(chatID, messageID), tele.Silent)
}

func (a *Adapter) Unpin(ctx context.Context, chatID int64, messageID int) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	return a.bot.Unpin(&tele.Chat{ID: chatID}, messageID)
}

func (a *Adapter) Delete(ctx context.Context, chatID int64, messageID int) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	return a.bot.Delete(stored(chatID, messageID))
}

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML tags when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		// Prefer splitting on a newline near the end of the window.
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		// Don't split inside a tag for HTML parse mode.
		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
