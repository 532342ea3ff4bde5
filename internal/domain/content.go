package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

const (
	MediaPhoto     = "photo"
	MediaVideo     = "video"
	MediaAnimation = "animation"
	MediaDocument  = "document"
	MediaAudio     = "audio"
)

// Content references the message a task publishes.
//
// A single message is addressed by (SourceChatID, MessageID). An album keeps the
// ordered list of parts with their cached file references so it can be rebuilt
// when the originals are gone.
type Content struct {
	SourceChatID int64       `json:"source_chat_id,omitempty"`
	MessageID    int         `json:"message_id,omitempty"`
	Text         string      `json:"text,omitempty"`
	Album        []MediaItem `json:"album,omitempty"`
	Forwarded    bool        `json:"forwarded,omitempty"`
	Buttons      [][]Button  `json:"buttons,omitempty"`

	// Entities format Text. Offsets are in UTF-16 code units.
	Entities []Entity `json:"entities,omitempty"`
}

type MediaItem struct {
	Kind      string `json:"type"`
	FileID    string `json:"file_id"`
	Caption   string `json:"caption,omitempty"`
	Spoiler   bool   `json:"spoiler,omitempty"`
	MessageID int    `json:"message_id,omitempty"`
}

type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Entity is one formatting span of a message text or caption.
type Entity struct {
	Type     string `json:"type"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
	URL      string `json:"url,omitempty"`
	Language string `json:"language,omitempty"`
}

// albumGroup names the kinds Telegram lets share one media group. Animations
// travel as documents.
func albumGroup(kind string) string {
	switch kind {
	case MediaPhoto, MediaVideo:
		return "visual"
	case MediaAnimation, MediaDocument:
		return MediaDocument
	default:
		return kind
	}
}

func (c Content) IsEmpty() bool { return c.MessageID == 0 && len(c.Album) == 0 }

func (c Content) IsAlbum() bool { return len(c.Album) > 0 }

// MessageIDs lists the source message ids in publish order.
func (c Content) MessageIDs() []int {
	if !c.IsAlbum() {
		if c.MessageID == 0 {
			return nil
		}
		return []int{c.MessageID}
	}
	out := make([]int, 0, len(c.Album))
	for _, it := range c.Album {
		if it.MessageID != 0 {
			out = append(out, it.MessageID)
		}
	}
	return out
}

func (c Content) Clone() Content {
	cp := c
	if c.Album != nil {
		cp.Album = append([]MediaItem(nil), c.Album...)
	}
	if c.Entities != nil {
		cp.Entities = append([]Entity(nil), c.Entities...)
	}
	if c.Buttons != nil {
		cp.Buttons = make([][]Button, len(c.Buttons))
		for i, row := range c.Buttons {
			cp.Buttons[i] = append([]Button(nil), row...)
		}
	}
	return cp
}

func (c Content) Encode() (string, error) {
	if c.IsEmpty() {
		return "", nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode content: %w", err)
	}
	return string(b), nil
}

func DecodeContent(s string) (Content, error) {
	var c Content
	if s == "" {
		return c, nil
	}
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return Content{}, fmt.Errorf("decode content: %w", err)
	}
	return c, nil
}

// TruncateCaption cuts s to at most limit runes.
func TruncateCaption(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit])
}

// AppendSignature adds sig on a new paragraph, keeping the result within limit runes.
// The body is shortened first so the signature always survives.
func AppendSignature(body, sig string, limit int) string {
	if sig == "" {
		return body
	}
	if body == "" {
		return TruncateCaption(sig, limit)
	}
	sep := "\n\n"
	if limit > 0 {
		room := limit - utf8.RuneCountInString(sig) - utf8.RuneCountInString(sep)
		if room <= 0 {
			return TruncateCaption(sig, limit)
		}
		body = TruncateCaption(body, room)
	}
	return body + sep + sig
}

// SignText appends sig to body like AppendSignature and keeps the entities
// that still fall inside the kept part of body, clipping the last one.
func SignText(body string, ents []Entity, sig string, limit int) (string, []Entity) {
	text := AppendSignature(body, sig, limit)
	kept := text
	if sig != "" {
		kept = strings.TrimSuffix(strings.TrimSuffix(text, sig), "\n\n")
		if !strings.HasPrefix(body, kept) {
			kept = ""
		}
	}
	n := len(utf16.Encode([]rune(kept)))
	var out []Entity
	for _, e := range ents {
		if e.Offset >= n || e.Length <= 0 {
			continue
		}
		if e.Offset+e.Length > n {
			e.Length = n - e.Offset
		}
		out = append(out, e)
	}
	return text, out
}
