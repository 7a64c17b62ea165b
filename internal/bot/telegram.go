package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"miitopia-bot/internal/chat"
	"miitopia-bot/internal/logging"
)

const telegramHelp = `Send me a picture, GIF or video and mention me (in private chats just send it).
I'll put music on it and send it back.

Add a link to pick the music:
• a direct link to an audio file
• a Spotify track link
Without a link I pick something from my library.`

// TelegramBot is the Telegram gateway.
type TelegramBot struct {
	tg   *tgbotapi.BotAPI
	http *http.Client
	log  *logging.Logger
}

func NewTelegramBot(token string, log *logging.Logger) (*TelegramBot, error) {
	if token == "" {
		return nil, errors.New("TELEGRAM_BOT_TOKEN is empty")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	api.Debug = false
	return &TelegramBot{tg: api, http: http.DefaultClient, log: log}, nil
}

func (b *TelegramBot) Name() string { return "telegram" }

func (b *TelegramBot) Listen(ctx context.Context) (<-chan chat.Message, error) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.tg.GetUpdatesChan(u)
	b.log.Infof("telegram bot started as @%s", b.tg.Self.UserName)

	out := make(chan chat.Message)
	go func() {
		defer close(out)
		defer b.tg.StopReceivingUpdates()
		for {
			select {
			case <-ctx.Done():
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				if upd.Message == nil {
					continue
				}
				if upd.Message.IsCommand() {
					b.handleCommand(upd.Message)
					continue
				}
				msg, ok := telegramMessage(upd.Message, b.tg.Self)
				if !ok {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start", "help":
		b.replyText(msg.Chat.ID, telegramHelp)
	}
}

// telegramMessage converts an update message. Messages with no media are
// dropped here since nothing downstream could use them.
func telegramMessage(m *tgbotapi.Message, self tgbotapi.User) (chat.Message, bool) {
	atts := telegramAttachments(m)
	if len(atts) == 0 {
		return chat.Message{}, false
	}

	text := m.Text
	if text == "" {
		text = m.Caption
	}
	msg := chat.Message{
		Platform:    "telegram",
		ID:          strconv.Itoa(m.MessageID),
		Text:        text,
		Attachments: atts,
	}
	if m.Chat != nil {
		msg.ChannelID = strconv.FormatInt(m.Chat.ID, 10)
	}
	if m.From != nil {
		msg.AuthorID = strconv.FormatInt(m.From.ID, 10)
		msg.AuthorName = m.From.UserName
		if msg.AuthorName == "" {
			msg.AuthorName = m.From.FirstName
		}
	}
	msg.Addressed = telegramAddressed(m, text, self)
	return msg, true
}

func telegramAddressed(m *tgbotapi.Message, text string, self tgbotapi.User) bool {
	if m.Chat != nil && m.Chat.IsPrivate() {
		return true
	}
	if self.UserName != "" && strings.Contains(strings.ToLower(text), "@"+strings.ToLower(self.UserName)) {
		return true
	}
	if r := m.ReplyToMessage; r != nil && r.From != nil && r.From.ID == self.ID {
		return true
	}
	return false
}

// telegramAttachments uses the file id as the attachment URL; the download
// link is only resolved when the file is fetched.
func telegramAttachments(m *tgbotapi.Message) []chat.Attachment {
	var atts []chat.Attachment
	if len(m.Photo) > 0 {
		// Sizes are sent smallest first.
		p := m.Photo[len(m.Photo)-1]
		atts = append(atts, chat.Attachment{
			ID:          p.FileID,
			Filename:    p.FileUniqueID + ".jpg",
			ContentType: "image/jpeg",
			URL:         p.FileID,
			Size:        int64(p.FileSize),
		})
	}
	if v := m.Video; v != nil {
		atts = append(atts, chat.Attachment{
			ID:          v.FileID,
			Filename:    orDefault(v.FileName, v.FileUniqueID+".mp4"),
			ContentType: orDefault(v.MimeType, "video/mp4"),
			URL:         v.FileID,
			Size:        int64(v.FileSize),
		})
	}
	if a := m.Animation; a != nil {
		// Telegram converts most GIFs to silent MP4s; keep the real type.
		ct := orDefault(a.MimeType, "video/mp4")
		atts = append(atts, chat.Attachment{
			ID:          a.FileID,
			Filename:    orDefault(a.FileName, a.FileUniqueID+".mp4"),
			ContentType: ct,
			URL:         a.FileID,
			Size:        int64(a.FileSize),
		})
	} else if d := m.Document; d != nil {
		if strings.HasPrefix(d.MimeType, "image/") || strings.HasPrefix(d.MimeType, "video/") {
			atts = append(atts, chat.Attachment{
				ID:          d.FileID,
				Filename:    d.FileName,
				ContentType: d.MimeType,
				URL:         d.FileID,
				Size:        int64(d.FileSize),
			})
		}
	}
	return atts
}

func (b *TelegramBot) Fetch(ctx context.Context, a chat.Attachment) (io.ReadCloser, error) {
	url, err := b.tg.GetFileDirectURL(a.URL)
	if err != nil {
		return nil, fmt.Errorf("telegram getFile: %w", err)
	}
	return b.downloadFile(ctx, url)
}

func (b *TelegramBot) downloadFile(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}

	response, err := b.http.Do(req)
	if err != nil {
		return nil, err
	}

	if response.StatusCode != http.StatusOK {
		response.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", response.StatusCode)
	}

	return response.Body, nil
}

func (b *TelegramBot) Reply(ctx context.Context, msg chat.Message, up chat.Upload) error {
	chatID, replyTo, err := telegramIDs(msg)
	if err != nil {
		return err
	}
	v := tgbotapi.NewVideo(chatID, tgbotapi.FilePath(up.Path))
	v.ReplyToMessageID = replyTo
	v.SupportsStreaming = true
	_, err = b.tg.Send(v)
	return err
}

func (b *TelegramBot) Notify(ctx context.Context, msg chat.Message, text string) error {
	chatID, replyTo, err := telegramIDs(msg)
	if err != nil {
		return err
	}
	m := tgbotapi.NewMessage(chatID, text)
	m.ReplyToMessageID = replyTo
	_, err = b.tg.Send(m)
	return err
}

func (b *TelegramBot) Typing(ctx context.Context, msg chat.Message) error {
	chatID, _, err := telegramIDs(msg)
	if err != nil {
		return err
	}
	_, err = b.tg.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatUploadVideo))
	return err
}

func (b *TelegramBot) replyText(chatID int64, text string) int {
	m := tgbotapi.NewMessage(chatID, text)
	sent, err := b.tg.Send(m)
	if err != nil {
		b.log.Errorf("telegram: send to %d: %v", chatID, err)
	}
	return sent.MessageID
}

func telegramIDs(msg chat.Message) (int64, int, error) {
	chatID, err := strconv.ParseInt(msg.ChannelID, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram chat id %q: %w", msg.ChannelID, err)
	}
	replyTo, _ := strconv.Atoi(msg.ID)
	return chatID, replyTo, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
