package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/samber/lo"

	"miitopia-bot/internal/chat"
	"miitopia-bot/internal/logging"
)

// DiscordBot is the Discord gateway. A message is addressed to the bot when it
// mentions the bot, or when someone reacts to it with the trigger emoji.
type DiscordBot struct {
	dg      *discordgo.Session
	http    *http.Client
	trigger string
	log     *logging.Logger
}

func NewDiscordBot(token, triggerEmoji string, log *logging.Logger) (*DiscordBot, error) {
	if token == "" {
		return nil, errors.New("DISCORD_TOKEN is empty")
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsMessageContent
	return &DiscordBot{dg: dg, http: http.DefaultClient, trigger: triggerEmoji, log: log}, nil
}

func (b *DiscordBot) Name() string { return "discord" }

func (b *DiscordBot) Listen(ctx context.Context) (<-chan chat.Message, error) {
	out := make(chan chat.Message, 16)
	done := ctx.Done()

	// Handlers run on their own goroutines and may outlive ctx; closed guards
	// the channel against late sends.
	var mu sync.Mutex
	closed := false
	emit := func(msg chat.Message) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- msg:
		case <-done:
		}
	}

	removeReady := b.dg.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		b.log.Infof("discord bot started as %s", r.User.String())
	})
	removeCreate := b.dg.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		self := b.selfID()
		if m.Author == nil || m.Author.ID == self || m.Author.Bot {
			return
		}
		msg, ok := discordMessage(m.Message, self, false)
		if ok {
			emit(msg)
		}
	})
	removeReact := b.dg.AddHandler(func(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
		if b.trigger == "" || r.Emoji.Name != b.trigger || r.UserID == b.selfID() {
			return
		}
		m, err := s.ChannelMessage(r.ChannelID, r.MessageID, discordgo.WithContext(ctx))
		if err != nil {
			b.log.Errorf("discord: fetch reacted message %s: %v", r.MessageID, err)
			return
		}
		if m.GuildID == "" {
			m.GuildID = r.GuildID
		}
		msg, ok := discordMessage(m, b.selfID(), true)
		if ok {
			b.log.Infof("discord: %s triggered message %s with :%s:", r.UserID, r.MessageID, b.trigger)
			emit(msg)
		}
	})

	if err := b.dg.Open(); err != nil {
		removeReady()
		removeCreate()
		removeReact()
		return nil, fmt.Errorf("discord open: %w", err)
	}

	go func() {
		<-done
		removeReady()
		removeCreate()
		removeReact()
		if err := b.dg.Close(); err != nil {
			b.log.Errorf("discord close: %v", err)
		}
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

func (b *DiscordBot) selfID() string {
	if b.dg.State == nil || b.dg.State.User == nil {
		return ""
	}
	return b.dg.State.User.ID
}

// discordMessage converts a gateway message. Messages with no attachments are
// dropped.
func discordMessage(m *discordgo.Message, selfID string, triggered bool) (chat.Message, bool) {
	if len(m.Attachments) == 0 {
		return chat.Message{}, false
	}
	msg := chat.Message{
		Platform:  "discord",
		ID:        m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Text:      m.Content,
		Addressed: triggered || mentions(m, selfID),
		Attachments: lo.Map(m.Attachments, func(a *discordgo.MessageAttachment, _ int) chat.Attachment {
			return chat.Attachment{
				ID:          a.ID,
				Filename:    a.Filename,
				ContentType: a.ContentType,
				URL:         a.URL,
				Size:        int64(a.Size),
			}
		}),
	}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		msg.AuthorName = m.Author.Username
	}
	return msg, true
}

func mentions(m *discordgo.Message, selfID string) bool {
	if selfID == "" {
		return false
	}
	return lo.ContainsBy(m.Mentions, func(u *discordgo.User) bool {
		return u != nil && u.ID == selfID
	})
}

func (b *DiscordBot) Fetch(ctx context.Context, a chat.Attachment) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (b *DiscordBot) Reply(ctx context.Context, msg chat.Message, up chat.Upload) error {
	f, err := os.Open(up.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = b.dg.ChannelMessageSendComplex(msg.ChannelID, &discordgo.MessageSend{
		Files: []*discordgo.File{{
			Name:        up.Name,
			ContentType: up.ContentType,
			Reader:      f,
		}},
		Reference:       discordRef(msg),
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}, discordgo.WithContext(ctx))
	return err
}

func (b *DiscordBot) Notify(ctx context.Context, msg chat.Message, text string) error {
	_, err := b.dg.ChannelMessageSendComplex(msg.ChannelID, &discordgo.MessageSend{
		Content:         text,
		Reference:       discordRef(msg),
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}, discordgo.WithContext(ctx))
	return err
}

func (b *DiscordBot) Typing(ctx context.Context, msg chat.Message) error {
	return b.dg.ChannelTyping(msg.ChannelID, discordgo.WithContext(ctx))
}

func discordRef(msg chat.Message) *discordgo.MessageReference {
	return &discordgo.MessageReference{
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		GuildID:   msg.GuildID,
	}
}
