// Package discord connects the runtime to the Discord gateway.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/moziai/mozi/internal/bus"
	"github.com/moziai/mozi/internal/channels"
	"github.com/moziai/mozi/internal/config"
)

const ChannelID = "discord"

// Discord caps message content at 2000 characters.
const maxMessageLen = 2000

// Adapter is the Discord channel adapter.
type Adapter struct {
	*channels.BaseAdapter

	session   *discordgo.Session
	cfg       config.DiscordConfig
	log       *slog.Logger
	typing    *channels.TypingController
	botUserID string
}

// New builds the adapter from config.
func New(cfg config.DiscordConfig, router bus.MessageRouter, log *slog.Logger) (*Adapter, error) {
	if log == nil {
		log = slog.Default()
	}
	session, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter(ChannelID, "Discord", router, cfg.AllowedChats),
		session:     session,
		cfg:         cfg,
		log:         log,
		typing:      channels.NewTypingController(),
	}, nil
}

// Connect opens the gateway session under the reconnect supervisor. A fatal
// auth error (invalid token, 401/403) disables reconnection and leaves the
// adapter in the error status so it cannot storm the gateway.
func (a *Adapter) Connect(ctx context.Context) error {
	a.SetStatus(bus.StatusConnecting)
	a.session.AddHandler(a.handleMessage)

	go func() {
		err := channels.Supervise(ctx, a.log, ChannelID, a.open, isFatalAuth)
		if err != nil && ctx.Err() == nil {
			a.session.ShouldReconnectOnError = false
			a.SetStatus(bus.StatusError)
			a.log.Error("discord: giving up", "error", err)
		}
	}()
	return nil
}

func (a *Adapter) open(ctx context.Context) error {
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := a.session.User("@me")
	if err != nil {
		a.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	a.botUserID = user.ID
	a.SetStatus(bus.StatusConnected)
	a.log.Info("discord: connected", "username", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the gateway session.
func (a *Adapter) Disconnect(ctx context.Context) error {
	err := a.session.Close()
	a.SetStatus(bus.StatusDisconnected)
	return err
}

// Send delivers an outbound message, chunked under the 2000-char limit.
// Returns the id of the last message sent.
func (a *Adapter) Send(ctx context.Context, peerID string, msg bus.OutboundMessage) (string, error) {
	chunks := channels.ChunkText(msg.Text, maxMessageLen)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	lastID := ""
	for i, chunk := range chunks {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 && msg.ReplyTo != "" {
			send.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: peerID}
		}
		sent, err := a.session.ChannelMessageSendComplex(peerID, send)
		if err != nil {
			return lastID, fmt.Errorf("discord send: %w", err)
		}
		lastID = sent.ID
	}
	return lastID, nil
}

// EditMessage rewrites a sent message in place for streamed previews.
func (a *Adapter) EditMessage(ctx context.Context, messageID, peerID, text string) error {
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen]
	}
	if _, err := a.session.ChannelMessageEdit(peerID, messageID, text); err != nil {
		return fmt.Errorf("discord edit: %w", err)
	}
	return nil
}

// React adds an emoji reaction to a message.
func (a *Adapter) React(ctx context.Context, messageID, peerID, emoji string) error {
	if err := a.session.MessageReactionAdd(peerID, messageID, emoji); err != nil {
		return fmt.Errorf("discord react: %w", err)
	}
	return nil
}

// BeginTyping keeps the typing indicator alive until the returned stop is
// called. Discord expires the indicator after 10s, so refresh every 9s.
func (a *Adapter) BeginTyping(peerID string) func() {
	return a.typing.Acquire(peerID, func(peer string) func() {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			ticker := time.NewTicker(9 * time.Second)
			defer ticker.Stop()
			for {
				_ = a.session.ChannelTyping(peer)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
		return cancel
	})
}

// handleMessage maps one gateway message onto the inbound envelope.
func (a *Adapter) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == a.botUserID || m.Author.Bot {
		return
	}

	peerKind := bus.PeerGroup
	if m.GuildID == "" {
		peerKind = bus.PeerDM
	}

	var media []bus.MediaAttachment
	for _, att := range m.Attachments {
		media = append(media, bus.MediaAttachment{
			Kind:      mediaKind(att.ContentType),
			URL:       att.URL,
			MimeType:  att.ContentType,
			Filename:  att.Filename,
			SizeBytes: int64(att.Size),
		})
	}

	replyTo := ""
	if m.MessageReference != nil {
		replyTo = m.MessageReference.MessageID
	}

	a.Publish(bus.InboundMessage{
		ID:          m.ID,
		PeerID:      m.ChannelID,
		PeerKind:    peerKind,
		SenderID:    m.Author.ID,
		SenderName:  displayName(m),
		AccountID:   m.GuildID,
		Text:        m.Content,
		Media:       media,
		ReplyTo:     replyTo,
		Timestamp:   m.Timestamp,
		ProviderRaw: m.Message,
	})
}

func mediaKind(contentType string) bus.MediaKind {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return bus.MediaPhoto
	case strings.HasPrefix(contentType, "video/"):
		return bus.MediaVideo
	case strings.HasPrefix(contentType, "audio/"):
		return bus.MediaAudio
	default:
		return bus.MediaDocument
	}
}

// displayName prefers server nickname, then global name, then username.
func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// isFatalAuth reports whether the connect error is an auth failure that must
// not be retried.
func isFatalAuth(err error) bool {
	if errors.Is(err, discordgo.ErrUnauthorized) {
		return true
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		code := restErr.Response.StatusCode
		return code == 401 || code == 403
	}
	msg := err.Error()
	return strings.Contains(msg, "Authentication failed") || strings.Contains(msg, "invalid token")
}
