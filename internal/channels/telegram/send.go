package telegram

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mymmrac/telego"

	"github.com/moziai/mozi/internal/bus"
	"github.com/moziai/mozi/internal/channels"
)

// Telegram caps message text at 4096 characters.
const maxMessageLen = 4096

// Send delivers one outbound message, converting Markdown to Telegram HTML
// and splitting over-long text. Returns the id of the last sent message so
// streamed edits land on the visible tail.
func (a *Adapter) Send(ctx context.Context, peerID string, msg bus.OutboundMessage) (string, error) {
	chatID, err := parseChatID(peerID)
	if err != nil {
		return "", err
	}

	html := MarkdownToTelegramHTML(msg.Text)
	chunks := channels.ChunkText(html, maxMessageLen)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	lastID := ""
	for i, chunk := range chunks {
		params := &telego.SendMessageParams{
			ChatID:              telego.ChatID{ID: chatID},
			Text:                chunk,
			ParseMode:           telego.ModeHTML,
			DisableNotification: msg.Silent,
		}
		// Reply linkage and buttons attach to the first and last chunk
		// respectively.
		if i == 0 && msg.ReplyTo != "" {
			if replyID, err := strconv.Atoi(msg.ReplyTo); err == nil {
				params.ReplyParameters = &telego.ReplyParameters{MessageID: replyID}
			}
		}
		if i == len(chunks)-1 && len(msg.Buttons) > 0 {
			params.ReplyMarkup = buildKeyboard(msg.Buttons)
		}

		sent, err := a.bot.SendMessage(ctx, params)
		if err != nil {
			// HTML that fails Telegram's parser degrades to plain text.
			params.ParseMode = ""
			params.Text = chunk
			sent, err = a.bot.SendMessage(ctx, params)
			if err != nil {
				return lastID, fmt.Errorf("telegram send: %w", err)
			}
		}
		lastID = strconv.Itoa(sent.MessageID)
	}
	return lastID, nil
}

// EditMessage rewrites a previously sent message in place. Used for streamed
// reply previews.
func (a *Adapter) EditMessage(ctx context.Context, messageID, peerID, text string) error {
	chatID, err := parseChatID(peerID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid telegram message id %q: %w", messageID, err)
	}

	html := MarkdownToTelegramHTML(text)
	if len(html) > maxMessageLen {
		html = html[:maxMessageLen]
	}
	_, err = a.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    telego.ChatID{ID: chatID},
		MessageID: msgID,
		Text:      html,
		ParseMode: telego.ModeHTML,
	})
	if err != nil {
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

// React sets an emoji reaction on a message.
func (a *Adapter) React(ctx context.Context, messageID, peerID, emoji string) error {
	chatID, err := parseChatID(peerID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid telegram message id %q: %w", messageID, err)
	}
	err = a.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    telego.ChatID{ID: chatID},
		MessageID: msgID,
		Reaction: []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: emoji},
		},
	})
	if err != nil {
		return fmt.Errorf("telegram react: %w", err)
	}
	return nil
}

func buildKeyboard(rows [][]bus.Button) *telego.InlineKeyboardMarkup {
	markup := &telego.InlineKeyboardMarkup{}
	for _, row := range rows {
		var btns []telego.InlineKeyboardButton
		for _, b := range row {
			btns = append(btns, telego.InlineKeyboardButton{
				Text:         b.Text,
				CallbackData: b.CallbackData,
				URL:          b.URL,
			})
		}
		markup.InlineKeyboard = append(markup.InlineKeyboard, btns)
	}
	return markup
}
