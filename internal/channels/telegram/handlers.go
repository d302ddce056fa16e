package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mymmrac/telego"

	"github.com/moziai/mozi/internal/bus"
)

// handleMessage maps one Telegram message onto the inbound envelope.
func (a *Adapter) handleMessage(ctx context.Context, message *telego.Message) {
	user := message.From
	if user == nil {
		return
	}
	if isServiceMessage(message) {
		return
	}

	userID := strconv.FormatInt(user.ID, 10)
	senderID := userID
	if user.Username != "" {
		senderID = userID + "|" + user.Username
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"
	peerKind := bus.PeerDM
	if isGroup {
		peerKind = bus.PeerGroup
	} else if message.Chat.Type == "channel" {
		peerKind = bus.PeerChannel
	}

	text := message.Text
	if text == "" {
		text = message.Caption
	}

	threadID := ""
	if message.Chat.IsForum && message.MessageThreadID != 0 {
		threadID = strconv.Itoa(message.MessageThreadID)
	}

	replyTo := ""
	if message.ReplyToMessage != nil {
		replyTo = strconv.Itoa(message.ReplyToMessage.MessageID)
	}

	msg := bus.InboundMessage{
		ID:          strconv.Itoa(message.MessageID),
		PeerID:      strconv.FormatInt(message.Chat.ID, 10),
		PeerKind:    peerKind,
		SenderID:    senderID,
		SenderName:  user.FirstName,
		ThreadID:    threadID,
		Text:        text,
		Media:       a.resolveMedia(ctx, message),
		ReplyTo:     replyTo,
		Timestamp:   time.Unix(int64(message.Date), 0),
		ProviderRaw: message,
	}

	a.Publish(msg)
}

// resolveMedia converts Telegram attachments into media envelopes. URLs are
// Bot API file-download URLs and are opaque outside this adapter.
func (a *Adapter) resolveMedia(ctx context.Context, message *telego.Message) []bus.MediaAttachment {
	var out []bus.MediaAttachment

	addFile := func(kind bus.MediaKind, fileID, mimeType, filename string, size int64, durationSec int) {
		url := a.fileURL(ctx, fileID)
		if url == "" {
			return
		}
		out = append(out, bus.MediaAttachment{
			Kind:       kind,
			URL:        url,
			MimeType:   mimeType,
			Filename:   filename,
			Caption:    message.Caption,
			SizeBytes:  size,
			DurationMs: durationSec * 1000,
		})
	}

	if len(message.Photo) > 0 {
		// Telegram sends several resolutions; the last is the largest.
		best := message.Photo[len(message.Photo)-1]
		addFile(bus.MediaPhoto, best.FileID, "image/jpeg", "", int64(best.FileSize), 0)
	}
	if message.Voice != nil {
		addFile(bus.MediaVoice, message.Voice.FileID, message.Voice.MimeType, "", message.Voice.FileSize, message.Voice.Duration)
	}
	if message.Audio != nil {
		addFile(bus.MediaAudio, message.Audio.FileID, message.Audio.MimeType, message.Audio.FileName, message.Audio.FileSize, message.Audio.Duration)
	}
	if message.Video != nil {
		addFile(bus.MediaVideo, message.Video.FileID, message.Video.MimeType, message.Video.FileName, message.Video.FileSize, message.Video.Duration)
	}
	if message.Document != nil {
		addFile(bus.MediaDocument, message.Document.FileID, message.Document.MimeType, message.Document.FileName, message.Document.FileSize, 0)
	}
	return out
}

func (a *Adapter) fileURL(ctx context.Context, fileID string) string {
	file, err := a.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		a.log.Warn("telegram: get file failed", "file_id", fileID, "error", err)
		return ""
	}
	return a.bot.FileDownloadURL(file.FilePath)
}

// isServiceMessage reports whether the message carries no user content
// (member joins, pins, title changes).
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if len(msg.Photo) > 0 || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil {
		return false
	}
	return true
}

// parseChatID converts the peer id back to Telegram's numeric chat id.
func parseChatID(peerID string) (int64, error) {
	id, err := strconv.ParseInt(peerID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", peerID, err)
	}
	return id, nil
}
