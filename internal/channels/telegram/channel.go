// Package telegram connects the runtime to the Telegram Bot API using long
// polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mymmrac/telego"

	"github.com/moziai/mozi/internal/bus"
	"github.com/moziai/mozi/internal/channels"
	"github.com/moziai/mozi/internal/config"
)

const ChannelID = "telegram"

// Adapter is the Telegram channel adapter.
type Adapter struct {
	*channels.BaseAdapter

	bot    *telego.Bot
	cfg    config.TelegramConfig
	log    *slog.Logger
	typing *channels.TypingController

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New builds the adapter from config.
func New(cfg config.TelegramConfig, router bus.MessageRouter, log *slog.Logger) (*Adapter, error) {
	if log == nil {
		log = slog.Default()
	}
	bot, err := telego.NewBot(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter(ChannelID, "Telegram", router, cfg.AllowedChats),
		bot:         bot,
		cfg:         cfg,
		log:         log,
		typing:      channels.NewTypingController(),
	}, nil
}

// Connect starts long polling. The polling goroutine is supervised with
// jittered backoff until ctx is cancelled.
func (a *Adapter) Connect(ctx context.Context) error {
	a.SetStatus(bus.StatusConnecting)

	pollCtx, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	go func() {
		defer close(a.pollDone)
		err := channels.Supervise(pollCtx, a.log, ChannelID, a.poll, nil)
		if err != nil && pollCtx.Err() == nil {
			a.SetStatus(bus.StatusError)
			return
		}
		a.SetStatus(bus.StatusDisconnected)
	}()
	return nil
}

// poll runs one long-polling session until the updates channel closes or the
// context ends. Returning an error re-enters the supervisor's backoff loop.
func (a *Adapter) poll(ctx context.Context) error {
	updates, err := a.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.SetStatus(bus.StatusConnected)
	a.log.Info("telegram: connected", "username", a.bot.Username())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram updates channel closed")
			}
			if update.Message != nil {
				a.handleMessage(ctx, update.Message)
			}
		}
	}
}

// Disconnect cancels polling and waits for the poll goroutine to exit so
// Telegram releases the getUpdates lock.
func (a *Adapter) Disconnect(ctx context.Context) error {
	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.pollDone != nil {
		select {
		case <-a.pollDone:
		case <-time.After(10 * time.Second):
			a.log.Warn("telegram: polling goroutine did not exit within timeout")
		}
	}
	a.SetStatus(bus.StatusDisconnected)
	return nil
}

// BeginTyping keeps the "typing..." chat action alive until the returned
// stop is called. Telegram auto-expires the action after ~5s, so the
// controller refreshes it on a ticker.
func (a *Adapter) BeginTyping(peerID string) func() {
	return a.typing.Acquire(peerID, func(peer string) func() {
		chatID, err := strconv.ParseInt(peer, 10, 64)
		if err != nil {
			return func() {}
		}
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			ticker := time.NewTicker(4 * time.Second)
			defer ticker.Stop()
			for {
				_ = a.bot.SendChatAction(ctx, &telego.SendChatActionParams{
					ChatID: telego.ChatID{ID: chatID},
					Action: telego.ChatActionTyping,
				})
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
