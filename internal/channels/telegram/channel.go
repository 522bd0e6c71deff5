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
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/robunhq/robun/internal/bus"
	"github.com/robunhq/robun/internal/channels"
	"github.com/robunhq/robun/internal/config"
)

// Channel is the Telegram adapter.
type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", msgBus, cfg.AllowList),
		bot:         bot,
	}, nil
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}
	slog.Info("telegram bot connected")

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				c.handleUpdate(update)
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the update goroutine to exit.
func (c *Channel) Stop(ctx context.Context) error {
	if c.pollCancel == nil {
		return nil
	}
	c.pollCancel()
	select {
	case <-c.pollDone:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
	}
	return nil
}

func (c *Channel) handleUpdate(update telego.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	if content == "" {
		return
	}

	senderID := strconv.FormatInt(msg.From.ID, 10)
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	c.HandleMessage(senderID, chatID, content, nil, time.Now().UnixMilli())
}

// Send delivers one outbound event as a Telegram message.
func (c *Channel) Send(ctx context.Context, ev bus.OutboundEvent) error {
	chatID, err := strconv.ParseInt(ev.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", ev.ChatID, err)
	}
	_, err = c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), ev.Content))
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
