// Package telegram delivers alert notifications and serves bot commands via the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/tickwatch/internal/command"
	"github.com/rewired-gh/tickwatch/internal/logger"
	"github.com/rewired-gh/tickwatch/internal/models"
)

// sender is the part of *tgbotapi.BotAPI used for outgoing messages.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications and commands.
type Client struct {
	bot            *tgbotapi.BotAPI
	sender         sender
	adminChatID    int64
	maxRetries     int
	retryDelayBase time.Duration
	log            *logger.Logger
}

// NewClient creates a new Telegram client. adminChatID receives operational notices.
func NewClient(botToken, adminChatID string, maxRetries int, retryDelayBase time.Duration, log *logger.Logger) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(adminChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	c := newClient(bot, chatIDInt, maxRetries, retryDelayBase, log)
	c.bot = bot
	return c, nil
}

func newClient(s sender, adminChatID int64, maxRetries int, retryDelayBase time.Duration, log *logger.Logger) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		sender:         s,
		adminChatID:    adminChatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		log:            log,
	}
}

// ListenForCommands starts a goroutine that polls for Telegram updates and dispatches bot
// commands. It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context, dispatcher *command.Dispatcher) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleMessage(ctx, dispatcher, update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleMessage(ctx context.Context, dispatcher *command.Dispatcher, msg *tgbotapi.Message) {
	name, args, ok := command.Parse(msg.Text)
	if !ok {
		return
	}

	userID := msg.Chat.ID
	if msg.From != nil {
		userID = msg.From.ID
	}

	reply, err := dispatcher.Dispatch(ctx, name, command.Request{
		UserID: userID,
		ChatID: msg.Chat.ID,
		Args:   args,
	})
	if err != nil {
		reply = replyForError(err)
		if reply == internalErrorReply {
			c.log.Error("Command /%s from %d failed: %v", name, userID, err)
		}
	}

	out := tgbotapi.NewMessage(msg.Chat.ID, reply)
	out.ReplyToMessageID = msg.MessageID
	if _, err := c.sender.Send(out); err != nil {
		c.log.Warn("Failed to reply to /%s in chat %d: %v", name, msg.Chat.ID, err)
	}
}

const internalErrorReply = "Something went wrong, please try again later."

func replyForError(err error) string {
	switch {
	case errors.Is(err, command.ErrUnknownCommand):
		return "Unknown command."
	case errors.Is(err, command.ErrPlanRequired):
		return "This command is not available on your plan."
	case errors.Is(err, command.ErrQuotaExceeded):
		return "Daily limit reached, try again tomorrow."
	case errors.Is(err, command.ErrUsage):
		return "Usage" + strings.TrimPrefix(err.Error(), command.ErrUsage.Error())
	case errors.Is(err, models.ErrNotFound):
		return "Alert not found."
	}
	return internalErrorReply
}

// Notify sends an alert notification to chatID. It implements the evaluator's notifier.
func (c *Client) Notify(ctx context.Context, chatID int64, text string) error {
	return c.sendMarkdownV2(ctx, chatID, "🔔 "+escapeMarkdownV2(text))
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.sender.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends an evaluation error notice to the admin chat.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(ctx context.Context, cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Alert evaluation error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(ctx, c.adminChatID, text)
}

// SendRecovery sends a recovery notice to the admin chat after consecutive failures.
func (c *Client) SendRecovery(ctx context.Context, failureCount int) error {
	text := fmt.Sprintf("✅ *Alert evaluation recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(ctx, c.adminChatID, text)
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
