package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/qwer2003tw/bouncer/internal/core"
)

// Telegram implements core.Notifier over the Bot API. One bot, one approver
// chat; callbacks arrive on the gateway's webhook, not through polling.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger zerolog.Logger
}

// NewTelegram connects the bot.
func NewTelegram(token string, chatID int64, logger zerolog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	logger.Info().Str("username", bot.Self.UserName).Msg("telegram bot connected")
	return &Telegram{bot: bot, chatID: chatID, logger: logger}, nil
}

// SendApproval posts an approval message with its button rows and returns the
// message id for later edits.
func (t *Telegram) SendApproval(ctx context.Context, msg core.ApprovalMessage) (int, error) {
	m := tgbotapi.NewMessage(t.chatID, msg.Body)
	m.ParseMode = tgbotapi.ModeMarkdownV2
	m.ReplyMarkup = keyboard(msg.Buttons)

	sent, err := t.bot.Send(m)
	if err != nil {
		// MarkdownV2 rejections fall back to plain text so the approver still
		// sees the request.
		m.ParseMode = ""
		m.Text = msg.Body
		sent, err = t.bot.Send(m)
		if err != nil {
			return 0, fmt.Errorf("sending approval message: %w", err)
		}
	}
	return sent.MessageID, nil
}

// EditMessage replaces a posted message's text and drops its buttons.
func (t *Telegram) EditMessage(ctx context.Context, messageID int, text string) error {
	edit := tgbotapi.NewEditMessageText(t.chatID, messageID, text)
	edit.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := t.bot.Send(edit); err != nil {
		edit.ParseMode = ""
		if _, err := t.bot.Send(edit); err != nil {
			return fmt.Errorf("editing message %d: %w", messageID, err)
		}
	}
	return nil
}

// AnswerCallback acknowledges a button press with a toast.
func (t *Telegram) AnswerCallback(ctx context.Context, callbackID, toast string) error {
	cb := tgbotapi.NewCallback(callbackID, toast)
	if _, err := t.bot.Request(cb); err != nil {
		return fmt.Errorf("answering callback: %w", err)
	}
	return nil
}

// SendSilent posts a message without notification sound; used for presigned
// issuance notices and result pages.
func (t *Telegram) SendSilent(ctx context.Context, text string) error {
	m := tgbotapi.NewMessage(t.chatID, text)
	m.ParseMode = tgbotapi.ModeMarkdownV2
	m.DisableNotification = true
	if _, err := t.bot.Send(m); err != nil {
		m.ParseMode = ""
		m.Text = text
		if _, err := t.bot.Send(m); err != nil {
			return fmt.Errorf("sending silent message: %w", err)
		}
	}
	return nil
}

func keyboard(rows [][]core.Button) tgbotapi.InlineKeyboardMarkup {
	var kb [][]tgbotapi.InlineKeyboardButton
	for _, row := range rows {
		var r []tgbotapi.InlineKeyboardButton
		for _, b := range row {
			r = append(r, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
		}
		kb = append(kb, r)
	}
	return tgbotapi.NewInlineKeyboardMarkup(kb...)
}
