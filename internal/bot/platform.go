package bot

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Platform implementation over the Telegram API. Failures that mean
// "already done" (user gone, message gone) are swallowed so the state
// machine can treat cleanup as idempotent.

func (b *Bot) Restrict(ctx context.Context, chatID, userID int64) error {
	cfg := tgbotapi.RestrictChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
		// All permissions false: read-only until the challenge is passed.
		Permissions: &tgbotapi.ChatPermissions{},
	}
	return b.permanentTolerant("restrict", chatID, userID, cfg)
}

func (b *Bot) Unrestrict(ctx context.Context, chatID, userID int64) error {
	cfg := tgbotapi.RestrictChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
		Permissions: &tgbotapi.ChatPermissions{
			CanSendMessages:       true,
			CanSendMediaMessages:  true,
			CanSendOtherMessages:  true,
			CanAddWebPagePreviews: true,
		},
	}
	return b.permanentTolerant("unrestrict", chatID, userID, cfg)
}

func (b *Bot) Ban(ctx context.Context, chatID, userID int64) error {
	cfg := tgbotapi.BanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
	}
	return b.permanentTolerant("ban", chatID, userID, cfg)
}

// Kick is ban immediately followed by unban: the user is out but may
// rejoin and face a fresh challenge.
func (b *Bot) Kick(ctx context.Context, chatID, userID int64) error {
	if err := b.Ban(ctx, chatID, userID); err != nil {
		return err
	}
	cfg := tgbotapi.UnbanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
		OnlyIfBanned:     true,
	}
	return b.permanentTolerant("unban", chatID, userID, cfg)
}

func (b *Bot) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	cfg := tgbotapi.NewDeleteMessage(chatID, messageID)
	return b.permanentTolerant("delete_message", chatID, 0, cfg)
}

func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	sent, err := b.api.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to send message: %w", err)
	}
	return sent.MessageID, nil
}

func (b *Bot) SendChallenge(ctx context.Context, chatID, userID int64, text string, options []string) (int, error) {
	// Two buttons per row, like a quiz keyboard.
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for _, option := range options {
		data := fmt.Sprintf("answer_%d_%d_%s", chatID, userID, option)
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(option, data))
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableNotification = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)

	sent, err := b.api.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to send challenge: %w", err)
	}
	return sent.MessageID, nil
}

func (b *Bot) EditMessage(ctx context.Context, chatID int64, messageID int, text string) error {
	cfg := tgbotapi.NewEditMessageText(chatID, messageID, text)
	cfg.ParseMode = tgbotapi.ModeHTML
	return b.permanentTolerant("edit_message", chatID, 0, cfg)
}

func (b *Bot) permanentTolerant(op string, chatID, userID int64, cfg tgbotapi.Chattable) error {
	_, err := b.api.Request(cfg)
	if err == nil {
		return nil
	}
	if isPermanentError(err) {
		b.logger.Debug("Platform action already satisfied",
			zap.String("op", op),
			zap.Int64("chat_id", chatID),
			zap.Int64("user_id", userID),
			zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s failed: %w", op, err)
}

// isPermanentError reports failures that cannot succeed on retry
// because the world already moved on.
func isPermanentError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"message to delete not found",
		"message can't be deleted",
		"message is not modified",
		"message to edit not found",
		"user not found",
		"user_not_participant",
		"participant_id_invalid",
		"user is deactivated",
		"chat member status can't be changed",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
