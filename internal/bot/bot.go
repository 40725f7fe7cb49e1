package bot

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/askarov/gatekeeper-bot/internal/challenge"
	"github.com/askarov/gatekeeper-bot/internal/gate"
	"github.com/askarov/gatekeeper-bot/internal/messages"
)

// Bot is the Telegram transport: it turns updates into gate events and
// implements the gate's Platform action surface on the same API client.
type Bot struct {
	api          *tgbotapi.BotAPI
	gate         *gate.Gate
	allowedChats map[int64]struct{}
	logger       *zap.Logger
	wg           sync.WaitGroup
}

func New(token string, allowedChats []int64, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &Bot{
		api:    api,
		logger: logger,
	}
	if len(allowedChats) > 0 {
		b.allowedChats = make(map[int64]struct{}, len(allowedChats))
		for _, id := range allowedChats {
			b.allowedChats[id] = struct{}{}
		}
	}
	return b, nil
}

// AttachGate wires the coordination layer in. Separate from New because
// the gate needs the bot as its Platform first.
func (b *Bot) AttachGate(g *gate.Gate) {
	b.gate = g
}

// Start consumes updates until ctx is cancelled, then waits for
// in-flight handlers to drain.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	u.AllowedUpdates = []string{"message", "chat_member", "my_chat_member", "callback_query"}

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Bot started", zap.String("username", b.api.Self.UserName))

	b.run(ctx, updates)
	if ctx.Err() != nil {
		b.api.StopReceivingUpdates()
	}
	b.wg.Wait()
	b.logger.Info("Bot stopped")
	return nil
}

// run dispatches updates until ctx is cancelled or the channel closes.
// Handlers get a context detached from ctx: a shutdown signal stops the
// dispatch loop but must not abort store writes already in flight, so
// cancellation would leave a restricted user with no stored challenge.
func (b *Bot) run(ctx context.Context, updates <-chan tgbotapi.Update) {
	handlerCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.wg.Add(1)
			go func(update tgbotapi.Update) {
				defer b.wg.Done()
				b.handleUpdate(handlerCtx, update)
			}(update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.ChatMember != nil:
		b.handleChatMember(ctx, update.ChatMember)
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bot) chatAllowed(chatID int64) bool {
	if b.allowedChats == nil {
		return true
	}
	_, ok := b.allowedChats[chatID]
	return ok
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	chat := message.Chat
	if chat == nil || !b.chatAllowed(chat.ID) {
		return
	}

	if len(message.NewChatMembers) > 0 {
		for _, member := range message.NewChatMembers {
			if member.IsBot {
				continue
			}
			b.processJoin(ctx, chat, member)
		}
		return
	}

	if message.LeftChatMember != nil && !message.LeftChatMember.IsBot {
		if err := b.gate.HandleLeave(ctx, chat.ID, message.LeftChatMember.ID); err != nil {
			b.logger.Error("Failed to handle leave",
				zap.Error(err),
				zap.Int64("chat_id", chat.ID),
				zap.Int64("user_id", message.LeftChatMember.ID))
		}
		return
	}

	if message.From == nil || message.From.IsBot || !chat.IsSuperGroup() {
		return
	}
	text := message.Text
	if text == "" {
		text = message.Caption
	}
	if text == "" {
		return
	}

	if err := b.gate.HandleMessage(ctx, chat.ID, message.From.ID, message.MessageID, text); err != nil {
		b.logger.Error("Failed to handle message",
			zap.Error(err),
			zap.Int64("chat_id", chat.ID),
			zap.Int64("user_id", message.From.ID))
	}
}

func (b *Bot) handleChatMember(ctx context.Context, update *tgbotapi.ChatMemberUpdated) {
	if !b.chatAllowed(update.Chat.ID) {
		return
	}

	oldStatus := update.OldChatMember.Status
	newStatus := update.NewChatMember.Status
	user := update.NewChatMember.User
	if user == nil || user.IsBot {
		return
	}

	gone := func(status string) bool { return status == "left" || status == "kicked" }

	switch {
	case gone(oldStatus) && newStatus == "member":
		b.processJoin(ctx, &update.Chat, *user)
	case gone(newStatus):
		if err := b.gate.HandleLeave(ctx, update.Chat.ID, user.ID); err != nil {
			b.logger.Error("Failed to handle leave",
				zap.Error(err),
				zap.Int64("chat_id", update.Chat.ID),
				zap.Int64("user_id", user.ID))
		}
	}
}

func (b *Bot) processJoin(ctx context.Context, chat *tgbotapi.Chat, user tgbotapi.User) {
	if !chat.IsSuperGroup() {
		b.logger.Warn("Cannot restrict members outside a supergroup",
			zap.Int64("chat_id", chat.ID))
		if _, err := b.SendMessage(ctx, chat.ID, messages.ErrNotSupergroup); err != nil {
			b.logger.Error("Failed to send supergroup warning", zap.Error(err))
		}
		return
	}

	b.logger.Info("Processing new member",
		zap.Int64("chat_id", chat.ID),
		zap.Int64("user_id", user.ID),
		zap.String("username", user.UserName))

	if err := b.gate.HandleJoin(ctx, chat.ID, user.ID, mentionHTML(user)); err != nil {
		b.logger.Error("Failed to handle join",
			zap.Error(err),
			zap.Int64("chat_id", chat.ID),
			zap.Int64("user_id", user.ID))
	}
}

func (b *Bot) handleCallback(ctx context.Context, query *tgbotapi.CallbackQuery) {
	chatID, userID, token, err := parseCallbackData(query.Data)
	if err != nil {
		b.logger.Warn("Invalid callback data", zap.String("data", query.Data))
		b.answerCallback(query.ID, messages.InvalidCallback, true)
		return
	}

	// Only the challenged user may press the buttons.
	if query.From == nil || query.From.ID != userID {
		b.answerCallback(query.ID, messages.ChallengeNotForYou, true)
		return
	}

	chatTitle := ""
	if query.Message != nil && query.Message.Chat != nil {
		chatTitle = query.Message.Chat.Title
	}

	out, err := b.gate.HandleAnswer(ctx, chatID, userID, token, mentionHTML(*query.From), chatTitle)
	if err != nil {
		b.logger.Error("Failed to handle answer",
			zap.Error(err),
			zap.Int64("chat_id", chatID),
			zap.Int64("user_id", userID))
		b.answerCallback(query.ID, messages.GenericError, true)
		return
	}

	switch out.Kind {
	case challenge.OutcomePassed:
		// Welcome text already replaced the prompt; no popup needed.
		b.answerCallback(query.ID, "", false)
	case challenge.OutcomeRetry:
		b.answerCallback(query.ID, messages.WrongAnswerWithAttempts(out.AttemptsRemaining), true)
	case challenge.OutcomeFailed:
		b.answerCallback(query.ID, messages.MaxAttemptsReached, true)
	default:
		b.answerCallback(query.ID, messages.ChallengeExpired, true)
	}
}

func (b *Bot) answerCallback(callbackID, text string, alert bool) {
	var cb tgbotapi.CallbackConfig
	if alert {
		cb = tgbotapi.NewCallbackWithAlert(callbackID, text)
	} else {
		cb = tgbotapi.NewCallback(callbackID, text)
	}
	if _, err := b.api.Request(cb); err != nil {
		b.logger.Warn("Failed to answer callback", zap.Error(err))
	}
}

// parseCallbackData splits "answer_<chat>_<user>_<token>". Chat ids are
// negative for groups, hence SplitN from the left.
func parseCallbackData(data string) (chatID, userID int64, token string, err error) {
	parts := strings.SplitN(data, "_", 4)
	if len(parts) != 4 || parts[0] != "answer" {
		return 0, 0, "", fmt.Errorf("malformed callback data %q", data)
	}
	chatID, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, "", fmt.Errorf("malformed chat id in %q", data)
	}
	userID, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, 0, "", fmt.Errorf("malformed user id in %q", data)
	}
	return chatID, userID, parts[3], nil
}

func mentionHTML(user tgbotapi.User) string {
	name := user.FirstName
	if name == "" {
		name = user.UserName
	}
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, user.ID, html.EscapeString(name))
}
