// Package telegram is the chat transport: it turns commands and inline
// keyboard presses into collective engine calls and keeps operation
// messages up to date.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"matebot/internal/core"
	applog "matebot/internal/log"
	"matebot/internal/services"
	"matebot/internal/storage"
)

const historyLimit = 10

// Sender is the part of the Bot API client used by the transport.
// *tgbotapi.BotAPI implements it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Collective interface {
	CreateCommunism(ctx context.Context, creatorID, amount int64, reason string) (services.Snapshot, error)
	CreateBallot(ctx context.Context, creatorID int64, question string, restricted bool, payout int64) (services.Snapshot, error)
	JoinOrLeave(ctx context.Context, id, userID int64) (services.Snapshot, error)
	AdjustExternals(ctx context.Context, id, actorID int64, delta int) (services.Snapshot, error)
	CastVote(ctx context.Context, id, userID int64, value int) (services.Snapshot, error)
	Finalize(ctx context.Context, id, actorID int64) (services.Snapshot, error)
	Cancel(ctx context.Context, id, actorID int64) (services.Snapshot, error)
}

type Users interface {
	Resolve(ctx context.Context, application, externalID, name string) (core.User, error)
	Names(ctx context.Context, ids ...int64) core.Names
}

type History interface {
	History(ctx context.Context, userID int64, limit int) ([]core.Transaction, error)
}

type Bot struct {
	sender      Sender
	collective  Collective
	users       Users
	ledger      History
	messages    storage.MessageStore
	application string
	logger      *applog.Logger
}

func NewBot(sender Sender, collective Collective, users Users, ledger History, messages storage.MessageStore, application string, logger *applog.Logger) *Bot {
	if application == "" {
		application = "telegram"
	}
	return &Bot{
		sender:      sender,
		collective:  collective,
		users:       users,
		ledger:      ledger,
		messages:    messages,
		application: application,
		logger:      logger.WithComponent(applog.ComponentTelegram),
	}
}

// Run consumes updates until ctx is done or the channel is closed.
func (b *Bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	b.logger.InfoContext(ctx, "Telegram transport started", "application", b.application)
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.HandleUpdate(ctx, update)
		}
	}
}

// HandleUpdate processes a single update. Failures are reported to the chat
// and logged, never returned.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.IsCommand():
		b.handleCommand(ctx, update.Message)
	case update.Message != nil && update.Message.Chat != nil && update.Message.Chat.IsPrivate():
		b.reply(ctx, update.Message.Chat.ID, "Use /help for a list of commands.")
	}
}

func (b *Bot) resolve(ctx context.Context, from *tgbotapi.User) (core.User, error) {
	if from == nil || from.IsBot {
		return core.User{}, core.ErrForbidden
	}
	name := from.UserName
	if name == "" {
		name = strings.TrimSpace(from.FirstName + " " + from.LastName)
	}
	return b.users.Resolve(ctx, b.application, strconv.FormatInt(from.ID, 10), name)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	chatID := msg.Chat.ID
	user, err := b.resolve(ctx, msg.From)
	if err != nil {
		b.logger.WarnContext(ctx, "Cannot resolve sender", applog.FieldError, err)
		return
	}
	ctx = applog.IntoContext(ctx, b.logger.With(applog.FieldUserID, user.ID, "command", msg.Command()))

	switch msg.Command() {
	case "start", "help":
		b.reply(ctx, chatID, fmt.Sprintf(`Hi %s! Available commands:
/balance - show your balance
/history - show your last transactions
/communism <amount> <reason> - split a bill
/ballot [amount] <question> - start a vote, optionally refunding amount`, user.DisplayName()))

	case "balance":
		b.reply(ctx, chatID, "Your balance: "+core.Money{Cents: user.Balance}.String())

	case "history":
		b.replyHistory(ctx, chatID, user)

	case "communism":
		amount, reason, err := parseCommunismArgs(msg.CommandArguments())
		if err != nil {
			b.reply(ctx, chatID, usageOr(err, "Usage: /communism <amount> <reason>"))
			return
		}
		snap, err := b.collective.CreateCommunism(ctx, user.ID, amount, reason)
		b.postOperation(ctx, chatID, snap, err)

	case "ballot":
		payout, question, err := parseBallotArgs(msg.CommandArguments())
		if err != nil {
			b.reply(ctx, chatID, usageOr(err, "Usage: /ballot [amount] <question>"))
			return
		}
		snap, err := b.collective.CreateBallot(ctx, user.ID, question, false, payout)
		b.postOperation(ctx, chatID, snap, err)

	default:
		b.reply(ctx, chatID, "Unknown command. Use /help for a list of commands.")
	}
}

func usageOr(err error, usage string) string {
	if errors.Is(err, errUsage) {
		return usage
	}
	return userMessage(err)
}

func (b *Bot) replyHistory(ctx context.Context, chatID int64, user core.User) {
	txs, err := b.ledger.History(ctx, user.ID, historyLimit)
	if err != nil {
		b.fail(ctx, chatID, err)
		return
	}
	if len(txs) == 0 {
		b.reply(ctx, chatID, "No transactions yet.")
		return
	}
	ids := make([]int64, 0, 2*len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.Sender, tx.Receiver)
	}
	names := b.users.Names(ctx, ids...)

	var sb strings.Builder
	sb.WriteString("Last transactions:\n")
	for _, tx := range txs {
		amount := core.Money{Cents: tx.Amount}.String()
		if tx.Sender == user.ID {
			fmt.Fprintf(&sb, "%s  -%s to %s (%s)\n", tx.CreatedAt.Format("2006-01-02 15:04"), amount, names[tx.Receiver], tx.Reason)
		} else {
			fmt.Fprintf(&sb, "%s  +%s from %s (%s)\n", tx.CreatedAt.Format("2006-01-02 15:04"), amount, names[tx.Sender], tx.Reason)
		}
	}
	b.reply(ctx, chatID, sb.String())
}

// postOperation sends the message of a new operation and remembers it so
// the renderer can edit it later.
func (b *Bot) postOperation(ctx context.Context, chatID int64, snap services.Snapshot, err error) {
	if err != nil {
		b.fail(ctx, chatID, err)
		return
	}
	out := tgbotapi.NewMessage(chatID, snap.View.Text)
	out.ReplyMarkup = Keyboard(snap.Operation.Kind, snap.Operation.ID)
	sent, err := b.sender.Send(out)
	if err != nil {
		b.logger.ErrorContext(ctx, "Failed to send operation message",
			applog.FieldOperationID, snap.Operation.ID,
			applog.FieldError, err)
		return
	}
	ref := storage.MessageRef{OperationID: snap.Operation.ID, ChatID: chatID, MessageID: sent.MessageID}
	if err := b.messages.AddOperationMessage(ctx, ref); err != nil {
		b.logger.ErrorContext(ctx, "Failed to record operation message",
			applog.FieldOperationID, snap.Operation.ID,
			applog.FieldError, err)
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	data, err := ParseCallbackData(q.Data)
	if err != nil {
		b.logger.WarnContext(ctx, "Rejected callback", applog.FieldError, err)
		b.answer(ctx, q.ID, "Unknown action.")
		return
	}
	user, err := b.resolve(ctx, q.From)
	if err != nil {
		b.answer(ctx, q.ID, userMessage(err))
		return
	}
	ctx = applog.IntoContext(ctx, b.logger.With(
		applog.FieldUserID, user.ID,
		applog.FieldOperationID, data.OperationID,
		"action", string(data.Action)))

	id := data.OperationID
	switch data.Action {
	case ActionJoin:
		_, err = b.collective.JoinOrLeave(ctx, id, user.ID)
	case ActionExternPlus:
		_, err = b.collective.AdjustExternals(ctx, id, user.ID, 1)
	case ActionExternMinus:
		_, err = b.collective.AdjustExternals(ctx, id, user.ID, -1)
	case ActionOK:
		_, err = b.collective.Finalize(ctx, id, user.ID)
	case ActionCancel:
		_, err = b.collective.Cancel(ctx, id, user.ID)
	default:
		value, _ := data.Action.VoteValue()
		_, err = b.collective.CastVote(ctx, id, user.ID, value)
	}
	if err != nil {
		applog.FromContext(ctx).InfoContext(ctx, "Callback action failed", applog.FieldError, err)
		b.answer(ctx, q.ID, userMessage(err))
		return
	}
	b.answer(ctx, q.ID, "")
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if _, err := b.sender.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.ErrorContext(ctx, "Failed to send message", applog.FieldError, err)
	}
}

func (b *Bot) answer(ctx context.Context, queryID, text string) {
	if _, err := b.sender.Request(tgbotapi.NewCallback(queryID, text)); err != nil {
		b.logger.WarnContext(ctx, "Failed to answer callback", applog.FieldError, err)
	}
}

func (b *Bot) fail(ctx context.Context, chatID int64, err error) {
	if !knownError(err) {
		applog.FromContext(ctx).ErrorContext(ctx, "Command failed", applog.FieldError, err)
	}
	b.reply(ctx, chatID, userMessage(err))
}

func knownError(err error) bool {
	return userMessage(err) != msgInternal
}

const msgInternal = "Something went wrong, please try again later."

// userMessage turns an engine error into chat text.
func userMessage(err error) string {
	switch {
	case errors.Is(err, core.ErrInactiveUser):
		return "Your account is not allowed to take part in operations."
	case errors.Is(err, core.ErrForbidden):
		return "You are not allowed to do that."
	case errors.Is(err, core.ErrNotFound):
		return "This operation does not exist."
	case errors.Is(err, core.ErrAlreadyClosed):
		return "This operation is already closed."
	case errors.Is(err, core.ErrDuplicateActiveOperation):
		return "You already have an open operation of this kind."
	case errors.Is(err, core.ErrNegativeExternalCount):
		return "There are no externals to remove."
	case errors.Is(err, core.ErrEmptyOperation):
		return "Nobody would pay for this communism."
	case errors.Is(err, core.ErrInvalidAmount):
		return "Invalid amount. Use a positive value like 12.50."
	case errors.Is(err, core.ErrEmptyReason):
		return "Please give a reason."
	case errors.Is(err, core.ErrEmptyQuestion):
		return "Please ask a question."
	case errors.Is(err, core.ErrWrongKind):
		return "This button does not apply to this operation."
	case errors.Is(err, core.ErrConflict):
		return "Someone else changed this operation, please retry."
	}
	return msgInternal
}
