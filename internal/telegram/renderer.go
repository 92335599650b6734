package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"matebot/internal/core"
	applog "matebot/internal/log"
	"matebot/internal/notify"
	"matebot/internal/storage"
)

// Renderer edits every chat message that displays an operation. Terminal
// views are shown without keyboard.
type Renderer struct {
	sender   Sender
	messages storage.MessageStore
	logger   *applog.Logger
}

var _ notify.Renderer = (*Renderer)(nil)

func NewRenderer(sender Sender, messages storage.MessageStore, logger *applog.Logger) *Renderer {
	return &Renderer{
		sender:   sender,
		messages: messages,
		logger:   logger.WithComponent(applog.ComponentTelegram),
	}
}

func (r *Renderer) Render(ctx context.Context, v core.View) error {
	refs, err := r.messages.ListOperationMessages(ctx, v.OperationID)
	if err != nil {
		return fmt.Errorf("list messages of operation %d: %w", v.OperationID, err)
	}

	var errs []error
	for _, ref := range refs {
		var edit tgbotapi.EditMessageTextConfig
		if v.Terminal {
			edit = tgbotapi.NewEditMessageText(ref.ChatID, ref.MessageID, v.Text)
		} else {
			edit = tgbotapi.NewEditMessageTextAndMarkup(ref.ChatID, ref.MessageID, v.Text, Keyboard(v.Kind, v.OperationID))
		}
		if _, err := r.sender.Request(edit); err != nil && !notModified(err) {
			errs = append(errs, fmt.Errorf("edit message %d in chat %d: %w", ref.MessageID, ref.ChatID, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	r.logger.DebugContext(ctx, "Operation messages updated",
		applog.FieldOperationID, v.OperationID,
		"messages", len(refs))
	return nil
}

// notModified reports the Bot API refusal to apply an edit that changes
// nothing, which happens when two updates render the same text.
func notModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}
