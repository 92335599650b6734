package telegram

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"matebot/internal/core"
)

// Action is an inline keyboard button of an operation message.
type Action string

const (
	ActionJoin        Action = "join"
	ActionExternPlus  Action = "extern+"
	ActionExternMinus Action = "extern-"
	ActionOK          Action = "ok"
	ActionCancel      Action = "cancel"
	ActionVoteYes     Action = "vote+"
	ActionVoteAbstain Action = "vote0"
	ActionVoteNo      Action = "vote-"
)

var ErrMalformedCallback = errors.New("malformed callback data")

var actions = map[Action]struct{}{
	ActionJoin:        {},
	ActionExternPlus:  {},
	ActionExternMinus: {},
	ActionOK:          {},
	ActionCancel:      {},
	ActionVoteYes:     {},
	ActionVoteAbstain: {},
	ActionVoteNo:      {},
}

// CallbackData is the parsed payload of a pressed button, encoded as
// "<action> <operation id>".
type CallbackData struct {
	Action      Action
	OperationID int64
}

func (c CallbackData) String() string {
	return string(c.Action) + " " + strconv.FormatInt(c.OperationID, 10)
}

// ParseCallbackData rejects anything that is not a known action followed by
// a positive operation id.
func ParseCallbackData(data string) (CallbackData, error) {
	fields := strings.Fields(data)
	if len(fields) != 2 {
		return CallbackData{}, fmt.Errorf("%w: %q", ErrMalformedCallback, data)
	}
	action := Action(fields[0])
	if _, ok := actions[action]; !ok {
		return CallbackData{}, fmt.Errorf("%w: unknown action %q", ErrMalformedCallback, fields[0])
	}
	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || id <= 0 {
		return CallbackData{}, fmt.Errorf("%w: operation id %q", ErrMalformedCallback, fields[1])
	}
	return CallbackData{Action: action, OperationID: id}, nil
}

// VoteValue maps a vote action to its ballot value.
func (a Action) VoteValue() (int, bool) {
	switch a {
	case ActionVoteYes:
		return 1, true
	case ActionVoteAbstain:
		return 0, true
	case ActionVoteNo:
		return -1, true
	}
	return 0, false
}

func button(label string, a Action, id int64) tgbotapi.InlineKeyboardButton {
	return tgbotapi.NewInlineKeyboardButtonData(label, CallbackData{Action: a, OperationID: id}.String())
}

// Keyboard returns the buttons shown below an open operation.
func Keyboard(kind core.Kind, id int64) tgbotapi.InlineKeyboardMarkup {
	if kind == core.KindBallot {
		return tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				button("YES", ActionVoteYes, id),
				button("ABSTAIN", ActionVoteAbstain, id),
				button("NO", ActionVoteNo, id),
			),
			tgbotapi.NewInlineKeyboardRow(
				button("OK", ActionOK, id),
				button("CANCEL", ActionCancel, id),
			),
		)
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			button("JOIN/LEAVE", ActionJoin, id),
		),
		tgbotapi.NewInlineKeyboardRow(
			button("EXTERN -", ActionExternMinus, id),
			button("EXTERN +", ActionExternPlus, id),
		),
		tgbotapi.NewInlineKeyboardRow(
			button("OK", ActionOK, id),
			button("CANCEL", ActionCancel, id),
		),
	)
}
