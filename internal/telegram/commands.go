package telegram

import (
	"errors"
	"strings"

	"matebot/internal/core"
)

var errUsage = errors.New("usage")

// parseCommunismArgs reads "<amount> <reason...>".
func parseCommunismArgs(args string) (int64, string, error) {
	amount, rest, ok := strings.Cut(strings.TrimSpace(args), " ")
	if !ok || strings.TrimSpace(rest) == "" {
		return 0, "", errUsage
	}
	cents, err := core.ParseDecimalToCents(amount)
	if err != nil {
		return 0, "", err
	}
	return cents, strings.TrimSpace(rest), nil
}

// parseBallotArgs reads "[amount] <question...>". A leading token is taken
// as payout only when it parses as an amount and a question follows.
func parseBallotArgs(args string) (int64, string, error) {
	args = strings.TrimSpace(args)
	if args == "" {
		return 0, "", errUsage
	}
	first, rest, ok := strings.Cut(args, " ")
	if ok && strings.TrimSpace(rest) != "" {
		if cents, err := core.ParseDecimalToCents(first); err == nil {
			return cents, strings.TrimSpace(rest), nil
		}
	}
	return 0, args, nil
}
