package google

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"matebot/internal/core"
	ports "matebot/internal/sheets"
)

const dateLayout = "2006-01-02"

// parseRow converts one values row (as returned by the Sheets API) into a
// TransactionRow. Header, blank and malformed rows are reported as not ok.
// Columns: Date, Transaction, Operation, Sender, Receiver, Amount, Reason, Type.
func parseRow(values []interface{}) (ports.TransactionRow, bool) {
	cols := toStrings(values)
	if len(cols) < 6 {
		return ports.TransactionRow{}, false
	}
	date, err := time.Parse(dateLayout, cols[0])
	if err != nil {
		return ports.TransactionRow{}, false
	}
	txID, ok := parseID(cols[1])
	if !ok || txID <= 0 {
		return ports.TransactionRow{}, false
	}
	opID, _ := parseID(cols[2])
	cents, ok := parseEurosToCents(cols[5])
	if !ok {
		return ports.TransactionRow{}, false
	}
	return ports.TransactionRow{
		TransactionID: txID,
		OperationID:   opID,
		Date:          date,
		Sender:        cols[3],
		Receiver:      cols[4],
		Amount:        core.Money{Cents: cents},
		Reason:        safeGet(cols, 6),
		Type:          safeGet(cols, 7),
	}, true
}

func toStrings(in []interface{}) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.TrimSpace(fmt.Sprint(v))
	}
	return out
}

func safeGet(arr []string, idx int) string {
	if idx < 0 || idx >= len(arr) {
		return ""
	}
	return arr[idx]
}

// parseID accepts ids rendered as integers or as unformatted numbers such
// as "1e+06".
func parseID(s string) (int64, bool) {
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return id, true
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.Equal(d.Truncate(0)) {
		return 0, false
	}
	return d.IntPart(), true
}

func parseEurosToCents(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	// Normalize decimal comma
	s = strings.ReplaceAll(s, ",", ".")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, false
	}
	return d.Shift(2).Round(0).IntPart(), true
}

// yearPrefixedName returns "<year> <base>" unless base already starts with a 4-digit year.
func yearPrefixedName(base string, year int) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return base
	}
	if len(base) >= 5 {
		if y, err := strconv.Atoi(base[0:4]); err == nil && base[4] == ' ' && y > 1900 && y < 3000 {
			return base
		}
	}
	return fmt.Sprintf("%d %s", year, base)
}
