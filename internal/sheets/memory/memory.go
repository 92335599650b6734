package memory

import (
	"context"
	"fmt"
	"sync"

	"matebot/internal/sheets"
)

// Store keeps mirrored rows in memory. It backs the worker when no
// spreadsheet is configured.
type Store struct {
	mu   sync.Mutex
	rows []sheets.TransactionRow
}

var _ sheets.TransactionMirror = (*Store)(nil)

func New() *Store {
	return &Store{}
}

// Append stores the row and returns a synthetic row reference.
func (s *Store) Append(_ context.Context, row sheets.TransactionRow) (string, error) {
	if err := row.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, row)
	return fmt.Sprintf("mem:%d", len(s.rows)), nil
}

// ListTransactions returns the rows dated in the given month.
func (s *Store) ListTransactions(_ context.Context, year int, month int) ([]sheets.TransactionRow, error) {
	if month < 1 || month > 12 {
		return nil, fmt.Errorf("invalid month: %d", month)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sheets.TransactionRow
	for _, r := range s.rows {
		if r.Date.Year() == year && int(r.Date.Month()) == month {
			out = append(out, r)
		}
	}
	return out, nil
}

// Len returns the number of stored rows.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}
