//go:build integration

package google

import (
	"context"
	"os"
	"testing"
	"time"

	"matebot/internal/core"
	ports "matebot/internal/sheets"
)

// Integration tests require real Google Sheets credentials
// Run with: go test -tags=integration ./internal/sheets/google

func TestIntegration_AppendAndList(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	if os.Getenv("GOOGLE_SPREADSHEET_ID") == "" {
		t.Skip("GOOGLE_SPREADSHEET_ID not set, skipping integration test")
	}

	ctx := context.Background()
	client, err := NewFromEnv(ctx)
	if err != nil {
		t.Fatalf("NewFromEnv: %v", err)
	}

	now := time.Now().UTC()
	txID := now.UnixMilli()
	ref, err := client.Append(ctx, ports.TransactionRow{
		TransactionID: txID,
		OperationID:   1,
		Date:          now,
		Sender:        "integration-sender",
		Receiver:      "integration-receiver",
		Amount:        core.Money{Cents: 123},
		Reason:        "integration test",
		Type:          "direct",
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	t.Logf("appended %s", ref)

	rows, err := client.ListTransactions(ctx, now.Year(), int(now.Month()))
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	for _, r := range rows {
		if r.TransactionID == txID {
			if r.Amount.Cents != 123 {
				t.Errorf("amount = %d, want 123", r.Amount.Cents)
			}
			return
		}
	}
	t.Errorf("row %d not found among %d rows", txID, len(rows))
}
