package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"matebot/internal/core"

	_ "modernc.org/sqlite"
)

const timeLayout = time.RFC3339Nano

type SQLiteRepository struct {
	db *sql.DB
}

var _ Store = (*SQLiteRepository)(nil)

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Run migrations before the main pool is opened
	if _, err := RunMigrations(dbPath); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows a single writer; one connection keeps transactions serialized.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) conn(ctx context.Context) dbtx {
	if tx, ok := TxFrom(ctx); ok {
		return tx
	}
	return r.db
}

// RunInTx implements Transactor.
func (r *SQLiteRepository) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := TxFrom(ctx); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transaction aborted: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(WithTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// --- applications, users, aliases ---

func (r *SQLiteRepository) EnsureApplication(ctx context.Context, name string) (core.Application, error) {
	var app core.Application
	err := r.RunInTx(ctx, func(ctx context.Context) error {
		var created string
		err := r.conn(ctx).QueryRowContext(ctx,
			`SELECT id, name, created_at FROM applications WHERE name = ?`, name,
		).Scan(&app.ID, &app.Name, &created)
		if err == nil {
			app.CreatedAt = parseTime(created)
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("get application: %w", err)
		}

		now := time.Now().UTC()
		res, err := r.conn(ctx).ExecContext(ctx,
			`INSERT INTO applications (name, created_at) VALUES (?, ?)`, name, formatTime(now))
		if err != nil {
			return mapConstraint(fmt.Errorf("create application: %w", err))
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("application id: %w", err)
		}
		app = core.Application{ID: id, Name: name, CreatedAt: now}
		slog.InfoContext(ctx, "Application registered", "application_id", id, "name", name)
		return nil
	})
	return app, err
}

const userColumns = `id, name, balance, active, special, permission, external, voucher_id, created_at, accessed_at`

func scanUser(row interface{ Scan(...any) error }) (core.User, error) {
	var (
		u                 core.User
		voucher           sql.NullInt64
		created, accessed string
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Balance, &u.Active, &u.Special, &u.Permission,
		&u.External, &voucher, &created, &accessed); err != nil {
		return core.User{}, err
	}
	if voucher.Valid {
		v := voucher.Int64
		u.VoucherID = &v
	}
	u.CreatedAt = parseTime(created)
	u.AccessedAt = parseTime(accessed)
	return u, nil
}

func (r *SQLiteRepository) CreateUser(ctx context.Context, u core.User) (core.User, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.AccessedAt.IsZero() {
		u.AccessedAt = u.CreatedAt
	}
	res, err := r.conn(ctx).ExecContext(ctx,
		`INSERT INTO users (name, balance, active, special, permission, external, voucher_id, created_at, accessed_at)
		 VALUES (?, 0, ?, ?, ?, ?, ?, ?, ?)`,
		u.Name, u.Active, u.Special, u.Permission, u.External, nullInt(u.VoucherID),
		formatTime(u.CreatedAt), formatTime(u.AccessedAt))
	if err != nil {
		return core.User{}, mapConstraint(fmt.Errorf("create user: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return core.User{}, fmt.Errorf("user id: %w", err)
	}
	u.ID = id
	u.Balance = 0
	return u, nil
}

func (r *SQLiteRepository) GetUser(ctx context.Context, id int64) (core.User, error) {
	u, err := scanUser(r.conn(ctx).QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		return core.User{}, mapNoRows(fmt.Errorf("get user %d: %w", id, err))
	}
	return u, nil
}

func (r *SQLiteRepository) UpdateUser(ctx context.Context, u core.User) error {
	res, err := r.conn(ctx).ExecContext(ctx,
		`UPDATE users SET name = ?, active = ?, permission = ?, external = ?, voucher_id = ?, accessed_at = ?
		 WHERE id = ?`,
		u.Name, u.Active, u.Permission, u.External, nullInt(u.VoucherID), formatTime(u.AccessedAt), u.ID)
	if err != nil {
		return mapConstraint(fmt.Errorf("update user %d: %w", u.ID, err))
	}
	return requireRow(res, "user", u.ID)
}

func (r *SQLiteRepository) GetCommunityUser(ctx context.Context) (core.User, error) {
	u, err := scanUser(r.conn(ctx).QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE special = 1`))
	if err != nil {
		return core.User{}, mapNoRows(fmt.Errorf("get community user: %w", err))
	}
	return u, nil
}

func (r *SQLiteRepository) CreateAlias(ctx context.Context, a core.Alias) (core.Alias, error) {
	res, err := r.conn(ctx).ExecContext(ctx,
		`INSERT INTO aliases (user_id, application_id, app_user_id) VALUES (?, ?, ?)`,
		a.UserID, a.ApplicationID, a.AppUserID)
	if err != nil {
		return core.Alias{}, mapConstraint(fmt.Errorf("create alias: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return core.Alias{}, fmt.Errorf("alias id: %w", err)
	}
	a.ID = id
	return a, nil
}

func (r *SQLiteRepository) FindAlias(ctx context.Context, applicationID int64, appUserID string) (core.Alias, error) {
	var a core.Alias
	err := r.conn(ctx).QueryRowContext(ctx,
		`SELECT id, user_id, application_id, app_user_id FROM aliases WHERE application_id = ? AND app_user_id = ?`,
		applicationID, appUserID,
	).Scan(&a.ID, &a.UserID, &a.ApplicationID, &a.AppUserID)
	if err != nil {
		return core.Alias{}, mapNoRows(fmt.Errorf("find alias: %w", err))
	}
	return a, nil
}

func (r *SQLiteRepository) ListAliases(ctx context.Context, userID int64) ([]core.Alias, error) {
	rows, err := r.conn(ctx).QueryContext(ctx,
		`SELECT id, user_id, application_id, app_user_id FROM aliases WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list aliases: %w", err)
	}
	defer rows.Close()

	var out []core.Alias
	for rows.Next() {
		var a core.Alias
		if err := rows.Scan(&a.ID, &a.UserID, &a.ApplicationID, &a.AppUserID); err != nil {
			return nil, fmt.Errorf("scan alias: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- ledger ---

func (r *SQLiteRepository) InsertTransaction(ctx context.Context, tr core.Transfer, at time.Time) (core.Transaction, error) {
	res, err := r.conn(ctx).ExecContext(ctx,
		`INSERT INTO transactions (sender_id, receiver_id, amount, reason, type, operation_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tr.Sender, tr.Receiver, tr.Amount, tr.Reason, string(tr.Type), nullInt(tr.OperationID), formatTime(at))
	if err != nil {
		return core.Transaction{}, mapConstraint(fmt.Errorf("insert transaction: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return core.Transaction{}, fmt.Errorf("transaction id: %w", err)
	}
	return core.Transaction{
		ID:          id,
		Sender:      tr.Sender,
		Receiver:    tr.Receiver,
		Amount:      tr.Amount,
		Reason:      tr.Reason,
		Type:        tr.Type,
		OperationID: tr.OperationID,
		CreatedAt:   at,
	}, nil
}

func (r *SQLiteRepository) AdjustBalance(ctx context.Context, userID int64, delta int64) error {
	res, err := r.conn(ctx).ExecContext(ctx,
		`UPDATE users SET balance = balance + ? WHERE id = ?`, delta, userID)
	if err != nil {
		return fmt.Errorf("adjust balance of user %d: %w", userID, err)
	}
	return requireRow(res, "user", userID)
}

func (r *SQLiteRepository) ListTransactions(ctx context.Context, userID int64, limit int) ([]core.Transaction, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.conn(ctx).QueryContext(ctx,
		`SELECT id, sender_id, receiver_id, amount, reason, type, operation_id, created_at
		 FROM transactions WHERE sender_id = ? OR receiver_id = ?
		 ORDER BY id DESC LIMIT ?`, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		var (
			t       core.Transaction
			typ     string
			opID    sql.NullInt64
			created string
		)
		if err := rows.Scan(&t.ID, &t.Sender, &t.Receiver, &t.Amount, &t.Reason, &typ, &opID, &created); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = core.TransferType(typ)
		if opID.Valid {
			id := opID.Int64
			t.OperationID = &id
		}
		t.CreatedAt = parseTime(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) SumBalances(ctx context.Context) (int64, error) {
	var sum int64
	if err := r.conn(ctx).QueryRowContext(ctx, `SELECT COALESCE(SUM(balance), 0) FROM users`).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum balances: %w", err)
	}
	return sum, nil
}

// --- operations ---

func (r *SQLiteRepository) CreateOperation(ctx context.Context, op core.Operation) (core.Operation, error) {
	err := r.RunInTx(ctx, func(ctx context.Context) error {
		res, err := r.conn(ctx).ExecContext(ctx,
			`INSERT INTO operations (kind, creator_id, status, outcome, amount, description, externals,
			 restricted, tally_mode, threshold, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(op.Kind), op.CreatorID, string(op.Status), string(op.Outcome), op.Amount, op.Description,
			op.Externals, op.Restricted, string(op.TallyMode), op.Threshold,
			formatTime(op.CreatedAt), formatTime(op.UpdatedAt))
		if err != nil {
			return mapConstraint(fmt.Errorf("create operation: %w", err))
		}
		if op.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("operation id: %w", err)
		}
		return r.writeMembers(ctx, op)
	})
	if err != nil {
		return core.Operation{}, err
	}
	return op, nil
}

func (r *SQLiteRepository) writeMembers(ctx context.Context, op core.Operation) error {
	for _, p := range op.Participants {
		if _, err := r.conn(ctx).ExecContext(ctx,
			`INSERT INTO participants (operation_id, user_id, quantity, joined_seq) VALUES (?, ?, ?, ?)`,
			op.ID, p.UserID, p.Quantity, p.JoinedSeq); err != nil {
			return mapConstraint(fmt.Errorf("insert participant: %w", err))
		}
	}
	for _, v := range op.Votes {
		if _, err := r.conn(ctx).ExecContext(ctx,
			`INSERT INTO votes (operation_id, user_id, value, updated_at) VALUES (?, ?, ?, ?)`,
			op.ID, v.UserID, v.Value, formatTime(v.UpdatedAt)); err != nil {
			return mapConstraint(fmt.Errorf("insert vote: %w", err))
		}
	}
	return nil
}

func (r *SQLiteRepository) GetOperation(ctx context.Context, id int64) (core.Operation, error) {
	var (
		op                          core.Operation
		kind, status, outcome, mode string
		created, updated            string
		closed                      sql.NullString
	)
	err := r.conn(ctx).QueryRowContext(ctx,
		`SELECT id, kind, creator_id, status, outcome, amount, description, externals, restricted,
		 tally_mode, threshold, created_at, updated_at, closed_at
		 FROM operations WHERE id = ?`, id,
	).Scan(&op.ID, &kind, &op.CreatorID, &status, &outcome, &op.Amount, &op.Description, &op.Externals,
		&op.Restricted, &mode, &op.Threshold, &created, &updated, &closed)
	if err != nil {
		return core.Operation{}, mapNoRows(fmt.Errorf("get operation %d: %w", id, err))
	}
	op.Kind = core.Kind(kind)
	op.Status = core.Status(status)
	op.Outcome = core.Outcome(outcome)
	op.TallyMode = core.TallyMode(mode)
	op.CreatedAt = parseTime(created)
	op.UpdatedAt = parseTime(updated)
	if closed.Valid {
		t := parseTime(closed.String)
		op.ClosedAt = &t
	}

	if op.Participants, err = r.participants(ctx, id); err != nil {
		return core.Operation{}, err
	}
	if op.Votes, err = r.votes(ctx, id); err != nil {
		return core.Operation{}, err
	}
	return op, nil
}

func (r *SQLiteRepository) participants(ctx context.Context, operationID int64) ([]core.Participant, error) {
	rows, err := r.conn(ctx).QueryContext(ctx,
		`SELECT user_id, quantity, joined_seq FROM participants WHERE operation_id = ? ORDER BY joined_seq`,
		operationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []core.Participant
	for rows.Next() {
		var p core.Participant
		if err := rows.Scan(&p.UserID, &p.Quantity, &p.JoinedSeq); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) votes(ctx context.Context, operationID int64) ([]core.Vote, error) {
	rows, err := r.conn(ctx).QueryContext(ctx,
		`SELECT user_id, value, updated_at FROM votes WHERE operation_id = ? ORDER BY id`, operationID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	var out []core.Vote
	for rows.Next() {
		var (
			v       core.Vote
			updated string
		)
		if err := rows.Scan(&v.UserID, &v.Value, &updated); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		v.UpdatedAt = parseTime(updated)
		out = append(out, v)
	}
	return out, rows.Err()
}

// SaveOperation overwrites the mutable state of an existing operation,
// replacing its participant and vote sets.
func (r *SQLiteRepository) SaveOperation(ctx context.Context, op core.Operation) error {
	return r.RunInTx(ctx, func(ctx context.Context) error {
		var closed any
		if op.ClosedAt != nil {
			closed = formatTime(*op.ClosedAt)
		}
		res, err := r.conn(ctx).ExecContext(ctx,
			`UPDATE operations SET status = ?, outcome = ?, amount = ?, description = ?, externals = ?,
			 updated_at = ?, closed_at = ? WHERE id = ?`,
			string(op.Status), string(op.Outcome), op.Amount, op.Description, op.Externals,
			formatTime(op.UpdatedAt), closed, op.ID)
		if err != nil {
			return mapConstraint(fmt.Errorf("update operation %d: %w", op.ID, err))
		}
		if err := requireRow(res, "operation", op.ID); err != nil {
			return err
		}
		if _, err := r.conn(ctx).ExecContext(ctx, `DELETE FROM participants WHERE operation_id = ?`, op.ID); err != nil {
			return fmt.Errorf("clear participants: %w", err)
		}
		if _, err := r.conn(ctx).ExecContext(ctx, `DELETE FROM votes WHERE operation_id = ?`, op.ID); err != nil {
			return fmt.Errorf("clear votes: %w", err)
		}
		return r.writeMembers(ctx, op)
	})
}

func (r *SQLiteRepository) ListOpenFor(ctx context.Context, userID int64) ([]core.Operation, error) {
	ids, err := r.queryIDs(ctx,
		`SELECT o.id FROM operations o
		 WHERE o.status = 'open' AND (
		   o.creator_id = ?
		   OR EXISTS (SELECT 1 FROM participants p WHERE p.operation_id = o.id AND p.user_id = ?)
		   OR EXISTS (SELECT 1 FROM votes v WHERE v.operation_id = o.id AND v.user_id = ?)
		 )
		 ORDER BY o.id`, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list open operations: %w", err)
	}
	out := make([]core.Operation, 0, len(ids))
	for _, id := range ids {
		op, err := r.GetOperation(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

func (r *SQLiteRepository) ListIdleOperations(ctx context.Context, before time.Time) ([]int64, error) {
	ids, err := r.queryIDs(ctx,
		`SELECT id FROM operations WHERE status = 'open' AND updated_at < ? ORDER BY updated_at`,
		formatTime(before.UTC()))
	if err != nil {
		return nil, fmt.Errorf("list idle operations: %w", err)
	}
	return ids, nil
}

func (r *SQLiteRepository) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- chat messages and callbacks ---

func (r *SQLiteRepository) AddOperationMessage(ctx context.Context, ref MessageRef) error {
	_, err := r.conn(ctx).ExecContext(ctx,
		`INSERT INTO operation_messages (operation_id, chat_id, message_id) VALUES (?, ?, ?)
		 ON CONFLICT (operation_id, chat_id) DO UPDATE SET message_id = excluded.message_id`,
		ref.OperationID, ref.ChatID, ref.MessageID)
	if err != nil {
		return mapConstraint(fmt.Errorf("add operation message: %w", err))
	}
	return nil
}

func (r *SQLiteRepository) ListOperationMessages(ctx context.Context, operationID int64) ([]MessageRef, error) {
	rows, err := r.conn(ctx).QueryContext(ctx,
		`SELECT operation_id, chat_id, message_id FROM operation_messages WHERE operation_id = ? ORDER BY chat_id`,
		operationID)
	if err != nil {
		return nil, fmt.Errorf("list operation messages: %w", err)
	}
	defer rows.Close()

	var out []MessageRef
	for rows.Next() {
		var m MessageRef
		if err := rows.Scan(&m.OperationID, &m.ChatID, &m.MessageID); err != nil {
			return nil, fmt.Errorf("scan operation message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) AddCallback(ctx context.Context, cb core.Callback) (core.Callback, error) {
	res, err := r.conn(ctx).ExecContext(ctx,
		`INSERT INTO callbacks (application_id, url, created_at) VALUES (?, ?, ?)`,
		cb.ApplicationID, cb.URL, formatTime(time.Now().UTC()))
	if err != nil {
		return core.Callback{}, mapConstraint(fmt.Errorf("add callback: %w", err))
	}
	if cb.ID, err = res.LastInsertId(); err != nil {
		return core.Callback{}, fmt.Errorf("callback id: %w", err)
	}
	return cb, nil
}

func (r *SQLiteRepository) ListCallbacks(ctx context.Context) ([]core.Callback, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, `SELECT id, application_id, url FROM callbacks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list callbacks: %w", err)
	}
	defer rows.Close()

	var out []core.Callback
	for rows.Next() {
		var cb core.Callback
		if err := rows.Scan(&cb.ID, &cb.ApplicationID, &cb.URL); err != nil {
			return nil, fmt.Errorf("scan callback: %w", err)
		}
		out = append(out, cb)
	}
	return out, rows.Err()
}

// --- helpers ---

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func requireRow(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", entity, id, core.ErrNotFound)
	}
	return nil
}

func mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", core.ErrNotFound, err)
	}
	return err
}

// mapConstraint translates SQLite constraint failures into the core error
// taxonomy.
func mapConstraint(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed: operations.creator_id"):
		return fmt.Errorf("%w: %v", core.ErrDuplicateActiveOperation, err)
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", core.ErrConflict, err)
	case strings.Contains(msg, "CHECK constraint failed"):
		switch {
		case strings.Contains(msg, "externals"):
			return fmt.Errorf("%w: %v", core.ErrNegativeExternalCount, err)
		case strings.Contains(msg, "amount"), strings.Contains(msg, "sender_id"):
			return fmt.Errorf("%w: %v", core.ErrInvalidTransfer, err)
		}
		return fmt.Errorf("%w: %v", core.ErrConflict, err)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %v", core.ErrNotFound, err)
	}
	return err
}
