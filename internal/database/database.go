package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"command-relay/internal/models"
	"command-relay/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL database and implements store.CommandRepository and
// store.ClientRepository on SQLite.
type DB struct {
	*sql.DB
}

var (
	_ store.CommandRepository = (*DB)(nil)
	_ store.ClientRepository  = (*DB)(nil)
)

// New opens a SQLite database. A single connection serializes writers so
// claim transactions never interleave.
func New(path string) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &DB{db}, nil
}

// InitSchema initializes the database schema
func (db *DB) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS commands (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		data TEXT NOT NULL,
		priority TEXT NOT NULL,
		priority_rank INTEGER NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		submitted_at INTEGER NOT NULL,
		claimed_by TEXT,
		claimed_at INTEGER,
		completed_at INTEGER,
		result TEXT,
		error_message TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3
	);

	CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status);
	CREATE INDEX IF NOT EXISTS idx_commands_dispatch ON commands(status, priority_rank DESC, submitted_at ASC);
	CREATE INDEX IF NOT EXISTS idx_commands_claimed ON commands(claimed_at) WHERE claimed_at IS NOT NULL;

	CREATE TABLE IF NOT EXISTS clients (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		webhook_url TEXT,
		capabilities TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		registered_at INTEGER NOT NULL,
		last_seen INTEGER NOT NULL
	);
	`

	_, err := db.Exec(schema)
	return err
}

const commandColumns = `id, type, data, priority, source, status, submitted_at, claimed_by,
	claimed_at, completed_at, result, error_message, attempts, max_attempts`

// InsertCommand inserts a new command into the database
func (db *DB) InsertCommand(ctx context.Context, cmd *models.Command) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO commands (id, type, data, priority, priority_rank, source, status, submitted_at,
		                      claimed_by, claimed_at, completed_at, result, error_message, attempts, max_attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cmd.ID, cmd.Type, string(cmd.Data), string(cmd.Priority), cmd.Priority.Rank(), cmd.Source,
		string(cmd.Status), cmd.SubmittedAt.UnixNano(), nullString(cmd.ClaimedBy), nullTime(cmd.ClaimedAt),
		nullTime(cmd.CompletedAt), nullString(string(cmd.Result)), nullString(cmd.Error),
		cmd.Attempts, cmd.MaxAttempts)
	return err
}

// GetCommand retrieves a command by its ID
func (db *DB) GetCommand(ctx context.Context, id string) (*models.Command, error) {
	return getCommand(ctx, db.DB, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getCommand(ctx context.Context, q querier, id string) (*models.Command, error) {
	row := q.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = ?`, id)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("command %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// ListCommands retrieves commands with optional filtering
func (db *DB) ListCommands(ctx context.Context, f store.CommandFilter) ([]*models.Command, error) {
	return listCommands(ctx, db.DB, f)
}

func listCommands(ctx context.Context, q querier, f store.CommandFilter) ([]*models.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE 1=1`
	args := []any{}

	if len(f.Statuses) > 0 {
		query += " AND status IN (" + placeholders(len(f.Statuses)) + ")"
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if len(f.Types) > 0 {
		query += " AND type IN (" + placeholders(len(f.Types)) + ")"
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	if !f.ClaimedBefore.IsZero() {
		query += " AND claimed_at IS NOT NULL AND claimed_at < ?"
		args = append(args, f.ClaimedBefore.UnixNano())
	}

	switch f.Order {
	case store.OrderDispatch:
		query += " ORDER BY priority_rank DESC, submitted_at ASC, seq ASC"
	case store.OrderCompletedDesc:
		query += " ORDER BY completed_at IS NULL, completed_at DESC, seq ASC"
	default:
		query += " ORDER BY submitted_at ASC, seq ASC"
	}

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCommands(rows)
}

// UpdateCommand runs mutate inside a transaction and writes the result back
func (db *DB) UpdateCommand(ctx context.Context, id string, mutate func(*models.Command) error) (*models.Command, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cmd, err := getCommand(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(cmd); err != nil {
		if errors.Is(err, store.ErrNoChange) {
			return cmd, err
		}
		return nil, err
	}
	cmd.ID = id
	if err := writeCommand(ctx, tx, cmd); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func writeCommand(ctx context.Context, q querier, cmd *models.Command) error {
	_, err := q.ExecContext(ctx, `
		UPDATE commands
		SET status = ?, claimed_by = ?, claimed_at = ?, completed_at = ?, result = ?,
		    error_message = ?, attempts = ?, max_attempts = ?
		WHERE id = ?
	`, string(cmd.Status), nullString(cmd.ClaimedBy), nullTime(cmd.ClaimedAt), nullTime(cmd.CompletedAt),
		nullString(string(cmd.Result)), nullString(cmd.Error), cmd.Attempts, cmd.MaxAttempts, cmd.ID)
	return err
}

// ClaimCommands atomically leases pending commands for a client
func (db *DB) ClaimCommands(ctx context.Context, req store.ClaimRequest) ([]*models.Command, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	selected, err := listCommands(ctx, tx, store.CommandFilter{
		Statuses: []models.CommandStatus{models.StatusPending},
		Types:    req.Types,
		Order:    store.OrderDispatch,
		Limit:    req.Limit,
	})
	if err != nil {
		return nil, err
	}

	claimedAt := req.Now
	for _, cmd := range selected {
		res, err := tx.ExecContext(ctx, `
			UPDATE commands
			SET status = ?, claimed_by = ?, claimed_at = ?, attempts = attempts + 1
			WHERE id = ? AND status = ?
		`, string(models.StatusProcessing), req.ClientID, claimedAt.UnixNano(), cmd.ID, string(models.StatusPending))
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil, fmt.Errorf("claim %s: row changed during claim", cmd.ID)
		}
		t := claimedAt
		cmd.Status = models.StatusProcessing
		cmd.ClaimedBy = req.ClientID
		cmd.ClaimedAt = &t
		cmd.Attempts++
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return selected, nil
}

// DeleteTerminalBefore evicts completed/failed commands submitted before cutoff
func (db *DB) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM commands WHERE status IN (?, ?) AND submitted_at < ?
	`, string(models.StatusCompleted), string(models.StatusFailed), cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountCommands returns totals by status
func (db *DB) CountCommands(ctx context.Context) (models.CommandCounts, error) {
	var counts models.CommandCounts
	rows, err := db.QueryContext(ctx, "SELECT status, COUNT(*) FROM commands GROUP BY status")
	if err != nil {
		return counts, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, err
		}
		counts.AddN(models.CommandStatus(status), n)
	}
	return counts, rows.Err()
}

const clientColumns = `id, name, webhook_url, capabilities, status, registered_at, last_seen`

// InsertClient registers a client
func (db *DB) InsertClient(ctx context.Context, c *models.Client) error {
	caps, err := json.Marshal(nonNil(c.Capabilities))
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO clients (id, name, webhook_url, capabilities, status, registered_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Name, nullString(c.WebhookURL), string(caps), string(c.Status),
		c.RegisteredAt.UnixNano(), c.LastSeen.UnixNano())
	return err
}

// GetClient retrieves a client by its ID
func (db *DB) GetClient(ctx context.Context, id string) (*models.Client, error) {
	row := db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, id)
	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("client %s: %w", id, store.ErrNotFound)
	}
	return c, err
}

// ListClients returns all clients in registration order
func (db *DB) ListClients(ctx context.Context) ([]*models.Client, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	clients := []*models.Client{}
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// TouchClient refreshes lastSeen and reactivates the client
func (db *DB) TouchClient(ctx context.Context, id string, now time.Time) (*models.Client, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE clients SET last_seen = ?, status = ? WHERE id = ?
	`, now.UnixNano(), string(models.ClientActive), id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("client %s: %w", id, store.ErrNotFound)
	}
	return db.GetClient(ctx, id)
}

// MarkInactiveBefore demotes active clients not seen since cutoff
func (db *DB) MarkInactiveBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE clients SET status = ? WHERE status = ? AND last_seen < ?
	`, string(models.ClientInactive), string(models.ClientActive), cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountClients returns totals by status
func (db *DB) CountClients(ctx context.Context) (models.ClientCounts, error) {
	var counts models.ClientCounts
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM clients
	`, string(models.ClientActive)).Scan(&counts.Total, &counts.Active)
	counts.Inactive = counts.Total - counts.Active
	return counts, err
}

// Helper functions

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*models.Command, error) {
	var cmd models.Command
	var data, priority, status string
	var submittedAt int64
	var claimedBy, result, errorMessage sql.NullString
	var claimedAt, completedAt sql.NullInt64

	err := row.Scan(&cmd.ID, &cmd.Type, &data, &priority, &cmd.Source, &status, &submittedAt,
		&claimedBy, &claimedAt, &completedAt, &result, &errorMessage, &cmd.Attempts, &cmd.MaxAttempts)
	if err != nil {
		return nil, err
	}

	cmd.Data = json.RawMessage(data)
	cmd.Priority = models.Priority(priority)
	cmd.Status = models.CommandStatus(status)
	cmd.SubmittedAt = time.Unix(0, submittedAt).UTC()
	cmd.ClaimedBy = claimedBy.String
	cmd.ClaimedAt = timePtr(claimedAt)
	cmd.CompletedAt = timePtr(completedAt)
	if result.Valid {
		cmd.Result = json.RawMessage(result.String)
	}
	cmd.Error = errorMessage.String
	return &cmd, nil
}

func scanCommands(rows *sql.Rows) ([]*models.Command, error) {
	cmds := []*models.Command{}
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

func scanClient(row rowScanner) (*models.Client, error) {
	var c models.Client
	var webhook sql.NullString
	var caps, status string
	var registeredAt, lastSeen int64

	if err := row.Scan(&c.ID, &c.Name, &webhook, &caps, &status, &registeredAt, &lastSeen); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &c.Capabilities); err != nil {
		return nil, fmt.Errorf("client %s capabilities: %w", c.ID, err)
	}
	c.WebhookURL = webhook.String
	c.Status = models.ClientStatus(status)
	c.RegisteredAt = time.Unix(0, registeredAt).UTC()
	c.LastSeen = time.Unix(0, lastSeen).UTC()
	return &c, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
