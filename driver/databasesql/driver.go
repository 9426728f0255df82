// Package databasesql provides a database/sql session backend for
// PostgreSQL (lib/pq) and SQLite (modernc.org/sqlite).
package databasesql

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/youssefsiam38/chatkeeper/driver"
	"github.com/youssefsiam38/chatkeeper/types"
)

// Dialect selects SQL syntax and the database/sql driver name.
type Dialect string

const (
	// DialectPostgres uses lib/pq.
	DialectPostgres Dialect = "postgres"

	// DialectSQLite uses modernc.org/sqlite.
	DialectSQLite Dialect = "sqlite"
)

// Backend implements storage.Backend using database/sql.
type Backend struct {
	db      *sql.DB
	dialect Dialect
	ownsDB  bool
}

// New creates a backend on an existing connection. The caller owns db.
func New(db *sql.DB, dialect Dialect) *Backend {
	return &Backend{db: db, dialect: dialect}
}

// Open connects with the dialect's driver and creates the schema.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Backend, error) {
	if dialect != DialectPostgres && dialect != DialectSQLite {
		return nil, fmt.Errorf("unknown dialect %q", dialect)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// One writer at a time; avoids SQLITE_BUSY under concurrent chats.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect, err)
	}

	b := &Backend{db: db, dialect: dialect, ownsDB: true}
	if err := b.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// DB returns the underlying connection.
func (b *Backend) DB() *sql.DB {
	return b.db
}

// Migrate creates the session table if it does not exist.
func (b *Backend) Migrate(ctx context.Context) error {
	schema := driver.PostgresSchema
	if b.dialect == DialectSQLite {
		schema = driver.SQLiteSchema
	}
	if _, err := b.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create %s: %w", driver.TableName, err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (b *Backend) rebind(query string) string {
	if b.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Load implements storage.Backend.
func (b *Backend) Load(ctx context.Context, chatID string) ([]types.Message, error) {
	rows, err := b.db.QueryContext(ctx,
		b.rebind(`SELECT record FROM chatkeeper_messages WHERE chat_id = ? ORDER BY seq`), chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	messages := []types.Message{}
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg, err := driver.DecodeRecord([]byte(record))
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Append implements storage.Backend.
func (b *Backend) Append(ctx context.Context, chatID string, msg types.Message) error {
	record, err := driver.EncodeRecord(msg)
	if err != nil {
		return err
	}

	_, err = b.db.ExecContext(ctx, b.rebind(`
		INSERT INTO chatkeeper_messages (chat_id, seq, record)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?
		FROM chatkeeper_messages
		WHERE chat_id = ?
	`), chatID, string(record), chatID)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// Rewrite implements storage.Backend.
func (b *Backend) Rewrite(ctx context.Context, chatID string, messages []types.Message) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, b.rebind(`DELETE FROM chatkeeper_messages WHERE chat_id = ?`), chatID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		b.rebind(`INSERT INTO chatkeeper_messages (chat_id, seq, record) VALUES (?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, msg := range messages {
		record, err := driver.EncodeRecord(msg)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, chatID, i+1, string(record)); err != nil {
			return fmt.Errorf("failed to insert message %d: %w", i+1, err)
		}
	}

	return tx.Commit()
}

// Reset implements storage.Backend.
func (b *Backend) Reset(ctx context.Context, chatID string) error {
	if _, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM chatkeeper_messages WHERE chat_id = ?`), chatID); err != nil {
		return fmt.Errorf("failed to reset chat: %w", err)
	}
	return nil
}

// ListChats implements storage.Lister.
func (b *Backend) ListChats(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT DISTINCT chat_id FROM chatkeeper_messages ORDER BY chat_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var chats []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		chats = append(chats, id)
	}
	return chats, rows.Err()
}

// Close implements storage.Backend. The connection is closed only if Open
// created it.
func (b *Backend) Close() error {
	if b.ownsDB {
		return b.db.Close()
	}
	return nil
}
