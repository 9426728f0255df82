// Package pgxv5 provides a PostgreSQL session backend using pgx/v5.
//
// Usage:
//
//	pool, _ := pgxpool.New(ctx, databaseURL)
//	backend := pgxv5.New(pool)
//	if err := backend.Migrate(ctx); err != nil {
//	    return err
//	}
package pgxv5

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/youssefsiam38/chatkeeper/driver"
	"github.com/youssefsiam38/chatkeeper/types"
)

// Backend implements storage.Backend on a pgx connection pool.
type Backend struct {
	pool *pgxpool.Pool
}

// New creates a backend on pool. The caller owns the pool.
func New(pool *pgxpool.Pool) *Backend {
	return &Backend{pool: pool}
}

// Pool returns the underlying pgxpool.Pool for advanced usage.
func (b *Backend) Pool() *pgxpool.Pool {
	return b.pool
}

// Migrate creates the session table if it does not exist.
func (b *Backend) Migrate(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, driver.PostgresSchema); err != nil {
		return fmt.Errorf("failed to create %s: %w", driver.TableName, err)
	}
	return nil
}

// Load implements storage.Backend.
func (b *Backend) Load(ctx context.Context, chatID string) ([]types.Message, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT record FROM chatkeeper_messages
		WHERE chat_id = $1
		ORDER BY seq
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	records, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("failed to scan messages: %w", err)
	}

	messages := make([]types.Message, 0, len(records))
	for _, rec := range records {
		msg, err := driver.DecodeRecord(rec)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Append implements storage.Backend.
func (b *Backend) Append(ctx context.Context, chatID string, msg types.Message) error {
	record, err := driver.EncodeRecord(msg)
	if err != nil {
		return err
	}

	_, err = b.pool.Exec(ctx, `
		INSERT INTO chatkeeper_messages (chat_id, seq, record)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2
		FROM chatkeeper_messages
		WHERE chat_id = $1
	`, chatID, record)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// Rewrite implements storage.Backend. The delete and the inserts run in one
// transaction.
func (b *Backend) Rewrite(ctx context.Context, chatID string, messages []types.Message) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM chatkeeper_messages WHERE chat_id = $1`, chatID)
	for i, msg := range messages {
		record, err := driver.EncodeRecord(msg)
		if err != nil {
			return err
		}
		batch.Queue(`INSERT INTO chatkeeper_messages (chat_id, seq, record) VALUES ($1, $2, $3)`,
			chatID, i+1, record)
	}

	return pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to rewrite messages: %w", err)
		}
		return nil
	})
}

// Reset implements storage.Backend.
func (b *Backend) Reset(ctx context.Context, chatID string) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM chatkeeper_messages WHERE chat_id = $1`, chatID); err != nil {
		return fmt.Errorf("failed to reset chat: %w", err)
	}
	return nil
}

// ListChats implements storage.Lister.
func (b *Backend) ListChats(ctx context.Context) ([]string, error) {
	rows, err := b.pool.Query(ctx, `SELECT DISTINCT chat_id FROM chatkeeper_messages ORDER BY chat_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Close implements storage.Backend. The pool is left open for its owner.
func (b *Backend) Close() error {
	return nil
}
