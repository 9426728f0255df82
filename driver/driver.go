// Package driver holds what the SQL session backends share: the table
// layout and the record encoding.
//
// Each chat's conversation is stored as rows of (chat_id, seq, record), where
// seq is the 1-based position of the message and record is its JSON encoding.
// Implementations:
//   - github.com/youssefsiam38/chatkeeper/driver/pgxv5 (PostgreSQL via pgx)
//   - github.com/youssefsiam38/chatkeeper/driver/databasesql (PostgreSQL via lib/pq, SQLite)
package driver

import (
	"encoding/json"
	"fmt"

	"github.com/youssefsiam38/chatkeeper/types"
)

// TableName is the table holding session records.
const TableName = "chatkeeper_messages"

// PostgresSchema creates the table on PostgreSQL.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS chatkeeper_messages (
	chat_id    TEXT        NOT NULL,
	seq        BIGINT      NOT NULL,
	record     JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (chat_id, seq)
)`

// SQLiteSchema creates the table on SQLite.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS chatkeeper_messages (
	chat_id    TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	record     TEXT    NOT NULL,
	created_at TEXT    NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (chat_id, seq)
)`

// EncodeRecord serializes a message for storage.
func EncodeRecord(msg types.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	return data, nil
}

// DecodeRecord parses a stored message.
func DecodeRecord(data []byte) (types.Message, error) {
	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return types.Message{}, fmt.Errorf("decode message record: %w", err)
	}
	return msg, nil
}
