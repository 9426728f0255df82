// Package testutil provides test utilities for chatkeeper
package testutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/youssefsiam38/chatkeeper/driver"
	"github.com/youssefsiam38/chatkeeper/streaming"
)

// TestDB wraps a PostgreSQL connection pool for testing
type TestDB struct {
	Pool *pgxpool.Pool
}

// NewTestDB creates a test database connection from DATABASE_URL env var.
// Skips the test if DATABASE_URL is not set.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("Failed to ping database: %v", err)
	}

	if _, err := pool.Exec(ctx, driver.PostgresSchema); err != nil {
		pool.Close()
		t.Fatalf("Failed to create schema: %v", err)
	}

	db := &TestDB{Pool: pool}
	t.Cleanup(db.Close)
	return db
}

// Close closes the database connection
func (db *TestDB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// CleanTables truncates all tables for test isolation
func (db *TestDB) CleanTables(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", driver.TableName)); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", driver.TableName, err)
	}
	return nil
}

// RequireIntegration skips the test if not running integration tests
func RequireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("Skipping integration test: DATABASE_URL not set")
	}
}

// Response is one scripted reply of a FakeModel.
type Response struct {
	// Events are streamed in order. Use streaming.TextEvents for plain text.
	Events []streaming.Event

	// Err, if set, is returned by Stream before any event.
	Err error

	// StreamErr, if set, is reported by the stream after Events are consumed.
	StreamErr error

	// Block makes Stream wait until the context is done and return its error.
	Block bool
}

// ErrScriptExhausted is returned when a FakeModel has no responses left.
var ErrScriptExhausted = errors.New("testutil: no scripted response left")

// FakeModel is a streaming.Model that replays scripted responses and records
// every request it receives.
type FakeModel struct {
	mu        sync.Mutex
	responses []Response
	requests  []*streaming.Request
	fallback  *Response
}

// NewFakeModel creates a model that answers with responses in order.
func NewFakeModel(responses ...Response) *FakeModel {
	return &FakeModel{responses: responses}
}

// Text is shorthand for a plain text response.
func Text(s string) Response {
	return Response{Events: streaming.TextEvents(s)}
}

// Fail is shorthand for a response that errors before streaming.
func Fail(err error) Response {
	return Response{Err: err}
}

// Always makes the model answer with r once the script is exhausted.
func (m *FakeModel) Always(r Response) *FakeModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = &r
	return m
}

// Push appends responses to the script.
func (m *FakeModel) Push(responses ...Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, responses...)
}

// Stream implements streaming.Model.
func (m *FakeModel) Stream(ctx context.Context, req *streaming.Request) (streaming.Stream, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	var r Response
	switch {
	case len(m.responses) > 0:
		r = m.responses[0]
		m.responses = m.responses[1:]
	case m.fallback != nil:
		r = *m.fallback
	default:
		m.mu.Unlock()
		return nil, ErrScriptExhausted
	}
	m.mu.Unlock()

	if r.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return streaming.NewSliceStream(r.Events, r.StreamErr), nil
}

// Requests returns the requests received so far.
func (m *FakeModel) Requests() []*streaming.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*streaming.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Calls returns the number of Stream calls.
func (m *FakeModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
