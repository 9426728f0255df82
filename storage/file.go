package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/youssefsiam38/chatkeeper/types"
)

// Logger interface for storage logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}

const fileExt = ".jsonl"

// FileBackend stores each chat as a JSONL file (one message per line) under
// a directory. Appends are fsynced; rewrites go through a temp file and a
// rename so a crash leaves either the old or the new record.
type FileBackend struct {
	dir    string
	logger Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileBackend creates the directory if needed and returns a backend.
func NewFileBackend(dir string, logger Logger) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create session dir %q: %v", ErrStorage, dir, err)
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &FileBackend{
		dir:    dir,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the session directory.
func (b *FileBackend) Dir() string {
	return b.dir
}

// Path returns the file holding chatID's record.
func (b *FileBackend) Path(chatID string) string {
	return filepath.Join(b.dir, url.PathEscape(chatID)+fileExt)
}

func (b *FileBackend) lock(chatID string) func() {
	b.mu.Lock()
	l, ok := b.locks[chatID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[chatID] = l
	}
	b.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Load implements Backend. Lines that do not decode, such as a write torn
// by a crash, are skipped and logged.
func (b *FileBackend) Load(_ context.Context, chatID string) ([]types.Message, error) {
	unlock := b.lock(chatID)
	defer unlock()

	f, err := os.Open(b.Path(chatID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []types.Message{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var (
		messages []types.Message
		skipped  int
		lineNo   int
	)
	r := bufio.NewReader(f)
	for {
		line, readErr := r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			lineNo++
			var msg types.Message
			if err := json.Unmarshal(line, &msg); err != nil {
				skipped++
				b.logger.Warn("skipping unreadable session record",
					"chat_id", chatID,
					"line", lineNo,
					"error", err,
				)
			} else {
				messages = append(messages, msg)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, readErr
		}
	}

	if skipped > 0 {
		b.logger.Info("session loaded with skipped records", "chat_id", chatID, "loaded", len(messages), "skipped", skipped)
	}
	if messages == nil {
		messages = []types.Message{}
	}
	return messages, nil
}

// Append implements Backend.
func (b *FileBackend) Append(_ context.Context, chatID string, msg types.Message) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	line = append(line, '\n')

	unlock := b.lock(chatID)
	defer unlock()

	f, err := os.OpenFile(b.Path(chatID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	// A previous crash may have left a partial line; start on a fresh one.
	if torn, err := endsMidLine(f); err != nil {
		return err
	} else if torn {
		line = append([]byte{'\n'}, line...)
	}

	if _, err := f.Write(line); err != nil {
		return err
	}
	return f.Sync()
}

func endsMidLine(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}

	// O_APPEND handles are still readable via a separate descriptor.
	rf, err := os.Open(f.Name())
	if err != nil {
		return false, err
	}
	defer rf.Close()

	last := make([]byte, 1)
	if _, err := rf.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

// Rewrite implements Backend.
func (b *FileBackend) Rewrite(_ context.Context, chatID string, messages []types.Message) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, msg := range messages {
		if err := enc.Encode(msg); err != nil {
			return fmt.Errorf("encode message %s: %w", msg.ID, err)
		}
	}

	unlock := b.lock(chatID)
	defer unlock()

	tmp, err := os.CreateTemp(b.dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, b.Path(chatID)); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Reset implements Backend.
func (b *FileBackend) Reset(_ context.Context, chatID string) error {
	unlock := b.lock(chatID)
	defer unlock()

	if err := os.Remove(b.Path(chatID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ListChats implements Lister.
func (b *FileBackend) ListChats(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %q: %v", ErrStorage, b.dir, err)
	}

	var chats []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, fileExt))
		if err != nil {
			continue
		}
		chats = append(chats, id)
	}
	sort.Strings(chats)
	return chats, nil
}

// Close implements Backend.
func (b *FileBackend) Close() error {
	return nil
}
