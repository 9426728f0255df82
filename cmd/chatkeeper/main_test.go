package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/youssefsiam38/chatkeeper"
	"github.com/youssefsiam38/chatkeeper/config"
	"github.com/youssefsiam38/chatkeeper/internal/testutil"
	"github.com/youssefsiam38/chatkeeper/storage"
)

func TestCurrentTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := currentTime(now, "")
	if err != nil || got != "Sun, 01 Mar 2026 12:00:00 UTC" {
		t.Errorf("currentTime() = %q, %v", got, err)
	}
	if _, err := currentTime(now, "Mars/Olympus"); err == nil {
		t.Error("currentTime() with unknown zone error = nil")
	}
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		cfg     config.StorageConfig
		wantErr bool
	}{
		{"memory", config.StorageConfig{Backend: config.BackendMemory}, false},
		{"file", config.StorageConfig{Backend: config.BackendFile, Dir: t.TempDir()}, false},
		{"sqlite", config.StorageConfig{Backend: config.BackendSQLite, DSN: t.TempDir() + "/chats.db"}, false},
		{"unknown", config.StorageConfig{Backend: "redis"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, err := openBackend(ctx, tt.cfg, slog.New(slog.DiscardHandler))
			if (err != nil) != tt.wantErr {
				t.Fatalf("openBackend() error = %v, wantErr %v", err, tt.wantErr)
			}
			if backend != nil {
				_ = backend.Close()
			}
		})
	}
}

func TestREPL(t *testing.T) {
	reg, err := chatkeeper.NewRegistry(chatkeeper.Config{
		Backend: storage.NewMemoryBackend(),
		Model:   testutil.NewFakeModel(testutil.Text("first"), testutil.Text("second")),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close(context.Background())

	in := strings.NewReader("hello\n\nagain\n/stats\n")
	var out bytes.Buffer
	if err := repl(context.Background(), reg, "cli", in, &out); err != nil {
		t.Fatalf("repl() error = %v", err)
	}

	got := out.String()
	for _, want := range []string{"first\n", "second\n", `"persisted_cursor": 4`} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}
