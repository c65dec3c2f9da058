package proxylog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriter_DisabledWritesNothing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w := New(Config{Enable: false, Dir: dir})
	w.WriteFailure(context.Background(), Entry{RequestID: "req_1"})

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("files: got=%d want=0", len(entries))
	}
	if w.Enabled() {
		t.Fatalf("expected disabled writer")
	}
}

func TestWriter_WritesEntryAndSanitizesName(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w := New(Config{Enable: true, Dir: dir})
	model := "claude-3-haiku-20240307"
	w.WriteFailure(context.Background(), Entry{
		Time:       time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC),
		RequestID:  "req/../1",
		Provider:   "anthropic",
		Model:      &model,
		Stream:     true,
		StatusCode: 503,
		ErrorKind:  "provider_service_unavailable",
		ErrorMsg:   "overloaded",
		Retryable:  true,
	})

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("files: got=%d want=1", len(entries))
	}
	name := entries[0].Name()
	if !strings.HasPrefix(name, "20261016_080000_") || strings.Contains(name, "/") {
		t.Fatalf("unexpected file name: %q", name)
	}

	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var got Entry
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Provider != "anthropic" || got.ErrorKind != "provider_service_unavailable" || !got.Retryable || got.StatusCode != 503 {
		t.Fatalf("unexpected entry: %+v", got)
	}
}

func TestWriter_TruncatesOversizedEntry(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w := New(Config{Enable: true, Dir: dir, MaxBytes: 1024})
	w.WriteFailure(context.Background(), Entry{RequestID: "req_big", ErrorMsg: strings.Repeat("x", 4096)})

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("files: got=%d want=1", len(entries))
	}
	info, err := entries[0].Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Size() > 1024 {
		t.Fatalf("file too large: %d", info.Size())
	}
}

func TestWriter_CleansUpOldFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w := New(Config{Enable: true, Dir: dir, MaxFiles: 2})
	base := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"req_a", "req_b", "req_c"} {
		w.WriteFailure(context.Background(), Entry{Time: base.Add(time.Duration(i) * time.Second), RequestID: id})
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Fatalf("files: got=%d want=2", len(entries))
	}
}
