package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryPutGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.Put(ctx, "transcription/p1", []byte(`{"ok":true}`), "application/json"); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	data, err := m.Get(ctx, "transcription/p1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !bytes.Equal(data, []byte(`{"ok":true}`)) {
		t.Errorf("unexpected data: %s", data)
	}
}

func TestMemoryGetMissing(t *testing.T) {
	m := NewMemory()

	data, err := m.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("expected nil error for missing key, got %v", err)
	}
	if data != nil {
		t.Errorf("expected nil data for missing key, got %s", data)
	}
}

func TestMemoryExists(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	exists, err := m.Exists(ctx, "k")
	if err != nil || exists {
		t.Fatalf("expected missing key, got exists=%v err=%v", exists, err)
	}

	m.Put(ctx, "k", []byte("v"), "text/plain")
	exists, err = m.Exists(ctx, "k")
	if err != nil || !exists {
		t.Fatalf("expected key to exist, got exists=%v err=%v", exists, err)
	}

	m.Delete("k")
	exists, _ = m.Exists(ctx, "k")
	if exists {
		t.Error("expected key gone after delete")
	}
}

func TestMemoryFileTransfer(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	dir := t.TempDir()

	src := filepath.Join(dir, "clip.mp4")
	if err := os.WriteFile(src, []byte("video bytes"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := m.UploadFile(ctx, "segments/p/0_segment.mp4", src, "video/mp4"); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	dst := filepath.Join(dir, "downloaded.mp4")
	if err := m.DownloadTo(ctx, "segments/p/0_segment.mp4", dst); err != nil {
		t.Fatalf("download failed: %v", err)
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "video bytes" {
		t.Errorf("unexpected content: %s", data)
	}
}

func TestMemoryDownloadMissing(t *testing.T) {
	m := NewMemory()
	dst := filepath.Join(t.TempDir(), "out.mp4")

	if err := m.DownloadTo(context.Background(), "missing", dst); err == nil {
		t.Error("expected error downloading a missing key")
	}
}
