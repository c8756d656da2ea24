package ingest

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, path string, b []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestScanDirectory(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.jpg"), []byte("a"))
	writeFile(t, filepath.Join(root, "notes.txt"), []byte("n"))
	writeFile(t, filepath.Join(root, "sub", "b.PDF"), []byte("b"))
	writeFile(t, filepath.Join(root, "sub", "c.heic"), []byte("c"))
	writeFile(t, filepath.Join(root, ".cache", "d.png"), []byte("d"))
	writeFile(t, filepath.Join(root, ".e.png"), []byte("e"))

	paths, stats, err := ScanDirectory(root, true)
	if err != nil {
		t.Fatalf("ScanDirectory: %v", err)
	}
	want := []string{
		filepath.Join(root, "a.jpg"),
		filepath.Join(root, "sub", "b.PDF"),
		filepath.Join(root, "sub", "c.heic"),
	}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Fatalf("paths mismatch (-want +got):\n%s", diff)
	}
	if stats.Matched != 3 || stats.Hidden != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	all, _, err := ScanDirectory(root, false)
	if err != nil || len(all) != 5 {
		t.Fatalf("without skipHidden = %v, %v", all, err)
	}
}

func TestScanDirectoryMissingRoot(t *testing.T) {
	t.Parallel()
	if _, _, err := ScanDirectory(filepath.Join(t.TempDir(), "nope"), false); err == nil {
		t.Fatal("expected error for missing root")
	}
	if _, _, err := ScanDirectory(" ", false); err == nil {
		t.Fatal("expected error for empty root")
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := filepath.Join(dir, "Receipt.JPG")
	writeFile(t, p, []byte{0xFF, 0xD8, 0xFF, 0xE0})

	req, hash, err := LoadFile(p, 1024)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if req.MimeType != "image/jpeg" || req.Filename != "Receipt.JPG" || len(req.Content) != 4 {
		t.Fatalf("request = %+v", req)
	}
	if len(hash) != 64 {
		t.Fatalf("hash = %q", hash)
	}

	if _, _, err := LoadFile(p, 3); err == nil {
		t.Fatal("expected size error")
	}
	txt := filepath.Join(dir, "x.txt")
	writeFile(t, txt, []byte("x"))
	if _, _, err := LoadFile(txt, 0); err == nil {
		t.Fatal("expected extension error")
	}
}

func TestWatcherEmitsNewFiles(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "existing.png"), []byte("x"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _, err := StartWatcher(ctx, WatchConfig{Roots: []string{root}, InitialScan: true}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("StartWatcher: %v", err)
	}

	next := func() string {
		t.Helper()
		select {
		case p := <-events:
			return p
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for watcher event")
			return ""
		}
	}
	if got := next(); got != filepath.Join(root, "existing.png") {
		t.Fatalf("initial = %q", got)
	}

	writeFile(t, filepath.Join(root, "ignored.txt"), []byte("x"))
	writeFile(t, filepath.Join(root, "new.pdf"), []byte("%PDF"))
	for {
		got := next()
		if got == filepath.Join(root, "ignored.txt") {
			t.Fatalf("unsupported file emitted")
		}
		if got == filepath.Join(root, "new.pdf") {
			break
		}
	}

	cancel()
	for range events {
	}
}

func TestWatcherRequiresRoots(t *testing.T) {
	t.Parallel()
	if _, _, err := StartWatcher(context.Background(), WatchConfig{}, nil); err == nil {
		t.Fatal("expected error")
	}
}
