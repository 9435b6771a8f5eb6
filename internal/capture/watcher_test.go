package capture

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recordingCapturer struct {
	mu       sync.Mutex
	captures []Capture
}

func (r *recordingCapturer) Capture(_ context.Context, c Capture) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captures = append(r.captures, c)
	return Outcome{Queued: true, QueueID: "q"}, nil
}

func (r *recordingCapturer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.captures)
}

func TestIsImage(t *testing.T) {
	for name, want := range map[string]bool{
		"a.jpg":      true,
		"B.JPEG":     true,
		"c.png":      true,
		"d.webp":     true,
		"e.gif":      false,
		"f.jpg.part": false,
		".g.jpg":     false,
		"notes.txt":  false,
	} {
		if got := isImage(name); got != want {
			t.Errorf("isImage(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestBackfill(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, processedDir), 0o700)
	os.WriteFile(filepath.Join(dir, "one.jpg"), []byte("jpeg"), 0o600)
	os.WriteFile(filepath.Join(dir, "two.png"), []byte("png"), 0o600)
	os.WriteFile(filepath.Join(dir, "skip.txt"), []byte("txt"), 0o600)
	os.WriteFile(filepath.Join(dir, "empty.jpg"), nil, 0o600)

	rc := &recordingCapturer{}
	w := NewWatcher(dir, "", rc)
	n, err := w.Backfill(context.Background())
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if n != 2 {
		t.Errorf("backfilled = %d, want 2", n)
	}
	for _, c := range rc.captures {
		if c.OwnerID != "device" || c.Metadata["source"] != "inbox" {
			t.Errorf("capture = %+v", c)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, processedDir, "one.jpg")); err != nil {
		t.Errorf("one.jpg not moved to processed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "skip.txt")); err != nil {
		t.Errorf("skip.txt should stay: %v", err)
	}
}

func TestWatcher_PicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	rc := &recordingCapturer{}
	w := NewWatcher(dir, "orchard", rc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Wait for the processed dir, which Run creates before watching.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(filepath.Join(dir, processedDir)); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher never initialized")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	tmp := filepath.Join(dir, "peach.jpg.part")
	os.WriteFile(tmp, []byte("jpeg-data"), 0o600)
	os.Rename(tmp, filepath.Join(dir, "peach.jpg"))

	deadline = time.Now().Add(3 * time.Second)
	for rc.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if rc.count() != 1 {
		t.Fatalf("captures = %d, want 1", rc.count())
	}
	rc.mu.Lock()
	c := rc.captures[0]
	rc.mu.Unlock()
	if c.OwnerID != "orchard" || string(c.Data) != "jpeg-data" || c.Metadata["filename"] != "peach.jpg" {
		t.Errorf("capture = %+v", c)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}
