package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func collectPaths() (Handler, func() []string) {
	var mu sync.Mutex
	var got []string
	h := func(path string) {
		mu.Lock()
		got = append(got, path)
		mu.Unlock()
	}
	return h, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), got...)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func startWatcher(t *testing.T, dir string, h Handler) *Watcher {
	t.Helper()
	w := New([]string{dir}, h, zerolog.Nop())
	w.debounce = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
	// let the watcher attach before events start
	time.Sleep(100 * time.Millisecond)
	return w
}

func TestWatcher_NewFileFiresOnce(t *testing.T) {
	dir := t.TempDir()
	h, got := collectPaths()
	startWatcher(t, dir, h)

	path := filepath.Join(dir, "ep.vtt")
	if err := os.WriteFile(path, []byte("WEBVTT\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if !waitFor(t, 3*time.Second, func() bool { return len(got()) == 1 }) {
		t.Fatalf("handler calls = %v", got())
	}
	if got()[0] != path {
		t.Errorf("path = %q", got()[0])
	}
}

func TestWatcher_DebouncesWriteBursts(t *testing.T) {
	dir := t.TempDir()
	h, got := collectPaths()
	startWatcher(t, dir, h)

	path := filepath.Join(dir, "ep.vtt")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := f.WriteString("chunk\n"); err != nil {
			t.Fatal(err)
		}
		f.Sync()
		time.Sleep(30 * time.Millisecond)
	}
	f.Close()

	if !waitFor(t, 3*time.Second, func() bool { return len(got()) >= 1 }) {
		t.Fatal("handler never fired")
	}
	// settle past another debounce window, then the count must be stable
	time.Sleep(300 * time.Millisecond)
	if n := len(got()); n != 1 {
		t.Errorf("handler fired %d times for one file", n)
	}
}

func TestWatcher_IgnoresNonVTT(t *testing.T) {
	dir := t.TempDir()
	h, got := collectPaths()
	startWatcher(t, dir, h)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(400 * time.Millisecond)
	if len(got()) != 0 {
		t.Errorf("handler fired for non-vtt file: %v", got())
	}
}

func TestWatcher_PicksUpNewSubdirectories(t *testing.T) {
	dir := t.TempDir()
	h, got := collectPaths()
	startWatcher(t, dir, h)

	sub := filepath.Join(dir, "2024")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	// give the watcher a beat to attach to the new directory
	time.Sleep(200 * time.Millisecond)

	path := filepath.Join(sub, "ep.vtt")
	if err := os.WriteFile(path, []byte("WEBVTT\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, 3*time.Second, func() bool { return len(got()) == 1 }) {
		t.Fatalf("handler calls = %v", got())
	}
}
