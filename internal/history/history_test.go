package history

import (
	"testing"
	"time"

	"github.com/go-while/go-pugleaf/internal/hashtoken"
)

func newTestHistory(t *testing.T) *History {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.Shards = 2
	cfg.BatchTimeout = 50 * time.Millisecond
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestWriteThenHave(t *testing.T) {
	h := newTestHistory(t)
	hash, _ := hashtoken.New("<s1@example.com>")

	if h.Have(hash) {
		t.Fatalf("expected hash absent before write")
	}
	if err := h.Write(&Entry{Hash: hash, Arrived: time.Now(), Token: hashtoken.Token{Kind: hashtoken.KindStored, Index: 1}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !h.Have(hash) {
		t.Fatalf("expected hash present immediately after write (cache)")
	}

	waitFor(t, func() bool {
		_, ok := h.Get(hash)
		return ok
	})
}

func TestDuplicateWriteRefused(t *testing.T) {
	h := newTestHistory(t)
	hash, _ := hashtoken.New("<dup@example.com>")
	if err := h.Write(&Entry{Hash: hash, Arrived: time.Now()}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := h.Write(&Entry{Hash: hash, Arrived: time.Now()}); err == nil {
		t.Fatalf("expected second write to the same hash to be refused")
	}
}

func TestRememberSuppressesFutureArrival(t *testing.T) {
	h := newTestHistory(t)
	hash, _ := hashtoken.New("<cancelled@example.com>")
	if err := h.Remember(hash); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if !h.Have(hash) {
		t.Fatalf("expected remembered hash to read as present")
	}
}

func TestSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.Shards = 2
	cfg.BatchTimeout = 20 * time.Millisecond
	h, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	hash, _ := hashtoken.New("<restart@example.com>")
	if err := h.Write(&Entry{Hash: hash, Arrived: time.Now(), Token: hashtoken.Token{Kind: hashtoken.KindStored, Index: 7}}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		_, ok := h.Get(hash)
		return ok
	})
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	h2, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer h2.Close()
	if !h2.Have(hash) {
		t.Fatalf("expected history to survive a close/reopen cycle")
	}
}
