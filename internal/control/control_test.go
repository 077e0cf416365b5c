package control

import (
	"strings"
	"testing"
	"time"

	"github.com/go-while/go-pugleaf/internal/active"
	"github.com/go-while/go-pugleaf/internal/hashtoken"
	"github.com/go-while/go-pugleaf/internal/history"
	"github.com/go-while/go-pugleaf/internal/runstate"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	hcfg := history.DefaultConfig(dir + "/history")
	hcfg.Shards = 1
	hcfg.BatchTimeout = 10 * time.Millisecond
	h, err := history.New(hcfg)
	if err != nil {
		t.Fatalf("history.New: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	s := &Server{
		RunState: runstate.New(),
		Active:   active.New(),
		History:  h,
	}
	s.handlers = map[string]Handler{
		"pause":    s.handlePause,
		"throttle": s.handleThrottle,
		"go":       s.handleGo,
		"flush":    s.handleFlush,
		"addhist":  s.handleAddHist,
		"cancel":   s.handleCancel,
		"reload":   s.handleReload,
	}
	return s
}

func TestPauseThenGo(t *testing.T) {
	s := newTestServer(t)
	if resp := s.dispatch("pause maintenance"); !strings.HasPrefix(resp, "200") {
		t.Fatalf("pause reply = %q", resp)
	}
	if s.RunState.AcceptingArticles() {
		t.Fatalf("expected paused state to refuse articles")
	}
	if resp := s.dispatch("go"); !strings.HasPrefix(resp, "200") {
		t.Fatalf("go reply = %q", resp)
	}
	if !s.RunState.AcceptingArticles() {
		t.Fatalf("expected running state to accept articles")
	}
}

func TestAddHistThenCancel(t *testing.T) {
	s := newTestServer(t)
	resp := s.dispatch("addhist <ctl1@example.com>")
	if !strings.HasPrefix(resp, "200") {
		t.Fatalf("addhist reply = %q", resp)
	}

	time.Sleep(30 * time.Millisecond)
	canon, _ := hashtoken.Canonicalize("<ctl1@example.com>")
	hash := hashtoken.FromCanonical(canon)
	if !s.History.Have(hash) {
		t.Fatalf("expected history to remember the added message-id")
	}

	resp = s.dispatch("cancel <ctl1@example.com>")
	if !strings.HasPrefix(resp, "200") {
		t.Fatalf("cancel reply = %q", resp)
	}
}

func TestUnknownCommand(t *testing.T) {
	s := newTestServer(t)
	resp := s.dispatch("bogus")
	if !strings.HasPrefix(resp, "500") {
		t.Fatalf("resp = %q, want 500", resp)
	}
}
