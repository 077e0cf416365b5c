package nntp

import (
	"strings"
	"testing"
	"time"

	"github.com/go-while/go-pugleaf/internal/active"
	"github.com/go-while/go-pugleaf/internal/article"
	"github.com/go-while/go-pugleaf/internal/hashtoken"
	"github.com/go-while/go-pugleaf/internal/history"
	"github.com/go-while/go-pugleaf/internal/iobuf"
	"github.com/go-while/go-pugleaf/internal/newsfeeds"
	"github.com/go-while/go-pugleaf/internal/overview"
	"github.com/go-while/go-pugleaf/internal/reactor"
	"github.com/go-while/go-pugleaf/internal/storage"
	"github.com/go-while/go-pugleaf/internal/wip"
)

func newTestSession(t *testing.T) (*Session, *reactor.Channel) {
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

	ov, err := overview.NewStore(dir + "/overview")
	if err != nil {
		t.Fatalf("overview.NewStore: %v", err)
	}
	t.Cleanup(func() { ov.Close() })

	st, err := storage.NewFileStore(dir+"/store", 0)
	if err != nil {
		t.Fatalf("storage.NewFileStore: %v", err)
	}

	act := active.New()
	act.Add(&active.Group{Name: "misc.test", Flag: active.FlagNormal})

	proc := &article.Processor{
		Identity: article.Identity{Pathhost: "news.example"},
		Active:   act,
		History:  h,
		Overview: ov,
		Storage:  st,
		WIP:      wip.New(5 * time.Second),
		Feeds:    newsfeeds.NewConfig(),
	}

	ch := &reactor.Channel{
		Type: reactor.TypeNNTP,
		In:   iobuf.NewBuffer(4096),
		Out:  iobuf.NewBuffer(4096),
	}
	s := NewSession(ch, proc, wip.ChannelID(1), DefaultLimits(), PeerPolicy{Streaming: true}, nil)
	return s, ch
}

func feed(ch *reactor.Channel, data string) {
	ch.In.Append([]byte(data))
}

func outputOf(ch *reactor.Channel) string {
	s := string(ch.Out.Bytes())
	ch.Out.Discard(ch.Out.Len())
	return s
}

func TestIHaveFlowAcceptsNewArticle(t *testing.T) {
	s, ch := newTestSession(t)

	feed(ch, "IHAVE <new1@example.com>\r\n")
	if !s.OnReadable(ch) {
		t.Fatalf("OnReadable closed the connection unexpectedly")
	}
	resp := outputOf(ch)
	if !strings.HasPrefix(resp, "335") {
		t.Fatalf("response = %q, want 335 prefix", resp)
	}
	if s.State != StateGetArticle {
		t.Fatalf("state = %v, want GetArticle", s.State)
	}

	article := "Path: upstream.example!not-for-mail\r\n" +
		"From: a@b.com\r\nNewsgroups: misc.test\r\nSubject: s\r\n" +
		"Date: Mon, 2 Jan 2006 15:04:05 +0000\r\nMessage-ID: <new1@example.com>\r\n\r\nbody\r\n.\r\n"
	feed(ch, article)
	if !s.OnReadable(ch) {
		t.Fatalf("OnReadable closed the connection unexpectedly")
	}
	resp = outputOf(ch)
	if !strings.HasPrefix(resp, "235") {
		t.Fatalf("response = %q, want 235 prefix", resp)
	}
	if s.State != StateGetCmd {
		t.Fatalf("state = %v, want GetCmd", s.State)
	}
}

func TestIHaveDuplicateRefused(t *testing.T) {
	s, ch := newTestSession(t)

	feed(ch, "IHAVE <dup2@example.com>\r\n")
	s.OnReadable(ch)
	outputOf(ch)
	artBody := "Path: x\r\nFrom: a@b.com\r\nNewsgroups: misc.test\r\nSubject: s\r\n" +
		"Date: Mon, 2 Jan 2006 15:04:05 +0000\r\nMessage-ID: <dup2@example.com>\r\n\r\nbody\r\n.\r\n"
	feed(ch, artBody)
	s.OnReadable(ch)
	outputOf(ch)
	time.Sleep(30 * time.Millisecond)

	feed(ch, "IHAVE <dup2@example.com>\r\n")
	s.OnReadable(ch)
	resp := outputOf(ch)
	if !strings.HasPrefix(resp, "435") {
		t.Fatalf("response = %q, want 435 duplicate", resp)
	}
}

func TestCheckDuplicateGets438(t *testing.T) {
	s, ch := newTestSession(t)

	feed(ch, "IHAVE <dup3@example.com>\r\n")
	s.OnReadable(ch)
	outputOf(ch)
	artBody := "Path: x\r\nFrom: a@b.com\r\nNewsgroups: misc.test\r\nSubject: s\r\n" +
		"Date: Mon, 2 Jan 2006 15:04:05 +0000\r\nMessage-ID: <dup3@example.com>\r\n\r\nbody\r\n.\r\n"
	feed(ch, artBody)
	s.OnReadable(ch)
	outputOf(ch)
	time.Sleep(30 * time.Millisecond)

	feed(ch, "CHECK <dup3@example.com>\r\n")
	s.OnReadable(ch)
	resp := outputOf(ch)
	if !strings.HasPrefix(resp, "438") {
		t.Fatalf("response = %q, want 438 already-have", resp)
	}
}

func TestCheckRacingWIPGets431(t *testing.T) {
	s, ch := newTestSession(t)
	hash := mustHash(t, "<racing1@example.com>")
	s.WIP.InProgress(hash, s.ChannelID+1, true) // claimed by a different channel

	feed(ch, "CHECK <racing1@example.com>\r\n")
	s.OnReadable(ch)
	resp := outputOf(ch)
	if !strings.HasPrefix(resp, "431") {
		t.Fatalf("response = %q, want 431 try later", resp)
	}
}

func mustHash(t *testing.T, msgID string) hashtoken.Hash {
	t.Helper()
	canon, err := hashtoken.Canonicalize(msgID)
	if err != nil {
		t.Fatal(err)
	}
	return hashtoken.FromCanonical(canon)
}

func TestCommandTooLongEntersEatCommand(t *testing.T) {
	s, ch := newTestSession(t)
	feed(ch, "IHAVE "+strings.Repeat("x", 600))
	s.OnReadable(ch)
	resp := outputOf(ch)
	if !strings.HasPrefix(resp, "500") {
		t.Fatalf("response = %q, want 500 command too long", resp)
	}
}

func TestUnknownCommandGetsBadResponse(t *testing.T) {
	s, ch := newTestSession(t)
	feed(ch, "BOGUS\r\n")
	if !s.OnReadable(ch) {
		t.Fatalf("single bad command should not close connection")
	}
	resp := outputOf(ch)
	if !strings.HasPrefix(resp, "500") {
		t.Fatalf("response = %q, want 500", resp)
	}
}

func TestQuitClosesConnection(t *testing.T) {
	s, ch := newTestSession(t)
	feed(ch, "QUIT\r\n")
	if s.OnReadable(ch) {
		t.Fatalf("expected QUIT to close the connection")
	}
}

func TestAuthInfoAcceptsMatchingHostsNNTPPassword(t *testing.T) {
	s, ch := newTestSession(t)
	s.Policy.Auths = []*newsfeeds.PeerAuth{{Hosts: []string{"peer.example"}, Password: "secret"}}

	feed(ch, "AUTHINFO USER peer.example\r\n")
	s.OnReadable(ch)
	resp := outputOf(ch)
	if !strings.HasPrefix(resp, "381") {
		t.Fatalf("USER response = %q, want 381", resp)
	}

	feed(ch, "AUTHINFO PASS secret\r\n")
	s.OnReadable(ch)
	resp = outputOf(ch)
	if !strings.HasPrefix(resp, "281") {
		t.Fatalf("PASS response = %q, want 281", resp)
	}
}

func TestAuthInfoRejectsWrongPassword(t *testing.T) {
	s, ch := newTestSession(t)
	s.Policy.Auths = []*newsfeeds.PeerAuth{{Hosts: []string{"peer.example"}, Password: "secret"}}

	feed(ch, "AUTHINFO USER peer.example\r\n")
	s.OnReadable(ch)
	outputOf(ch)

	feed(ch, "AUTHINFO PASS wrong\r\n")
	s.OnReadable(ch)
	resp := outputOf(ch)
	if !strings.HasPrefix(resp, "481") {
		t.Fatalf("response = %q, want 481 authentication failed", resp)
	}
}

func TestAuthInfoAcceptsAnyoneWhenNoAuthsConfigured(t *testing.T) {
	s, ch := newTestSession(t)

	feed(ch, "AUTHINFO USER anyone\r\n")
	s.OnReadable(ch)
	outputOf(ch)

	feed(ch, "AUTHINFO PASS whatever\r\n")
	s.OnReadable(ch)
	resp := outputOf(ch)
	if !strings.HasPrefix(resp, "281") {
		t.Fatalf("response = %q, want 281 (no hosts.nntp entries means AUTHINFO always succeeds)", resp)
	}
}
