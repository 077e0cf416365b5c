package article

import (
	"strings"
	"testing"
	"time"

	"github.com/go-while/go-pugleaf/internal/active"
	"github.com/go-while/go-pugleaf/internal/history"
	"github.com/go-while/go-pugleaf/internal/newsfeeds"
	"github.com/go-while/go-pugleaf/internal/overview"
	"github.com/go-while/go-pugleaf/internal/storage"
	"github.com/go-while/go-pugleaf/internal/wip"
)

func newTestProcessor(t *testing.T) *Processor {
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

	act := active.New()
	act.Add(&active.Group{Name: "misc.test", Flag: active.FlagNormal, High: 0, Low: 1})

	feeds := newsfeeds.NewConfig()

	store, err := storage.NewFileStore(dir+"/store", 0)
	if err != nil {
		t.Fatalf("storage.NewFileStore: %v", err)
	}

	return &Processor{
		Identity: Identity{Pathhost: "news.example"},
		Active:   act,
		History:  h,
		Overview: ov,
		Storage:  store,
		WIP:      wip.New(5 * time.Second),
		Feeds:    feeds,
	}
}

func buildArticle(msgID string) []byte {
	return []byte("Path: upstream.example!not-for-mail\r\n" +
		"From: poster@example.com\r\n" +
		"Newsgroups: misc.test\r\n" +
		"Subject: hello\r\n" +
		"Date: Mon, 2 Jan 2006 15:04:05 +0000\r\n" +
		"Message-ID: " + msgID + "\r\n" +
		"\r\n" +
		"body\r\n")
}

func TestPostAcceptsNewArticle(t *testing.T) {
	p := newTestProcessor(t)
	v := p.Post(1, buildArticle("<new1@example.com>"))
	if v.Outcome != Accepted {
		t.Fatalf("Post() = %+v, want Accepted", v)
	}
	g := p.Active.Get("misc.test")
	if g.High != 1 {
		t.Errorf("active High = %d, want 1", g.High)
	}
}

func TestPostRefusesDuplicate(t *testing.T) {
	p := newTestProcessor(t)
	raw := buildArticle("<dup1@example.com>")
	if v := p.Post(1, raw); v.Outcome != Accepted {
		t.Fatalf("first Post() = %+v, want Accepted", v)
	}
	time.Sleep(30 * time.Millisecond) // let the history writer catch up
	if v := p.Post(2, raw); v.Outcome != Refused {
		t.Fatalf("second Post() = %+v, want Refused", v)
	}
}

func TestPostRejectsPathExcludedSite(t *testing.T) {
	p := newTestProcessor(t)
	p.Feeds.ME.Exclusions = []string{"upstream.example"}
	v := p.Post(1, buildArticle("<excl1@example.com>"))
	if v.Outcome != Rejected || !strings.Contains(v.Reason, "site-excluded") {
		t.Fatalf("Post() = %+v, want site-excluded rejection", v)
	}
}

func TestPostRejectsUnapprovedModerated(t *testing.T) {
	p := newTestProcessor(t)
	p.Active.Add(&active.Group{Name: "misc.moderated", Flag: active.FlagModerated})
	raw := []byte("Path: x\r\nFrom: a@b.com\r\nNewsgroups: misc.moderated\r\nSubject: s\r\n" +
		"Date: Mon, 2 Jan 2006 15:04:05 +0000\r\nMessage-ID: <mod1@example.com>\r\n\r\nbody\r\n")
	v := p.Post(1, raw)
	if v.Outcome != Rejected {
		t.Fatalf("Post() = %+v, want Rejected for unapproved moderated post", v)
	}
}
