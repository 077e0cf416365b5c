package article

import "testing"

const sampleArticle = "Path: news.example!not-for-mail\r\n" +
	"From: poster@example.com\r\n" +
	"Newsgroups: misc.test\r\n" +
	"Subject: hello\r\n" +
	"Date: Mon, 2 Jan 2006 15:04:05 +0000\r\n" +
	"Message-ID: <abc123@example.com>\r\n" +
	"Relay-Version: 1.0\r\n" +
	"Xref: old.example misc.test:1\r\n" +
	"\r\n" +
	"body line one\r\nbody line two\r\n"

func TestCanonicalizeStripsObsoleteHeaders(t *testing.T) {
	parsed, err := canonicalizeHeaders([]byte(sampleArticle))
	if err != nil {
		t.Fatalf("canonicalizeHeaders: %v", err)
	}
	if _, ok := parsed.Headers.Get("Relay-Version"); ok {
		t.Errorf("expected Relay-Version to be stripped")
	}
	if _, ok := parsed.Headers.Get("Xref"); ok {
		t.Errorf("expected Xref to be removed from the pass-through copy")
	}
	if saved, ok := parsed.Headers.Saved("Xref"); !ok || saved == "" {
		t.Errorf("expected Xref to be retained for rewriting, got %q, %v", saved, ok)
	}
}

func TestCanonicalizeFoldsContinuationLines(t *testing.T) {
	raw := "Subject: part one\r\n continued\r\nFrom: a@b.com\r\nDate: Mon, 2 Jan 2006 15:04:05 +0000\r\n" +
		"Message-ID: <x@example.com>\r\nNewsgroups: misc.test\r\nPath: x\r\n\r\nbody\r\n"
	parsed, err := canonicalizeHeaders([]byte(raw))
	if err != nil {
		t.Fatalf("canonicalizeHeaders: %v", err)
	}
	subj, _ := parsed.Headers.Get("Subject")
	if subj != "part one continued" {
		t.Errorf("Subject = %q, want folded continuation", subj)
	}
}

func TestCanonicalizeRejectsDuplicateRequiredHeader(t *testing.T) {
	raw := "From: a@b.com\r\nFrom: c@d.com\r\nDate: Mon, 2 Jan 2006 15:04:05 +0000\r\n" +
		"Message-ID: <x@example.com>\r\nNewsgroups: misc.test\r\nPath: x\r\nSubject: s\r\n\r\nbody\r\n"
	if _, err := canonicalizeHeaders([]byte(raw)); err == nil {
		t.Fatalf("expected duplicate required header to fail")
	}
}

func TestCanonicalizeRequiresAllRequiredHeaders(t *testing.T) {
	raw := "From: a@b.com\r\n\r\nbody\r\n"
	if _, err := canonicalizeHeaders([]byte(raw)); err == nil {
		t.Fatalf("expected missing required headers to fail")
	}
}
