package newsfeeds

import "testing"

func TestMatchNewsgroupPatternsSend(t *testing.T) {
	result := MatchNewsgroupPatterns("comp.lang.go", []string{"comp.*"}, nil, nil)
	if result.Action != "send" {
		t.Errorf("Action = %q, want send (explanation: %s)", result.Action, result.Explanation)
	}
}

func TestMatchNewsgroupPatternsReject(t *testing.T) {
	result := MatchNewsgroupPatterns("alt.sex.stories", []string{"*"}, nil, []string{"@alt.sex.*"})
	if result.Action != "reject" {
		t.Errorf("Action = %q, want reject", result.Action)
	}
}

func TestMatchNewsgroupPatternsExclude(t *testing.T) {
	result := MatchNewsgroupPatterns("comp.test", []string{"comp.*"}, []string{"!*.test"}, nil)
	if result.Action != "exclude" {
		t.Errorf("Action = %q, want exclude", result.Action)
	}
}

func TestMatchNewsgroupPatternsNoSend(t *testing.T) {
	result := MatchNewsgroupPatterns("alt.music", []string{"comp.*"}, nil, nil)
	if result.Action != "no-send" {
		t.Errorf("Action = %q, want no-send", result.Action)
	}
}

func TestMatchNewsgroupPatternsRejectBeatsSend(t *testing.T) {
	// a reject pattern must win even when the newsgroup also matches a send pattern
	result := MatchNewsgroupPatterns("alt.sex.stories", []string{"alt.*"}, nil, []string{"@alt.sex.*"})
	if result.Action != "reject" {
		t.Errorf("Action = %q, want reject (reject takes priority over send)", result.Action)
	}
}

func TestMatchArticleForPeerSingleGroup(t *testing.T) {
	result := MatchArticleForPeer([]string{"comp.lang.go"}, []string{"comp.*"}, nil, nil)
	if result.Action != "send" {
		t.Errorf("Action = %q, want send", result.Action)
	}
}

func TestMatchArticleForPeerCrosspostSendsIfAnyGroupMatches(t *testing.T) {
	result := MatchArticleForPeer([]string{"comp.lang.go", "rec.humor"}, []string{"comp.*", "rec.*"}, nil, nil)
	if result.Action != "send" {
		t.Errorf("Action = %q, want send", result.Action)
	}
}

func TestMatchArticleForPeerCrosspostRejectOnAnyGroupRejectsWhole(t *testing.T) {
	// an article crossposted into a poisoned group must be rejected entirely,
	// even though it also matches a perfectly good send pattern.
	result := MatchArticleForPeer([]string{"comp.lang.go", "alt.sex.stories"}, []string{"*"}, nil, []string{"@alt.sex.*"})
	if result.Action != "reject" {
		t.Errorf("Action = %q, want reject (poison group must veto the whole article)", result.Action)
	}
}

func TestMatchArticleForPeerNoMatchingGroups(t *testing.T) {
	result := MatchArticleForPeer([]string{"alt.music", "alt.cooking"}, []string{"comp.*"}, nil, nil)
	if result.Action != "no-send" {
		t.Errorf("Action = %q, want no-send", result.Action)
	}
}

func TestMatchWildcardPatterns(t *testing.T) {
	cases := []struct {
		text, pattern string
		want          bool
	}{
		{"comp.lang.go", "comp.*", true},
		{"comp.lang.go", "rec.*", false},
		{"alt.test", "*", true},
		{"a", "?", true},
		{"ab", "?", false},
	}
	for _, c := range cases {
		if got := matchWildcard(c.text, c.pattern); got != c.want {
			t.Errorf("matchWildcard(%q, %q) = %v, want %v", c.text, c.pattern, got, c.want)
		}
	}
}
