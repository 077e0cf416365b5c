package newsfeeds

import (
	"strings"
	"testing"
)

const sampleNewsfeeds = `
ME:!foo.bar:Xpeer.excluded.example:pathhost.example

site1:comp.*,!comp.test:Tf,H5,<1048576:spool/site1

site2/peer.excluded.example:*:Tm:site1
`

func TestParseNewsfeedsBasic(t *testing.T) {
	cfg, err := ParseNewsfeeds(strings.NewReader(sampleNewsfeeds))
	if err != nil {
		t.Fatalf("ParseNewsfeeds: %v", err)
	}
	if cfg.ME.Pathhost != "pathhost.example" {
		t.Errorf("ME.Pathhost = %q", cfg.ME.Pathhost)
	}
	if len(cfg.ME.Exclusions) != 1 || cfg.ME.Exclusions[0] != "peer.excluded.example" {
		t.Errorf("ME.Exclusions = %v", cfg.ME.Exclusions)
	}

	site1 := cfg.Sites[cfg.IndexOf("site1")]
	if site1 == nil {
		t.Fatalf("site1 not found")
	}
	if site1.Kind != KindFile {
		t.Errorf("site1.Kind = %v, want KindFile", site1.Kind)
	}
	if site1.HopLimit != 5 {
		t.Errorf("site1.HopLimit = %d, want 5", site1.HopLimit)
	}
	if site1.MaxSize != 1048576 {
		t.Errorf("site1.MaxSize = %d, want 1048576", site1.MaxSize)
	}

	site2 := cfg.Sites[cfg.IndexOf("site2")]
	if site2 == nil {
		t.Fatalf("site2 not found")
	}
	if site2.Kind != KindFunnel || site2.FunnelTarget != "site1" {
		t.Errorf("site2 = %+v, want funnel to site1", site2)
	}
	if len(site2.Exclusions) != 1 || site2.Exclusions[0] != "peer.excluded.example" {
		t.Errorf("site2.Exclusions = %v", site2.Exclusions)
	}
}

func TestResolveFunnelsDetectsCycle(t *testing.T) {
	cfg := NewConfig()
	cfg.AddSite(&Site{Name: "a", Kind: KindFunnel, FunnelTarget: "b"})
	cfg.AddSite(&Site{Name: "b", Kind: KindFunnel, FunnelTarget: "a"})
	if err := cfg.ResolveFunnels(); err == nil {
		t.Fatalf("expected cycle error")
	}
}

func TestResolveFunnelsChain(t *testing.T) {
	cfg := NewConfig()
	cfg.AddSite(&Site{Name: "leaf", Kind: KindFile})
	cfg.AddSite(&Site{Name: "mid", Kind: KindFunnel, FunnelTarget: "leaf"})
	cfg.AddSite(&Site{Name: "top", Kind: KindFunnel, FunnelTarget: "mid"})
	if err := cfg.ResolveFunnels(); err != nil {
		t.Fatalf("ResolveFunnels: %v", err)
	}
	top := cfg.Sites[cfg.IndexOf("top")]
	if top.FunnelIndex != cfg.IndexOf("mid") {
		t.Errorf("top.FunnelIndex = %d, want index of mid", top.FunnelIndex)
	}
}

func TestResolveFunnelsUnknownTarget(t *testing.T) {
	cfg := NewConfig()
	cfg.AddSite(&Site{Name: "a", Kind: KindFunnel, FunnelTarget: "ghost"})
	if err := cfg.ResolveFunnels(); err == nil {
		t.Fatalf("expected error for unknown funnel target")
	}
}
