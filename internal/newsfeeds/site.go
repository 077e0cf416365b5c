// Package newsfeeds implements the feed configuration and per-peer
// pattern matching from spec.md §3 (Site) and §6 (newsfeeds config file
// grammar). Pattern matching (pattern.go) is adapted verbatim from the
// teacher's internal/nntp/nntp-peering-pattern.go, generalized from
// "should this fetched article mirror to a peer" to the full site/feed
// dispatch of spec.md §4.6.
package newsfeeds

// Kind is a site's output discipline from spec.md §3.
type Kind int

const (
	KindFile Kind = iota
	KindChannel
	KindExploder
	KindFunnel
	KindLogOnly
	KindProgram
)

// Site is one feed entry from spec.md §3.
type Site struct {
	Name        string
	SendPattern []string
	Exclude     []string
	Reject      []string
	Distrib     []string // distribution-list, same !-negation convention as patterns

	Kind      Kind
	Param     string // path / command / name, depending on Kind
	HopLimit  int
	MaxSize   int64 // 0 = unlimited
	MinSize   int64
	GroupCap  int // Groupcount cap
	FollowCap int // Followcount cap
	CrossCap  int // Crosscount cap

	OriginatorPatterns []string
	Exclusions         []string // ME.Exclusions-style Path hostnames this site never wants to see again

	FunnelTarget string // name of the target site when Kind == KindFunnel
	FunnelIndex  int    // resolved index into Config.Sites, -1 until resolved

	StartWriting  int64 // hysteresis thresholds, spec.md §4.6
	StopWriting   int64
	StartSpooling int64

	SpoolPath string
}

// Config is the parsed newsfeeds file: ME plus every Site block, spec.md
// §6.
type Config struct {
	ME    MEDefaults
	Sites []*Site
	byName map[string]int
}

// MEDefaults is the server-wide ME block from spec.md §6.
type MEDefaults struct {
	Distributions []string
	Pathhost      string
	PathAlias     string
	Exclusions    []string
}

// NewConfig returns an empty Config ready for AddSite calls (used by
// tests and programmatic setup; ParseNewsfeeds is the on-disk loader).
func NewConfig() *Config {
	return &Config{byName: make(map[string]int)}
}

// AddSite registers a site, returning its index.
func (c *Config) AddSite(s *Site) int {
	if c.byName == nil {
		c.byName = make(map[string]int)
	}
	idx := len(c.Sites)
	c.Sites = append(c.Sites, s)
	c.byName[s.Name] = idx
	return idx
}

// IndexOf returns a site's index by name, or -1 ("no such site", the
// sentinel from spec.md §9) if unknown.
func (c *Config) IndexOf(name string) int {
	if idx, ok := c.byName[name]; ok {
		return idx
	}
	return -1
}

// ResolveFunnels resolves every funnel/master site reference to a flat
// array index, per spec.md §9: a cycle among funnel targets (funnel ->
// funnel, master -> master) is a fatal config error. Only funnel sites
// carry an outgoing edge, so a cycle can only occur among funnel sites;
// detected here by walking each funnel's target chain and watching for a
// revisit within the current walk.
func (c *Config) ResolveFunnels() error {
	targets := make([]int, len(c.Sites))
	for i, s := range c.Sites {
		targets[i] = -1
		if s.Kind != KindFunnel {
			continue
		}
		ti := c.IndexOf(s.FunnelTarget)
		if ti < 0 {
			return errSiteRef(s.Name, s.FunnelTarget)
		}
		targets[i] = ti
	}

	for i, s := range c.Sites {
		if s.Kind != KindFunnel {
			s.FunnelIndex = -1
			continue
		}
		seen := map[int]bool{i: true}
		cur := targets[i]
		for cur >= 0 && c.Sites[cur].Kind == KindFunnel {
			if seen[cur] {
				return errCycle(s.Name)
			}
			seen[cur] = true
			cur = targets[cur]
		}
		s.FunnelIndex = targets[i]
	}
	return nil
}

func errSiteRef(from, to string) error {
	return &siteError{"newsfeeds: site " + from + " funnels to unknown site " + to}
}

func errCycle(name string) error {
	return &siteError{"newsfeeds: cyclic funnel reference involving site " + name}
}

type siteError struct{ msg string }

func (e *siteError) Error() string { return e.msg }
