package article

import (
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/go-while/go-pugleaf/internal/active"
	"github.com/go-while/go-pugleaf/internal/hashtoken"
	"github.com/go-while/go-pugleaf/internal/history"
	"github.com/go-while/go-pugleaf/internal/newsfeeds"
	"github.com/go-while/go-pugleaf/internal/overview"
	"github.com/go-while/go-pugleaf/internal/storage"
	"github.com/go-while/go-pugleaf/internal/wip"
)

// Filter is an external collaborator consulted at step 5 of the
// pipeline. It returns reject=true, with a reason, to reject the article.
type Filter interface {
	Check(a *Article) (reason string, reject bool)
}

// Identity names this server for Path/Xref rewriting, grounded on the
// teacher's config.ServerConfig.Hostname plus newsfeeds' ME block.
type Identity struct {
	Pathhost  string
	PathAlias string
	XrefSlave bool
}

// Processor implements spec.md §4.3's post(channel, buffer) -> Verdict
// pipeline.
type Processor struct {
	Identity Identity
	Active   *active.Active
	History  *history.History
	Overview *overview.Store
	Storage  storage.Store
	WIP      *wip.Table
	Feeds    *newsfeeds.Config
	Filters  []Filter
	Logger   *log.Logger

	// SiteEmit hands a built output record to the site package's
	// per-discipline writer (file/channel/exploder/funnel/program/
	// logonly); nil discards records, which is fine for tests that only
	// exercise storage/history/overview.
	SiteEmit func(site *newsfeeds.Site, record []byte)

	// BadControlProgram is invoked when a control word has no matching
	// handler, per spec.md §4.3 step 14.
	BadControlProgram string
	ControlHandlerDir string

	TrashRemember bool
	WantTrash     bool
}

// Article is the parsed, still-mutable form of an incoming article as it
// flows through the pipeline.
type Article struct {
	Headers *Headers
	Body    []byte

	MessageID string
	Hash      hashtoken.Hash

	Newsgroups []string
	Followups  []string
	Distrib    []string

	Groupcount  int
	Followcount int
	Crosscount  int

	FiledGroups []filedGroup
	JunkOnly    bool
}

type filedGroup struct {
	Name   string
	ArtNum int64
}

// ChannelID identifies the receiving connection for WIP claims and
// originator tracking.
type ChannelID = wip.ChannelID

// Post runs the full pipeline against a raw article buffer received on
// channel.
func (p *Processor) Post(channel ChannelID, raw []byte) Verdict {
	parsed, err := canonicalizeHeaders(raw)
	if err != nil {
		return rejected(err.Error())
	}

	art := &Article{Headers: parsed.Headers, Body: parsed.Body}

	if v := p.validateMessageID(art); v.Outcome != Accepted {
		return v
	}
	if v := p.checkDuplicate(art, channel); v.Outcome != Accepted {
		return v
	}
	if v := p.checkPathExclusion(art); v.Outcome != Accepted {
		return v
	}
	if v := p.runFilters(art); v.Outcome != Accepted {
		return v
	}
	if v := p.checkDistribution(art); v.Outcome != Accepted {
		return v
	}
	if v := p.expandNewsgroups(art); v.Outcome != Accepted {
		return v
	}
	p.computeCrossPolicy(art)
	if v := p.assignXref(art); v.Outcome != Accepted {
		return v
	}

	buf, err := p.buildStoredBuffer(art)
	if err != nil {
		return rejectedResend(fmt.Sprintf("store assemble: %v", err))
	}
	tok, err := p.Storage.Store(buf)
	if err != nil {
		if errors.Is(err, storage.ErrNoMatch) {
			return rejectedResend("storage no-match")
		}
		return rejectedResend(fmt.Sprintf("storage: %v", err))
	}

	if err := p.History.Write(&history.Entry{
		Hash:    art.Hash,
		Arrived: time.Now(),
		Posted:  postedTime(art),
		Expires: history.NoExpires,
		Token:   tok,
	}); err != nil {
		return rejectedResend(fmt.Sprintf("history write: %v", err))
	}
	p.WIP.Free(art.Hash)

	p.writeOverview(art, tok)
	p.propagate(art, tok)

	if v := p.handleControl(art, tok); v.Outcome != Accepted {
		return v
	}

	return accepted()
}

func postedTime(art *Article) time.Time {
	if d, ok := art.Headers.Get("Date"); ok {
		if t, err := parseArticleDate(d); err == nil {
			return t
		}
	}
	return time.Now()
}

func (p *Processor) validateMessageID(art *Article) Verdict {
	raw, ok := art.Headers.Get("Message-ID")
	if !ok || raw == "" {
		return rejected("missing Message-ID")
	}
	if len(raw) > 250 {
		return rejected("Message-ID exceeds 250 octets")
	}
	canon, err := hashtoken.Canonicalize(raw)
	if err != nil {
		return rejected(fmt.Sprintf("bad Message-ID: %v", err))
	}
	art.MessageID = canon
	art.Hash = hashtoken.FromCanonical(canon)
	return accepted()
}

func (p *Processor) checkDuplicate(art *Article, channel ChannelID) Verdict {
	if p.History.Have(art.Hash) {
		if p.TrashRemember {
			p.History.Remember(art.Hash)
		}
		return refused("duplicate")
	}
	if p.WIP.InProgress(art.Hash, channel, true) {
		return refused("in progress on another channel")
	}
	return accepted()
}

func (p *Processor) checkPathExclusion(art *Article) Verdict {
	pathVal, _ := art.Headers.Get("Path")
	for _, excl := range p.Feeds.ME.Exclusions {
		if excl == "" {
			continue
		}
		if strings.Contains(pathVal, excl) {
			return rejected("site-excluded")
		}
	}
	return accepted()
}

func (p *Processor) runFilters(art *Article) Verdict {
	for _, f := range p.Filters {
		if reason, reject := f.Check(art); reject {
			return rejected(reason)
		}
	}
	return accepted()
}

func (p *Processor) checkDistribution(art *Article) Verdict {
	dist, ok := art.Headers.Get("Distribution")
	if !ok || dist == "" {
		return accepted()
	}
	tokens := splitTokens(dist)
	art.Distrib = tokens
	if len(p.Feeds.ME.Distributions) == 0 {
		return accepted()
	}
	for _, tok := range tokens {
		if !distributionAllowed(tok, p.Feeds.ME.Distributions) {
			return rejected(fmt.Sprintf("distribution %q excluded", tok))
		}
	}
	return accepted()
}

func distributionAllowed(tok string, patterns []string) bool {
	for _, pat := range patterns {
		negate := strings.HasPrefix(pat, "!")
		pat = strings.TrimPrefix(pat, "!")
		if strings.EqualFold(pat, tok) {
			return !negate
		}
	}
	return true
}

func splitTokens(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func (p *Processor) expandNewsgroups(art *Article) Verdict {
	ngHeader, _ := art.Headers.Get("Newsgroups")
	groups := splitTokens(strings.ReplaceAll(ngHeader, ",", " "))
	art.Newsgroups = groups

	followHeader, ok := art.Headers.Get("Followup-To")
	if ok && followHeader != "" {
		art.Followups = splitTokens(strings.ReplaceAll(followHeader, ",", " "))
	} else {
		art.Followups = groups
	}

	isCtl := false
	for _, g := range groups {
		if strings.HasSuffix(g, ".ctl") {
			isCtl = true
		}
	}
	_, hasApproved := art.Headers.Get("Approved")

	var anyFileable, allJunk bool
	allJunk = true
	for _, name := range groups {
		g := p.Active.Get(name)
		if g == nil {
			continue // unknown group still fed to interested sites below
		}
		switch g.Flag {
		case active.FlagModerated:
			if !hasApproved {
				return rejected(fmt.Sprintf("unapproved post to moderated group %s", name))
			}
		case active.FlagJunk:
			continue
		case active.FlagExcluded:
			if !p.WantTrash {
				continue
			}
		}
		allJunk = false
		anyFileable = true
	}
	if !anyFileable && allJunk && !isCtl {
		art.JunkOnly = true
	}
	return accepted()
}

func (p *Processor) computeCrossPolicy(art *Article) {
	art.Groupcount = len(art.Newsgroups)
	art.Followcount = len(art.Followups)
	cross := make(map[string]bool)
	for _, g := range art.Newsgroups {
		cross[g] = true
	}
	for _, g := range art.Followups {
		cross[g] = true
	}
	art.Crosscount = len(cross)
}

func (p *Processor) assignXref(art *Article) Verdict {
	if p.Identity.XrefSlave {
		return p.adoptXrefSlave(art)
	}
	for _, name := range art.Newsgroups {
		g := p.Active.Get(name)
		if g == nil {
			continue
		}
		if g.Flag == active.FlagJunk && !art.JunkOnly {
			continue
		}
		if g.Flag == active.FlagExcluded && !p.WantTrash {
			continue
		}
		n, err := p.Active.BumpHigh(name)
		if err != nil {
			continue
		}
		art.FiledGroups = append(art.FiledGroups, filedGroup{Name: name, ArtNum: n})
	}
	if len(art.FiledGroups) == 0 && !art.JunkOnly {
		return rejected("no eligible newsgroups")
	}
	return accepted()
}

func (p *Processor) adoptXrefSlave(art *Article) Verdict {
	xref, ok := art.Headers.Saved("Xref")
	if !ok {
		return rejected("xrefslave mode requires Xref")
	}
	fields := strings.Fields(xref)
	for _, f := range fields {
		parts := strings.SplitN(f, ":", 2)
		if len(parts) != 2 {
			continue
		}
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		if err := p.Active.AdoptHigh(parts[0], n); err == nil {
			art.FiledGroups = append(art.FiledGroups, filedGroup{Name: parts[0], ArtNum: n})
		}
	}
	return accepted()
}

// buildXref renders the rewritten Xref header value in group:N order.
func buildXref(pathhost string, groups []filedGroup) string {
	parts := make([]string, 0, len(groups)+1)
	parts = append(parts, pathhost)
	for _, g := range groups {
		parts = append(parts, fmt.Sprintf("%s:%d", g.Name, g.ArtNum))
	}
	return strings.Join(parts, " ")
}

// buildPath prepends the server's pathhost and alias to an existing Path
// value if not already present, per spec.md §4.3 step 10.
func buildPath(identity Identity, existing string) string {
	entries := strings.Split(existing, "!")
	has := func(tok string) bool {
		for _, e := range entries {
			if strings.EqualFold(e, tok) {
				return true
			}
		}
		return false
	}
	prefix := make([]string, 0, 2)
	if identity.PathAlias != "" && !has(identity.PathAlias) {
		prefix = append(prefix, identity.PathAlias)
	}
	if identity.Pathhost != "" && !has(identity.Pathhost) {
		prefix = append(prefix, identity.Pathhost)
	}
	if len(prefix) == 0 {
		return existing
	}
	return strings.Join(prefix, "!") + "!" + existing
}

func (p *Processor) buildStoredBuffer(art *Article) ([]byte, error) {
	pathVal, _ := art.Headers.Get("Path")
	newPath := buildPath(p.Identity, pathVal)
	xref := buildXref(p.Identity.Pathhost, art.FiledGroups)

	var b strings.Builder
	for _, name := range art.Headers.Names() {
		if strings.EqualFold(name, "Path") {
			fmt.Fprintf(&b, "Path: %s\r\n", newPath)
			continue
		}
		v, _ := art.Headers.Get(name)
		fmt.Fprintf(&b, "%s: %s\r\n", name, v)
	}
	fmt.Fprintf(&b, "Xref: %s\r\n", xref)
	if _, ok := art.Headers.Get("Bytes"); !ok {
		fmt.Fprintf(&b, "Bytes: %d\r\n", len(art.Body))
	}
	if _, ok := art.Headers.Get("Lines"); !ok {
		fmt.Fprintf(&b, "Lines: %d\r\n", strings.Count(string(art.Body), "\n"))
	}
	b.WriteString("\r\n")
	b.Write(art.Body)
	return []byte(b.String()), nil
}

func (p *Processor) writeOverview(art *Article, tok hashtoken.Token) {
	if p.Overview == nil {
		return
	}
	schema := overview.DefaultSchema()
	line := overview.BuildLine(schema, func(name string) string {
		v, _ := art.Headers.Get(name)
		return v
	})
	for _, g := range art.FiledGroups {
		if err := p.Overview.Add(g.Name, uint32(g.ArtNum), art.Hash, line); err != nil && p.Logger != nil {
			p.Logger.Printf("[ARTICLE] overview add %s:%d: %v", g.Name, g.ArtNum, err)
		}
	}
}

func (p *Processor) propagate(art *Article, tok hashtoken.Token) {
	if p.Feeds == nil {
		return
	}
	for _, site := range p.Feeds.Sites {
		if !siteWantsArticle(site, art) {
			continue
		}
		record := buildFeedRecord(site, art, tok)
		dest := site
		if site.Kind == newsfeeds.KindFunnel && site.FunnelIndex >= 0 {
			dest = p.Feeds.Sites[site.FunnelIndex]
		}
		if p.SiteEmit != nil {
			p.SiteEmit(dest, record)
		}
	}
}

func siteWantsArticle(site *newsfeeds.Site, art *Article) bool {
	if art.Groupcount > 0 && site.GroupCap > 0 && art.Groupcount > site.GroupCap {
		return false
	}
	if art.Followcount > 0 && site.FollowCap > 0 && art.Followcount > site.FollowCap {
		return false
	}
	if site.CrossCap > 0 && art.Crosscount > site.CrossCap {
		return false
	}
	res := newsfeeds.MatchArticleForPeer(art.Newsgroups, site.SendPattern, site.Exclude, site.Reject)
	return res.Action == "send"
}

func buildFeedRecord(site *newsfeeds.Site, art *Article, tok hashtoken.Token) []byte {
	var b strings.Builder
	b.WriteString(tok.String())
	b.WriteByte(' ')
	b.WriteString(art.MessageID)
	b.WriteByte('\n')
	return []byte(b.String())
}

func (p *Processor) handleControl(art *Article, tok hashtoken.Token) Verdict {
	ctl, hasCtl := art.Headers.Get("Control")
	isCtlGroup := false
	for _, g := range art.Newsgroups {
		if strings.HasSuffix(g, ".ctl") {
			isCtlGroup = true
		}
	}
	if !hasCtl && !isCtlGroup {
		return accepted()
	}
	fields := strings.Fields(ctl)
	if len(fields) == 0 {
		return accepted()
	}
	word := strings.ToLower(fields[0])
	switch word {
	case "cancel":
		return p.handleCancel(art, fields)
	case "ihave", "sendme":
		return accepted() // forwarding handled by the site layer
	default:
		return p.spawnControlHandler(word, art, fields)
	}
}

func (p *Processor) handleCancel(art *Article, fields []string) Verdict {
	if len(fields) < 2 {
		return rejected("cancel missing target")
	}
	targetCanon, err := hashtoken.Canonicalize(fields[1])
	if err != nil {
		return rejected("cancel: bad target id")
	}
	targetHash := hashtoken.FromCanonical(targetCanon)
	targetTok, ok := p.History.Get(targetHash)
	if !ok {
		return refused("cancel: target unknown")
	}
	origBody, err := p.Storage.Retrieve(targetTok)
	if err != nil {
		return refused("cancel: target unretrievable")
	}
	if !cancelAuthorMatches(origBody, art) {
		return rejected("cancel: author mismatch")
	}
	if err := p.Storage.Cancel(targetTok); err != nil {
		return rejectedResend(fmt.Sprintf("cancel: %v", err))
	}
	p.History.Remember(targetHash)
	return accepted()
}

// isSafeControlWord rejects anything but a bare identifier, so a
// malicious Control header cannot escape ControlHandlerDir via "../" or
// similar path tricks when building the handler's filename.
func isSafeControlWord(word string) bool {
	if word == "" {
		return false
	}
	for _, r := range word {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}

func cancelAuthorMatches(origBody []byte, cancelArt *Article) bool {
	origHeaders, err := canonicalizeHeaders(origBody)
	if err != nil {
		return false
	}
	from, _ := cancelArt.Headers.Get("From")
	origFrom, _ := origHeaders.Headers.Get("From")
	if strings.EqualFold(strings.TrimSpace(from), strings.TrimSpace(origFrom)) {
		return true
	}
	sender, _ := cancelArt.Headers.Get("Sender")
	origSender, _ := origHeaders.Headers.Get("Sender")
	return sender != "" && strings.EqualFold(strings.TrimSpace(sender), strings.TrimSpace(origSender))
}

func (p *Processor) spawnControlHandler(word string, art *Article, fields []string) Verdict {
	if !isSafeControlWord(word) {
		return rejected("control: invalid control word")
	}
	handler := p.ControlHandlerDir + "/control." + word
	poster, _ := art.Headers.Get("From")
	replyTo, _ := art.Headers.Get("Reply-To")
	newsgroup := ""
	if len(art.Newsgroups) > 0 {
		newsgroup = art.Newsgroups[0]
	}
	argv := []string{handler, poster, replyTo, newsgroup}
	if _, err := exec.LookPath(handler); err != nil {
		if p.BadControlProgram == "" {
			return accepted()
		}
		argv[0] = p.BadControlProgram
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		if p.Logger != nil {
			p.Logger.Printf("[ARTICLE] control handler %s: %v", word, err)
		}
		return accepted()
	}
	go func() { _ = cmd.Wait() }()
	return accepted()
}
