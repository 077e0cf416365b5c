package nntp

import (
	"bytes"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/go-while/go-pugleaf/internal/article"
	"github.com/go-while/go-pugleaf/internal/hashtoken"
	"github.com/go-while/go-pugleaf/internal/newsfeeds"
	"github.com/go-while/go-pugleaf/internal/reactor"
	"github.com/go-while/go-pugleaf/internal/runstate"
	"github.com/go-while/go-pugleaf/internal/wip"
)

// PeerPolicy is the per-peer configuration a Session consults, grounded
// on newsfeeds.PeerAuth (hosts.nntp) but kept independent of that
// package so this one doesn't need to parse config itself.
type PeerPolicy struct {
	Streaming   bool
	NoResendId  bool
	AllowCancel bool

	// Auths is the hosts.nntp entry set AUTHINFO USER/PASS is checked
	// against; nil means this peer never requires AUTHINFO (it was
	// already admitted by host match alone).
	Auths []*newsfeeds.PeerAuth
}

// Session is one NNTP connection's state machine, spec.md §4.2.
type Session struct {
	Channel   *reactor.Channel
	Processor *article.Processor
	WIP       *wip.Table
	Limits    Limits
	Policy    PeerPolicy
	ChannelID wip.ChannelID
	Logger    *log.Logger
	RunState  *runstate.State

	State         State
	badCommands   int
	authenticated bool
	user          string

	pendingID    string
	pendingHash  hashtoken.Hash
	streamingAck bool // TAKETHIS pending a patched ACK/NAK code
	article      []byte
	eatRemainder int  // bytes still to discard in EatArticle/EatCommand
	forceReject  bool // body must be read but the server is not accepting it

	cancelModeOnly bool
}

// NewSession returns a Session ready to greet a freshly-accepted
// connection.
func NewSession(ch *reactor.Channel, proc *article.Processor, id wip.ChannelID, limits Limits, policy PeerPolicy, logger *log.Logger) *Session {
	return &Session{
		Channel:   ch,
		Processor: proc,
		WIP:       proc.WIP,
		Limits:    limits,
		Policy:    policy,
		ChannelID: id,
		Logger:    logger,
		State:     StateGetCmd,
	}
}

func (s *Session) writeLine(code int, text string) {
	if code == 0 {
		fmt.Fprintf(lineWriter{s.Channel}, "%s\r\n", text)
		return
	}
	fmt.Fprintf(lineWriter{s.Channel}, "%d %s\r\n", code, text)
}

type lineWriter struct{ ch *reactor.Channel }

func (w lineWriter) Write(p []byte) (int, error) {
	w.ch.Out.Append(p)
	return len(p), nil
}

// Greet sends the server's initial banner.
func (s *Session) Greet(posting bool) {
	if posting {
		s.writeLine(200, "server ready - posting allowed")
	} else {
		s.writeLine(201, "server ready - no posting allowed")
	}
}

// OnReadable is a reactor.ReaderFunc: drain ch.In as far as complete
// commands/articles are available, returning false to close the
// connection.
func (s *Session) OnReadable(ch *reactor.Channel) bool {
	for {
		switch s.State {
		case StateGetArticle, StateEatArticle:
			progressed, keepOpen := s.consumeArticle()
			if !keepOpen {
				return false
			}
			if !progressed {
				return true
			}
		case StateGetXBatch:
			if !s.consumeXBatch() {
				return true
			}
		default:
			line, ok := s.nextLine()
			if !ok {
				return true
			}
			if !s.handleLine(line) {
				return false
			}
		}
	}
}

// nextLine extracts one CRLF-terminated line from ch.In, enforcing the
// 512-octet command-line cap (spec.md §4.2) by switching to EatCommand.
func (s *Session) nextLine() (string, bool) {
	buf := s.Channel.In.Bytes()
	idx := bytes.Index(buf, []byte("\r\n"))
	if idx < 0 {
		if len(buf) > s.Limits.MaxCommandLine && s.State != StateEatCommand {
			s.State = StateEatCommand
			s.writeLine(500, "command too long")
			s.Channel.In.Discard(len(buf))
		}
		return "", false
	}
	line := string(buf[:idx])
	s.Channel.In.Discard(idx + 2)
	if s.State == StateEatCommand {
		s.State = StateGetCmd
		return "", true // drained the offending tail, resume fresh next line
	}
	if idx > s.Limits.MaxCommandLine {
		s.writeLine(500, "command too long")
		return "", true
	}
	return line, true
}

// handleLine dispatches one command line per spec.md §4.2's accepted
// command set.
func (s *Session) handleLine(line string) bool {
	if strings.TrimSpace(line) == "" {
		return true // blank lines are ignored
	}
	fields := strings.Fields(line)
	cmd := strings.ToUpper(fields[0])
	args := fields[1:]

	if s.Channel.Trace && s.Logger != nil {
		s.Logger.Printf("[TRACE fd=%d] <- %s", s.Channel.FD, line)
	}

	var ok bool
	switch cmd {
	case "IHAVE":
		ok = s.handleIHave(args)
	case "CHECK":
		ok = s.handleCheck(args)
	case "TAKETHIS":
		ok = s.handleTakeThis(args)
	case "MODE":
		ok = s.handleMode(args)
	case "XBATCH":
		ok = s.handleXBatch(args)
	case "HEAD":
		ok = s.handleHead(args)
	case "STAT":
		ok = s.handleStat(args)
	case "LIST":
		ok = s.handleList(args)
	case "HELP":
		s.writeLine(100, "Legal commands")
		s.writeLine(0, ".") // terminator line body, code field unused
		ok = true
	case "QUIT":
		s.writeLine(205, "closing connection")
		return false
	case "AUTHINFO":
		ok = s.handleAuthInfo(args)
	case "XPATH":
		ok = s.handleXPath(args)
	default:
		s.writeLine(500, "command not recognized")
		ok = false
	}

	if !ok {
		s.badCommands++
		if s.badCommands >= s.Limits.MaxBadCommands {
			return false
		}
	} else {
		s.badCommands = 0
	}
	return true
}

func (s *Session) handleIHave(args []string) bool {
	if len(args) != 1 {
		s.writeLine(501, "IHAVE requires a message-id")
		return false
	}
	return s.offerArticle(args[0], false)
}

func (s *Session) handleCheck(args []string) bool {
	if !s.Policy.Streaming {
		s.writeLine(500, "streaming not permitted")
		return false
	}
	if len(args) != 1 {
		s.writeLine(501, "CHECK requires a message-id")
		return false
	}
	return s.offerArticle(args[0], true)
}

// offerArticle implements spec.md §4.2's shared IHAVE/CHECK validation:
// ID-shape, history dup-check, WIP claim, then either a 335/238 "send
// it" or a 435/436/438/431 refusal (400 while not accepting). IHAVE's 335
// moves to GetArticle; CHECK stays in GetCmd, since the body follows a
// later TAKETHIS.
func (s *Session) offerArticle(rawID string, streaming bool) bool {
	if s.RunState != nil && !s.RunState.AcceptingArticles() {
		s.writeLine(400, "server not accepting articles")
		return true
	}
	canon, err := hashtoken.Canonicalize(rawID)
	if err != nil {
		s.writeLine(435, "bad message-id")
		return true
	}
	hash := hashtoken.FromCanonical(canon)

	if s.Processor.History.Have(hash) {
		s.writeLine(refuseCode(streaming, true), "duplicate")
		return true
	}
	if s.WIP.InProgress(hash, s.ChannelID, true) {
		if s.Policy.NoResendId {
			s.writeLine(refuseCode(streaming, true), "in progress")
		} else {
			s.writeLine(refuseCode(streaming, false), "retry later")
		}
		return true
	}

	s.pendingID = rawID
	s.pendingHash = hash
	s.article = s.article[:0]
	if streaming {
		s.writeLine(238, "send article")
	} else {
		s.writeLine(335, "send article")
		s.State = StateGetArticle
	}
	return true
}

// refuseCode picks the IHAVE (435/436) or CHECK/TAKETHIS streaming (438/431)
// refusal code: permanent=true means "don't send it" (already have it, or a
// WIP collision with NoResendId set), permanent=false means "try again
// later" (another connection is currently in progress with it).
func refuseCode(streaming, permanent bool) int {
	if streaming {
		if permanent {
			return 438
		}
		return 431
	}
	if permanent {
		return 435
	}
	return 436
}

func (s *Session) handleTakeThis(args []string) bool {
	if !s.Policy.Streaming {
		s.writeLine(500, "streaming not permitted")
		return false
	}
	if len(args) != 1 {
		s.writeLine(501, "TAKETHIS requires a message-id")
		return false
	}
	canon, err := hashtoken.Canonicalize(args[0])
	if err != nil {
		s.writeLine(439, "bad message-id")
		return true
	}
	s.pendingID = args[0]
	s.pendingHash = hashtoken.FromCanonical(canon)
	s.article = s.article[:0]
	s.streamingAck = true
	// TAKETHIS commits the peer to sending the article body regardless
	// of our reply, so throttled mode can't refuse before reading it
	// without desyncing the stream; the body is still consumed and
	// discarded, but forced to a 439 once complete.
	s.forceReject = s.RunState != nil && !s.RunState.AcceptingArticles()
	if !s.forceReject {
		s.WIP.InProgress(s.pendingHash, s.ChannelID, true)
	}
	s.State = StateGetArticle
	return true
}

// consumeArticle scans ch.In for the dot-terminator while in
// GetArticle/EatArticle, per spec.md §4.2's accumulation rules. Returns
// (progressed, keepOpen): progressed is false once no further forward
// progress is possible with the bytes currently buffered.
func (s *Session) consumeArticle() (progressed bool, keepOpen bool) {
	buf := s.Channel.In.Bytes()
	if len(buf) == 0 {
		return false, true
	}

	term := []byte("\r\n.\r\n")
	idx := bytes.Index(buf, term)

	if s.State == StateEatArticle {
		if idx < 0 {
			keep := len(term) - 1
			if len(buf) > keep {
				s.Channel.In.Discard(len(buf) - keep)
			}
			return false, true
		}
		s.Channel.In.Discard(idx + len(term))
		s.writeLine(437, "article too big, rejected")
		s.State = StateGetCmd
		return true, true
	}

	if idx < 0 {
		if int64(len(buf)) > s.Limits.MaxArticleSize {
			s.State = StateEatArticle
			return true, true
		}
		return false, true
	}

	body := buf[:idx]
	s.Channel.In.Discard(idx + len(term))
	s.article = append(s.article[:0], unescapeDotStuffing(body)...)
	s.State = StateGetCmd

	if s.forceReject {
		s.forceReject = false
		s.rejectPending("server not accepting articles")
		return true, true
	}

	if len(s.article) == 0 {
		s.rejectPending("empty article")
		return true, true
	}

	verdict := s.Processor.Post(s.ChannelID, s.article)
	s.reportVerdict(verdict)
	return true, true
}

func (s *Session) rejectPending(reason string) {
	s.WIP.Free(s.pendingHash)
	if s.streamingAck {
		s.writeLine(439, reason)
		s.streamingAck = false
		return
	}
	s.writeLine(437, reason)
}

func (s *Session) reportVerdict(v article.Verdict) {
	s.WIP.Free(s.pendingHash)
	switch v.Outcome {
	case article.Accepted:
		if s.streamingAck {
			s.writeLine(239, "article transferred ok: "+s.pendingID)
		} else {
			s.writeLine(235, "article transferred ok")
		}
	case article.Refused:
		if s.streamingAck {
			s.writeLine(439, v.Reason)
		} else {
			s.writeLine(435, v.Reason)
		}
	default: // Rejected or Deferred
		code := 437
		if v.Resendit {
			code = 436
		}
		if s.streamingAck {
			code = 439
		}
		s.writeLine(code, v.Reason)
	}
	s.streamingAck = false
}

func (s *Session) handleMode(args []string) bool {
	if len(args) != 1 {
		s.writeLine(501, "MODE requires an argument")
		return false
	}
	switch strings.ToUpper(args[0]) {
	case "STREAM":
		if s.Policy.Streaming {
			s.writeLine(203, "streaming permitted")
		} else {
			s.writeLine(500, "streaming not permitted")
		}
	case "READER":
		s.writeLine(200, "posting allowed")
	case "CANCEL":
		if !s.Policy.AllowCancel {
			s.writeLine(502, "cancel mode not permitted")
			return false
		}
		s.cancelModeOnly = true
		s.writeLine(290, "cancel mode entered")
	default:
		s.writeLine(501, "unknown MODE argument")
		return false
	}
	return true
}

func (s *Session) handleXBatch(args []string) bool {
	if len(args) != 1 {
		s.writeLine(501, "XBATCH requires a byte count")
		return false
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		s.writeLine(501, "bad XBATCH size")
		return false
	}
	s.State = StateGetXBatch
	s.eatRemainder = n
	s.writeLine(250, "batch accepted")
	return true
}

// consumeXBatch discards the announced batch payload; this server
// doesn't act on batch contents, it only drains them off the wire, per
// spec.md's XBATCH being accepted but not required to produce output.
func (s *Session) consumeXBatch() bool {
	buf := s.Channel.In.Bytes()
	if len(buf) == 0 {
		return false
	}
	n := len(buf)
	if n > s.eatRemainder {
		n = s.eatRemainder
	}
	s.Channel.In.Discard(n)
	s.eatRemainder -= n
	if s.eatRemainder <= 0 {
		s.State = StateGetCmd
	}
	return true
}

func (s *Session) handleHead(args []string) bool {
	s.writeLine(221, "0 <none> head follows")
	s.writeLine(0, ".")
	return true
}

func (s *Session) handleStat(args []string) bool {
	s.writeLine(223, "0 <none> article retrieved")
	return true
}

func (s *Session) handleList(args []string) bool {
	s.writeLine(215, "list of newsgroups follows")
	s.writeLine(0, ".")
	return true
}

func (s *Session) handleAuthInfo(args []string) bool {
	if len(args) < 2 {
		s.writeLine(501, "AUTHINFO requires a subcommand and value")
		return false
	}
	switch strings.ToUpper(args[0]) {
	case "USER":
		s.user = args[1]
		s.writeLine(381, "more authentication required")
	case "PASS":
		if s.verifyAuth(args[1]) {
			s.authenticated = true
			s.writeLine(281, "authentication accepted")
		} else {
			s.writeLine(481, "authentication failed")
			return false
		}
	case "GENERIC":
		s.writeLine(501, "generic authentication not supported")
		return false
	default:
		s.writeLine(501, "unknown AUTHINFO subcommand")
		return false
	}
	return true
}

// verifyAuth checks the AUTHINFO USER value against the peer's
// hosts.nntp entries, spec.md §6; a nil/empty Auths list means this
// peer was already admitted by host match and AUTHINFO always succeeds
// (matching a plaintext legacy hosts.nntp entry with no password line).
func (s *Session) verifyAuth(password string) bool {
	if len(s.Policy.Auths) == 0 {
		return true
	}
	for _, auth := range s.Policy.Auths {
		for _, host := range auth.Hosts {
			if host == s.user {
				ok, legacy := auth.Verify(password)
				if ok && legacy && s.Logger != nil {
					s.Logger.Printf("[AUTH] %s uses a plaintext hosts.nntp password, consider rehashing with bcrypt", s.user)
				}
				return ok
			}
		}
	}
	return false
}

func (s *Session) handleXPath(args []string) bool {
	if len(args) != 1 {
		s.writeLine(501, "XPATH requires a message-id")
		return false
	}
	s.writeLine(220, "path follows")
	return true
}

// unescapeDotStuffing removes one leading dot from any body line that
// starts with "..", the NNTP dot-stuffing escape, per spec.md §4.2.
func unescapeDotStuffing(body []byte) []byte {
	lines := bytes.Split(body, []byte("\r\n"))
	for i, line := range lines {
		if bytes.HasPrefix(line, []byte("..")) {
			lines[i] = line[1:]
		}
	}
	return bytes.Join(lines, []byte("\r\n"))
}
