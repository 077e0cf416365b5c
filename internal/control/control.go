// Package control implements the administrative control channel from
// spec.md §6: a Unix-domain datagram socket accepting newline-terminated
// commands (pause, throttle, go, reload, flush, addhist, cancel, ...)
// and replying with one status line per request.
//
// Grounded on spec.md §6's own text for the command set and reply
// convention; the datagram-socket plumbing has no direct analogue in
// the teacher (which exposes only HTTP), so it follows the accept-loop
// shape of the teacher's nntp-server.go generalized from a
// stream-oriented listener to net.ListenUnixgram's connectionless
// request/reply pattern.
package control

import (
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	prof "github.com/go-while/go-cpu-mem-profiler"

	"github.com/go-while/go-pugleaf/internal/active"
	"github.com/go-while/go-pugleaf/internal/hashtoken"
	"github.com/go-while/go-pugleaf/internal/history"
	"github.com/go-while/go-pugleaf/internal/newsfeeds"
	"github.com/go-while/go-pugleaf/internal/runstate"
	"github.com/go-while/go-pugleaf/internal/site"
)

// Handler implements one named control command. args excludes the
// command word itself; the returned string is written back verbatim as
// the reply line (without a trailing newline).
type Handler func(args []string) string

// Server owns the control socket and the command table, spec.md §6.
type Server struct {
	SockPath string
	RunState *runstate.State
	Active   *active.Active
	History  *history.History
	Feeds    *newsfeeds.Config
	Sites    *site.Manager
	Logger   *log.Logger

	ReloadFeeds func() (*newsfeeds.Config, error)

	conn     *net.UnixConn
	handlers map[string]Handler
	prof     *prof.Profiler
}

// Listen creates (replacing any stale socket file) the control datagram
// socket and registers the built-in command set.
func Listen(sockPath string, rs *runstate.State, act *active.Active, hist *history.History, feeds *newsfeeds.Config, sites *site.Manager, logger *log.Logger) (*Server, error) {
	os.Remove(sockPath)
	addr, err := net.ResolveUnixAddr("unixgram", sockPath)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		SockPath: sockPath,
		RunState: rs,
		Active:   act,
		History:  hist,
		Feeds:    feeds,
		Sites:    sites,
		Logger:   logger,
		conn:     conn,
	}
	s.handlers = map[string]Handler{
		"pause":    s.handlePause,
		"throttle": s.handleThrottle,
		"go":       s.handleGo,
		"flush":    s.handleFlush,
		"addhist":  s.handleAddHist,
		"cancel":   s.handleCancel,
		"reload":   s.handleReload,
		"trace":    s.handleTrace,
		"profile":  s.handleProfile,
	}
	return s, nil
}

// Serve blocks reading datagrams until the socket is closed. Each
// request is handled synchronously and replied to before the next read,
// matching spec.md §6's one-reply-per-packet contract. Handlers run on
// this goroutine and reach shared state only through types that do their
// own locking (runstate, active, history, site); Server holds no Reactor.
func (s *Server) Serve() error {
	buf := make([]byte, 4096)
	for {
		n, addr, err := s.conn.ReadFromUnix(buf)
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return err
		}
		line := strings.TrimRight(string(buf[:n]), "\r\n")
		reply := s.dispatch(line)
		if addr != nil {
			s.conn.WriteToUnix([]byte(reply+"\n"), addr)
		}
	}
}

func (s *Server) dispatch(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "400 empty command"
	}
	cmd := strings.ToLower(fields[0])
	h, ok := s.handlers[cmd]
	if !ok {
		return fmt.Sprintf("500 unknown command %q", cmd)
	}
	return h(fields[1:])
}

func (s *Server) handlePause(args []string) string {
	s.RunState.Set(runstate.Paused, strings.Join(args, " "))
	return "200 paused"
}

func (s *Server) handleThrottle(args []string) string {
	s.RunState.Set(runstate.Throttled, strings.Join(args, " "))
	return "200 throttled"
}

func (s *Server) handleGo(args []string) string {
	s.RunState.Set(runstate.Running, "")
	return "200 running"
}

func (s *Server) handleFlush(args []string) string {
	if s.Active != nil {
		if err := s.Active.Flush(); err != nil {
			return fmt.Sprintf("502 active flush failed: %v", err)
		}
	}
	if s.Sites != nil {
		s.Sites.Flush()
	}
	return "200 flushed"
}

func (s *Server) handleAddHist(args []string) string {
	if len(args) != 1 {
		return "501 addhist requires a message-id"
	}
	canon, err := hashtoken.Canonicalize(args[0])
	if err != nil {
		return "501 bad message-id"
	}
	hash := hashtoken.FromCanonical(canon)
	if err := s.History.Remember(hash); err != nil {
		return fmt.Sprintf("502 addhist failed: %v", err)
	}
	return "200 added"
}

func (s *Server) handleCancel(args []string) string {
	if len(args) != 1 {
		return "501 cancel requires a message-id"
	}
	canon, err := hashtoken.Canonicalize(args[0])
	if err != nil {
		return "501 bad message-id"
	}
	hash := hashtoken.FromCanonical(canon)
	tok, ok := s.History.Get(hash)
	if !ok {
		return "503 no such article"
	}
	if err := s.History.Write(&history.Entry{
		Hash:     hash,
		Arrived:  time.Now(),
		Token:    tok,
		Remember: true,
	}); err != nil {
		return fmt.Sprintf("502 cancel failed: %v", err)
	}
	return "200 cancelled"
}

func (s *Server) handleReload(args []string) string {
	if s.ReloadFeeds == nil {
		return "500 reload not configured"
	}
	cfg, err := s.ReloadFeeds()
	if err != nil {
		return fmt.Sprintf("502 reload failed: %v", err)
	}
	*s.Feeds = *cfg
	return "200 reloaded"
}

// handleTrace toggles Channel.Trace logging for newly accepted
// connections ("trace on"/"trace off"); connections already open keep
// whatever tracing they started with.
func (s *Server) handleTrace(args []string) string {
	if len(args) != 1 {
		return "501 trace requires on|off"
	}
	switch args[0] {
	case "on":
		s.RunState.SetTrace(true)
		return "200 trace on"
	case "off":
		s.RunState.SetTrace(false)
		return "200 trace off"
	default:
		return "501 trace requires on|off"
	}
}

// handleProfile starts (idempotently) the go-cpu-mem-profiler's pprof
// web endpoint on demand, so an operator can pull goroutine/heap dumps
// without restarting the server, grounded on cmd/rslight-importer's own
// Prof.PprofWeb/StartMemProfile use.
func (s *Server) handleProfile(args []string) string {
	addr := ":6113"
	if len(args) == 1 {
		addr = args[0]
	}
	if s.prof != nil {
		return fmt.Sprintf("200 profiling already on %s", addr)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		if _, convErr := strconv.Atoi(addr); convErr != nil {
			return "501 profile requires an address or port"
		}
		addr = ":" + addr
	}
	s.prof = prof.NewProf()
	go s.prof.PprofWeb(addr)
	s.prof.StartMemProfile(5*time.Minute, 30*time.Second)
	return fmt.Sprintf("200 profiling on %s", addr)
}

// Close shuts down the control socket.
func (s *Server) Close() error {
	return s.conn.Close()
}

// logf mirrors the teacher's one-line request-log style
// (nntp-server.go's per-connection access log).
func (s *Server) logf(format string, args ...any) {
	if s.Logger == nil {
		return
	}
	s.Logger.Printf(format, args...)
}
