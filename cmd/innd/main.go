// Command innd is the transit/propagation engine's entrypoint: it wires
// together the reactor event loop, the NNTP session layer, the article
// pipeline and the site output writers into one running server, and
// serves the administrative control channel alongside it.
//
// Flag-parsing and shutdown-coordination style grounded on
// cmd/nntp-server/main.go.
package main

import (
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/go-while/go-pugleaf/internal/active"
	"github.com/go-while/go-pugleaf/internal/article"
	"github.com/go-while/go-pugleaf/internal/config"
	"github.com/go-while/go-pugleaf/internal/control"
	"github.com/go-while/go-pugleaf/internal/history"
	"github.com/go-while/go-pugleaf/internal/newsfeeds"
	"github.com/go-while/go-pugleaf/internal/nntp"
	"github.com/go-while/go-pugleaf/internal/overview"
	"github.com/go-while/go-pugleaf/internal/reactor"
	"github.com/go-while/go-pugleaf/internal/runstate"
	"github.com/go-while/go-pugleaf/internal/site"
	"github.com/go-while/go-pugleaf/internal/storage"
	"github.com/go-while/go-pugleaf/internal/wip"
)

var appVersion = "-unset-"

var configPath string

func main() {
	config.AppVersion = appVersion
	log.Printf("Starting innd (version: %s)", config.AppVersion)

	flag.StringVar(&configPath, "config", "", "path to an innd JSON configuration overlay (optional)")
	flag.Parse()

	cfg := config.NewDefaultInndConfig()
	if configPath != "" {
		loaded, err := config.LoadInndConfig(configPath)
		if err != nil {
			log.Fatalf("[innd] failed to load config %s: %v", configPath, err)
		}
		cfg = loaded
	}

	logger := log.New(os.Stderr, "[innd] ", log.LstdFlags)

	feeds := loadNewsfeeds(cfg, logger)
	auths := loadHostsNNTP(cfg, logger)

	act := loadActive(cfg, logger)

	hist, err := history.New(history.DefaultConfig(cfg.Paths.HistoryDir))
	if err != nil {
		log.Fatalf("[innd] history.New: %v", err)
	}
	defer hist.Close()

	ov, err := overview.NewStore(cfg.Paths.OverviewDir)
	if err != nil {
		log.Fatalf("[innd] overview.NewStore: %v", err)
	}
	defer ov.Close()

	store, err := storage.NewFileStore(cfg.Paths.StorageDir, 0)
	if err != nil {
		log.Fatalf("[innd] storage.NewFileStore: %v", err)
	}

	wipTable := wip.New(wip.DefaultHoldWindow)

	sites, err := site.NewManager(feeds, cfg.Paths.OutgoingDir, cfg.Paths.SpoolDir, cfg.Limits.FDBudget, logger)
	if err != nil {
		log.Fatalf("[innd] site.NewManager: %v", err)
	}

	rs := runstate.New()

	proc := &article.Processor{
		Identity: article.Identity{
			Pathhost:  cfg.Identity.Pathhost,
			PathAlias: cfg.Identity.PathAlias,
			XrefSlave: cfg.Identity.XrefSlave,
		},
		Active:   act,
		History:  hist,
		Overview: ov,
		Storage:  store,
		WIP:      wipTable,
		Feeds:    feeds,
		Logger:   logger,
		SiteEmit: func(s *newsfeeds.Site, record []byte) {
			if err := sites.Emit(s, record); err != nil {
				logger.Printf("site emit %s: %v", s.Name, err)
			}
		},
		ControlHandlerDir: cfg.Paths.ControlHandlerDir,
		BadControlProgram: cfg.Paths.BadControlProgram,
	}

	r, err := reactor.New(logger)
	if err != nil {
		log.Fatalf("[innd] reactor.New: %v", err)
	}
	r.PeriodicInterval = 5 * time.Second
	r.Periodic = func() {
		wipTable.Reap()
		if err := hist.Sync(); err != nil {
			logger.Printf("history sync: %v", err)
		}
		if err := act.Flush(); err != nil {
			logger.Printf("active flush: %v", err)
		}
		sites.Flush()
	}

	lfd := listenNNTP(cfg.Listen.NNTPAddr, logger)
	r.Create(lfd, reactor.TypeRemConn, acceptReader(r, proc, cfg, rs, auths, logger), nil, true)

	ctlSrv, err := control.Listen(cfg.Paths.ControlSocket, rs, act, hist, feeds, sites, logger)
	if err != nil {
		log.Fatalf("[innd] control.Listen: %v", err)
	}
	go func() {
		if err := ctlSrv.Serve(); err != nil {
			logger.Printf("control server: %v", err)
		}
	}()
	defer ctlSrv.Close()

	go func() {
		if err := r.Run(); err != nil {
			logger.Printf("reactor stopped: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Printf("shutting down")
	r.Stop()
}

// listenNNTP creates the non-blocking TCP listening socket the reactor
// drives directly via raw accept(2), bypassing net.Listener's own
// goroutine-per-connection model entirely.
func listenNNTP(addr string, logger *log.Logger) int {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		log.Fatalf("[innd] resolve %s: %v", addr, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		log.Fatalf("[innd] socket: %v", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		log.Fatalf("[innd] setsockopt SO_REUSEADDR: %v", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		log.Fatalf("[innd] setnonblock: %v", err)
	}

	var ip [4]byte
	if tcpAddr.IP != nil {
		copy(ip[:], tcpAddr.IP.To4())
	}
	sa := &unix.SockaddrInet4{Port: tcpAddr.Port, Addr: ip}
	if err := unix.Bind(fd, sa); err != nil {
		log.Fatalf("[innd] bind %s: %v", addr, err)
	}
	if err := unix.Listen(fd, 1024); err != nil {
		log.Fatalf("[innd] listen %s: %v", addr, err)
	}
	logger.Printf("NNTP listening on %s (fd %d)", addr, fd)
	return fd
}

func acceptReader(r *reactor.Reactor, proc *article.Processor, cfg *config.InndConfig, rs *runstate.State, auths []*newsfeeds.PeerAuth, logger *log.Logger) reactor.ReaderFunc {
	return func(ch *reactor.Channel) bool {
		for {
			nfd, _, err := unix.Accept(ch.FD)
			if err != nil {
				if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
					return true
				}
				logger.Printf("accept: %v", err)
				return true
			}
			if err := unix.SetNonblock(nfd, true); err != nil {
				logger.Printf("setnonblock: %v", err)
				unix.Close(nfd)
				continue
			}

			limits := nntp.Limits{
				MaxCommandLine: cfg.Limits.MaxCommandLine,
				MaxBadCommands: cfg.Limits.MaxBadCommands,
				MaxArticleSize: cfg.Limits.MaxArticleSize,
			}
			nch := r.Create(nfd, reactor.TypeNNTP, nil, nil, false)
			nch.Trace = rs.Trace()
			sess := nntp.NewSession(nch, proc, wip.ChannelID(nfd), limits, nntp.PeerPolicy{Streaming: true, Auths: auths}, logger)
			sess.RunState = rs
			nch.Reader = sess.OnReadable
		}
	}
}

func loadNewsfeeds(cfg *config.InndConfig, logger *log.Logger) *newsfeeds.Config {
	f, err := os.Open(cfg.Paths.Newsfeeds)
	if err != nil {
		logger.Printf("newsfeeds: %v, starting with an empty site table", err)
		return newsfeeds.NewConfig()
	}
	defer f.Close()
	feeds, err := newsfeeds.ParseNewsfeeds(f)
	if err != nil {
		log.Fatalf("[innd] parse newsfeeds: %v", err)
	}
	if err := feeds.ResolveFunnels(); err != nil {
		log.Fatalf("[innd] resolve funnels: %v", err)
	}
	return feeds
}

func loadHostsNNTP(cfg *config.InndConfig, logger *log.Logger) []*newsfeeds.PeerAuth {
	f, err := os.Open(cfg.Paths.HostsNNTP)
	if err != nil {
		logger.Printf("hosts.nntp: %v, AUTHINFO will accept any peer", err)
		return nil
	}
	defer f.Close()
	auths, err := newsfeeds.ParseHostsNNTP(f, false)
	if err != nil {
		log.Fatalf("[innd] parse hosts.nntp: %v", err)
	}
	return auths
}

func loadActive(cfg *config.InndConfig, logger *log.Logger) *active.Active {
	act, err := active.Load(cfg.Paths.ActiveFile)
	if err != nil {
		logger.Printf("active: %v, starting with an empty group table", err)
		return active.New()
	}
	return act
}
