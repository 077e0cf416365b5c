// Package site implements the per-site output disciplines of spec.md
// §4.6: File/Channel/Exploder/Funnel/Program/LogOnly sinks, each with
// a StartSpooling threshold and spool-file fallback so the article
// processor never blocks on a slow or dead peer. The sites'
// StartWriting/StopWriting values are not consulted here.
//
// Grounded on the teacher's internal/nntp/nntp-backend-pool.go
// (respawn-on-death, idle-timeout, periodic-cleanup-goroutine idiom),
// generalized from a pool of equivalent pulled-from connections to one
// long-lived sink per configured site, and on nntp-peering-pattern.go's
// pattern matching (already adapted into internal/newsfeeds) for
// deciding which articles a site wants.
package site

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-while/go-pugleaf/internal/newsfeeds"
)

// mode is a Writer's current output discipline state, spec.md §4.6's
// hysteresis: Normal writes straight to the sink, Buffered accumulates
// in memory under fd pressure, Spooling appends to the on-disk spool
// file once StartSpooling is crossed.
type mode int

const (
	modeNormal mode = iota
	modeBuffered
	modeSpooling
)

// ChanRetryTime is how long a spooling site waits before retrying its
// real sink, spec.md §4.6.
const ChanRetryTime = 30 * time.Second

// Writer is one site's pending output and discipline state.
type Writer struct {
	mu sync.Mutex

	Site *newsfeeds.Site

	mode       mode
	pending    []byte
	lastActive time.Time

	spoolFile *os.File
	spoolPath string

	proc *proc // non-nil for Channel/Exploder sites

	nextRetry time.Time
}

// Manager owns every configured site's Writer and an outgoing-fd
// budget: each File write opens, appends to and closes the site's file,
// and when the count of File sinks open at that moment has reached
// FDBudget, the writer being flushed is put into buffered mode and keeps
// its pending bytes for a later Flush. No least-recently-used writer is
// picked; lastActive is recorded but not consulted.
type Manager struct {
	mu sync.Mutex

	Feeds     *newsfeeds.Config
	OutDir    string
	SpoolDir  string
	FDBudget  int
	Logger    *log.Logger

	writers   map[string]*Writer
	openFiles int
}

// NewManager builds a Writer for every site in cfg.
func NewManager(cfg *newsfeeds.Config, outDir, spoolDir string, fdBudget int, logger *log.Logger) (*Manager, error) {
	if fdBudget < 2 {
		fdBudget = 2
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(spoolDir, 0755); err != nil {
		return nil, err
	}
	m := &Manager{
		Feeds:    cfg,
		OutDir:   outDir,
		SpoolDir: spoolDir,
		FDBudget: fdBudget,
		Logger:   logger,
		writers:  make(map[string]*Writer),
	}
	for _, s := range cfg.Sites {
		w := &Writer{Site: s, lastActive: time.Time{}}
		w.spoolPath = s.SpoolPath
		if w.spoolPath == "" {
			w.spoolPath = filepath.Join(spoolDir, s.Name+".spool")
		}
		m.writers[s.Name] = w
	}
	return m, nil
}

// Emit appends record to site's pending output, following funnel
// redirection first, per spec.md §4.6. This never blocks: a full or
// dead sink falls back to spooling rather than stalling the article
// processor that called it.
func (m *Manager) Emit(s *newsfeeds.Site, record []byte) error {
	dest := s
	if s.Kind == newsfeeds.KindFunnel && s.FunnelIndex >= 0 {
		dest = m.Feeds.Sites[s.FunnelIndex]
		if s.Name != "" {
			record = append(append([]byte(nil), record...), []byte(" "+s.Name+"\n")...)
		}
	}
	if dest.Kind == newsfeeds.KindLogOnly {
		if m.Logger != nil {
			m.Logger.Printf("[SITE %s] %s", dest.Name, record)
		}
		return nil
	}

	w := m.writerFor(dest)
	if w == nil {
		return fmt.Errorf("site: no writer for %q", dest.Name)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastActive = time.Now()

	if w.mode == modeSpooling {
		return w.appendSpool(record)
	}

	w.pending = append(w.pending, record...)
	if int64(len(w.pending)) >= dest.StartSpooling && dest.StartSpooling > 0 {
		return m.enterSpooling(w)
	}
	return nil
}

func (m *Manager) writerFor(s *newsfeeds.Site) *Writer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writers[s.Name]
}

// Flush drains every Writer's pending bytes to its real sink. Intended
// to be called once per reactor pass (or on a periodic tick); it performs
// every write to the real sinks (Emit only ever writes the spool file),
// kept short by writing with a single syscall per site as spec.md §4.1
// describes for channel writes.
func (m *Manager) Flush() {
	m.mu.Lock()
	writers := make([]*Writer, 0, len(m.writers))
	for _, w := range m.writers {
		writers = append(writers, w)
	}
	m.mu.Unlock()

	for _, w := range writers {
		m.flushOne(w)
	}
}

func (m *Manager) flushOne(w *Writer) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.mode {
	case modeSpooling:
		m.tryDrainSpool(w)
		return
	case modeBuffered:
		if m.budgetAvailable() {
			w.mode = modeNormal
		} else {
			return
		}
	}

	if len(w.pending) == 0 {
		return
	}

	var err error
	switch w.Site.Kind {
	case newsfeeds.KindFile:
		err = m.writeFile(w)
	case newsfeeds.KindChannel, newsfeeds.KindExploder:
		err = m.writeProc(w)
	case newsfeeds.KindProgram:
		err = m.writeProgram(w)
	}

	if err != nil {
		if m.Logger != nil {
			m.Logger.Printf("[SITE %s] write failed, spooling: %v", w.Site.Name, err)
		}
		m.enterSpooling(w)
		return
	}
	if w.mode == modeBuffered {
		return // writeFile hit the fd budget; keep pending for a later Flush
	}
	w.pending = w.pending[:0]
}

func (m *Manager) writeFile(w *Writer) error {
	path := w.Site.Param
	if path == "" {
		path = filepath.Join(m.OutDir, w.Site.Name)
	}
	m.mu.Lock()
	if m.openFiles >= m.FDBudget {
		m.mu.Unlock()
		w.mode = modeBuffered
		return nil
	}
	m.openFiles++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.openFiles--
		m.mu.Unlock()
	}()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(w.pending)
	return err
}

func (m *Manager) writeProc(w *Writer) error {
	if w.proc == nil {
		w.proc = newProc(w.Site.Param, w.Site.Kind == newsfeeds.KindExploder)
	}
	return w.proc.write(w.pending)
}

func (m *Manager) writeProgram(w *Writer) error {
	p := newProc(w.Site.Param, false)
	if err := p.write(w.pending); err != nil {
		return err
	}
	return p.close()
}

func (m *Manager) budgetAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openFiles < m.FDBudget
}

// enterSpooling switches a writer to spool-file mode: accumulated bytes
// are appended to the spool file and the sink considered dead until
// ChanRetryTime elapses, spec.md §4.6's S4 scenario.
func (m *Manager) enterSpooling(w *Writer) error {
	if w.spoolFile == nil {
		f, err := os.OpenFile(w.spoolPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		w.spoolFile = f
	}
	if len(w.pending) > 0 {
		if _, err := w.spoolFile.Write(w.pending); err != nil {
			return err
		}
		w.pending = w.pending[:0]
	}
	w.mode = modeSpooling
	w.nextRetry = time.Now().Add(ChanRetryTime)
	return nil
}

func (w *Writer) appendSpool(record []byte) error {
	if w.spoolFile == nil {
		f, err := os.OpenFile(w.spoolPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		w.spoolFile = f
	}
	_, err := w.spoolFile.Write(record)
	return err
}

// tryDrainSpool retries the real sink after ChanRetryTime; on success
// the spool file's contents are replayed in order and then truncated,
// preserving spec.md's per-site ordering invariant across a spool
// round-trip.
func (m *Manager) tryDrainSpool(w *Writer) {
	if time.Now().Before(w.nextRetry) {
		return
	}
	data, err := os.ReadFile(w.spoolPath)
	if err != nil || len(data) == 0 {
		w.nextRetry = time.Now().Add(ChanRetryTime)
		return
	}

	probe := &Writer{Site: w.Site, pending: data}
	var werr error
	switch w.Site.Kind {
	case newsfeeds.KindFile:
		werr = m.writeFile(probe)
	case newsfeeds.KindChannel, newsfeeds.KindExploder:
		if w.proc == nil || w.proc.dead() {
			w.proc = newProc(w.Site.Param, w.Site.Kind == newsfeeds.KindExploder)
		}
		werr = w.proc.write(data)
	case newsfeeds.KindProgram:
		werr = m.writeProgram(probe)
	}
	if werr != nil || probe.mode == modeBuffered {
		w.nextRetry = time.Now().Add(ChanRetryTime)
		return
	}

	if w.spoolFile != nil {
		w.spoolFile.Close()
		w.spoolFile = nil
	}
	os.Remove(w.spoolPath)
	w.mode = modeNormal
}
