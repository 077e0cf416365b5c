package reactor

import (
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// IdleTimeout is how long a Reject or NNTP channel may sit with no
// activity before the loop closes it, per spec.md §4.1's idle sweep.
const IdleTimeout = 3 * time.Minute

// maxEvents bounds one epoll_wait batch.
const maxEvents = 256

// Reactor is the single-threaded event loop of spec.md §4.1. Its
// exported methods (Create, Close, RegisterWrite, SleepUntil, Wake,
// Submit, Stop) are safe from any goroutine because they hand their work
// to the loop through a queue; everything else, and all of its state, is
// touched only by the goroutine running Run — this is the "no internal
// locking on the dispatch path" requirement of spec.md §5.
type Reactor struct {
	epfd int

	channels map[int]*Channel
	sleepers *sleepQueue

	pending   chan func(*Reactor)
	stop      chan struct{}
	stopped   int32
	priorityFDs map[int]bool

	Logger *log.Logger

	// PeriodicInterval, when non-zero, invokes Periodic once per tick
	// from inside the loop (history sync, active-file flush, WIP reap).
	PeriodicInterval time.Duration
	Periodic         func()
	lastPeriodic     time.Time
}

// New creates a Reactor with its own epoll instance.
func New(logger *log.Logger) (*Reactor, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Reactor{
		epfd:        fd,
		channels:    make(map[int]*Channel),
		sleepers:    newSleepQueue(),
		pending:     make(chan func(*Reactor), 128),
		stop:        make(chan struct{}),
		priorityFDs: make(map[int]bool),
		Logger:      logger,
	}, nil
}

// Create registers a new channel for readiness-driven dispatch. Safe to
// call from any goroutine; the registration itself is applied on the
// loop goroutine via the pending queue so channels/sleepers never need
// their own lock.
func (r *Reactor) Create(fd int, typ Type, reader ReaderFunc, writerDone WriterDoneFunc, priority bool) *Channel {
	ch := newChannel(fd, typ, nil, reader, writerDone)
	r.submit(func(r *Reactor) {
		r.channels[fd] = ch
		if priority {
			r.priorityFDs[fd] = true
		}
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			r.Logger.Printf("[REACTOR] epoll_ctl add fd=%d: %v", fd, err)
		}
	})
	return ch
}

// Close tears a channel out of the loop and closes its fd.
func (r *Reactor) Close(ch *Channel) {
	r.submit(func(r *Reactor) {
		r.closeChannel(ch)
	})
}

func (r *Reactor) closeChannel(ch *Channel) {
	if ch.closing {
		return
	}
	ch.closing = true
	r.sleepers.cancel(ch)
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, ch.FD, nil)
	delete(r.channels, ch.FD)
	delete(r.priorityFDs, ch.FD)
	if ch.Conn != nil {
		ch.Conn.Close()
	} else {
		unix.Close(ch.FD)
	}
}

// RegisterWrite arms EPOLLOUT interest for ch, used once data is queued
// in ch.Out and the channel wasn't already write-armed.
func (r *Reactor) RegisterWrite(ch *Channel) {
	r.submit(func(r *Reactor) {
		if ch.closing {
			return
		}
		ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT, Fd: int32(ch.FD)}
		unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, ch.FD, &ev)
	})
}

func (r *Reactor) disarmWrite(ch *Channel) {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(ch.FD)}
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, ch.FD, &ev)
}

// SleepUntil parks ch until deadline, then calls fn(ch, arg) from the
// loop goroutine. A channel may only have one pending sleep; a second
// call replaces the first.
func (r *Reactor) SleepUntil(ch *Channel, deadline time.Time, fn WakeFunc, arg any) {
	r.submit(func(r *Reactor) {
		ch.WakeTime = deadline
		ch.WakeFn = fn
		ch.WakeArg = arg
		r.sleepers.schedule(ch, deadline, arg)
	})
}

// Wake cancels ch's pending sleep and invokes its wake function
// immediately on the next loop iteration, as if the deadline had passed.
func (r *Reactor) Wake(ch *Channel) {
	r.submit(func(r *Reactor) {
		r.sleepers.cancel(ch)
		if ch.WakeFn != nil {
			fn, arg := ch.WakeFn, ch.WakeArg
			ch.WakeFn = nil
			fn(ch, arg)
		}
	})
}

// Submit schedules fn to run on the loop goroutine, the one safe door
// for an external goroutine (the control channel, a site's respawn
// watcher) to touch reactor-owned state without taking a lock.
func (r *Reactor) Submit(fn func(*Reactor)) {
	r.submit(fn)
}

// submit enqueues a function to run on the loop goroutine; if called
// from the loop goroutine itself it is not reentrant-safe to call
// submit from within a submitted func (use direct mutation instead).
func (r *Reactor) submit(fn func(*Reactor)) {
	if atomic.LoadInt32(&r.stopped) != 0 {
		return
	}
	select {
	case r.pending <- fn:
	case <-r.stop:
	}
}

// Stop requests the loop to exit after the current iteration.
func (r *Reactor) Stop() {
	if atomic.CompareAndSwapInt32(&r.stopped, 0, 1) {
		close(r.stop)
	}
}

// Run drives the loop until Stop is called. This is the only goroutine
// that touches r.channels and r.sleepers directly, per spec.md §5's
// prohibition on locking inside the dispatch path — every other
// goroutine reaches the reactor only via Create/Close/RegisterWrite/
// SleepUntil/Wake/Submit, which hand work to this loop through r.pending.
func (r *Reactor) Run() error {
	defer unix.Close(r.epfd)
	events := make([]unix.EpollEvent, maxEvents)
	r.lastPeriodic = time.Now()

	for {
		select {
		case <-r.stop:
			return nil
		default:
		}
		r.drainPending()

		timeout := r.computeTimeout()
		n, err := unix.EpollWait(r.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		r.drainPending()
		r.dispatch(events[:n])
		r.fireSleepers(time.Now())
		r.runPeriodic()
		r.sweepIdle()
	}
}

func (r *Reactor) drainPending() {
	for {
		select {
		case fn := <-r.pending:
			fn(r)
		default:
			return
		}
	}
}

// computeTimeout returns the epoll_wait timeout in milliseconds: the
// time until the earliest sleeper, capped so periodic work and pending
// submissions are never starved.
func (r *Reactor) computeTimeout() int {
	const maxWaitMS = 1000
	deadline, ok := r.sleepers.nextDeadline()
	if !ok {
		return maxWaitMS
	}
	ms := int(time.Until(deadline) / time.Millisecond)
	if ms < 0 {
		return 0
	}
	if ms > maxWaitMS {
		return maxWaitMS
	}
	return ms
}

// dispatch services ready fds: priority fds (control channel, listener
// sockets) are handled before ordinary connections, then the remainder
// in fd order for deterministic round-robin; reads are serviced before
// writes per channel. A reply queued by a read is written once the
// RegisterWrite it triggers has armed EPOLLOUT, on a later iteration
// unless EPOLLOUT was already armed and reported in this one.
func (r *Reactor) dispatch(events []unix.EpollEvent) {
	sort.Slice(events, func(i, j int) bool {
		pi, pj := r.priorityFDs[int(events[i].Fd)], r.priorityFDs[int(events[j].Fd)]
		if pi != pj {
			return pi
		}
		return events[i].Fd < events[j].Fd
	})

	for _, ev := range events {
		fd := int(ev.Fd)
		ch, ok := r.channels[fd]
		if !ok {
			continue
		}
		if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			r.closeChannel(ch)
			continue
		}
		if ev.Events&unix.EPOLLIN != 0 {
			r.serviceRead(ch)
			if ch.closing {
				continue
			}
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			r.serviceWrite(ch)
		}
	}
}

// readChunk is the scratch size for one non-blocking read(2) per
// readable event; ch.In grows to hold it via iobuf.Buffer.Append.
const readChunk = 64 * 1024

// serviceRead performs the raw, non-blocking read(2) spec.md §4.1
// describes into ch.In, then invokes ch.Reader to let it consume
// whatever complete commands/articles are now available. TypeRemConn
// channels are listening sockets: EPOLLIN there means a connection is
// pending accept(2), not readable bytes, so Reader alone handles that
// fd and no raw read is attempted.
func (r *Reactor) serviceRead(ch *Channel) {
	ch.LastActive = time.Now()

	if ch.Type != TypeRemConn {
		var scratch [readChunk]byte
		n, err := unix.Read(ch.FD, scratch[:])
		switch {
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			// spurious wakeup; nothing to read yet
		case err != nil:
			ch.Counters.BadReads++
			r.closeChannel(ch)
			return
		case n == 0:
			r.closeChannel(ch) // peer closed (EOF)
			return
		default:
			ch.In.Append(scratch[:n])
		}
	}

	if ch.Reader == nil {
		return
	}
	keepOpen := ch.Reader(ch)
	if !keepOpen {
		r.closeChannel(ch)
		return
	}
	if ch.Out.Len() > 0 {
		r.RegisterWrite(ch)
	}
}

// serviceWrite drains ch.Out with a single write(2), chunking happens
// naturally across subsequent EPOLLOUT events rather than looping here,
// matching spec.md §4.1's "a single write, chunking to avoid EMSGSIZE".
func (r *Reactor) serviceWrite(ch *Channel) {
	if ch.Out.Len() == 0 {
		r.disarmWrite(ch)
		return
	}
	n, err := unix.Write(ch.FD, ch.Out.Bytes())
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		ch.Counters.BlockedWrites++
		return
	}
	if err != nil {
		ch.Counters.BadWrites++
		r.closeChannel(ch)
		return
	}
	ch.Out.Discard(n)
	ch.LastActive = time.Now()
	if ch.Out.Len() == 0 {
		r.disarmWrite(ch)
		if ch.WriterDone != nil {
			ch.WriterDone(ch)
		}
	} else {
		ch.Counters.BlockedWrites++
	}
}

func (r *Reactor) fireSleepers(now time.Time) {
	for _, s := range r.sleepers.due(now) {
		if s.ch.closing || s.ch.WakeFn == nil {
			continue
		}
		fn := s.ch.WakeFn
		s.ch.WakeFn = nil
		fn(s.ch, s.arg)
	}
}

func (r *Reactor) runPeriodic() {
	if r.PeriodicInterval <= 0 || r.Periodic == nil {
		return
	}
	if time.Since(r.lastPeriodic) >= r.PeriodicInterval {
		r.Periodic()
		r.lastPeriodic = time.Now()
	}
}

// sweepIdle closes Reject/NNTP channels that have been silent past
// IdleTimeout, per spec.md §4.1.
func (r *Reactor) sweepIdle() {
	now := time.Now()
	for _, ch := range r.channels {
		if ch.Type != TypeNNTP && ch.Type != TypeReject {
			continue
		}
		if now.Sub(ch.LastActive) > IdleTimeout {
			r.closeChannel(ch)
		}
	}
}
