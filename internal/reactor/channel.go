// Package reactor implements the single-threaded multiplexed I/O event
// loop from spec.md §4.1: one goroutine drives readers, writers, sleepers
// and child-process reaping over a set of file descriptors, with no
// internal locking on the dispatch path (spec.md §5).
//
// Adapted from the teacher's single Server value (nntp-server.go's
// NNTPServer, which owns one net.Listener and dispatches with
// goroutine-per-connection) restructured into a true single-threaded
// epoll loop, and from the proactor bookkeeping idiom (per-fd descriptor,
// separate readers/writers lists, a time-ordered sleeper heap) found in
// the pack's gaio-derived reference material.
package reactor

import (
	"net"
	"time"

	"github.com/go-while/go-pugleaf/internal/iobuf"
)

// Type is a Channel's role, from spec.md §3.
type Type int

const (
	TypeFree Type = iota
	TypeRemConn
	TypeReject
	TypeNNTP
	TypeLocalConn
	TypeControl
	TypeFile
	TypeExploder
	TypeProcess
)

func (t Type) String() string {
	switch t {
	case TypeFree:
		return "Free"
	case TypeRemConn:
		return "RemConn"
	case TypeReject:
		return "Reject"
	case TypeNNTP:
		return "NNTP"
	case TypeLocalConn:
		return "LocalConn"
	case TypeControl:
		return "Control"
	case TypeFile:
		return "File"
	case TypeExploder:
		return "Exploder"
	case TypeProcess:
		return "Process"
	default:
		return "Unknown"
	}
}

// ReaderFunc is invoked when a channel's fd becomes readable, after the
// reactor has read the new bytes into ch.In (for a TypeRemConn listener
// no read is done and the ReaderFunc accepts). It returns false if the
// channel should be closed (the reader decided this connection is done).
type ReaderFunc func(ch *Channel) (keepOpen bool)

// WriterDoneFunc is invoked once a channel's out-buffer has fully
// drained.
type WriterDoneFunc func(ch *Channel)

// WakeFunc is invoked when a sleeping channel's deadline passes.
type WakeFunc func(ch *Channel, arg any)

// Counters mirrors spec.md §3's per-channel counters.
type Counters struct {
	Received     int64
	Refused      int64
	Rejected     int64
	BadWrites     int64
	BadReads      int64
	BlockedWrites int64
}

// Channel is one multiplexed file descriptor, spec.md §3.
type Channel struct {
	FD   int
	Type Type
	// Conn is kept only for callers that need the original net.Conn (to
	// read RemoteAddr() or Close() the wrapping object); the reactor's
	// own read/write path always goes through FD directly via raw
	// read(2)/write(2), never through Conn.
	Conn net.Conn

	In  *iobuf.Buffer
	Out *iobuf.Buffer

	Reader     ReaderFunc
	WriterDone WriterDoneFunc

	WakeTime time.Time
	WakeFn   WakeFunc
	WakeArg  any

	Address           string
	Trace             bool
	Streaming         bool
	CurrentHash       string // printable hash of the article currently in flight, for logging
	LastActive        time.Time
	Counters          Counters
	consecutiveBadIO  int
	closing           bool
}

func newChannel(fd int, typ Type, conn net.Conn, reader ReaderFunc, writerDone WriterDoneFunc) *Channel {
	now := time.Now()
	return &Channel{
		FD:         fd,
		Type:       typ,
		Conn:       conn,
		In:         iobuf.NewBuffer(4096),
		Out:        iobuf.NewBuffer(4096),
		Reader:     reader,
		WriterDone: writerDone,
		LastActive: now,
	}
}
