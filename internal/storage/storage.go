// Package storage defines the article blob store contract. The store
// itself is an external collaborator per spec.md §1 — this package only
// names the interface the article processor relies on, plus a
// small file-backed implementation suitable for tests and single-node
// deployments (the production store is pluggable: any implementation that
// satisfies Store works).
package storage

import (
	"errors"

	"github.com/go-while/go-pugleaf/internal/hashtoken"
)

// ErrNoMatch is returned by Store when the backend is out of space or
// otherwise cannot accept a write. The article processor answers it by
// rejecting the article with a resend verdict; it does not throttle the
// server or change its run mode.
var ErrNoMatch = errors.New("storage: no matching class accepted the write")

// Store is the contract the article processor uses to persist and
// retrieve article bodies.
type Store interface {
	// Store persists buf (the wire-format article: rewritten headers plus
	// body) and returns an opaque Token. Returns ErrNoMatch if no storage
	// class can accept the write.
	Store(buf []byte) (hashtoken.Token, error)

	// Retrieve returns the stored bytes for tok, or an error if the token
	// is unknown or has been cancelled.
	Retrieve(tok hashtoken.Token) ([]byte, error)

	// Cancel marks tok as cancelled; Retrieve on a cancelled token fails
	// but the token remains resolvable for history/Xref bookkeeping.
	Cancel(tok hashtoken.Token) error
}
