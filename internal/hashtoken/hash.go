// Package hashtoken implements the 128-bit message-ID hash and the opaque
// storage Token used by history, overview and the site writers.
package hashtoken

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/width"
)

// HashSize is the width of a message-ID hash in bytes (128 bits).
const HashSize = 16

// Hash is the canonical 128-bit digest of a message-ID. History and
// overview lookups key on Hash, never on the textual ID.
type Hash [HashSize]byte

var lowerCaser = cases.Lower(language.Und)

// Canonicalize applies the domain/local-part folding rule from the data
// model: the local-part is left case-sensitive, the domain-part is
// width-folded (fullwidth/halfwidth forms some posting agents emit collapse
// to their ASCII equivalent) and lowercased, and the literal "postmaster"
// local-part is folded to lowercase as a special case (RFC 5321 style
// mailbox exception).
func Canonicalize(msgID string) (string, error) {
	id := strings.TrimSpace(msgID)
	if len(id) < 3 || id[0] != '<' || id[len(id)-1] != '>' {
		return "", fmt.Errorf("hashtoken: message-id missing angle brackets: %q", msgID)
	}
	inner := id[1 : len(id)-1]
	at := strings.LastIndexByte(inner, '@')
	if at < 0 {
		// no domain part: fold the whole thing, legacy local IDs.
		return "<" + lowerCaser.String(inner) + ">", nil
	}
	local, domain := inner[:at], inner[at+1:]
	if strings.EqualFold(local, "postmaster") {
		local = lowerCaser.String(local)
	}
	domain = lowerCaser.String(width.Fold.String(domain))
	return "<" + local + "@" + domain + ">", nil
}

// New computes the canonical Hash of a message-ID, applying Canonicalize
// first.
func New(msgID string) (Hash, error) {
	canon, err := Canonicalize(msgID)
	if err != nil {
		return Hash{}, err
	}
	return FromCanonical(canon), nil
}

// FromCanonical hashes an already-canonicalised message-ID string. Used by
// callers (e.g. the history rebuilder) that canonicalise once and hash many
// times.
func FromCanonical(canon string) Hash {
	return Hash(md5.Sum([]byte(canon)))
}

// String renders the hash as lowercase hex, the form stored in the history
// text file.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Bucket returns the low bits of the hash used to key the small in-memory
// WIP and L1 dup-suppression caches (hash modulo n).
func (h Hash) Bucket(n int) int {
	if n <= 0 {
		return 0
	}
	v := uint32(h[12])<<24 | uint32(h[13])<<16 | uint32(h[14])<<8 | uint32(h[15])
	return int(v % uint32(n))
}

// IsZero reports whether h is the zero hash (never a valid message-id
// digest in practice, used as an "absent" sentinel in a few call sites).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash parses a hex-encoded hash as stored in the history text file.
func ParseHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != HashSize {
		return Hash{}, fmt.Errorf("hashtoken: bad hash %q", s)
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}
