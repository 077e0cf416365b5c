package newsfeeds

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// PeerAuth is one hosts.nntp entry from spec.md §6: host[,...]:password
// [:patterns], trailing "/s" marking the peer streaming-capable.
type PeerAuth struct {
	Hosts      []string
	Password   string // bcrypt hash, or a plaintext legacy value (see Verify)
	Patterns   []string
	Streaming  bool
	NoLimit    bool
	NoResendId bool
}

// ParseHostsNNTP parses a hosts.nntp (or hosts.nntp.nolimit) file.
func ParseHostsNNTP(r io.Reader, noLimit bool) ([]*PeerAuth, error) {
	var out []*PeerAuth
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		streaming := false
		if strings.HasSuffix(line, "/s") {
			streaming = true
			line = strings.TrimSuffix(line, "/s")
		}
		fields := strings.SplitN(line, ":", 3)
		if len(fields) < 2 {
			return nil, fmt.Errorf("newsfeeds: malformed hosts.nntp entry %q", line)
		}
		pa := &PeerAuth{
			Hosts:     splitCSV(fields[0]),
			Password:  fields[1],
			Streaming: streaming,
			NoLimit:   noLimit,
		}
		if len(fields) == 3 {
			pa.Patterns = splitCSV(fields[2])
		}
		out = append(out, pa)
	}
	return out, scanner.Err()
}

// Verify checks a presented password against the entry. A bcrypt hash
// ($2a$/$2b$/$2y$ prefixed) is verified with bcrypt.CompareHashAndPassword;
// a plaintext legacy entry is compared directly and reported through
// legacyPlaintext; the nntp session logs every successful plaintext login
// as deprecated (SPEC_FULL §6 hosts.nntp note).
func (p *PeerAuth) Verify(presented string) (ok bool, legacyPlaintext bool) {
	if strings.HasPrefix(p.Password, "$2a$") || strings.HasPrefix(p.Password, "$2b$") || strings.HasPrefix(p.Password, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(p.Password), []byte(presented)) == nil, false
	}
	return p.Password == presented, true
}

// HashPassword bcrypt-hashes a plaintext password for storage in
// hosts.nntp. Only the package's tests call it; peerctl does not.
func HashPassword(plaintext string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("newsfeeds: hash password: %w", err)
	}
	return string(b), nil
}
