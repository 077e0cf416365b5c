// Package overview implements the per-group overview index from
// spec.md §4.5: a text file of schema-ordered tab-separated fields plus a
// packed binary index of (artnum, hash) pairs, both append-only and
// produced here, consumed read-only by the reader side.
//
// Adapted from the teacher's internal/database per-group file layout
// idiom (db_sections.go's one-directory-per-group convention), replacing
// its SQLite overview table with the text+packed-index pair spec.md
// requires.
package overview

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-while/go-pugleaf/internal/hashtoken"
)

// IndexRecordSize is the packed width of one (artnum, hash) record:
// a big-endian uint32 article number followed by the 16-byte hash.
const IndexRecordSize = 4 + hashtoken.HashSize

// Record is one (article-number, hash) pair as read back from the index.
type Record struct {
	ArtNum uint32
	Hash   hashtoken.Hash
}

// Schema is the ordered list of overview fields read once at startup from
// the schema configuration file. A field may be "full" (the rendered line
// includes "Header: ") or plain (value only). The schema must include
// Xref:full per spec.md §4.5.
type Schema struct {
	Fields []SchemaField
}

// SchemaField names one column of the overview line.
type SchemaField struct {
	Header string
	Full   bool
}

// ParseSchema reads the overview schema file: one header name per
// non-blank, non-# line, optionally suffixed ":full".
func ParseSchema(r *bufio.Scanner) (*Schema, error) {
	s := &Schema{}
	for r.Scan() {
		line := strings.TrimSpace(r.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		full := false
		if strings.HasSuffix(line, ":full") {
			full = true
			line = strings.TrimSuffix(line, ":full")
		}
		s.Fields = append(s.Fields, SchemaField{Header: line, Full: full})
	}
	hasXrefFull := false
	for _, f := range s.Fields {
		if strings.EqualFold(f.Header, "Xref") && f.Full {
			hasXrefFull = true
		}
	}
	if !hasXrefFull {
		return nil, fmt.Errorf("overview: schema must include Xref:full")
	}
	return s, nil
}

// DefaultSchema is the conventional NNTP overview schema.
func DefaultSchema() *Schema {
	return &Schema{Fields: []SchemaField{
		{Header: "Subject"},
		{Header: "From"},
		{Header: "Date"},
		{Header: "Message-ID"},
		{Header: "References"},
		{Header: "Bytes"},
		{Header: "Lines"},
		{Header: "Xref", Full: true},
	}}
}

// sanitizeField replaces embedded tabs/CRs/LFs with spaces per spec.md §6.
func sanitizeField(v string) string {
	v = strings.ReplaceAll(v, "\t", " ")
	v = strings.ReplaceAll(v, "\r", " ")
	v = strings.ReplaceAll(v, "\n", " ")
	return v
}

// BuildLine assembles the tab-separated overview line in schema order from
// a header lookup function. Missing optional fields render empty.
func BuildLine(schema *Schema, header func(name string) string) string {
	parts := make([]string, len(schema.Fields))
	for i, f := range schema.Fields {
		v := sanitizeField(header(f.Header))
		if f.Full && v != "" {
			v = f.Header + ": " + v
		}
		parts[i] = v
	}
	return strings.Join(parts, "\t")
}

// Store manages the overview files for all groups under a root directory,
// one subdirectory per group holding ".overview" and ".overview.index".
type Store struct {
	root   string
	mu     sync.Mutex
	groups map[string]*groupFiles
}

type groupFiles struct {
	mu      sync.Mutex
	text    *os.File
	textW   *bufio.Writer
	index   *os.File
	lastNum uint32
}

// NewStore opens (creating the root if needed) an overview Store.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("overview: mkdir %s: %w", root, err)
	}
	return &Store{root: root, groups: make(map[string]*groupFiles)}, nil
}

func (s *Store) groupDir(group string) string {
	return filepath.Join(s.root, group)
}

func (s *Store) open(group string) (*groupFiles, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gf, ok := s.groups[group]; ok {
		return gf, nil
	}
	dir := s.groupDir(group)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("overview: mkdir %s: %w", dir, err)
	}
	text, err := os.OpenFile(filepath.Join(dir, ".overview"), os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	index, err := os.OpenFile(filepath.Join(dir, ".overview.index"), os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		text.Close()
		return nil, err
	}
	last := uint32(0)
	if info, err := index.Stat(); err == nil && info.Size() >= IndexRecordSize {
		buf := make([]byte, IndexRecordSize)
		if _, err := index.ReadAt(buf, info.Size()-IndexRecordSize); err == nil {
			last = binary.BigEndian.Uint32(buf[:4])
		}
	}
	gf := &groupFiles{text: text, textW: bufio.NewWriter(text), index: index, lastNum: last}
	s.groups[group] = gf
	return gf, nil
}

// Add appends a new overview line and index entry for artNum in group.
// Overview artnums within a group must be strictly increasing per
// spec.md §8 invariant 2.
func (s *Store) Add(group string, artNum uint32, hash hashtoken.Hash, line string) error {
	gf, err := s.open(group)
	if err != nil {
		return err
	}
	gf.mu.Lock()
	defer gf.mu.Unlock()
	if artNum <= gf.lastNum {
		return fmt.Errorf("overview: artnum %d not strictly greater than last %d in %s", artNum, gf.lastNum, group)
	}
	if _, err := gf.textW.WriteString(line + "\n"); err != nil {
		return err
	}
	if err := gf.textW.Flush(); err != nil {
		return err
	}
	rec := make([]byte, IndexRecordSize)
	binary.BigEndian.PutUint32(rec[:4], artNum)
	copy(rec[4:], hash[:])
	if _, err := gf.index.Write(rec); err != nil {
		return err
	}
	gf.lastNum = artNum
	return nil
}

// Scan returns the index records for group with artnum in [low, high].
//
// This returns (artnum, hash) pairs, not rendered overview text lines: the
// packed index carries no text offset to seek the schema-ordered line back
// out of the text file. A reader-side XOVER implementation would need to
// pair this with the text file's own line scan, or an additional offset
// field in Record; out of scope here since this store is write-only from
// the transit path.
func (s *Store) Scan(group string, low, high uint32) ([]Record, error) {
	gf, err := s.open(group)
	if err != nil {
		return nil, err
	}
	gf.mu.Lock()
	defer gf.mu.Unlock()
	info, err := gf.index.Stat()
	if err != nil {
		return nil, err
	}
	n := info.Size() / IndexRecordSize
	buf := make([]byte, info.Size())
	if _, err := gf.index.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	out := make([]Record, 0, n)
	for i := int64(0); i < n; i++ {
		rec := buf[i*IndexRecordSize : (i+1)*IndexRecordSize]
		num := binary.BigEndian.Uint32(rec[:4])
		if num < low || num > high {
			continue
		}
		var h hashtoken.Hash
		copy(h[:], rec[4:])
		out = append(out, Record{ArtNum: num, Hash: h})
	}
	return out, nil
}

// Close flushes and closes all open group files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, gf := range s.groups {
		gf.mu.Lock()
		if err := gf.textW.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := gf.text.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := gf.index.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		gf.mu.Unlock()
	}
	return firstErr
}
