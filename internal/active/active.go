// Package active implements the server-wide newsgroup registry: the
// active file mapping group name to high/low water marks, flags and
// alias target, per spec.md §3/§6.
//
// Adapted from the teacher's models.Newsgroup struct (internal/models)
// and its active-file convention, generalized from the teacher's
// SQLite-table-per-field layout to the text active-file format spec.md
// names as an external interface (fixed-width zero-padded decimals so a
// single group's water marks can be rewritten in place without resizing
// the file).
package active

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Flag is a single-character newsgroup flag from the active file.
type Flag byte

const (
	FlagNormal    Flag = 'y'
	FlagNoPosting Flag = 'n'
	FlagModerated Flag = 'm'
	FlagAlias     Flag = '=' // followed by alias target
	FlagJunk      Flag = 'j' // excluded from filing but still fed
	FlagExcluded  Flag = 'x' // unwanted unless innconf.wanttrash
)

// Group is a Newsgroup entry per spec.md §3.
type Group struct {
	Name        string
	High        int64
	Low         int64
	Flag        Flag
	Alias       string // alias target when Flag == FlagAlias
	FeedSites   []string
	PoisonSites []string
}

const waterWidth = 10 // 10-digit zero-padded decimals, spec.md §6

func formatWater(n int64) string {
	return fmt.Sprintf("%0*d", waterWidth, n)
}

// Active is the in-memory active-file image: group name -> Group. All
// reads/bumps happen from the single reactor goroutine per spec.md §5, so
// no internal locking is required for that path; the mutex here only
// guards against the concurrent bulk-flush / reload path (spec.md §5's
// "in-place numeric rewrite vs. bulk rewrite-and-rename" split).
type Active struct {
	mu     sync.RWMutex
	groups map[string]*Group
	order  []string // preserves file order for a faithful Flush
	path   string
}

// New returns an empty, unattached Active map (tests, or a from-scratch
// server before the active file is loaded).
func New() *Active {
	return &Active{groups: make(map[string]*Group)}
}

// Load parses an active file from disk.
func Load(path string) (*Active, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("active: open %s: %w", path, err)
	}
	defer f.Close()

	a := &Active{groups: make(map[string]*Group), path: path}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\n")
		if line == "" {
			continue
		}
		g, err := parseLine(line)
		if err != nil {
			return nil, err
		}
		a.groups[g.Name] = g
		a.order = append(a.order, g.Name)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return a, nil
}

func parseLine(line string) (*Group, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return nil, fmt.Errorf("active: malformed line %q", line)
	}
	high, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("active: bad high water in %q: %w", line, err)
	}
	low, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("active: bad low water in %q: %w", line, err)
	}
	g := &Group{Name: fields[0], High: high, Low: low, Flag: Flag(fields[3][0])}
	if g.Flag == FlagAlias && len(fields) >= 5 {
		g.Alias = fields[4]
	}
	return g, nil
}

// Get returns the group entry, or nil if the group is not registered.
func (a *Active) Get(name string) *Group {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.groups[name]
}

// Add registers a new group (the newgroup control path, spec.md §4.3
// step 14). Like every mutator here it changes only the in-memory image;
// Flush writes the whole file to a temporary and renames it into place.
func (a *Active) Add(g *Group) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.groups[g.Name]; !exists {
		a.order = append(a.order, g.Name)
	}
	a.groups[g.Name] = g
}

// Remove deregisters a group (the rmgroup control path).
func (a *Active) Remove(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.groups[name]; !exists {
		return
	}
	delete(a.groups, name)
	for i, n := range a.order {
		if n == name {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// BumpHigh advances a group's high-water mark by one and returns the new
// article number (spec.md §4.3 step 9). Only the in-memory image changes;
// the file is rewritten by Flush.
// Xref assignment on a non-slave server is monotone per group
// (spec.md §8 invariant 5): this is the only place High increases in
// normal (non-xrefslave) mode.
func (a *Active) BumpHigh(name string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.groups[name]
	if !ok {
		return 0, fmt.Errorf("active: no such group %q", name)
	}
	g.High++
	return g.High, nil
}

// AdoptHigh advances a group's high-water mark to at least n without
// exceeding it downward — the xrefslave path from spec.md §8 scenario S6,
// where the server adopts a peer's Xref numbering instead of assigning
// its own.
func (a *Active) AdoptHigh(name string, n int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.groups[name]
	if !ok {
		return fmt.Errorf("active: no such group %q", name)
	}
	if n > g.High {
		g.High = n
	}
	return nil
}

// Flush rewrites the active file from the in-memory image to a temporary
// file and renames it into place, per spec.md §5's bulk-flush discipline.
func (a *Active) Flush() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.path == "" {
		return fmt.Errorf("active: no backing path to flush to")
	}
	tmp := a.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, name := range a.order {
		g := a.groups[name]
		if g.Flag == FlagAlias && g.Alias != "" {
			fmt.Fprintf(w, "%s %s %s %c %s\n", g.Name, formatWater(g.High), formatWater(g.Low), g.Flag, g.Alias)
		} else {
			fmt.Fprintf(w, "%s %s %s %c\n", g.Name, formatWater(g.High), formatWater(g.Low), g.Flag)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, a.path)
}
