package newsfeeds

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ParseNewsfeeds parses the newsfeeds file grammar from spec.md §6: blocks
// separated by blank lines, each a colon-delimited
// name[/exclusion,...]:newsgroup-patterns,...:flags:parameter record, with
// $variable=value macro lines expanded in later blocks and a special ME
// block holding server-wide defaults.
func ParseNewsfeeds(r io.Reader) (*Config, error) {
	cfg := NewConfig()
	macros := map[string]string{}

	scanner := bufio.NewScanner(r)
	var blockLines []string
	flushBlock := func() error {
		if len(blockLines) == 0 {
			return nil
		}
		line := expandMacros(strings.Join(blockLines, ""), macros)
		blockLines = nil
		return parseBlock(cfg, line)
	}

	for scanner.Scan() {
		raw := scanner.Text()
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			if err := flushBlock(); err != nil {
				return nil, err
			}
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		if strings.HasPrefix(trimmed, "$") && strings.Contains(trimmed, "=") {
			if err := flushBlock(); err != nil {
				return nil, err
			}
			eq := strings.IndexByte(trimmed, '=')
			macros[trimmed[:eq]] = trimmed[eq+1:]
			continue
		}
		// a continuation line starts with whitespace in the raw text
		if len(blockLines) > 0 && (strings.HasPrefix(raw, " ") || strings.HasPrefix(raw, "\t")) {
			blockLines = append(blockLines, trimmed)
			continue
		}
		blockLines = append(blockLines, trimmed)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := flushBlock(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func expandMacros(s string, macros map[string]string) string {
	for name, val := range macros {
		s = strings.ReplaceAll(s, name, val)
	}
	return s
}

func parseBlock(cfg *Config, line string) error {
	fields := strings.SplitN(line, ":", 4)
	if len(fields) < 3 {
		return fmt.Errorf("newsfeeds: malformed block %q", line)
	}
	for len(fields) < 4 {
		fields = append(fields, "")
	}
	nameField, patternField, flagsField, param := fields[0], fields[1], fields[2], fields[3]

	var exclusions []string
	name := nameField
	if slash := strings.IndexByte(nameField, '/'); slash >= 0 {
		name = nameField[:slash]
		exclusions = splitCSV(nameField[slash+1:])
	}

	if name == "ME" {
		cfg.ME = parseMEDefaults(patternField, flagsField, param)
		return nil
	}

	site := &Site{Name: name, Exclusions: exclusions, Param: param}
	for _, p := range splitCSV(patternField) {
		switch {
		case strings.HasPrefix(p, "@"):
			site.Reject = append(site.Reject, p)
		case strings.HasPrefix(p, "!"):
			site.Exclude = append(site.Exclude, p)
		default:
			site.SendPattern = append(site.SendPattern, p)
		}
	}
	if err := applyFlags(site, flagsField); err != nil {
		return err
	}
	cfg.AddSite(site)
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseMEDefaults(patternField, flagsField, param string) MEDefaults {
	me := MEDefaults{Pathhost: param}
	me.Distributions = splitCSV(patternField)
	for _, tok := range strings.Split(flagsField, ",") {
		tok = strings.TrimSpace(tok)
		if strings.HasPrefix(tok, "X") {
			me.Exclusions = append(me.Exclusions, strings.TrimPrefix(tok, "X"))
		}
	}
	return me
}

// applyFlags parses the flags field grammar from spec.md §6: a
// comma-separated set of tokens like Tf, <1048576, >0, Chops, Hhops,
// Ggroups, Ffollows, Ooriginator, Bflush,spool. Tokens starting with any
// other letter (W, S, ...) are ignored.
func applyFlags(site *Site, flags string) error {
	site.Kind = KindFile // default discipline
	for _, tok := range strings.FieldsFunc(flags, func(r rune) bool { return r == ',' }) {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		switch tok[0] {
		case 'T':
			switch strings.TrimPrefix(tok, "T") {
			case "f":
				site.Kind = KindFile
			case "c":
				site.Kind = KindChannel
			case "x":
				site.Kind = KindExploder
			case "m":
				site.Kind = KindFunnel
				site.FunnelTarget = site.Param
			case "p":
				site.Kind = KindProgram
			case "l":
				site.Kind = KindLogOnly
			}
		case '<':
			n, err := strconv.ParseInt(tok[1:], 10, 64)
			if err != nil {
				return fmt.Errorf("newsfeeds: bad size flag %q: %w", tok, err)
			}
			site.MaxSize = n
		case '>':
			n, err := strconv.ParseInt(tok[1:], 10, 64)
			if err != nil {
				return fmt.Errorf("newsfeeds: bad size flag %q: %w", tok, err)
			}
			site.MinSize = n
		case 'C':
			n, _ := strconv.Atoi(strings.TrimPrefix(tok, "C"))
			site.CrossCap = n
		case 'H':
			n, _ := strconv.Atoi(strings.TrimPrefix(tok, "H"))
			site.HopLimit = n
		case 'G':
			n, _ := strconv.Atoi(strings.TrimPrefix(tok, "G"))
			site.GroupCap = n
		case 'F':
			n, _ := strconv.Atoi(strings.TrimPrefix(tok, "F"))
			site.FollowCap = n
		case 'O':
			site.OriginatorPatterns = append(site.OriginatorPatterns, strings.TrimPrefix(tok, "O"))
		case 'B':
			parseSpoolFlag(site, strings.TrimPrefix(tok, "B"))
		}
	}
	return nil
}

// parseSpoolFlag parses "B<flush,<spool>" style hysteresis thresholds from
// spec.md §6/§4.6: the first value sets StartWriting, the second
// StartSpooling.
func parseSpoolFlag(site *Site, body string) {
	parts := strings.Split(body, ",")
	i := 0
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimPrefix(p, "<"), 10, 64)
		if err != nil {
			continue
		}
		switch i {
		case 0:
			site.StartWriting = n
		case 1:
			site.StartSpooling = n
		}
		i++
	}
}
