// Package query loads annotated .sql files into typed, user-validated
// queries: header metadata, the DECLARE parameter block, and the SQL body
// that the template builder turns into an executable statement.
package query

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/pytredb/pytre/internal/convert"
	"github.com/pytredb/pytre/internal/model"
	"github.com/pytredb/pytre/internal/sqllex"
)

// Hide levels of a query.
const (
	HideNone     = 0 // visible to everyone
	HideNonAdmin = 1 // hidden from non-admins
	HideAll      = 2 // hidden from everyone
)

// LoadError wraps a per-file load failure. Catalog scans capture these
// without aborting.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("load %s: %v", e.Path, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

// Query is a parsed .sql document. Immutable after load except for parameter
// display values set through Param.UpdateValue.
type Query struct {
	Name           string
	Description    string
	SourcePath     string
	HideLevel      int
	AllowedGroups  []string
	AllowedServers []string
	Params         []*Param
	Raw            string // SQL body with original @name tokens
}

// Param returns the parameter with the given bare name.
func (q *Query) Param(name string) (*Param, bool) {
	for _, p := range q.Params {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Load reads and parses a query file. The file is decoded as UTF-8, falling
// back to Windows-1252 when the bytes are not valid UTF-8.
func Load(path string, conv *convert.Converter, user model.User) (*Query, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	text := string(data)
	if !utf8.ValidString(text) {
		decoded, derr := charmap.Windows1252.NewDecoder().String(text)
		if derr != nil {
			return nil, &LoadError{Path: path, Err: fmt.Errorf("decode: %w", derr)}
		}
		text = decoded
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	q, err := Parse(stem, text, conv, user)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	q.SourcePath = path
	return q, nil
}

// Parse builds a Query from raw text. name is the default short code,
// normally the file stem; the header `code` key overrides it.
func Parse(name, text string, conv *convert.Converter, user model.User) (*Query, error) {
	q := &Query{Name: name}

	if err := q.parseHeader(text); err != nil {
		return nil, err
	}
	if err := q.parseDeclare(text, conv, user); err != nil {
		return nil, err
	}
	return q, nil
}

// headerBlock finds the first /* ... */ block anchored at column 0.
func headerBlock(text string) string {
	idx := -1
	if strings.HasPrefix(text, "/*") {
		idx = 0
	} else if j := strings.Index(text, "\n/*"); j >= 0 {
		idx = j + 1
	}
	if idx < 0 {
		return ""
	}
	end := strings.Index(text[idx:], "*/")
	if end < 0 {
		return ""
	}
	return text[idx+2 : idx+end]
}

func (q *Query) parseHeader(text string) error {
	block := headerBlock(text)
	if block == "" {
		return nil
	}

	for _, line := range strings.Split(block, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "code":
			if value != "" {
				q.Name = value
			}
		case "description":
			q.Description = value
		case "hide":
			n, err := strconv.Atoi(value)
			if err != nil || n < HideNone || n > HideAll {
				return fmt.Errorf("header: hide must be 0, 1 or 2, got %q", value)
			}
			q.HideLevel = n
		case "grp_authorized":
			q.AllowedGroups = splitList(value)
		case "servers":
			q.AllowedServers = splitList(value)
		}
	}
	return nil
}

// splitList splits a comma list into lowercase trimmed entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseDeclare locates the DECLARE block through the token stream (so a
// DECLARE inside a comment or string does not count), parses one parameter
// per line, and keeps everything after the terminating semicolon as the body.
func (q *Query) parseDeclare(text string, conv *convert.Converter, user model.User) error {
	tokens, err := sqllex.Tokenize(text)
	if err != nil {
		return err
	}

	declStart := -1
	blockEnd := -1
	bodyStart := -1
	for i, t := range tokens {
		if t.Kind == sqllex.KindKeyword && strings.EqualFold(t.Value, "DECLARE") {
			declStart = t.End()
			for _, u := range tokens[i+1:] {
				if u.Kind == sqllex.KindDelimiter {
					blockEnd = u.Start
					bodyStart = u.End()
					break
				}
			}
			break
		}
	}

	if declStart < 0 {
		q.Raw = text
		return nil
	}
	if blockEnd < 0 {
		return fmt.Errorf("DECLARE block is missing its terminating semicolon")
	}

	q.Raw = text[bodyStart:]

	for _, line := range strings.Split(text[declStart:blockEnd], "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "@") {
			continue
		}
		p, err := parseParamLine(line, conv, user)
		if err != nil {
			return err
		}
		if _, dup := q.Param(p.Name); dup {
			return fmt.Errorf("duplicate parameter @%s", p.Name)
		}
		q.Params = append(q.Params, p)
	}
	return nil
}

// paramLine matches `@[!]name AS type[(args)] [= 'default'|default]`.
// The trailing comment is split off beforehand.
var paramLine = regexp.MustCompile(
	`^@(!?)([A-Za-z_][A-Za-z0-9_]*)\s+(?i:AS)\s+([A-Za-z]+)\s*(?:\(\s*([^)]*?)\s*\))?` +
		`\s*(?:=\s*(?:'((?:[^']|'')*)'|(\S+)))?\s*$`)

// splitComment cuts the line at the first -- outside a quoted literal, so
// defaults like 'a--b' survive intact. A doubled '' toggles the quote state
// twice and stays inside the literal.
func splitComment(line string) (decl, comment string) {
	inQuote := false
	for i := 0; i+1 < len(line); i++ {
		switch {
		case line[i] == '\'':
			inQuote = !inQuote
		case !inQuote && line[i] == '-' && line[i+1] == '-':
			return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+2:])
		}
	}
	return strings.TrimSpace(line), ""
}

func parseParamLine(line string, conv *convert.Converter, user model.User) (*Param, error) {
	decl, comment := splitComment(line)
	decl = strings.TrimSuffix(decl, ",")

	m := paramLine.FindStringSubmatch(decl)
	if m == nil {
		return nil, fmt.Errorf("malformed parameter line %q", line)
	}

	typ, err := convert.ParseType(m[3])
	if err != nil {
		return nil, fmt.Errorf("parameter @%s: %w", m[2], err)
	}

	p := &Param{
		Name:   m[2],
		Inline: m[1] == "!",
		Type:   typ,
	}

	if m[4] != "" {
		for _, a := range strings.Split(m[4], ",") {
			n, err := strconv.Atoi(strings.TrimSpace(a))
			if err != nil {
				return nil, fmt.Errorf("parameter @%s: bad type argument %q", p.Name, a)
			}
			p.TypeArgs = append(p.TypeArgs, n)
		}
	}

	switch {
	case m[5] != "":
		p.DisplayValue = strings.ReplaceAll(m[5], "''", "'")
	case m[6] != "":
		p.DisplayValue = m[6]
	}

	desc, info, _ := strings.Cut(comment, "|")
	p.Description = strings.TrimSpace(desc)
	if info != "" {
		tags, err := parseInfoTags(info)
		if err != nil {
			return nil, fmt.Errorf("parameter @%s: %w", p.Name, err)
		}
		if err := applyTags(p, tags, conv, user); err != nil {
			return nil, err
		}
	}

	// Constrained defaults are stored as command keys; show the label.
	if p.Constrained() && p.DisplayValue != "" {
		if label, ok := p.LabelFor(p.DisplayValue); ok {
			p.DisplayValue = label
		}
	}

	// Compute the initial command form. An invalid or missing default is not
	// a load failure: the user fills the value in before execution.
	if err := p.UpdateValue(p.DisplayValue, conv); err != nil {
		p.ValueOK = false
	}
	return p, nil
}
