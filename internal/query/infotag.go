package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pytredb/pytre/internal/convert"
	"github.com/pytredb/pytre/internal/model"
)

// nowFunc is swapped out by tests that need deterministic calendar defaults.
var nowFunc = time.Now

// tagKind enumerates the info tokens of the `-- desc | info, info` mini-DSL.
type tagKind int

const (
	tagOptional tagKind = iota
	tagHide
	tagEntry
	tagList
	tagCheck
	tagUserInfo
	tagFiscalYear
	tagMonthEnd
	tagToday
	tagPattern
)

type infoTag struct {
	kind tagKind
	args []string
}

// isDefault reports whether the tag computes a default value. Defaults are
// applied before UI/optional/hidden flags.
func (t infoTag) isDefault() bool {
	switch t.kind {
	case tagUserInfo, tagFiscalYear, tagMonthEnd, tagToday:
		return true
	}
	return false
}

// parseInfoTags parses the pipe-separated tail of a parameter comment.
// Tokens are comma-separated; commas inside parentheses belong to the token.
func parseInfoTags(s string) ([]infoTag, error) {
	var tags []infoTag
	for _, tok := range splitTopLevel(s, ',') {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}

		name := tok
		var args []string
		if open := strings.IndexByte(tok, '('); open >= 0 {
			if !strings.HasSuffix(tok, ")") {
				return nil, fmt.Errorf("info token %q: unbalanced parentheses", tok)
			}
			name = strings.TrimSpace(tok[:open])
			inner := tok[open+1 : len(tok)-1]
			for _, a := range splitTopLevel(inner, ',') {
				args = append(args, strings.TrimSpace(a))
			}
		}

		switch strings.ToLower(name) {
		case "optional":
			tags = append(tags, infoTag{kind: tagOptional})
		case "hide":
			tags = append(tags, infoTag{kind: tagHide})
		case "entry":
			tags = append(tags, infoTag{kind: tagEntry})
		case "list":
			tags = append(tags, infoTag{kind: tagList, args: args})
		case "check":
			tags = append(tags, infoTag{kind: tagCheck, args: args})
		case "user_info":
			tags = append(tags, infoTag{kind: tagUserInfo, args: args})
		case "fiscal_year":
			tags = append(tags, infoTag{kind: tagFiscalYear, args: args})
		case "month_end":
			tags = append(tags, infoTag{kind: tagMonthEnd, args: args})
		case "today":
			tags = append(tags, infoTag{kind: tagToday, args: args})
		case "pattern":
			tags = append(tags, infoTag{kind: tagPattern, args: args})
		default:
			return nil, fmt.Errorf("unknown info token %q", name)
		}
	}
	return tags, nil
}

// splitTopLevel splits on sep, ignoring separators nested inside parentheses.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// applyTags applies the parsed info tokens to a parameter: default-computing
// tags first, then UI and flag tags.
func applyTags(p *Param, tags []infoTag, conv *convert.Converter, user model.User) error {
	for _, t := range tags {
		if !t.isDefault() {
			continue
		}
		if err := applyDefaultTag(p, t, conv, user); err != nil {
			return err
		}
	}

	for _, t := range tags {
		switch t.kind {
		case tagOptional:
			p.Optional = true
		case tagHide:
			p.Hidden = true
		case tagEntry:
			p.Control = ControlEntry
		case tagList:
			p.Control = ControlList
			for _, a := range t.args {
				key, label, found := strings.Cut(a, ":")
				if !found {
					label = key
				}
				p.AuthorizedValues = append(p.AuthorizedValues, AuthorizedValue{
					Key:   strings.TrimSpace(key),
					Label: strings.TrimSpace(label),
				})
			}
		case tagCheck:
			if len(t.args) != 2 {
				return fmt.Errorf("param @%s: check() wants 2 arguments, got %d", p.Name, len(t.args))
			}
			p.Control = ControlCheck
			for _, a := range t.args {
				key, label, found := strings.Cut(a, ":")
				if !found {
					label = key
				}
				p.AuthorizedValues = append(p.AuthorizedValues, AuthorizedValue{
					Key:   strings.TrimSpace(key),
					Label: strings.TrimSpace(label),
				})
			}
		case tagPattern:
			if len(t.args) == 0 {
				return fmt.Errorf("param @%s: pattern() wants a regex", p.Name)
			}
			re, err := regexp.Compile(strings.Join(t.args, ","))
			if err != nil {
				return fmt.Errorf("param @%s: pattern: %w", p.Name, err)
			}
			p.Pattern = re
		}
	}
	return nil
}

func applyDefaultTag(p *Param, t infoTag, conv *convert.Converter, user model.User) error {
	switch t.kind {
	case tagUserInfo:
		if len(t.args) != 1 {
			return fmt.Errorf("param @%s: user_info() wants 1 argument", p.Name)
		}
		p.DisplayValue = user.Attribute(t.args[0])
		return nil

	case tagFiscalYear:
		if len(t.args) < 1 || len(t.args) > 4 {
			return fmt.Errorf("param @%s: fiscal_year() wants 1 to 4 arguments", p.Name)
		}
		nums, err := intArgs(p.Name, t.args, 4)
		if err != nil {
			return err
		}
		d := fiscalYearEnd(nowFunc(), nums[0], nums[1], nums[2], nums[3])
		p.DisplayValue = d.Format(conv.DateFormat())
		return nil

	case tagMonthEnd:
		if len(t.args) < 1 || len(t.args) > 2 {
			return fmt.Errorf("param @%s: month_end() wants 1 or 2 arguments", p.Name)
		}
		nums, err := intArgs(p.Name, t.args, 2)
		if err != nil {
			return err
		}
		d := monthEnd(nowFunc(), nums[0], nums[1])
		p.DisplayValue = d.Format(conv.DateFormat())
		return nil

	case tagToday:
		nums, err := intArgs(p.Name, t.args, 1)
		if err != nil {
			return err
		}
		d := nowFunc().AddDate(0, 0, nums[0])
		p.DisplayValue = d.Format(conv.DateFormat())
		return nil
	}
	return nil
}

// intArgs parses up to max integer arguments, zero-filling the remainder.
func intArgs(param string, args []string, max int) ([]int, error) {
	nums := make([]int, max)
	for i, a := range args {
		if i >= max {
			break
		}
		if a == "" {
			continue
		}
		n, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("param @%s: argument %q is not an integer", param, a)
		}
		nums[i] = n
	}
	return nums, nil
}

// ---------------------------------------------------------------------------
// Calendar helpers
// ---------------------------------------------------------------------------

// monthEnd returns the last day of (current month + monthOffset), shifted by
// daysOffset days.
func monthEnd(now time.Time, monthOffset, daysOffset int) time.Time {
	y, m, _ := now.Date()
	end := time.Date(y, m+time.Month(monthOffset)+1, 0, 0, 0, 0, 0, now.Location())
	return end.AddDate(0, 0, daysOffset)
}

// fiscalYearEnd returns the most recent end of a fiscal year whose last month
// is lastMonth, relative to now shifted by todayMonthOffset months. The
// result is then moved monthOffset months (staying on a month end) and
// daysOffset days.
func fiscalYearEnd(now time.Time, lastMonth, monthOffset, daysOffset, todayMonthOffset int) time.Time {
	ref := now.AddDate(0, todayMonthOffset, 0)
	end := time.Date(ref.Year(), time.Month(lastMonth)+1, 0, 0, 0, 0, 0, now.Location())
	if end.After(ref) {
		end = time.Date(ref.Year()-1, time.Month(lastMonth)+1, 0, 0, 0, 0, 0, now.Location())
	}
	if monthOffset != 0 {
		end = time.Date(end.Year(), end.Month()+time.Month(monthOffset)+1, 0, 0, 0, 0, 0, now.Location())
	}
	return end.AddDate(0, 0, daysOffset)
}
