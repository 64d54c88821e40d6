// Package convert translates between user-visible strings, driver-bound
// command values, and database results serialized for CSV output.
package convert

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pytredb/pytre/internal/model"
)

// SQLType is a supported parameter or column type keyword.
type SQLType string

const (
	TypeBit      SQLType = "bit"
	TypeInt      SQLType = "int"
	TypeDate     SQLType = "date"
	TypeDateTime SQLType = "datetime"
	TypeChar     SQLType = "char"
	TypeNChar    SQLType = "nchar"
	TypeVarChar  SQLType = "varchar"
	TypeNVarChar SQLType = "nvarchar"
	TypeText     SQLType = "text"
	TypeNText    SQLType = "ntext"
)

const (
	isoDate     = "2006-01-02"
	isoDateTime = "2006-01-02 15:04:05"

	// nullDateSentinel marks NULL-ish dates some legacy schemas store.
	nullDateSentinel = "1753-01-01 00:00:00"
)

// ParseType maps a SQL type keyword (case-insensitive) to its SQLType.
func ParseType(s string) (SQLType, error) {
	t := SQLType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TypeBit, TypeInt, TypeDate, TypeDateTime,
		TypeChar, TypeNChar, TypeVarChar, TypeNVarChar, TypeText, TypeNText:
		return t, nil
	}
	return "", fmt.Errorf("unknown sql type %q", s)
}

// IsText reports whether the type carries character data.
func (t SQLType) IsText() bool {
	switch t {
	case TypeChar, TypeNChar, TypeVarChar, TypeNVarChar, TypeText, TypeNText:
		return true
	}
	return false
}

// IsDate reports whether the type is date or datetime.
func (t SQLType) IsDate() bool {
	return t == TypeDate || t == TypeDateTime
}

// InvalidValueError reports a display value that cannot be converted to its
// declared type.
type InvalidValueError struct {
	Type   SQLType
	Value  string
	Reason string
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("invalid %s value %q: %s", e.Type, e.Value, e.Reason)
}

// Converter performs locale-aware conversions. One instance is shared per
// process and configured from the settings store.
type Converter struct {
	fieldSeparator   string
	decimalSeparator string
	dateFormat       string

	dateLayouts     []string
	dateTimeLayouts []string
}

// New builds a Converter from the global settings. The configured date format
// is tried first; common alternates follow so that pasted values in other
// locales still parse.
func New(s model.Settings) *Converter {
	s = s.WithDefaults()
	c := &Converter{
		fieldSeparator:   s.FieldSeparator,
		decimalSeparator: s.DecimalSeparator,
		dateFormat:       s.DateFormat,
	}

	c.dateLayouts = dedupe([]string{
		s.DateFormat, "02/01/2006", "2006-01-02", "02-01-2006", "02.01.2006", "02/01/06",
	})
	c.dateTimeLayouts = dedupe([]string{
		s.DateFormat + " 15:04:05", s.DateFormat + " 15:04",
		isoDateTime, "2006-01-02T15:04:05",
	})
	// A bare date is a valid datetime (midnight).
	c.dateTimeLayouts = append(c.dateTimeLayouts, c.dateLayouts...)
	return c
}

func dedupe(layouts []string) []string {
	seen := make(map[string]bool, len(layouts))
	out := layouts[:0]
	for _, l := range layouts {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}

// FieldSeparator returns the configured CSV field separator.
func (c *Converter) FieldSeparator() string { return c.fieldSeparator }

// DateFormat returns the configured display date layout.
func (c *Converter) DateFormat() string { return c.dateFormat }

// ---------------------------------------------------------------------------
// Display -> command
// ---------------------------------------------------------------------------

// ToCommand converts a display string into the value bound (or inlined) on
// the SQL command. args carries the size of sized types, e.g. varchar(20).
// The empty string maps to a type-specific null token.
func (c *Converter) ToCommand(typ SQLType, display string, args []int) (any, error) {
	if display == "" {
		switch {
		case typ == TypeInt:
			return int64(0), nil
		case typ.IsText():
			return " ", nil
		default:
			return "", nil
		}
	}

	switch typ {
	case TypeBit:
		if display != "0" && display != "1" {
			return nil, &InvalidValueError{typ, display, "want 0 or 1"}
		}
		n, _ := strconv.ParseInt(display, 10, 64)
		return n, nil

	case TypeInt:
		n, err := strconv.ParseInt(strings.TrimSpace(display), 10, 64)
		if err != nil {
			return nil, &InvalidValueError{typ, display, "not an integer"}
		}
		return n, nil

	case TypeDate:
		t, err := c.parseAny(display, c.dateLayouts)
		if err != nil {
			return nil, &InvalidValueError{typ, display, "not a date"}
		}
		return t.Format(isoDate), nil

	case TypeDateTime:
		t, err := c.parseAny(display, c.dateTimeLayouts)
		if err != nil {
			return nil, &InvalidValueError{typ, display, "not a datetime"}
		}
		return t.Format(isoDateTime), nil

	case TypeChar, TypeNChar:
		if len(args) > 0 && utf8.RuneCountInString(display) != args[0] {
			return nil, &InvalidValueError{typ, display, fmt.Sprintf("length must be exactly %d", args[0])}
		}
		return display, nil

	case TypeVarChar, TypeNVarChar:
		if len(args) > 0 && utf8.RuneCountInString(display) > args[0] {
			return nil, &InvalidValueError{typ, display, fmt.Sprintf("length must not exceed %d", args[0])}
		}
		return display, nil

	case TypeText, TypeNText:
		return display, nil
	}
	return nil, &InvalidValueError{typ, display, "unsupported type"}
}

func (c *Converter) parseAny(s string, layouts []string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("no layout matched %q", s)
}

// ---------------------------------------------------------------------------
// Command -> display
// ---------------------------------------------------------------------------

// ToDisplay renders a command value back into its display form. Dates and
// datetimes round-trip through the configured locale format; everything else
// is rendered verbatim.
func (c *Converter) ToDisplay(typ SQLType, cmd any) string {
	s := fmt.Sprint(cmd)
	switch typ {
	case TypeDate:
		if t, err := time.Parse(isoDate, s); err == nil {
			return t.Format(c.dateFormat)
		}
	case TypeDateTime:
		if t, err := time.Parse(isoDateTime, s); err == nil {
			return t.Format(c.dateFormat + " 15:04:05")
		}
	}
	return s
}

// Literal renders a command value as a SQL literal for the debug view.
// String-like types are single-quoted with quote doubling; numerics and
// dates stay bare.
func (c *Converter) Literal(typ SQLType, cmd any) string {
	s := fmt.Sprint(cmd)
	if typ.IsText() {
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	}
	return s
}

// ---------------------------------------------------------------------------
// Result -> CSV cell
// ---------------------------------------------------------------------------

// scientificZero matches zero encoded in scientific notation ("0E-10"),
// which some numeric drivers emit for exact zero scale values.
var scientificZero = regexp.MustCompile(`^-?0(\.0*)?[eE][-+]?\d+$`)

// FromResult serializes a database value for one CSV cell. Strings are
// stripped of the field separator so column alignment survives; the single
// space database-null sentinel becomes empty.
func (c *Converter) FromResult(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return c.stringCell(val)
	case []byte:
		return c.stringCell(string(val))
	case bool:
		if val {
			return "Vrai"
		}
		return "Faux"
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case float64:
		return c.floatCell(val)
	case float32:
		return c.floatCell(float64(val))
	case time.Time:
		return c.timeCell(val)
	default:
		return c.stringCell(fmt.Sprint(val))
	}
}

func (c *Converter) stringCell(s string) string {
	if s == " " {
		return ""
	}
	if scientificZero.MatchString(strings.TrimSpace(s)) {
		return ""
	}
	if c.fieldSeparator != "" {
		s = strings.ReplaceAll(s, c.fieldSeparator, "")
	}
	return strings.TrimRight(s, " ")
}

func (c *Converter) floatCell(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if c.decimalSeparator != "." {
		s = strings.Replace(s, ".", c.decimalSeparator, 1)
	}
	return s
}

func (c *Converter) timeCell(t time.Time) string {
	if t.Format(isoDateTime) == nullDateSentinel {
		return ""
	}
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format(c.dateFormat)
	}
	return t.Format(c.dateFormat + " 15:04:05")
}
