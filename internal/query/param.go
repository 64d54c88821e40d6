package query

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/pytredb/pytre/internal/convert"
)

// ErrRequired is returned when a non-optional parameter is left empty.
var ErrRequired = errors.New("value required")

// ErrNotAuthorized is returned when a constrained parameter receives a value
// outside its authorized list.
var ErrNotAuthorized = errors.New("value not in authorized list")

// ControlKind is the UI hint attached to a parameter.
type ControlKind string

const (
	ControlEntry ControlKind = "entry"
	ControlList  ControlKind = "list"
	ControlCheck ControlKind = "check"
)

// AuthorizedValue pairs a command key with its display label. Order matters
// for list rendering, so the mapping is a slice rather than a map.
type AuthorizedValue struct {
	Key   string
	Label string
}

// Param is one parameter extracted from the DECLARE block of a query file.
type Param struct {
	Name   string // bare name, without the @ or @! prefix
	Inline bool   // @! parameters are substituted textually, not bound

	Type     convert.SQLType
	TypeArgs []int

	DisplayValue string
	CommandValue any
	Description  string

	Optional bool
	Hidden   bool

	Control          ControlKind
	AuthorizedValues []AuthorizedValue
	Pattern          *regexp.Regexp

	ValueOK bool
}

// Constrained reports whether the parameter only accepts values from its
// authorized list.
func (p *Param) Constrained() bool { return len(p.AuthorizedValues) > 0 }

// keyFor maps a display label back to its command key.
func (p *Param) keyFor(label string) (string, bool) {
	for _, av := range p.AuthorizedValues {
		if av.Label == label {
			return av.Key, true
		}
	}
	return "", false
}

// LabelFor maps a command key to its display label.
func (p *Param) LabelFor(key string) (string, bool) {
	for _, av := range p.AuthorizedValues {
		if av.Key == key {
			return av.Label, true
		}
	}
	return "", false
}

// UpdateValue sets the display value and recomputes the command value.
// Constrained parameters map the label through the authorized list; empty
// values on non-optional parameters fail; dates are re-canonicalized to the
// configured locale. A pattern mismatch is a soft failure: the command value
// is kept and ValueOK is cleared.
func (p *Param) UpdateValue(display string, conv *convert.Converter) error {
	p.ValueOK = false

	raw := display
	if p.Constrained() && display != "" {
		key, ok := p.keyFor(display)
		if !ok {
			return fmt.Errorf("param @%s: %q: %w", p.Name, display, ErrNotAuthorized)
		}
		raw = key
	}

	if display == "" && !p.Optional {
		return fmt.Errorf("param @%s: %w", p.Name, ErrRequired)
	}

	cmd, err := conv.ToCommand(p.Type, raw, p.TypeArgs)
	if err != nil {
		return fmt.Errorf("param @%s: %w", p.Name, err)
	}

	p.CommandValue = cmd
	if p.Type.IsDate() && display != "" {
		p.DisplayValue = conv.ToDisplay(p.Type, cmd)
	} else {
		p.DisplayValue = display
	}

	p.ValueOK = true
	if p.Pattern != nil && display != "" && !p.Pattern.MatchString(fmt.Sprint(cmd)) {
		p.ValueOK = false
	}
	return nil
}
