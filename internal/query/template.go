package query

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/pytredb/pytre/internal/convert"
	"github.com/pytredb/pytre/internal/model"
	"github.com/pytredb/pytre/internal/sqllex"
)

// Statement is an executable form of a query body: SQL with driver
// placeholders plus the bind arguments in order.
type Statement struct {
	SQL  string
	Args []any
}

// paramRef extracts the bare name and inline flag from a parameter token
// (@name, @!name, or %(@name)s).
func paramRef(tok string) (name string, inline bool) {
	if strings.HasPrefix(tok, "%(@") && strings.HasSuffix(tok, ")s") {
		return tok[3 : len(tok)-2], false
	}
	tok = strings.TrimPrefix(tok, "@")
	if strings.HasPrefix(tok, "!") {
		return tok[1:], true
	}
	return tok, false
}

// ExecStatement rewrites the raw body into the execution form for the given
// server kind: bound parameters become driver placeholders (named @name for
// SQL Server, $n for PostgreSQL, ? otherwise), inlined parameters are
// substituted textually. Tokens inside comments and string literals are
// untouched because substitution walks the lexer's token stream.
func (q *Query) ExecStatement(kind model.ServerKind) (Statement, error) {
	tokens, err := sqllex.Tokenize(q.Raw)
	if err != nil {
		return Statement{}, fmt.Errorf("template: %w", err)
	}

	var (
		sb      strings.Builder
		args    []any
		indexes = map[string]int{} // postgres: name -> $n
		named   = map[string]bool{}
		last    = 0
	)

	for _, t := range tokens {
		if t.Kind != sqllex.KindParameter {
			continue
		}
		name, inline := paramRef(t.Value)
		p, ok := q.Param(name)
		if !ok {
			return Statement{}, fmt.Errorf("template: unknown parameter @%s", name)
		}

		sb.WriteString(q.Raw[last:t.Start])
		last = t.End()

		if inline != p.Inline {
			return Statement{}, fmt.Errorf("template: parameter @%s used with mismatched prefix", name)
		}

		if p.Inline {
			sb.WriteString(fmt.Sprint(p.CommandValue))
			continue
		}

		switch kind {
		case model.KindMSSQL:
			sb.WriteString("@" + p.Name)
			if !named[p.Name] {
				named[p.Name] = true
				args = append(args, sql.Named(p.Name, p.CommandValue))
			}
		case model.KindPostgres:
			n, seen := indexes[p.Name]
			if !seen {
				args = append(args, p.CommandValue)
				n = len(args)
				indexes[p.Name] = n
			}
			fmt.Fprintf(&sb, "$%d", n)
		default:
			sb.WriteString("?")
			args = append(args, p.CommandValue)
		}
	}
	sb.WriteString(q.Raw[last:])

	return Statement{SQL: sb.String(), Args: args}, nil
}

// DebugSQL renders the body with every parameter replaced by a printable
// literal, for display and troubleshooting only.
func (q *Query) DebugSQL(conv *convert.Converter) (string, error) {
	tokens, err := sqllex.Tokenize(q.Raw)
	if err != nil {
		return "", fmt.Errorf("debug render: %w", err)
	}

	var sb strings.Builder
	last := 0
	for _, t := range tokens {
		if t.Kind != sqllex.KindParameter {
			continue
		}
		name, _ := paramRef(t.Value)
		p, ok := q.Param(name)
		if !ok {
			return "", fmt.Errorf("debug render: unknown parameter @%s", name)
		}

		sb.WriteString(q.Raw[last:t.Start])
		last = t.End()

		if p.Inline {
			sb.WriteString(fmt.Sprint(p.CommandValue))
		} else {
			sb.WriteString(conv.Literal(p.Type, p.CommandValue))
		}
	}
	sb.WriteString(q.Raw[last:])
	return sb.String(), nil
}

// ParametersJSON snapshot used for the execution log: name -> display value,
// skipping hidden parameters.
func (q *Query) ParameterValues() map[string]string {
	out := make(map[string]string, len(q.Params))
	for _, p := range q.Params {
		if p.Hidden {
			continue
		}
		out[p.Name] = p.DisplayValue
	}
	return out
}
