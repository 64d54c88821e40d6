package query

import (
	"database/sql"
	"strings"
	"testing"

	"github.com/pytredb/pytre/internal/model"
)

const inlineFile = `DECLARE
@id AS int = 42          -- Identifiant
@!tbl AS varchar(30) = 'USERS' -- Table
;
SELECT * FROM t WHERE id=@id AND name=@!tbl`

func mustParse(t *testing.T, text string) *Query {
	t.Helper()
	q, err := Parse("q", text, testConv(), testUser())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return q
}

func TestDebugSQL(t *testing.T) {
	q := mustParse(t, inlineFile)

	got, err := q.DebugSQL(testConv())
	if err != nil {
		t.Fatalf("DebugSQL: %v", err)
	}
	want := "SELECT * FROM t WHERE id=42 AND name=USERS"
	if strings.TrimSpace(got) != want {
		t.Errorf("DebugSQL = %q, want %q", strings.TrimSpace(got), want)
	}
}

func TestExecStatementMSSQL(t *testing.T) {
	q := mustParse(t, inlineFile)

	stmt, err := q.ExecStatement(model.KindMSSQL)
	if err != nil {
		t.Fatalf("ExecStatement: %v", err)
	}
	if !strings.Contains(stmt.SQL, "id=@id") {
		t.Errorf("bound parameter rewritten: %q", stmt.SQL)
	}
	if !strings.Contains(stmt.SQL, "name=USERS") {
		t.Errorf("inline parameter not substituted: %q", stmt.SQL)
	}
	if len(stmt.Args) != 1 {
		t.Fatalf("args = %v, want one named arg", stmt.Args)
	}
	named, ok := stmt.Args[0].(sql.NamedArg)
	if !ok || named.Name != "id" || named.Value != int64(42) {
		t.Errorf("named arg = %#v", stmt.Args[0])
	}
}

func TestExecStatementPostgresDedupes(t *testing.T) {
	text := "DECLARE\n@u AS int = 7 -- User\n;\n" +
		"SELECT * FROM tx WHERE sender=@u OR receiver=@u"
	q := mustParse(t, text)

	stmt, err := q.ExecStatement(model.KindPostgres)
	if err != nil {
		t.Fatalf("ExecStatement: %v", err)
	}
	if strings.Count(stmt.SQL, "$1") != 2 {
		t.Errorf("repeated parameter should reuse $1: %q", stmt.SQL)
	}
	if len(stmt.Args) != 1 || stmt.Args[0] != int64(7) {
		t.Errorf("args = %v", stmt.Args)
	}
}

func TestExecStatementMySQLRepeats(t *testing.T) {
	text := "DECLARE\n@u AS int = 7 -- User\n;\n" +
		"SELECT * FROM tx WHERE sender=@u OR receiver=@u"
	q := mustParse(t, text)

	stmt, err := q.ExecStatement(model.KindMySQL)
	if err != nil {
		t.Fatalf("ExecStatement: %v", err)
	}
	if strings.Count(stmt.SQL, "?") != 2 || len(stmt.Args) != 2 {
		t.Errorf("sql=%q args=%v", stmt.SQL, stmt.Args)
	}
}

func TestSubstitutionSkipsCommentsAndStrings(t *testing.T) {
	text := "DECLARE\n@id AS int = 42 -- Identifiant\n;\n" +
		"SELECT '-- @id ignored', 'literal @id' FROM t WHERE id=@id -- @id here too\n"
	q := mustParse(t, text)

	got, err := q.DebugSQL(testConv())
	if err != nil {
		t.Fatalf("DebugSQL: %v", err)
	}
	if !strings.Contains(got, "'-- @id ignored'") || !strings.Contains(got, "'literal @id'") {
		t.Errorf("string literals touched: %q", got)
	}
	if !strings.Contains(got, "-- @id here too") {
		t.Errorf("comment touched: %q", got)
	}
	if !strings.Contains(got, "id=42") {
		t.Errorf("real occurrence not substituted: %q", got)
	}
}

func TestExecStatementUnknownParam(t *testing.T) {
	q := mustParse(t, "SELECT @missing")
	if _, err := q.ExecStatement(model.KindMSSQL); err == nil {
		t.Error("unknown parameter accepted")
	}
}

func TestStringLiteralQuoting(t *testing.T) {
	text := "DECLARE\n@name AS varchar(20) = 'O''Brien' -- Nom\n;\n" +
		"SELECT * FROM p WHERE name=@name"
	q := mustParse(t, text)

	got, err := q.DebugSQL(testConv())
	if err != nil {
		t.Fatalf("DebugSQL: %v", err)
	}
	if !strings.Contains(got, "name='O''Brien'") {
		t.Errorf("quote doubling missing: %q", got)
	}
}
