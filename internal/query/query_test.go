package query

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pytredb/pytre/internal/convert"
	"github.com/pytredb/pytre/internal/model"
)

func testConv() *convert.Converter {
	return convert.New(model.Settings{
		FieldSeparator:   ";",
		DecimalSeparator: ",",
		DateFormat:       "02/01/2006",
	})
}

func testUser() model.User {
	return model.User{
		Username:         `DOMAIN\jdupont`,
		AuthorizedGroups: []string{"finance"},
		CustomAttributes: map[string]string{"site": "LYO"},
	}
}

const sampleFile = `/*
code : STOCK01
description : Stock par site
hide : 1
grp_authorized : finance, logistique
servers : prod, archive
*/
DECLARE
@d AS date = '01/01/2024'  -- Date de debut
@n AS int = 10             -- Nombre de lignes | optional
@site AS varchar(3)        -- Site | user_info(site), pattern(^[A-Z]{3}$)
@mode AS varchar(10) = 'std' -- Mode | list(std:Standard,ext:Etendu)
;
SELECT * FROM stock WHERE d >= @d AND site = @site
`

func TestParseHeader(t *testing.T) {
	q, err := Parse("stock", sampleFile, testConv(), testUser())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if q.Name != "STOCK01" {
		t.Errorf("Name = %q, want STOCK01 (code overrides stem)", q.Name)
	}
	if q.Description != "Stock par site" {
		t.Errorf("Description = %q", q.Description)
	}
	if q.HideLevel != HideNonAdmin {
		t.Errorf("HideLevel = %d, want 1", q.HideLevel)
	}
	wantGroups := []string{"finance", "logistique"}
	for i, g := range wantGroups {
		if q.AllowedGroups[i] != g {
			t.Errorf("AllowedGroups = %v, want %v", q.AllowedGroups, wantGroups)
		}
	}
	if len(q.AllowedServers) != 2 || q.AllowedServers[0] != "prod" {
		t.Errorf("AllowedServers = %v", q.AllowedServers)
	}
}

func TestParseDeclare(t *testing.T) {
	q, err := Parse("stock", sampleFile, testConv(), testUser())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(q.Params) != 4 {
		t.Fatalf("got %d params, want 4", len(q.Params))
	}

	d := q.Params[0]
	if d.Name != "d" || d.Type != convert.TypeDate {
		t.Errorf("param 0 = %+v", d)
	}
	if d.DisplayValue != "01/01/2024" || d.CommandValue != "2024-01-01" {
		t.Errorf("date default: display=%q command=%v", d.DisplayValue, d.CommandValue)
	}
	if !d.ValueOK {
		t.Error("date default should validate")
	}

	n := q.Params[1]
	if !n.Optional || n.CommandValue != int64(10) {
		t.Errorf("int param: %+v", n)
	}

	site := q.Params[2]
	if site.DisplayValue != "LYO" {
		t.Errorf("user_info default = %q, want LYO", site.DisplayValue)
	}
	if site.Pattern == nil {
		t.Error("pattern tag not applied")
	}
	if len(site.TypeArgs) != 1 || site.TypeArgs[0] != 3 {
		t.Errorf("TypeArgs = %v", site.TypeArgs)
	}

	mode := q.Params[3]
	if mode.Control != ControlList || len(mode.AuthorizedValues) != 2 {
		t.Errorf("list param: %+v", mode)
	}
	// Default stored as command key, shown as its label.
	if mode.DisplayValue != "Standard" || mode.CommandValue != "std" {
		t.Errorf("list default: display=%q command=%v", mode.DisplayValue, mode.CommandValue)
	}

	if q.Raw == "" || q.Raw[0] != '\n' {
		t.Errorf("Raw body should start right after the semicolon: %q", q.Raw[:20])
	}
}

func TestParseWithoutDeclare(t *testing.T) {
	q, err := Parse("plain", "SELECT 1\n", testConv(), testUser())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(q.Params) != 0 || q.Raw != "SELECT 1\n" {
		t.Errorf("got %+v", q)
	}
}

func TestParseDeclareInCommentIgnored(t *testing.T) {
	text := "-- DECLARE @x AS int;\nSELECT 1\n"
	q, err := Parse("c", text, testConv(), testUser())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(q.Params) != 0 {
		t.Errorf("params from commented DECLARE: %v", q.Params)
	}
}

func TestParseDefaultWithDashes(t *testing.T) {
	text := "DECLARE\n" +
		"@x AS varchar(10) = 'a--b' -- label\n" +
		"@code AS varchar(20) = 'fin''--an' -- Code | optional\n" +
		";\nSELECT 1\n"
	q, err := Parse("dash", text, testConv(), testUser())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	x, _ := q.Param("x")
	if x.DisplayValue != "a--b" {
		t.Errorf("display = %q, want a--b", x.DisplayValue)
	}
	if x.Description != "label" {
		t.Errorf("description = %q, want label", x.Description)
	}

	code, _ := q.Param("code")
	if code.DisplayValue != "fin'--an" || !code.Optional {
		t.Errorf("quoted default = %q optional=%v", code.DisplayValue, code.Optional)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"bad hide level", "/*\nhide : 9\n*/\nSELECT 1"},
		{"missing semicolon", "DECLARE @x AS int = 1 -- x\nSELECT 1"},
		{"unknown type", "DECLARE\n@x AS blob = 1 -- x\n;\nSELECT 1"},
		{"malformed line", "DECLARE\n@x int\n;\nSELECT 1"},
		{"duplicate param", "DECLARE\n@x AS int = 1 -- a\n@x AS int = 2 -- b\n;\nSELECT 1"},
		{"unknown info token", "DECLARE\n@x AS int = 1 -- a | wibble\n;\nSELECT 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse("x", tt.text, testConv(), testUser()); err == nil {
				t.Error("Parse succeeded, want error")
			}
		})
	}
}

func TestUpdateValue(t *testing.T) {
	q, err := Parse("stock", sampleFile, testConv(), testUser())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	conv := testConv()

	d, _ := q.Param("d")
	if err := d.UpdateValue("31-13-2024", conv); err == nil {
		t.Error("invalid date accepted")
	} else {
		var ive *convert.InvalidValueError
		if !errors.As(err, &ive) {
			t.Errorf("error type = %T", err)
		}
	}

	if err := d.UpdateValue("31/12/2024", conv); err != nil {
		t.Fatalf("UpdateValue: %v", err)
	}
	if d.CommandValue != "2024-12-31" || d.DisplayValue != "31/12/2024" {
		t.Errorf("display=%q command=%v", d.DisplayValue, d.CommandValue)
	}

	// Optional param accepts empty (null-encoded).
	n, _ := q.Param("n")
	if err := n.UpdateValue("", conv); err != nil {
		t.Errorf("optional empty rejected: %v", err)
	}
	if n.CommandValue != int64(0) {
		t.Errorf("null token = %v", n.CommandValue)
	}

	// Non-optional empty fails with ErrRequired.
	if err := d.UpdateValue("", conv); !errors.Is(err, ErrRequired) {
		t.Errorf("empty required = %v, want ErrRequired", err)
	}

	// Constrained param rejects values outside the list.
	mode, _ := q.Param("mode")
	if err := mode.UpdateValue("Etendu", conv); err != nil {
		t.Fatalf("UpdateValue(Etendu): %v", err)
	}
	if mode.CommandValue != "ext" {
		t.Errorf("command = %v, want ext", mode.CommandValue)
	}
	if err := mode.UpdateValue("Turbo", conv); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("unauthorized value = %v, want ErrNotAuthorized", err)
	}

	// Pattern mismatch is soft: command kept, ValueOK cleared.
	site, _ := q.Param("site")
	if err := site.UpdateValue("ly", conv); err != nil {
		t.Fatalf("UpdateValue(ly): %v", err)
	}
	if site.ValueOK {
		t.Error("pattern mismatch should clear ValueOK")
	}
	if site.CommandValue != "ly" {
		t.Errorf("command dropped on pattern mismatch: %v", site.CommandValue)
	}
	if err := site.UpdateValue("LYO", conv); err != nil || !site.ValueOK {
		t.Errorf("valid pattern: err=%v ok=%v", err, site.ValueOK)
	}
}

func TestLoadDecodesWindows1252(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accents.sql")
	// "é" in Windows-1252 is 0xE9, invalid as UTF-8.
	content := []byte("DECLARE\n@x AS int = 1 -- Ann\xe9e\n;\nSELECT 1\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	q, err := Load(path, testConv(), testUser())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if q.Params[0].Description != "Année" {
		t.Errorf("description = %q, want Année", q.Params[0].Description)
	}
	if q.Name != "accents" {
		t.Errorf("name = %q, want file stem", q.Name)
	}
}

func TestCalendarDefaults(t *testing.T) {
	fixed := time.Date(2024, 5, 15, 10, 0, 0, 0, time.UTC)
	nowFunc = func() time.Time { return fixed }
	defer func() { nowFunc = time.Now }()

	text := "DECLARE\n" +
		"@t AS date -- Today | today, optional\n" +
		"@y AS date -- Yesterday | today(-1), optional\n" +
		"@me AS date -- Month end | month_end(0), optional\n" +
		"@pme AS date -- Prev month end | month_end(-1), optional\n" +
		"@fy AS date -- Fiscal year end | fiscal_year(3), optional\n" +
		";\nSELECT 1\n"

	q, err := Parse("cal", text, testConv(), testUser())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := map[string]string{
		"t":   "15/05/2024",
		"y":   "14/05/2024",
		"me":  "31/05/2024",
		"pme": "30/04/2024",
		"fy":  "31/03/2024", // march-end fiscal year, most recent before now
	}
	for name, exp := range want {
		p, ok := q.Param(name)
		if !ok {
			t.Fatalf("param %s missing", name)
		}
		if p.DisplayValue != exp {
			t.Errorf("param %s default = %q, want %q", name, p.DisplayValue, exp)
		}
	}
}
