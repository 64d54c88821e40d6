package query

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pytredb/pytre/internal/convert"
	"github.com/pytredb/pytre/internal/model"
)

// Catalog is the set of queries found in the queries folder. Files that fail
// to load are captured in Errors and do not abort the scan.
type Catalog struct {
	Queries []*Query
	Errors  map[string]error // path -> load error
}

// Scan enumerates every *.sql file in folder and loads it.
func Scan(folder string, conv *convert.Converter, user model.User) (*Catalog, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("scan queries folder: %w", err)
	}

	cat := &Catalog{Errors: map[string]error{}}
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".sql") {
			continue
		}
		path := filepath.Join(folder, e.Name())
		q, err := Load(path, conv, user)
		if err != nil {
			cat.Errors[path] = err
			continue
		}
		cat.Queries = append(cat.Queries, q)
	}

	sort.Slice(cat.Queries, func(i, j int) bool {
		return cat.Queries[i].Name < cat.Queries[j].Name
	})
	return cat, nil
}

// Visible reports whether a query is shown to the given user on the given
// server: group authorization, server restriction, and hide level must all
// pass.
func Visible(q *Query, user model.User, serverID string) bool {
	if !user.IsAdmin && !user.InAnyGroup(q.AllowedGroups) {
		return false
	}

	if len(q.AllowedServers) > 0 {
		found := false
		for _, id := range q.AllowedServers {
			if strings.EqualFold(id, serverID) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if user.IsAdmin {
		return q.HideLevel != HideAll
	}
	return q.HideLevel == HideNone
}

// VisibleTo filters the catalog for one (user, server) pair.
func (c *Catalog) VisibleTo(user model.User, serverID string) []*Query {
	var out []*Query
	for _, q := range c.Queries {
		if Visible(q, user, serverID) {
			out = append(out, q)
		}
	}
	return out
}

// Get returns a query by name.
func (c *Catalog) Get(name string) (*Query, bool) {
	for _, q := range c.Queries {
		if strings.EqualFold(q.Name, name) {
			return q, true
		}
	}
	return nil, false
}

// Orphans returns, per query name, the server ids the query references that
// are not configured.
func (c *Catalog) Orphans(serverIDs []string) map[string][]string {
	known := make(map[string]bool, len(serverIDs))
	for _, id := range serverIDs {
		known[strings.ToLower(id)] = true
	}

	orphans := map[string][]string{}
	for _, q := range c.Queries {
		for _, id := range q.AllowedServers {
			if !known[strings.ToLower(id)] {
				orphans[q.Name] = append(orphans[q.Name], id)
			}
		}
	}
	return orphans
}
