package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pytredb/pytre/internal/model"
)

// Document is the top-level credential/configuration document. The real
// deployment keeps it in an encrypted keystore; this package only defines the
// decrypted shape and the lookups the rest of the application needs.
type Document struct {
	Settings model.Settings `yaml:"settings"`
	Servers  []model.Server `yaml:"servers"`
	Users    []model.User   `yaml:"users"`
}

// Load reads and parses a configuration document from path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration document from YAML bytes.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	doc.Settings = doc.Settings.WithDefaults()
	for _, srv := range doc.Servers {
		if err := srv.Validate(); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	return &doc, nil
}

// Server returns the server entry with the given id.
func (d *Document) Server(id string) (model.Server, error) {
	for _, s := range d.Servers {
		if strings.EqualFold(s.ID, id) {
			return s, nil
		}
	}
	return model.Server{}, fmt.Errorf("server %q: %w", id, ErrNotFound)
}

// DefaultServer returns the first configured server. Queries that do not name
// a server run against it.
func (d *Document) DefaultServer() (model.Server, error) {
	if len(d.Servers) == 0 {
		return model.Server{}, fmt.Errorf("default server: %w", ErrNotFound)
	}
	return d.Servers[0], nil
}

// User returns the user entry with the given username.
func (d *Document) User(username string) (model.User, error) {
	for _, u := range d.Users {
		if strings.EqualFold(u.Username, username) {
			return u, nil
		}
	}
	return model.User{}, fmt.Errorf("user %q: %w", username, ErrNotFound)
}

// CheckVersions enforces the minimum application and settings versions
// declared in the shared configuration.
func (d *Document) CheckVersions(appVersion string) error {
	if d.Settings.MinAppVersion != "" && compareVersions(appVersion, d.Settings.MinAppVersion) < 0 {
		return fmt.Errorf("app %s < required %s: %w", appVersion, d.Settings.MinAppVersion, ErrVersionTooOld)
	}
	if d.Settings.MinSettingsVersion != "" &&
		compareVersions(d.Settings.SettingsVersion, d.Settings.MinSettingsVersion) < 0 {
		return fmt.Errorf("settings %s < required %s: %w",
			d.Settings.SettingsVersion, d.Settings.MinSettingsVersion, ErrVersionTooOld)
	}
	return nil
}

// compareVersions compares dotted numeric versions ("1.2.10" style).
// Non-numeric segments compare as 0. Returns -1, 0, or 1.
func compareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var an, bn int
		if i < len(as) {
			an, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bn, _ = strconv.Atoi(bs[i])
		}
		if an != bn {
			if an < bn {
				return -1
			}
			return 1
		}
	}
	return 0
}
