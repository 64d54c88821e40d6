package cli

import (
	"fmt"
	"log/slog"
	"os"
	osuser "os/user"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/pytredb/pytre/internal/config"
	"github.com/pytredb/pytre/internal/model"
)

// resolveDataDir returns the local data directory from the --data-dir flag,
// the PYTRE_DATA_DIR env var, or ~/.pytre as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("PYTRE_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pytre")
}

// configPath returns the configuration document in use, preferring the
// file viper actually loaded.
func configPath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	if cfgFile != "" {
		return cfgFile
	}
	return "pytre.yaml"
}

// loadDocument reads the configuration document and enforces version
// minimums.
func loadDocument() (*config.Document, error) {
	doc, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}
	if err := doc.CheckVersions(appVersion); err != nil {
		return nil, err
	}
	return doc, nil
}

// currentUser resolves the acting user: the --user flag when given,
// otherwise the OS login. An unknown user still gets a minimal identity so
// unrestricted queries keep working.
func currentUser(doc *config.Document) model.User {
	name := userName
	if name == "" {
		if u, err := osuser.Current(); err == nil {
			name = u.Username
		}
	}

	if u, err := doc.User(name); err == nil {
		return u
	}
	return model.User{Username: name}
}

// resolveServer picks the execution server: the explicit flag, the first
// server the query allows, or the configured default.
func resolveServer(doc *config.Document, allowed []string, flag string) (model.Server, error) {
	if flag != "" {
		return doc.Server(flag)
	}
	if len(allowed) > 0 {
		return doc.Server(allowed[0])
	}
	return doc.DefaultServer()
}

// userStorePath is the local per-user execution log.
func userStorePath() string {
	return filepath.Join(resolveDataDir(), "pytre_user.db")
}

// extractFolder returns where CSV extracts land, creating it on demand.
func extractFolder(settings model.Settings) (string, error) {
	folder := settings.ExtractFolder
	if folder == "" {
		folder = filepath.Join(resolveDataDir(), "extracts")
	}
	if err := os.MkdirAll(folder, 0755); err != nil {
		return "", fmt.Errorf("create extract folder: %w", err)
	}
	return folder, nil
}

// newLogger builds the application logger. PYTRE_DEBUG=1 lowers the level.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("PYTRE_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
