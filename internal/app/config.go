package app

import (
	"os"
	"path/filepath"
)

// repoPathOverride holds a process-wide --repo override, set by the root
// command's PersistentPreRunE, mirroring the --db-path override pattern.
var repoPathOverride string

// SetRepoPathOverride sets a process-wide repository path override.
func SetRepoPathOverride(path string) {
	repoPathOverride = path
}

// GetRepoDir resolves the repository checkout that worktrees are branched
// from. Order of precedence: --repo override, FORGE_REPO_PATH, the working
// directory.
func GetRepoDir() (string, error) {
	if repoPathOverride != "" {
		return repoPathOverride, nil
	}
	if envPath := os.Getenv("FORGE_REPO_PATH"); envPath != "" {
		return envPath, nil
	}
	return os.Getwd()
}

// ConfigDir returns ~/.config/forge/ on all platforms.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "forge"), nil
}

// EnsureConfigDir creates the config directory and default config.yaml if missing.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	configFile := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return os.WriteFile(configFile, []byte(defaultConfig), 0600)
	}
	return nil
}

const defaultConfig = `# forge configuration
# Run: forge --help

# Optional: override the SQLite database location.
# Can also be set via FORGE_DB_PATH or --db-path.
# db_path: ~/.config/forge/forge.db
`
