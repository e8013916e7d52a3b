package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// AllowedModels is the set of model aliases an agent may be created with.
var AllowedModels = []string{"opus", "sonnet", "haiku"}

// DefaultModel is used when a create request names no model.
const DefaultModel = "sonnet"

// BlockedCommandPatterns are matched by downstream command validation against
// prompts that embed shell commands. The set is static; it lives here so the
// API layer and tests share one source.
var BlockedCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rm\s+-rf\s+/(?:\s|$)`),
	regexp.MustCompile(`(?i)mkfs(\.\w+)?\s`),
	regexp.MustCompile(`(?i)dd\s+if=.*of=/dev/`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\};:`),
	regexp.MustCompile(`(?i)\bshutdown\b`),
	regexp.MustCompile(`(?i)\breboot\b`),
}

// ModelAllowed reports whether the model alias may be used.
func ModelAllowed(model string) bool {
	return slices.Contains(AllowedModels, model)
}

// Server holds environment-derived settings fixed at startup.
type Server struct {
	HTTPPort string

	// PersistentDir is the base path for state that should survive restarts:
	// messages.json, the event archive, and agent workspaces. Falls back to a
	// temp directory when /persistent does not exist.
	PersistentDir string

	// WorkspacesDir is where per-agent workspace directories are allocated.
	WorkspacesDir string

	// MessagesPath is the message bus dump file.
	MessagesPath string

	// ArchivePath is the SQLite event archive.
	ArchivePath string

	// CLIBinary is the LLM CLI launched for each agent.
	CLIBinary string
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// LoadServer builds server settings from the environment.
func LoadServer() Server {
	base := getEnv("PERSISTENT_DIR", "/persistent")
	if _, err := os.Stat(base); err != nil {
		base = filepath.Join(os.TempDir(), "claudeswarm")
	}
	return Server{
		HTTPPort:      getEnv("HTTP_PORT", "8080"),
		PersistentDir: base,
		WorkspacesDir: getEnv("WORKSPACES_DIR", filepath.Join(base, "workspaces")),
		MessagesPath:  filepath.Join(base, "messages.json"),
		ArchivePath:   filepath.Join(base, "events.db"),
		CLIBinary:     getEnv("CLI_BINARY", "claude"),
	}
}

// LoadGuardrailsFile applies guardrails.yaml overrides from configDir onto g.
// A missing file is not an error; a malformed or out-of-bounds file is.
func LoadGuardrailsFile(g *Guardrails, configDir string) error {
	path := filepath.Join(configDir, "guardrails.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	l := g.Snapshot()
	if err := yaml.Unmarshal(data, &l); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := g.Update(l); err != nil {
		return fmt.Errorf("invalid guardrails in %s: %w", path, err)
	}
	return nil
}
