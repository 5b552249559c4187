package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const ConfigFileName = "foreman.json"

// TrackDef defines one track: a named lane that accepts features by category.
type TrackDef struct {
	Name       string   `json:"name"`
	Categories []string `json:"categories"`
	Color      string   `json:"color,omitempty"`
	IsDefault  bool     `json:"is_default"`
}

// CriticalPattern is a regex that, when matched in agent output, classifies
// a failure as environmental and counts toward the track circuit breaker.
type CriticalPattern struct {
	Pattern string `json:"pattern"`
	Label   string `json:"label"`
}

// WorktreeConfig describes how per-track worktrees are prepared and which
// files must survive git operations.
type WorktreeConfig struct {
	// SymlinkDirs are linked (relative) from the worktree back to the
	// project root instead of being copied, e.g. node_modules.
	SymlinkDirs []string `json:"symlink_dirs"`
	// CopyFiles are copied into each new worktree, e.g. .env.
	CopyFiles []string `json:"copy_files"`
	// PreserveFiles survive every git operation on the main repository.
	PreserveFiles []string `json:"preserve_files"`
	// SetupScriptName, when set together with Docker fields, is the name of
	// the generated per-worktree setup script.
	SetupScriptName string `json:"setup_script_name,omitempty"`
	// DockerImage enables container integration: a setup script is generated
	// into each worktree so it can be mounted and prepared inside a container.
	DockerImage   string `json:"docker_image,omitempty"`
	DockerWorkdir string `json:"docker_workdir,omitempty"`
}

// PromptConfig holds inline prompt template overrides. A non-empty prompt
// file under .foreman/prompts/ takes precedence over these; an empty field
// falls back to the builtin.
type PromptConfig struct {
	Implementation string `json:"implementation,omitempty"`
	Verification   string `json:"verification,omitempty"`
	Fix            string `json:"fix,omitempty"`
}

// AgentConfig configures the external agent CLIs.
type AgentConfig struct {
	// Preferred is the agent tried first: claude, codex or gemini.
	Preferred string `json:"preferred"`
	// Fallbacks are tried, in order, when the preferred agent is rate
	// limited or unavailable.
	Fallbacks []string `json:"fallbacks"`
	// Commands overrides the command line per agent. A {{PROMPT}} token in
	// the args is substituted; otherwise the prompt is appended.
	Commands map[string]AgentCommand `json:"commands,omitempty"`
	// ImplementationTurns / VerificationTurns cap agent turns per phase.
	ImplementationTurns int `json:"implementation_turns"`
	VerificationTurns   int `json:"verification_turns"`
	// AllowedTools / VerificationTools are the tool allowlists passed to the
	// agent for the implementation+fix and verification phases.
	AllowedTools      []string `json:"allowed_tools"`
	VerificationTools []string `json:"verification_tools"`
	// RateLimitWaitMs is how long to wait when every agent is rate limited.
	RateLimitWaitMs int `json:"rate_limit_wait_ms"`
}

// AgentCommand overrides one agent's executable and argument vector.
type AgentCommand struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// VerificationConfig controls the merge-and-verify loop.
type VerificationConfig struct {
	MaxAttempts int  `json:"max_attempts"`
	DelayMs     int  `json:"delay_ms"`
	Disabled    bool `json:"disabled"`
}

// ProjectConfig is the project-local configuration, stored pretty-printed at
// <projectRoot>/foreman.json.
type ProjectConfig struct {
	ProjectName      string `json:"project_name"`
	BaseBranch       string `json:"base_branch"`
	FeaturesPath     string `json:"features_path"`
	ProgressPath     string `json:"progress_path"`
	InstructionsPath string `json:"instructions_path"`
	AppURL           string `json:"app_url,omitempty"`
	// WorktreesDir is the directory (relative to the project root) holding
	// one worktree per track.
	WorktreesDir string `json:"worktrees_dir"`
	// SessionDBPath is the SQLite session log, relative to the project root.
	SessionDBPath string `json:"session_db_path"`

	TracksConfigured bool       `json:"tracks_configured"`
	Tracks           []TrackDef `json:"tracks"`

	Worktree         WorktreeConfig     `json:"worktree"`
	CriticalPatterns []CriticalPattern  `json:"critical_patterns"`
	Prompts          PromptConfig       `json:"prompts"`
	Agent            AgentConfig        `json:"agent"`
	Verification     VerificationConfig `json:"verification"`
}

// DefaultConfig returns the default project configuration.
func DefaultConfig() *ProjectConfig {
	return &ProjectConfig{
		BaseBranch:       "main",
		FeaturesPath:     "features.json",
		ProgressPath:     "progress.log",
		InstructionsPath: "AGENTS.md",
		WorktreesDir:     ".foreman/worktrees",
		SessionDBPath:    ".foreman/sessions.db",
		Worktree: WorktreeConfig{
			PreserveFiles: []string{"features.json", "progress.log"},
		},
		Agent: AgentConfig{
			Preferred:           "claude",
			Fallbacks:           []string{"codex", "gemini"},
			ImplementationTurns: 80,
			VerificationTurns:   30,
			RateLimitWaitMs:     30 * 60 * 1000,
		},
		Verification: VerificationConfig{
			MaxAttempts: 3,
			DelayMs:     3000,
		},
	}
}

// ConfigPath returns the path to the config file for a project root.
func ConfigPath(projectRoot string) string {
	return filepath.Join(projectRoot, ConfigFileName)
}

// Load reads the project configuration. Missing fields take defaults. A
// missing or malformed file is a startup error: the caller should direct the
// user to the init tooling and exit non-zero.
func Load(projectRoot string) (*ProjectConfig, error) {
	path := ConfigPath(projectRoot)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no %s found in %s: run the project initializer first", ConfigFileName, projectRoot)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration back pretty-printed.
func Save(projectRoot string, cfg *ProjectConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return atomicWriteFile(ConfigPath(projectRoot), append(data, '\n'), 0644)
}
