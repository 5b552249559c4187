package agent

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ByteMirror/foreman/config"
)

// PromptPlaceholder in custom command args is substituted with the prompt;
// when absent the prompt is appended as the final argument.
const PromptPlaceholder = "{{PROMPT}}"

// CommandSpec is one resolved agent invocation.
type CommandSpec struct {
	Command string
	Args    []string
}

// definition describes one supported agent binary.
type definition struct {
	command string
	// args builds the default argument vector for a phase.
	args func(phase Phase, opts CommandOptions) []string
	// requireToken, when true, means rate-limit phrases only count when the
	// output also names the agent. Generic words like "quota" show up in
	// ordinary build output too often otherwise.
	requireToken bool
	// tokens identify this agent in its own output.
	tokens []string
}

// CommandOptions carries the per-invocation knobs from configuration.
type CommandOptions struct {
	MaxTurns     int
	AllowedTools []string
}

var definitions = map[Name]definition{
	Claude: {
		command: "claude",
		args: func(phase Phase, opts CommandOptions) []string {
			args := []string{"-p", "--verbose", "--output-format", "stream-json", "--dangerously-skip-permissions"}
			if opts.MaxTurns > 0 {
				args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
			}
			if len(opts.AllowedTools) > 0 {
				args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
			}
			return args
		},
	},
	Codex: {
		command: "codex",
		args: func(phase Phase, opts CommandOptions) []string {
			args := []string{"exec", "--json", "--skip-git-repo-check"}
			if phase == PhaseVerification {
				args = append(args, "--sandbox", "read-only")
			} else {
				args = append(args, "--full-auto")
			}
			return args
		},
		requireToken: true,
		tokens:       []string{"codex", "openai"},
	},
	Gemini: {
		command: "gemini",
		args: func(phase Phase, opts CommandOptions) []string {
			args := []string{"--output-format", "stream-json"}
			if phase != PhaseVerification {
				args = append(args, "--yolo")
			}
			return args
		},
		requireToken: true,
		tokens:       []string{"gemini", "generativelanguage"},
	},
}

// BuildCommand resolves the command line for an agent and phase. Config
// overrides win; the builtin vector is used otherwise. The prompt replaces a
// {{PROMPT}} placeholder or is appended.
func BuildCommand(name Name, phase Phase, prompt string, cfg *config.AgentConfig) CommandSpec {
	def := definitions[name]

	if override, ok := cfg.Commands[string(name)]; ok && override.Command != "" {
		args := make([]string, 0, len(override.Args)+1)
		substituted := false
		for _, a := range override.Args {
			if strings.Contains(a, PromptPlaceholder) {
				a = strings.ReplaceAll(a, PromptPlaceholder, prompt)
				substituted = true
			}
			args = append(args, a)
		}
		if !substituted {
			args = append(args, prompt)
		}
		return CommandSpec{Command: override.Command, Args: args}
	}

	opts := CommandOptions{
		MaxTurns:     cfg.ImplementationTurns,
		AllowedTools: cfg.AllowedTools,
	}
	if phase == PhaseVerification {
		opts.MaxTurns = cfg.VerificationTurns
		opts.AllowedTools = cfg.VerificationTools
	}

	args := def.args(phase, opts)
	return CommandSpec{Command: def.command, Args: append(args, prompt)}
}

var rateLimitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rate[ _-]?limit`),
	regexp.MustCompile(`(?i)\b429\b`),
	regexp.MustCompile(`(?i)too many requests`),
	regexp.MustCompile(`(?i)(usage|quota)\s+(limit\s+)?(reached|exceeded)`),
	regexp.MustCompile(`(?i)out of (quota|credits)`),
	regexp.MustCompile(`(?i)temporarily unavailable`),
	regexp.MustCompile(`(?i)overloaded`),
}

var unavailablePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)command not found`),
	regexp.MustCompile(`(?i)executable file not found`),
	regexp.MustCompile(`ENOENT`),
	regexp.MustCompile(`(?i)no such file or directory`),
	regexp.MustCompile(`(?i)is not recognized as an internal or external command`),
}

// MatchesRateLimit reports whether text contains any rate-limit phrase,
// with no agent-token requirement. Used by failure analysis where the agent
// identity is already known from the run.
func MatchesRateLimit(text string) bool {
	for _, re := range rateLimitPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// LooksLikeRateLimit reports whether the combined output of a failed run
// indicates the agent hit a rate or usage limit. For agents whose limit
// messages are generic, the match must co-occur with a token naming the
// agent to avoid classifying unrelated output about quotas.
func LooksLikeRateLimit(name Name, combined string) bool {
	matched := false
	for _, re := range rateLimitPatterns {
		if re.MatchString(combined) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	def := definitions[name]
	if !def.requireToken {
		return true
	}
	lower := strings.ToLower(combined)
	for _, token := range def.tokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// LooksUnavailable reports whether the combined output of a failed run
// indicates the agent binary could not be executed at all.
func LooksUnavailable(combined string) bool {
	for _, re := range unavailablePatterns {
		if re.MatchString(combined) {
			return true
		}
	}
	return false
}

// FallbackOrder builds the candidate list: the preferred agent first, then
// the configured fallbacks filtered to valid names, excluding the preferred.
func FallbackOrder(cfg *config.AgentConfig) []Name {
	preferred := Name(cfg.Preferred)
	if !ValidName(preferred) {
		preferred = Claude
	}
	order := []Name{preferred}
	for _, fb := range cfg.Fallbacks {
		n := Name(fb)
		if !ValidName(n) || n == preferred {
			continue
		}
		order = append(order, n)
	}
	return order
}
