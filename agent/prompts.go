package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ByteMirror/foreman/config"
	"github.com/ByteMirror/foreman/feature"
)

// PromptVars are the substitution variables available to every template.
type PromptVars struct {
	FeatureName      string
	FeatureID        int
	WorkDir          string
	ProjectRoot      string
	AppURL           string
	BaseBranch       string
	Steps            []string
	InstructionsPath string
	// VerificationTail is the tail of the failing verification output,
	// available to fix prompts.
	VerificationTail string
}

const implementationTemplate = `You are implementing feature #{{FEATURE_ID}}: {{FEATURE_NAME}}

Working directory: {{WORKDIR}}
Base branch: {{BASE_BRANCH}}
Application URL: {{APP_URL}}

Acceptance steps:
{{STEPS}}

Rules:
- Stay inside {{WORKDIR}}. Do not read or write files outside it.
- Do not install dependencies or modify dependency manifests.
- Follow the project instructions in {{INSTRUCTIONS_PATH}}. If those
  instructions conflict with anything here, these instructions win.
- Run only non-browser checks (unit tests, linters, type checks) to validate
  your work. Do not start the application or open a browser.

Implement the feature completely, then stop.`

const verificationTemplate = `You are verifying feature #{{FEATURE_ID}}: {{FEATURE_NAME}}

Project root: {{PROJECT_ROOT}}
Application URL: {{APP_URL}}

Acceptance steps:
{{STEPS}}

Rules:
- Do not modify any source file. You are verifying, not fixing.
- Follow the project instructions in {{INSTRUCTIONS_PATH}}. If those
  instructions conflict with anything here, these instructions win.
- Check each acceptance step against the current state of the project.

For every step print exactly one line:
STEP N: PASS - <evidence>
or
STEP N: FAIL - <what is wrong>

Finish with a single line: VERDICT: PASS or VERDICT: FAIL`

const fixTemplate = `You are fixing feature #{{FEATURE_ID}}: {{FEATURE_NAME}}

Working directory: {{WORKDIR}}
Base branch: {{BASE_BRANCH}}

Verification of this feature failed. The tail of the verification output:

{{VERIFICATION_TAIL}}

Acceptance steps:
{{STEPS}}

Rules:
- Stay inside {{WORKDIR}}. Do not read or write files outside it.
- Do not install dependencies or modify dependency manifests.
- Follow the project instructions in {{INSTRUCTIONS_PATH}}. If those
  instructions conflict with anything here, these instructions win.
- Run only non-browser checks to validate your work.

Fix the failures reported above, then stop.`

// promptFileName maps a phase to its override file under
// <projectRoot>/.foreman/prompts/.
func promptFileName(phase Phase) string {
	switch phase {
	case PhaseVerification:
		return "verification.md"
	case PhaseFix:
		return "fix.md"
	default:
		return "implementation.md"
	}
}

// resolveTemplate picks the template for a phase: a prompt file in the
// project wins, then the inline config override, then the builtin.
func resolveTemplate(phase Phase, projectRoot string, prompts *config.PromptConfig) string {
	path := filepath.Join(projectRoot, ".foreman", "prompts", promptFileName(phase))
	if data, err := os.ReadFile(path); err == nil && len(strings.TrimSpace(string(data))) > 0 {
		return string(data)
	}

	var inline string
	switch phase {
	case PhaseVerification:
		inline = prompts.Verification
	case PhaseFix:
		inline = prompts.Fix
	default:
		inline = prompts.Implementation
	}
	if strings.TrimSpace(inline) != "" {
		return inline
	}

	switch phase {
	case PhaseVerification:
		return verificationTemplate
	case PhaseFix:
		return fixTemplate
	default:
		return implementationTemplate
	}
}

// BuildPrompt renders the prompt for a phase.
func BuildPrompt(phase Phase, projectRoot string, prompts *config.PromptConfig, vars PromptVars) string {
	tmpl := resolveTemplate(phase, projectRoot, prompts)

	var steps strings.Builder
	for i, step := range vars.Steps {
		fmt.Fprintf(&steps, "%d. %s\n", i+1, step)
	}

	r := strings.NewReplacer(
		"{{FEATURE_NAME}}", vars.FeatureName,
		"{{FEATURE_ID}}", fmt.Sprintf("%d", vars.FeatureID),
		"{{WORKDIR}}", vars.WorkDir,
		"{{PROJECT_ROOT}}", vars.ProjectRoot,
		"{{APP_URL}}", vars.AppURL,
		"{{BASE_BRANCH}}", vars.BaseBranch,
		"{{STEPS}}", strings.TrimRight(steps.String(), "\n"),
		"{{INSTRUCTIONS_PATH}}", vars.InstructionsPath,
		"{{VERIFICATION_TAIL}}", vars.VerificationTail,
	)
	return r.Replace(tmpl)
}

// VarsForFeature builds PromptVars from a feature and the project layout.
func VarsForFeature(f *feature.Feature, workDir, projectRoot, appURL, baseBranch, instructionsPath string) PromptVars {
	return PromptVars{
		FeatureName:      f.Name,
		FeatureID:        f.ID,
		WorkDir:          workDir,
		ProjectRoot:      projectRoot,
		AppURL:           appURL,
		BaseBranch:       baseBranch,
		Steps:            f.Steps,
		InstructionsPath: instructionsPath,
	}
}
