package agent

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ByteMirror/foreman/config"
	"github.com/ByteMirror/foreman/log"
)

const (
	// stopPollInterval is how often the stop predicate is checked while a
	// subprocess runs.
	stopPollInterval = 500 * time.Millisecond
	// termGracePeriod is how long a process gets between SIGTERM and SIGKILL.
	termGracePeriod = 2 * time.Second
	// stderrTailLimit bounds how much standard error is retained.
	stderrTailLimit = 8 * 1024
	// contextTailLimit bounds the output tail carried into a fallback prompt.
	contextTailLimit = 2000
	// maxLineSize bounds a single stdout line. Agent events are normally a
	// few KB; tool results can be much larger.
	maxLineSize = 1024 * 1024
)

// StopFunc is polled while a subprocess runs; returning true terminates it.
type StopFunc func() bool

// Executor spawns agent subprocesses and drives the fallback loop.
type Executor struct {
	cfg         *config.ProjectConfig
	projectRoot string
}

// NewExecutor creates an executor for a project.
func NewExecutor(projectRoot string, cfg *config.ProjectConfig) *Executor {
	return &Executor{cfg: cfg, projectRoot: projectRoot}
}

// Invocation is one request to run an agent.
type Invocation struct {
	Phase   Phase
	Prompt  string
	WorkDir string
	Stop    StopFunc
	// OnMessage receives each parsed message as it streams, in order.
	OnMessage func(Message)
}

// ExecuteSession runs an implementation invocation in the working copy with
// the full tool set.
func (e *Executor) ExecuteSession(prompt, workDir string, stop StopFunc, onMessage func(Message)) Result {
	return e.execute(Invocation{Phase: PhaseImplementation, Prompt: prompt, WorkDir: workDir, Stop: stop, OnMessage: onMessage})
}

// ExecuteVerification runs a verification invocation in the project root
// with the restricted tool set.
func (e *Executor) ExecuteVerification(prompt string, stop StopFunc, onMessage func(Message)) Result {
	return e.execute(Invocation{Phase: PhaseVerification, Prompt: prompt, WorkDir: e.projectRoot, Stop: stop, OnMessage: onMessage})
}

// ExecuteFix runs a fix invocation in the working copy with the full tool
// set.
func (e *Executor) ExecuteFix(prompt, workDir string, stop StopFunc, onMessage func(Message)) Result {
	return e.execute(Invocation{Phase: PhaseFix, Prompt: prompt, WorkDir: workDir, Stop: stop, OnMessage: onMessage})
}

// attemptOutcome classifies a single failed attempt.
type attemptOutcome int

const (
	attemptOK attemptOutcome = iota
	attemptRateLimited
	attemptUnavailable
	attemptFailed
)

// attempt is the raw result of one subprocess run.
type attempt struct {
	output     string
	messages   []Message
	stderrTail string
	errText    string
	outcome    attemptOutcome
}

// execute drives the fallback loop over the configured agent order.
func (e *Executor) execute(inv Invocation) Result {
	order := FallbackOrder(&e.cfg.Agent)
	rateLimited := make(map[Name]bool)

	result := Result{AgentUsed: order[0]}
	prompt := inv.Prompt
	idx := 0

	for {
		current := order[idx]
		a := e.runOnce(current, inv.Phase, prompt, inv.WorkDir, inv.Stop, inv.OnMessage)

		result.Output += a.output
		result.Messages = append(result.Messages, a.messages...)
		result.StderrTail = a.stderrTail
		result.AnalysisOutput = a.output
		result.AnalysisError = a.errText
		result.AgentUsed = current

		switch a.outcome {
		case attemptOK:
			result.Success = true
			return result

		case attemptUnavailable:
			log.WarningLog.Printf("agent %s unavailable: %s", current, a.errText)
			next, ok := nextCandidate(order, idx, rateLimited)
			if ok {
				idx = next
				// The binary never ran, so the original prompt is still valid.
				e.emitSwitch(inv.OnMessage, &result, current, order[next], "unavailable")
				continue
			}
			if len(rateLimited) > 0 {
				// Everything else is rate limited; wait it out and retry the
				// preferred agent.
				if !e.waitRateLimit(inv.Stop) {
					result.Error = "stopped while waiting out rate limit"
					result.RateLimited = true
					return result
				}
				for k := range rateLimited {
					delete(rateLimited, k)
				}
				idx = 0
				continue
			}
			result.Error = a.errText
			return result

		case attemptRateLimited:
			log.WarningLog.Printf("agent %s rate limited: %s", current, a.errText)
			rateLimited[current] = true
			next, ok := nextCandidate(order, idx, rateLimited)
			if ok {
				prompt = e.augmentPrompt(inv.Prompt, a, inv.WorkDir)
				e.emitSwitch(inv.OnMessage, &result, current, order[next], "rate limited")
				idx = next
				continue
			}
			if !e.waitRateLimit(inv.Stop) {
				result.Error = "stopped while waiting out rate limit"
				result.RateLimited = true
				return result
			}
			for k := range rateLimited {
				delete(rateLimited, k)
			}
			idx = 0
			prompt = inv.Prompt
			continue

		default:
			result.Error = a.errText
			return result
		}
	}
}

// nextCandidate finds the next agent after idx that is not rate limited.
func nextCandidate(order []Name, idx int, rateLimited map[Name]bool) (int, bool) {
	for i := idx + 1; i < len(order); i++ {
		if !rateLimited[order[i]] {
			return i, true
		}
	}
	return 0, false
}

// emitSwitch records an agent switch as a system message in the session.
func (e *Executor) emitSwitch(onMessage func(Message), result *Result, from, to Name, why string) {
	msg := Message{
		Kind:      KindSystem,
		Timestamp: time.Now(),
		Agent:     System,
		Content:   fmt.Sprintf("switching agent %s -> %s (%s)", from, to, why),
	}
	result.Messages = append(result.Messages, msg)
	if onMessage != nil {
		onMessage(msg)
	}
}

// waitRateLimit sleeps the configured rate-limit delay, polling the stop
// predicate. Returns false if stopped early.
func (e *Executor) waitRateLimit(stop StopFunc) bool {
	wait := time.Duration(e.cfg.Agent.RateLimitWaitMs) * time.Millisecond
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if stop != nil && stop() {
			return false
		}
		time.Sleep(time.Second)
	}
	return true
}

// augmentPrompt appends a compact context section when switching agents
// mid-feature, so the next agent does not start blind.
func (e *Executor) augmentPrompt(original string, a attempt, workDir string) string {
	var b strings.Builder
	b.WriteString(original)
	b.WriteString("\n\n---\nA previous agent was interrupted while working on this. Recent output:\n")
	b.WriteString(tail(a.output, contextTailLimit))
	if a.errText != "" {
		b.WriteString("\n\nError:\n")
		b.WriteString(tail(a.errText, contextTailLimit))
	}
	b.WriteString("\n\nRepository state:\n")
	b.WriteString(repoSnapshot(workDir))
	b.WriteString("\nContinue from where the previous agent left off.")
	return b.String()
}

// repoSnapshot summarizes the working copy: status, diff shape, last commit.
func repoSnapshot(workDir string) string {
	var b strings.Builder
	for _, args := range [][]string{
		{"status", "--porcelain"},
		{"diff", "--stat"},
		{"log", "-1", "--format=%h %s"},
	} {
		cmd := exec.Command("git", append([]string{"-C", workDir}, args...)...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			continue
		}
		b.WriteString(tail(strings.TrimSpace(string(out)), contextTailLimit/2))
		b.WriteString("\n")
	}
	return b.String()
}

// runOnce spawns one agent process and waits for it to exit or be stopped.
func (e *Executor) runOnce(name Name, phase Phase, prompt, workDir string, stop StopFunc, onMessage func(Message)) attempt {
	spec := BuildCommand(name, phase, prompt, &e.cfg.Agent)

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = workDir
	cmd.Env = e.buildEnv(workDir)
	// Run the agent in its own process group so a stop kills its whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return attempt{errText: err.Error(), outcome: classify(name, "", "", err.Error())}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return attempt{errText: err.Error(), outcome: classify(name, "", "", err.Error())}
	}

	if err := cmd.Start(); err != nil {
		return attempt{errText: err.Error(), outcome: classify(name, "", "", err.Error())}
	}

	// Drain stderr into a bounded tail.
	stderrCh := make(chan string, 1)
	go func() {
		buf := make([]byte, 4096)
		var tailBuf []byte
		for {
			n, readErr := stderr.Read(buf)
			if n > 0 {
				tailBuf = append(tailBuf, buf[:n]...)
				if len(tailBuf) > stderrTailLimit {
					tailBuf = tailBuf[len(tailBuf)-stderrTailLimit:]
				}
			}
			if readErr != nil {
				break
			}
		}
		stderrCh <- string(tailBuf)
	}()

	// Poll the stop predicate; terminate the process group on request.
	stopPolling := make(chan struct{})
	go func() {
		ticker := time.NewTicker(stopPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPolling:
				return
			case <-ticker.C:
				if stop != nil && stop() {
					terminateGroup(cmd.Process.Pid)
					return
				}
			}
		}
	}()

	// Stream stdout line by line. The full output is retained only as the
	// concatenation of lines already handed to the parser; no second buffer
	// of unparsed output accumulates.
	var output strings.Builder
	var messages []Message
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		output.WriteString(line)
		output.WriteByte('\n')
		for _, msg := range ParseLine(line, name, time.Now()) {
			messages = append(messages, msg)
			if onMessage != nil {
				onMessage(msg)
			}
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		log.WarningLog.Printf("agent %s stdout read error: %v", name, scanErr)
	}

	// Wait closes the stderr pipe, so the tail is collected first.
	stderrTail := <-stderrCh
	waitErr := cmd.Wait()
	close(stopPolling)

	a := attempt{
		output:     output.String(),
		messages:   messages,
		stderrTail: stderrTail,
	}

	if waitErr == nil {
		a.outcome = attemptOK
		return a
	}

	a.errText = waitErr.Error()
	a.outcome = classify(name, a.output, stderrTail, a.errText)
	return a
}

// classify maps a failed run onto an outcome using the combined text of
// stdout, stderr and the runtime error.
func classify(name Name, output, stderrTail, errText string) attemptOutcome {
	combined := output + "\n" + stderrTail + "\n" + errText
	if LooksUnavailable(combined) {
		return attemptUnavailable
	}
	if LooksLikeRateLimit(name, combined) {
		return attemptRateLimited
	}
	return attemptFailed
}

// terminateGroup sends SIGTERM to a process group, then SIGKILL after the
// grace period.
func terminateGroup(pid int) {
	_ = unix.Kill(-pid, unix.SIGTERM)
	time.Sleep(termGracePeriod)
	_ = unix.Kill(-pid, unix.SIGKILL)
}

// buildEnv inherits the environment and prepends the bin directories of the
// configured dependency trees, both inside the working copy and the project
// root, so agents can run project tooling without installing anything.
func (e *Executor) buildEnv(workDir string) []string {
	env := os.Environ()

	var extra []string
	for _, dir := range e.cfg.Worktree.SymlinkDirs {
		for _, root := range []string{workDir, e.projectRoot} {
			for _, bin := range []string{".bin", "bin"} {
				candidate := filepath.Join(root, dir, bin)
				if info, err := os.Stat(candidate); err == nil && info.IsDir() {
					extra = append(extra, candidate)
				}
			}
		}
	}
	if len(extra) == 0 {
		return env
	}

	for i, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			env[i] = "PATH=" + strings.Join(extra, string(os.PathListSeparator)) + string(os.PathListSeparator) + kv[len("PATH="):]
			return env
		}
	}
	return append(env, "PATH="+strings.Join(extra, string(os.PathListSeparator)))
}

// tail returns the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
