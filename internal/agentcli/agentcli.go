// Package agentcli builds the shell invocation piped into the in-sandbox
// agent CLI and parses its JSON cost line. It is grounded directly in the
// reference implementation's run_claude_agent: prompt escaping, the
// --model/--max-turns/--output-format json flags, and the flat, non-nested
// cost-object regex.
package agentcli

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// SystemPromptTemplate mirrors the reference implementation's
// SYSTEM_PROMPT_TEMPLATE: the briefing given to the in-sandbox agent before
// its task prompt.
const SystemPromptTemplate = `You are an AI assistant executing tasks in an isolated sandbox environment.

## Context
- Repository: %s
- Branch: %s
- Fork Number: %d

## Instructions
1. Clone the repository and checkout the specified branch
2. Complete the user's task
3. Commit your changes with descriptive messages
4. Push to the remote branch

## Guidelines
- Always verify your changes work before committing
- Use meaningful commit messages
- Handle errors gracefully
- Report progress regularly
`

// SystemPrompt renders SystemPromptTemplate for a given fork.
func SystemPrompt(repoURL, branch string, forkNum int) string {
	return fmt.Sprintf(SystemPromptTemplate, repoURL, branch, forkNum)
}

// escapeSingleQuotes applies the shell-escaping rule the reference
// implementation uses for prompts embedded inside single-quoted strings:
// close the quote, append an escaped quote, reopen it.
func escapeSingleQuotes(s string) string {
	return strings.ReplaceAll(s, "'", `'"'"'`)
}

// CloneCommand builds the shell command that clones repoURL into /workspace
// and checks out branch, creating it from origin if it does not exist yet
// locally.
func CloneCommand(repoURL, branch string) string {
	return fmt.Sprintf(
		"git clone %s /workspace && cd /workspace && git checkout -b %s origin/%s 2>/dev/null || git checkout %s",
		repoURL, branch, branch, branch,
	)
}

// RunCommand builds the shell command that pipes prompt into the agent CLI
// inside /workspace, requesting JSON output so the cost line can be parsed.
func RunCommand(prompt, model string, maxTurns int) string {
	escaped := escapeSingleQuotes(prompt)
	return fmt.Sprintf(
		"cd /workspace && echo '%s' | claude -p --model %s --max-turns %d --dangerously-skip-permissions --output-format json 2>&1",
		escaped, model, maxTurns,
	)
}

// costLinePattern matches a single flat (non-nested) JSON object containing
// a "cost" key anywhere in the agent's combined stdout/stderr. Kept exactly
// as specified: nested agent output silently reports zero cost rather than
// being hardened against, per design note.
var costLinePattern = regexp.MustCompile(`\{[^{}]*"cost"[^{}]*\}`)

// CostLine is the decoded shape of the agent CLI's cost-reporting line.
type CostLine struct {
	Cost         float64 `json:"cost"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
}

// ParseCost scans output for the flat cost JSON object and decodes it. It
// never errors: malformed or absent cost data yields the zero CostLine,
// matching the reference implementation's graceful-degradation behavior.
func ParseCost(output string) CostLine {
	match := costLinePattern.FindString(output)
	if match == "" {
		return CostLine{}
	}
	var line CostLine
	if err := json.Unmarshal([]byte(match), &line); err != nil {
		return CostLine{}
	}
	return line
}
