package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// markers delimit the structured payload inside the agent's otherwise
// free-text stdout, per spec.md §6.
const (
	markerStart = "---NANOCLAW_OUTPUT_START---"
	markerEnd   = "---NANOCLAW_OUTPUT_END---"

	statusPrefix    = "STATUS:"
	runnerLogPrefix = "[agent-runner]"
)

// Input is the single JSON document written to the agent's stdin.
type Input struct {
	Prompt          string `json:"prompt"`
	SessionID       string `json:"sessionId,omitempty"`
	GroupFolder     string `json:"groupFolder"`
	ChatJID         string `json:"chatJid"`
	IsMain          bool   `json:"isMain"`
	IsScheduledTask bool   `json:"isScheduledTask,omitempty"`
}

// OutputType discriminates the two shapes a successful Result can take.
type OutputType string

const (
	OutputMessage OutputType = "message"
	OutputLog     OutputType = "log"
)

// Result is the agent's reported outcome payload.
type Result struct {
	OutputType  OutputType `json:"outputType"`
	UserMessage string     `json:"userMessage,omitempty"`
	InternalLog string     `json:"internalLog,omitempty"`
}

// Output is the structured payload the dispatcher parses from between the
// two marker lines in the agent's stdout.
type Output struct {
	Status       string  `json:"status"` // "success" or "error"
	Result       *Result `json:"result,omitempty"`
	NewSessionID string  `json:"newSessionId,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// ExtractPayload finds the JSON payload delimited by the marker lines
// inside stdout and parses it. Returns ok=false if no marker block is
// present (e.g. the agent crashed before emitting one).
func ExtractPayload(stdout string) (out *Output, ok bool) {
	startIdx := strings.Index(stdout, markerStart)
	if startIdx < 0 {
		return nil, false
	}
	startIdx += len(markerStart)
	endIdx := strings.Index(stdout[startIdx:], markerEnd)
	if endIdx < 0 {
		return nil, false
	}
	payload := strings.TrimSpace(stdout[startIdx : startIdx+endIdx])

	var parsed Output
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, false
	}
	return &parsed, true
}

// ClassifyStderrLine reports whether line is a status update (returning
// its text with the STATUS: prefix stripped) or an ordinary runner log
// line.
func ClassifyStderrLine(line string) (statusText string, isStatus bool) {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, statusPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(trimmed, statusPrefix)), true
	}
	return "", false
}

// MarshalInput renders in as the exact stdin document the agent reads.
func MarshalInput(in Input) (string, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("agent: marshal input: %w", err)
	}
	return string(b), nil
}
