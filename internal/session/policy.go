package session

import "fmt"

// Policy decides which registry key a frame's session id deduplicates under.
type Policy string

const (
	// PolicySession deduplicates per session id.
	PolicySession Policy = "session"
	// PolicyProcess shares one scope between all session ids for the process lifetime,
	// so each identity is announced once per run.
	PolicyProcess Policy = "process"
)

// ProcessScope is the registry key used by PolicyProcess.
const ProcessScope = "process"

// ParsePolicy validates a policy name. The empty string selects PolicySession.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicySession, "":
		return PolicySession, nil
	case PolicyProcess:
		return PolicyProcess, nil
	default:
		return "", fmt.Errorf("unknown dedup policy %q", s)
	}
}

// Key maps a session id to its registry key.
func (p Policy) Key(sessionID string) string {
	if p == PolicyProcess {
		return ProcessScope
	}
	return sessionID
}
