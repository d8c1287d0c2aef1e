package executor

import "github.com/devicelab-dev/flowrunner/pkg/report"

// EventType identifies the kind of test event carried by TestEvent.
type EventType string

// Event types published to the Bus. These mirror the session/flow/command
// state machine transitions directly, not the report writer's callback
// call sites.
const (
	EventSessionStarted  EventType = "sessionStarted"
	EventSessionFinished EventType = "sessionFinished"
	EventFlowStarted     EventType = "flowStarted"
	EventFlowFinished    EventType = "flowFinished"
	EventCommandStarted  EventType = "commandStarted"
	EventCommandPassed   EventType = "commandPassed"
	EventCommandFailed   EventType = "commandFailed"
	EventCommandRetrying EventType = "commandRetrying"
	EventCommandSkipped  EventType = "commandSkipped"
	EventLog             EventType = "log"
)

// TestEvent is the tagged union broadcast over the Bus. Only the fields
// relevant to Type are populated; the rest are zero.
//
// Ordering per run: SessionStarted -> [FlowStarted -> [CommandStarted ->
// (CommandRetrying)* -> (CommandPassed|CommandFailed|CommandSkipped)]* ->
// FlowFinished]* -> SessionFinished. Depth is monotone within a single
// command's lifecycle.
type TestEvent struct {
	Type  EventType
	Time  int64 // unix millis, stamped by the publisher
	Depth int

	// SessionStarted / SessionFinished
	SessionID string
	Summary   *RunResult

	// FlowStarted / FlowFinished
	FlowName     string
	FlowPath     string
	CommandCount int
	Status       report.Status
	DurationMs   int64

	// CommandStarted / CommandPassed / CommandFailed / CommandRetrying / CommandSkipped
	Index       int
	Command     string
	Error       string
	Attempt     int
	MaxAttempts int
	Reason      string

	// Log
	Message string
}
