// Package protocol defines the JSON messages exchanged over the live channel.
package protocol

// Message types sent by the caller.
const (
	TypeExecuteCode  = "execute-code"
	TypeProvideInput = "provide-input"
)

// Message types sent by the engine.
const (
	TypeExecutionStarted = "execution-started"
	TypeExecutionOutput  = "execution-output"
	TypeExecutionError   = "execution-error"
	TypeInputRequired    = "input-required"
	TypeExecutionResult  = "execution-result"
)

// Incoming is a message from the caller.
type Incoming struct {
	Type      string `json:"type"`
	Source    string `json:"source,omitempty"`
	Language  string `json:"language,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Value     string `json:"value,omitempty"`
}

// Event is a message to the caller. Status is only set on terminal events.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Language  string `json:"language,omitempty"`
	Text      string `json:"text,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Status    string `json:"status,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Stdout    string `json:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
}

// Terminal reports whether the event ends a session.
func (e Event) Terminal() bool {
	switch e.Type {
	case TypeExecutionResult:
		return true
	case TypeExecutionError:
		return e.Status != ""
	}
	return false
}

// Emitter delivers events to the caller that owns a session.
type Emitter interface {
	Emit(ev Event) error
}

// Output builds an execution-output event.
func Output(sessionID, text string) Event {
	return Event{Type: TypeExecutionOutput, SessionID: sessionID, Text: text}
}

// Error builds a non-terminal execution-error event.
func Error(sessionID, text string) Event {
	return Event{Type: TypeExecutionError, SessionID: sessionID, Text: text}
}

// InputRequired builds an input-required event.
func InputRequired(sessionID, prompt string) Event {
	return Event{Type: TypeInputRequired, SessionID: sessionID, Prompt: prompt}
}
