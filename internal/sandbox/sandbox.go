package sandbox

import (
	"context"
	"fmt"
	"strings"
)

// Language is a supported source language.
type Language string

const (
	Python     Language = "python"
	JavaScript Language = "javascript"
	Lua        Language = "lua"
)

// Languages returns every language known to the engine.
func Languages() []Language {
	return []Language{Python, JavaScript, Lua}
}

// ParseLanguage normalises a language name from the wire.
func ParseLanguage(name string) (Language, error) {
	switch l := Language(strings.ToLower(strings.TrimSpace(name))); l {
	case Python, JavaScript, Lua:
		return l, nil
	case "":
		return "", fmt.Errorf("language is required")
	default:
		return "", fmt.Errorf("unsupported language %q", name)
	}
}

// AsyncMain wraps JavaScript source in an async function so programs may
// write `await prompt(...)` at top level. The wrapper shares the first line
// with the source, keeping reported line numbers unchanged.
func AsyncMain(source string) string {
	return "(async () => {" + source + "\n})();\n"
}

// Sink receives program output in the order it was produced.
type Sink interface {
	Stdout(text string)
	Stderr(text string)
}

// InputFunc satisfies one blocking read from the program. It returns
// ErrEndOfInput when no further input will ever arrive.
type InputFunc func(ctx context.Context, prompt string) (string, error)

// Job describes one run of filtered source code.
type Job struct {
	SessionID string
	Language  Language
	Source    string
	Output    Sink
	Input     InputFunc
}

// Outcome is how a run ended.
type Outcome string

const (
	Completed Outcome = "completed"
	Failed    Outcome = "failed"
	TimedOut  Outcome = "timed_out"
	Cancelled Outcome = "cancelled"
)

// Result is the single terminal result of a run.
type Result struct {
	Outcome  Outcome
	ExitCode int
	Detail   string
}

// Executor runs code in an isolated environment.
//
// Run blocks until the program finishes or ctx is done, and releases every
// resource it created before returning. A non-nil error is always a
// *SetupError; program failures are reported through Result.
type Executor interface {
	Name() string
	Supports(lang Language) bool
	Run(ctx context.Context, job Job) (Result, error)
}
