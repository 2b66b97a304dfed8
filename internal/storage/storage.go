package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/michaelbrown/codebuddy/internal/sandbox"
)

var ErrNotFound = errors.New("not found")

// Program is a saved submission owned by an authenticated user.
type Program struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Name      string    `json:"programName"`
	Language  string    `json:"language"`
	Code      string    `json:"code,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks the fields a caller supplies.
func (p *Program) Validate() error {
	name := strings.TrimSpace(p.Name)
	if name == "" || utf8.RuneCountInString(name) > 100 {
		return fmt.Errorf("program name must be 1-100 characters")
	}
	if strings.TrimSpace(p.Code) == "" {
		return fmt.Errorf("code is required")
	}
	lang, err := sandbox.ParseLanguage(p.Language)
	if err != nil {
		return err
	}
	p.Name = name
	p.Language = string(lang)
	return nil
}

// Run is the history record of one finished execution session.
type Run struct {
	ID         string    `json:"id"`
	Language   string    `json:"language"`
	Executor   string    `json:"executor"`
	Status     string    `json:"status"`
	ExitCode   int       `json:"exitCode"`
	Stdout     string    `json:"stdout,omitempty"`
	Stderr     string    `json:"stderr,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Duration is how long the run took.
func (r Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunListOptions controls filtering and pagination for ListRuns.
type RunListOptions struct {
	Status   string
	Language string
	Limit    int
	Offset   int
}

// Store is the persistence interface for saved programs and run history.
type Store interface {
	// CreateProgram inserts a program. The ID field must be set by the caller.
	CreateProgram(ctx context.Context, p *Program) error

	// GetProgram returns a program by ID or ErrNotFound.
	GetProgram(ctx context.Context, id string) (*Program, error)

	// ListPrograms returns an owner's programs, newest first, without code.
	ListPrograms(ctx context.Context, owner string) ([]Program, error)

	// RecordRun inserts a finished run.
	RecordRun(ctx context.Context, r *Run) error

	// GetRun returns a run by ID or unique ID prefix.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs ordered by finished_at descending.
	ListRuns(ctx context.Context, opts RunListOptions) ([]Run, error)

	// Close releases resources.
	Close() error
}
