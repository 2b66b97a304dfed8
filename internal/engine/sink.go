package engine

import (
	"strings"
	"sync"

	"github.com/michaelbrown/codebuddy/internal/protocol"
	"github.com/michaelbrown/codebuddy/internal/session"
)

// maxCapture bounds the stdout/stderr copies kept for the result event.
// Streaming is not affected.
const maxCapture = 1 << 20

const truncatedNote = "\n... output truncated ...\n"

// outputSink streams program output to the session's channel and keeps a
// bounded copy for the terminal result.
type outputSink struct {
	sess *session.Session
	o    *Orchestrator

	mu     sync.Mutex
	stdout strings.Builder
	stderr strings.Builder
}

func (s *outputSink) Stdout(text string) {
	s.record(&s.stdout, text)
	s.o.emit(s.sess, protocol.Output(s.sess.ID, text))
}

func (s *outputSink) Stderr(text string) {
	s.record(&s.stderr, text)
	s.o.emit(s.sess, protocol.Error(s.sess.ID, text))
}

func (s *outputSink) record(b *strings.Builder, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch room := maxCapture - b.Len(); {
	case room <= 0:
	case len(text) <= room:
		b.WriteString(text)
	default:
		b.WriteString(text[:room])
		b.WriteString(truncatedNote)
	}
}

func (s *outputSink) captured() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdout.String(), s.stderr.String()
}
