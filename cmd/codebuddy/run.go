package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/codebuddy/internal/engine"
	"github.com/michaelbrown/codebuddy/internal/logging"
	"github.com/michaelbrown/codebuddy/internal/protocol"
	"github.com/michaelbrown/codebuddy/internal/sandbox"
	"github.com/michaelbrown/codebuddy/internal/server"
	"github.com/michaelbrown/codebuddy/internal/session"
)

var (
	runLanguageFlag string
	runRecordFlag   bool
)

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Run a program locally, answering its input prompts from the terminal",
	Long: `Run a program through the same engine the server uses. Output is streamed
to the terminal and input prompts are answered interactively.

Examples:
  codebuddy run hello.py
  codebuddy run --executor inprocess game.lua
  codebuddy run --language javascript snippet.txt`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runLanguageFlag, "language", "l", "", "Language (default: from file extension)")
	runCmd.Flags().BoolVar(&runRecordFlag, "record", false, "Record the run in history")
	rootCmd.AddCommand(runCmd)
}

var extensions = map[string]sandbox.Language{
	".py":  sandbox.Python,
	".js":  sandbox.JavaScript,
	".cjs": sandbox.JavaScript,
	".lua": sandbox.Lua,
}

func languageForFile(path string) (sandbox.Language, error) {
	lang, ok := extensions[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return "", fmt.Errorf("cannot tell the language of %s; use --language", path)
	}
	return lang, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	source, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	lang := sandbox.Language(runLanguageFlag)
	if lang == "" {
		if lang, err = languageForFile(args[0]); err != nil {
			return err
		}
	}

	exec, closeExec, err := openExecutor(cfg)
	if err != nil {
		return err
	}
	defer closeExec()

	var onFinish func(engine.Summary)
	if runRecordFlag {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		onFinish = server.RunRecorder(store)
	}
	eng := newEngine(cfg, exec, onFinish)

	rl, err := readline.NewEx(&readline.Config{
		InterruptPrompt: "^C",
		EOFPrompt:       "",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	term := &terminalChannel{
		stdout: rl.Stdout(),
		stderr: rl.Stderr(),
		ask: func(prompt string) (string, error) {
			rl.SetPrompt(prompt)
			return rl.Readline()
		},
		cancel: cancel,
		log:    logging.For("run"),
	}
	term.provide = func(sessionID, value string) error {
		return eng.ProvideInput(term, sessionID, value)
	}

	sum, err := eng.Execute(ctx, term, engine.Request{Language: string(lang), Source: string(source)})
	if err != nil {
		return err
	}
	if sum.Status != session.StatusCompleted {
		return fmt.Errorf("%s (exit code %d)", sum.Status, sum.ExitCode)
	}
	return nil
}

// terminalChannel is the live channel for a local run: output goes to the
// terminal and input prompts are read from it by a single reader goroutine.
type terminalChannel struct {
	stdout  io.Writer
	stderr  io.Writer
	ask     func(prompt string) (string, error)
	provide func(sessionID, value string) error
	cancel  context.CancelFunc
	log     *logrus.Entry

	once    sync.Once
	prompts chan protocol.Event
}

func (c *terminalChannel) ID() string { return "terminal" }

func (c *terminalChannel) Emit(ev protocol.Event) error {
	switch ev.Type {
	case protocol.TypeExecutionOutput:
		_, err := io.WriteString(c.stdout, ev.Text)
		return err
	case protocol.TypeExecutionError:
		if ev.Terminal() {
			_, err := fmt.Fprintf(c.stderr, "error: %s\n", ev.Text)
			return err
		}
		_, err := io.WriteString(c.stderr, ev.Text)
		return err
	case protocol.TypeInputRequired:
		c.once.Do(func() {
			c.prompts = make(chan protocol.Event, 16)
			go c.readInput()
		})
		select {
		case c.prompts <- ev:
		default:
			// The reader is behind; its next line answers whatever is pending.
		}
	case protocol.TypeExecutionStarted:
		c.log.WithField("session", ev.SessionID).Debug("execution started")
	}
	return nil
}

// readInput reads one line per prompt. A prompt that arrives while a line is
// being read, because the earlier request timed out, is answered by that
// same line rather than starting a second read. Interrupt or end of input
// cancels the run.
func (c *terminalChannel) readInput() {
	for ev := range c.prompts {
		line, err := c.ask(ev.Prompt)
		if err != nil {
			c.cancel()
			return
		}
		ev = c.latest(ev)
		if err := c.provide(ev.SessionID, line); err != nil {
			c.log.WithField("session", ev.SessionID).Debugf("providing input: %v", err)
		}
	}
}

// latest returns the newest prompt queued behind ev.
func (c *terminalChannel) latest(ev protocol.Event) protocol.Event {
	for {
		select {
		case next := <-c.prompts:
			ev = next
		default:
			return ev
		}
	}
}
