package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/codebuddy/internal/engine"
	"github.com/michaelbrown/codebuddy/internal/protocol"
	"github.com/michaelbrown/codebuddy/internal/session"
)

const maxToolOutput = 4000

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the code_run tool over MCP stdio",
	Long: `Expose the execution engine as an MCP tool server on stdin/stdout.

The code_run tool accepts language, code and optional stdin. Lines of stdin
answer the program's input prompts in order.`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	exec, closeExec, err := openExecutor(cfg)
	if err != nil {
		return err
	}
	defer closeExec()

	eng := newEngine(cfg, exec, nil)
	defer eng.Shutdown(context.Background())

	return mcpserver.ServeStdio(newMCPServer(eng))
}

func newMCPServer(eng *engine.Orchestrator) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("codebuddy", "0.1.0")
	s.AddTool(codeRunTool(eng), codeRunHandler(eng))
	return s
}

func codeRunTool(eng *engine.Orchestrator) mcp.Tool {
	var langs []string
	for _, l := range eng.Languages() {
		langs = append(langs, string(l))
	}
	return mcp.Tool{
		Name: "code_run",
		Description: fmt.Sprintf("Execute code in the %s sandbox. Supported languages: %s.",
			eng.Executor().Name(), strings.Join(langs, ", ")),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Programming language (" + strings.Join(langs, ", ") + ")",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Lines answering the program's input prompts (optional)",
				},
			},
			Required: []string{"language", "code"},
		},
	}
}

func codeRunHandler(eng *engine.Orchestrator) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		if args == nil {
			return errResult("error: invalid arguments"), nil
		}
		language, _ := args["language"].(string)
		code, _ := args["code"].(string)
		stdin, _ := args["stdin"].(string)

		ch := newScriptedChannel(stdin)
		ch.provide = func(sessionID, value string) error {
			return eng.ProvideInput(ch, sessionID, value)
		}

		sum, err := eng.Execute(ctx, ch, engine.Request{Language: language, Source: code})
		if err != nil {
			return errResult("error: " + err.Error()), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: formatToolResult(sum)}},
			IsError: sum.Status != session.StatusCompleted,
		}, nil
	}
}

func formatToolResult(sum engine.Summary) string {
	var out strings.Builder
	out.WriteString(sum.Stdout)
	if sum.Stderr != "" {
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString("STDERR:\n" + sum.Stderr)
	}
	if sum.Detail != "" {
		out.WriteString("\n" + sum.Detail)
	}
	if sum.Status != session.StatusCompleted || sum.ExitCode != 0 {
		out.WriteString(fmt.Sprintf("\nstatus: %s, exit code: %d", sum.Status, sum.ExitCode))
	}

	text := out.String()
	if len(text) > maxToolOutput {
		text = text[:maxToolOutput] + "\n... (output truncated)"
	}
	return text
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}

// scriptedChannel answers input prompts from a fixed list of lines. Once the
// lines run out every prompt gets an empty line.
type scriptedChannel struct {
	id      string
	provide func(sessionID, value string) error

	mu    sync.Mutex
	lines []string
}

func newScriptedChannel(stdin string) *scriptedChannel {
	var lines []string
	if stdin != "" {
		lines = strings.Split(strings.TrimSuffix(stdin, "\n"), "\n")
	}
	return &scriptedChannel{id: "mcp-" + uuid.New().String(), lines: lines}
}

func (c *scriptedChannel) ID() string { return c.id }

func (c *scriptedChannel) Emit(ev protocol.Event) error {
	if ev.Type != protocol.TypeInputRequired {
		return nil
	}
	c.mu.Lock()
	var line string
	if len(c.lines) > 0 {
		line, c.lines = c.lines[0], c.lines[1:]
	}
	c.mu.Unlock()
	return c.provide(ev.SessionID, line)
}
