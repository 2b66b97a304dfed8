package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/michaelbrown/codebuddy/internal/config"
)

func newMCPClient(t *testing.T) *client.Client {
	t.Helper()
	c := &config.Config{Sandbox: config.SandboxConfig{
		Executor:     config.ExecutorInProcess,
		ScratchDir:   t.TempDir(),
		ExecTimeout:  5 * time.Second,
		InputTimeout: 5 * time.Second,
	}}
	exec, closeExec, err := openExecutor(c)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { closeExec() })

	mc, err := client.NewInProcessClient(newMCPServer(newEngine(c, exec, nil)))
	if err != nil {
		t.Fatalf("in-process client: %v", err)
	}
	t.Cleanup(func() { mc.Close() })

	ctx := context.Background()
	if err := mc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err = mc.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ClientInfo: mcp.Implementation{Name: "codebuddy-test", Version: "0.1.0"},
		},
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return mc
}

func TestMCPListTools(t *testing.T) {
	mc := newMCPClient(t)
	result, err := mc.ListTools(context.Background(), mcp.ListToolsRequest{})
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "code_run" {
		t.Fatalf("tools = %+v", result.Tools)
	}
	if !strings.Contains(result.Tools[0].Description, "javascript, lua") {
		t.Errorf("description = %q", result.Tools[0].Description)
	}
}

func TestMCPCodeRun(t *testing.T) {
	mc := newMCPClient(t)

	result, err := mc.CallTool(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name: "code_run",
			Arguments: map[string]any{
				"language": "javascript",
				"code":     `var n = prompt("n?"); console.log(Number(n) * 2);`,
				"stdin":    "21",
			},
		},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.IsError || strings.TrimSpace(toolText(result)) != "42" {
		t.Errorf("result = %q (error %v)", toolText(result), result.IsError)
	}

	result, err = mc.CallTool(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      "code_run",
			Arguments: map[string]any{"language": "lua", "code": `error("boom")`},
		},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !result.IsError || !strings.Contains(toolText(result), "Runtime error:") {
		t.Errorf("result = %q (error %v)", toolText(result), result.IsError)
	}
}
