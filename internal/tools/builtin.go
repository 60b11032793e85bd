package tools

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RegisterBuiltins adds the illustrative stand-in tools this engine ships
// with. Individual tool implementations are out of scope for the dispatch
// core (§1) — these exist to exercise the Registry/Executor contract end
// to end (echo is the S1 scenario's own tool) and to give a write-gated
// and a read-only example of Security in practice.
func RegisterBuiltins(r *Registry, workspace string) {
	r.Register(echoTool())
	r.Register(readFileTool(workspace))
	r.Register(writeFileTool(workspace))
	r.Register(webFetchTool())
}

func echoTool() *ToolDefinition {
	return &ToolDefinition{
		Name:        "echo",
		Description: "Echo a message back, for connectivity testing.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"message": map[string]any{"type": "string"}},
			"required":   []string{"message"},
		},
		Security: SecurityRead,
		Execute: func(args map[string]any, _ ToolContext) *Result {
			msg, _ := args["message"].(string)
			return NewResult(fmt.Sprintf("echoed: %s", msg))
		},
	}
}

func readFileTool(workspace string) *ToolDefinition {
	return &ToolDefinition{
		Name:        "read_file",
		Description: "Read a UTF-8 text file relative to the agent workspace.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []string{"path"},
		},
		Security: SecurityRead,
		Execute: func(args map[string]any, tctx ToolContext) *Result {
			root := workspace
			if tctx.WorkspacePath != "" {
				root = tctx.WorkspacePath
			}
			rel, _ := args["path"].(string)
			full, err := resolveInWorkspace(root, rel)
			if err != nil {
				return ErrorResult(err.Error())
			}
			data, err := os.ReadFile(full)
			if err != nil {
				return ErrorResult(fmt.Sprintf("read %s: %v", rel, err))
			}
			return NewResult(string(data))
		},
	}
}

func writeFileTool(workspace string) *ToolDefinition {
	return &ToolDefinition{
		Name:        "write_file",
		Description: "Write a UTF-8 text file relative to the agent workspace. Requires confirmation.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
			"required": []string{"path", "content"},
		},
		Security:        SecurityWrite,
		RequiresConfirm: true,
		Execute: func(args map[string]any, tctx ToolContext) *Result {
			root := workspace
			if tctx.WorkspacePath != "" {
				root = tctx.WorkspacePath
			}
			rel, _ := args["path"].(string)
			content, _ := args["content"].(string)
			full, err := resolveInWorkspace(root, rel)
			if err != nil {
				return ErrorResult(err.Error())
			}
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return ErrorResult(err.Error())
			}
			if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
				return ErrorResult(fmt.Sprintf("write %s: %v", rel, err))
			}
			return NewResult(fmt.Sprintf("wrote %d bytes to %s", len(content), rel))
		},
	}
}

// resolveInWorkspace rejects paths that escape root through ".." traversal,
// checked lexically on the cleaned path. Symlinks are not resolved, so a
// link inside the workspace that points outside it is followed.
func resolveInWorkspace(root, rel string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("no workspace configured")
	}
	clean := filepath.Clean(filepath.Join(root, rel))
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(clean, absRoot) {
		return "", fmt.Errorf("path escapes workspace: %s", rel)
	}
	return clean, nil
}

func webFetchTool() *ToolDefinition {
	client := &http.Client{Timeout: 10 * time.Second}
	return &ToolDefinition{
		Name:        "web_fetch",
		Description: "Fetch the text content of a URL.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"url": map[string]any{"type": "string"}},
			"required":   []string{"url"},
		},
		Security: SecurityRead,
		Execute: func(args map[string]any, _ ToolContext) *Result {
			url, _ := args["url"].(string)
			if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
				return ErrorResult("url must be http(s)")
			}
			resp, err := client.Get(url)
			if err != nil {
				return ErrorResult(fmt.Sprintf("fetch failed: %v", err))
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
			if err != nil {
				return ErrorResult(fmt.Sprintf("read response: %v", err))
			}
			return NewResult(string(body))
		},
	}
}
