// Package builtin provides the baseline workspace tools.
package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/harun/convoy/pkg/skills"
)

const (
	defaultReadLimit = 200000
	defaultExecTime  = 30 * time.Second
)

// Options configures the builtin tools.
type Options struct {
	// Workspace confines every path argument. Required for file and exec tools.
	Workspace string
	// EnableExec registers the exec tool.
	EnableExec bool
	// Timeout applies to tools without their own; zero keeps the registry default.
	Timeout time.Duration
	Now     func() time.Time
}

// Register adds the builtin tools to b.
func Register(b *skills.Builder, opts Options) error {
	if b == nil {
		return errors.New("skills builder is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	defs := []skills.Definition{currentTimeTool(opts)}
	if opts.Workspace != "" {
		root, err := filepath.Abs(opts.Workspace)
		if err != nil {
			return fmt.Errorf("resolve workspace: %w", err)
		}
		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("create workspace: %w", err)
		}
		opts.Workspace = root
		defs = append(defs, readFileTool(opts), listDirTool(opts), writeFileTool(opts))
		if opts.EnableExec {
			defs = append(defs, execTool(opts))
		}
	}

	for _, def := range defs {
		if def.Timeout == 0 {
			def.Timeout = opts.Timeout
		}
		if err := b.Register(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

func currentTimeTool(opts Options) skills.Definition {
	return skills.Definition{
		Name:        "current_time",
		Description: "Return the current date and time, optionally in an IANA time zone.",
		Parameters: []skills.Parameter{
			{Name: "timezone", Type: "string", Description: "IANA zone such as Europe/Paris (default UTC)"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			zone, _ := args["timezone"].(string)
			loc := time.UTC
			if zone != "" {
				l, err := time.LoadLocation(zone)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", zone)
				}
				loc = l
			}
			return opts.Now().In(loc).Format(time.RFC3339), nil
		},
	}
}

func readFileTool(opts Options) skills.Definition {
	return skills.Definition{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Parameters: []skills.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "max_bytes", Type: "integer", Description: "Maximum bytes to read", Default: defaultReadLimit},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			pathValue, _ := args["path"].(string)
			target, err := resolvePathInWorkspace(opts.Workspace, pathValue)
			if err != nil {
				return nil, err
			}
			limit := int64(defaultReadLimit)
			if raw, ok := toInt(args["max_bytes"]); ok && raw > 0 {
				limit = raw
			}
			data, truncated, err := readFileWithLimit(target, limit)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"path":      pathValue,
				"content":   string(data),
				"truncated": truncated,
			}, nil
		},
	}
}

func listDirTool(opts Options) skills.Definition {
	return skills.Definition{
		Name:        "list_dir",
		Description: "List entries of a workspace directory.",
		Parameters: []skills.Parameter{
			{Name: "path", Type: "string", Description: "Relative directory path (default workspace root)"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			pathValue, _ := args["path"].(string)
			if strings.TrimSpace(pathValue) == "" {
				pathValue = "."
			}
			target, err := resolvePathInWorkspace(opts.Workspace, pathValue)
			if err != nil {
				return nil, err
			}
			entries, err := os.ReadDir(target)
			if err != nil {
				return nil, err
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return strings.Join(names, "\n"), nil
		},
	}
}

func writeFileTool(opts Options) skills.Definition {
	return skills.Definition{
		Name:                 "write_file",
		Description:          "Write content to a file in the workspace.",
		RequiresConfirmation: true,
		Parameters: []skills.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append instead of overwrite", Default: false},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			pathValue, _ := args["path"].(string)
			target, err := resolvePathInWorkspace(opts.Workspace, pathValue)
			if err != nil {
				return nil, err
			}
			content, _ := args["content"].(string)
			appendMode, _ := args["append"].(bool)

			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, err
			}
			flag := os.O_CREATE | os.O_WRONLY
			if appendMode {
				flag |= os.O_APPEND
			} else {
				flag |= os.O_TRUNC
			}
			f, err := os.OpenFile(target, flag, 0o644)
			if err != nil {
				return nil, err
			}
			if _, err := f.WriteString(content); err != nil {
				f.Close()
				return nil, err
			}
			if err := f.Close(); err != nil {
				return nil, err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(content), pathValue), nil
		},
	}
}

func execTool(opts Options) skills.Definition {
	return skills.Definition{
		Name:                 "exec",
		Description:          "Run a program (no shell) inside the workspace.",
		RequiresConfirmation: true,
		Timeout:              2 * time.Minute,
		Parameters: []skills.Parameter{
			{Name: "command", Type: "string", Description: "Program to run", Required: true},
			{Name: "args", Type: "array", Description: "Program arguments"},
			{Name: "cwd", Type: "string", Description: "Working directory relative to the workspace"},
			{Name: "timeout", Type: "number", Description: "Timeout in seconds (default 30)"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			command, _ := args["command"].(string)
			command = strings.TrimSpace(command)
			if command == "" {
				return nil, fmt.Errorf("command is required")
			}
			cwd := opts.Workspace
			if raw, _ := args["cwd"].(string); raw != "" {
				dir, err := resolvePathInWorkspace(opts.Workspace, raw)
				if err != nil {
					return nil, err
				}
				cwd = dir
			}

			runCtx, cancel := context.WithTimeout(ctx, parseDurationSeconds(args["timeout"], defaultExecTime))
			defer cancel()

			cmd := exec.CommandContext(runCtx, command, toStringSlice(args["args"])...)
			cmd.Dir = cwd
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			start := time.Now()
			err := cmd.Run()
			exitCode := 0
			if err != nil {
				var exitErr *exec.ExitError
				if !errors.As(err, &exitErr) {
					return nil, err
				}
				exitCode = exitErr.ExitCode()
			}
			return map[string]interface{}{
				"stdout":    stdout.String(),
				"stderr":    stderr.String(),
				"exit_code": exitCode,
				"duration":  time.Since(start).Milliseconds(),
			}, nil
		},
	}
}

func resolvePathInWorkspace(workspaceRoot, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}
	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(workspaceRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(workspaceRoot, candidate)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", pathValue)
	}
	return candidate, nil
}

func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	extra := make([]byte, 1)
	n, _ := file.Read(extra)
	return buf.Bytes(), n > 0, nil
}

func toStringSlice(value interface{}) []string {
	raw, ok := value.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		switch typed := v.(type) {
		case string:
			out = append(out, typed)
		default:
			out = append(out, fmt.Sprint(typed))
		}
	}
	return out
}

func toInt(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

func parseDurationSeconds(value interface{}, fallback time.Duration) time.Duration {
	if v, ok := value.(float64); ok && v > 0 {
		return time.Duration(v * float64(time.Second))
	}
	return fallback
}
