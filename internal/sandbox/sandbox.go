// Package sandbox implements the runner side of the broker's
// collaborator contract (§4.P): it spawns a Starlark interpreter with
// no ambient filesystem or network access, injects the proxy's URL and
// bearer token, and exposes a single call_mcp_tool builtin through
// which all upstream tool use must flow.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.starlark.net/starlark"
)

// Request is the submitted execution: the script body, the tools it
// is permitted to call (intersected with the server's own allow-list
// before anything runs), and its wall-clock budget.
type Request struct {
	Code         string
	AllowedTools []string
	TimeoutMs    int
	Permissions  Permissions
}

// Permissions narrows what a script may additionally do beyond calling
// MCP tools. A nil WritePaths means the script may not write any files
// via the write_file builtin.
type Permissions struct {
	WritePaths []string
}

// ProxyInfo is what the runner injects into the interpreter so the
// script can reach the loopback proxy without ever seeing raw sockets.
type ProxyInfo struct {
	URL   string
	Token string
}

// Result is the outcome of one execution. Every failure mode described
// in §4.P (integrity mismatch, disallowed tool, blocked write path,
// script error, timeout) is reported here rather than as a Go error,
// matching the contract's "failed ExecutionResult, not a thrown error".
type Result struct {
	Success bool
	Output  string
	Error   string
}

func failure(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Runner executes submitted scripts against one execution's proxy.
// allowList is the server's own configured set of callable tools;
// AllowedTools on each Request can only narrow it further, never widen it.
type Runner struct {
	allowList map[string]struct{}
	client    *http.Client
	tempDir   string
}

// New builds a Runner. serverAllowedTools is every tool ID the proxy
// itself will accept; tempDir is where submitted scripts are staged
// for the integrity check (os.TempDir() if empty).
func New(serverAllowedTools []string, tempDir string) *Runner {
	allowed := make(map[string]struct{}, len(serverAllowedTools))
	for _, t := range serverAllowedTools {
		allowed[t] = struct{}{}
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Runner{
		allowList: allowed,
		client:    &http.Client{},
		tempDir:   tempDir,
	}
}

// Run stages req.Code to a tempfile, verifies it was written back
// byte-for-byte, then executes it as a Starlark program with a single
// call_mcp_tool builtin (and, if Permissions.WritePaths is non-empty,
// a write_file builtin scoped to those prefixes).
func (r *Runner) Run(ctx context.Context, proxy ProxyInfo, req Request) Result {
	path, err := r.stage(req.Code)
	if path != "" {
		defer os.Remove(path)
	}
	if err != nil {
		return failure("tempfile integrity check failed: %v", err)
	}

	allowedTools, err := r.intersectAllowedTools(req.AllowedTools)
	if err != nil {
		return failure("%v", err)
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var output strings.Builder
	predeclared := starlark.StringDict{
		"call_mcp_tool": starlark.NewBuiltin("call_mcp_tool", r.callMCPTool(runCtx, proxy, allowedTools)),
	}
	if len(req.Permissions.WritePaths) > 0 {
		predeclared["write_file"] = starlark.NewBuiltin("write_file", writeFileBuiltin(req.Permissions.WritePaths))
	}

	thread := &starlark.Thread{
		Name: "sandboxed-execution",
		Print: func(_ *starlark.Thread, msg string) {
			output.WriteString(msg)
			output.WriteByte('\n')
		},
		// Load is intentionally nil: a script containing load(...) fails
		// to resolve any module, which blocks remote/local imports at
		// the interpreter level without extra bookkeeping.
	}

	done := make(chan error, 1)
	go func() {
		_, execErr := starlark.ExecFile(thread, path, req.Code, predeclared)
		done <- execErr
	}()

	select {
	case execErr := <-done:
		// A timeout can race the builtin's own context-cancellation
		// error back through done; treat it as a timeout either way.
		if runCtx.Err() == context.DeadlineExceeded {
			return Result{Success: false, Output: output.String(), Error: fmt.Sprintf("execution timed out after %dms", req.TimeoutMs)}
		}
		if execErr != nil {
			return Result{Success: false, Output: output.String(), Error: execErr.Error()}
		}
		return Result{Success: true, Output: output.String()}
	case <-runCtx.Done():
		return Result{Success: false, Output: output.String(), Error: fmt.Sprintf("execution timed out after %dms", req.TimeoutMs)}
	}
}

// stage writes code to a fresh tempfile under r.tempDir and re-reads it
// to confirm the on-disk bytes match what the caller submitted before
// anything is executed against them.
func (r *Runner) stage(code string) (string, error) {
	f, err := os.CreateTemp(r.tempDir, "broker-exec-*.star")
	if err != nil {
		return "", fmt.Errorf("create tempfile: %w", err)
	}
	path := f.Name()

	if _, err := io.WriteString(f, code); err != nil {
		f.Close()
		return path, fmt.Errorf("write tempfile: %w", err)
	}
	if err := f.Close(); err != nil {
		return path, fmt.Errorf("close tempfile: %w", err)
	}

	onDisk, err := os.ReadFile(path)
	if err != nil {
		return path, fmt.Errorf("re-read tempfile: %w", err)
	}
	if !bytes.Equal(onDisk, []byte(code)) {
		return path, fmt.Errorf("on-disk content does not match submitted code")
	}
	return path, nil
}

// intersectAllowedTools narrows requested to whatever the server's own
// allow-list already permits, rejecting the request outright if it
// asks for anything the server was never configured to allow.
func (r *Runner) intersectAllowedTools(requested []string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(requested))
	for _, name := range requested {
		if _, ok := r.allowList[name]; !ok {
			return nil, fmt.Errorf("tool %q is not in the server's configured allow-list", name)
		}
		out[name] = struct{}{}
	}
	return out, nil
}

// writeFileBuiltin returns a Starlark builtin restricted to writing
// under one of allowedPrefixes, satisfying §4.P's "write-path
// validation against a configured allow-list".
func writeFileBuiltin(allowedPrefixes []string) func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path, content string
		if err := starlark.UnpackArgs("write_file", args, kwargs, "path", &path, "content", &content); err != nil {
			return nil, err
		}
		clean := filepath.Clean(path)
		allowed := false
		for _, prefix := range allowedPrefixes {
			if strings.HasPrefix(clean, filepath.Clean(prefix)) {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("write_file: path %q is outside the allowed write paths", path)
		}
		if err := os.WriteFile(clean, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("write_file: %w", err)
		}
		return starlark.None, nil
	}
}
