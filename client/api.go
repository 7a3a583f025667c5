package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ExecResult is the outcome of a completed command.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	Success  bool   `json:"success"`
}

// ExecStreamEvent is one element of a streaming execution.
type ExecStreamEvent struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Command   string      `json:"command,omitempty"`
	Data      string      `json:"data,omitempty"`
	ExitCode  *int        `json:"exitCode,omitempty"`
	Result    *ExecResult `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// FileStreamEvent is one element of a streaming file read.
type FileStreamEvent struct {
	Type      string `json:"type"`
	MimeType  string `json:"mimeType,omitempty"`
	Size      int64  `json:"size,omitempty"`
	IsBinary  bool   `json:"isBinary,omitempty"`
	Encoding  string `json:"encoding,omitempty"`
	Data      string `json:"data,omitempty"`
	BytesRead int64  `json:"bytesRead,omitempty"`
	Error     string `json:"error,omitempty"`
}

// FileEntry is one directory listing element.
type FileEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"isDir"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"modTime"`
}

// Process describes a background process.
type Process struct {
	ID        string     `json:"id"`
	Command   string     `json:"command"`
	PID       int        `json:"pid"`
	Status    string     `json:"status"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	SessionID string     `json:"sessionId,omitempty"`
}

// ProcessLogEvent is one element of a process log stream.
type ProcessLogEvent struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Code *int   `json:"code,omitempty"`
}

// ExposedPort describes one exposed port and its routable URL.
type ExposedPort struct {
	Port      int       `json:"port"`
	Name      string    `json:"name,omitempty"`
	URL       string    `json:"url"`
	ExposedAt time.Time `json:"exposedAt"`
}

// CodeContext is an interpreter context handle.
type CodeContext struct {
	ID        string    `json:"id"`
	Language  string    `json:"language"`
	Cwd       string    `json:"cwd"`
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed"`
}

// CodeError is a structured in-language failure.
type CodeError struct {
	Name      string   `json:"name"`
	Value     string   `json:"value"`
	Traceback []string `json:"traceback"`
}

// CodeExecution aggregates a non-streaming code run.
type CodeExecution struct {
	ContextID string `json:"contextId"`
	Logs      struct {
		Stdout []string `json:"stdout"`
		Stderr []string `json:"stderr"`
	} `json:"logs"`
	Error   *CodeError       `json:"error,omitempty"`
	Results []map[string]any `json:"results"`
}

// CodeStreamEvent is one element of an interpreter stream.
type CodeStreamEvent struct {
	Type           string    `json:"type"`
	Text           string    `json:"text,omitempty"`
	Ename          string    `json:"ename,omitempty"`
	Evalue         string    `json:"evalue,omitempty"`
	Traceback      []string  `json:"traceback,omitempty"`
	HTML           string    `json:"html,omitempty"`
	PNG            string    `json:"png,omitempty"`
	JPEG           string    `json:"jpeg,omitempty"`
	SVG            string    `json:"svg,omitempty"`
	Latex          string    `json:"latex,omitempty"`
	Markdown       string    `json:"markdown,omitempty"`
	JavaScript     string    `json:"javascript,omitempty"`
	JSON           string    `json:"json,omitempty"`
	ExecutionCount int       `json:"execution_count,omitempty"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
}

// CreateSession creates a named shell session.
func (c *Client) CreateSession(ctx context.Context, id, cwd string, env map[string]string) (string, error) {
	var out struct {
		SessionID string `json:"sessionId"`
	}
	err := c.call(ctx, http.MethodPost, "/api/session/create",
		map[string]any{"id": id, "cwd": cwd, "env": env}, &out)
	return out.SessionID, err
}

// Exec runs a command to completion.
func (c *Client) Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	var out ExecResult
	err := c.call(ctx, http.MethodPost, "/api/execute",
		map[string]any{"command": command, "timeoutMs": timeout.Milliseconds()}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ExecStream runs a command, delivering output incrementally. The channel
// closes after the terminal event.
func (c *Client) ExecStream(ctx context.Context, command string) (<-chan ExecStreamEvent, error) {
	sc, err := c.stream(ctx, http.MethodPost, "/api/execStream",
		map[string]any{"command": command})
	if err != nil {
		return nil, err
	}
	events := make(chan ExecStreamEvent, 16)
	go func() {
		defer close(events)
		defer sc.Close()
		for {
			var ev ExecStreamEvent
			if err := sc.Decode(&ev); err != nil {
				if !errors.Is(err, io.EOF) {
					c.log.Debug("exec stream ended early")
				}
				return
			}
			events <- ev
		}
	}()
	return events, nil
}

// SetEnv applies environment variables to the session.
func (c *Client) SetEnv(ctx context.Context, envVars map[string]string) error {
	return c.call(ctx, http.MethodPost, "/api/env/set", map[string]any{"envVars": envVars}, nil)
}

// Mkdir creates a directory.
func (c *Client) Mkdir(ctx context.Context, path string, recursive bool) error {
	return c.call(ctx, http.MethodPost, "/api/file/mkdir",
		map[string]any{"path": path, "recursive": recursive}, nil)
}

// WriteFile stores content at path.
func (c *Client) WriteFile(ctx context.Context, path, content string) error {
	return c.call(ctx, http.MethodPost, "/api/file/write",
		map[string]any{"path": path, "content": content}, nil)
}

// ReadFile returns the contents of path.
func (c *Client) ReadFile(ctx context.Context, path string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	err := c.call(ctx, http.MethodPost, "/api/file/read", map[string]any{"path": path}, &out)
	return out.Content, err
}

// ReadFileStream reads path incrementally.
func (c *Client) ReadFileStream(ctx context.Context, path string) (<-chan FileStreamEvent, error) {
	sc, err := c.stream(ctx, http.MethodPost, "/api/file/read/stream", map[string]any{"path": path})
	if err != nil {
		return nil, err
	}
	events := make(chan FileStreamEvent, 8)
	go func() {
		defer close(events)
		defer sc.Close()
		for {
			var ev FileStreamEvent
			if err := sc.Decode(&ev); err != nil {
				return
			}
			events <- ev
		}
	}()
	return events, nil
}

// DeleteFile removes a file or directory tree.
func (c *Client) DeleteFile(ctx context.Context, path string, recursive bool) error {
	return c.call(ctx, http.MethodPost, "/api/file/delete",
		map[string]any{"path": path, "recursive": recursive}, nil)
}

// RenameFile moves oldPath to newPath.
func (c *Client) RenameFile(ctx context.Context, oldPath, newPath string) error {
	return c.call(ctx, http.MethodPost, "/api/file/rename",
		map[string]any{"oldPath": oldPath, "newPath": newPath}, nil)
}

// MoveFile relocates a file, creating destination parents.
func (c *Client) MoveFile(ctx context.Context, sourcePath, destinationPath string) error {
	return c.call(ctx, http.MethodPost, "/api/file/move",
		map[string]any{"sourcePath": sourcePath, "destinationPath": destinationPath}, nil)
}

// ListFiles returns the entries of a directory.
func (c *Client) ListFiles(ctx context.Context, path string) ([]FileEntry, error) {
	var out struct {
		Entries []FileEntry `json:"entries"`
	}
	err := c.call(ctx, http.MethodPost, "/api/file/list", map[string]any{"path": path}, &out)
	return out.Entries, err
}

// FileExists reports whether path exists and whether it is a directory.
func (c *Client) FileExists(ctx context.Context, path string) (exists, isDir bool, err error) {
	var out struct {
		Exists bool `json:"exists"`
		IsDir  bool `json:"isDir"`
	}
	err = c.call(ctx, http.MethodPost, "/api/file/exists", map[string]any{"path": path}, &out)
	return out.Exists, out.IsDir, err
}

// StartProcess launches a background process.
func (c *Client) StartProcess(ctx context.Context, command, processID string) (*Process, error) {
	var out struct {
		Process Process `json:"process"`
	}
	err := c.call(ctx, http.MethodPost, "/api/process/start",
		map[string]any{"command": command, "processId": processID}, &out)
	if err != nil {
		return nil, err
	}
	return &out.Process, nil
}

// ListProcesses snapshots all background processes.
func (c *Client) ListProcesses(ctx context.Context) ([]Process, error) {
	var out struct {
		Processes []Process `json:"processes"`
	}
	err := c.call(ctx, http.MethodGet, "/api/process/list", nil, &out)
	return out.Processes, err
}

// GetProcess returns one process by id.
func (c *Client) GetProcess(ctx context.Context, id string) (*Process, error) {
	var out struct {
		Process Process `json:"process"`
	}
	err := c.call(ctx, http.MethodGet, "/api/process/"+id, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out.Process, nil
}

// ProcessLogs snapshots a process's accumulated output.
func (c *Client) ProcessLogs(ctx context.Context, id string) (stdout, stderr string, err error) {
	var out struct {
		Stdout string `json:"stdout"`
		Stderr string `json:"stderr"`
	}
	err = c.call(ctx, http.MethodGet, "/api/process/"+id+"/logs", nil, &out)
	return out.Stdout, out.Stderr, err
}

// StreamProcessLogs follows a process's output until it exits.
func (c *Client) StreamProcessLogs(ctx context.Context, id string) (<-chan ProcessLogEvent, error) {
	sc, err := c.stream(ctx, http.MethodGet, "/api/process/"+id+"/stream", nil)
	if err != nil {
		return nil, err
	}
	events := make(chan ProcessLogEvent, 16)
	go func() {
		defer close(events)
		defer sc.Close()
		for {
			var ev ProcessLogEvent
			if err := sc.Decode(&ev); err != nil {
				return
			}
			events <- ev
		}
	}()
	return events, nil
}

// KillProcess terminates a process. Killing an already-finished process
// succeeds.
func (c *Client) KillProcess(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/process/"+id, nil, nil)
}

// KillAllProcesses terminates every running process.
func (c *Client) KillAllProcesses(ctx context.Context) (int, error) {
	var out struct {
		CleanedCount int `json:"cleanedCount"`
	}
	err := c.call(ctx, http.MethodPost, "/api/process/kill-all", nil, &out)
	return out.CleanedCount, err
}

// ExposePort makes a container port routable and returns its URL.
func (c *Client) ExposePort(ctx context.Context, port int, name string) (*ExposedPort, error) {
	var out ExposedPort
	err := c.call(ctx, http.MethodPost, "/api/port/expose",
		map[string]any{"port": port, "name": name}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UnexposePort withdraws a port.
func (c *Client) UnexposePort(ctx context.Context, port int) error {
	return c.call(ctx, http.MethodDelete, fmt.Sprintf("/api/exposed-ports/%d", port), nil, nil)
}

// ListExposedPorts snapshots the exposed ports.
func (c *Client) ListExposedPorts(ctx context.Context) ([]ExposedPort, error) {
	var out struct {
		Ports []ExposedPort `json:"ports"`
	}
	err := c.call(ctx, http.MethodGet, "/api/exposed-ports", nil, &out)
	return out.Ports, err
}

// GitClone clones a repository into the workspace.
func (c *Client) GitClone(ctx context.Context, repoURL, branch, targetDir string) (string, error) {
	var out struct {
		TargetDir string `json:"targetDir"`
	}
	err := c.call(ctx, http.MethodPost, "/api/git/clone",
		map[string]any{"repoUrl": repoURL, "branch": branch, "targetDir": targetDir}, &out)
	return out.TargetDir, err
}

// CreateCodeContext starts an interpreter context.
func (c *Client) CreateCodeContext(ctx context.Context, language, cwd string) (*CodeContext, error) {
	var out struct {
		Context CodeContext `json:"context"`
	}
	err := c.call(ctx, http.MethodPost, "/api/code/context/create",
		map[string]any{"language": language, "cwd": cwd}, &out)
	if err != nil {
		return nil, err
	}
	return &out.Context, nil
}

// ListCodeContexts snapshots the interpreter contexts.
func (c *Client) ListCodeContexts(ctx context.Context) ([]CodeContext, error) {
	var out struct {
		Contexts []CodeContext `json:"contexts"`
	}
	err := c.call(ctx, http.MethodGet, "/api/code/context/list", nil, &out)
	return out.Contexts, err
}

// DeleteCodeContext kills a context's kernel.
func (c *Client) DeleteCodeContext(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/code/context/"+id, nil, nil)
}

// RunCode executes code in a context and aggregates the result. A structured
// in-language failure is returned in CodeExecution.Error, not as a Go error.
func (c *Client) RunCode(ctx context.Context, code, contextID string) (*CodeExecution, error) {
	var out CodeExecution
	err := c.call(ctx, http.MethodPost, "/api/code/execute",
		map[string]any{"code": code, "options": map[string]any{"context": contextID}}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RunCodeStream executes code, forwarding interpreter events incrementally.
func (c *Client) RunCodeStream(ctx context.Context, code, contextID string) (<-chan CodeStreamEvent, error) {
	sc, err := c.stream(ctx, http.MethodPost, "/api/code/execute/stream",
		map[string]any{"code": code, "options": map[string]any{"context": contextID}})
	if err != nil {
		return nil, err
	}
	events := make(chan CodeStreamEvent, 16)
	go func() {
		defer close(events)
		defer sc.Close()
		for {
			var ev CodeStreamEvent
			if err := sc.Decode(&ev); err != nil {
				return
			}
			events <- ev
		}
	}()
	return events, nil
}

// Ping checks sandbox liveness.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/api/ping", nil, nil)
}

// Version returns the control-plane version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	err := c.call(ctx, http.MethodGet, "/api/version", nil, &out)
	return out.Version, err
}

// Commands returns the volatile execution log.
func (c *Client) Commands(ctx context.Context) ([]map[string]any, error) {
	var out struct {
		Commands []map[string]any `json:"commands"`
	}
	err := c.call(ctx, http.MethodGet, "/api/commands", nil, &out)
	return out.Commands, err
}
