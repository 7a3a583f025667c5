// Package shell supervises the persistent shell child that sessions drive.
// Commands are dispatched over the shell's stdin and their output decoupled
// from the shell's own stdout via per-command temp files; a marker line on
// stdout signals completion.
package shell

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sandboxd/internal/logging"
	"sandboxd/internal/sberrors"
)

// Completion markers. The shell emits "<marker>:<commandId>" on its stdout
// once a dispatched command has finished.
const (
	MarkerDone       = "DONE"
	MarkerStreamDone = "STREAM_DONE"
)

// CommandFiles are the four per-command temp files backing the IPC protocol.
type CommandFiles struct {
	Cmd  string
	Out  string
	Err  string
	Exit string
}

func (f CommandFiles) all() []string {
	return []string{f.Cmd, f.Out, f.Err, f.Exit}
}

// Host owns one shell child process. Dispatch serializes at the shell's
// stdin; output files are read by the caller.
type Host struct {
	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	alive    bool
	exitCode *int
	tempDir  string
	log      *zap.Logger

	obsMu     sync.Mutex
	observers map[int]func([]byte)
	nextObs   int

	onExit func(exitCode *int)
}

// Options configures a new Host.
type Options struct {
	Env     map[string]string
	Cwd     string
	TempDir string // parent for the per-host temp dir; defaults to os.TempDir()
	OnExit  func(exitCode *int)
}

// Start spawns `bash --norc` with piped stdio and begins scanning its stdout.
func Start(opts Options) (*Host, error) {
	parent := opts.TempDir
	if parent == "" {
		parent = os.TempDir()
	}
	tempDir, err := os.MkdirTemp(parent, fmt.Sprintf("shellhost-%d-", os.Getpid()))
	if err != nil {
		return nil, sberrors.Wrap(sberrors.ShellSpawnFailed, err, "create temp dir: %v", err)
	}
	if err := os.Chmod(tempDir, 0o700); err != nil {
		os.RemoveAll(tempDir)
		return nil, sberrors.Wrap(sberrors.ShellSpawnFailed, err, "chmod temp dir: %v", err)
	}

	cmd := exec.Command("bash", "--norc")
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	env := os.Environ()
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env
	// Own process group so Kill can reach the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, sberrors.Wrap(sberrors.ShellSpawnFailed, err, "stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, sberrors.Wrap(sberrors.ShellSpawnFailed, err, "stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, sberrors.Wrap(sberrors.ShellSpawnFailed, err, "stderr pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		os.RemoveAll(tempDir)
		return nil, sberrors.Wrap(sberrors.ShellSpawnFailed, err, "spawn shell: %v", err)
	}

	h := &Host{
		cmd:       cmd,
		stdin:     stdin,
		alive:     true,
		tempDir:   tempDir,
		log:       logging.Named("shell"),
		observers: map[int]func([]byte){},
		onExit:    opts.OnExit,
	}

	go h.pump(stdout)
	go io.Copy(io.Discard, stderr)
	go h.wait()

	return h, nil
}

// pump forwards stdout chunks to every registered observer.
func (h *Host) pump(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.obsMu.Lock()
			for _, fn := range h.observers {
				fn(chunk)
			}
			h.obsMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (h *Host) wait() {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.alive = false
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	h.exitCode = &code
	onExit := h.onExit
	h.mu.Unlock()

	h.log.Info("shell exited", zap.Int("exitCode", code))
	if onExit != nil {
		onExit(&code)
	}
}

// Alive reports whether the shell child is still running.
func (h *Host) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

// ExitCode returns the shell's exit code once it has died.
func (h *Host) ExitCode() *int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// TempDir returns the per-host 0700 directory holding command files.
func (h *Host) TempDir() string { return h.tempDir }

// Observe registers a stdout chunk callback and returns its unregister func.
func (h *Host) Observe(fn func([]byte)) func() {
	h.obsMu.Lock()
	id := h.nextObs
	h.nextObs++
	h.observers[id] = fn
	h.obsMu.Unlock()
	return func() {
		h.obsMu.Lock()
		delete(h.observers, id)
		h.obsMu.Unlock()
	}
}

// CreateCommandFiles writes the user command into the cmd file and creates
// empty out/err/exit files, all 0600 inside the host's 0700 dir.
func (h *Host) CreateCommandFiles(commandID, command string) (CommandFiles, error) {
	files := CommandFiles{
		Cmd:  filepath.Join(h.tempDir, "cmd-"+commandID),
		Out:  filepath.Join(h.tempDir, "out-"+commandID),
		Err:  filepath.Join(h.tempDir, "err-"+commandID),
		Exit: filepath.Join(h.tempDir, "exit-"+commandID),
	}
	if err := os.WriteFile(files.Cmd, []byte(command+"\n"), 0o600); err != nil {
		return files, sberrors.Wrap(sberrors.IPCReadError, err, "write command file: %v", err)
	}
	for _, p := range []string{files.Out, files.Err, files.Exit} {
		if err := os.WriteFile(p, nil, 0o600); err != nil {
			Cleanup(files)
			return files, sberrors.Wrap(sberrors.IPCReadError, err, "create %s: %v", filepath.Base(p), err)
		}
	}
	return files, nil
}

// Dispatch writes the generated script for one command to the shell's stdin.
// With overrideCwd the previous working directory is restored afterwards, so
// only commands without an override can mutate the session's cwd/env.
func (h *Host) Dispatch(commandID string, files CommandFiles, overrideCwd, marker string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.alive {
		return sberrors.E(sberrors.ShellNotAlive, "shell process is not alive")
	}

	var script strings.Builder
	if overrideCwd != "" {
		script.WriteString("__shellhost_prev=\"$PWD\"\n")
		fmt.Fprintf(&script, "cd %s\n", Quote(overrideCwd))
	}
	fmt.Fprintf(&script, "source %s > %s 2> %s\n", Quote(files.Cmd), Quote(files.Out), Quote(files.Err))
	fmt.Fprintf(&script, "echo $? > %s\n", Quote(files.Exit))
	if overrideCwd != "" {
		script.WriteString("cd \"$__shellhost_prev\"\n")
	}
	fmt.Fprintf(&script, "echo %s\n", Quote(marker+":"+commandID))

	if _, err := io.WriteString(h.stdin, script.String()); err != nil {
		return sberrors.Wrap(sberrors.ShellNotAlive, err, "write to shell stdin: %v", err)
	}
	return nil
}

// Kill signals the shell's process group. Terminal.
func (h *Host) Kill(sig syscall.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd.Process == nil {
		return nil
	}
	if pgid, err := syscall.Getpgid(h.cmd.Process.Pid); err == nil {
		return syscall.Kill(-pgid, sig)
	}
	return h.cmd.Process.Signal(sig)
}

// Close kills the shell and removes its temp dir.
func (h *Host) Close() {
	_ = h.Kill(syscall.SIGKILL)
	_ = os.RemoveAll(h.tempDir)
}

// Cleanup removes a command's temp files via rename-then-unlink so a reader
// racing with cleanup never sees a half-truncated file. ENOENT is tolerated;
// cleanup may run after the sweeper already collected the files.
func Cleanup(files CommandFiles) {
	for _, p := range files.all() {
		gone := p + ".del"
		if err := os.Rename(p, gone); err != nil {
			if !os.IsNotExist(err) {
				logging.Named("shell").Sugar().Debugf("cleanup rename %s: %v", p, err)
			}
			continue
		}
		if err := os.Remove(gone); err != nil && !os.IsNotExist(err) {
			logging.Named("shell").Sugar().Debugf("cleanup unlink %s: %v", gone, err)
		}
	}
}

// NewCommandID returns a fresh command id.
func NewCommandID() string {
	return uuid.New().String()
}

// Quote single-quote-escapes s for safe substitution into the script.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}
