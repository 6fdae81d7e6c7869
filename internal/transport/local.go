package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"

	"github.com/me/calcjob/internal/fault"
)

// LocalTransport treats the local filesystem as the computer. Remote paths
// are plain local paths.
type LocalTransport struct {
	shell  string
	open   atomic.Bool
	logger *slog.Logger
}

// NewLocalTransport creates a LocalTransport running commands with /bin/sh.
func NewLocalTransport(logger *slog.Logger) *LocalTransport {
	return &LocalTransport{
		shell:  "/bin/sh",
		logger: logger.With("component", "local-transport"),
	}
}

// Open marks the transport open.
func (t *LocalTransport) Open(_ context.Context) error {
	t.open.Store(true)
	return nil
}

// Close marks the transport closed.
func (t *LocalTransport) Close() error {
	t.open.Store(false)
	return nil
}

// Put copies a local file or directory tree to remotePath.
func (t *LocalTransport) Put(ctx context.Context, localPath, remotePath string) error {
	t.logger.Debug("put", "local", localPath, "remote", remotePath)
	if err := copyPath(ctx, localPath, remotePath); err != nil {
		return classifyFS("put", err)
	}
	return nil
}

// Get copies a remote file or directory tree to localPath.
func (t *LocalTransport) Get(ctx context.Context, remotePath, localPath string) error {
	t.logger.Debug("get", "remote", remotePath, "local", localPath)
	if err := copyPath(ctx, remotePath, localPath); err != nil {
		return classifyFS("get", err)
	}
	return nil
}

// Exec runs command with the shell and captures its output.
func (t *LocalTransport) Exec(ctx context.Context, command string) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, t.shell, "-c", command)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()
	res := ExecResult{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case ctx.Err() != nil:
		return res, fault.Transient("exec", ctx.Err())
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		// The shell itself could not be started.
		return res, fault.Permanent("exec", runErr)
	}

	t.logger.Debug("exec", "command", command, "exit_code", res.ExitCode)
	return res, nil
}

// Exists reports whether remotePath exists.
func (t *LocalTransport) Exists(_ context.Context, remotePath string) (bool, error) {
	_, err := os.Stat(remotePath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, classifyFS("exists", err)
}

// classifyFS maps filesystem errors onto fault kinds.
func classifyFS(op string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fault.Permanent(op, fmt.Errorf("%w: %v", fault.ErrNotFound, err))
	case errors.Is(err, fs.ErrPermission):
		return fault.Permanent(op, fmt.Errorf("%w: %v", fault.ErrAuth, err))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fault.Transient(op, err)
	}
	return fault.Classify(op, err)
}

// copyPath copies src to dst, recursing into directories.
func copyPath(ctx context.Context, src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst)
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

// copyFile copies a file from src to dst, creating parent directories.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", dst, err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}
