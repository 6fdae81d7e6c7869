// Package transport moves files to and from a computer and runs commands on
// it. Every method returns errors classified by package fault.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// ExecResult is the outcome of a remote command. A non-zero exit code is not
// an error; errors are reserved for failing to run the command at all.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Transport is a connection to a computer.
type Transport interface {
	// Open connects and authenticates. Calling Open on an open transport is a no-op.
	Open(ctx context.Context) error

	// Close releases the connection. It may be reopened later.
	Close() error

	// Put copies a local file or directory to remotePath.
	Put(ctx context.Context, localPath, remotePath string) error

	// Get copies a remote file or directory to localPath.
	// A missing remote path fails permanently with fault.ErrNotFound.
	Get(ctx context.Context, remotePath, localPath string) error

	// Exec runs command through the remote shell.
	Exec(ctx context.Context, command string) (ExecResult, error)

	// Exists reports whether remotePath exists.
	Exists(ctx context.Context, remotePath string) (bool, error)
}

// Registry maps computer names to their Transport. Registration happens at
// startup before concurrent access, so no mutex is needed.
type Registry struct {
	transports map[string]Transport
	logger     *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		transports: make(map[string]Transport),
		logger:     logger.With("component", "transport-registry"),
	}
}

// Register adds a Transport under the given computer name.
func (r *Registry) Register(computer string, t Transport) {
	r.transports[computer] = t
	r.logger.Info("transport registered", "computer", computer, "type", fmt.Sprintf("%T", t))
}

// Get returns the Transport for computer or an error if none is registered.
func (r *Registry) Get(computer string) (Transport, error) {
	t, ok := r.transports[computer]
	if !ok {
		return nil, fmt.Errorf("no transport registered for computer %q", computer)
	}
	return t, nil
}

// Names returns the registered computer names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.transports))
	for name := range r.transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CloseAll closes every registered transport and returns the first error.
func (r *Registry) CloseAll() error {
	var first error
	for name, t := range r.transports {
		if err := t.Close(); err != nil {
			r.logger.Warn("close transport", "computer", name, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
