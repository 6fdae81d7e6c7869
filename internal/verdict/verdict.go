// Package verdict provides the output parsers that judge a job's retrieved
// files.
package verdict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/me/calcjob/internal/lifecycle"
	"github.com/me/calcjob/pkg/model"
)

// DefaultParser is used for jobs that do not name a parser.
const DefaultParser = "exit-code"

// errNoExitStatus is returned when no exit status file was retrieved.
var errNoExitStatus = errors.New("exit status file missing")

// ExitCodeParser judges a job by the exit status its wrapper recorded in
// model.ExitStatusFile. Zero is success, anything else an expected failure.
type ExitCodeParser struct{}

// Parse implements lifecycle.Parser.
func (ExitCodeParser) Parse(_ context.Context, files []string) (model.Verdict, error) {
	code, err := readExitCode(files)
	if errors.Is(err, errNoExitStatus) {
		return model.Exception(err.Error()), nil
	}
	if err != nil {
		return model.Verdict{}, err
	}
	if code == 0 {
		return model.Success(0), nil
	}
	v := model.ExpectedFailure(fmt.Sprintf("exit status %d", code))
	v.ExitCode = &code
	return v, nil
}

// readExitCode finds model.ExitStatusFile among files and parses it.
func readExitCode(files []string) (int, error) {
	for _, f := range files {
		if filepath.Base(f) != model.ExitStatusFile {
			continue
		}
		data, err := os.ReadFile(f)
		if err != nil {
			return 0, fmt.Errorf("read exit status: %w", err)
		}
		code, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return 0, fmt.Errorf("parse exit status %q: %w", strings.TrimSpace(string(data)), err)
		}
		return code, nil
	}
	return 0, errNoExitStatus
}

// Registry maps parser names to implementations. Registration happens at
// startup before concurrent access, so no mutex is needed.
type Registry struct {
	parsers map[string]lifecycle.Parser
	logger  *slog.Logger
}

// NewRegistry creates a Registry holding the exit-code parser.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{
		parsers: make(map[string]lifecycle.Parser),
		logger:  logger.With("component", "parser-registry"),
	}
	r.Register(DefaultParser, ExitCodeParser{})
	return r
}

// Register adds a parser under name.
func (r *Registry) Register(name string, p lifecycle.Parser) {
	r.parsers[name] = p
	r.logger.Info("parser registered", "name", name)
}

// Get returns the parser for name; an empty name selects DefaultParser.
func (r *Registry) Get(name string) (lifecycle.Parser, error) {
	if name == "" {
		name = DefaultParser
	}
	p, ok := r.parsers[name]
	if !ok {
		return nil, fmt.Errorf("no parser registered as %q", name)
	}
	return p, nil
}

// Names returns the registered parser names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.parsers))
	for name := range r.parsers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
