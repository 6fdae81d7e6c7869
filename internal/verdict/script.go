package verdict

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"

	"github.com/me/calcjob/internal/lifecycle"
	"github.com/me/calcjob/pkg/model"
)

// ScriptParser judges retrieved files with a JavaScript function body.
//
// The script sees:
//
//	files     names of the retrieved files, relative to the staging directory
//	          (the files' common directory when no staging directory is known)
//	exitCode  the recorded exit status, or null
//	read(n)   the contents of file n
//	exists(n) whether file n was retrieved
//
// It returns true (success), false (expected failure), one of the strings
// "success", "expected_failure", "exception", or an object
// {kind, reason, exit_code}.
type ScriptParser struct {
	source string
}

// NewScriptParser compiles source so syntax errors surface at startup.
func NewScriptParser(source string) (*ScriptParser, error) {
	if _, err := goja.Compile("verdict", wrapScript(source), true); err != nil {
		return nil, fmt.Errorf("compile verdict script: %w", err)
	}
	return &ScriptParser{source: source}, nil
}

func wrapScript(source string) string {
	return fmt.Sprintf("(function() { %s })()", source)
}

// Parse implements lifecycle.Parser. Script errors become Exception verdicts;
// cancellation of ctx interrupts the script.
func (p *ScriptParser) Parse(ctx context.Context, files []string) (model.Verdict, error) {
	root, ok := lifecycle.StagingDirFrom(ctx)
	if !ok {
		root = commonDir(files)
	}
	byName := relativeNames(root, files)
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, byName[f])
	}
	index := make(map[string]string, len(files))
	for _, f := range files {
		index[byName[f]] = f
		index[filepath.Base(f)] = f
	}

	vm := goja.New()
	if err := vm.Set("files", names); err != nil {
		return model.Verdict{}, fmt.Errorf("set files: %w", err)
	}
	var exitCode any
	code, err := readExitCode(files)
	switch {
	case err == nil:
		exitCode = code
	case !errors.Is(err, errNoExitStatus):
		return model.Verdict{}, err
	}
	if err := vm.Set("exitCode", exitCode); err != nil {
		return model.Verdict{}, fmt.Errorf("set exitCode: %w", err)
	}
	if err := vm.Set("read", func(name string) (string, error) {
		path, ok := index[name]
		if !ok {
			return "", fmt.Errorf("file %q was not retrieved", name)
		}
		data, err := os.ReadFile(path)
		return string(data), err
	}); err != nil {
		return model.Verdict{}, fmt.Errorf("set read: %w", err)
	}
	if err := vm.Set("exists", func(name string) bool {
		_, ok := index[name]
		return ok
	}); err != nil {
		return model.Verdict{}, fmt.Errorf("set exists: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	val, err := vm.RunString(wrapScript(p.source))
	if err != nil {
		return model.Exception(fmt.Sprintf("verdict script: %v", err)), nil
	}
	return toVerdict(val.Export(), exitCode), nil
}

// toVerdict converts a script result into a Verdict.
func toVerdict(result any, exitCode any) model.Verdict {
	defaultCode := 0
	if c, ok := exitCode.(int); ok {
		defaultCode = c
	}

	switch r := result.(type) {
	case bool:
		if r {
			return model.Success(defaultCode)
		}
		v := model.ExpectedFailure("verdict script returned false")
		if exitCode != nil {
			v.ExitCode = &defaultCode
		}
		return v
	case string:
		return kindVerdict(r, "", nil, defaultCode)
	case map[string]any:
		kind, _ := r["kind"].(string)
		reason, _ := r["reason"].(string)
		var code *int
		if n, ok := toInt(r["exit_code"]); ok {
			code = &n
		}
		return kindVerdict(kind, reason, code, defaultCode)
	}
	return model.Exception(fmt.Sprintf("verdict script returned %T", result))
}

func kindVerdict(kind, reason string, code *int, defaultCode int) model.Verdict {
	switch model.VerdictKind(strings.ToLower(kind)) {
	case model.VerdictSuccess:
		if code == nil {
			code = &defaultCode
		}
		return model.Verdict{Kind: model.VerdictSuccess, Reason: reason, ExitCode: code}
	case model.VerdictExpectedFailure:
		if reason == "" {
			reason = "verdict script reported failure"
		}
		return model.Verdict{Kind: model.VerdictExpectedFailure, Reason: reason, ExitCode: code}
	case model.VerdictException:
		if reason == "" {
			reason = "verdict script reported exception"
		}
		return model.Verdict{Kind: model.VerdictException, Reason: reason, ExitCode: code}
	}
	return model.Exception(fmt.Sprintf("verdict script returned unknown kind %q", kind))
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	case float64:
		if n == math.Trunc(n) {
			return int(n), true
		}
	}
	return 0, false
}

// relativeNames maps each file to its path relative to root, using forward
// slashes. Files outside root keep their base name.
func relativeNames(root string, files []string) map[string]string {
	out := make(map[string]string, len(files))
	for _, f := range files {
		rel, err := filepath.Rel(root, f)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			rel = filepath.Base(f)
		}
		out[f] = filepath.ToSlash(rel)
	}
	return out
}

// commonDir returns the deepest directory containing every file.
func commonDir(files []string) string {
	if len(files) == 0 {
		return ""
	}
	root := filepath.Dir(files[0])
	for _, f := range files[1:] {
		for !strings.HasPrefix(f, root+string(filepath.Separator)) && root != filepath.Dir(root) {
			root = filepath.Dir(root)
		}
	}
	return root
}
