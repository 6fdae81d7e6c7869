package lifecycle

import (
	"context"

	"github.com/me/calcjob/pkg/model"
)

// Parser judges the files retrieved for a job. An error is treated as an
// Exception verdict. The context carries the staging directory, see
// StagingDirFrom.
type Parser interface {
	Parse(ctx context.Context, files []string) (model.Verdict, error)
}

type stagingDirKey struct{}

// WithStagingDir returns a context carrying the local staging directory the
// retrieved files were copied into.
func WithStagingDir(ctx context.Context, dir string) context.Context {
	return context.WithValue(ctx, stagingDirKey{}, dir)
}

// StagingDirFrom returns the staging directory set by WithStagingDir.
func StagingDirFrom(ctx context.Context) (string, bool) {
	dir, ok := ctx.Value(stagingDirKey{}).(string)
	return dir, ok && dir != ""
}

// ParserFunc adapts a function to the Parser interface.
type ParserFunc func(ctx context.Context, files []string) (model.Verdict, error)

// Parse calls f.
func (f ParserFunc) Parse(ctx context.Context, files []string) (model.Verdict, error) {
	return f(ctx, files)
}
