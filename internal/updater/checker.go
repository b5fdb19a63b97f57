package updater

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Checker looks up the latest published release. Implementations may block
// on I/O and must honor ctx.
type Checker interface {
	Check(ctx context.Context, current Version) (Result, error)
}

type CheckerFunc func(ctx context.Context, current Version) (Result, error)

func (f CheckerFunc) Check(ctx context.Context, current Version) (Result, error) {
	return f(ctx, current)
}

// FileChecker reads the latest release from a local file, typically dropped
// there by a deploy pipeline. The first non-empty line holds
// "<version> [download-url [release-url]]".
type FileChecker struct {
	Path string
}

func (c FileChecker) Check(ctx context.Context, current Version) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	b, err := os.ReadFile(c.Path)
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", c.Path, err)
	}
	for _, line := range strings.Split(string(b), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		latest, err := ParseVersion(fields[0])
		if err != nil {
			return Result{}, fmt.Errorf("%s: %w", c.Path, err)
		}
		res := Result{Current: current, Latest: latest}
		if len(fields) > 1 {
			res.DownloadURL = fields[1]
		}
		if len(fields) > 2 {
			res.ReleaseURL = fields[2]
		}
		return res, nil
	}
	return Result{}, fmt.Errorf("%s: %w: no version line", c.Path, ErrInvalidVersion)
}
