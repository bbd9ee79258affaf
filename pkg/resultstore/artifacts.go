package resultstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/simrunner/pkg/job"
)

// CheckArtifacts reports whether each expected artifact exists. Relative
// patterns resolve against workDir. Patterns containing glob metacharacters
// expand to every matching file; a glob with no match is reported once as
// missing. File contents are never read.
func CheckArtifacts(workDir string, patterns []string) ([]job.Artifact, error) {
	if len(patterns) == 0 {
		return nil, nil
	}

	out := make([]job.Artifact, 0, len(patterns))
	for _, p := range patterns {
		full := p
		if !filepath.IsAbs(full) && workDir != "" {
			full = filepath.Join(workDir, p)
		}

		if !hasMeta(p) {
			_, err := os.Stat(full)
			out = append(out, job.Artifact{Path: p, Exists: err == nil})
			continue
		}

		if !doublestar.ValidatePattern(filepath.ToSlash(full)) {
			return nil, fmt.Errorf("invalid artifact pattern %q", p)
		}
		matches, err := doublestar.FilepathGlob(full, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("expand artifact pattern %q: %w", p, err)
		}
		if len(matches) == 0 {
			out = append(out, job.Artifact{Path: p, Exists: false})
			continue
		}
		for _, m := range matches {
			out = append(out, job.Artifact{Path: relativeTo(workDir, m), Exists: true})
		}
	}
	return out, nil
}

// ValidateArtifactPatterns rejects malformed glob patterns up front.
func ValidateArtifactPatterns(patterns []string) error {
	for _, p := range patterns {
		if hasMeta(p) && !doublestar.ValidatePattern(filepath.ToSlash(p)) {
			return fmt.Errorf("%w: invalid artifact pattern %q", job.ErrInvalidSpec, p)
		}
	}
	return nil
}

func hasMeta(p string) bool {
	for i := 0; i < len(p); i++ {
		switch p[i] {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}

func relativeTo(base, path string) string {
	if base == "" {
		return path
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return path
	}
	return rel
}
