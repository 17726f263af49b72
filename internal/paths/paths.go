// Package paths turns caller supplied path hints into the set of test files
// handed to the framework adapters.
package paths

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Bucket describes one class of test files.
type Bucket struct {
	Name       string
	Segment    string // path segment marking a hint as belonging to the bucket
	Suffix     string // file name suffix marking a hint as belonging to the bucket
	DefaultDir string // directory under the project root searched by the fallback
	Glob       string // pattern applied to directories
}

var (
	Spec = Bucket{
		Name:       "spec",
		Segment:    "spec",
		Suffix:     "_spec.",
		DefaultDir: "spec",
		Glob:       "**/*_spec.*",
	}
	Feature = Bucket{
		Name:       "feature",
		Segment:    "features",
		Suffix:     ".feature",
		DefaultDir: "features",
		Glob:       "**/*.feature",
	}
)

// DiscoveryError is returned when a hint points to a path which does not exist.
type DiscoveryError struct {
	Hint string
	Path string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("test path %q (%s): %v", e.Hint, e.Path, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Classify returns the bucket a hint belongs to. The file name decides
// first, then the left-most marking segment, so a hint never belongs to both
// buckets. ok is false for hints matching neither.
func Classify(hint string) (bucket Bucket, ok bool) {
	clean := filepath.ToSlash(filepath.Clean(hint))
	base := path.Base(clean)
	switch {
	case strings.HasSuffix(base, Feature.Suffix):
		return Feature, true
	case strings.Contains(base, Spec.Suffix):
		return Spec, true
	}
	for _, seg := range strings.Split(clean, "/") {
		switch seg {
		case Spec.Segment:
			return Spec, true
		case Feature.Segment:
			return Feature, true
		}
	}
	return Bucket{}, false
}

// Partition splits hints into the spec and feature buckets. Hints matching
// neither are left out of both.
func Partition(hints []string) (spec, feature []string) {
	for _, h := range hints {
		b, ok := Classify(h)
		switch {
		case !ok:
		case b.Name == Spec.Name:
			spec = append(spec, h)
		case b.Name == Feature.Name:
			feature = append(feature, h)
		}
	}
	return spec, feature
}

// Resolve returns the deduplicated absolute paths of bucket's files.
//
// When no hint matches either bucket, hints are ignored and the default glob
// runs under root. The check looks at both buckets whichever one is asked
// for, so a project given only feature hints resolves no spec files, while a
// project given no usable hint at all resolves both defaults.
func Resolve(hints []string, root string, bucket Bucket) ([]string, error) {
	root = filepath.Clean(root)
	specHints, featureHints := Partition(hints)
	if len(specHints) == 0 && len(featureHints) == 0 {
		return fallback(root, bucket)
	}

	mine := specHints
	if bucket.Name == Feature.Name {
		mine = featureHints
	}

	set := make(map[string]struct{})
	for _, hint := range mine {
		abs := hint
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(root, abs)
		}
		abs = filepath.Clean(abs)

		info, err := os.Stat(abs)
		if err != nil {
			return nil, &DiscoveryError{Hint: hint, Path: abs, Err: err}
		}

		var found []string
		switch {
		case abs == root:
			found, err = fallback(root, bucket)
		case info.IsDir():
			found, err = glob(abs, bucket.Glob)
		default:
			found = []string{abs}
		}
		if err != nil {
			return nil, err
		}
		for _, f := range found {
			set[f] = struct{}{}
		}
	}
	return sorted(set), nil
}

func fallback(root string, bucket Bucket) ([]string, error) {
	dir := filepath.Join(root, bucket.DefaultDir)
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}
	return glob(dir, bucket.Glob)
}

func glob(dir, pattern string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("globbing %s in %s: %w", pattern, dir, err)
	}
	ret := make([]string, 0, len(matches))
	for _, m := range matches {
		ret = append(ret, filepath.Join(dir, filepath.FromSlash(m)))
	}
	slices.Sort(ret)
	return ret, nil
}

func sorted(set map[string]struct{}) []string {
	ret := make([]string, 0, len(set))
	for k := range set {
		ret = append(ret, k)
	}
	slices.Sort(ret)
	return ret
}
