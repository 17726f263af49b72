// Package adapter loads test files into a framework and lists the units of
// work they define as locator strings.
package adapter

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"runtime"
	"slices"
	"strconv"
	"sync"

	"github.com/specjour/specjour/internal/parallel"
)

// Adapter is the capability the loader needs from a test framework.
// Load registers files, Locators returns every discovered unit of work
// without duplicates, Reset drops whatever Load registered.
type Adapter interface {
	Name() string
	Load(ctx context.Context, paths []string) error
	Locators() []string
	Reset()
}

type registry struct {
	mx   sync.Mutex
	seen map[string]struct{}
	list []string
}

func (r *registry) add(locator string) {
	if r.seen == nil {
		r.seen = make(map[string]struct{})
	}
	if _, ok := r.seen[locator]; ok {
		return
	}
	r.seen[locator] = struct{}{}
	r.list = append(r.list, locator)
}

func (r *registry) locators() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return slices.Clone(r.list)
}

func (r *registry) reset() {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.seen = nil
	r.list = nil
}

// maxLine is the longest line a spec file may contain.
const maxLine = 1 << 20

// Spec finds examples by matching every line of a file against a pattern,
// each match becomes a path:line locator.
type Spec struct {
	pattern *regexp.Regexp
	reg     registry
}

func NewSpec(pattern string) (*Spec, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling example pattern: %w", err)
	}
	return &Spec{pattern: re}, nil
}

func (s *Spec) Name() string { return "spec" }

// Load scans paths concurrently, locators keep the order of paths.
func (s *Spec) Load(ctx context.Context, paths []string) error {
	found, err := parallel.Map(ctx, runtime.GOMAXPROCS(0), paths, s.scan)
	if err != nil {
		return err
	}
	s.reg.mx.Lock()
	defer s.reg.mx.Unlock()
	for _, locators := range found {
		for _, l := range locators {
			s.reg.add(l)
		}
	}
	return nil
}

func (s *Spec) scan(ctx context.Context, path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loading spec file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var locators []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	line := 0
	for scanner.Scan() {
		line++
		if s.pattern.Match(scanner.Bytes()) {
			locators = append(locators, path+":"+strconv.Itoa(line))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading spec file %s: %w", path, err)
	}
	return locators, ctx.Err()
}

func (s *Spec) Locators() []string { return s.reg.locators() }

func (s *Spec) Reset() { s.reg.reset() }

// Feature shares whole feature files, a locator is the bare file path.
type Feature struct {
	reg registry
}

func NewFeature() *Feature {
	return &Feature{}
}

func (f *Feature) Name() string { return "feature" }

func (f *Feature) Load(ctx context.Context, paths []string) error {
	f.reg.mx.Lock()
	defer f.reg.mx.Unlock()
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("loading feature file: %w", err)
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("loading feature file %s: not a regular file", path)
		}
		f.reg.add(path)
	}
	return nil
}

func (f *Feature) Locators() []string { return f.reg.locators() }

func (f *Feature) Reset() { f.reg.reset() }
