package model

import (
	"fmt"
	"strings"
)

// Task is the role a worker process executes.
type Task string

const (
	TaskRunTests    Task = "run_tests"
	TaskRunSpecs    Task = "run_specs"
	TaskRunFeatures Task = "run_features"
	TaskPrepare     Task = "prepare"
)

func Tasks() []Task {
	return []Task{TaskRunTests, TaskRunSpecs, TaskRunFeatures, TaskPrepare}
}

func (t Task) Valid() bool {
	for _, v := range Tasks() {
		if t == v {
			return true
		}
	}
	return false
}

// Filter returns the locator kind a worker of this task pulls from the printer.
// Empty means any kind.
func (t Task) Filter() Kind {
	switch t {
	case TaskRunSpecs:
		return KindSpec
	case TaskRunFeatures:
		return KindFeature
	default:
		return ""
	}
}

// Set implements pflag.Value.
func (t *Task) Set(s string) error {
	v := Task(s)
	if !v.Valid() {
		return fmt.Errorf("unknown task %q", s)
	}
	*t = v
	return nil
}

func (t Task) String() string { return string(t) }

func (t Task) Type() string { return "task" }

// Kind classifies a Locator.
type Kind string

const (
	KindSpec    Kind = "spec"
	KindFeature Kind = "feature"
)

// KindOf returns KindFeature for feature files (with or without a :line suffix)
// and KindSpec for everything else.
func KindOf(locator string) Kind {
	path := locator
	if i := strings.LastIndexByte(path, ':'); i > 0 && isDigits(path[i+1:]) {
		path = path[:i]
	}
	if strings.HasSuffix(path, ".feature") {
		return KindFeature
	}
	return KindSpec
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
