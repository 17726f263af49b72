package model

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigName is the config file looked up in the user config dir and cwd.
	DefaultConfigName = "specjour.yaml"
	// DefaultListen is the printer listen address used by dispatch.
	DefaultListen = "127.0.0.1:0"
	// DefaultExamplePattern matches a single spec example declaration.
	DefaultExamplePattern = `^\s*(it|specify|example|scenario)\b`
)

type Config struct {
	Version   int      `yaml:"version"` // fixed 0 for now
	Project   string   `yaml:"project_path,omitempty"`
	Workers   int      `yaml:"worker_size,omitempty"`
	Task      Task     `yaml:"task,omitempty"`
	Quiet     bool     `yaml:"quiet,omitempty"`
	Verbose   bool     `yaml:"verbose,omitempty"`
	TestPaths []string `yaml:"test_paths,omitempty"`
	Printer   Printer  `yaml:"printer"`
	Commands  Commands `yaml:"commands"`
	Lock      bool     `yaml:"lock,omitempty"`
	History   string   `yaml:"history,omitempty"` // sqlite path, empty disables
}

// Printer describes the reporting endpoint.
type Printer struct {
	URI    string `yaml:"uri,omitempty"`    // ws://host:port/path for a remote printer
	Listen string `yaml:"listen,omitempty"` // listen address of a local printer
}

// Commands executed by the loader and its workers. Every command is an argv
// list, the locator is appended to the spec and feature commands.
type Commands struct {
	BeforeLoad     []string `yaml:"before_load,omitempty"`
	Prepare        []string `yaml:"prepare,omitempty"`
	Spec           []string `yaml:"spec,omitempty"`
	Feature        []string `yaml:"feature,omitempty"`
	ExamplePattern string   `yaml:"example_pattern,omitempty"`
	// Timeout bounds a single spec or feature command, zero means none.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		Version: 0,
		Project: ".",
		Workers: runtime.NumCPU(),
		Task:    TaskRunTests,
		Printer: Printer{
			Listen: DefaultListen,
		},
		Commands: Commands{
			Spec:           []string{"rspec"},
			Feature:        []string{"cucumber"},
			ExamplePattern: DefaultExamplePattern,
		},
	}
}

// LoadConfig decodes YAML from r on top of DefaultConfig and validates the result.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports all configuration problems at once.
func (c Config) Validate() error {
	var errs []error
	if c.Version != 0 {
		errs = append(errs, fmt.Errorf("version %d is not supported, expected 0", c.Version))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("worker_size must be positive, got %d", c.Workers))
	}
	if !c.Task.Valid() {
		errs = append(errs, fmt.Errorf("task %q is not one of %v", c.Task, Tasks()))
	}
	if c.Printer.URI != "" {
		if err := ValidatePrinterURI(c.Printer.URI); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Commands.Timeout < 0 {
		errs = append(errs, fmt.Errorf("commands.timeout must not be negative, got %s", c.Commands.Timeout))
	}
	if c.Commands.ExamplePattern != "" {
		if _, err := regexp.Compile(c.Commands.ExamplePattern); err != nil {
			errs = append(errs, fmt.Errorf("commands.example_pattern: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ValidatePrinterURI checks uri is a websocket URL with a host and port.
func ValidatePrinterURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("printer uri: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("printer uri %q: scheme must be ws or wss", uri)
	}
	if u.Hostname() == "" || u.Port() == "" {
		return fmt.Errorf("printer uri %q: host and port are required", uri)
	}
	return nil
}
