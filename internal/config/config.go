// Package config loads the daemon configuration: server settings, engine
// knobs and the computers jobs may run on.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/calcjob/internal/appservice"
	"github.com/me/calcjob/internal/controller"
	"github.com/me/calcjob/internal/lifecycle"
	"github.com/me/calcjob/internal/scheduler"
	"github.com/me/calcjob/internal/transport"
	"github.com/me/calcjob/internal/verdict"
)

// ServerConfig holds configuration for the calcjob daemon.
type ServerConfig struct {
	Addr      string `yaml:"addr"`       // Listen address (default ":8080")
	LogLevel  string `yaml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `yaml:"log_format"` // Log format: text, json
	DBPath    string `yaml:"db_path"`    // SQLite database path (default ~/.calcjob/calcjob.db, ":memory:" for testing)
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		DBPath:    DefaultDBPath(),
	}
}

// DefaultDBPath returns ~/.calcjob/calcjob.db, or a relative path when the
// home directory is unknown.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "calcjob.db"
	}
	return filepath.Join(home, ".calcjob", "calcjob.db")
}

// File is the YAML configuration file.
type File struct {
	Server     ServerConfig      `yaml:"server"`
	Engine     lifecycle.Config  `yaml:"engine"`
	Controller controller.Config `yaml:"controller"`
	Computers  []ComputerConfig  `yaml:"computers"`
	Parsers    []ParserConfig    `yaml:"parsers"`
}

// ComputerConfig pairs a transport with a scheduler under one name.
type ComputerConfig struct {
	Name      string          `yaml:"name"`
	Transport TransportConfig `yaml:"transport"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// TransportConfig selects and configures a transport.
type TransportConfig struct {
	Type string `yaml:"type"` // local or s3

	// MinReopenInterval bounds how often a dropped connection is reopened.
	MinReopenInterval time.Duration `yaml:"min_reopen_interval"`

	S3 transport.S3Config `yaml:"s3"`
}

// SchedulerConfig selects and configures a scheduler.
type SchedulerConfig struct {
	Type string `yaml:"type"` // direct, slurm or appservice

	AppService appservice.ClientConfig `yaml:"appservice"`
	// Workspace is the default output folder for appservice jobs.
	Workspace string `yaml:"workspace"`
}

// ParserConfig registers a script parser under a name.
type ParserConfig struct {
	Name   string `yaml:"name"`
	Script string `yaml:"script"`
}

// Default returns a File with one "localhost" computer running jobs directly.
func Default() File {
	return File{
		Server:     DefaultServerConfig(),
		Engine:     lifecycle.DefaultConfig(),
		Controller: controller.DefaultConfig(),
		Computers: []ComputerConfig{{
			Name:      "localhost",
			Transport: TransportConfig{Type: "local"},
			Scheduler: SchedulerConfig{Type: "direct"},
		}},
	}
}

// Load reads a YAML file over Default. An empty path returns Default.
func Load(path string) (File, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}
	// A computers list in the file replaces the default one.
	cfg.Computers = nil
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return File{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return File{}, err
	}
	return cfg, nil
}

// Validate checks computer and parser entries.
func (f File) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, c := range f.Computers {
		if c.Name == "" {
			errs = append(errs, fmt.Errorf("computers[%d]: name is required", i))
			continue
		}
		if seen[c.Name] {
			errs = append(errs, fmt.Errorf("computer %q defined twice", c.Name))
		}
		seen[c.Name] = true

		switch c.Transport.Type {
		case "local":
		case "s3":
			if c.Transport.S3.Bucket == "" {
				errs = append(errs, fmt.Errorf("computer %q: s3 transport needs a bucket", c.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("computer %q: unknown transport type %q", c.Name, c.Transport.Type))
		}

		switch c.Scheduler.Type {
		case "direct", "slurm":
			if c.Transport.Type == "s3" {
				errs = append(errs, fmt.Errorf("computer %q: %s scheduler needs a transport that can run commands", c.Name, c.Scheduler.Type))
			}
		case "appservice":
			if c.Scheduler.AppService.URL == "" {
				errs = append(errs, fmt.Errorf("computer %q: appservice scheduler needs a url", c.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("computer %q: unknown scheduler type %q", c.Name, c.Scheduler.Type))
		}
	}
	for i, p := range f.Parsers {
		if p.Name == "" || p.Script == "" {
			errs = append(errs, fmt.Errorf("parsers[%d]: name and script are required", i))
		}
	}
	return errors.Join(errs...)
}

// Build constructs the registries for every configured computer and parser.
func (f File) Build(logger *slog.Logger) (controller.Collaborators, error) {
	collab := controller.Collaborators{
		Transports: transport.NewRegistry(logger),
		Schedulers: scheduler.NewRegistry(logger),
		Parsers:    verdict.NewRegistry(logger),
	}
	for _, c := range f.Computers {
		t, s, err := c.build(logger)
		if err != nil {
			return controller.Collaborators{}, fmt.Errorf("computer %q: %w", c.Name, err)
		}
		collab.Transports.Register(c.Name, t)
		collab.Schedulers.Register(c.Name, s)
	}
	for _, p := range f.Parsers {
		parser, err := verdict.NewScriptParser(p.Script)
		if err != nil {
			return controller.Collaborators{}, fmt.Errorf("parser %q: %w", p.Name, err)
		}
		collab.Parsers.Register(p.Name, parser)
	}
	return collab, nil
}

func (c ComputerConfig) build(logger *slog.Logger) (transport.Transport, scheduler.Scheduler, error) {
	var inner transport.Transport
	switch c.Transport.Type {
	case "local":
		inner = transport.NewLocalTransport(logger)
	case "s3":
		inner = transport.NewS3Transport(c.Transport.S3, logger)
	default:
		return nil, nil, fmt.Errorf("unknown transport type %q", c.Transport.Type)
	}
	t := transport.NewReconnecting(inner, c.Transport.MinReopenInterval, logger.With("computer", c.Name))

	switch c.Scheduler.Type {
	case "direct":
		return t, scheduler.NewDirectScheduler(t, logger), nil
	case "slurm":
		return t, scheduler.NewSlurmScheduler(t, logger), nil
	case "appservice":
		clientCfg := c.Scheduler.AppService
		if clientCfg.Token == "" {
			token, err := appservice.ResolveToken()
			if err != nil {
				return nil, nil, err
			}
			clientCfg.Token = token
		}
		caller := appservice.NewHTTPRPCCaller(clientCfg, logger)
		return t, scheduler.NewAppServiceScheduler(caller, c.Scheduler.Workspace, logger), nil
	}
	return nil, nil, fmt.Errorf("unknown scheduler type %q", c.Scheduler.Type)
}
